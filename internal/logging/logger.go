package logging

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"gopkg.in/natefinch/lumberjack.v2"

	"portwatch/internal/config"
)

// New builds the process logger. Records always go to stdout as text; when
// cfg.Dir is set they are also written as JSON to a rotated file.
func New(cfg config.Log, stdout io.Writer) (*slog.Logger, io.Closer, error) {
	level := parseLevel(cfg.Level)
	opts := &slog.HandlerOptions{Level: level}
	console := slog.NewTextHandler(stdout, opts)
	if cfg.Dir == "" {
		return slog.New(console), nopCloser{}, nil
	}

	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, nil, err
	}
	rotated := &lumberjack.Logger{
		Filename:   filepath.Join(cfg.Dir, "portwatch.log"),
		MaxSize:    10, // MB
		MaxBackups: 5,
		MaxAge:     14, // days
		Compress:   true,
	}
	file := slog.NewJSONHandler(rotated, opts)
	return slog.New(fanoutHandler{console, file}), rotated, nil
}

func parseLevel(value string) slog.Level {
	switch value {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

type fanoutHandler []slog.Handler

func (h fanoutHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, handler := range h {
		if handler.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (h fanoutHandler) Handle(ctx context.Context, record slog.Record) error {
	var errs []error
	for _, handler := range h {
		if !handler.Enabled(ctx, record.Level) {
			continue
		}
		if err := handler.Handle(ctx, record.Clone()); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (h fanoutHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	out := make(fanoutHandler, 0, len(h))
	for _, handler := range h {
		out = append(out, handler.WithAttrs(attrs))
	}
	return out
}

func (h fanoutHandler) WithGroup(name string) slog.Handler {
	out := make(fanoutHandler, 0, len(h))
	for _, handler := range h {
		out = append(out, handler.WithGroup(name))
	}
	return out
}
