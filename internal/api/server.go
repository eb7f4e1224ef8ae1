package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"portwatch/internal/config"
	"portwatch/internal/monitor"
	"portwatch/internal/storage"
	"portwatch/internal/util"
)

type DataProvider interface {
	ListEndpoints(ctx context.Context) ([]storage.Endpoint, error)
	History(ctx context.Context, id int64, limit int) ([]storage.CheckRecord, error)
}

type SessionProvider interface {
	Info() monitor.SessionInfo
}

// StateReader reports endpoint state including running confirmations.
type StateReader interface {
	State(ep storage.Endpoint) monitor.State
}

type storedState struct{}

func (storedState) State(ep storage.Endpoint) monitor.State {
	return monitor.StateOf(ep)
}

// Server exposes a read-only JSON view of the monitor.
type Server struct {
	logger     *slog.Logger
	provider   DataProvider
	session    SessionProvider
	states     StateReader
	listenAddr string
	httpServer *http.Server
}

// New builds the router. A nil states reader falls back to persisted state.
func New(cfg config.API, provider DataProvider, session SessionProvider, states StateReader) (*Server, error) {
	if provider == nil || session == nil {
		return nil, errors.New("api data and session providers are required")
	}
	if states == nil {
		states = storedState{}
	}

	srv := &Server{
		logger:     slog.Default(),
		provider:   provider,
		session:    session,
		states:     states,
		listenAddr: cfg.ListenAddress,
	}

	limiter := newRateLimiter(cfg.RequestsPerMinute, time.Minute)

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodOptions},
		MaxAge:         300,
	}))
	r.Get("/healthz", srv.handleHealth)
	r.Group(func(r chi.Router) {
		r.Use(limiter.Middleware)
		r.Get("/api/status", srv.handleStatus)
		r.Get("/api/endpoints/{id}/history", srv.handleHistory)
	})

	srv.httpServer = &http.Server{
		Addr:              srv.listenAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return srv, nil
}

func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

func (s *Server) ListenAndServe(ctx context.Context) error {
	stop := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = s.httpServer.Shutdown(shutdownCtx)
		case <-stop:
			return
		}
	}()
	defer close(stop)

	s.logger.Info("status api listening", "addr", s.listenAddr)
	err := s.httpServer.ListenAndServe()
	if err == nil {
		return nil
	}
	if errors.Is(err, http.ErrServerClosed) && ctx.Err() != nil {
		return nil
	}
	return err
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":   true,
		"time": time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	endpoints, err := s.provider.ListEndpoints(r.Context())
	if err != nil {
		s.logger.Error("status api: list endpoints", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "storage error"})
		return
	}

	items := make([]map[string]any, 0, len(endpoints))
	up, down := 0, 0
	for _, ep := range endpoints {
		if ep.Active && !ep.LastCheck.IsZero() {
			if ep.LastStatus {
				up++
			} else {
				down++
			}
		}
		item := map[string]any{
			"id":                   ep.ID,
			"name":                 ep.Name,
			"host":                 ep.Host,
			"port":                 ep.Port,
			"protocol":             ep.Protocol,
			"active":               ep.Active,
			"state":                s.states.State(ep).String(),
			"last_status":          ep.LastStatus,
			"last_check":           util.FormatTime(ep.LastCheck),
			"consecutive_failures": ep.ConsecutiveFailures,
			"notification_sent":    ep.NotificationSent,
			"total_checks":         ep.TotalChecks,
			"total_failures":       ep.TotalFailures,
		}
		if pct, ok := util.UptimePercent(ep.TotalChecks, ep.TotalFailures); ok {
			item["uptime_percent"] = pct
		}
		items = append(items, item)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"generated_at": time.Now().UTC().Format(time.RFC3339),
		"session":      s.session.Info(),
		"total":        len(endpoints),
		"up":           up,
		"down":         down,
		"endpoints":    items,
	})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid endpoint id"})
		return
	}
	limit := parseQueryInt(r, "limit", 100, 1, 1000)

	rows, err := s.provider.History(r.Context(), id, limit)
	if errors.Is(err, storage.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "endpoint not found"})
		return
	}
	if err != nil {
		s.logger.Error("status api: history", "endpoint_id", id, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "storage error"})
		return
	}

	items := make([]map[string]any, 0, len(rows))
	for _, row := range rows {
		item := map[string]any{
			"id":         row.ID,
			"available":  row.Available,
			"checked_at": util.FormatTime(row.CheckedAt),
			"error":      row.Error,
		}
		if row.Latency > 0 {
			item["latency_ms"] = float64(row.Latency) / float64(time.Millisecond)
		}
		items = append(items, item)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"endpoint_id": id,
		"limit":       limit,
		"rows":        items,
	})
}

func parseQueryInt(r *http.Request, key string, fallback, min, max int) int {
	value := strings.TrimSpace(r.URL.Query().Get(key))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	if parsed < min {
		return min
	}
	if parsed > max {
		return max
	}
	return parsed
}

func writeJSON(w http.ResponseWriter, status int, value any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(value)
}
