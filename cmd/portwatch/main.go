package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/go-telegram/bot/models"

	"portwatch/internal/api"
	"portwatch/internal/bot"
	"portwatch/internal/config"
	"portwatch/internal/logging"
	"portwatch/internal/monitor"
	"portwatch/internal/probe"
	"portwatch/internal/storage"
	"portwatch/internal/telegram"
)

func main() {
	cfgPath := envOrDefault("CONFIG_PATH", "config.yaml")

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Println("config error:", err)
		os.Exit(1)
	}

	logger, logCloser, err := logging.New(cfg.Log, os.Stdout)
	if err != nil {
		fmt.Println("logging init error:", err)
		os.Exit(1)
	}
	defer logCloser.Close()
	slog.SetDefault(logger)

	store, err := initStore(cfg)
	if err != nil {
		slog.Error("storage init failed", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	if err := seedEndpoints(store, cfg.Endpoints); err != nil {
		slog.Error("endpoint seeding failed", "error", err)
		os.Exit(1)
	}

	updates := make(chan *models.Update, 128)
	client, err := telegram.New(cfg.Bot.Token, func(ctx context.Context, update *models.Update) {
		select {
		case updates <- update:
		case <-ctx.Done():
		default:
			slog.Warn("dropping update due to full queue")
		}
	})
	if err != nil {
		slog.Error("bot init failed", "error", err)
		os.Exit(1)
	}

	opts := monitor.OptionsFromConfig(cfg.Monitoring)
	prober := probe.New(probe.Options{
		Pinger:      newPinger(cfg.Probe),
		PingTimeout: time.Duration(cfg.Probe.PingTimeoutSeconds) * time.Second,
		Timeout:     time.Duration(cfg.Probe.TimeoutSeconds) * time.Second,
	})
	notifier := monitor.NewNotifier(store, client)
	tracker := monitor.NewTracker(store, prober, notifier, opts)
	scanner := monitor.NewScanner(store, prober, tracker, opts)
	scheduler := monitor.NewScheduler(scanner, store, opts)

	commands := bot.NewCommandHandler(store, scanner, scheduler, client, bot.Settings{
		Interval:      opts.Interval,
		FastInterval:  opts.FastInterval,
		FailThreshold: opts.FailThreshold,
		AdminIDs:      cfg.Bot.AdminChatIDs,
	})

	var statusAPI *api.Server
	if strings.TrimSpace(cfg.API.ListenAddress) != "" {
		statusAPI, err = api.New(cfg.API, store, scheduler, scanner)
		if err != nil {
			slog.Error("status api init failed", "error", err)
			os.Exit(1)
		}
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	result, err := scheduler.Start(ctx)
	if err != nil {
		slog.Error("failed to start monitoring", "error", err)
	} else {
		slog.Info("monitoring autostart", "result", result.String())
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case update := <-updates:
				commands.HandleUpdate(ctx, update)
			}
		}
	}()
	if statusAPI != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := statusAPI.ListenAndServe(ctx); err != nil {
				slog.Error("status api failed", "error", err)
				cancel()
			}
		}()
	}

	sendStatus(client, cfg.Bot.AdminChatIDs, "<b>INFO</b>\nport monitor started")
	client.Start(ctx)
	wg.Wait()
	commands.Wait()

	scheduler.Stop()
	waitCtx, waitCancel := context.WithTimeout(context.Background(), 30*time.Second)
	if err := scheduler.Wait(waitCtx); err != nil {
		slog.Warn("monitoring session did not finish in time", "error", err)
	}
	waitCancel()

	sendStatus(client, cfg.Bot.AdminChatIDs, "<b>INFO</b>\nport monitor stopped")
}

func initStore(cfg config.Config) (*storage.Store, error) {
	store, err := storage.NewSQLite(storage.SQLiteOptions{
		Path:          cfg.Storage.SQLite.Path,
		BusyTimeoutMS: cfg.Storage.SQLite.BusyTimeoutMS,
		MaxOpenConns:  cfg.Storage.SQLite.MaxOpenConns,
		MaxIdleConns:  cfg.Storage.SQLite.MaxIdleConns,
	})
	if err != nil {
		return nil, err
	}

	ch := cfg.Storage.ClickHouse
	if strings.TrimSpace(ch.Addr) == "" {
		return store, nil
	}
	mirror, err := storage.NewClickHouseMirror(storage.ClickHouseOptions{
		Addr:         ch.Addr,
		Database:     ch.Database,
		Username:     ch.Username,
		Password:     ch.Password,
		Table:        ch.Table,
		Secure:       ch.Secure,
		DialTimeout:  time.Duration(ch.DialTimeoutSeconds) * time.Second,
		MaxOpenConns: ch.MaxOpenConns,
		MaxIdleConns: ch.MaxIdleConns,
	})
	if err != nil {
		// History mirroring is optional; SQLite keeps working without it.
		slog.Warn("clickhouse mirror disabled", "addr", ch.Addr, "error", err)
		return store, nil
	}
	store.SetMirror(mirror)
	slog.Info("clickhouse mirror enabled", "addr", ch.Addr, "database", ch.Database)
	return store, nil
}

func newPinger(cfg config.Probe) probe.Pinger {
	if cfg.Reachability == config.ReachabilityNone {
		return probe.NoopPinger{}
	}
	return probe.ICMPPinger{Privileged: cfg.PrivilegedPing}
}

func envOrDefault(name string, fallback string) string {
	value := os.Getenv(name)
	if value == "" {
		return fallback
	}
	return value
}

func sendStatus(client *telegram.Client, chatIDs []int64, message string) {
	for _, chatID := range chatIDs {
		sendCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		if err := client.SendHTML(sendCtx, chatID, message); err != nil {
			slog.Warn("status message failed", "chat_id", chatID, "error", err)
		}
		cancel()
	}
}

func seedEndpoints(store *storage.Store, endpoints []config.Endpoint) error {
	if len(endpoints) == 0 {
		return nil
	}
	ctx := context.Background()
	existing, err := store.ListEndpoints(ctx)
	if err != nil {
		return err
	}
	if len(existing) > 0 {
		return nil
	}
	for _, item := range endpoints {
		protocol, err := probe.ParseProtocol(item.Protocol)
		if err != nil {
			return fmt.Errorf("endpoint %s: %w", item.Name, err)
		}
		if _, err := store.AddEndpoint(ctx, storage.NewEndpoint{
			Name:     item.Name,
			Host:     item.Host,
			Port:     item.Port,
			Protocol: protocol,
		}); err != nil {
			return fmt.Errorf("endpoint %s: %w", item.Name, err)
		}
	}
	slog.Info("seeded endpoints from config", "count", len(endpoints))
	return nil
}
