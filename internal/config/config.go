package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	ReachabilityICMP = "icmp"
	ReachabilityNone = "none"

	maxParallelChecksHardLimit = 32
)

type Config struct {
	Bot struct {
		Token        string  `yaml:"token"`
		AdminChatIDs []int64 `yaml:"admin_chat_ids"`
	} `yaml:"bot"`
	Monitoring Monitoring `yaml:"monitoring"`
	Probe      Probe      `yaml:"probe"`
	Storage    Storage    `yaml:"storage"`
	API        API        `yaml:"api"`
	Log        Log        `yaml:"log"`
	Endpoints  []Endpoint `yaml:"endpoints"`
}

type Monitoring struct {
	IntervalSeconds     int `yaml:"interval_seconds"`
	FastIntervalSeconds int `yaml:"fast_interval_seconds"`
	FailThreshold       int `yaml:"fail_threshold"`
	ConfirmChecks       int `yaml:"confirm_checks"`
	DownConfirmDelayMS  int `yaml:"down_confirm_delay_ms"`
	UpConfirmDelayMS    int `yaml:"up_confirm_delay_ms"`
	PacingDelayMS       int `yaml:"pacing_delay_ms"`
	ErrorBackoffSeconds int `yaml:"error_backoff_seconds"`
	MaxParallelChecks   int `yaml:"max_parallel_checks"`
}

type Probe struct {
	TimeoutSeconds     int    `yaml:"timeout_seconds"`
	PingTimeoutSeconds int    `yaml:"ping_timeout_seconds"`
	Reachability       string `yaml:"reachability"`
	PrivilegedPing     bool   `yaml:"privileged_ping"`
}

type Storage struct {
	SQLite     SQLite     `yaml:"sqlite"`
	ClickHouse ClickHouse `yaml:"clickhouse"`
}

type SQLite struct {
	Path          string `yaml:"path"`
	BusyTimeoutMS int    `yaml:"busy_timeout_ms"`
	MaxOpenConns  int    `yaml:"max_open_conns"`
	MaxIdleConns  int    `yaml:"max_idle_conns"`
}

// ClickHouse is optional; an empty Addr disables the history mirror.
type ClickHouse struct {
	Addr               string `yaml:"addr"`
	Database           string `yaml:"database"`
	Username           string `yaml:"username"`
	Password           string `yaml:"password"`
	Table              string `yaml:"table"`
	Secure             bool   `yaml:"secure"`
	DialTimeoutSeconds int    `yaml:"dial_timeout_seconds"`
	MaxOpenConns       int    `yaml:"max_open_conns"`
	MaxIdleConns       int    `yaml:"max_idle_conns"`
}

type API struct {
	ListenAddress     string `yaml:"listen_address"`
	RequestsPerMinute int    `yaml:"requests_per_minute"`
}

type Log struct {
	Dir   string `yaml:"dir"`
	Level string `yaml:"level"`
}

type Endpoint struct {
	Name     string `yaml:"name"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Protocol string `yaml:"protocol"`
}

// Load reads an optional .env file, the YAML config at path (a missing file
// is not an error) and then applies environment overrides and defaults.
func Load(path string) (Config, error) {
	var cfg Config

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return cfg, fmt.Errorf("load .env: %w", err)
	}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist):
	default:
		return cfg, err
	}

	if err := applyEnv(&cfg); err != nil {
		return cfg, err
	}
	applyDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) error {
	setString(&cfg.Bot.Token, "BOT_TOKEN")
	if raw := strings.TrimSpace(os.Getenv("ADMIN_IDS")); raw != "" {
		ids, err := parseIDList(raw)
		if err != nil {
			return fmt.Errorf("ADMIN_IDS: %w", err)
		}
		cfg.Bot.AdminChatIDs = ids
	}

	ints := []struct {
		name   string
		target *int
	}{
		{"CHECK_INTERVAL", &cfg.Monitoring.IntervalSeconds},
		{"FAST_CHECK_INTERVAL", &cfg.Monitoring.FastIntervalSeconds},
		{"FAIL_THRESHOLD", &cfg.Monitoring.FailThreshold},
		{"RECOVERY_THRESHOLD", &cfg.Monitoring.ConfirmChecks},
		{"MAX_PARALLEL_CHECKS", &cfg.Monitoring.MaxParallelChecks},
		{"PROBE_TIMEOUT", &cfg.Probe.TimeoutSeconds},
		{"PING_TIMEOUT", &cfg.Probe.PingTimeoutSeconds},
	}
	for _, item := range ints {
		if err := setInt(item.target, item.name); err != nil {
			return err
		}
	}

	setString(&cfg.Probe.Reachability, "PROBE_REACHABILITY")
	setString(&cfg.Storage.SQLite.Path, "DB_PATH")
	setString(&cfg.Storage.ClickHouse.Addr, "CLICKHOUSE_ADDR")
	setString(&cfg.Storage.ClickHouse.Database, "CLICKHOUSE_DATABASE")
	setString(&cfg.Storage.ClickHouse.Username, "CLICKHOUSE_USERNAME")
	setString(&cfg.Storage.ClickHouse.Password, "CLICKHOUSE_PASSWORD")
	setString(&cfg.API.ListenAddress, "API_LISTEN")
	setString(&cfg.Log.Dir, "LOG_DIR")
	setString(&cfg.Log.Level, "LOG_LEVEL")
	return nil
}

func applyDefaults(cfg *Config) {
	m := &cfg.Monitoring
	defaultInt(&m.IntervalSeconds, 60)
	defaultInt(&m.FastIntervalSeconds, 15)
	defaultInt(&m.FailThreshold, 3)
	defaultInt(&m.ConfirmChecks, 2)
	defaultInt(&m.DownConfirmDelayMS, 2000)
	defaultInt(&m.UpConfirmDelayMS, 3000)
	defaultInt(&m.PacingDelayMS, 500)
	defaultInt(&m.ErrorBackoffSeconds, 5)
	defaultInt(&m.MaxParallelChecks, 1)
	if m.MaxParallelChecks > maxParallelChecksHardLimit {
		m.MaxParallelChecks = maxParallelChecksHardLimit
	}

	p := &cfg.Probe
	defaultInt(&p.TimeoutSeconds, 5)
	defaultInt(&p.PingTimeoutSeconds, 5)
	p.Reachability = strings.ToLower(strings.TrimSpace(p.Reachability))
	if p.Reachability == "" {
		p.Reachability = ReachabilityICMP
	}

	s := &cfg.Storage.SQLite
	s.Path = strings.TrimSpace(s.Path)
	if s.Path == "" {
		s.Path = "data/servers.db"
	}
	defaultInt(&s.BusyTimeoutMS, 5000)
	defaultInt(&s.MaxOpenConns, 1)
	defaultInt(&s.MaxIdleConns, 1)

	ch := &cfg.Storage.ClickHouse
	ch.Addr = strings.TrimSpace(ch.Addr)
	ch.Database = strings.TrimSpace(ch.Database)
	ch.Username = strings.TrimSpace(ch.Username)
	ch.Table = strings.TrimSpace(ch.Table)
	if ch.Database == "" {
		ch.Database = "portwatch"
	}
	if ch.Username == "" {
		ch.Username = "default"
	}
	if ch.Table == "" {
		ch.Table = "check_history"
	}
	defaultInt(&ch.DialTimeoutSeconds, 5)
	defaultInt(&ch.MaxOpenConns, 10)
	defaultInt(&ch.MaxIdleConns, 5)

	cfg.API.ListenAddress = strings.TrimSpace(cfg.API.ListenAddress)
	defaultInt(&cfg.API.RequestsPerMinute, 120)

	cfg.Log.Level = strings.ToLower(strings.TrimSpace(cfg.Log.Level))
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}

	for i := range cfg.Endpoints {
		cfg.Endpoints[i].Name = strings.TrimSpace(cfg.Endpoints[i].Name)
		cfg.Endpoints[i].Host = strings.TrimSpace(cfg.Endpoints[i].Host)
		cfg.Endpoints[i].Protocol = strings.ToLower(strings.TrimSpace(cfg.Endpoints[i].Protocol))
		if cfg.Endpoints[i].Protocol == "" {
			cfg.Endpoints[i].Protocol = "tcp"
		}
		if cfg.Endpoints[i].Name == "" {
			cfg.Endpoints[i].Name = cfg.Endpoints[i].Host
		}
	}
}

func validate(cfg *Config) error {
	cfg.Bot.Token = strings.TrimSpace(cfg.Bot.Token)
	if cfg.Bot.Token == "" {
		return errors.New("bot.token (or BOT_TOKEN) is required")
	}
	if cfg.Monitoring.FastIntervalSeconds > cfg.Monitoring.IntervalSeconds {
		return errors.New("monitoring.fast_interval_seconds must not exceed monitoring.interval_seconds")
	}
	switch cfg.Probe.Reachability {
	case ReachabilityICMP, ReachabilityNone:
	default:
		return fmt.Errorf("probe.reachability must be %q or %q, got %q", ReachabilityICMP, ReachabilityNone, cfg.Probe.Reachability)
	}
	switch cfg.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unsupported log level: %s", cfg.Log.Level)
	}
	for _, ep := range cfg.Endpoints {
		if ep.Host == "" || ep.Port <= 0 || ep.Port > 65535 {
			return errors.New("each endpoint requires a non-empty host and a port in 1..65535")
		}
		if ep.Protocol != "tcp" && ep.Protocol != "udp" {
			return fmt.Errorf("endpoint %s: protocol must be tcp or udp", ep.Name)
		}
	}
	return nil
}

func setString(target *string, name string) {
	if value := strings.TrimSpace(os.Getenv(name)); value != "" {
		*target = value
	}
}

func setInt(target *int, name string) error {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	*target = value
	return nil
}

func defaultInt(target *int, fallback int) {
	if *target <= 0 {
		*target = fallback
	}
}

func parseIDList(raw string) ([]int64, error) {
	var ids []int64
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}
