package storage

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
)

const (
	defaultClickHouseTable = "check_history"
	defaultDialTimeout     = 5 * time.Second
	defaultQueryTimeout    = 5 * time.Second
)

type ClickHouseOptions struct {
	Addr         string
	Database     string
	Username     string
	Password     string
	Table        string
	Secure       bool
	DialTimeout  time.Duration
	MaxOpenConns int
	MaxIdleConns int
}

// ClickHouseMirror copies check records into a MergeTree table for
// long-range analytics. SQLite stays the source of truth.
type ClickHouseMirror struct {
	conn      clickhouse.Conn
	tableName string
}

func NewClickHouseMirror(options ClickHouseOptions) (*ClickHouseMirror, error) {
	addr := strings.TrimSpace(options.Addr)
	database := strings.TrimSpace(options.Database)
	if addr == "" {
		return nil, errors.New("clickhouse addr is required")
	}
	if database == "" {
		return nil, errors.New("clickhouse database is required")
	}
	dbName := sanitizeIdentifier(database)
	if dbName == "" {
		return nil, errors.New("clickhouse database contains unsupported characters")
	}
	tableName := strings.TrimSpace(options.Table)
	if tableName == "" {
		tableName = defaultClickHouseTable
	}
	table := sanitizeIdentifier(tableName)
	if table == "" {
		return nil, errors.New("clickhouse table contains unsupported characters")
	}

	bootstrap, err := openClickHouse(options, "default", nil)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), defaultQueryTimeout)
	err = bootstrap.Exec(ctx, "CREATE DATABASE IF NOT EXISTS "+dbName)
	cancel()
	_ = bootstrap.Close()
	if err != nil {
		return nil, fmt.Errorf("create clickhouse database: %w", err)
	}

	conn, err := openClickHouse(options, dbName, clickhouse.Settings{
		"async_insert":          1,
		"wait_for_async_insert": 1,
	})
	if err != nil {
		return nil, err
	}

	mirror := &ClickHouseMirror{conn: conn, tableName: table}
	if err := mirror.initSchema(); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return mirror, nil
}

func openClickHouse(options ClickHouseOptions, database string, settings clickhouse.Settings) (clickhouse.Conn, error) {
	username := strings.TrimSpace(options.Username)
	if username == "" {
		username = "default"
	}
	dialTimeout := options.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = defaultDialTimeout
	}
	maxOpen := options.MaxOpenConns
	if maxOpen <= 0 {
		maxOpen = 10
	}
	maxIdle := options.MaxIdleConns
	if maxIdle <= 0 {
		maxIdle = 5
	}

	var tlsConfig *tls.Config
	if options.Secure {
		tlsConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	return clickhouse.Open(&clickhouse.Options{
		Addr: []string{strings.TrimSpace(options.Addr)},
		Auth: clickhouse.Auth{
			Database: database,
			Username: username,
			Password: options.Password,
		},
		DialTimeout:      dialTimeout,
		MaxOpenConns:     maxOpen,
		MaxIdleConns:     maxIdle,
		ConnOpenStrategy: clickhouse.ConnOpenInOrder,
		TLS:              tlsConfig,
		Settings:         settings,
	})
}

func (c *ClickHouseMirror) initSchema() error {
	ctx, cancel := context.WithTimeout(context.Background(), defaultQueryTimeout)
	defer cancel()

	query := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	ts DateTime64(3, 'UTC'),
	endpoint_id Int64,
	name String,
	host String,
	port UInt16,
	protocol LowCardinality(String),
	available UInt8,
	latency_ms Float64,
	error String
) ENGINE = MergeTree()
ORDER BY (endpoint_id, ts)
`, c.tableName)
	if err := c.conn.Exec(ctx, query); err != nil {
		return fmt.Errorf("create clickhouse table: %w", err)
	}
	return nil
}

func (c *ClickHouseMirror) AppendCheck(ctx context.Context, endpoint Endpoint, record CheckRecord) error {
	ctx, cancel := context.WithTimeout(ctx, defaultQueryTimeout)
	defer cancel()

	query := fmt.Sprintf(
		"INSERT INTO %s (ts, endpoint_id, name, host, port, protocol, available, latency_ms, error) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)",
		c.tableName,
	)
	return c.conn.Exec(
		ctx,
		query,
		record.CheckedAt.UTC(),
		endpoint.ID,
		endpoint.Name,
		endpoint.Host,
		uint16(endpoint.Port),
		string(endpoint.Protocol),
		uint8(boolToInt(record.Available)),
		float64(record.Latency)/float64(time.Millisecond),
		record.Error,
	)
}

func (c *ClickHouseMirror) DeleteEndpoint(ctx context.Context, endpointID int64) error {
	ctx, cancel := context.WithTimeout(ctx, defaultQueryTimeout)
	defer cancel()

	return c.conn.Exec(ctx, fmt.Sprintf("ALTER TABLE %s DELETE WHERE endpoint_id = ?", c.tableName), endpointID)
}

func (c *ClickHouseMirror) Close() error {
	return c.conn.Close()
}

func sanitizeIdentifier(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return ""
	}

	for _, r := range trimmed {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '_' {
			continue
		}
		return ""
	}
	return trimmed
}
