package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"portwatch/internal/probe"
)

const (
	defaultSQLiteBusyTimeoutMS = 5000
	defaultSQLiteMaxOpenConns  = 1
	defaultSQLiteMaxIdleConns  = 1
)

type SQLiteOptions struct {
	Path          string
	BusyTimeoutMS int
	MaxOpenConns  int
	MaxIdleConns  int
}

type sqliteBackend struct {
	db *sql.DB
}

func newSQLiteBackend(options SQLiteOptions) (*sqliteBackend, error) {
	path := strings.TrimSpace(options.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create sqlite directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}

	maxOpen := options.MaxOpenConns
	if maxOpen <= 0 {
		maxOpen = defaultSQLiteMaxOpenConns
	}
	maxIdle := options.MaxIdleConns
	if maxIdle <= 0 {
		maxIdle = defaultSQLiteMaxIdleConns
	}
	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxIdle)
	db.SetConnMaxLifetime(0)

	busyTimeout := options.BusyTimeoutMS
	if busyTimeout <= 0 {
		busyTimeout = defaultSQLiteBusyTimeoutMS
	}

	if err := applySQLitePragmas(db, busyTimeout); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := initSQLiteSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &sqliteBackend{db: db}, nil
}

func applySQLitePragmas(db *sql.DB, busyTimeoutMS int) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = " + strconv.Itoa(busyTimeoutMS),
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("apply sqlite pragma %q: %w", pragma, err)
		}
	}
	return nil
}

func initSQLiteSchema(db *sql.DB) error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS endpoints (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL,
			host TEXT NOT NULL,
			port INTEGER NOT NULL,
			protocol TEXT NOT NULL DEFAULT 'tcp',
			active INTEGER NOT NULL DEFAULT 1,
			created_at TEXT NOT NULL,
			last_check TEXT NOT NULL DEFAULT '',
			last_status INTEGER NOT NULL DEFAULT 1,
			consecutive_failures INTEGER NOT NULL DEFAULT 0,
			notification_sent INTEGER NOT NULL DEFAULT 0,
			total_checks INTEGER NOT NULL DEFAULT 0,
			total_failures INTEGER NOT NULL DEFAULT 0,
			UNIQUE(host, port)
		)`,
		`CREATE TABLE IF NOT EXISTS check_history (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			endpoint_id INTEGER NOT NULL REFERENCES endpoints(id) ON DELETE CASCADE,
			available INTEGER NOT NULL,
			latency_ms REAL,
			error TEXT NOT NULL DEFAULT '',
			checked_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_check_history_endpoint ON check_history(endpoint_id, id)`,
		`CREATE TABLE IF NOT EXISTS subscribers (
			chat_id INTEGER PRIMARY KEY,
			active INTEGER NOT NULL DEFAULT 1,
			created_at TEXT NOT NULL
		)`,
	}
	for _, query := range schema {
		if _, err := db.Exec(query); err != nil {
			return fmt.Errorf("init sqlite schema: %w", err)
		}
	}
	return nil
}

const endpointColumns = `id, name, host, port, protocol, active, created_at, last_check, last_status,
	consecutive_failures, notification_sent, total_checks, total_failures`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEndpoint(row rowScanner) (Endpoint, error) {
	var (
		ep                                   Endpoint
		protocol, createdAt, lastCheck       string
		active, lastStatus, notificationSent int
	)
	err := row.Scan(
		&ep.ID,
		&ep.Name,
		&ep.Host,
		&ep.Port,
		&protocol,
		&active,
		&createdAt,
		&lastCheck,
		&lastStatus,
		&ep.ConsecutiveFailures,
		&notificationSent,
		&ep.TotalChecks,
		&ep.TotalFailures,
	)
	if err != nil {
		return Endpoint{}, err
	}
	ep.Protocol = probe.Protocol(protocol)
	ep.Active = active == 1
	ep.LastStatus = lastStatus == 1
	ep.NotificationSent = notificationSent == 1
	ep.CreatedAt = parseStoredTime(createdAt)
	ep.LastCheck = parseStoredTime(lastCheck)
	return ep, nil
}

func (s *sqliteBackend) addEndpoint(ctx context.Context, ep Endpoint) (Endpoint, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Endpoint{}, err
	}
	defer tx.Rollback()

	var existing int64
	err = tx.QueryRowContext(ctx, `SELECT id FROM endpoints WHERE host = ? AND port = ?`, ep.Host, ep.Port).Scan(&existing)
	switch {
	case err == nil:
		return Endpoint{}, ErrDuplicateEndpoint
	case !errors.Is(err, sql.ErrNoRows):
		return Endpoint{}, err
	}

	res, err := tx.ExecContext(ctx,
		`INSERT INTO endpoints (name, host, port, protocol, active, created_at, last_status) VALUES (?, ?, ?, ?, 1, ?, 1)`,
		ep.Name,
		ep.Host,
		ep.Port,
		string(ep.Protocol),
		formatStoredTime(ep.CreatedAt),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return Endpoint{}, ErrDuplicateEndpoint
		}
		return Endpoint{}, err
	}
	if ep.ID, err = res.LastInsertId(); err != nil {
		return Endpoint{}, err
	}
	if err := tx.Commit(); err != nil {
		return Endpoint{}, err
	}
	return ep, nil
}

func (s *sqliteBackend) removeEndpoint(ctx context.Context, id int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	// foreign_keys is a per-connection pragma, so history is dropped explicitly.
	if _, err := tx.ExecContext(ctx, `DELETE FROM check_history WHERE endpoint_id = ?`, id); err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM endpoints WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if err := requireAffected(res); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *sqliteBackend) getEndpoint(ctx context.Context, id int64) (Endpoint, error) {
	ep, err := scanEndpoint(s.db.QueryRowContext(ctx, `SELECT `+endpointColumns+` FROM endpoints WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Endpoint{}, ErrNotFound
	}
	return ep, err
}

func (s *sqliteBackend) listEndpoints(ctx context.Context, activeOnly bool) ([]Endpoint, error) {
	query := `SELECT ` + endpointColumns + ` FROM endpoints`
	if activeOnly {
		query += ` WHERE active = 1`
	}
	query += ` ORDER BY id ASC`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Endpoint, 0)
	for rows.Next() {
		ep, err := scanEndpoint(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ep)
	}
	return out, rows.Err()
}

func (s *sqliteBackend) toggleEndpoint(ctx context.Context, id int64) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `UPDATE endpoints SET active = 1 - active WHERE id = ?`, id)
	if err != nil {
		return false, err
	}
	if err := requireAffected(res); err != nil {
		return false, err
	}
	var active int
	if err := tx.QueryRowContext(ctx, `SELECT active FROM endpoints WHERE id = ?`, id).Scan(&active); err != nil {
		return false, err
	}
	return active == 1, tx.Commit()
}

func (s *sqliteBackend) recordCheck(ctx context.Context, record CheckRecord) (Endpoint, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Endpoint{}, err
	}
	defer tx.Rollback()

	available := boolToInt(record.Available)
	res, err := tx.ExecContext(ctx,
		`UPDATE endpoints SET
			total_checks = total_checks + 1,
			total_failures = total_failures + ?,
			consecutive_failures = CASE WHEN ? = 1 THEN 0 ELSE consecutive_failures + 1 END,
			last_status = ?,
			last_check = ?
		WHERE id = ?`,
		1-available,
		available,
		available,
		formatStoredTime(record.CheckedAt),
		record.EndpointID,
	)
	if err != nil {
		return Endpoint{}, err
	}
	if err := requireAffected(res); err != nil {
		return Endpoint{}, err
	}

	var latency any
	if record.Latency > 0 {
		latency = float64(record.Latency) / float64(time.Millisecond)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO check_history (endpoint_id, available, latency_ms, error, checked_at) VALUES (?, ?, ?, ?, ?)`,
		record.EndpointID,
		available,
		latency,
		record.Error,
		formatStoredTime(record.CheckedAt),
	); err != nil {
		return Endpoint{}, err
	}

	updated, err := scanEndpoint(tx.QueryRowContext(ctx, `SELECT `+endpointColumns+` FROM endpoints WHERE id = ?`, record.EndpointID))
	if err != nil {
		return Endpoint{}, err
	}
	if err := tx.Commit(); err != nil {
		return Endpoint{}, err
	}
	return updated, nil
}

func (s *sqliteBackend) setNotificationSent(ctx context.Context, id int64, sent bool) error {
	res, err := s.db.ExecContext(ctx, `UPDATE endpoints SET notification_sent = ? WHERE id = ?`, boolToInt(sent), id)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

func (s *sqliteBackend) resetStats(ctx context.Context, id int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE endpoints SET total_checks = 0, total_failures = 0, consecutive_failures = 0, notification_sent = 0 WHERE id = ?`,
		id,
	)
	if err != nil {
		return err
	}
	if err := requireAffected(res); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM check_history WHERE endpoint_id = ?`, id); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *sqliteBackend) history(ctx context.Context, id int64, limit int) ([]CheckRecord, error) {
	if _, err := s.getEndpoint(ctx, id); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, endpoint_id, available, latency_ms, error, checked_at FROM check_history WHERE endpoint_id = ? ORDER BY id DESC LIMIT ?`,
		id,
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]CheckRecord, 0, limit)
	for rows.Next() {
		var (
			record    CheckRecord
			available int
			latency   sql.NullFloat64
			checkedAt string
		)
		if err := rows.Scan(&record.ID, &record.EndpointID, &available, &latency, &record.Error, &checkedAt); err != nil {
			return nil, err
		}
		record.Available = available == 1
		if latency.Valid {
			record.Latency = time.Duration(latency.Float64 * float64(time.Millisecond))
		}
		record.CheckedAt = parseStoredTime(checkedAt)
		out = append(out, record)
	}
	return out, rows.Err()
}

func (s *sqliteBackend) addSubscriber(ctx context.Context, chatID int64, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO subscribers (chat_id, active, created_at) VALUES (?, 1, ?)
		ON CONFLICT(chat_id) DO UPDATE SET active = 1`,
		chatID,
		formatStoredTime(at),
	)
	return err
}

func (s *sqliteBackend) removeSubscriber(ctx context.Context, chatID int64) error {
	_, err := s.db.ExecContext(ctx, `UPDATE subscribers SET active = 0 WHERE chat_id = ?`, chatID)
	return err
}

func (s *sqliteBackend) subscribers(ctx context.Context) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT chat_id FROM subscribers WHERE active = 1 ORDER BY chat_id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]int64, 0)
	for rows.Next() {
		var chatID int64
		if err := rows.Scan(&chatID); err != nil {
			return nil, err
		}
		out = append(out, chatID)
	}
	return out, rows.Err()
}

func (s *sqliteBackend) close() error {
	return s.db.Close()
}

func requireAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

func formatStoredTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseStoredTime(raw string) time.Time {
	if raw == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}
	}
	return t
}
