package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"portwatch/internal/probe"
)

const defaultHistoryLimit = 100

var (
	ErrNotFound          = errors.New("endpoint not found")
	ErrDuplicateEndpoint = errors.New("endpoint with this host and port already exists")
	ErrInvalidPort       = errors.New("port must be in range 1..65535")
	ErrInvalidHost       = errors.New("host must be a non-empty name without spaces")
	ErrInvalidProtocol   = errors.New("protocol must be tcp or udp")
)

// Endpoint is a monitored host:port target with its rolling health counters.
type Endpoint struct {
	ID                  int64          `json:"id"`
	Name                string         `json:"name"`
	Host                string         `json:"host"`
	Port                int            `json:"port"`
	Protocol            probe.Protocol `json:"protocol"`
	Active              bool           `json:"active"`
	CreatedAt           time.Time      `json:"created_at"`
	LastCheck           time.Time      `json:"last_check"`
	LastStatus          bool           `json:"last_status"`
	ConsecutiveFailures int            `json:"consecutive_failures"`
	NotificationSent    bool           `json:"notification_sent"`
	TotalChecks         int64          `json:"total_checks"`
	TotalFailures       int64          `json:"total_failures"`
}

func (e Endpoint) Address() string {
	return fmt.Sprintf("%s:%d", e.Host, e.Port)
}

// CheckRecord is one append-only history row.
type CheckRecord struct {
	ID         int64         `json:"id"`
	EndpointID int64         `json:"endpoint_id"`
	Available  bool          `json:"available"`
	Latency    time.Duration `json:"latency"`
	Error      string        `json:"error,omitempty"`
	CheckedAt  time.Time     `json:"checked_at"`
}

type NewEndpoint struct {
	Name     string
	Host     string
	Port     int
	Protocol probe.Protocol
}

// Mirror receives a copy of every recorded check, e.g. for analytics.
type Mirror interface {
	AppendCheck(ctx context.Context, endpoint Endpoint, record CheckRecord) error
	DeleteEndpoint(ctx context.Context, endpointID int64) error
	Close() error
}

type backend interface {
	addEndpoint(ctx context.Context, ep Endpoint) (Endpoint, error)
	removeEndpoint(ctx context.Context, id int64) error
	getEndpoint(ctx context.Context, id int64) (Endpoint, error)
	listEndpoints(ctx context.Context, activeOnly bool) ([]Endpoint, error)
	toggleEndpoint(ctx context.Context, id int64) (bool, error)
	recordCheck(ctx context.Context, record CheckRecord) (Endpoint, error)
	setNotificationSent(ctx context.Context, id int64, sent bool) error
	resetStats(ctx context.Context, id int64) error
	history(ctx context.Context, id int64, limit int) ([]CheckRecord, error)
	addSubscriber(ctx context.Context, chatID int64, at time.Time) error
	removeSubscriber(ctx context.Context, chatID int64) error
	subscribers(ctx context.Context) ([]int64, error)
	close() error
}

type Store struct {
	backend backend
	mirror  Mirror
	logger  *slog.Logger
}

func NewMemory() *Store {
	return &Store{
		backend: newMemoryBackend(),
		logger:  slog.Default(),
	}
}

func NewSQLite(options SQLiteOptions) (*Store, error) {
	sqlite, err := newSQLiteBackend(options)
	if err != nil {
		return nil, err
	}
	return &Store{backend: sqlite, logger: slog.Default()}, nil
}

// SetMirror attaches a secondary sink for check records. Mirror failures
// are logged and never fail the primary write.
func (s *Store) SetMirror(mirror Mirror) {
	s.mirror = mirror
}

func (s *Store) Close() error {
	var errs []error
	if s.mirror != nil {
		errs = append(errs, s.mirror.Close())
	}
	errs = append(errs, s.backend.close())
	return errors.Join(errs...)
}

func (s *Store) AddEndpoint(ctx context.Context, input NewEndpoint) (Endpoint, error) {
	host := strings.TrimSpace(input.Host)
	if host == "" || strings.ContainsAny(host, " \t\n") {
		return Endpoint{}, ErrInvalidHost
	}
	if input.Port < 1 || input.Port > 65535 {
		return Endpoint{}, ErrInvalidPort
	}
	protocol := input.Protocol
	if protocol == "" {
		protocol = probe.TCP
	}
	if protocol != probe.TCP && protocol != probe.UDP {
		return Endpoint{}, ErrInvalidProtocol
	}
	name := strings.TrimSpace(input.Name)
	if name == "" {
		name = host
	}

	return s.backend.addEndpoint(ctx, Endpoint{
		Name:       name,
		Host:       host,
		Port:       input.Port,
		Protocol:   protocol,
		Active:     true,
		CreatedAt:  time.Now().UTC(),
		LastStatus: true,
	})
}

func (s *Store) RemoveEndpoint(ctx context.Context, id int64) error {
	if err := s.backend.removeEndpoint(ctx, id); err != nil {
		return err
	}
	s.mirrorDelete(ctx, id)
	return nil
}

func (s *Store) GetEndpoint(ctx context.Context, id int64) (Endpoint, error) {
	return s.backend.getEndpoint(ctx, id)
}

// ListEndpoints returns every endpoint ordered by id.
func (s *Store) ListEndpoints(ctx context.Context) ([]Endpoint, error) {
	return s.backend.listEndpoints(ctx, false)
}

func (s *Store) ListActive(ctx context.Context) ([]Endpoint, error) {
	return s.backend.listEndpoints(ctx, true)
}

// ToggleEndpoint flips the active flag and returns the new value.
func (s *Store) ToggleEndpoint(ctx context.Context, id int64) (bool, error) {
	return s.backend.toggleEndpoint(ctx, id)
}

// RecordCheck atomically updates the endpoint counters and appends a history
// row. It returns the endpoint as it is after the update.
func (s *Store) RecordCheck(ctx context.Context, id int64, available bool, latency time.Duration, errText string) (Endpoint, error) {
	record := CheckRecord{
		EndpointID: id,
		Available:  available,
		Latency:    latency,
		CheckedAt:  time.Now().UTC(),
	}
	if !available {
		record.Error = errText
	}

	updated, err := s.backend.recordCheck(ctx, record)
	if err != nil {
		return Endpoint{}, err
	}
	if s.mirror != nil {
		if err := s.mirror.AppendCheck(ctx, updated, record); err != nil {
			s.logger.Warn("failed to mirror check record", "endpoint_id", id, "error", err)
		}
	}
	return updated, nil
}

func (s *Store) SetNotificationSent(ctx context.Context, id int64, sent bool) error {
	return s.backend.setNotificationSent(ctx, id, sent)
}

// ResetStats zeroes the counters, clears the alert flag and drops history.
func (s *Store) ResetStats(ctx context.Context, id int64) error {
	if err := s.backend.resetStats(ctx, id); err != nil {
		return err
	}
	s.mirrorDelete(ctx, id)
	return nil
}

// History returns the newest records first.
func (s *Store) History(ctx context.Context, id int64, limit int) ([]CheckRecord, error) {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	return s.backend.history(ctx, id, limit)
}

// AddSubscriber subscribes a chat; re-subscribing reactivates it.
func (s *Store) AddSubscriber(ctx context.Context, chatID int64) error {
	return s.backend.addSubscriber(ctx, chatID, time.Now().UTC())
}

func (s *Store) RemoveSubscriber(ctx context.Context, chatID int64) error {
	return s.backend.removeSubscriber(ctx, chatID)
}

// Subscribers returns the chat ids of active subscribers.
func (s *Store) Subscribers(ctx context.Context) ([]int64, error) {
	return s.backend.subscribers(ctx)
}

func (s *Store) mirrorDelete(ctx context.Context, id int64) {
	if s.mirror == nil {
		return
	}
	if err := s.mirror.DeleteEndpoint(ctx, id); err != nil {
		s.logger.Warn("failed to drop mirrored history", "endpoint_id", id, "error", err)
	}
}
