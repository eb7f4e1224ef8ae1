package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"portwatch/internal/storage"
)

type StartResult int

const (
	Started StartResult = iota
	AlreadyRunning
	NoActiveEndpoints
	// StillStopping means a stop was requested but the previous session has
	// not finished its in-flight work yet.
	StillStopping
)

func (r StartResult) String() string {
	switch r {
	case Started:
		return "started"
	case AlreadyRunning:
		return "already_running"
	case NoActiveEndpoints:
		return "no_active_endpoints"
	case StillStopping:
		return "still_stopping"
	default:
		return "unknown"
	}
}

type StopResult int

const (
	Stopping StopResult = iota
	NotRunning
)

func (r StopResult) String() string {
	if r == Stopping {
		return "stopping"
	}
	return "not_running"
}

type cycleRunner interface {
	RunCycle(ctx context.Context) (CycleStats, error)
}

type activeLister interface {
	ListActive(ctx context.Context) ([]storage.Endpoint, error)
}

type session struct {
	id        string
	startedAt time.Time
	cancel    context.CancelFunc
	done      chan struct{}
	stopping  bool
	cycles    int
}

// SessionInfo is a point-in-time view of the monitoring session.
type SessionInfo struct {
	ID        string    `json:"id,omitempty"`
	Running   bool      `json:"running"`
	Stopping  bool      `json:"stopping"`
	StartedAt time.Time `json:"started_at,omitempty"`
	Cycles    int       `json:"cycles"`
}

// Scheduler owns at most one monitoring session and picks the delay between
// cycles: the fast interval while any endpoint is failing, else the normal one.
type Scheduler struct {
	scanner cycleRunner
	store   activeLister
	logger  *slog.Logger

	interval     time.Duration
	fastInterval time.Duration
	errorBackoff time.Duration

	mu      sync.Mutex
	current *session
}

func NewScheduler(scanner cycleRunner, store activeLister, opts Options) *Scheduler {
	return &Scheduler{
		scanner:      scanner,
		store:        store,
		logger:       slog.Default(),
		interval:     positiveOr(opts.Interval, 60*time.Second),
		fastInterval: positiveOr(opts.FastInterval, 15*time.Second),
		errorBackoff: positiveOr(opts.ErrorBackoff, 5*time.Second),
	}
}

// Start launches a session detached from ctx's cancellation; use Stop to end it.
func (s *Scheduler) Start(ctx context.Context) (StartResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current != nil {
		select {
		case <-s.current.done:
			s.current = nil
		default:
			if s.current.stopping {
				return StillStopping, nil
			}
			return AlreadyRunning, nil
		}
	}

	active, err := s.store.ListActive(ctx)
	if err != nil {
		return 0, fmt.Errorf("list active endpoints: %w", err)
	}
	if len(active) == 0 {
		return NoActiveEndpoints, nil
	}

	sessionCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	sess := &session{
		id:        uuid.NewString(),
		startedAt: time.Now().UTC(),
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	s.current = sess

	s.logger.Info("monitoring session started", "session_id", sess.id, "endpoints", len(active))
	go s.run(sessionCtx, sess)
	return Started, nil
}

// Stop requests the session to end. It returns before in-flight probes finish.
func (s *Scheduler) Stop() StopResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current == nil {
		return NotRunning
	}
	select {
	case <-s.current.done:
		s.current = nil
		return NotRunning
	default:
	}
	if !s.current.stopping {
		s.current.stopping = true
		s.current.cancel()
		s.logger.Info("monitoring session stop requested", "session_id", s.current.id)
	}
	return Stopping
}

// Wait blocks until the current session, if any, has fully finished.
func (s *Scheduler) Wait(ctx context.Context) error {
	s.mu.Lock()
	sess := s.current
	s.mu.Unlock()
	if sess == nil {
		return nil
	}
	select {
	case <-sess.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scheduler) Info() SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current == nil {
		return SessionInfo{}
	}
	info := SessionInfo{
		ID:        s.current.id,
		StartedAt: s.current.startedAt,
		Stopping:  s.current.stopping,
		Cycles:    s.current.cycles,
	}
	select {
	case <-s.current.done:
		info.Stopping = false
	default:
		info.Running = !s.current.stopping
	}
	return info
}

func (s *Scheduler) Running() bool {
	return s.Info().Running
}

func (s *Scheduler) run(ctx context.Context, sess *session) {
	defer close(sess.done)
	defer s.logger.Info("monitoring session finished", "session_id", sess.id)

	for ctx.Err() == nil {
		delay := s.cycle(ctx, sess)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// cycle never lets a fault end the session: errors and panics turn into the
// fixed backoff delay.
func (s *Scheduler) cycle(ctx context.Context, sess *session) (delay time.Duration) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("monitoring cycle panicked", "session_id", sess.id, "panic", r)
			delay = s.errorBackoff
		}
	}()

	s.mu.Lock()
	sess.cycles++
	s.mu.Unlock()

	started := time.Now()
	stats, err := s.scanner.RunCycle(ctx)
	if err != nil {
		s.logger.Error("monitoring cycle failed", "session_id", sess.id, "error", err, "backoff", s.errorBackoff)
		return s.errorBackoff
	}

	delay = s.nextDelay(stats)
	s.logger.Debug("monitoring cycle finished",
		"session_id", sess.id,
		"checked", stats.Checked,
		"failed", stats.Failed,
		"failing", stats.Failing,
		"alerts", stats.Alerts,
		"took", time.Since(started),
		"next_in", delay,
	)
	return delay
}

func (s *Scheduler) nextDelay(stats CycleStats) time.Duration {
	if stats.Failing > 0 {
		return s.fastInterval
	}
	return s.interval
}

func positiveOr(value, fallback time.Duration) time.Duration {
	if value <= 0 {
		return fallback
	}
	return value
}
