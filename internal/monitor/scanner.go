package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.uber.org/multierr"

	"portwatch/internal/probe"
	"portwatch/internal/storage"
)

// Scanner runs one pass over the active endpoints. Each endpoint is probed,
// recorded and handed to the tracker while holding its own lock, so scheduled
// cycles and manual checks never interleave transitions for the same endpoint.
type Scanner struct {
	store   Store
	checker probe.Checker
	tracker *Tracker
	logger  *slog.Logger

	pacing  time.Duration
	workers int

	locksMu sync.Mutex
	locks   map[int64]*sync.Mutex
}

func NewScanner(store Store, checker probe.Checker, tracker *Tracker, opts Options) *Scanner {
	return &Scanner{
		store:   store,
		checker: checker,
		tracker: tracker,
		logger:  slog.Default(),
		pacing:  opts.PacingDelay,
		workers: defaultWorkers(opts.Workers),
		locks:   make(map[int64]*sync.Mutex),
	}
}

// RunCycle stops dispatching once ctx is cancelled; a probe or confirmation
// already in flight always runs to completion.
func (s *Scanner) RunCycle(ctx context.Context) (CycleStats, error) {
	endpoints, err := s.store.ListActive(ctx)
	if err != nil {
		return CycleStats{}, fmt.Errorf("list active endpoints: %w", err)
	}
	if len(endpoints) == 0 {
		return CycleStats{}, nil
	}

	workers := min(s.workers, len(endpoints))
	work := context.WithoutCancel(ctx)

	var (
		mu    sync.Mutex
		stats CycleStats
		errs  error
		wg    sync.WaitGroup
	)
	sem := make(chan struct{}, workers)

	for i, ep := range endpoints {
		if ctx.Err() != nil {
			break
		}
		// With one worker this waits for the previous endpoint to finish.
		sem <- struct{}{}
		if i > 0 && !s.pause(ctx) {
			<-sem
			break
		}
		mu.Lock()
		failed := errs != nil
		mu.Unlock()
		if failed {
			<-sem
			break
		}

		wg.Add(1)
		go func(ep storage.Endpoint) {
			defer wg.Done()
			defer func() { <-sem }()

			updated, res, outcome, err := s.checkEndpoint(work, ep)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = multierr.Append(errs, err)
				return
			}
			if updated.ID == 0 {
				return
			}
			stats.Checked++
			if !res.Available {
				stats.Failed++
			}
			if updated.ConsecutiveFailures >= s.tracker.FailThreshold() {
				stats.Failing++
			}
			if outcome == OutcomeDownAlerted || outcome == OutcomeRecovered {
				stats.Alerts++
			}
		}(ep)
	}

	wg.Wait()
	return stats, errs
}

// CheckNow runs the full check path for one endpoint outside the schedule.
func (s *Scanner) CheckNow(ctx context.Context, id int64) (storage.Endpoint, probe.Result, Outcome, error) {
	ep, err := s.store.GetEndpoint(ctx, id)
	if err != nil {
		return storage.Endpoint{}, probe.Result{}, OutcomeNone, err
	}
	updated, res, outcome, err := s.checkEndpoint(context.WithoutCancel(ctx), ep)
	if err == nil && updated.ID == 0 {
		err = storage.ErrNotFound
	}
	return updated, res, outcome, err
}

func (s *Scanner) checkEndpoint(ctx context.Context, ep storage.Endpoint) (updated storage.Endpoint, res probe.Result, outcome Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic while checking endpoint %d: %v", ep.ID, r)
		}
	}()

	lock := s.lockFor(ep.ID)
	lock.Lock()
	defer lock.Unlock()

	res = s.checker.Check(ctx, ep.Host, ep.Port, ep.Protocol)
	updated, err = s.store.RecordCheck(ctx, ep.ID, res.Available, res.Latency, res.Error)
	if errors.Is(err, storage.ErrNotFound) {
		// Removed while the cycle was running.
		s.logger.Debug("endpoint vanished during check", "endpoint_id", ep.ID)
		return storage.Endpoint{}, res, OutcomeNone, nil
	}
	if err != nil {
		return storage.Endpoint{}, res, OutcomeNone, fmt.Errorf("record check for endpoint %d: %w", ep.ID, err)
	}

	s.logger.Debug("endpoint checked",
		"endpoint_id", ep.ID,
		"name", ep.Name,
		"available", res.Available,
		"method", res.Method,
		"latency", res.Latency,
		"consecutive_failures", updated.ConsecutiveFailures,
	)

	outcome, err = s.tracker.Observe(ctx, updated, res)
	if err != nil {
		return updated, res, outcome, fmt.Errorf("apply transition for endpoint %d: %w", ep.ID, err)
	}
	return updated, res, outcome, nil
}

// State reports the endpoint state including running recovery confirmations.
func (s *Scanner) State(ep storage.Endpoint) State {
	return s.tracker.State(ep)
}

// ResetEndpoint waits for any transition on id to finish before clearing its
// counters, flag and history.
func (s *Scanner) ResetEndpoint(ctx context.Context, id int64) error {
	lock := s.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	if err := s.store.ResetStats(ctx, id); err != nil {
		return err
	}
	s.tracker.forget(id)
	return nil
}

func (s *Scanner) RemoveEndpoint(ctx context.Context, id int64) error {
	lock := s.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	if err := s.store.RemoveEndpoint(ctx, id); err != nil {
		return err
	}
	s.tracker.forget(id)
	s.locksMu.Lock()
	delete(s.locks, id)
	s.locksMu.Unlock()
	return nil
}

func (s *Scanner) ToggleEndpoint(ctx context.Context, id int64) (bool, error) {
	lock := s.lockFor(id)
	lock.Lock()
	defer lock.Unlock()
	return s.store.ToggleEndpoint(ctx, id)
}

func (s *Scanner) lockFor(id int64) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	lock, ok := s.locks[id]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[id] = lock
	}
	return lock
}

func (s *Scanner) pause(ctx context.Context) bool {
	if s.pacing <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(s.pacing)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
