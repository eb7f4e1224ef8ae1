package monitor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"portwatch/internal/probe"
	"portwatch/internal/storage"
)

// Tracker applies the hysteresis rules to a freshly recorded check. Down and
// up transitions each require a run of confirmation probes before anyone is
// notified, and the persisted NotificationSent flag dedups alerts.
type Tracker struct {
	store   Store
	checker probe.Checker
	alerts  Broadcaster
	logger  *slog.Logger

	failThreshold    int
	confirmChecks    int
	downConfirmDelay time.Duration
	upConfirmDelay   time.Duration

	sleep func(time.Duration)
	now   func() time.Time

	mu         sync.Mutex
	downSince  map[int64]time.Time
	recovering map[int64]struct{}
}

func NewTracker(store Store, checker probe.Checker, alerts Broadcaster, opts Options) *Tracker {
	return &Tracker{
		store:            store,
		checker:          checker,
		alerts:           alerts,
		logger:           slog.Default(),
		failThreshold:    defaultCount(opts.FailThreshold, 3),
		confirmChecks:    defaultCount(opts.ConfirmChecks, 2),
		downConfirmDelay: opts.DownConfirmDelay,
		upConfirmDelay:   opts.UpConfirmDelay,
		sleep:            time.Sleep,
		now:              time.Now,
		downSince:        make(map[int64]time.Time),
		recovering:       make(map[int64]struct{}),
	}
}

func (t *Tracker) FailThreshold() int {
	return t.failThreshold
}

// State is StateOf plus the in-flight recovery confirmations.
func (t *Tracker) State(ep storage.Endpoint) State {
	t.mu.Lock()
	_, ok := t.recovering[ep.ID]
	t.mu.Unlock()
	if ok {
		return ConfirmingRecovery
	}
	return StateOf(ep)
}

// forget drops process-local bookkeeping for an endpoint whose stats were
// reset or which was removed.
func (t *Tracker) forget(id int64) {
	t.mu.Lock()
	delete(t.downSince, id)
	t.mu.Unlock()
}

// Observe runs after RecordCheck; ep must be the endpoint as updated by that
// write. Confirmation probes run synchronously and are not recorded.
func (t *Tracker) Observe(ctx context.Context, ep storage.Endpoint, res probe.Result) (Outcome, error) {
	if res.Available {
		if !ep.NotificationSent {
			return OutcomeNone, nil
		}
		return t.confirmRecovery(ctx, ep, res)
	}
	if ep.NotificationSent || ep.ConsecutiveFailures < t.failThreshold {
		return OutcomeNone, nil
	}
	return t.confirmDown(ctx, ep, res)
}

func (t *Tracker) confirmDown(ctx context.Context, ep storage.Endpoint, res probe.Result) (Outcome, error) {
	last := res
	for i := 0; i < t.confirmChecks; i++ {
		t.sleep(t.downConfirmDelay)
		check := t.checker.Check(ctx, ep.Host, ep.Port, ep.Protocol)
		if check.Available {
			// The streak is left as is; the next scheduled failure retries.
			t.logger.Info("down confirmation aborted", "endpoint_id", ep.ID, "name", ep.Name, "attempt", i+1)
			return OutcomeDownAborted, nil
		}
		last = check
	}

	if err := t.store.SetNotificationSent(ctx, ep.ID, true); err != nil {
		return OutcomeNone, err
	}
	now := t.now()
	t.mu.Lock()
	t.downSince[ep.ID] = now
	t.mu.Unlock()

	failed := ep.ConsecutiveFailures + t.confirmChecks
	t.logger.Warn("endpoint confirmed down", "endpoint_id", ep.ID, "name", ep.Name, "failed_checks", failed, "error", last.Error)
	t.broadcast(ctx, ep, formatDownAlert(ep, last, failed, now))
	return OutcomeDownAlerted, nil
}

func (t *Tracker) confirmRecovery(ctx context.Context, ep storage.Endpoint, res probe.Result) (Outcome, error) {
	t.mu.Lock()
	t.recovering[ep.ID] = struct{}{}
	t.mu.Unlock()
	defer func() {
		t.mu.Lock()
		delete(t.recovering, ep.ID)
		t.mu.Unlock()
	}()

	last := res
	for i := 0; i < t.confirmChecks; i++ {
		t.sleep(t.upConfirmDelay)
		check := t.checker.Check(ctx, ep.Host, ep.Port, ep.Protocol)
		if !check.Available {
			t.logger.Info("recovery confirmation abandoned", "endpoint_id", ep.ID, "name", ep.Name, "attempt", i+1, "error", check.Error)
			return OutcomeRecoveryAborted, nil
		}
		last = check
	}

	if err := t.store.SetNotificationSent(ctx, ep.ID, false); err != nil {
		return OutcomeNone, err
	}
	now := t.now()
	var downtime time.Duration
	t.mu.Lock()
	if since, ok := t.downSince[ep.ID]; ok {
		downtime = now.Sub(since)
		delete(t.downSince, ep.ID)
	}
	t.mu.Unlock()

	t.logger.Info("endpoint recovered", "endpoint_id", ep.ID, "name", ep.Name, "latency", last.Latency, "downtime", downtime)
	t.broadcast(ctx, ep, formatRecoveryAlert(ep, last, downtime, now))
	return OutcomeRecovered, nil
}

// Delivery failures are reported by the notifier and never change state.
func (t *Tracker) broadcast(ctx context.Context, ep storage.Endpoint, text string) {
	if t.alerts == nil {
		return
	}
	if err := t.alerts.NotifyAll(ctx, text); err != nil {
		t.logger.Warn("alert delivery incomplete", "endpoint_id", ep.ID, "error", err)
	}
}
