package monitor

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"portwatch/internal/config"
	"portwatch/internal/probe"
	"portwatch/internal/storage"
)

type scriptedChecker struct {
	mu     sync.Mutex
	script map[string][]bool
	calls  map[string]int
}

func newScriptedChecker() *scriptedChecker {
	return &scriptedChecker{script: make(map[string][]bool), calls: make(map[string]int)}
}

func (c *scriptedChecker) push(host string, outcomes ...bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.script[host] = append(c.script[host], outcomes...)
}

func (c *scriptedChecker) callCount(host string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[host]
}

func (c *scriptedChecker) Check(_ context.Context, host string, _ int, _ probe.Protocol) probe.Result {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls[host]++
	ok := true
	if seq := c.script[host]; len(seq) > 0 {
		ok = seq[0]
		c.script[host] = seq[1:]
	}
	if ok {
		return probe.Result{Available: true, Method: probe.MethodTCP, Latency: 5 * time.Millisecond}
	}
	return probe.Result{Method: probe.MethodTCP, Error: "connection refused"}
}

type recordingBroadcaster struct {
	mu    sync.Mutex
	texts []string
}

func (b *recordingBroadcaster) NotifyAll(_ context.Context, text string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.texts = append(b.texts, text)
	return nil
}

func (b *recordingBroadcaster) sent() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.texts...)
}

type harness struct {
	store   *storage.Store
	checker *scriptedChecker
	alerts  *recordingBroadcaster
	tracker *Tracker
	scanner *Scanner
}

func testOptions() Options {
	return Options{
		Interval:      time.Hour,
		FastInterval:  time.Hour,
		ErrorBackoff:  time.Hour,
		FailThreshold: 3,
		ConfirmChecks: 2,
		Workers:       1,
	}
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	store := storage.NewMemory()
	checker := newScriptedChecker()
	alerts := &recordingBroadcaster{}
	tracker := NewTracker(store, checker, alerts, opts)
	tracker.sleep = func(time.Duration) {}
	return &harness{
		store:   store,
		checker: checker,
		alerts:  alerts,
		tracker: tracker,
		scanner: NewScanner(store, checker, tracker, opts),
	}
}

func (h *harness) addEndpoint(t *testing.T, host string, port int) storage.Endpoint {
	t.Helper()
	ep, err := h.store.AddEndpoint(context.Background(), storage.NewEndpoint{Name: host, Host: host, Port: port})
	require.NoError(t, err)
	return ep
}

func (h *harness) cycles(t *testing.T, n int) CycleStats {
	t.Helper()
	var stats CycleStats
	for range n {
		var err error
		stats, err = h.scanner.RunCycle(context.Background())
		require.NoError(t, err)
	}
	return stats
}

func (h *harness) endpoint(t *testing.T, id int64) storage.Endpoint {
	t.Helper()
	ep, err := h.store.GetEndpoint(context.Background(), id)
	require.NoError(t, err)
	return ep
}

func TestDownAlertAfterThresholdAndConfirmation(t *testing.T) {
	t.Parallel()

	h := newHarness(t, testOptions())
	ep := h.addEndpoint(t, "web", 80)
	h.checker.push("web", false, false, false, false, false)

	h.cycles(t, 2)
	assert.Empty(t, h.alerts.sent())
	assert.Equal(t, SuspectDown, StateOf(h.endpoint(t, ep.ID)))

	stats := h.cycles(t, 1)
	assert.Equal(t, 1, stats.Failing)
	assert.Equal(t, 1, stats.Alerts)

	sent := h.alerts.sent()
	require.Len(t, sent, 1)
	assert.Contains(t, sent[0], "<b>DOWN</b>")
	assert.Contains(t, sent[0], "failed_checks: <code>5</code>")
	assert.Contains(t, sent[0], "connection refused")

	got := h.endpoint(t, ep.ID)
	assert.True(t, got.NotificationSent)
	assert.Equal(t, ConfirmedDown, StateOf(got))
	assert.Equal(t, 3, got.ConsecutiveFailures)
	assert.Equal(t, 5, h.checker.callCount("web"))

	// Confirmation probes are not part of the history.
	history, err := h.store.History(context.Background(), ep.ID, 0)
	require.NoError(t, err)
	assert.Len(t, history, 3)

	h.checker.push("web", false, false)
	h.cycles(t, 2)
	assert.Len(t, h.alerts.sent(), 1, "a confirmed outage alerts once")
}

func TestDownConfirmationAbortedBySuccess(t *testing.T) {
	t.Parallel()

	h := newHarness(t, testOptions())
	ep := h.addEndpoint(t, "flappy", 443)
	h.checker.push("flappy", false, false, false, false, true)

	h.cycles(t, 3)

	assert.Empty(t, h.alerts.sent())
	got := h.endpoint(t, ep.ID)
	assert.False(t, got.NotificationSent)
	assert.Equal(t, 3, got.ConsecutiveFailures, "an aborted confirmation keeps the streak")
}

func TestSuccessResetsStreak(t *testing.T) {
	t.Parallel()

	h := newHarness(t, testOptions())
	ep := h.addEndpoint(t, "svc", 22)
	h.checker.push("svc", false, false, true)

	stats := h.cycles(t, 3)

	got := h.endpoint(t, ep.ID)
	assert.Zero(t, got.ConsecutiveFailures)
	assert.EqualValues(t, 3, got.TotalChecks)
	assert.EqualValues(t, 2, got.TotalFailures)
	assert.Equal(t, Healthy, StateOf(got))
	assert.Zero(t, stats.Failing)
}

func alertedEndpoint(t *testing.T, h *harness, host string) storage.Endpoint {
	t.Helper()
	ep := h.addEndpoint(t, host, 8080)
	h.checker.push(host, false, false, false, false, false)
	h.cycles(t, 3)
	require.Len(t, h.alerts.sent(), 1)
	return ep
}

func TestRecoveryConfirmed(t *testing.T) {
	t.Parallel()

	h := newHarness(t, testOptions())
	base := time.Date(2026, 1, 2, 3, 0, 0, 0, time.UTC)
	clock := base
	h.tracker.now = func() time.Time { return clock }

	ep := alertedEndpoint(t, h, "api")

	clock = base.Add(90 * time.Second)
	h.checker.push("api", true, true, true)
	stats := h.cycles(t, 1)
	assert.Equal(t, 1, stats.Alerts)

	sent := h.alerts.sent()
	require.Len(t, sent, 2)
	assert.Contains(t, sent[1], "<b>RECOVERED</b>")
	assert.Contains(t, sent[1], "latency: <code>5.0ms</code>")
	assert.Contains(t, sent[1], "downtime: <code>1m30s</code>")

	got := h.endpoint(t, ep.ID)
	assert.False(t, got.NotificationSent)
	assert.Equal(t, Healthy, StateOf(got))
}

func TestRecoveryAbandonedOnFailure(t *testing.T) {
	t.Parallel()

	h := newHarness(t, testOptions())
	ep := alertedEndpoint(t, h, "db")

	h.checker.push("db", true, true, false)
	h.cycles(t, 1)

	assert.Len(t, h.alerts.sent(), 1)
	got := h.endpoint(t, ep.ID)
	assert.True(t, got.NotificationSent)
	assert.True(t, got.LastStatus)
	assert.Equal(t, ConfirmedDown, StateOf(got))
	assert.Equal(t, ConfirmedDown, h.scanner.State(got), "an abandoned recovery stays down")
}

func TestConfirmingRecoveryOnlyWhileConfirmationRuns(t *testing.T) {
	t.Parallel()

	h := newHarness(t, testOptions())
	ep := alertedEndpoint(t, h, "cache")

	var during []State
	h.tracker.sleep = func(time.Duration) {
		during = append(during, h.tracker.State(h.endpoint(t, ep.ID)))
	}
	h.checker.push("cache", true, true, true)
	h.cycles(t, 1)

	require.Len(t, during, 2)
	assert.Equal(t, ConfirmingRecovery, during[0])
	assert.Equal(t, ConfirmingRecovery, during[1])
	assert.Equal(t, Healthy, h.tracker.State(h.endpoint(t, ep.ID)))
}

func TestResetWaitsForRunningConfirmation(t *testing.T) {
	t.Parallel()

	h := newHarness(t, testOptions())
	ep := h.addEndpoint(t, "edge", 443)
	h.checker.push("edge", false, false, false, false, false)
	h.cycles(t, 2)

	done := make(chan error, 1)
	blocked := true
	var once sync.Once
	h.tracker.sleep = func(time.Duration) {
		once.Do(func() {
			go func() { done <- h.scanner.ResetEndpoint(context.Background(), ep.ID) }()
			select {
			case <-done:
				blocked = false
			case <-time.After(50 * time.Millisecond):
			}
		})
	}
	h.cycles(t, 1)

	assert.True(t, blocked, "reset must not run inside a transition")
	require.Len(t, h.alerts.sent(), 1)
	require.NoError(t, <-done)

	got := h.endpoint(t, ep.ID)
	assert.False(t, got.NotificationSent)
	assert.Zero(t, got.ConsecutiveFailures)
	assert.Zero(t, got.TotalChecks)
	assert.Equal(t, Healthy, h.scanner.State(got))
}

func TestRemoveAndToggleThroughScanner(t *testing.T) {
	t.Parallel()

	h := newHarness(t, testOptions())
	ep := h.addEndpoint(t, "old", 21)

	active, err := h.scanner.ToggleEndpoint(context.Background(), ep.ID)
	require.NoError(t, err)
	assert.False(t, active)

	require.NoError(t, h.scanner.RemoveEndpoint(context.Background(), ep.ID))
	assert.ErrorIs(t, h.scanner.RemoveEndpoint(context.Background(), ep.ID), storage.ErrNotFound)
	_, _, _, err = h.scanner.CheckNow(context.Background(), ep.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestNoAlertForStartupFailureBelowThreshold(t *testing.T) {
	t.Parallel()

	h := newHarness(t, testOptions())
	h.addEndpoint(t, "cold", 1)
	h.checker.push("cold", false)

	stats := h.cycles(t, 1)
	assert.Empty(t, h.alerts.sent())
	assert.Equal(t, 1, stats.Failed)
	assert.Zero(t, stats.Failing)
}

func TestCheckNowUsesFullTransitionPath(t *testing.T) {
	t.Parallel()

	opts := testOptions()
	opts.FailThreshold = 1
	h := newHarness(t, opts)
	ep := h.addEndpoint(t, "manual", 9)
	h.checker.push("manual", false, false, false)

	updated, res, outcome, err := h.scanner.CheckNow(context.Background(), ep.ID)
	require.NoError(t, err)
	assert.False(t, res.Available)
	assert.Equal(t, OutcomeDownAlerted, outcome)
	assert.Equal(t, 1, updated.ConsecutiveFailures)
	assert.Len(t, h.alerts.sent(), 1)

	_, _, _, err = h.scanner.CheckNow(context.Background(), 999)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

type failingRecordStore struct {
	*storage.Store
}

func (f failingRecordStore) RecordCheck(context.Context, int64, bool, time.Duration, string) (storage.Endpoint, error) {
	return storage.Endpoint{}, errors.New("database is locked")
}

func TestPersistenceErrorAbortsCycle(t *testing.T) {
	t.Parallel()

	h := newHarness(t, testOptions())
	h.addEndpoint(t, "a", 1)
	h.addEndpoint(t, "b", 2)

	scanner := NewScanner(failingRecordStore{h.store}, h.checker, h.tracker, testOptions())
	_, err := scanner.RunCycle(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database is locked")
	assert.Equal(t, 1, h.checker.callCount("a"))
	assert.Zero(t, h.checker.callCount("b"))
}

type concurrencyChecker struct {
	mu      sync.Mutex
	current int
	peak    int
	calls   int
}

func (c *concurrencyChecker) Check(context.Context, string, int, probe.Protocol) probe.Result {
	c.mu.Lock()
	c.current++
	c.calls++
	c.peak = max(c.peak, c.current)
	c.mu.Unlock()

	time.Sleep(30 * time.Millisecond)

	c.mu.Lock()
	c.current--
	c.mu.Unlock()
	return probe.Result{Available: true, Method: probe.MethodTCP, Latency: time.Millisecond}
}

func TestScannerBoundedParallelism(t *testing.T) {
	t.Parallel()

	opts := testOptions()
	opts.Workers = 3
	store := storage.NewMemory()
	for port := 1; port <= 8; port++ {
		_, err := store.AddEndpoint(context.Background(), storage.NewEndpoint{Host: "h", Port: port})
		require.NoError(t, err)
	}
	checker := &concurrencyChecker{}
	scanner := NewScanner(store, checker, NewTracker(store, checker, nil, opts), opts)

	stats, err := scanner.RunCycle(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 8, stats.Checked)
	assert.Equal(t, 8, checker.calls)
	assert.LessOrEqual(t, checker.peak, 3)
	assert.Greater(t, checker.peak, 1)
}

func TestStateOf(t *testing.T) {
	t.Parallel()

	assert.Equal(t, Healthy, StateOf(storage.Endpoint{LastStatus: true}))
	assert.Equal(t, SuspectDown, StateOf(storage.Endpoint{ConsecutiveFailures: 4}))
	assert.Equal(t, ConfirmedDown, StateOf(storage.Endpoint{NotificationSent: true, ConsecutiveFailures: 3}))
	assert.Equal(t, ConfirmedDown, StateOf(storage.Endpoint{NotificationSent: true, LastStatus: true}))
	assert.Equal(t, "confirmed_down", ConfirmedDown.String())
}

func configMonitoring(workers int) config.Monitoring {
	return config.Monitoring{MaxParallelChecks: workers}
}

func TestOptionsFromConfigClampsWorkers(t *testing.T) {
	t.Parallel()

	opts := OptionsFromConfig(configMonitoring(100))
	assert.Equal(t, maxWorkers, opts.Workers)
	assert.Equal(t, 60*time.Second, opts.Interval)
	assert.Equal(t, 15*time.Second, opts.FastInterval)
	assert.Equal(t, 2*time.Second, opts.DownConfirmDelay)
	assert.Equal(t, 3*time.Second, opts.UpConfirmDelay)
	assert.Equal(t, 500*time.Millisecond, opts.PacingDelay)

	assert.Equal(t, 1, OptionsFromConfig(configMonitoring(0)).Workers)
}

func TestAlertTextEscapesNames(t *testing.T) {
	t.Parallel()

	ep := storage.Endpoint{Name: "<b>evil</b>", Host: "h", Port: 1, Protocol: probe.UDP}
	text := formatDownAlert(ep, probe.Result{Error: "a & b"}, 5, time.Unix(0, 0))
	assert.Contains(t, text, "&lt;b&gt;evil&lt;/b&gt;")
	assert.Contains(t, text, "a &amp; b")
	assert.True(t, strings.HasPrefix(text, "<b>DOWN</b>"))
	assert.Contains(t, text, "(udp)")
}
