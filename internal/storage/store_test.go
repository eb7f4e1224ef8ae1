package storage

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"portwatch/internal/probe"
)

func forEachBackend(t *testing.T, fn func(t *testing.T, store *Store)) {
	t.Helper()

	t.Run("memory", func(t *testing.T) {
		t.Parallel()
		fn(t, NewMemory())
	})
	t.Run("sqlite", func(t *testing.T) {
		t.Parallel()
		store, err := NewSQLite(SQLiteOptions{Path: filepath.Join(t.TempDir(), "data", "servers.db")})
		require.NoError(t, err)
		t.Cleanup(func() { _ = store.Close() })
		fn(t, store)
	})
}

func TestAddEndpointDefaults(t *testing.T) {
	forEachBackend(t, func(t *testing.T, store *Store) {
		ctx := context.Background()

		ep, err := store.AddEndpoint(ctx, NewEndpoint{Host: " db.local ", Port: 5432})
		require.NoError(t, err)

		assert.NotZero(t, ep.ID)
		assert.Equal(t, "db.local", ep.Name)
		assert.Equal(t, "db.local", ep.Host)
		assert.Equal(t, probe.TCP, ep.Protocol)
		assert.True(t, ep.Active)
		assert.True(t, ep.LastStatus)
		assert.False(t, ep.NotificationSent)
		assert.Zero(t, ep.TotalChecks)
		assert.True(t, ep.LastCheck.IsZero())

		got, err := store.GetEndpoint(ctx, ep.ID)
		require.NoError(t, err)
		assert.Equal(t, ep.Name, got.Name)
		assert.Equal(t, ep.Port, got.Port)
		assert.True(t, got.LastCheck.IsZero())
	})
}

func TestAddEndpointValidation(t *testing.T) {
	forEachBackend(t, func(t *testing.T, store *Store) {
		ctx := context.Background()

		_, err := store.AddEndpoint(ctx, NewEndpoint{Host: "a", Port: 0})
		assert.ErrorIs(t, err, ErrInvalidPort)
		_, err = store.AddEndpoint(ctx, NewEndpoint{Host: "a", Port: 65536})
		assert.ErrorIs(t, err, ErrInvalidPort)
		_, err = store.AddEndpoint(ctx, NewEndpoint{Host: "a", Port: 80, Protocol: "icmp"})
		assert.ErrorIs(t, err, ErrInvalidProtocol)
		_, err = store.AddEndpoint(ctx, NewEndpoint{Host: "  ", Port: 80})
		assert.ErrorIs(t, err, ErrInvalidHost)
		_, err = store.AddEndpoint(ctx, NewEndpoint{Host: "bad host", Port: 80})
		assert.ErrorIs(t, err, ErrInvalidHost)

		all, err := store.ListEndpoints(ctx)
		require.NoError(t, err)
		assert.Empty(t, all)
	})
}

func TestAddEndpointRejectsDuplicateHostPort(t *testing.T) {
	forEachBackend(t, func(t *testing.T, store *Store) {
		ctx := context.Background()

		_, err := store.AddEndpoint(ctx, NewEndpoint{Name: "web", Host: "example.com", Port: 443})
		require.NoError(t, err)

		_, err = store.AddEndpoint(ctx, NewEndpoint{Name: "web-udp", Host: "example.com", Port: 443, Protocol: probe.UDP})
		assert.ErrorIs(t, err, ErrDuplicateEndpoint)

		_, err = store.AddEndpoint(ctx, NewEndpoint{Name: "web-alt", Host: "example.com", Port: 8443})
		assert.NoError(t, err)
	})
}

func TestRecordCheckMaintainsCounters(t *testing.T) {
	forEachBackend(t, func(t *testing.T, store *Store) {
		ctx := context.Background()

		ep, err := store.AddEndpoint(ctx, NewEndpoint{Host: "10.0.0.1", Port: 22})
		require.NoError(t, err)

		outcomes := []bool{false, false, true, false, false, false}
		var updated Endpoint
		for _, ok := range outcomes {
			updated, err = store.RecordCheck(ctx, ep.ID, ok, 3*time.Millisecond, "connection refused")
			require.NoError(t, err)
			assert.LessOrEqual(t, updated.TotalFailures, updated.TotalChecks)
			assert.LessOrEqual(t, int64(updated.ConsecutiveFailures), updated.TotalFailures)
		}

		assert.EqualValues(t, 6, updated.TotalChecks)
		assert.EqualValues(t, 5, updated.TotalFailures)
		assert.Equal(t, 3, updated.ConsecutiveFailures)
		assert.False(t, updated.LastStatus)
		assert.False(t, updated.LastCheck.IsZero())

		history, err := store.History(ctx, ep.ID, 0)
		require.NoError(t, err)
		require.Len(t, history, len(outcomes))
		for i, record := range history {
			want := outcomes[len(outcomes)-1-i]
			assert.Equal(t, want, record.Available, "record %d", i)
			if want {
				assert.Empty(t, record.Error)
			} else {
				assert.Equal(t, "connection refused", record.Error)
			}
			assert.InDelta(t, float64(3*time.Millisecond), float64(record.Latency), float64(time.Microsecond))
		}
		assert.Greater(t, history[0].ID, history[1].ID)

		limited, err := store.History(ctx, ep.ID, 2)
		require.NoError(t, err)
		assert.Len(t, limited, 2)
	})
}

func TestRecordCheckUnknownEndpoint(t *testing.T) {
	forEachBackend(t, func(t *testing.T, store *Store) {
		_, err := store.RecordCheck(context.Background(), 999, true, 0, "")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestResetStatsClearsCountersAndHistory(t *testing.T) {
	forEachBackend(t, func(t *testing.T, store *Store) {
		ctx := context.Background()

		ep, err := store.AddEndpoint(ctx, NewEndpoint{Host: "svc", Port: 9000})
		require.NoError(t, err)
		for range 3 {
			_, err = store.RecordCheck(ctx, ep.ID, false, 0, "connection timeout")
			require.NoError(t, err)
		}
		require.NoError(t, store.SetNotificationSent(ctx, ep.ID, true))

		require.NoError(t, store.ResetStats(ctx, ep.ID))

		got, err := store.GetEndpoint(ctx, ep.ID)
		require.NoError(t, err)
		assert.Zero(t, got.TotalChecks)
		assert.Zero(t, got.TotalFailures)
		assert.Zero(t, got.ConsecutiveFailures)
		assert.False(t, got.NotificationSent)

		history, err := store.History(ctx, ep.ID, 10)
		require.NoError(t, err)
		assert.Empty(t, history)

		assert.ErrorIs(t, store.ResetStats(ctx, 12345), ErrNotFound)
	})
}

func TestRemoveEndpointDropsHistory(t *testing.T) {
	forEachBackend(t, func(t *testing.T, store *Store) {
		ctx := context.Background()

		ep, err := store.AddEndpoint(ctx, NewEndpoint{Host: "gone", Port: 1})
		require.NoError(t, err)
		_, err = store.RecordCheck(ctx, ep.ID, true, time.Millisecond, "")
		require.NoError(t, err)

		require.NoError(t, store.RemoveEndpoint(ctx, ep.ID))

		_, err = store.GetEndpoint(ctx, ep.ID)
		assert.ErrorIs(t, err, ErrNotFound)
		_, err = store.History(ctx, ep.ID, 10)
		assert.ErrorIs(t, err, ErrNotFound)
		assert.ErrorIs(t, store.RemoveEndpoint(ctx, ep.ID), ErrNotFound)

		// Re-adding the same address starts from a clean slate.
		again, err := store.AddEndpoint(ctx, NewEndpoint{Host: "gone", Port: 1})
		require.NoError(t, err)
		history, err := store.History(ctx, again.ID, 10)
		require.NoError(t, err)
		assert.Empty(t, history)
	})
}

func TestToggleAndListActive(t *testing.T) {
	forEachBackend(t, func(t *testing.T, store *Store) {
		ctx := context.Background()

		first, err := store.AddEndpoint(ctx, NewEndpoint{Host: "one", Port: 1})
		require.NoError(t, err)
		second, err := store.AddEndpoint(ctx, NewEndpoint{Host: "two", Port: 2})
		require.NoError(t, err)

		active, err := store.ToggleEndpoint(ctx, first.ID)
		require.NoError(t, err)
		assert.False(t, active)

		list, err := store.ListActive(ctx)
		require.NoError(t, err)
		require.Len(t, list, 1)
		assert.Equal(t, second.ID, list[0].ID)

		all, err := store.ListEndpoints(ctx)
		require.NoError(t, err)
		require.Len(t, all, 2)
		assert.Equal(t, first.ID, all[0].ID)

		active, err = store.ToggleEndpoint(ctx, first.ID)
		require.NoError(t, err)
		assert.True(t, active)

		_, err = store.ToggleEndpoint(ctx, 404)
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestSubscribersReactivate(t *testing.T) {
	forEachBackend(t, func(t *testing.T, store *Store) {
		ctx := context.Background()

		require.NoError(t, store.AddSubscriber(ctx, 42))
		require.NoError(t, store.AddSubscriber(ctx, 7))
		require.NoError(t, store.AddSubscriber(ctx, 42))

		subs, err := store.Subscribers(ctx)
		require.NoError(t, err)
		assert.Equal(t, []int64{7, 42}, subs)

		require.NoError(t, store.RemoveSubscriber(ctx, 42))
		require.NoError(t, store.RemoveSubscriber(ctx, 1000))
		subs, err = store.Subscribers(ctx)
		require.NoError(t, err)
		assert.Equal(t, []int64{7}, subs)

		require.NoError(t, store.AddSubscriber(ctx, 42))
		subs, err = store.Subscribers(ctx)
		require.NoError(t, err)
		assert.Equal(t, []int64{7, 42}, subs)
	})
}

func TestSQLiteReopenKeepsData(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "servers.db")
	ctx := context.Background()

	store, err := NewSQLite(SQLiteOptions{Path: path})
	require.NoError(t, err)
	ep, err := store.AddEndpoint(ctx, NewEndpoint{Name: "dns", Host: "1.1.1.1", Port: 53, Protocol: probe.UDP})
	require.NoError(t, err)
	_, err = store.RecordCheck(ctx, ep.ID, false, 0, "connection refused")
	require.NoError(t, err)
	require.NoError(t, store.Close())

	reopened, err := NewSQLite(SQLiteOptions{Path: path})
	require.NoError(t, err)
	defer reopened.Close()

	got, err := reopened.GetEndpoint(ctx, ep.ID)
	require.NoError(t, err)
	assert.Equal(t, "dns", got.Name)
	assert.Equal(t, probe.UDP, got.Protocol)
	assert.Equal(t, 1, got.ConsecutiveFailures)
	assert.False(t, got.LastStatus)
}

type recordingMirror struct {
	mu      sync.Mutex
	appends []CheckRecord
	deletes []int64
	err     error
}

func (m *recordingMirror) AppendCheck(_ context.Context, _ Endpoint, record CheckRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.appends = append(m.appends, record)
	return m.err
}

func (m *recordingMirror) DeleteEndpoint(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deletes = append(m.deletes, id)
	return m.err
}

func (m *recordingMirror) Close() error { return nil }

func TestMirrorFailureDoesNotFailPrimaryWrite(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewMemory()
	mirror := &recordingMirror{err: errors.New("clickhouse down")}
	store.SetMirror(mirror)

	ep, err := store.AddEndpoint(ctx, NewEndpoint{Host: "h", Port: 80})
	require.NoError(t, err)

	updated, err := store.RecordCheck(ctx, ep.ID, true, time.Millisecond, "ignored")
	require.NoError(t, err)
	assert.EqualValues(t, 1, updated.TotalChecks)
	require.NoError(t, store.ResetStats(ctx, ep.ID))

	require.Len(t, mirror.appends, 1)
	assert.Empty(t, mirror.appends[0].Error)
	assert.Equal(t, []int64{ep.ID}, mirror.deletes)
}

func TestSanitizeIdentifier(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "check_history", sanitizeIdentifier(" check_history "))
	assert.Empty(t, sanitizeIdentifier("drop table;"))
	assert.Empty(t, sanitizeIdentifier(""))
}
