package storage

import (
	"context"
	"sort"
	"sync"
	"time"
)

type memoryBackend struct {
	mu          sync.RWMutex
	nextID      int64
	nextRecord  int64
	endpoints   map[int64]*Endpoint
	historyByID map[int64][]CheckRecord
	subs        map[int64]bool
}

func newMemoryBackend() *memoryBackend {
	return &memoryBackend{
		endpoints:   make(map[int64]*Endpoint),
		historyByID: make(map[int64][]CheckRecord),
		subs:        make(map[int64]bool),
	}
}

func (m *memoryBackend) addEndpoint(_ context.Context, ep Endpoint) (Endpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.endpoints {
		if existing.Host == ep.Host && existing.Port == ep.Port {
			return Endpoint{}, ErrDuplicateEndpoint
		}
	}
	m.nextID++
	ep.ID = m.nextID
	stored := ep
	m.endpoints[ep.ID] = &stored
	return ep, nil
}

func (m *memoryBackend) removeEndpoint(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.endpoints[id]; !ok {
		return ErrNotFound
	}
	delete(m.endpoints, id)
	delete(m.historyByID, id)
	return nil
}

func (m *memoryBackend) getEndpoint(_ context.Context, id int64) (Endpoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ep, ok := m.endpoints[id]
	if !ok {
		return Endpoint{}, ErrNotFound
	}
	return *ep, nil
}

func (m *memoryBackend) listEndpoints(_ context.Context, activeOnly bool) ([]Endpoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Endpoint, 0, len(m.endpoints))
	for _, ep := range m.endpoints {
		if activeOnly && !ep.Active {
			continue
		}
		out = append(out, *ep)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memoryBackend) toggleEndpoint(_ context.Context, id int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ep, ok := m.endpoints[id]
	if !ok {
		return false, ErrNotFound
	}
	ep.Active = !ep.Active
	return ep.Active, nil
}

func (m *memoryBackend) recordCheck(_ context.Context, record CheckRecord) (Endpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ep, ok := m.endpoints[record.EndpointID]
	if !ok {
		return Endpoint{}, ErrNotFound
	}
	ep.TotalChecks++
	if record.Available {
		ep.ConsecutiveFailures = 0
	} else {
		ep.ConsecutiveFailures++
		ep.TotalFailures++
	}
	ep.LastStatus = record.Available
	ep.LastCheck = record.CheckedAt

	m.nextRecord++
	record.ID = m.nextRecord
	m.historyByID[ep.ID] = append(m.historyByID[ep.ID], record)
	return *ep, nil
}

func (m *memoryBackend) setNotificationSent(_ context.Context, id int64, sent bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ep, ok := m.endpoints[id]
	if !ok {
		return ErrNotFound
	}
	ep.NotificationSent = sent
	return nil
}

func (m *memoryBackend) resetStats(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ep, ok := m.endpoints[id]
	if !ok {
		return ErrNotFound
	}
	ep.TotalChecks = 0
	ep.TotalFailures = 0
	ep.ConsecutiveFailures = 0
	ep.NotificationSent = false
	delete(m.historyByID, id)
	return nil
}

func (m *memoryBackend) history(_ context.Context, id int64, limit int) ([]CheckRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.endpoints[id]; !ok {
		return nil, ErrNotFound
	}
	rows := m.historyByID[id]
	out := make([]CheckRecord, 0, min(limit, len(rows)))
	for i := len(rows) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, rows[i])
	}
	return out, nil
}

func (m *memoryBackend) addSubscriber(_ context.Context, chatID int64, _ time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs[chatID] = true
	return nil
}

func (m *memoryBackend) removeSubscriber(_ context.Context, chatID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.subs[chatID]; ok {
		m.subs[chatID] = false
	}
	return nil
}

func (m *memoryBackend) subscribers(_ context.Context) ([]int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]int64, 0, len(m.subs))
	for chatID, active := range m.subs {
		if active {
			out = append(out, chatID)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func (m *memoryBackend) close() error {
	return nil
}
