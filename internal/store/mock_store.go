// ABOUTME: Mock Store implementation for testing
// ABOUTME: Allows tests to run without SQLite and to inject failures or stalls

package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MockStore is an in-memory Store implementation for testing.
type MockStore struct {
	mu     sync.RWMutex
	agents map[string]*Agent
	alerts map[string]*Alert
	calls  []string

	// Err, when set, is returned by every write.
	Err error
	// Gate, when set, makes every write wait until it is closed or ctx ends.
	Gate chan struct{}
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		agents: make(map[string]*Agent),
		alerts: make(map[string]*Alert),
	}
}

func (m *MockStore) write(ctx context.Context, call string) error {
	m.mu.RLock()
	gate := m.Gate
	m.mu.RUnlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, call)
	return m.Err
}

// SetAgentStatus upserts the agent and sets its status.
func (m *MockStore) SetAgentStatus(ctx context.Context, agentID string, status AgentStatus) error {
	if !status.Valid() {
		return ErrInvalidStatus
	}
	if err := m.write(ctx, "status:"+agentID+":"+string(status)); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	a, ok := m.agents[agentID]
	if !ok {
		a = &Agent{ID: agentID, FirstSeen: now}
		m.agents[agentID] = a
	}
	a.Status = status
	a.UpdatedAt = now
	return nil
}

// TouchLastSeen upserts the agent and records a contact time.
func (m *MockStore) TouchLastSeen(ctx context.Context, agentID string, at time.Time) error {
	if err := m.write(ctx, "touch:"+agentID); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.agents[agentID]
	if !ok {
		a = &Agent{ID: agentID, Status: StatusOnline, FirstSeen: at.UTC()}
		m.agents[agentID] = a
	}
	a.LastSeen = at.UTC()
	a.UpdatedAt = time.Now().UTC()
	return nil
}

// GetAgent returns a copy of the agent.
func (m *MockStore) GetAgent(ctx context.Context, agentID string) (*Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	a, ok := m.agents[agentID]
	if !ok {
		return nil, ErrNotFound
	}
	result := *a
	return &result, nil
}

// ListAgents returns copies of every agent ordered by id.
func (m *MockStore) ListAgents(ctx context.Context) ([]*Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	agents := make([]*Agent, 0, len(m.agents))
	for _, a := range m.agents {
		c := *a
		agents = append(agents, &c)
	}
	sort.Slice(agents, func(i, j int) bool { return agents[i].ID < agents[j].ID })
	return agents, nil
}

// SaveAlert stores a copy of the alert.
func (m *MockStore) SaveAlert(ctx context.Context, alert *Alert) error {
	if err := m.write(ctx, "alert:"+alert.ID); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	c := *alert
	if prev, ok := m.alerts[c.ID]; ok && prev.Notified {
		c.Notified = true
	}
	m.alerts[c.ID] = &c
	return nil
}

// ListAlerts returns alerts newest first.
func (m *MockStore) ListAlerts(ctx context.Context, filter AlertFilter) ([]*Alert, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	alerts := []*Alert{}
	for _, a := range m.alerts {
		if filter.AgentID != "" && a.AgentID != filter.AgentID {
			continue
		}
		c := *a
		alerts = append(alerts, &c)
	}
	sort.Slice(alerts, func(i, j int) bool {
		if !alerts[i].CreatedAt.Equal(alerts[j].CreatedAt) {
			return alerts[i].CreatedAt.After(alerts[j].CreatedAt)
		}
		return alerts[i].ID < alerts[j].ID
	})
	if len(alerts) > filter.limit() {
		alerts = alerts[:filter.limit()]
	}
	return alerts, nil
}

// Close is a no-op.
func (m *MockStore) Close() error {
	return nil
}

// Calls returns the recorded write calls in order, e.g. "status:A1:online".
func (m *MockStore) Calls() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.calls...)
}

// SetErr changes the injected write error.
func (m *MockStore) SetErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Err = err
}
