// ABOUTME: Registry maps agent ids to live connections and tracks the observer set
// ABOUTME: A reconnect under the same id replaces the entry; stale unregisters never remove the newer one

package relay

import (
	"sort"
	"sync"

	"golang.org/x/time/rate"

	"github.com/2389/lookout/internal/auth"
)

// Registry is the authoritative view of who is connected.
type Registry struct {
	mu        sync.RWMutex
	agents    map[string]*Conn
	observers map[*Conn]struct{}

	onReachable func(agentID string)
	onChange    func(agents, observers int)
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		agents:    make(map[string]*Conn),
		observers: make(map[*Conn]struct{}),
	}
}

// OnAgentReachable sets the callback fired after an agent registers. It runs
// outside the registry lock.
func (r *Registry) OnAgentReachable(fn func(agentID string)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onReachable = fn
}

// OnChange sets the callback fired with the registry sizes after every change.
func (r *Registry) OnChange(fn func(agents, observers int)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onChange = fn
}

// RegisterAgent promotes c to Agent and maps agentID to it. The previous
// connection for the id, if any, is returned so the caller can close it.
func (r *Registry) RegisterAgent(agentID string, c *Conn) (*Conn, error) {
	if err := c.promoteAgent(agentID); err != nil {
		return nil, err
	}

	r.mu.Lock()
	prev := r.agents[agentID]
	r.agents[agentID] = c
	reachable, change := r.onReachable, r.onChange
	na, no := len(r.agents), len(r.observers)
	r.mu.Unlock()

	if reachable != nil {
		reachable(agentID)
	}
	if change != nil {
		change(na, no)
	}
	return prev, nil
}

// RegisterObserver promotes c to Observer and adds it to the observer set.
// limiter may be nil for no command limit.
func (r *Registry) RegisterObserver(c *Conn, p *auth.Principal, limiter *rate.Limiter) error {
	if err := c.promoteObserver(p, limiter); err != nil {
		return err
	}

	r.mu.Lock()
	r.observers[c] = struct{}{}
	change := r.onChange
	na, no := len(r.agents), len(r.observers)
	r.mu.Unlock()

	if change != nil {
		change(na, no)
	}
	return nil
}

// Unregister removes c from whichever map holds it. It reports whether c was
// the current entry; a superseded agent connection returns false and leaves
// the newer mapping alone. Unidentified connections are a no-op.
func (r *Registry) Unregister(c *Conn) bool {
	r.mu.Lock()
	removed := false
	switch c.Role() {
	case RoleAgent:
		id := c.AgentID()
		if r.agents[id] == c {
			delete(r.agents, id)
			removed = true
		}
	case RoleObserver:
		if _, ok := r.observers[c]; ok {
			delete(r.observers, c)
			removed = true
		}
	}
	change := r.onChange
	na, no := len(r.agents), len(r.observers)
	r.mu.Unlock()

	if removed && change != nil {
		change(na, no)
	}
	return removed
}

// LookupAgent returns the live connection for agentID.
func (r *Registry) LookupAgent(agentID string) (*Conn, bool) {
	r.mu.RLock()
	c, ok := r.agents[agentID]
	r.mu.RUnlock()
	if !ok || c.Closed() {
		return nil, false
	}
	return c, true
}

// IsOnline reports whether agentID has a live connection.
func (r *Registry) IsOnline(agentID string) bool {
	_, ok := r.LookupAgent(agentID)
	return ok
}

// SnapshotObservers returns a point-in-time copy of the observer set.
func (r *Registry) SnapshotObservers() []*Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Conn, 0, len(r.observers))
	for c := range r.observers {
		out = append(out, c)
	}
	return out
}

// SnapshotAgents returns a point-in-time copy of the agent connections.
func (r *Registry) SnapshotAgents() []*Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Conn, 0, len(r.agents))
	for _, c := range r.agents {
		out = append(out, c)
	}
	return out
}

// OnlineAgentIDs returns the registered agent ids, sorted.
func (r *Registry) OnlineAgentIDs() []string {
	r.mu.RLock()
	ids := make([]string, 0, len(r.agents))
	for id, c := range r.agents {
		if !c.Closed() {
			ids = append(ids, id)
		}
	}
	r.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// Counts returns the number of registered agents and observers.
func (r *Registry) Counts() (agents, observers int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.agents), len(r.observers)
}
