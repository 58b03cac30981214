// ABOUTME: Store interface and data types for lookout-relay persistence
// ABOUTME: Defines Agent, Alert and the Store interface the relay writes presence through

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrInvalidStatus is returned for a status outside the AgentStatus set
var ErrInvalidStatus = errors.New("invalid agent status")

// AgentStatus is the durable presence state of an agent.
type AgentStatus string

// Agent status values written by the relay.
const (
	StatusOnline          AgentStatus = "online"
	StatusOffline         AgentStatus = "offline"
	StatusNotifiedOffline AgentStatus = "notified_offline"
)

// Valid reports whether s is a known status.
func (s AgentStatus) Valid() bool {
	switch s {
	case StatusOnline, StatusOffline, StatusNotifiedOffline:
		return true
	}
	return false
}

// Agent is the durable record of a monitored endpoint.
type Agent struct {
	ID        string      `json:"agentId"`
	Status    AgentStatus `json:"status"`
	LastSeen  time.Time   `json:"lastSeen"`
	FirstSeen time.Time   `json:"firstSeen"`
	UpdatedAt time.Time   `json:"updatedAt"`
}

// Alert is an urgent agent alert kept for the console history.
type Alert struct {
	ID        string    `json:"id"`
	AgentID   string    `json:"agentId"`
	Type      string    `json:"type,omitempty"`
	Severity  string    `json:"severity"`
	Title     string    `json:"title,omitempty"`
	Message   string    `json:"message,omitempty"`
	Details   string    `json:"details,omitempty"` // raw JSON
	Notified  bool      `json:"notified"`
	CreatedAt time.Time `json:"createdAt"`
}

// AlertFilter narrows ListAlerts. Zero values mean no filter; Limit defaults to 100.
type AlertFilter struct {
	AgentID string
	Limit   int
}

// Store defines the persistence the relay writes to. None of it is needed
// for in-memory routing to be correct.
type Store interface {
	// SetAgentStatus upserts the agent and sets its status.
	SetAgentStatus(ctx context.Context, agentID string, status AgentStatus) error

	// TouchLastSeen upserts the agent and records a contact time.
	TouchLastSeen(ctx context.Context, agentID string, at time.Time) error

	// GetAgent returns ErrNotFound for unknown agents.
	GetAgent(ctx context.Context, agentID string) (*Agent, error)

	// ListAgents returns every known agent ordered by id.
	ListAgents(ctx context.Context) ([]*Agent, error)

	// SaveAlert inserts or replaces an alert by id.
	SaveAlert(ctx context.Context, alert *Alert) error

	// ListAlerts returns alerts newest first.
	ListAlerts(ctx context.Context, filter AlertFilter) ([]*Alert, error)

	Close() error
}

const defaultAlertLimit = 100

func (f AlertFilter) limit() int {
	if f.Limit <= 0 {
		return defaultAlertLimit
	}
	return f.Limit
}
