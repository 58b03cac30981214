// ABOUTME: Notifier interface and alert payloads sent when agents go silent or raise urgent alerts
// ABOUTME: Implementations: webhook, Matrix room, and a fan-out over several sinks

package notify

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// ErrNotConfigured is returned by New when no sink is configured.
var ErrNotConfigured = errors.New("no notification sink configured")

// OutageAlert describes an agent that stopped talking and is no longer connected.
type OutageAlert struct {
	AgentID     string        `json:"agentId"`
	LastContact time.Time     `json:"lastContact"`
	Idle        time.Duration `json:"-"`
	DetectedAt  time.Time     `json:"detectedAt"`
}

// AgentAlert is an urgent alert raised by an agent.
type AgentAlert struct {
	AgentID    string          `json:"agentId"`
	AlertID    string          `json:"alertId"`
	Type       string          `json:"type,omitempty"`
	Severity   string          `json:"severity"`
	Title      string          `json:"title,omitempty"`
	Message    string          `json:"message,omitempty"`
	Details    json.RawMessage `json:"details,omitempty"`
	ReceivedAt time.Time       `json:"receivedAt"`
}

// Notifier delivers alerts to humans. Calls may block on the network and
// must honor ctx.
type Notifier interface {
	SendOutageAlert(ctx context.Context, alert OutageAlert) error
	SendAgentAlert(ctx context.Context, alert AgentAlert) error
}
