// ABOUTME: Handlers for identity, heartbeat, observer commands and agent telemetry
// ABOUTME: Replies are queued before any Store write; Notifier calls run in the background

package relay

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/2389/lookout/internal/auth"
	"github.com/2389/lookout/internal/notify"
	"github.com/2389/lookout/internal/protocol"
	"github.com/2389/lookout/internal/store"
)

func (r *Router) handleAgentConnect(ctx context.Context, c *Conn, msg protocol.Message) error {
	m := msg.(protocol.AgentConnect)

	prev, err := r.registry.RegisterAgent(m.AgentID, c)
	if err != nil {
		return err
	}
	if prev != nil {
		prev.log().Info("agent reconnected, closing superseded connection", "new_conn_id", c.ID())
		prev.Close("superseded")
	}

	now := r.now()
	r.writer.SetAgentStatus(m.AgentID, store.StatusOnline)
	r.writer.TouchLastSeen(m.AgentID, now)

	r.fanOut(protocol.AgentConnected(m.AgentID))
	c.Send(protocol.Connected(m.AgentID, r.cfg.HeartbeatInterval))

	agents, _ := r.registry.Counts()
	c.log().Info("=== AGENT CONNECTED ===", "total_agents", agents, "replaced", prev != nil)
	return nil
}

// handleAgentReconnect answers a repeated agent_connect on an identified
// connection. The agent id never changes after promotion.
func (r *Router) handleAgentReconnect(ctx context.Context, c *Conn, msg protocol.Message) error {
	m := msg.(protocol.AgentConnect)
	if m.AgentID != c.AgentID() {
		c.log().Warn("agent_connect with a different id on an identified connection, ignoring",
			"requested_agent_id", m.AgentID)
		return nil
	}

	now := r.now()
	r.presence.Contact(m.AgentID, now)
	c.Send(protocol.Connected(m.AgentID, r.cfg.HeartbeatInterval))
	r.writer.TouchLastSeen(m.AgentID, now)
	return nil
}

func (r *Router) handleAdminConnect(ctx context.Context, c *Conn, msg protocol.Message) error {
	m := msg.(protocol.AdminConnect)

	var principal *auth.Principal
	if m.Token != "" || r.cfg.RequireObserverToken {
		if m.Token == "" {
			return authInvalid("token required", nil)
		}
		if r.verifier == nil {
			return authInvalid("token verification is not configured", nil)
		}
		p, err := r.verifier.Verify(m.Token)
		if err != nil {
			return authInvalid("invalid or expired token", err)
		}
		principal = p
	}

	var limiter *rate.Limiter
	if r.cfg.ObserverRateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(r.cfg.ObserverRateLimit), max(r.cfg.ObserverBurst, 1))
	}
	if err := r.registry.RegisterObserver(c, principal, limiter); err != nil {
		return err
	}

	_, observers := r.registry.Counts()
	c.log().Info("=== OBSERVER CONNECTED ===", "name", principal.DisplayName(), "total_observers", observers)

	r.sendDeviceLists(ctx, c)
	return nil
}

// handleObserverRefresh re-sends the device lists to an observer that
// repeats admin_connect.
func (r *Router) handleObserverRefresh(ctx context.Context, c *Conn, msg protocol.Message) error {
	r.sendDeviceLists(ctx, c)
	return nil
}

// Device is one agents_list entry: the stored record plus live reachability.
type Device struct {
	ID        string            `json:"agentId"`
	Status    store.AgentStatus `json:"status"`
	Online    bool              `json:"online"`
	LastSeen  *time.Time        `json:"lastSeen,omitempty"`
	FirstSeen *time.Time        `json:"firstSeen,omitempty"`
}

// sendDeviceLists queues agents_list then online_agents. Reachability comes
// from the registry; a Store failure degrades the list to live agents only.
func (r *Router) sendDeviceLists(ctx context.Context, c *Conn) {
	online := r.registry.OnlineAgentIDs()

	lctx, cancel := context.WithTimeout(ctx, r.cfg.StoreTimeout)
	stored, err := r.agents.ListAgents(lctx)
	cancel()
	if err != nil {
		c.log().Warn("listing stored agents failed, sending live agents only", "error", err)
		stored = nil
	}

	c.Send(protocol.AgentsList(DeviceList(stored, online)))
	c.Send(protocol.OnlineAgents(online))
}

// DeviceList merges stored agents with the live ids. Agents connected but
// not yet persisted appear as online.
func DeviceList(stored []*store.Agent, online []string) []Device {
	live := make(map[string]bool, len(online))
	for _, id := range online {
		live[id] = true
	}

	out := make([]Device, 0, len(stored)+len(online))
	seen := make(map[string]bool, len(stored))
	for _, a := range stored {
		d := Device{ID: a.ID, Status: a.Status, Online: live[a.ID]}
		if !a.LastSeen.IsZero() {
			ls := a.LastSeen
			d.LastSeen = &ls
		}
		if !a.FirstSeen.IsZero() {
			fs := a.FirstSeen
			d.FirstSeen = &fs
		}
		out = append(out, d)
		seen[a.ID] = true
	}
	for _, id := range online {
		if !seen[id] {
			out = append(out, Device{ID: id, Status: store.StatusOnline, Online: true})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *Router) handleHeartbeat(ctx context.Context, c *Conn, msg protocol.Message) error {
	agentID := c.AgentID()
	now := r.now()
	r.presence.Contact(agentID, now)
	c.Send(protocol.HeartbeatAck(now))
	r.writer.TouchLastSeen(agentID, now)
	return nil
}

func (r *Router) handleCommand(ctx context.Context, c *Conn, msg protocol.Message) error {
	cmd := msg.(protocol.Command)
	if r.cfg.CommandRole != "" && !c.Principal().HasRole(r.cfg.CommandRole) {
		return forbidden(r.cfg.CommandRole, cmd.Spec.Type)
	}
	if !c.allow() {
		return rateLimited(cmd.Spec.Type)
	}

	out := protocol.ForwardedCommand(cmd, c.Principal().DisplayName())

	if cmd.AgentID == "" {
		delivered := 0
		targets := r.registry.SnapshotAgents()
		for _, a := range targets {
			if a.Send(out) {
				delivered++
			}
		}
		c.log().Info("broadcast command to agents", "type", cmd.Spec.Type, "agents", len(targets), "delivered", delivered)
		return nil
	}

	target, ok := r.registry.LookupAgent(cmd.AgentID)
	if !ok || !target.Send(out) {
		return agentUnreachable(cmd.AgentID, cmd.Spec.Type)
	}
	if ack, ok := protocol.Acknowledgement(cmd, cmd.AgentID); ok {
		c.Send(ack)
	}
	c.log().Debug("forwarded command", "type", cmd.Spec.Type, "forward", cmd.Spec.Forward, "target", cmd.AgentID)
	return nil
}

func (r *Router) handleTelemetry(ctx context.Context, c *Conn, msg protocol.Message) error {
	t := msg.(protocol.Telemetry)
	agentID := c.AgentID()

	r.fanOut(protocol.BroadcastTelemetry(t, agentID))

	if t.Spec.Type == protocol.TypeAlert {
		r.handleAlert(c, agentID, t)
	}
	return nil
}

// handleAlert persists urgent alerts and pages for them once per alert id.
// The observer fan-out has already happened and is never affected.
func (r *Router) handleAlert(c *Conn, agentID string, t protocol.Telemetry) {
	info, err := t.Alert()
	if err != nil {
		c.log().Warn("alert payload not decodable, skipping notification", "error", err)
		r.metrics.AgentAlert("invalid")
		return
	}
	if !r.cfg.UrgentSeverity(info.Severity) {
		return
	}

	if info.ID == "" {
		info.ID = uuid.NewString()
	}
	rec := store.Alert{
		ID:        info.ID,
		AgentID:   agentID,
		Type:      info.Type,
		Severity:  info.Severity,
		Title:     info.Title,
		Message:   info.Message,
		Details:   string(info.Details),
		CreatedAt: r.now(),
	}
	key := agentID + "/" + info.ID
	if r.dedupe != nil && r.dedupe.CheckAndMark(key) {
		c.log().Debug("duplicate alert, not notifying", "alert_id", info.ID)
		r.metrics.AgentAlert("duplicate")
		return
	}
	r.writer.SaveAlert(rec)

	if !r.cfg.AlertsEnabled || r.notifier == nil {
		r.metrics.AgentAlert("disabled")
		return
	}

	r.background.Add(1)
	go func() {
		defer r.background.Done()
		r.notifyAlert(key, rec)
	}()
}

// notifyAlert pages for one alert. A failed page releases the dedupe key so
// the agent re-sending the same alert gets another attempt.
func (r *Router) notifyAlert(key string, rec store.Alert) {
	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.NotifyTimeout)
	defer cancel()

	err := r.notifier.SendAgentAlert(ctx, notify.AgentAlert{
		AgentID:    rec.AgentID,
		AlertID:    rec.ID,
		Type:       rec.Type,
		Severity:   rec.Severity,
		Title:      rec.Title,
		Message:    rec.Message,
		Details:    json.RawMessage(rec.Details),
		ReceivedAt: rec.CreatedAt,
	})
	if err != nil {
		r.logger.Error("agent alert notification failed", "agent_id", rec.AgentID, "alert_id", rec.ID, "error", err)
		r.metrics.AgentAlert("failed")
		if r.dedupe != nil {
			r.dedupe.Forget(key)
		}
		return
	}

	rec.Notified = true
	r.writer.SaveAlert(rec)
	r.metrics.AgentAlert("sent")
}
