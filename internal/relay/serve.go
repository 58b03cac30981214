// ABOUTME: Per-connection lifecycle: read loop, write loop, idle watchdog and close cleanup
// ABOUTME: Frames from one connection are parsed, decoded and dispatched strictly in arrival order

package relay

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/2389/lookout/internal/protocol"
	"github.com/2389/lookout/internal/store"
)

// Serve runs one accepted transport until it closes or ctx ends. It returns
// after the connection has been unregistered.
func (r *Router) Serve(ctx context.Context, t Transport) {
	c := newConn(t, r.cfg.SendQueueSize, r.cfg.WriteTimeout, r.logger)
	c.onDrop = func(role Role) { r.metrics.DeliveryDropped(role.String()) }
	c.touch(time.Now())
	r.metrics.ConnectionAccepted(t.Kind())
	c.log().Debug("connection accepted")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go c.writeLoop(ctx)
	if r.cfg.HeartbeatTimeout > 0 {
		go r.watchIdle(ctx, c)
	}

	var err error
	for {
		var data []byte
		if data, err = t.Read(ctx); err != nil {
			break
		}
		c.touch(time.Now())
		r.handleFrame(ctx, c, data)
	}

	r.closeConn(c, closeReason(ctx, c, err))
}

func closeReason(ctx context.Context, c *Conn, err error) string {
	switch {
	case ctx.Err() != nil:
		return "relay shutting down"
	case c.Closed():
		return "closed locally"
	case errors.Is(err, io.EOF):
		return "closed by peer"
	default:
		c.log().Debug("read failed", "error", err)
		return "read failed"
	}
}

// handleFrame parses, decodes and dispatches one inbound frame. Malformed
// and unknown messages are logged and dropped. The exception is an observer
// command that fails validation: the observer gets a malformed_envelope
// error so it is not left waiting for an ack.
func (r *Router) handleFrame(ctx context.Context, c *Conn, data []byte) {
	env, err := protocol.Parse(data)
	if err != nil {
		r.fail(c, "unparsed", classifyDecode(err))
		return
	}

	msg, err := protocol.Decode(env)
	if err != nil {
		e := classifyDecode(err)
		e.Request = env.Type
		label := env.Type
		if e.Kind == KindUnknownType {
			label = "unknown"
		}
		if _, isCommand := protocol.LookupCommand(env.Type); isCommand && c.Role() == RoleObserver {
			e.reply = true
			e.Message = err.Error()
			if id, ok := env.String(protocol.FieldAgentID); ok && id != "" {
				e.AgentID = id
			}
		}
		r.fail(c, label, e)
		return
	}

	r.dispatch(ctx, c, msg)
}

// closeConn closes c and removes it from the registry. Only the current
// mapping for an agent id triggers the offline write and the disconnect
// broadcast; a superseded connection leaves both to its replacement.
func (r *Router) closeConn(c *Conn, reason string) {
	c.Close(reason)

	switch c.Role() {
	case RoleAgent:
		agentID := c.AgentID()
		if !r.registry.Unregister(c) {
			c.log().Info("superseded agent connection closed, skipping cleanup", "reason", reason)
			return
		}
		r.writer.SetAgentStatus(agentID, store.StatusOffline)
		r.fanOut(protocol.AgentDisconnected(agentID))

		agents, _ := r.registry.Counts()
		c.log().Info("=== AGENT DISCONNECTED ===", "reason", reason, "total_agents", agents)

	case RoleObserver:
		r.registry.Unregister(c)
		_, observers := r.registry.Counts()
		c.log().Info("observer disconnected", "reason", reason, "total_observers", observers)

	default:
		c.log().Debug("unidentified connection closed", "reason", reason)
	}
}

// watchIdle closes unidentified and agent connections that stop sending.
// Observers are exempt; they only talk when they have a command.
func (r *Router) watchIdle(ctx context.Context, c *Conn) {
	timeout := r.cfg.HeartbeatTimeout
	ticker := time.NewTicker(max(timeout/4, 10*time.Millisecond))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.Done():
			return
		case <-ticker.C:
			if c.Role() == RoleObserver {
				return
			}
			idle := time.Since(c.idleSince())
			if idle > timeout {
				c.log().Warn("no traffic within heartbeat timeout, closing connection",
					"idle", idle.Round(time.Millisecond), "timeout", timeout)
				c.Close("heartbeat timeout")
				return
			}
		}
	}
}
