// ABOUTME: Conn wraps one duplex transport with its role state and a bounded outbound queue
// ABOUTME: Role moves Unidentified->Agent or Unidentified->Observer exactly once

package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/2389/lookout/internal/auth"
	"github.com/2389/lookout/internal/protocol"
)

// ErrRoleAssigned is returned when a connection that already has a role is
// promoted again.
var ErrRoleAssigned = errors.New("connection role already assigned")

// Transport is one message-oriented duplex channel: a WebSocket or a gRPC
// stream. Read blocks until a frame arrives, ctx ends or the transport closes.
type Transport interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, data []byte) error
	Close(reason string) error
	// Kind names the transport for logs and metrics ("websocket", "grpc").
	Kind() string
	RemoteAddr() string
}

// Role is the classification of a connection.
type Role int32

// Connection roles.
const (
	RoleUnidentified Role = iota
	RoleAgent
	RoleObserver
)

func (r Role) String() string {
	switch r {
	case RoleAgent:
		return "agent"
	case RoleObserver:
		return "observer"
	default:
		return "unidentified"
	}
}

// Conn is one live connection.
type Conn struct {
	id        string
	transport Transport
	logger    *slog.Logger

	mu        sync.RWMutex
	role      Role
	agentID   string
	principal *auth.Principal
	limiter   *rate.Limiter

	send         chan []byte
	done         chan struct{}
	closeOnce    sync.Once
	writeTimeout time.Duration
	lastInbound  atomic.Int64
	onDrop       func(role Role)
}

func newConn(t Transport, queueSize int, writeTimeout time.Duration, logger *slog.Logger) *Conn {
	id := uuid.NewString()
	return &Conn{
		id:           id,
		transport:    t,
		logger:       logger.With("conn_id", id, "transport", t.Kind(), "remote", t.RemoteAddr()),
		send:         make(chan []byte, queueSize),
		done:         make(chan struct{}),
		writeTimeout: writeTimeout,
	}
}

// ID returns the connection id.
func (c *Conn) ID() string { return c.id }

// Role returns the current role.
func (c *Conn) Role() Role {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.role
}

// AgentID returns the agent id, empty unless the role is Agent.
func (c *Conn) AgentID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.agentID
}

// Principal returns the verified observer principal, if any.
func (c *Conn) Principal() *auth.Principal {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.principal
}

// promoteAgent is the Unidentified->Agent transition.
func (c *Conn) promoteAgent(agentID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.role != RoleUnidentified {
		return fmt.Errorf("%w: %s", ErrRoleAssigned, c.role)
	}
	c.role = RoleAgent
	c.agentID = agentID
	c.logger = c.logger.With("agent_id", agentID)
	return nil
}

// promoteObserver is the Unidentified->Observer transition.
func (c *Conn) promoteObserver(p *auth.Principal, limiter *rate.Limiter) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.role != RoleUnidentified {
		return fmt.Errorf("%w: %s", ErrRoleAssigned, c.role)
	}
	c.role = RoleObserver
	c.principal = p
	c.limiter = limiter
	if p != nil {
		c.logger = c.logger.With("principal", p.Subject)
	}
	return nil
}

func (c *Conn) log() *slog.Logger {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.logger
}

// allow reports whether an observer command fits the rate limit.
func (c *Conn) allow() bool {
	c.mu.RLock()
	l := c.limiter
	c.mu.RUnlock()
	return l == nil || l.Allow()
}

// Send queues an envelope without blocking. It returns false when the
// connection is closed or its queue is full; the message is dropped for this
// connection only.
func (c *Conn) Send(env *protocol.Envelope) bool {
	data, err := env.MarshalJSON()
	if err != nil {
		c.log().Error("encoding outbound message", "type", env.Type, "error", err)
		return false
	}

	select {
	case <-c.done:
		return false
	default:
	}

	select {
	case c.send <- data:
		return true
	default:
		c.log().Warn("send queue full, dropping message", "type", env.Type)
		if c.onDrop != nil {
			c.onDrop(c.Role())
		}
		return false
	}
}

// Closed reports whether Close has been called.
func (c *Conn) Closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// Done is closed when the connection closes.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Close closes the transport once. Queued messages not yet written are dropped.
func (c *Conn) Close(reason string) {
	c.closeOnce.Do(func() {
		close(c.done)
		if err := c.transport.Close(reason); err != nil {
			c.log().Debug("closing transport", "reason", reason, "error", err)
		}
	})
}

func (c *Conn) touch(at time.Time) {
	c.lastInbound.Store(at.UnixNano())
}

func (c *Conn) idleSince() time.Time {
	return time.Unix(0, c.lastInbound.Load())
}

// writeLoop drains the queue onto the transport until the connection or ctx ends.
func (c *Conn) writeLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case data := <-c.send:
			wctx, cancel := context.WithTimeout(ctx, c.writeTimeout)
			err := c.transport.Write(wctx, data)
			cancel()
			if err != nil {
				c.log().Info("write failed, closing connection", "error", err)
				c.Close("write failed")
				return
			}
		}
	}
}
