// ABOUTME: Router owns the dispatch table keyed by (role, message type) and its collaborators
// ABOUTME: Handlers run one message at a time per connection; collaborator I/O never blocks replies

package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/2389/lookout/internal/auth"
	"github.com/2389/lookout/internal/dedupe"
	"github.com/2389/lookout/internal/metrics"
	"github.com/2389/lookout/internal/notify"
	"github.com/2389/lookout/internal/protocol"
	"github.com/2389/lookout/internal/store"
)

// Presence receives agent contact events.
type Presence interface {
	Contact(agentID string, at time.Time)
}

// StatusWriter applies Store writes without blocking the caller.
// store.AsyncWriter satisfies it.
type StatusWriter interface {
	SetAgentStatus(agentID string, status store.AgentStatus)
	TouchLastSeen(agentID string, at time.Time)
	SaveAlert(alert store.Alert)
}

// AgentLister reads the stored device list for new observers.
type AgentLister interface {
	ListAgents(ctx context.Context) ([]*store.Agent, error)
}

// Config holds router tunables.
type Config struct {
	HeartbeatInterval time.Duration
	// HeartbeatTimeout closes unidentified and agent connections that send
	// nothing for this long. Zero disables the idle close.
	HeartbeatTimeout     time.Duration
	RequireObserverToken bool
	// CommandRole, when set, is the token role an observer needs to send
	// commands. Observers without it still receive telemetry.
	CommandRole   string
	AlertsEnabled bool
	// UrgentSeverity decides which agent alert severities page someone.
	UrgentSeverity func(severity string) bool
	NotifyTimeout  time.Duration
	StoreTimeout   time.Duration
	// ObserverRateLimit is commands per second per observer; zero disables.
	ObserverRateLimit float64
	ObserverBurst     int
	SendQueueSize     int
	WriteTimeout      time.Duration
}

// Deps are the collaborators a Router calls into. Registry, Presence,
// Writer and Agents are required.
type Deps struct {
	Registry *Registry
	Presence Presence
	Writer   StatusWriter
	Agents   AgentLister
	Verifier auth.TokenVerifier
	Notifier notify.Notifier
	Dedupe   *dedupe.Cache
	Metrics  *metrics.Collector
	Logger   *slog.Logger
	Now      func() time.Time
}

type handlerFunc func(ctx context.Context, c *Conn, msg protocol.Message) error

type routeKey struct {
	role Role
	typ  string
}

// Router classifies connections and dispatches their messages.
type Router struct {
	cfg      Config
	registry *Registry
	presence Presence
	writer   StatusWriter
	agents   AgentLister
	verifier auth.TokenVerifier
	notifier notify.Notifier
	dedupe   *dedupe.Cache
	metrics  *metrics.Collector
	logger   *slog.Logger
	now      func() time.Time

	routes map[routeKey]handlerFunc
	// background tracks notifier calls so shutdown can wait for them.
	background sync.WaitGroup
}

// New builds a Router and wires the registry hooks to presence and metrics.
func New(cfg Config, deps Deps) (*Router, error) {
	if deps.Registry == nil || deps.Presence == nil || deps.Writer == nil || deps.Agents == nil {
		return nil, fmt.Errorf("relay: registry, presence, writer and agent lister are required")
	}
	if cfg.SendQueueSize <= 0 {
		cfg.SendQueueSize = 256
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = 5 * time.Second
	}
	if cfg.NotifyTimeout <= 0 {
		cfg.NotifyTimeout = 10 * time.Second
	}
	if cfg.UrgentSeverity == nil {
		cfg.UrgentSeverity = func(string) bool { return false }
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}

	r := &Router{
		cfg:      cfg,
		registry: deps.Registry,
		presence: deps.Presence,
		writer:   deps.Writer,
		agents:   deps.Agents,
		verifier: deps.Verifier,
		notifier: deps.Notifier,
		dedupe:   deps.Dedupe,
		metrics:  deps.Metrics,
		logger:   deps.Logger.With("component", "relay"),
		now:      deps.Now,
	}
	r.buildRoutes()

	r.registry.OnAgentReachable(func(agentID string) {
		r.presence.Contact(agentID, r.now())
	})
	r.registry.OnChange(r.metrics.SetRegistered)

	return r, nil
}

func (r *Router) buildRoutes() {
	r.routes = map[routeKey]handlerFunc{
		{RoleUnidentified, protocol.TypeAgentConnect}: r.handleAgentConnect,
		{RoleUnidentified, protocol.TypeAdminConnect}: r.handleAdminConnect,
		{RoleAgent, protocol.TypeAgentConnect}:        r.handleAgentReconnect,
		{RoleAgent, protocol.TypeHeartbeat}:           r.handleHeartbeat,
		{RoleObserver, protocol.TypeAdminConnect}:     r.handleObserverRefresh,
	}
	for _, typ := range protocol.TelemetryTypes() {
		r.routes[routeKey{RoleAgent, typ}] = r.handleTelemetry
	}
	for _, typ := range protocol.CommandTypes() {
		r.routes[routeKey{RoleObserver, typ}] = r.handleCommand
	}
}

// Wait blocks until background notifier calls finish or ctx ends. Call it
// after connections are closed and before the store writer is drained, so
// the notified flag of in-flight alerts is still persisted.
func (r *Router) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		r.background.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// dispatch runs the handler for msg on c. A message with no route for the
// connection's current role is logged and ignored.
func (r *Router) dispatch(ctx context.Context, c *Conn, msg protocol.Message) {
	typ := msg.MessageType()
	role := c.Role()
	h, ok := r.routes[routeKey{role, typ}]
	if !ok {
		c.log().Debug("no route for message, ignoring", "role", role, "type", typ)
		r.metrics.MessageHandled(typ, "ignored")
		return
	}
	if err := h(ctx, c, msg); err != nil {
		r.fail(c, typ, err)
		return
	}
	r.metrics.MessageHandled(typ, "ok")
}

// fail logs a handling error and, for peer-visible kinds, queues the error
// reply on c. The connection stays open either way.
func (r *Router) fail(c *Conn, typ string, err error) {
	kind := KindOf(err)
	if kind == "" {
		kind = KindCollaboratorFailure
	}
	r.metrics.MessageHandled(typ, string(kind))

	var re *Error
	if errors.As(err, &re) && (re.Kind.Surfaced() || re.reply) {
		c.log().Info("rejecting message", "type", typ, "code", re.Kind, "error", err)
		c.Send(re.Envelope())
		return
	}
	c.log().Warn("message handling failed", "type", typ, "kind", kind, "error", err)
}

// fanOut delivers env to every registered observer. Each delivery is an
// independent non-blocking enqueue.
func (r *Router) fanOut(env *protocol.Envelope) int {
	delivered := 0
	for _, o := range r.registry.SnapshotObservers() {
		if o.Send(env) {
			delivered++
		}
	}
	return delivered
}
