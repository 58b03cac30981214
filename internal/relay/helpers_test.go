// ABOUTME: Test doubles for the relay: an in-memory transport, presence recorder and notifier
// ABOUTME: harness wires a Router to MockStore through a real AsyncWriter

package relay

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/2389/lookout/internal/notify"
	"github.com/2389/lookout/internal/store"
)

const waitFor = 2 * time.Second

type fakeTransport struct {
	in     chan []byte
	closed chan struct{}
	served chan struct{}
	once   sync.Once
	// stall makes every Write block until the transport closes.
	stall bool

	mu     sync.Mutex
	out    []map[string]any
	reason string
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		in:     make(chan []byte, 64),
		closed: make(chan struct{}),
		served: make(chan struct{}),
	}
}

func (f *fakeTransport) Read(ctx context.Context) ([]byte, error) {
	select {
	case data := <-f.in:
		return data, nil
	case <-f.closed:
		return nil, io.EOF
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (f *fakeTransport) Write(ctx context.Context, data []byte) error {
	if f.stall {
		select {
		case <-f.closed:
			return io.ErrClosedPipe
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	f.mu.Lock()
	f.out = append(f.out, m)
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) Close(reason string) error {
	f.once.Do(func() {
		f.mu.Lock()
		f.reason = reason
		f.mu.Unlock()
		close(f.closed)
	})
	return nil
}

func (f *fakeTransport) Kind() string       { return "fake" }
func (f *fakeTransport) RemoteAddr() string { return "test" }

func (f *fakeTransport) isClosed() bool {
	select {
	case <-f.closed:
		return true
	default:
		return false
	}
}

func (f *fakeTransport) closeReason() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reason
}

func (f *fakeTransport) sendRaw(data []byte) {
	f.in <- data
}

func (f *fakeTransport) send(t *testing.T, msg map[string]any) {
	t.Helper()
	data, err := json.Marshal(msg)
	require.NoError(t, err)
	f.in <- data
}

func (f *fakeTransport) messages() []map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]map[string]any(nil), f.out...)
}

func (f *fakeTransport) ofType(typ string) []map[string]any {
	var out []map[string]any
	for _, m := range f.messages() {
		if m["type"] == typ {
			out = append(out, m)
		}
	}
	return out
}

func (f *fakeTransport) types() []string {
	var out []string
	for _, m := range f.messages() {
		s, _ := m["type"].(string)
		out = append(out, s)
	}
	return out
}

// waitCount waits until at least n messages of typ arrived and returns them.
func (f *fakeTransport) waitCount(t *testing.T, typ string, n int) []map[string]any {
	t.Helper()
	require.Eventually(t, func() bool {
		return len(f.ofType(typ)) >= n
	}, waitFor, 5*time.Millisecond, "waiting for %d %q messages", n, typ)
	return f.ofType(typ)
}

func (f *fakeTransport) waitType(t *testing.T, typ string) map[string]any {
	t.Helper()
	return f.waitCount(t, typ, 1)[0]
}

type contact struct {
	agentID string
	at      time.Time
}

type fakePresence struct {
	mu       sync.Mutex
	contacts []contact
}

func (p *fakePresence) Contact(agentID string, at time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.contacts = append(p.contacts, contact{agentID, at})
}

func (p *fakePresence) times(agentID string) []time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []time.Time
	for _, c := range p.contacts {
		if c.agentID == agentID {
			out = append(out, c.at)
		}
	}
	return out
}

type fakeNotifier struct {
	mu     sync.Mutex
	alerts []notify.AgentAlert
	err    error
	// hold, when set, blocks SendAgentAlert until it is closed.
	hold chan struct{}
}

func (n *fakeNotifier) SendOutageAlert(ctx context.Context, a notify.OutageAlert) error {
	return nil
}

func (n *fakeNotifier) SendAgentAlert(ctx context.Context, a notify.AgentAlert) error {
	n.mu.Lock()
	n.alerts = append(n.alerts, a)
	err := n.err
	n.mu.Unlock()
	if n.hold != nil {
		<-n.hold
	}
	return err
}

func (n *fakeNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.alerts)
}

// stepClock returns a strictly increasing time on every call.
type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

type harness struct {
	router   *Router
	registry *Registry
	presence *fakePresence
	store    *store.MockStore
	writer   *store.AsyncWriter
}

func newHarness(t *testing.T, mutate ...func(*Config, *Deps)) *harness {
	t.Helper()

	ms := store.NewMockStore()
	writer := store.NewAsyncWriter(ms, store.AsyncWriterConfig{QueueSize: 64, Timeout: time.Second})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = writer.Close(ctx)
	})

	h := &harness{
		registry: NewRegistry(),
		presence: &fakePresence{},
		store:    ms,
		writer:   writer,
	}

	clock := &stepClock{now: time.Date(2026, 4, 2, 10, 0, 0, 0, time.UTC)}
	cfg := Config{
		HeartbeatInterval: 30 * time.Second,
		SendQueueSize:     16,
		WriteTimeout:      2 * time.Second,
		StoreTimeout:      time.Second,
	}
	deps := Deps{
		Registry: h.registry,
		Presence: h.presence,
		Writer:   writer,
		Agents:   ms,
		Logger:   slog.New(slog.DiscardHandler),
		Now:      clock.Now,
	}
	for _, fn := range mutate {
		fn(&cfg, &deps)
	}

	r, err := New(cfg, deps)
	require.NoError(t, err)
	h.router = r
	return h
}

func (h *harness) serve(t *testing.T, ft *fakeTransport) *fakeTransport {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		defer close(ft.served)
		h.router.Serve(ctx, ft)
	}()
	t.Cleanup(func() {
		_ = ft.Close("test finished")
		cancel()
		<-ft.served
	})
	return ft
}

func (h *harness) connect(t *testing.T) *fakeTransport {
	t.Helper()
	return h.serve(t, newFakeTransport())
}

func (h *harness) agent(t *testing.T, agentID string) *fakeTransport {
	t.Helper()
	ft := h.connect(t)
	ft.send(t, map[string]any{"type": "agent_connect", "agentId": agentID})
	ft.waitType(t, "connected")
	return ft
}

func (h *harness) observer(t *testing.T) *fakeTransport {
	t.Helper()
	ft := h.connect(t)
	ft.send(t, map[string]any{"type": "admin_connect"})
	ft.waitType(t, "online_agents")
	return ft
}
