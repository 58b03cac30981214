// ABOUTME: Tests for Registry bookkeeping and Conn role transitions
// ABOUTME: Exercises replacement on re-register, stale unregister and snapshot semantics

package relay

import (
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/lookout/internal/auth"
	"github.com/2389/lookout/internal/protocol"
)

func testConn(queue int) (*Conn, *fakeTransport) {
	ft := newFakeTransport()
	return newConn(ft, queue, time.Second, slog.New(slog.DiscardHandler)), ft
}

func TestRegistry_RegisterAgent(t *testing.T) {
	r := NewRegistry()
	var reachable []string
	r.OnAgentReachable(func(id string) { reachable = append(reachable, id) })

	c, _ := testConn(4)
	prev, err := r.RegisterAgent("A1", c)
	require.NoError(t, err)
	assert.Nil(t, prev)

	assert.Equal(t, RoleAgent, c.Role())
	assert.Equal(t, "A1", c.AgentID())
	got, ok := r.LookupAgent("A1")
	require.True(t, ok)
	assert.Same(t, c, got)
	assert.Equal(t, []string{"A1"}, reachable)
}

func TestRegistry_ReRegisterReplaces(t *testing.T) {
	r := NewRegistry()
	old, _ := testConn(4)
	fresh, _ := testConn(4)

	_, err := r.RegisterAgent("A1", old)
	require.NoError(t, err)
	prev, err := r.RegisterAgent("A1", fresh)
	require.NoError(t, err)
	assert.Same(t, old, prev, "previous connection is handed back to the caller")
	assert.False(t, old.Closed(), "registry never closes sockets itself")

	agents, _ := r.Counts()
	assert.Equal(t, 1, agents)

	assert.False(t, r.Unregister(old), "stale unregister leaves the newer mapping")
	got, ok := r.LookupAgent("A1")
	require.True(t, ok)
	assert.Same(t, fresh, got)

	assert.True(t, r.Unregister(fresh))
	assert.False(t, r.Unregister(fresh), "unregister is idempotent")
	assert.False(t, r.IsOnline("A1"))
}

func TestRegistry_RoleIsWriteOnce(t *testing.T) {
	r := NewRegistry()
	c, _ := testConn(4)

	_, err := r.RegisterAgent("A1", c)
	require.NoError(t, err)

	_, err = r.RegisterAgent("A2", c)
	assert.ErrorIs(t, err, ErrRoleAssigned)
	assert.ErrorIs(t, r.RegisterObserver(c, nil, nil), ErrRoleAssigned)
	assert.Equal(t, "A1", c.AgentID())
	assert.False(t, r.IsOnline("A2"))
}

func TestRegistry_Observers(t *testing.T) {
	r := NewRegistry()
	var sizes [][2]int
	r.OnChange(func(a, o int) { sizes = append(sizes, [2]int{a, o}) })

	o1, _ := testConn(4)
	o2, _ := testConn(4)
	p := &auth.Principal{Subject: "u-1"}
	require.NoError(t, r.RegisterObserver(o1, p, nil))
	require.NoError(t, r.RegisterObserver(o2, nil, nil))

	assert.Equal(t, RoleObserver, o1.Role())
	assert.Same(t, p, o1.Principal())
	assert.Len(t, r.SnapshotObservers(), 2)

	snap := r.SnapshotObservers()
	assert.True(t, r.Unregister(o1))
	assert.Len(t, snap, 2, "snapshot is a copy")
	assert.Len(t, r.SnapshotObservers(), 1)

	assert.Equal(t, [][2]int{{0, 1}, {0, 2}, {0, 1}}, sizes)
}

func TestRegistry_ClosedConnectionsAreNotLive(t *testing.T) {
	r := NewRegistry()
	c, _ := testConn(4)
	_, err := r.RegisterAgent("A1", c)
	require.NoError(t, err)

	c.Close("gone")
	_, ok := r.LookupAgent("A1")
	assert.False(t, ok)
	assert.Empty(t, r.OnlineAgentIDs())
}

func TestRegistry_OnlineAgentIDsSorted(t *testing.T) {
	r := NewRegistry()
	for _, id := range []string{"c", "a", "b"} {
		c, _ := testConn(1)
		_, err := r.RegisterAgent(id, c)
		require.NoError(t, err)
	}
	assert.Equal(t, []string{"a", "b", "c"}, r.OnlineAgentIDs())
	assert.Len(t, r.SnapshotAgents(), 3)
}

func TestRegistry_ConcurrentAccess(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup
	for i := range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c, _ := testConn(1)
			if i%2 == 0 {
				_, _ = r.RegisterAgent("A", c)
			} else {
				_ = r.RegisterObserver(c, nil, nil)
			}
			r.SnapshotObservers()
			r.Unregister(c)
		}()
	}
	wg.Wait()
	_, observers := r.Counts()
	assert.Equal(t, 0, observers)
}

func TestConn_SendDropsWhenQueueFull(t *testing.T) {
	c, _ := testConn(1)
	var dropped []Role
	c.onDrop = func(r Role) { dropped = append(dropped, r) }

	assert.True(t, c.Send(protocol.New("one")))
	assert.False(t, c.Send(protocol.New("two")), "second message does not fit the queue")
	assert.Equal(t, []Role{RoleUnidentified}, dropped)

	c.Close("done")
	assert.False(t, c.Send(protocol.New("three")))
}

func TestConn_WriteLoopDeliversInOrder(t *testing.T) {
	c, ft := testConn(8)
	go c.writeLoop(t.Context())

	for _, typ := range []string{"a", "b", "c"} {
		require.True(t, c.Send(protocol.New(typ)))
	}
	require.Eventually(t, func() bool { return len(ft.messages()) == 3 }, waitFor, 5*time.Millisecond)
	assert.Equal(t, []string{"a", "b", "c"}, ft.types())

	c.Close("done")
	c.Close("again")
	assert.Equal(t, "done", ft.closeReason())
}

func TestConn_WriteFailureClosesConnection(t *testing.T) {
	ft := newFakeTransport()
	ft.stall = true
	c := newConn(ft, 4, 20*time.Millisecond, slog.New(slog.DiscardHandler))
	go c.writeLoop(t.Context())

	require.True(t, c.Send(protocol.New("stuck")))
	require.Eventually(t, c.Closed, waitFor, 5*time.Millisecond)
	assert.Equal(t, "write failed", ft.closeReason())
}

func TestError_Envelope(t *testing.T) {
	e := agentUnreachable("A9", "lock_screen")
	env := e.Envelope()
	assert.Equal(t, protocol.TypeError, env.Type)
	code, _ := env.String("code")
	assert.Equal(t, "agent_unreachable", code)
	id, _ := env.String("agentId")
	assert.Equal(t, "A9", id)

	assert.Equal(t, KindAgentUnreachable, KindOf(e))
	assert.True(t, KindAuthInvalid.Surfaced())
	assert.True(t, KindRateLimited.Surfaced())
	assert.False(t, KindMalformedEnvelope.Surfaced())
	assert.False(t, KindUnknownType.Surfaced())
	assert.False(t, KindCollaboratorFailure.Surfaced())

	_, err := protocol.Decode(protocol.New("nope"))
	assert.Equal(t, KindUnknownType, classifyDecode(err).Kind)
	_, err = protocol.Decode(protocol.New("request_screenshot"))
	assert.Equal(t, KindMalformedEnvelope, classifyDecode(err).Kind)
}
