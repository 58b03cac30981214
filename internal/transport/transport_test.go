// ABOUTME: End-to-end transport tests against a real relay Router
// ABOUTME: Agents and observers talk over httptest WebSockets and an in-memory gRPC listener

package transport

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/test/bufconn"

	"github.com/2389/lookout/internal/relay"
	"github.com/2389/lookout/internal/store"
)

type nopPresence struct{}

func (nopPresence) Contact(string, time.Time) {}

func newRouter(t *testing.T) *relay.Router {
	t.Helper()
	ms := store.NewMockStore()
	w := store.NewAsyncWriter(ms, store.AsyncWriterConfig{QueueSize: 64, Timeout: time.Second})
	t.Cleanup(func() { _ = w.Close(context.Background()) })

	r, err := relay.New(relay.Config{
		HeartbeatInterval: 30 * time.Second,
		SendQueueSize:     16,
		WriteTimeout:      2 * time.Second,
		StoreTimeout:      time.Second,
	}, relay.Deps{
		Registry: relay.NewRegistry(),
		Presence: nopPresence{},
		Writer:   w,
		Agents:   ms,
		Logger:   slog.New(slog.DiscardHandler),
	})
	require.NoError(t, err)
	return r
}

func send(t *testing.T, tr relay.Transport, msg map[string]any) {
	t.Helper()
	data, err := json.Marshal(msg)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(t.Context(), 2*time.Second)
	defer cancel()
	require.NoError(t, tr.Write(ctx, data))
}

// await reads frames until one of type typ arrives.
func await(t *testing.T, tr relay.Transport, typ string) map[string]any {
	t.Helper()
	ctx, cancel := context.WithTimeout(t.Context(), 3*time.Second)
	defer cancel()
	for {
		data, err := tr.Read(ctx)
		require.NoError(t, err, "waiting for %s", typ)
		var msg map[string]any
		require.NoError(t, json.Unmarshal(data, &msg))
		if msg["type"] == typ {
			return msg
		}
	}
}

func startWebSocket(t *testing.T, srv Server) string {
	t.Helper()
	hs := httptest.NewServer(WebSocketHandler(srv, WebSocketOptions{
		MaxMessageBytes: 1 << 20,
		BaseContext:     t.Context(),
		Logger:          slog.New(slog.DiscardHandler),
	}))
	t.Cleanup(hs.Close)
	return "ws" + strings.TrimPrefix(hs.URL, "http")
}

func dialWS(t *testing.T, url string) *WebSocket {
	t.Helper()
	ws, err := DialWebSocket(t.Context(), url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close("test done") })
	return ws
}

func startGRPC(t *testing.T, srv Server) func(context.Context) (*GRPCStream, error) {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	gs := grpc.NewServer(grpc.KeepaliveParams(ServerKeepalive), grpc.KeepaliveEnforcementPolicy(ServerEnforcement))
	RegisterRelayServer(gs, srv, GRPCOptions{Logger: slog.New(slog.DiscardHandler)})
	go func() { _ = gs.Serve(lis) }()
	t.Cleanup(gs.Stop)

	return func(ctx context.Context) (*GRPCStream, error) {
		return DialGRPC(ctx, "passthrough:///bufnet", grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}))
	}
}

func TestWebSocket_ObserverCommandReachesAgent(t *testing.T) {
	url := startWebSocket(t, newRouter(t))

	observer := dialWS(t, url)
	send(t, observer, map[string]any{"type": "admin_connect"})
	await(t, observer, "agents_list")
	online := await(t, observer, "online_agents")
	assert.Empty(t, online["agentIds"])

	agent := dialWS(t, url)
	send(t, agent, map[string]any{"type": "agent_connect", "agentId": "A1"})
	connected := await(t, agent, "connected")
	assert.Equal(t, "A1", connected["agentId"])
	assert.EqualValues(t, 30, connected["heartbeatInterval"])
	assert.Equal(t, "A1", await(t, observer, "agent_connected")["agentId"])

	send(t, observer, map[string]any{"type": "request_screenshot", "agentId": "A1"})
	fwd := await(t, agent, "take_screenshot")
	assert.NotContains(t, fwd, "agentId")
	assert.Equal(t, "A1", await(t, observer, "screenshot_requested")["agentId"])

	send(t, agent, map[string]any{"type": "screenshot_ready", "screenshotId": "s-1"})
	ready := await(t, observer, "screenshot_ready")
	assert.Equal(t, "s-1", ready["screenshotId"])
	assert.Equal(t, "A1", ready["agentId"])
}

func TestWebSocket_PeerCloseBroadcastsDisconnect(t *testing.T) {
	url := startWebSocket(t, newRouter(t))

	observer := dialWS(t, url)
	send(t, observer, map[string]any{"type": "admin_connect"})
	await(t, observer, "online_agents")

	agent := dialWS(t, url)
	send(t, agent, map[string]any{"type": "agent_connect", "agentId": "A1"})
	await(t, agent, "connected")

	require.NoError(t, agent.Close("bye"))
	assert.Equal(t, "A1", await(t, observer, "agent_disconnected")["agentId"])
}

func TestWebSocket_OversizedFrameClosesConnection(t *testing.T) {
	hs := httptest.NewServer(WebSocketHandler(newRouter(t), WebSocketOptions{
		MaxMessageBytes: 1024,
		BaseContext:     t.Context(),
		Logger:          slog.New(slog.DiscardHandler),
	}))
	t.Cleanup(hs.Close)

	ws := dialWS(t, "ws"+strings.TrimPrefix(hs.URL, "http"))
	big := strings.Repeat("x", 4096)
	send(t, ws, map[string]any{"type": "agent_connect", "agentId": big})

	ctx, cancel := context.WithTimeout(t.Context(), 3*time.Second)
	defer cancel()
	_, err := ws.Read(ctx)
	assert.Error(t, err)
}

func TestGRPC_AgentAndWebSocketObserver(t *testing.T) {
	r := newRouter(t)
	url := startWebSocket(t, r)
	dial := startGRPC(t, r)

	observer := dialWS(t, url)
	send(t, observer, map[string]any{"type": "admin_connect"})
	await(t, observer, "online_agents")

	agent, err := dial(t.Context())
	require.NoError(t, err)
	defer agent.Close("test done")
	assert.Equal(t, KindGRPC, agent.Kind())

	send(t, agent, map[string]any{"type": "agent_connect", "agentId": "G1"})
	assert.Equal(t, "G1", await(t, agent, "connected")["agentId"])
	await(t, observer, "agent_connected")

	send(t, agent, map[string]any{"type": "heartbeat"})
	ack := await(t, agent, "heartbeat_ack")
	assert.NotEmpty(t, ack["timestamp"])

	send(t, observer, map[string]any{"type": "lock_screen", "agentId": "G1"})
	await(t, agent, "lock_screen")
	sent := await(t, observer, "command_sent")
	assert.Equal(t, "G1", sent["agentId"])

	send(t, agent, map[string]any{
		"type":  "usb_event",
		"event": map[string]any{"action": "inserted", "device": "Kingston"},
	})
	evt := await(t, observer, "usb_event")
	assert.Equal(t, "G1", evt["agentId"])
	assert.Equal(t, "inserted", evt["event"].(map[string]any)["action"])

	require.NoError(t, agent.Close("done"))
	assert.Equal(t, "G1", await(t, observer, "agent_disconnected")["agentId"])
}

func TestGRPC_SupersededStreamIsClosedByRelay(t *testing.T) {
	dial := startGRPC(t, newRouter(t))

	first, err := dial(t.Context())
	require.NoError(t, err)
	defer first.Close("test done")
	send(t, first, map[string]any{"type": "agent_connect", "agentId": "G1"})
	await(t, first, "connected")

	second, err := dial(t.Context())
	require.NoError(t, err)
	defer second.Close("test done")
	send(t, second, map[string]any{"type": "agent_connect", "agentId": "G1"})
	await(t, second, "connected")

	ctx, cancel := context.WithTimeout(t.Context(), 3*time.Second)
	defer cancel()
	for {
		if _, err := first.Read(ctx); err != nil {
			assert.Contains(t, err.Error(), "superseded")
			return
		}
	}
}

func TestGRPCStream_ReadAfterClose(t *testing.T) {
	dial := startGRPC(t, newRouter(t))
	s, err := dial(t.Context())
	require.NoError(t, err)

	require.NoError(t, s.Close("local"))
	require.NoError(t, s.Close("twice"))
	_, err = s.Read(t.Context())
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, s.Write(t.Context(), []byte(`{"type":"heartbeat"}`)), ErrClosed)
}

// awaitRaw reads frames until one of type typ arrives and returns its bytes.
func awaitRaw(t *testing.T, tr relay.Transport, typ string) []byte {
	t.Helper()
	ctx, cancel := context.WithTimeout(t.Context(), 3*time.Second)
	defer cancel()
	for {
		data, err := tr.Read(ctx)
		require.NoError(t, err, "waiting for %s", typ)
		var head struct {
			Type string `json:"type"`
		}
		require.NoError(t, json.Unmarshal(data, &head))
		if head.Type == typ {
			return data
		}
	}
}

func TestGRPC_TelemetryNumbersSurviveExactly(t *testing.T) {
	r := newRouter(t)
	url := startWebSocket(t, r)
	dial := startGRPC(t, r)

	wsObserver := dialWS(t, url)
	send(t, wsObserver, map[string]any{"type": "admin_connect"})
	await(t, wsObserver, "online_agents")

	grpcObserver, err := dial(t.Context())
	require.NoError(t, err)
	defer grpcObserver.Close("test done")
	send(t, grpcObserver, map[string]any{"type": "admin_connect"})
	await(t, grpcObserver, "online_agents")

	agent, err := dial(t.Context())
	require.NoError(t, err)
	defer agent.Close("test done")
	send(t, agent, map[string]any{"type": "agent_connect", "agentId": "G1"})
	await(t, agent, "connected")

	// 2^53 + 1 is not representable as a float64.
	frame := []byte(`{"type":"usb_event","event":{"serial":9007199254740993,"ratio":0.1000000000000000055511151231257827}}`)
	ctx, cancel := context.WithTimeout(t.Context(), 2*time.Second)
	defer cancel()
	require.NoError(t, agent.Write(ctx, frame))

	for _, obs := range []relay.Transport{wsObserver, grpcObserver} {
		got := awaitRaw(t, obs, "usb_event")
		assert.Contains(t, string(got), `"serial":9007199254740993`, "over %s", obs.Kind())
		assert.Contains(t, string(got), `0.1000000000000000055511151231257827`, "over %s", obs.Kind())
	}
}

func TestGRPCStream_WriteRejectsNonJSON(t *testing.T) {
	dial := startGRPC(t, newRouter(t))
	s, err := dial(t.Context())
	require.NoError(t, err)
	defer s.Close("test done")

	assert.ErrorIs(t, s.Write(t.Context(), []byte("not json")), ErrInvalidFrame)
}
