// ABOUTME: WebSocket transport: adapts coder/websocket connections for the relay, server and client side
// ABOUTME: Writes are serialized; Close starts the close handshake without blocking the caller

package transport

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"

	"github.com/coder/websocket"
)

// KindWebSocket names the WebSocket transport in logs and metrics.
const KindWebSocket = "websocket"

// maxCloseReason is the close frame reason limit (125 byte payload minus the code).
const maxCloseReason = 123

// WebSocket is one WebSocket connection carrying JSON envelopes as text frames.
type WebSocket struct {
	conn   *websocket.Conn
	remote string

	writeMu   sync.Mutex
	closeOnce sync.Once
}

// NewWebSocket wraps an established connection.
func NewWebSocket(conn *websocket.Conn, remote string) *WebSocket {
	return &WebSocket{conn: conn, remote: remote}
}

// DialWebSocket connects to a relay WebSocket endpoint.
func DialWebSocket(ctx context.Context, url string, header http.Header) (*WebSocket, error) {
	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", url, err)
	}
	return NewWebSocket(conn, url), nil
}

// Read returns the next frame. A normal close by the peer is io.EOF.
func (w *WebSocket) Read(ctx context.Context) ([]byte, error) {
	_, data, err := w.conn.Read(ctx)
	if err != nil {
		switch websocket.CloseStatus(err) {
		case websocket.StatusNormalClosure, websocket.StatusGoingAway:
			return nil, io.EOF
		}
		return nil, err
	}
	return data, nil
}

// Write sends one text frame.
func (w *WebSocket) Write(ctx context.Context, data []byte) error {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	return w.conn.Write(ctx, websocket.MessageText, data)
}

// Close sends a close frame carrying reason. The handshake finishes in the
// background; a pending Read fails once it completes.
func (w *WebSocket) Close(reason string) error {
	w.closeOnce.Do(func() {
		if len(reason) > maxCloseReason {
			reason = reason[:maxCloseReason]
		}
		go func() {
			_ = w.conn.Close(websocket.StatusNormalClosure, reason)
		}()
	})
	return nil
}

// Kind returns "websocket".
func (w *WebSocket) Kind() string { return KindWebSocket }

// RemoteAddr returns the peer address.
func (w *WebSocket) RemoteAddr() string { return w.remote }

// WebSocketOptions configures the upgrade handler.
type WebSocketOptions struct {
	// OriginPatterns are extra browser origins allowed to connect. Clients
	// that send no Origin header, such as agents, are always accepted.
	OriginPatterns []string
	// MaxMessageBytes bounds inbound frames.
	MaxMessageBytes int64
	// BaseContext, when set, ends every connection when it is canceled.
	// Hijacked connections are not closed by http.Server.Shutdown.
	BaseContext context.Context
	Logger      *slog.Logger
}

// WebSocketHandler upgrades each request and serves it until it closes.
func WebSocketHandler(srv Server, opts WebSocketOptions) http.Handler {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "ws")

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			OriginPatterns: opts.OriginPatterns,
		})
		if err != nil {
			logger.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
			return
		}
		if opts.MaxMessageBytes > 0 {
			conn.SetReadLimit(opts.MaxMessageBytes)
		}

		ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
		defer cancel()
		if opts.BaseContext != nil {
			stop := context.AfterFunc(opts.BaseContext, cancel)
			defer stop()
		}

		t := NewWebSocket(conn, r.RemoteAddr)
		srv.Serve(ctx, t)
		_ = t.Close("connection finished")
	})
}
