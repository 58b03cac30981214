// Package transport adapts network connections to relay.Transport.
//
// Two transports carry the same JSON envelopes:
//
//   - WebSocket text frames, served by WebSocketHandler on the HTTP listener
//     and dialed with DialWebSocket.
//   - A gRPC bidirectional stream, lookout.relay.v1.Relay/Connect, whose
//     frames are google.protobuf.BytesValue values holding the envelope JSON
//     unchanged. RegisterRelayServer installs
//     it on a grpc.Server and DialGRPC opens it from the agent side.
//
// Both sides of both transports satisfy relay.Transport, so the fake agent
// and the admin CLI reuse the same adapters the relay serves with.
package transport

import (
	"context"

	"github.com/2389/lookout/internal/relay"
)

// Server runs one accepted transport until it closes. *relay.Router
// implements it.
type Server interface {
	Serve(ctx context.Context, t relay.Transport)
}

var (
	_ relay.Transport = (*WebSocket)(nil)
	_ relay.Transport = (*GRPCStream)(nil)
	_ Server          = (*relay.Router)(nil)
)
