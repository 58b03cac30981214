// ABOUTME: gRPC transport: a bidi Connect stream of google.protobuf.BytesValue frames carrying the JSON envelopes
// ABOUTME: Frames are opaque bytes so numbers and field order survive exactly as the WebSocket path carries them

package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// KindGRPC names the gRPC transport in logs and metrics.
const KindGRPC = "grpc"

// ConnectMethod is the full method name of the relay stream.
const ConnectMethod = "/lookout.relay.v1.Relay/Connect"

// Sentinel errors for GRPCStream.
var (
	// ErrClosed is returned by Read and Write after Close.
	ErrClosed = errors.New("transport closed")
	// ErrInvalidFrame is returned by Write for data that is not JSON.
	ErrInvalidFrame = errors.New("frame is not valid JSON")
)

// RelayServer is the server side of lookout.relay.v1.Relay.
type RelayServer interface {
	Connect(stream grpc.ServerStream) error
}

var relayServiceDesc = grpc.ServiceDesc{
	ServiceName: "lookout.relay.v1.Relay",
	HandlerType: (*RelayServer)(nil),
	Methods:     []grpc.MethodDesc{},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Connect",
			Handler:       connectHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "lookout/relay/v1/relay.proto",
}

func connectHandler(srv any, stream grpc.ServerStream) error {
	return srv.(RelayServer).Connect(stream)
}

// Server Keepalive values. Pings every 15s surface dead peers without
// waiting for the heartbeat timeout.
var (
	ServerKeepalive = keepalive.ServerParameters{
		Time:    15 * time.Second,
		Timeout: 5 * time.Second,
	}
	ServerEnforcement = keepalive.EnforcementPolicy{
		MinTime:             5 * time.Second,
		PermitWithoutStream: true,
	}
)

// GRPCOptions configures the relay service.
type GRPCOptions struct {
	// BaseContext, when set, ends every stream when it is canceled so that
	// GracefulStop does not wait on long-lived agents.
	BaseContext context.Context
	Logger      *slog.Logger
}

// GRPCService adapts a Server to the RelayServer interface.
type GRPCService struct {
	srv    Server
	base   context.Context
	logger *slog.Logger
}

// RegisterRelayServer registers the Connect stream on s.
func RegisterRelayServer(s *grpc.Server, srv Server, opts GRPCOptions) *GRPCService {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	svc := &GRPCService{srv: srv, base: opts.BaseContext, logger: logger.With("component", "grpc")}
	s.RegisterService(&relayServiceDesc, svc)
	return svc
}

// Connect serves one stream until either side closes it. A stream the relay
// closed ends with codes.Unavailable and the close reason.
func (s *GRPCService) Connect(stream grpc.ServerStream) error {
	remote := "unknown"
	if p, ok := peer.FromContext(stream.Context()); ok && p.Addr != nil {
		remote = p.Addr.String()
	}

	ctx, cancel := context.WithCancel(stream.Context())
	defer cancel()
	if s.base != nil {
		stop := context.AfterFunc(s.base, cancel)
		defer stop()
	}

	t := newGRPCStream(stream, remote, nil)
	s.srv.Serve(ctx, t)
	t.Close("connection finished")

	if t.peerEOF.Load() || ctx.Err() != nil {
		return nil
	}
	s.logger.Debug("stream closed by relay", "remote", remote, "reason", t.reason())
	return status.Error(codes.Unavailable, t.reason())
}

// streamIO is the part of grpc.ServerStream and grpc.ClientStream the
// adapter needs.
type streamIO interface {
	SendMsg(m any) error
	RecvMsg(m any) error
	Context() context.Context
}

type recvResult struct {
	data []byte
	err  error
}

// GRPCStream is one Connect stream seen as a relay transport.
type GRPCStream struct {
	stream  streamIO
	remote  string
	recv    chan recvResult
	done    chan struct{}
	onClose func()
	peerEOF atomic.Bool

	writeMu   sync.Mutex
	closeOnce sync.Once
	mu        sync.Mutex
	closeWhy  string
}

func newGRPCStream(stream streamIO, remote string, onClose func()) *GRPCStream {
	g := &GRPCStream{
		stream:  stream,
		remote:  remote,
		recv:    make(chan recvResult),
		done:    make(chan struct{}),
		onClose: onClose,
	}
	go g.recvLoop()
	return g
}

// recvLoop owns RecvMsg. grpc allows one receiver and one sender to run
// concurrently on a stream.
func (g *GRPCStream) recvLoop() {
	for {
		msg := &wrapperspb.BytesValue{}
		var res recvResult
		if err := g.stream.RecvMsg(msg); err != nil {
			if errors.Is(err, io.EOF) {
				g.peerEOF.Store(true)
			}
			res.err = err
		} else {
			res.data = msg.GetValue()
		}

		select {
		case g.recv <- res:
		case <-g.done:
			return
		}
		if res.err != nil {
			return
		}
	}
}

// Read returns the next frame as JSON. The end of the peer's send side is io.EOF.
func (g *GRPCStream) Read(ctx context.Context) ([]byte, error) {
	if g.isClosed() {
		return nil, ErrClosed
	}
	select {
	case res := <-g.recv:
		if res.err != nil {
			if errors.Is(res.err, io.EOF) {
				return nil, io.EOF
			}
			return nil, res.err
		}
		return res.data, nil
	case <-g.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Write sends one JSON frame byte for byte. SendMsg itself cannot be
// canceled, so it runs aside and Write gives up when ctx ends or the stream
// is closed.
func (g *GRPCStream) Write(ctx context.Context, data []byte) error {
	if !json.Valid(data) {
		return ErrInvalidFrame
	}
	msg := wrapperspb.Bytes(data)
	if g.isClosed() {
		return ErrClosed
	}

	errc := make(chan error, 1)
	go func() {
		g.writeMu.Lock()
		defer g.writeMu.Unlock()
		errc <- g.stream.SendMsg(msg)
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-g.done:
		return ErrClosed
	}
}

// Close ends the stream locally. The server handler returns once Serve
// notices; a client stream is half-closed and its connection released.
func (g *GRPCStream) Close(reason string) error {
	g.closeOnce.Do(func() {
		g.mu.Lock()
		g.closeWhy = reason
		g.mu.Unlock()
		close(g.done)
		if g.onClose != nil {
			g.onClose()
		}
	})
	return nil
}

func (g *GRPCStream) isClosed() bool {
	select {
	case <-g.done:
		return true
	default:
		return false
	}
}

func (g *GRPCStream) reason() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.closeWhy
}

// Kind returns "grpc".
func (g *GRPCStream) Kind() string { return KindGRPC }

// RemoteAddr returns the peer address.
func (g *GRPCStream) RemoteAddr() string { return g.remote }

// DialGRPC opens a Connect stream to addr without transport security. The
// stream lives until ctx ends or Close is called.
func DialGRPC(ctx context.Context, addr string, opts ...grpc.DialOption) (*GRPCStream, error) {
	opts = append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                20 * time.Second,
			Timeout:             5 * time.Second,
			PermitWithoutStream: true,
		}),
	}, opts...)

	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating grpc client for %s: %w", addr, err)
	}

	sctx, cancel := context.WithCancel(ctx)
	stream, err := conn.NewStream(sctx, &relayServiceDesc.Streams[0], ConnectMethod)
	if err != nil {
		cancel()
		_ = conn.Close()
		return nil, fmt.Errorf("opening relay stream: %w", err)
	}

	return newGRPCStream(stream, addr, func() {
		_ = stream.CloseSend()
		cancel()
		_ = conn.Close()
	}), nil
}
