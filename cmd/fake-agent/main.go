// ABOUTME: Minimal fake agent for E2E testing: connects over WebSocket or gRPC, heartbeats, answers commands
// ABOUTME: Usage: fake-agent [-transport ws|grpc] [-addr ws://localhost:8080/ws] [-id kiosk-dev] [-alert high]
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"time"

	"github.com/2389/lookout/internal/protocol"
	"github.com/2389/lookout/internal/relay"
	"github.com/2389/lookout/internal/transport"
)

func main() {
	kind := flag.String("transport", "ws", "transport: ws or grpc")
	addr := flag.String("addr", "", "relay address (default ws://localhost:8080/ws or localhost:50051)")
	agentID := flag.String("id", "kiosk-dev", "agent ID")
	alert := flag.String("alert", "", "send one alert with this severity after connecting")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := run(ctx, *kind, *addr, *agentID, *alert); err != nil {
		log.Fatal(err)
	}
}

func dial(ctx context.Context, kind, addr string) (relay.Transport, error) {
	switch kind {
	case "ws", "websocket":
		if addr == "" {
			addr = "ws://localhost:8080/ws"
		}
		return transport.DialWebSocket(ctx, addr, nil)
	case "grpc":
		if addr == "" {
			addr = "localhost:50051"
		}
		return transport.DialGRPC(ctx, addr)
	default:
		return nil, fmt.Errorf("unknown transport %q", kind)
	}
}

func run(ctx context.Context, kind, addr, agentID, alertSeverity string) error {
	t, err := dial(ctx, kind, addr)
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	defer t.Close("fake agent exiting")

	a := &agent{id: agentID, t: t}
	interval, err := a.identify(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "connected as %s over %s (heartbeat every %s)\n", agentID, t.Kind(), interval)

	if alertSeverity != "" {
		if err := a.send(ctx, fakeAlert(alertSeverity, time.Now())); err != nil {
			return fmt.Errorf("sending alert: %w", err)
		}
	}

	go a.heartbeat(ctx, interval)

	for {
		data, err := t.Read(ctx)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil // graceful shutdown
			}
			return fmt.Errorf("recv error: %w", err)
		}

		env, err := protocol.Parse(data)
		if err != nil {
			log.Printf("dropping malformed frame: %v", err)
			continue
		}
		if env.Type == protocol.TypeHeartbeatAck {
			continue
		}
		log.Printf("received %s", env.Type)

		for _, reply := range respond(env, time.Now()) {
			if err := a.send(ctx, reply); err != nil {
				log.Printf("send %s error: %v", reply.Type, err)
			}
		}
	}
}
