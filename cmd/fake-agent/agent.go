// ABOUTME: Fake agent behavior: identification handshake, heartbeat loop and canned command replies
// ABOUTME: respond maps each forwarded command to the telemetry a real agent would send back

package main

import (
	"context"
	"encoding/base64"
	"fmt"
	"log"
	"runtime"
	"time"

	"github.com/google/uuid"

	"github.com/2389/lookout/internal/protocol"
	"github.com/2389/lookout/internal/relay"
)

// 1x1 transparent PNG.
var placeholderFrame = base64.StdEncoding.EncodeToString([]byte{
	0x89, 0x50, 0x4e, 0x47, 0x0d, 0x0a, 0x1a, 0x0a, 0x00, 0x00, 0x00, 0x0d,
	0x49, 0x48, 0x44, 0x52, 0x00, 0x00, 0x00, 0x01, 0x00, 0x00, 0x00, 0x01,
	0x08, 0x06, 0x00, 0x00, 0x00, 0x1f, 0x15, 0xc4, 0x89,
})

type agent struct {
	id string
	t  relay.Transport
}

func (a *agent) send(ctx context.Context, env *protocol.Envelope) error {
	return a.t.Write(ctx, env.Bytes())
}

// identify sends agent_connect and returns the heartbeat interval the relay
// asked for.
func (a *agent) identify(ctx context.Context) (time.Duration, error) {
	hello := protocol.New(protocol.TypeAgentConnect).
		With(protocol.FieldAgentID, a.id).
		With("hostname", "fake-"+a.id).
		With("os", runtime.GOOS)
	if err := a.send(ctx, hello); err != nil {
		return 0, fmt.Errorf("failed to identify: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	for {
		data, err := a.t.Read(ctx)
		if err != nil {
			return 0, fmt.Errorf("waiting for connected: %w", err)
		}
		env, err := protocol.Parse(data)
		if err != nil || env.Type != protocol.TypeConnected {
			continue
		}
		var secs int
		if err := env.Decode("heartbeatInterval", &secs); err != nil || secs <= 0 {
			secs = 30
		}
		return time.Duration(secs) * time.Second, nil
	}
}

func (a *agent) heartbeat(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := a.send(ctx, protocol.New(protocol.TypeHeartbeat)); err != nil {
				log.Printf("heartbeat error: %v", err)
				return
			}
		}
	}
}

// respond returns the replies for one forwarded command. Unknown types get
// nothing.
func respond(env *protocol.Envelope, now time.Time) []*protocol.Envelope {
	requestedBy, _ := env.String(protocol.FieldRequestedBy)
	ts := now.UTC().Format(time.RFC3339)

	switch env.Type {
	case "take_screenshot":
		return []*protocol.Envelope{
			protocol.New("screenshot_ready").
				With("screenshotId", uuid.NewString()).
				With("image", placeholderFrame).
				With("timestamp", ts).
				With(protocol.FieldRequestedBy, requestedBy),
		}

	case "status_request":
		return []*protocol.Envelope{
			protocol.New("status_response").With("status", map[string]any{
				"state":     "active",
				"locked":    false,
				"stealth":   false,
				"goVersion": runtime.Version(),
				"timestamp": ts,
			}),
		}

	case "get_system_info":
		return []*protocol.Envelope{
			protocol.New("system_info_response").With("info", map[string]any{
				"os":       runtime.GOOS,
				"arch":     runtime.GOARCH,
				"cpus":     runtime.NumCPU(),
				"hostname": "fake-agent",
			}),
		}

	case "data_sync_request":
		dataType, _ := env.String("data_type")
		return []*protocol.Envelope{
			protocol.New("data_sync_complete").
				With("data_type", dataType).
				With("records", 0).
				With("timestamp", ts),
		}

	case "start_stream":
		return []*protocol.Envelope{
			protocol.New("screen_frame").With("frame", placeholderFrame).With("timestamp", ts),
		}

	case "stop_stream", "lock_screen", "show_message", "restart", "block_app",
		"block_website", "toggle_stealth", "usb_policy_update":
		return []*protocol.Envelope{
			protocol.New("command_response").
				With("command", env.Type).
				With("success", true).
				With(protocol.FieldRequestedBy, requestedBy),
		}
	}
	return nil
}

func fakeAlert(severity string, now time.Time) *protocol.Envelope {
	return protocol.New(protocol.TypeAlert).With("alert", protocol.AlertInfo{
		ID:        uuid.NewString(),
		Type:      "usb_blocked",
		Severity:  severity,
		Title:     "Blocked USB device",
		Message:   "A mass storage device was inserted and blocked",
		Timestamp: now.UTC().Format(time.RFC3339),
	})
}
