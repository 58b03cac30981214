// ABOUTME: Observer session over the relay WebSocket plus command building and envelope formatting
// ABOUTME: Await skips unrelated traffic so one-shot commands can run alongside live broadcasts

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/fatih/color"

	"github.com/2389/lookout/internal/protocol"
	"github.com/2389/lookout/internal/relay"
	"github.com/2389/lookout/internal/transport"
)

type device = relay.Device

type session struct {
	t relay.Transport
}

// connect dials the relay and identifies as an observer.
func connect(ctx context.Context, url, token string) (*session, error) {
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	ws, err := transport.DialWebSocket(dialCtx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", url, err)
	}
	return newSession(ctx, ws, token)
}

func newSession(ctx context.Context, t relay.Transport, token string) (*session, error) {
	s := &session{t: t}
	hello := protocol.New(protocol.TypeAdminConnect)
	if token != "" {
		hello.With(protocol.FieldToken, token)
	}
	if err := s.Send(ctx, hello); err != nil {
		_ = t.Close("identify failed")
		return nil, fmt.Errorf("identifying as observer: %w", err)
	}
	return s, nil
}

func (s *session) Send(ctx context.Context, env *protocol.Envelope) error {
	return s.t.Write(ctx, env.Bytes())
}

// Next returns the next envelope, skipping frames that do not parse.
func (s *session) Next(ctx context.Context) (*protocol.Envelope, error) {
	for {
		data, err := s.t.Read(ctx)
		if err != nil {
			return nil, err
		}
		env, err := protocol.Parse(data)
		if err != nil {
			continue
		}
		return env, nil
	}
}

// Await returns the first envelope whose type is in types. An error
// envelope ends the wait unless the caller asked for it.
func (s *session) Await(ctx context.Context, types ...string) (*protocol.Envelope, error) {
	for {
		env, err := s.Next(ctx)
		if err != nil {
			return nil, fmt.Errorf("waiting for %s: %w", strings.Join(types, "/"), err)
		}
		if slices.Contains(types, env.Type) {
			return env, nil
		}
		if env.Type == protocol.TypeError {
			code, _ := env.String("code")
			msg, _ := env.String("message")
			return nil, fmt.Errorf("relay error %s: %s", code, msg)
		}
	}
}

func (s *session) Close() error {
	return s.t.Close("observer done")
}

// buildCommand validates a command against the catalog. Values that parse as
// JSON are sent as JSON so policy objects and numbers survive.
func buildCommand(typ, agentID string, kvs []string) (*protocol.Envelope, error) {
	spec, ok := protocol.LookupCommand(typ)
	if !ok {
		return nil, fmt.Errorf("unknown command %q (see lookout-admin commands)", typ)
	}

	env := protocol.New(typ)
	if agentID != "" {
		env.With(protocol.FieldAgentID, agentID)
	}
	for _, kv := range kvs {
		key, value, found := strings.Cut(kv, "=")
		if !found || key == "" {
			return nil, fmt.Errorf("expected key=value, got %q", kv)
		}
		if err := env.Set(key, parseValue(value)); err != nil {
			return nil, err
		}
	}

	if _, err := protocol.Decode(env); err != nil {
		return nil, fmt.Errorf("invalid %s: %w", spec.Type, err)
	}
	return env, nil
}

func parseValue(s string) any {
	var v any
	if err := json.Unmarshal([]byte(s), &v); err == nil {
		return v
	}
	return s
}

// formatEnvelope renders one line: time, type, agent, then sorted fields.
func formatEnvelope(env *protocol.Envelope, at time.Time) string {
	var b strings.Builder
	b.WriteString(color.HiBlackString(at.Format("15:04:05") + " "))

	switch {
	case env.Type == protocol.TypeError:
		b.WriteString(color.RedString(env.Type))
	case env.Type == protocol.TypeAlert:
		b.WriteString(color.New(color.FgYellow, color.Bold).Sprint(env.Type))
	case env.Type == protocol.TypeAgentConnected:
		b.WriteString(color.GreenString(env.Type))
	case env.Type == protocol.TypeAgentDisconnected:
		b.WriteString(color.RedString(env.Type))
	default:
		b.WriteString(color.CyanString(env.Type))
	}

	if id, ok := env.String(protocol.FieldAgentID); ok {
		b.WriteString(" " + id)
	}

	keys := make([]string, 0, len(env.Fields))
	for k := range env.Fields {
		if k != protocol.FieldAgentID {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		v := string(env.Fields[k])
		if len(v) > 80 {
			v = v[:77] + "..."
		}
		b.WriteString(color.HiBlackString(" " + k + "="))
		b.WriteString(v)
	}
	return b.String()
}
