// ABOUTME: Message catalog: inbound variants, command and telemetry tables, outbound builders
// ABOUTME: Decode turns an Envelope into exactly one typed variant or rejects it

package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// Identity and liveness message types.
const (
	TypeAgentConnect      = "agent_connect"
	TypeAdminConnect      = "admin_connect"
	TypeHeartbeat         = "heartbeat"
	TypeConnected         = "connected"
	TypeHeartbeatAck      = "heartbeat_ack"
	TypeAgentConnected    = "agent_connected"
	TypeAgentDisconnected = "agent_disconnected"
	TypeAgentsList        = "agents_list"
	TypeOnlineAgents      = "online_agents"
	TypeError             = "error"
	TypeAlert             = "alert"
)

// Common field names.
const (
	FieldAgentID     = "agentId"
	FieldToken       = "token"
	FieldRequestedBy = "requestedBy"
)

// Message is one decoded inbound variant.
type Message interface {
	MessageType() string
}

// AgentConnect identifies the sender as an agent.
type AgentConnect struct {
	AgentID string
	Env     *Envelope
}

// AdminConnect identifies the sender as an observer.
type AdminConnect struct {
	Token string
}

// Heartbeat is an agent keepalive.
type Heartbeat struct{}

// Command is an observer request targeted at one agent (or every agent when
// AgentID is empty and its CommandSpec allows broadcast).
type Command struct {
	Spec    CommandSpec
	AgentID string
	Env     *Envelope
}

// Telemetry is an agent report destined for every observer.
type Telemetry struct {
	Spec TelemetrySpec
	Env  *Envelope
}

func (AgentConnect) MessageType() string { return TypeAgentConnect }
func (AdminConnect) MessageType() string { return TypeAdminConnect }
func (Heartbeat) MessageType() string    { return TypeHeartbeat }
func (c Command) MessageType() string    { return c.Spec.Type }
func (t Telemetry) MessageType() string  { return t.Spec.Type }

// CommandSpec describes how an observer command is re-shaped for the agent.
type CommandSpec struct {
	Type string
	// Forward is the type the agent receives.
	Forward string
	// Ack is the reply type sent to the requesting observer; empty means none.
	Ack string
	// Required lists string fields besides agentId.
	Required []string
	// Present lists fields of any JSON kind that must be non-null.
	Present []string
	// Broadcast allows an empty agentId to mean every registered agent.
	Broadcast bool
}

// TelemetrySpec describes how an agent report is fanned out.
type TelemetrySpec struct {
	Type string
	// Broadcast is the type observers receive.
	Broadcast string
	// AnyOf lists fields of which at least one must be present.
	AnyOf []string
}

// Reply types for acknowledged commands.
const (
	AckCommandSent         = "command_sent"
	AckScreenshotRequested = "screenshot_requested"
	AckDataSyncRequested   = "data_sync_requested"
)

var commands = map[string]CommandSpec{}

var telemetry = map[string]TelemetrySpec{}

func init() {
	for _, c := range []CommandSpec{
		{Type: "request_screenshot", Forward: "take_screenshot", Ack: AckScreenshotRequested},
		{Type: "update_usb_policy", Forward: "usb_policy_update", Present: []string{"policy"}, Broadcast: true},
		{Type: "get_agent_status", Forward: "status_request"},
		{Type: "start_screen_stream", Forward: "start_stream"},
		{Type: "stop_screen_stream", Forward: "stop_stream"},
		{Type: "block_app", Forward: "block_app", Ack: AckCommandSent},
		{Type: "block_website", Forward: "block_website", Ack: AckCommandSent},
		{Type: "request_data_sync", Forward: "data_sync_request", Ack: AckDataSyncRequested, Required: []string{"data_type"}},
		{Type: "restart_agent", Forward: "restart", Ack: AckCommandSent},
		{Type: "lock_screen", Forward: "lock_screen", Ack: AckCommandSent},
		{Type: "show_message", Forward: "show_message", Ack: AckCommandSent},
		{Type: "get_system_info", Forward: "get_system_info", Ack: AckCommandSent},
		{Type: "screenshot_now", Forward: "take_screenshot", Ack: AckCommandSent},
		{Type: "toggle_stealth", Forward: "toggle_stealth", Ack: AckCommandSent},
	} {
		commands[c.Type] = c
	}

	for _, t := range []TelemetrySpec{
		{Type: "screenshot_ready", Broadcast: "screenshot_ready", AnyOf: []string{"screenshotId"}},
		{Type: "usb_event", Broadcast: "usb_event", AnyOf: []string{"event"}},
		{Type: TypeAlert, Broadcast: TypeAlert, AnyOf: []string{"alert"}},
		{Type: "screen_frame", Broadcast: "screen_frame", AnyOf: []string{"frame", "image"}},
		{Type: "status_response", Broadcast: "agent_status", AnyOf: []string{"status"}},
		{Type: "data_sync_complete", Broadcast: "data_sync_complete", AnyOf: []string{"data_type"}},
		{Type: "command_response", Broadcast: "command_response"},
		{Type: "system_info_response", Broadcast: "system_info_response"},
	} {
		telemetry[t.Type] = t
	}
}

// LookupCommand returns the CommandSpec for an observer command type.
func LookupCommand(typ string) (CommandSpec, bool) {
	c, ok := commands[typ]
	return c, ok
}

// LookupTelemetry returns the TelemetrySpec for an agent telemetry type.
func LookupTelemetry(typ string) (TelemetrySpec, bool) {
	t, ok := telemetry[typ]
	return t, ok
}

// CommandTypes lists every observer command type.
func CommandTypes() []string {
	out := make([]string, 0, len(commands))
	for k := range commands {
		out = append(out, k)
	}
	return out
}

// TelemetryTypes lists every agent telemetry type.
func TelemetryTypes() []string {
	out := make([]string, 0, len(telemetry))
	for k := range telemetry {
		out = append(out, k)
	}
	return out
}

// Decode validates an envelope against the catalog and returns its variant.
// Unknown types yield ErrUnknownType; missing or mistyped fields yield
// ErrMissingField or ErrMalformed. Nothing is partially applied.
func Decode(env *Envelope) (Message, error) {
	switch env.Type {
	case TypeAgentConnect:
		if err := env.RequireString(FieldAgentID); err != nil {
			return nil, err
		}
		id, _ := env.String(FieldAgentID)
		return AgentConnect{AgentID: id, Env: env}, nil

	case TypeAdminConnect:
		var msg AdminConnect
		if env.Has(FieldToken) {
			tok, ok := env.String(FieldToken)
			if !ok {
				return nil, fmt.Errorf("%w: token must be a string", ErrMalformed)
			}
			msg.Token = tok
		}
		return msg, nil

	case TypeHeartbeat:
		return Heartbeat{}, nil
	}

	if spec, ok := commands[env.Type]; ok {
		return decodeCommand(spec, env)
	}
	if spec, ok := telemetry[env.Type]; ok {
		return decodeTelemetry(spec, env)
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownType, env.Type)
}

func decodeCommand(spec CommandSpec, env *Envelope) (Message, error) {
	var agentID string
	if env.Has(FieldAgentID) {
		id, ok := env.String(FieldAgentID)
		if !ok {
			return nil, fmt.Errorf("%w: agentId must be a string", ErrMalformed)
		}
		agentID = id
	}
	if agentID == "" && !spec.Broadcast {
		return nil, fmt.Errorf("%w: %s", ErrMissingField, FieldAgentID)
	}
	if err := env.RequireString(spec.Required...); err != nil {
		return nil, err
	}
	if err := env.RequirePresent(spec.Present...); err != nil {
		return nil, err
	}
	return Command{Spec: spec, AgentID: agentID, Env: env}, nil
}

func decodeTelemetry(spec TelemetrySpec, env *Envelope) (Message, error) {
	if len(spec.AnyOf) > 0 {
		found := false
		for _, k := range spec.AnyOf {
			if env.Has(k) {
				found = true
				break
			}
		}
		if !found {
			return nil, fmt.Errorf("%w: one of %v", ErrMissingField, spec.AnyOf)
		}
	}
	return Telemetry{Spec: spec, Env: env}, nil
}

// AlertInfo is the alert object an agent attaches to an alert envelope.
type AlertInfo struct {
	ID        string          `json:"id,omitempty"`
	Type      string          `json:"type,omitempty"`
	Severity  string          `json:"severity"`
	Title     string          `json:"title,omitempty"`
	Message   string          `json:"message,omitempty"`
	Timestamp string          `json:"timestamp,omitempty"`
	Details   json.RawMessage `json:"details,omitempty"`
}

// Alert decodes the alert object from an alert telemetry envelope.
func (t Telemetry) Alert() (AlertInfo, error) {
	var a AlertInfo
	if err := t.Env.Decode("alert", &a); err != nil {
		return AlertInfo{}, err
	}
	return a, nil
}

// ForwardedCommand builds the envelope an agent receives for an observer
// command: extra fields copied, type replaced, agentId removed.
func ForwardedCommand(cmd Command, requestedBy string) *Envelope {
	out := cmd.Env.Clone(cmd.Spec.Forward).Without(FieldAgentID)
	if requestedBy != "" {
		out.With(FieldRequestedBy, requestedBy)
	}
	return out
}

// Acknowledgement builds the reply to the requesting observer. ok is false
// for commands that are not acknowledged.
func Acknowledgement(cmd Command, agentID string) (*Envelope, bool) {
	if cmd.Spec.Ack == "" {
		return nil, false
	}
	ack := New(cmd.Spec.Ack).With(FieldAgentID, agentID)
	switch cmd.Spec.Ack {
	case AckCommandSent:
		ack.With("command", cmd.Spec.Forward)
	case AckDataSyncRequested:
		if dt, ok := cmd.Env.String("data_type"); ok {
			ack.With("data_type", dt)
		}
	}
	return ack, true
}

// BroadcastTelemetry builds the observer copy of an agent report with the
// sender's agentId forced.
func BroadcastTelemetry(t Telemetry, agentID string) *Envelope {
	return t.Env.Clone(t.Spec.Broadcast).With(FieldAgentID, agentID)
}

// Connected acknowledges agent identification.
func Connected(agentID string, heartbeatInterval time.Duration) *Envelope {
	return New(TypeConnected).
		With(FieldAgentID, agentID).
		With("heartbeatInterval", int(heartbeatInterval/time.Second))
}

// HeartbeatAck answers a heartbeat.
func HeartbeatAck(at time.Time) *Envelope {
	return New(TypeHeartbeatAck).With("timestamp", at.UTC().Format(time.RFC3339))
}

// AgentConnected announces a newly reachable agent to observers.
func AgentConnected(agentID string) *Envelope {
	return New(TypeAgentConnected).With(FieldAgentID, agentID)
}

// AgentDisconnected announces a closed agent connection to observers.
func AgentDisconnected(agentID string) *Envelope {
	return New(TypeAgentDisconnected).With(FieldAgentID, agentID)
}

// AgentsList carries the stored device list.
func AgentsList(agents any) *Envelope {
	return New(TypeAgentsList).With("agents", agents)
}

// OnlineAgents carries the ids currently reachable through the relay.
func OnlineAgents(ids []string) *Envelope {
	if ids == nil {
		ids = []string{}
	}
	return New(TypeOnlineAgents).With("agentIds", ids)
}

// Error builds an error reply.
func Error(code, message string) *Envelope {
	return New(TypeError).With("code", code).With("message", message)
}
