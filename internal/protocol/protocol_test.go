// ABOUTME: Tests for envelope parsing and catalog decoding
// ABOUTME: Covers malformed frames, required fields, re-shaping and builders

package protocol

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr error
		want    string
	}{
		{"valid", `{"type":"heartbeat","cpu":12}`, nil, "heartbeat"},
		{"invalid json", `{"type":`, ErrMalformed, ""},
		{"array", `[1,2]`, ErrMalformed, ""},
		{"null", `null`, ErrMalformed, ""},
		{"no type", `{"agentId":"a"}`, ErrMalformed, ""},
		{"numeric type", `{"type":5}`, ErrMalformed, ""},
		{"empty type", `{"type":""}`, ErrMalformed, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env, err := Parse([]byte(tt.input))
			if tt.wantErr != nil {
				require.Error(t, err)
				assert.True(t, errors.Is(err, tt.wantErr), "got %v", err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, env.Type)
			_, hasType := env.Fields["type"]
			assert.False(t, hasType, "type must not be kept in Fields")
		})
	}
}

func TestEnvelope_MarshalRoundTripKeepsExtraFields(t *testing.T) {
	env, err := Parse([]byte(`{"type":"usb_event","event":{"device":"kingston"},"n":3}`))
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, json.Unmarshal(env.Bytes(), &got))
	assert.Equal(t, "usb_event", got["type"])
	assert.Equal(t, float64(3), got["n"])
	assert.Equal(t, map[string]any{"device": "kingston"}, got["event"])
}

func TestEnvelope_SetRejectsType(t *testing.T) {
	env := New("x")
	assert.Error(t, env.Set("type", "y"))
	assert.Error(t, env.Set("bad", make(chan int)))
	assert.NoError(t, env.Set("ok", 1))
}

func TestDecode_Identity(t *testing.T) {
	env, _ := Parse([]byte(`{"type":"agent_connect","agentId":"A1"}`))
	msg, err := Decode(env)
	require.NoError(t, err)
	ac, ok := msg.(AgentConnect)
	require.True(t, ok)
	assert.Equal(t, "A1", ac.AgentID)

	env, _ = Parse([]byte(`{"type":"agent_connect"}`))
	_, err = Decode(env)
	assert.ErrorIs(t, err, ErrMissingField)

	env, _ = Parse([]byte(`{"type":"agent_connect","agentId":""}`))
	_, err = Decode(env)
	assert.ErrorIs(t, err, ErrMissingField)

	env, _ = Parse([]byte(`{"type":"admin_connect"}`))
	msg, err = Decode(env)
	require.NoError(t, err)
	assert.Equal(t, AdminConnect{}, msg)

	env, _ = Parse([]byte(`{"type":"admin_connect","token":"abc"}`))
	msg, err = Decode(env)
	require.NoError(t, err)
	assert.Equal(t, AdminConnect{Token: "abc"}, msg)

	env, _ = Parse([]byte(`{"type":"admin_connect","token":42}`))
	_, err = Decode(env)
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestDecode_UnknownType(t *testing.T) {
	env, _ := Parse([]byte(`{"type":"self_destruct","agentId":"A1"}`))
	_, err := Decode(env)
	assert.ErrorIs(t, err, ErrUnknownType)
}

func TestDecode_Commands(t *testing.T) {
	tests := []struct {
		input   string
		wantErr error
		agent   string
	}{
		{`{"type":"request_screenshot","agentId":"A1"}`, nil, "A1"},
		{`{"type":"request_screenshot"}`, ErrMissingField, ""},
		{`{"type":"lock_screen","agentId":7}`, ErrMalformed, ""},
		{`{"type":"request_data_sync","agentId":"A1"}`, ErrMissingField, ""},
		{`{"type":"request_data_sync","agentId":"A1","data_type":"browser_history"}`, nil, "A1"},
		{`{"type":"update_usb_policy","policy":{"block":true}}`, nil, ""},
		{`{"type":"update_usb_policy","agentId":"A2","policy":{"block":true}}`, nil, "A2"},
		{`{"type":"update_usb_policy","agentId":"A2"}`, ErrMissingField, ""},
		{`{"type":"update_usb_policy","policy":null}`, ErrMissingField, ""},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			env, err := Parse([]byte(tt.input))
			require.NoError(t, err)
			msg, err := Decode(env)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			cmd, ok := msg.(Command)
			require.True(t, ok)
			assert.Equal(t, tt.agent, cmd.AgentID)
		})
	}
}

func TestDecode_Telemetry(t *testing.T) {
	ok := []string{
		`{"type":"screenshot_ready","screenshotId":"s1"}`,
		`{"type":"screen_frame","image":"base64"}`,
		`{"type":"screen_frame","frame":"base64","timestamp":1}`,
		`{"type":"command_response"}`,
		`{"type":"alert","alert":{"severity":"high"}}`,
	}
	for _, in := range ok {
		env, _ := Parse([]byte(in))
		msg, err := Decode(env)
		require.NoError(t, err, in)
		_, isTelemetry := msg.(Telemetry)
		assert.True(t, isTelemetry, in)
	}

	bad := []string{
		`{"type":"screen_frame","timestamp":1}`,
		`{"type":"usb_event"}`,
		`{"type":"status_response","status":null}`,
	}
	for _, in := range bad {
		env, _ := Parse([]byte(in))
		_, err := Decode(env)
		assert.ErrorIs(t, err, ErrMissingField, in)
	}
}

func TestCatalogCoverage(t *testing.T) {
	assert.Len(t, CommandTypes(), 14)
	assert.Len(t, TelemetryTypes(), 8)

	spec, ok := LookupTelemetry("status_response")
	require.True(t, ok)
	assert.Equal(t, "agent_status", spec.Broadcast)

	for _, typ := range []string{"start_screen_stream", "stop_screen_stream", "get_agent_status", "update_usb_policy"} {
		c, ok := LookupCommand(typ)
		require.True(t, ok, typ)
		assert.Empty(t, c.Ack, "%s is not acknowledged", typ)
	}
}

func TestForwardedCommand(t *testing.T) {
	env, _ := Parse([]byte(`{"type":"show_message","agentId":"A1","text":"hello","duration":5}`))
	msg, err := Decode(env)
	require.NoError(t, err)
	cmd := msg.(Command)

	out := ForwardedCommand(cmd, "ops-console")
	assert.Equal(t, "show_message", out.Type)
	assert.False(t, out.Has(FieldAgentID))
	text, _ := out.String("text")
	assert.Equal(t, "hello", text)
	by, _ := out.String(FieldRequestedBy)
	assert.Equal(t, "ops-console", by)

	// original envelope is untouched
	assert.True(t, env.Has(FieldAgentID))

	ack, ok := Acknowledgement(cmd, "A1")
	require.True(t, ok)
	assert.Equal(t, AckCommandSent, ack.Type)
	c, _ := ack.String("command")
	assert.Equal(t, "show_message", c)
}

func TestForwardedCommand_Renames(t *testing.T) {
	env, _ := Parse([]byte(`{"type":"request_screenshot","agentId":"A1"}`))
	msg, _ := Decode(env)
	cmd := msg.(Command)

	out := ForwardedCommand(cmd, "")
	assert.Equal(t, "take_screenshot", out.Type)
	assert.False(t, out.Has(FieldRequestedBy))

	ack, ok := Acknowledgement(cmd, "A1")
	require.True(t, ok)
	assert.Equal(t, AckScreenshotRequested, ack.Type)
	id, _ := ack.String(FieldAgentID)
	assert.Equal(t, "A1", id)

	env, _ = Parse([]byte(`{"type":"get_agent_status","agentId":"A1"}`))
	msg, _ = Decode(env)
	_, ok = Acknowledgement(msg.(Command), "A1")
	assert.False(t, ok)
}

func TestBroadcastTelemetry_ForcesSender(t *testing.T) {
	env, _ := Parse([]byte(`{"type":"status_response","agentId":"spoofed","status":{"cpu":3}}`))
	msg, err := Decode(env)
	require.NoError(t, err)

	out := BroadcastTelemetry(msg.(Telemetry), "A1")
	assert.Equal(t, "agent_status", out.Type)
	id, _ := out.String(FieldAgentID)
	assert.Equal(t, "A1", id)
	assert.True(t, out.Has("status"))
}

func TestTelemetryAlert(t *testing.T) {
	env, _ := Parse([]byte(`{"type":"alert","alert":{"id":"x1","severity":"critical","message":"disk full"}}`))
	msg, err := Decode(env)
	require.NoError(t, err)

	a, err := msg.(Telemetry).Alert()
	require.NoError(t, err)
	assert.Equal(t, "x1", a.ID)
	assert.Equal(t, "critical", a.Severity)
	assert.Equal(t, "disk full", a.Message)

	env, _ = Parse([]byte(`{"type":"alert","alert":"oops"}`))
	msg, err = Decode(env)
	require.NoError(t, err)
	_, err = msg.(Telemetry).Alert()
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestBuilders(t *testing.T) {
	c := Connected("A1", 30*time.Second)
	var got map[string]any
	require.NoError(t, json.Unmarshal(c.Bytes(), &got))
	assert.Equal(t, map[string]any{"type": "connected", "agentId": "A1", "heartbeatInterval": float64(30)}, got)

	require.NoError(t, json.Unmarshal(OnlineAgents(nil).Bytes(), &got))
	assert.Equal(t, []any{}, got["agentIds"])

	e := Error("agent_unreachable", "agent A9 is not connected")
	code, _ := e.String("code")
	assert.Equal(t, "agent_unreachable", code)
}
