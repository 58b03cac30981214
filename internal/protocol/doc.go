// Package protocol defines the relay wire format.
//
// Every frame is a flat JSON object with a "type" discriminator:
//
//	{"type": "request_screenshot", "agentId": "A1"}
//
// Parse turns a frame into an Envelope. Decode checks the Envelope against the
// catalog and returns exactly one variant: AgentConnect, AdminConnect,
// Heartbeat, Command or Telemetry. Anything else is rejected with
// ErrUnknownType, and missing or mistyped fields with ErrMissingField or
// ErrMalformed, so a bad frame is never half applied.
//
// The command table maps observer request types to the type an agent receives
// (request_screenshot becomes take_screenshot, restart_agent becomes restart)
// and names the acknowledgement the observer gets back. The telemetry table
// maps agent report types to the type observers receive (status_response
// becomes agent_status).
package protocol
