// Package relay accepts agent and observer connections and routes messages
// between them.
//
// # Connections
//
// Every accepted transport becomes a Conn that starts Unidentified. The first
// agent_connect promotes it to Agent, the first successful admin_connect to
// Observer. The role never changes again.
//
// Each Conn has one reader goroutine (Router.Serve) and one writer goroutine
// draining a bounded queue. Send never blocks: when an observer stops reading
// its queue fills and further messages for it are dropped, so one slow
// console cannot stall the fan-out to the others.
//
// # Routing
//
// Router keeps a dispatch table keyed by (role, type):
//
//	Unidentified  agent_connect      register agent, reply connected
//	Unidentified  admin_connect      verify token, register observer, send lists
//	Agent         heartbeat          presence contact, reply heartbeat_ack
//	Agent         telemetry types    fan out to observers (alerts may page)
//	Observer      command types      forward to the target agent, ack or error
//
// Anything else is logged and ignored. Store writes go through a StatusWriter
// that never blocks the handler.
//
// # Errors
//
// auth_invalid, agent_unreachable and rate_limited are answered with an error
// envelope. Malformed and unknown messages are logged only. No handling error
// closes a connection.
package relay
