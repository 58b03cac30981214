// Package gateway orchestrates the lookout-relay server components.
//
// # Overview
//
// The gateway owns every long-lived component and wires them into one
// graph:
//
//	SQLiteStore <- AsyncWriter <- relay.Router -> relay.Registry
//	                    ^              |                ^
//	                    |              v                |
//	                    +------ presence.Tracker -------+ (IsOnline)
//	                                   |
//	                                   v
//	                             notify.Notifier
//
// The Router is served on two listeners: WebSocket frames at
// server.ws_path on the HTTP listener, and the lookout.relay.v1.Relay/Connect
// gRPC stream on the gRPC listener. Both listeners move to the tailnet when
// tailscale.enabled is set.
//
// # HTTP Endpoints
//
//   - GET /health - Liveness, always "OK"
//   - GET /health/ready - Database ping plus live connection counts
//   - GET /api/agents - Stored agents, live ids and presence records
//   - GET /api/alerts - Persisted urgent alerts (agent_id, limit)
//   - GET <metrics.path> - Prometheus metrics when enabled
//   - <server.ws_path> - WebSocket upgrade for agents and observers
//
// The /api routes require a bearer token when auth.jwt_secret is set.
//
// # Lifecycle
//
//	gw, err := gateway.New(cfg, logger)
//	err = gw.Run(ctx) // blocks until ctx is canceled
//
// Shutdown closes relay connections first so their offline writes are
// queued, then stops both servers and the sweep, drains the store writer and
// closes the database.
package gateway
