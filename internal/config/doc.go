// Package config handles configuration loading for lookout-relay.
//
// # Overview
//
// Configuration is loaded from YAML (or TOML, by file extension) with
// environment variable expansion, defaults and validation.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from LOOKOUT_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/lookout/relay.yaml
//  3. ~/.config/lookout/relay.yaml
//
// # Environment Variable Expansion
//
//	auth:
//	  jwt_secret: "${LOOKOUT_JWT_SECRET}"
//
// Unset variables expand to the empty string.
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax and must be positive:
//
//	agents:
//	  heartbeat_interval: "30s"
//	  heartbeat_timeout: "90s"
//	presence:
//	  sweep_interval: "60s"
//	  outage_threshold: "5m"
//	  retention: "24h"
//
// # Configuration Sections
//
//	server:
//	  grpc_addr: "0.0.0.0:50051"  # agent gRPC streams
//	  http_addr: "0.0.0.0:8080"   # websocket relay, health, API
//	  ws_path: "/ws"
//	database:
//	  driver: "sqlite"            # sqlite (pure Go) or sqlite3 (cgo)
//	  path: "/var/lib/lookout/relay.db"
//	auth:
//	  jwt_secret: "${LOOKOUT_JWT_SECRET}"
//	  require_observer_token: false
//	relay:
//	  send_queue_size: 256
//	  observer_rate_limit: 20      # commands per second
//	  observer_burst: 40
//	alerts:
//	  enabled: true
//	  severities: ["high", "critical"]
//	  webhook:
//	    url: "https://hooks.example.com/lookout"
//	  matrix:
//	    homeserver: "https://matrix.org"
//	    user_id: "@lookout:matrix.org"
//	    access_token: "${MATRIX_TOKEN}"
//	    room_id: "!ops:matrix.org"
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
//	metrics:
//	  enabled: true
//	  path: "/metrics"
package config
