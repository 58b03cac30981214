// ABOUTME: Configuration loading and parsing for lookout-relay
// ABOUTME: Supports YAML or TOML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Config represents the complete lookout-relay configuration
type Config struct {
	Server    ServerConfig    `yaml:"server" toml:"server"`
	Tailscale TailscaleConfig `yaml:"tailscale" toml:"tailscale"`
	Database  DatabaseConfig  `yaml:"database" toml:"database"`
	Auth      AuthConfig      `yaml:"auth" toml:"auth"`
	Relay     RelayConfig     `yaml:"relay" toml:"relay"`
	Agents    AgentsConfig    `yaml:"agents" toml:"agents"`
	Presence  PresenceConfig  `yaml:"presence" toml:"presence"`
	Alerts    AlertsConfig    `yaml:"alerts" toml:"alerts"`
	Logging   LoggingConfig   `yaml:"logging" toml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics" toml:"metrics"`
}

// ServerConfig holds listener addresses
type ServerConfig struct {
	GRPCAddr string `yaml:"grpc_addr" toml:"grpc_addr"`
	HTTPAddr string `yaml:"http_addr" toml:"http_addr"`
	WSPath   string `yaml:"ws_path" toml:"ws_path"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled" toml:"enabled"`
	Hostname  string `yaml:"hostname" toml:"hostname"`
	AuthKey   string `yaml:"auth_key" toml:"auth_key"`
	StateDir  string `yaml:"state_dir" toml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral" toml:"ephemeral"`
	// HTTPS serves the HTTP listener on :443 with Tailscale-issued certificates.
	HTTPS bool `yaml:"https" toml:"https"`
	// Funnel exposes the HTTP listener to the public internet (implies HTTPS).
	Funnel bool `yaml:"funnel" toml:"funnel"`
}

// DatabaseConfig selects the SQLite driver and file.
type DatabaseConfig struct {
	// Driver is "sqlite" (pure Go, default) or "sqlite3" (cgo).
	Driver string `yaml:"driver" toml:"driver"`
	Path   string `yaml:"path" toml:"path"`
}

// AuthConfig holds observer authentication configuration
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret" toml:"jwt_secret"`
	// RequireObserverToken rejects admin_connect messages that carry no token.
	RequireObserverToken bool `yaml:"require_observer_token" toml:"require_observer_token"`
	// CommandRole, when set, is the token role observers need to send commands.
	CommandRole string `yaml:"command_role" toml:"command_role"`
}

// RelayConfig tunes per-connection delivery and observer limits.
type RelayConfig struct {
	SendQueueSize      int           `yaml:"send_queue_size" toml:"send_queue_size"`
	ObserverRateLimit  float64       `yaml:"observer_rate_limit" toml:"observer_rate_limit"`
	ObserverBurst      int           `yaml:"observer_burst" toml:"observer_burst"`
	WriteTimeout       time.Duration `yaml:"-" toml:"-"`
	StoreTimeout       time.Duration `yaml:"-" toml:"-"`
	MaxMessageBytes    int64         `yaml:"max_message_bytes" toml:"max_message_bytes"`
	WriteTimeoutRaw    string        `yaml:"write_timeout" toml:"write_timeout"`
	StoreTimeoutRaw    string        `yaml:"store_timeout" toml:"store_timeout"`
	StoreQueueSize     int           `yaml:"store_queue_size" toml:"store_queue_size"`
	AllowedWSOrigins   []string      `yaml:"allowed_ws_origins" toml:"allowed_ws_origins"`
	GRPCMaxRecvMsgSize int           `yaml:"grpc_max_recv_msg_size" toml:"grpc_max_recv_msg_size"`
}

// AgentsConfig holds agent-related timing configuration
type AgentsConfig struct {
	HeartbeatInterval time.Duration `yaml:"-" toml:"-"`
	HeartbeatTimeout  time.Duration `yaml:"-" toml:"-"`

	// Raw string values for YAML unmarshaling
	HeartbeatIntervalRaw string `yaml:"heartbeat_interval" toml:"heartbeat_interval"`
	HeartbeatTimeoutRaw  string `yaml:"heartbeat_timeout" toml:"heartbeat_timeout"`
}

// PresenceConfig controls the outage sweep.
type PresenceConfig struct {
	SweepInterval   time.Duration `yaml:"-" toml:"-"`
	OutageThreshold time.Duration `yaml:"-" toml:"-"`
	Retention       time.Duration `yaml:"-" toml:"-"`

	SweepIntervalRaw   string `yaml:"sweep_interval" toml:"sweep_interval"`
	OutageThresholdRaw string `yaml:"outage_threshold" toml:"outage_threshold"`
	RetentionRaw       string `yaml:"retention" toml:"retention"`
}

// AlertsConfig holds notification configuration
type AlertsConfig struct {
	Enabled bool `yaml:"enabled" toml:"enabled"`
	// Severities lists agent alert severities that page a human.
	Severities []string      `yaml:"severities" toml:"severities"`
	Timeout    time.Duration `yaml:"-" toml:"-"`
	DedupeTTL  time.Duration `yaml:"-" toml:"-"`

	TimeoutRaw   string `yaml:"timeout" toml:"timeout"`
	DedupeTTLRaw string `yaml:"dedupe_ttl" toml:"dedupe_ttl"`

	Webhook WebhookConfig `yaml:"webhook" toml:"webhook"`
	Matrix  MatrixConfig  `yaml:"matrix" toml:"matrix"`
}

// WebhookConfig posts alerts as JSON to an HTTP endpoint
type WebhookConfig struct {
	URL     string            `yaml:"url" toml:"url"`
	Headers map[string]string `yaml:"headers" toml:"headers"`
}

// MatrixConfig holds Matrix room notification configuration
type MatrixConfig struct {
	Homeserver  string `yaml:"homeserver" toml:"homeserver"`
	UserID      string `yaml:"user_id" toml:"user_id"`
	AccessToken string `yaml:"access_token" toml:"access_token"`
	RoomID      string `yaml:"room_id" toml:"room_id"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// MetricsConfig holds metrics endpoint configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" toml:"enabled"`
	Path    string `yaml:"path" toml:"path"`
}

// Default timing values.
const (
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultHeartbeatTimeout  = 90 * time.Second
	DefaultSweepInterval     = 60 * time.Second
	DefaultOutageThreshold   = 5 * time.Minute
	DefaultRetention         = 24 * time.Hour
	DefaultWriteTimeout      = 10 * time.Second
	DefaultStoreTimeout      = 5 * time.Second
	DefaultAlertTimeout      = 10 * time.Second
	DefaultDedupeTTL         = 10 * time.Minute
)

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Files ending in .toml are decoded as TOML, everything else as YAML.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw content
	expanded := expandEnvVars(string(data))

	var cfg Config
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(expanded, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else {
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// DefaultPath resolves the config file location: LOOKOUT_CONFIG, then
// $XDG_CONFIG_HOME/lookout/relay.yaml, then ~/.config/lookout/relay.yaml.
func DefaultPath() string {
	if p := os.Getenv("LOOKOUT_CONFIG"); p != "" {
		return p
	}
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "lookout", "relay.yaml")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "relay.yaml"
	}
	return filepath.Join(home, ".config", "lookout", "relay.yaml")
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

func (c *Config) applyDefaults() {
	if c.Server.WSPath == "" {
		c.Server.WSPath = "/ws"
	}
	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite"
	}
	if c.Relay.SendQueueSize <= 0 {
		c.Relay.SendQueueSize = 256
	}
	if c.Relay.StoreQueueSize <= 0 {
		c.Relay.StoreQueueSize = 1024
	}
	if c.Relay.ObserverRateLimit <= 0 {
		c.Relay.ObserverRateLimit = 20
	}
	if c.Relay.ObserverBurst <= 0 {
		c.Relay.ObserverBurst = 40
	}
	if c.Relay.MaxMessageBytes <= 0 {
		c.Relay.MaxMessageBytes = 16 << 20
	}
	if c.Relay.GRPCMaxRecvMsgSize <= 0 {
		c.Relay.GRPCMaxRecvMsgSize = 16 << 20
	}
	if c.Relay.WriteTimeout == 0 {
		c.Relay.WriteTimeout = DefaultWriteTimeout
	}
	if c.Relay.StoreTimeout == 0 {
		c.Relay.StoreTimeout = DefaultStoreTimeout
	}
	if c.Agents.HeartbeatInterval == 0 {
		c.Agents.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.Agents.HeartbeatTimeout == 0 {
		c.Agents.HeartbeatTimeout = DefaultHeartbeatTimeout
	}
	if c.Presence.SweepInterval == 0 {
		c.Presence.SweepInterval = DefaultSweepInterval
	}
	if c.Presence.OutageThreshold == 0 {
		c.Presence.OutageThreshold = DefaultOutageThreshold
	}
	if c.Presence.Retention == 0 {
		c.Presence.Retention = DefaultRetention
	}
	if len(c.Alerts.Severities) == 0 {
		c.Alerts.Severities = []string{"high", "critical"}
	}
	if c.Alerts.Timeout == 0 {
		c.Alerts.Timeout = DefaultAlertTimeout
	}
	if c.Alerts.DedupeTTL == 0 {
		c.Alerts.DedupeTTL = DefaultDedupeTTL
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	// Server addresses are required unless Tailscale is enabled
	if !c.Tailscale.Enabled {
		if c.Server.GRPCAddr == "" {
			return fmt.Errorf("server.grpc_addr is required (or enable tailscale)")
		}
		if c.Server.HTTPAddr == "" {
			return fmt.Errorf("server.http_addr is required (or enable tailscale)")
		}
	}

	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}

	if !strings.HasPrefix(c.Server.WSPath, "/") {
		return fmt.Errorf("server.ws_path must start with /")
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	if !slices.Contains([]string{"sqlite", "sqlite3"}, c.Database.Driver) {
		return fmt.Errorf("database.driver must be sqlite or sqlite3, got %q", c.Database.Driver)
	}

	if c.Auth.JWTSecret != "" && len(c.Auth.JWTSecret) < 32 {
		return fmt.Errorf("auth.jwt_secret must be at least 32 bytes")
	}
	if c.Auth.RequireObserverToken && c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required when auth.require_observer_token is set")
	}
	if c.Auth.CommandRole != "" && c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required when auth.command_role is set")
	}

	if c.Agents.HeartbeatTimeout <= c.Agents.HeartbeatInterval {
		return fmt.Errorf("agents.heartbeat_timeout must exceed agents.heartbeat_interval")
	}
	if c.Presence.OutageThreshold <= c.Agents.HeartbeatInterval {
		return fmt.Errorf("presence.outage_threshold must exceed agents.heartbeat_interval")
	}

	if c.Alerts.Enabled && c.Alerts.Webhook.URL == "" && c.Alerts.Matrix.Homeserver == "" {
		return fmt.Errorf("alerts.enabled requires alerts.webhook.url or alerts.matrix.homeserver")
	}
	if m := c.Alerts.Matrix; m.Homeserver != "" && (m.UserID == "" || m.AccessToken == "" || m.RoomID == "") {
		return fmt.Errorf("alerts.matrix requires user_id, access_token and room_id")
	}

	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
	}

	return nil
}

// UrgentSeverity reports whether an agent alert severity should reach the notifier.
func (c *AlertsConfig) UrgentSeverity(severity string) bool {
	return slices.ContainsFunc(c.Severities, func(s string) bool {
		return strings.EqualFold(s, severity)
	})
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"relay.write_timeout", cfg.Relay.WriteTimeoutRaw, &cfg.Relay.WriteTimeout},
		{"relay.store_timeout", cfg.Relay.StoreTimeoutRaw, &cfg.Relay.StoreTimeout},
		{"agents.heartbeat_interval", cfg.Agents.HeartbeatIntervalRaw, &cfg.Agents.HeartbeatInterval},
		{"agents.heartbeat_timeout", cfg.Agents.HeartbeatTimeoutRaw, &cfg.Agents.HeartbeatTimeout},
		{"presence.sweep_interval", cfg.Presence.SweepIntervalRaw, &cfg.Presence.SweepInterval},
		{"presence.outage_threshold", cfg.Presence.OutageThresholdRaw, &cfg.Presence.OutageThreshold},
		{"presence.retention", cfg.Presence.RetentionRaw, &cfg.Presence.Retention},
		{"alerts.timeout", cfg.Alerts.TimeoutRaw, &cfg.Alerts.Timeout},
		{"alerts.dedupe_ttl", cfg.Alerts.DedupeTTLRaw, &cfg.Alerts.DedupeTTL},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %q", f.name, f.raw)
		}
		*f.dst = d
	}

	return nil
}
