// ABOUTME: Tests for lookout-relay setup commands and the colorized log handler
// ABOUTME: Exercises init with scripted answers and token minting against a temp config

package main

import (
	"bufio"
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/lookout/internal/auth"
	"github.com/2389/lookout/internal/config"
)

func scripted(lines ...string) *bufio.Reader {
	return bufio.NewReader(strings.NewReader(strings.Join(lines, "\n") + "\n"))
}

func TestInitConfig_WritesLoadableConfig(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "relay.yaml")
	dbPath := filepath.Join(dir, "data", "lookout.db")

	var out bytes.Buffer
	err := initConfig(scripted(
		cfgPath,
		"127.0.0.1:0",
		"127.0.0.1:0",
		dbPath,
		"3m",
		"30s",
		"no",
		"https://hooks.example.com/lookout",
		"debug",
		"json",
	), &out)
	require.NoError(t, err)
	assert.Contains(t, out.String(), "Configuration written to "+cfgPath)

	cfg, err := config.Load(cfgPath)
	require.NoError(t, err)
	assert.Equal(t, dbPath, cfg.Database.Path)
	assert.Equal(t, 3*time.Minute, cfg.Presence.OutageThreshold)
	assert.Equal(t, 30*time.Second, cfg.Presence.SweepInterval)
	assert.True(t, cfg.Alerts.Enabled)
	assert.Equal(t, "https://hooks.example.com/lookout", cfg.Alerts.Webhook.URL)
	assert.True(t, cfg.Auth.RequireObserverToken)
	assert.GreaterOrEqual(t, len(cfg.Auth.JWTSecret), 32)
	assert.Equal(t, "json", cfg.Logging.Format)

	_, err = os.Stat(filepath.Dir(dbPath))
	assert.NoError(t, err, "data directory should be created")
}

func TestInitConfig_RejectsBadDuration(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "relay.yaml")

	err := initConfig(scripted(
		cfgPath, "", "", filepath.Join(dir, "lookout.db"),
		"soon", "", "", "", "", "",
	), &bytes.Buffer{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "generated config is invalid")
}

func TestInitConfig_KeepsExistingFileUnlessConfirmed(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "relay.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("original"), 0600))

	var out bytes.Buffer
	require.NoError(t, initConfig(scripted(cfgPath, "no"), &out))
	assert.Contains(t, out.String(), "Aborted.")

	data, err := os.ReadFile(cfgPath)
	require.NoError(t, err)
	assert.Equal(t, "original", string(data))
}

func TestParseTokenArgs(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		want    tokenOptions
		wantErr string
	}{
		{
			name: "defaults",
			args: []string{"--name", "Night Desk"},
			want: tokenOptions{name: "Night Desk", roles: []string{"observer"}, ttl: defaultTokenTTL, save: true},
		},
		{
			name: "roles and ttl",
			args: []string{"-name=ops", "-role", "observer, admin", "-ttl", "2h", "-save=false"},
			want: tokenOptions{name: "ops", roles: []string{"observer", "admin"}, ttl: 2 * time.Hour},
		},
		{name: "missing name", args: nil, wantErr: "--name flag is required"},
		{name: "blank name", args: []string{"--name", "   "}, wantErr: "--name flag is required"},
		{name: "long name", args: []string{"--name", strings.Repeat("x", 101)}, wantErr: "maximum length"},
		{name: "stray argument", args: []string{"--name", "a", "extra"}, wantErr: "unexpected argument"},
		{name: "unknown flag", args: []string{"--bogus"}, wantErr: "bogus"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseTokenArgs(tt.args)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRunToken_MintsVerifiableToken(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "relay.yaml")
	secret := strings.Repeat("s", 40)
	cfgYAML := "server:\n  grpc_addr: \"127.0.0.1:0\"\n  http_addr: \"127.0.0.1:0\"\n" +
		"database:\n  path: \"" + filepath.Join(dir, "lookout.db") + "\"\n" +
		"auth:\n  jwt_secret: \"" + secret + "\"\n"
	require.NoError(t, os.WriteFile(cfgPath, []byte(cfgYAML), 0600))
	t.Setenv("LOOKOUT_CONFIG", cfgPath)
	t.Setenv("LOOKOUT_TOKEN", "")

	require.NoError(t, runToken([]string{"--name", "Night Desk", "--role", "observer"}))

	token := readSavedToken()
	require.NotEmpty(t, token)

	v, err := auth.NewJWTVerifier([]byte(secret))
	require.NoError(t, err)
	p, err := v.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "Night Desk", p.DisplayName())
	assert.True(t, p.HasRole("observer"))
}

func TestRunToken_RequiresSecret(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "relay.yaml")
	cfgYAML := "server:\n  grpc_addr: \"127.0.0.1:0\"\n  http_addr: \"127.0.0.1:0\"\n" +
		"database:\n  path: \"" + filepath.Join(dir, "lookout.db") + "\"\n"
	require.NoError(t, os.WriteFile(cfgPath, []byte(cfgYAML), 0600))
	t.Setenv("LOOKOUT_CONFIG", cfgPath)

	err := runToken([]string{"--name", "ops"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "jwt_secret is not set")
}

func TestReadSavedToken_PrefersEnvironment(t *testing.T) {
	t.Setenv("LOOKOUT_CONFIG", filepath.Join(t.TempDir(), "relay.yaml"))
	t.Setenv("LOOKOUT_TOKEN", "from-env")
	assert.Equal(t, "from-env", readSavedToken())

	t.Setenv("LOOKOUT_TOKEN", "")
	assert.Empty(t, readSavedToken())
}

func TestColorHandler_FormatsGroupsAndLevels(t *testing.T) {
	prev := color.NoColor
	color.NoColor = true
	t.Cleanup(func() { color.NoColor = prev })

	var buf bytes.Buffer
	logger := newLogger(config.LoggingConfig{Level: "info", Format: "text"}, &buf)

	logger.Debug("hidden")
	logger.With("agent_id", "kiosk-7").WithGroup("conn").Warn("slow consumer", "queued", 256)

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "WRN slow consumer")
	assert.Contains(t, out, " agent_id=kiosk-7")
	assert.Contains(t, out, " conn.queued=256")
}

func TestNewLogger_JSON(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(config.LoggingConfig{Level: "debug", Format: "json"}, &buf)
	logger.Debug("=== AGENT CONNECTED ===", "agent_id", "kiosk-7")
	assert.Contains(t, buf.String(), `"agent_id":"kiosk-7"`)
	assert.Contains(t, buf.String(), `"level":"DEBUG"`)
}
