// ABOUTME: Setup commands for lookout-relay: interactive config creation and observer token minting
// ABOUTME: Minted tokens are saved next to the config so health and agents can authenticate

package main

import (
	"bufio"
	"crypto/rand"
	"encoding/base64"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/google/uuid"

	"github.com/2389/lookout/internal/config"
	"github.com/2389/lookout/internal/gateway"
)

const defaultTokenTTL = 30 * 24 * time.Hour

// tokenPath is where runToken saves the most recently minted token.
func tokenPath() string {
	return filepath.Join(filepath.Dir(config.DefaultPath()), "token")
}

// readSavedToken returns LOOKOUT_TOKEN, or the saved token file, or "".
func readSavedToken() string {
	if t := os.Getenv("LOOKOUT_TOKEN"); t != "" {
		return t
	}
	data, err := os.ReadFile(tokenPath())
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

// generateSecret returns 32 random bytes, base64 encoded.
func generateSecret() (string, error) {
	secretBytes := make([]byte, 32)
	if _, err := rand.Read(secretBytes); err != nil {
		return "", fmt.Errorf("generating JWT secret: %w", err)
	}
	return base64.StdEncoding.EncodeToString(secretBytes), nil
}

type tokenOptions struct {
	name  string
	roles []string
	ttl   time.Duration
	save  bool
}

func parseTokenArgs(args []string) (tokenOptions, error) {
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var opts tokenOptions
	var roles string
	fs.StringVar(&opts.name, "name", "", "display name recorded as requestedBy on commands")
	fs.StringVar(&roles, "role", "observer", "comma separated roles")
	fs.DurationVar(&opts.ttl, "ttl", defaultTokenTTL, "token lifetime")
	fs.BoolVar(&opts.save, "save", true, "save the token next to the config file")

	if err := fs.Parse(args); err != nil {
		return opts, err
	}
	if fs.NArg() > 0 {
		return opts, fmt.Errorf("unexpected argument: %s", fs.Arg(0))
	}

	opts.name = strings.TrimSpace(opts.name)
	if opts.name == "" {
		return opts, fmt.Errorf("--name flag is required")
	}
	if len(opts.name) > 100 {
		return opts, fmt.Errorf("display name exceeds maximum length of 100 characters")
	}
	for r := range strings.SplitSeq(roles, ",") {
		if r = strings.TrimSpace(r); r != "" {
			opts.roles = append(opts.roles, r)
		}
	}
	return opts, nil
}

func runToken(args []string) error {
	opts, err := parseTokenArgs(args)
	if err != nil {
		return err
	}

	configPath := config.DefaultPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if cfg.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is not set in %s; run 'lookout-relay init' first", configPath)
	}

	subject := uuid.NewString()
	token, err := gateway.MintObserverToken(cfg.Auth.JWTSecret, subject, opts.name, opts.roles, opts.ttl)
	if err != nil {
		return err
	}

	green := color.New(color.FgGreen)
	cyan := color.New(color.FgCyan)

	green.Print("✓ ")
	fmt.Printf("Minted token for ")
	cyan.Print(opts.name)
	fmt.Printf(" (subject %s, expires %s)\n", subject, time.Now().Add(opts.ttl).Format(time.DateOnly))

	if opts.save {
		path := tokenPath()
		if err := os.WriteFile(path, []byte(token+"\n"), 0600); err != nil {
			return fmt.Errorf("saving token: %w", err)
		}
		green.Print("✓ ")
		fmt.Printf("Saved to %s\n", path)
	}

	fmt.Println()
	fmt.Println(token)
	return nil
}

func runInit() error {
	return initConfig(bufio.NewReader(os.Stdin), os.Stdout)
}

func initConfig(reader *bufio.Reader, out io.Writer) error {
	fmt.Fprintln(out, "lookout-relay configuration setup")
	fmt.Fprintln(out, "=================================")
	fmt.Fprintln(out)

	defaultDbPath := filepath.Join(getDataPath(), "lookout.db")

	outputFile := prompt(reader, out, "Config file path", config.DefaultPath())

	if _, err := os.Stat(outputFile); err == nil {
		overwrite := prompt(reader, out, "File exists. Overwrite?", "no")
		if !isYes(overwrite) {
			fmt.Fprintln(out, "Aborted.")
			return nil
		}
	}

	fmt.Fprintln(out, "\n--- Server Configuration ---")
	grpcAddr := prompt(reader, out, "gRPC address", "localhost:50051")
	httpAddr := prompt(reader, out, "HTTP address", "localhost:8080")

	fmt.Fprintln(out, "\n--- Database Configuration ---")
	dbPath := prompt(reader, out, "SQLite database path", defaultDbPath)

	fmt.Fprintln(out, "\n--- Presence ---")
	threshold := prompt(reader, out, "Outage threshold", config.DefaultOutageThreshold.String())
	sweep := prompt(reader, out, "Sweep interval", config.DefaultSweepInterval.String())

	fmt.Fprintln(out, "\n--- Tailscale Configuration ---")
	tailscaleEnabled := isYes(prompt(reader, out, "Enable Tailscale?", "no"))
	var tsHostname string
	var tsEphemeral, tsFunnel bool
	if tailscaleEnabled {
		tsHostname = prompt(reader, out, "Tailscale hostname", "lookout")
		tsEphemeral = isYes(prompt(reader, out, "Ephemeral node?", "no"))
		tsFunnel = isYes(prompt(reader, out, "Enable Funnel (public HTTPS)?", "no"))
	}

	fmt.Fprintln(out, "\n--- Alerts ---")
	webhookURL := prompt(reader, out, "Alert webhook URL (leave empty to disable alerts)", "")

	fmt.Fprintln(out, "\n--- Logging Configuration ---")
	logLevel := prompt(reader, out, "Log level (debug/info/warn/error)", "info")
	logFormat := prompt(reader, out, "Log format (text/json)", "text")

	secret, err := generateSecret()
	if err != nil {
		return err
	}

	var cfg strings.Builder
	cfg.WriteString("# lookout-relay configuration\n")
	cfg.WriteString("# Generated by lookout-relay init\n\n")

	cfg.WriteString("server:\n")
	fmt.Fprintf(&cfg, "  grpc_addr: %q\n", grpcAddr)
	fmt.Fprintf(&cfg, "  http_addr: %q\n", httpAddr)
	cfg.WriteString("  ws_path: \"/ws\"\n\n")

	cfg.WriteString("database:\n")
	fmt.Fprintf(&cfg, "  path: %q\n\n", dbPath)

	cfg.WriteString("auth:\n")
	fmt.Fprintf(&cfg, "  jwt_secret: %q\n", secret)
	cfg.WriteString("  require_observer_token: true\n\n")

	cfg.WriteString("agents:\n")
	fmt.Fprintf(&cfg, "  heartbeat_interval: %q\n", config.DefaultHeartbeatInterval.String())
	fmt.Fprintf(&cfg, "  heartbeat_timeout: %q\n\n", config.DefaultHeartbeatTimeout.String())

	cfg.WriteString("presence:\n")
	fmt.Fprintf(&cfg, "  outage_threshold: %q\n", threshold)
	fmt.Fprintf(&cfg, "  sweep_interval: %q\n\n", sweep)

	if tailscaleEnabled {
		cfg.WriteString("tailscale:\n")
		cfg.WriteString("  enabled: true\n")
		fmt.Fprintf(&cfg, "  hostname: %q\n", tsHostname)
		cfg.WriteString("  auth_key: \"${TS_AUTHKEY}\"\n")
		fmt.Fprintf(&cfg, "  ephemeral: %t\n", tsEphemeral)
		fmt.Fprintf(&cfg, "  funnel: %t\n\n", tsFunnel)
	}

	cfg.WriteString("alerts:\n")
	if webhookURL != "" {
		cfg.WriteString("  enabled: true\n")
		cfg.WriteString("  webhook:\n")
		fmt.Fprintf(&cfg, "    url: %q\n\n", webhookURL)
	} else {
		cfg.WriteString("  enabled: false\n\n")
	}

	cfg.WriteString("logging:\n")
	fmt.Fprintf(&cfg, "  level: %q\n", logLevel)
	fmt.Fprintf(&cfg, "  format: %q\n", logFormat)

	if err := os.MkdirAll(filepath.Dir(outputFile), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}
	if err := os.WriteFile(outputFile, []byte(cfg.String()), 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	// Catch typos in durations before the first serve.
	if _, err := config.Load(outputFile); err != nil {
		return fmt.Errorf("generated config is invalid: %w", err)
	}

	fmt.Fprintf(out, "\nConfiguration written to %s\n", outputFile)
	fmt.Fprintln(out, "\nNext steps:")
	fmt.Fprintln(out, "  lookout-relay token --name \"your name\"")
	fmt.Fprintln(out, "  lookout-relay serve")
	return nil
}

func isYes(s string) bool {
	s = strings.ToLower(s)
	return s == "yes" || s == "y"
}

func prompt(reader *bufio.Reader, out io.Writer, question, defaultVal string) string {
	if defaultVal != "" {
		fmt.Fprintf(out, "%s [%s]: ", question, defaultVal)
	} else {
		fmt.Fprintf(out, "%s: ", question)
	}

	input, err := reader.ReadString('\n')
	if err != nil {
		// On EOF or error, return default
		fmt.Fprintln(out)
		return defaultVal
	}
	input = strings.TrimSpace(input)

	if input == "" {
		return defaultVal
	}
	return input
}
