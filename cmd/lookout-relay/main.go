// ABOUTME: Entry point for lookout-relay, the real-time relay between monitored agents and consoles
// ABOUTME: Subcommands: serve, init, token, health, agents

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"

	"github.com/2389/lookout/internal/config"
	"github.com/2389/lookout/internal/gateway"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
  _             _               _
 | | ___   ___ | | _____  _   _| |_
 | |/ _ \ / _ \| |/ / _ \| | | | __|
 | | (_) | (_) |   < (_) | |_| | |_
 |_|\___/ \___/|_|\_\___/ \__,_|\__|
`

// getDataPath returns the path to the lookout data directory.
// Priority: XDG_DATA_HOME/lookout > ~/.local/share/lookout
func getDataPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data"
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}
	return filepath.Join(dataDir, "lookout")
}

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: lookout-relay <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  serve                  Start the relay")
		fmt.Println("  init                   Create a new config file interactively")
		fmt.Println("  token --name NAME      Mint an observer token")
		fmt.Println("  health                 Check relay health")
		fmt.Println("  agents                 List agents and their presence")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "init":
		err = runInit()
	case "token":
		err = runToken(os.Args[2:])
	case "health":
		err = runHealth(ctx)
	case "agents":
		err = runAgents(ctx)
	case "version", "--version":
		fmt.Println(version)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(ctx context.Context) error {
	configPath := config.DefaultPath()

	cyan := color.New(color.FgCyan)
	cyan.Print(banner)
	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := setupLogger(cfg.Logging)

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("gRPC:      %s\n", cfg.Server.GRPCAddr)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:      %s (ws %s)\n", cfg.Server.HTTPAddr, cfg.Server.WSPath)
	green.Print("    ▶ ")
	fmt.Printf("Outages:   threshold %s, sweep every %s\n", cfg.Presence.OutageThreshold, cfg.Presence.SweepInterval)

	if cfg.Tailscale.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Tailscale: ")
		cyan.Print(cfg.Tailscale.Hostname)
		if cfg.Tailscale.Funnel {
			yellow.Print(" [funnel]")
		}
		if cfg.Tailscale.Ephemeral {
			gray.Print(" (ephemeral)")
		}
		fmt.Println()
	}
	if !cfg.Alerts.Enabled {
		yellow.Print("    ! ")
		fmt.Println("Alerts disabled")
	}
	fmt.Println()

	logger.Info("starting lookout-relay",
		"config", configPath,
		"grpc_addr", cfg.Server.GRPCAddr,
		"http_addr", cfg.Server.HTTPAddr,
	)

	gw, err := gateway.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating relay: %w", err)
	}

	return gw.Run(ctx)
}

// httpGet fetches a relay URL with the saved token, if any.
func httpGet(ctx context.Context, url string) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("creating request: %w", err)
	}
	if token := readSavedToken(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("reading response: %w", err)
	}
	return body, resp.StatusCode, nil
}

func runHealth(ctx context.Context) error {
	cfg, err := config.Load(config.DefaultPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	body, code, err := httpGet(ctx, fmt.Sprintf("http://%s/health/ready", cfg.Server.HTTPAddr))
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	if code != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d: %s", code, body)
	}

	fmt.Println(string(body))
	return nil
}

func runAgents(ctx context.Context) error {
	cfg, err := config.Load(config.DefaultPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	body, code, err := httpGet(ctx, fmt.Sprintf("http://%s/api/agents", cfg.Server.HTTPAddr))
	if err != nil {
		return fmt.Errorf("listing agents failed: %w", err)
	}
	if code != http.StatusOK {
		return fmt.Errorf("listing agents failed: status %d: %s", code, body)
	}

	var resp gateway.AgentsResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}

	states := make(map[string]string, len(resp.Presence))
	for _, p := range resp.Presence {
		states[p.AgentID] = p.State.String()
	}

	if len(resp.Agents) == 0 {
		fmt.Println("no agents seen yet")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "AGENT\tONLINE\tSTATUS\tPRESENCE\tLAST SEEN")
	for _, a := range resp.Agents {
		online := color.RedString("no")
		if a.Online {
			online = color.GreenString("yes")
		}
		lastSeen := "-"
		if a.LastSeen != nil {
			lastSeen = a.LastSeen.Local().Format(time.DateTime)
		}
		presence := states[a.ID]
		if presence == "" {
			presence = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", a.ID, online, a.Status, presence, lastSeen)
	}
	return w.Flush()
}
