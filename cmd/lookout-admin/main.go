// ABOUTME: Observer CLI for lookout-relay: list agents, watch live traffic, send commands
// ABOUTME: Connects over WebSocket as an observer using LOOKOUT_URL and LOOKOUT_TOKEN

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"slices"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"

	"github.com/2389/lookout/internal/config"
	"github.com/2389/lookout/internal/protocol"
)

const banner = `
  _             _               _
 | | ___   ___ | | _____  _   _| |_      __ _  __| |_ __ ___  (_)_ __
 | |/ _ \ / _ \| |/ / _ \| | | | __|___ / _' |/ _' | '_ ' _ \ | | '_ \
 | | (_) | (_) |   < (_) | |_| | ||___| (_| | (_| | | | | | || | | | |
 |_|\___/ \___/|_|\_\___/ \__,_|\__|    \__,_|\__,_|_| |_| |_||_|_| |_|
`

const defaultURL = "ws://localhost:8080/ws"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	url := os.Getenv("LOOKOUT_URL")
	if url == "" {
		url = defaultURL
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cmd := os.Args[1]
	args := os.Args[2:]

	var err error
	switch cmd {
	case "agents":
		err = cmdAgents(ctx, url)
	case "online":
		err = cmdOnline(ctx, url)
	case "watch":
		err = cmdWatch(ctx, url, args)
	case "send":
		err = cmdSend(ctx, url, args)
	case "commands":
		cmdCommands()
	case "help", "-h", "--help":
		printUsage()
	default:
		color.Red("Unknown command: %s", cmd)
		printUsage()
		os.Exit(1)
	}

	if err != nil {
		color.Red("Error: %v", err)
		os.Exit(1)
	}
}

func printUsage() {
	cyan := color.New(color.FgCyan)
	cyan.Print(banner)
	fmt.Println()

	bold := color.New(color.Bold)
	bold.Println("Usage:")
	fmt.Println("  lookout-admin <command> [arguments]")
	fmt.Println()

	bold.Println("Commands:")
	fmt.Println("  agents                              List stored agents with reachability")
	fmt.Println("  online                              List agent ids reachable right now")
	fmt.Println("  watch [type...]                     Print relay traffic, optionally filtered by type")
	fmt.Println("  send <command> <agent> [k=v...]     Send a command and wait for its reply")
	fmt.Println("  commands                            List command types and agent reports the relay knows")
	fmt.Println()

	bold.Println("Environment:")
	fmt.Printf("  LOOKOUT_URL      WebSocket endpoint (default %s)\n", defaultURL)
	fmt.Println("  LOOKOUT_TOKEN    Observer token (default: saved token from lookout-relay token)")
	fmt.Println()

	bold.Println("Examples:")
	fmt.Println("  lookout-admin send lock_screen kiosk-7")
	fmt.Println("  lookout-admin send show_message kiosk-7 message='Back in 5'")
	fmt.Println("  lookout-admin send update_usb_policy '' policy='{\"block\":true}'")
	fmt.Println("  lookout-admin watch alert usb_event")
}

// getToken returns LOOKOUT_TOKEN or the token saved by lookout-relay.
func getToken() string {
	if t := os.Getenv("LOOKOUT_TOKEN"); t != "" {
		return t
	}
	data, err := os.ReadFile(filepath.Join(filepath.Dir(config.DefaultPath()), "token"))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

func cmdAgents(ctx context.Context, url string) error {
	s, err := connect(ctx, url, getToken())
	if err != nil {
		return err
	}
	defer s.Close()

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	list, err := s.Await(ctx, protocol.TypeAgentsList)
	if err != nil {
		return err
	}
	var agents []device
	if err := list.Decode("agents", &agents); err != nil {
		return fmt.Errorf("decoding agents: %w", err)
	}

	if len(agents) == 0 {
		fmt.Println("No agents found.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "AGENT\tONLINE\tSTATUS\tLAST SEEN")
	for _, a := range agents {
		online := color.RedString("no")
		if a.Online {
			online = color.GreenString("yes")
		}
		lastSeen := "-"
		if a.LastSeen != nil {
			lastSeen = a.LastSeen.Local().Format(time.DateTime)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", a.ID, online, a.Status, lastSeen)
	}
	return w.Flush()
}

func cmdOnline(ctx context.Context, url string) error {
	s, err := connect(ctx, url, getToken())
	if err != nil {
		return err
	}
	defer s.Close()

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	env, err := s.Await(ctx, protocol.TypeOnlineAgents)
	if err != nil {
		return err
	}
	var ids []string
	if err := env.Decode("agentIds", &ids); err != nil {
		return fmt.Errorf("decoding online agents: %w", err)
	}
	slices.Sort(ids)
	for _, id := range ids {
		fmt.Println(id)
	}
	if len(ids) == 0 {
		fmt.Println("No agents online.")
	}
	return nil
}

func cmdWatch(ctx context.Context, url string, types []string) error {
	s, err := connect(ctx, url, getToken())
	if err != nil {
		return err
	}
	defer s.Close()

	color.New(color.FgHiBlack).Printf("watching %s (ctrl-c to stop)\n", url)
	for {
		env, err := s.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if len(types) > 0 && !slices.Contains(types, env.Type) {
			continue
		}
		fmt.Println(formatEnvelope(env, time.Now()))
	}
}

func cmdSend(ctx context.Context, url string, args []string) error {
	if len(args) < 2 {
		return errors.New("usage: lookout-admin send <command> <agent> [key=value...]")
	}
	env, err := buildCommand(args[0], args[1], args[2:])
	if err != nil {
		return err
	}
	spec, _ := protocol.LookupCommand(env.Type)

	s, err := connect(ctx, url, getToken())
	if err != nil {
		return err
	}
	defer s.Close()

	if err := s.Send(ctx, env); err != nil {
		return fmt.Errorf("sending %s: %w", env.Type, err)
	}

	if spec.Ack == "" {
		color.Green("✓ %s sent", env.Type)
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	reply, err := s.Await(ctx, spec.Ack, protocol.TypeError)
	if err != nil {
		return err
	}
	if reply.Type == protocol.TypeError {
		code, _ := reply.String("code")
		msg, _ := reply.String("message")
		return fmt.Errorf("%s: %s", code, msg)
	}
	color.Green("✓ %s", formatEnvelope(reply, time.Now()))
	return nil
}

func cmdCommands() {
	printCatalog(os.Stdout)
}

// printCatalog writes the command table followed by the agent reports
// observers can watch for.
func printCatalog(out io.Writer) {
	types := protocol.CommandTypes()
	slices.Sort(types)

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "COMMAND\tAGENT RECEIVES\tREPLY\tREQUIRED")
	for _, typ := range types {
		spec, _ := protocol.LookupCommand(typ)
		reply := spec.Ack
		if reply == "" {
			reply = "-"
		}
		required := append(slices.Clone(spec.Required), spec.Present...)
		req := "-"
		if len(required) > 0 {
			req = strings.Join(required, ",")
		}
		if spec.Broadcast {
			req += " (agent optional)"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", typ, spec.Forward, reply, req)
	}

	reports := protocol.TelemetryTypes()
	slices.Sort(reports)

	fmt.Fprintln(w)
	fmt.Fprintln(w, "AGENT REPORT\tOBSERVERS RECEIVE\tNEEDS ONE OF")
	for _, typ := range reports {
		spec, _ := protocol.LookupTelemetry(typ)
		fields := "-"
		if len(spec.AnyOf) > 0 {
			fields = strings.Join(spec.AnyOf, ",")
		}
		fmt.Fprintf(w, "%s\t%s\t%s\n", typ, spec.Broadcast, fields)
	}
	_ = w.Flush()
}
