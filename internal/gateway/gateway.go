// ABOUTME: Gateway orchestrator that wires the relay, presence sweep, store and listeners together
// ABOUTME: Serves WebSocket and gRPC transports plus health and API endpoints, and shuts them down in order

package gateway

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tsnet"

	"github.com/2389/lookout/internal/auth"
	"github.com/2389/lookout/internal/config"
	"github.com/2389/lookout/internal/dedupe"
	"github.com/2389/lookout/internal/metrics"
	"github.com/2389/lookout/internal/notify"
	"github.com/2389/lookout/internal/presence"
	"github.com/2389/lookout/internal/relay"
	"github.com/2389/lookout/internal/store"
	"github.com/2389/lookout/internal/transport"
)

// relayServiceName is reported by the gRPC health service.
const relayServiceName = "lookout.relay.v1.Relay"

// Gateway owns every long-lived component of lookout-relay.
type Gateway struct {
	config   *config.Config
	store    *store.SQLiteStore
	writer   *store.AsyncWriter
	registry *relay.Registry
	router   *relay.Router
	presence *presence.Tracker
	dedupe   *dedupe.Cache
	metrics  *metrics.Collector
	logger   *slog.Logger

	grpcServer   *grpc.Server
	grpcHealth   *health.Server
	httpServer   *http.Server
	tsnetServer  *tsnet.Server
	handler      http.Handler
	alertsActive bool

	// connCtx is the parent of every relay connection. Canceling it ends
	// hijacked WebSockets and gRPC streams, which server shutdown leaves alone.
	connCtx    context.Context
	cancelConn context.CancelFunc
	wsConns    sync.WaitGroup

	sweepCancel context.CancelFunc
	sweepDone   chan struct{}
}

// initStore opens the SQLite database. LOOKOUT_DB_PATH overrides the config.
func initStore(cfg *config.Config) (*store.SQLiteStore, error) {
	dbPath := cfg.Database.Path
	if envPath := os.Getenv("LOOKOUT_DB_PATH"); envPath != "" {
		dbPath = envPath
	}
	s, err := store.OpenSQLite(cfg.Database.Driver, dbPath)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	return s, nil
}

// initNotifier builds the alert sinks. Disabled alerting is not an error.
func initNotifier(cfg *config.Config, logger *slog.Logger) (notify.Notifier, error) {
	n, err := notify.New(cfg.Alerts)
	if errors.Is(err, notify.ErrNotConfigured) {
		logger.Warn("alerts disabled - outages are flagged in the store only")
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("creating notifier: %w", err)
	}
	logger.Info("alerts enabled",
		"webhook", cfg.Alerts.Webhook.URL != "",
		"matrix", cfg.Alerts.Matrix.Homeserver != "",
		"severities", cfg.Alerts.Severities,
	)
	return n, nil
}

// createGRPCServer creates the gRPC server with the keepalive policy agents rely on.
func createGRPCServer(cfg *config.Config) *grpc.Server {
	return grpc.NewServer(
		grpc.KeepaliveParams(transport.ServerKeepalive),
		grpc.KeepaliveEnforcementPolicy(transport.ServerEnforcement),
		grpc.MaxRecvMsgSize(cfg.Relay.GRPCMaxRecvMsgSize),
	)
}

// New creates a Gateway. Nothing listens until Run.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	s, err := initStore(cfg)
	if err != nil {
		return nil, err
	}

	var collector *metrics.Collector
	if cfg.Metrics.Enabled {
		collector = metrics.NewCollector("lookout")
	}

	writer := store.NewAsyncWriter(s, store.AsyncWriterConfig{
		QueueSize: cfg.Relay.StoreQueueSize,
		Timeout:   cfg.Relay.StoreTimeout,
		Logger:    logger,
		OnResult:  collector.StoreWrite,
	})

	gw := &Gateway{
		config:  cfg,
		store:   s,
		writer:  writer,
		metrics: collector,
		logger:  logger.With("component", "gateway"),
	}
	gw.connCtx, gw.cancelConn = context.WithCancel(context.Background())

	if err := gw.wire(logger); err != nil {
		gw.cancelConn()
		_ = writer.Close(context.Background())
		_ = s.Close()
		return nil, err
	}
	return gw, nil
}

// wire builds the relay graph and both servers.
func (g *Gateway) wire(logger *slog.Logger) error {
	cfg := g.config

	notifier, err := initNotifier(cfg, g.logger)
	if err != nil {
		return err
	}
	g.alertsActive = notifier != nil

	var verifier auth.TokenVerifier
	if cfg.Auth.JWTSecret != "" {
		v, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
		if err != nil {
			return fmt.Errorf("creating JWT verifier: %w", err)
		}
		verifier = v
	} else {
		g.logger.Warn("auth disabled - no jwt_secret configured, observers connect without tokens")
	}

	g.dedupe = dedupe.New(cfg.Alerts.DedupeTTL, 100_000)
	g.registry = relay.NewRegistry()

	presenceDeps := presence.Deps{
		Reachability: g.registry,
		Writer:       g.writer,
		Metrics:      g.metrics,
		Logger:       logger,
	}
	if notifier != nil {
		presenceDeps.Notifier = notifier
	}
	g.presence, err = presence.New(presence.Config{
		SweepInterval:   cfg.Presence.SweepInterval,
		OutageThreshold: cfg.Presence.OutageThreshold,
		Retention:       cfg.Presence.Retention,
		AlertsEnabled:   g.alertsActive,
		NotifyTimeout:   cfg.Alerts.Timeout,
	}, presenceDeps)
	if err != nil {
		return fmt.Errorf("creating presence tracker: %w", err)
	}

	g.router, err = relay.New(relay.Config{
		HeartbeatInterval:    cfg.Agents.HeartbeatInterval,
		HeartbeatTimeout:     cfg.Agents.HeartbeatTimeout,
		RequireObserverToken: cfg.Auth.RequireObserverToken,
		CommandRole:          cfg.Auth.CommandRole,
		AlertsEnabled:        g.alertsActive,
		UrgentSeverity:       cfg.Alerts.UrgentSeverity,
		NotifyTimeout:        cfg.Alerts.Timeout,
		StoreTimeout:         cfg.Relay.StoreTimeout,
		ObserverRateLimit:    cfg.Relay.ObserverRateLimit,
		ObserverBurst:        cfg.Relay.ObserverBurst,
		SendQueueSize:        cfg.Relay.SendQueueSize,
		WriteTimeout:         cfg.Relay.WriteTimeout,
	}, relay.Deps{
		Registry: g.registry,
		Presence: g.presence,
		Writer:   g.writer,
		Agents:   g.store,
		Verifier: verifier,
		Notifier: notifier,
		Dedupe:   g.dedupe,
		Metrics:  g.metrics,
		Logger:   logger,
	})
	if err != nil {
		return fmt.Errorf("creating relay: %w", err)
	}

	g.grpcServer = createGRPCServer(cfg)
	transport.RegisterRelayServer(g.grpcServer, g.router, transport.GRPCOptions{
		BaseContext: g.connCtx,
		Logger:      logger,
	})
	g.grpcHealth = health.NewServer()
	g.grpcHealth.SetServingStatus(relayServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(g.grpcServer, g.grpcHealth)

	mux := http.NewServeMux()
	mux.HandleFunc("/health", g.handleHealth)
	mux.HandleFunc("/health/ready", g.handleReady)
	mux.Handle(cfg.Server.WSPath, g.trackWS(transport.WebSocketHandler(g.router, transport.WebSocketOptions{
		OriginPatterns:  cfg.Relay.AllowedWSOrigins,
		MaxMessageBytes: cfg.Relay.MaxMessageBytes,
		BaseContext:     g.connCtx,
		Logger:          logger,
	})))
	if g.metrics != nil {
		mux.Handle(cfg.Metrics.Path, g.metrics.Handler())
		g.logger.Info("metrics enabled", "path", cfg.Metrics.Path)
	}
	g.registerHTTPAPIRoutes(mux, verifier)

	g.handler = mux
	g.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return nil
}

// trackWS counts live WebSocket handlers so shutdown can wait for their
// disconnect writes to be queued before the store writer drains.
func (g *Gateway) trackWS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		g.wsConns.Add(1)
		defer g.wsConns.Done()
		next.ServeHTTP(w, r)
	})
}

// Handler returns the HTTP handler, for tests and embedding.
func (g *Gateway) Handler() http.Handler { return g.handler }

// Registry returns the live connection registry.
func (g *Gateway) Registry() *relay.Registry { return g.registry }

// Presence returns the outage tracker.
func (g *Gateway) Presence() *presence.Tracker { return g.presence }

// setupTCPListeners creates standard TCP listeners for gRPC and HTTP.
func (g *Gateway) setupTCPListeners() (grpcLn, httpLn net.Listener, err error) {
	g.logger.Info("starting relay",
		"grpc_addr", g.config.Server.GRPCAddr,
		"http_addr", g.config.Server.HTTPAddr,
		"ws_path", g.config.Server.WSPath,
	)

	grpcLn, err = net.Listen("tcp", g.config.Server.GRPCAddr)
	if err != nil {
		return nil, nil, fmt.Errorf("listening on gRPC address: %w", err)
	}

	httpLn, err = net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		_ = grpcLn.Close()
		return nil, nil, fmt.Errorf("listening on HTTP address: %w", err)
	}

	return grpcLn, httpLn, nil
}

// warnIgnoredAddresses logs a warning if server addresses are configured but Tailscale is enabled.
func (g *Gateway) warnIgnoredAddresses() {
	if g.config.Server.GRPCAddr != "" || g.config.Server.HTTPAddr != "" {
		g.logger.Warn("server.grpc_addr and server.http_addr are ignored when tailscale is enabled",
			"grpc_addr", g.config.Server.GRPCAddr,
			"http_addr", g.config.Server.HTTPAddr,
		)
	}
}

// setupListeners creates listeners based on configuration (Tailscale or TCP).
func (g *Gateway) setupListeners(ctx context.Context) (grpcLn, httpLn net.Listener, err error) {
	if g.config.Tailscale.Enabled {
		g.warnIgnoredAddresses()
		return g.setupTailscaleListeners(ctx)
	}
	return g.setupTCPListeners()
}

// startServers starts gRPC and HTTP servers in goroutines, returning error channel.
func (g *Gateway) startServers(grpcLn, httpLn net.Listener) chan error {
	errCh := make(chan error, 2)

	go func() {
		g.logger.Info("gRPC server listening", "addr", grpcLn.Addr().String())
		if err := g.grpcServer.Serve(grpcLn); err != nil {
			errCh <- fmt.Errorf("gRPC server: %w", err)
		}
	}()

	go func() {
		g.logger.Info("HTTP server listening", "addr", httpLn.Addr().String())
		if err := g.httpServer.Serve(httpLn); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	return errCh
}

// startSweep runs the outage sweep until shutdown.
func (g *Gateway) startSweep() {
	ctx, cancel := context.WithCancel(context.Background())
	g.sweepCancel = cancel
	g.sweepDone = make(chan struct{})
	go func() {
		defer close(g.sweepDone)
		g.presence.Run(ctx)
	}()
}

// waitForShutdownSignal waits for context cancellation or server error.
func (g *Gateway) waitForShutdownSignal(ctx context.Context, errCh chan error) error {
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
		return nil
	case err := <-errCh:
		g.logger.Error("server error", "error", err)
		g.drainErrors(errCh)
		return err
	}
}

// drainErrors drains any remaining errors from the channel.
func (g *Gateway) drainErrors(errCh chan error) {
	select {
	case additionalErr := <-errCh:
		g.logger.Error("additional server error", "error", additionalErr)
	default:
	}
}

// Run starts the servers and the outage sweep and blocks until ctx is
// canceled or a server fails. Returns nil on graceful shutdown.
func (g *Gateway) Run(ctx context.Context) error {
	grpcListener, httpListener, err := g.setupListeners(ctx)
	if err != nil {
		return err
	}

	g.startSweep()
	errCh := g.startServers(grpcListener, httpListener)
	serverErr := g.waitForShutdownSignal(ctx, errCh)

	shutdownErr := g.gracefulShutdown()

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
// Uses context.Background() intentionally since the original context is already canceled.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return g.Shutdown(ctx)
}

// resolveTailscaleStateDir returns the state directory, using default if not configured.
func resolveTailscaleStateDir(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory for tailscale state (set tailscale.state_dir explicitly): %w", err)
	}
	return filepath.Join(homeDir, ".local", "share", "lookout", "tailscale"), nil
}

// resolveTailscaleAuthKey returns the auth key from config or environment.
func resolveTailscaleAuthKey(configured string) (string, error) {
	authKey := configured
	if authKey == "" {
		authKey = os.Getenv("TS_AUTHKEY")
	}
	if authKey == "" {
		return "", errors.New("tailscale auth key required: set auth_key in config or TS_AUTHKEY environment variable (get one at https://login.tailscale.com/admin/settings/keys)")
	}
	return authKey, nil
}

// setupTailscaleListeners joins the tailnet and listens there for gRPC and HTTP.
func (g *Gateway) setupTailscaleListeners(ctx context.Context) (grpcLn, httpLn net.Listener, err error) {
	tsCfg := g.config.Tailscale

	stateDir, err := resolveTailscaleStateDir(tsCfg.StateDir)
	if err != nil {
		return nil, nil, err
	}
	if err := os.MkdirAll(stateDir, 0700); err != nil {
		return nil, nil, fmt.Errorf("creating tailscale state dir: %w", err)
	}

	authKey, err := resolveTailscaleAuthKey(tsCfg.AuthKey)
	if err != nil {
		return nil, nil, err
	}

	g.tsnetServer = &tsnet.Server{
		Hostname:  tsCfg.Hostname,
		Dir:       stateDir,
		Ephemeral: tsCfg.Ephemeral,
		AuthKey:   authKey,
	}

	g.logger.Info("starting tailscale node", "hostname", tsCfg.Hostname, "state_dir", stateDir, "ephemeral", tsCfg.Ephemeral)
	status, err := g.tsnetServer.Up(ctx)
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, nil, fmt.Errorf("starting tailscale: %w", err)
	}
	g.logTailscaleStatus(tsCfg.Hostname, status)

	grpcLn, err = g.tsnetServer.Listen("tcp", ":50051")
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, nil, fmt.Errorf("listening on tailscale gRPC port: %w", err)
	}

	httpLn, err = g.createTailscaleHTTPListener(tsCfg, grpcLn)
	if err != nil {
		return nil, nil, err
	}
	return grpcLn, httpLn, nil
}

// logTailscaleStatus logs the node address and the URL agents should dial.
func (g *Gateway) logTailscaleStatus(hostname string, status *ipnstate.Status) {
	var tsAddr, dnsName string
	if len(status.TailscaleIPs) > 0 {
		tsAddr = status.TailscaleIPs[0].String()
	} else {
		g.logger.Warn("tailscale node has no IP addresses assigned")
	}
	if status.Self != nil {
		dnsName = status.Self.DNSName
	}
	g.logger.Info("tailscale node ready", "hostname", hostname, "tailscale_ip", tsAddr, "dns_name", dnsName)
}

// createTailscaleHTTPListener picks plain, TLS or funnel HTTP on the tailnet.
func (g *Gateway) createTailscaleHTTPListener(tsCfg config.TailscaleConfig, grpcLn net.Listener) (net.Listener, error) {
	switch {
	case tsCfg.Funnel:
		g.logger.Info("enabling tailscale funnel (public HTTPS) on :443")
		ln, err := g.tsnetServer.ListenFunnel("tcp", ":443")
		if err != nil {
			_ = grpcLn.Close()
			_ = g.tsnetServer.Close()
			return nil, fmt.Errorf("listening on tailscale funnel port: %w", err)
		}
		return ln, nil
	case tsCfg.HTTPS:
		return g.createTailscaleTLSListener(grpcLn)
	default:
		ln, err := g.tsnetServer.Listen("tcp", ":80")
		if err != nil {
			_ = grpcLn.Close()
			_ = g.tsnetServer.Close()
			return nil, fmt.Errorf("listening on tailscale HTTP port: %w", err)
		}
		return ln, nil
	}
}

// createTailscaleTLSListener creates a TLS listener using Tailscale's auto-provisioned certs.
func (g *Gateway) createTailscaleTLSListener(grpcLn net.Listener) (net.Listener, error) {
	g.logger.Info("enabling HTTPS with Tailscale certs on :443")
	ln, err := g.tsnetServer.Listen("tcp", ":443")
	if err != nil {
		_ = grpcLn.Close()
		_ = g.tsnetServer.Close()
		return nil, fmt.Errorf("listening on tailscale HTTPS port: %w", err)
	}
	lc, err := g.tsnetServer.LocalClient()
	if err != nil {
		_ = ln.Close()
		_ = grpcLn.Close()
		_ = g.tsnetServer.Close()
		return nil, fmt.Errorf("getting tailscale local client: %w", err)
	}
	return tls.NewListener(ln, &tls.Config{
		GetCertificate: lc.GetCertificate,
		MinVersion:     tls.VersionTLS12,
	}), nil
}

// shutdownGRPCServer gracefully stops the gRPC server or force-stops on context cancel.
func (g *Gateway) shutdownGRPCServer(ctx context.Context) {
	stopped := make(chan struct{})
	go func() {
		g.grpcServer.GracefulStop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-ctx.Done():
		g.grpcServer.Stop()
	}
}

// waitWS waits for WebSocket handlers to return.
func (g *Gateway) waitWS(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		g.wsConns.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// Shutdown stops accepting connections, closes every relay connection,
// drains queued store writes and releases resources. Connections close
// and in-flight alert notifications finish before the writer drains so
// their offline and notified writes are persisted.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down relay")

	var errs []error
	g.grpcHealth.Shutdown()
	g.cancelConn()
	errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))
	g.shutdownGRPCServer(ctx)
	errs = appendCloseError(errs, "websocket drain", g.waitWS(ctx))

	if g.sweepCancel != nil {
		g.sweepCancel()
		<-g.sweepDone
	}

	errs = appendCloseError(errs, "alert notifications", g.router.Wait(ctx))
	errs = appendCloseError(errs, "store writer drain", g.writer.Close(ctx))

	if g.tsnetServer != nil {
		errs = appendCloseError(errs, "tailscale shutdown", g.tsnetServer.Close())
	}
	errs = appendCloseError(errs, "store close", g.store.Close())
	g.dedupe.Close()

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %w", errors.Join(errs...))
	}
	return nil
}
