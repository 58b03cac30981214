// ABOUTME: HTTP handlers for health probes and the read-only agent and alert API
// ABOUTME: The API merges stored agents with live relay state and is JWT protected when a secret is set

package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/2389/lookout/internal/auth"
	"github.com/2389/lookout/internal/presence"
	"github.com/2389/lookout/internal/relay"
	"github.com/2389/lookout/internal/store"
)

// AgentsResponse is the JSON response for GET /api/agents.
type AgentsResponse struct {
	Agents   []relay.Device    `json:"agents"`
	Online   []string          `json:"online"`
	Presence []presence.Record `json:"presence"`
}

// AlertsResponse is the JSON response for GET /api/alerts.
type AlertsResponse struct {
	Alerts []*store.Alert `json:"alerts"`
}

// registerHTTPAPIRoutes registers API routes on the mux with or without auth middleware.
func (g *Gateway) registerHTTPAPIRoutes(mux *http.ServeMux, verifier auth.TokenVerifier) {
	agents := http.Handler(http.HandlerFunc(g.handleListAgents))
	alerts := http.Handler(http.HandlerFunc(g.handleListAlerts))

	if verifier != nil {
		authMiddleware := auth.HTTPAuthMiddleware(verifier)
		agents = authMiddleware(agents)
		alerts = authMiddleware(alerts)
		g.logger.Info("HTTP auth middleware enabled")
	} else {
		g.logger.Warn("HTTP auth disabled - no jwt_secret configured")
	}

	mux.Handle("GET /api/agents", agents)
	mux.Handle("GET /api/alerts", alerts)
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 when the database answers. Agents being connected
// is not part of readiness; an empty fleet is a valid state.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), g.config.Relay.StoreTimeout)
	defer cancel()

	if err := g.store.Ping(ctx); err != nil {
		g.logger.Warn("readiness check failed", "error", err)
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("database unavailable"))
		return
	}

	agents, observers := g.registry.Counts()
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (%d agents, %d observers)", agents, observers)
}

// handleListAgents returns stored agents annotated with live reachability
// and the presence tracker's outage state.
func (g *Gateway) handleListAgents(w http.ResponseWriter, r *http.Request) {
	g.logRequester(r)
	ctx, cancel := context.WithTimeout(r.Context(), g.config.Relay.StoreTimeout)
	defer cancel()

	stored, err := g.store.ListAgents(ctx)
	if err != nil {
		g.logger.Error("listing agents failed", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "failed to list agents")
		return
	}

	online := g.registry.OnlineAgentIDs()
	if online == nil {
		online = []string{}
	}
	g.writeJSON(w, AgentsResponse{
		Agents:   relay.DeviceList(stored, online),
		Online:   online,
		Presence: g.presence.Snapshot(),
	})
}

// handleListAlerts returns persisted urgent alerts, newest first.
// Query parameters: agent_id, limit.
func (g *Gateway) handleListAlerts(w http.ResponseWriter, r *http.Request) {
	g.logRequester(r)
	filter := store.AlertFilter{AgentID: r.URL.Query().Get("agent_id")}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			g.sendJSONError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		filter.Limit = limit
	}

	ctx, cancel := context.WithTimeout(r.Context(), g.config.Relay.StoreTimeout)
	defer cancel()

	alerts, err := g.store.ListAlerts(ctx, filter)
	if err != nil {
		g.logger.Error("listing alerts failed", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "failed to list alerts")
		return
	}
	if alerts == nil {
		alerts = []*store.Alert{}
	}
	g.writeJSON(w, AlertsResponse{Alerts: alerts})
}

// logRequester records who asked, when the auth middleware ran.
func (g *Gateway) logRequester(r *http.Request) {
	if p := auth.FromContext(r.Context()); p != nil {
		g.logger.Debug("api request", "path", r.URL.Path, "principal", p.DisplayName())
	}
}

func (g *Gateway) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		g.logger.Debug("writing response failed", "error", err)
	}
}

// sendJSONError writes {"error": message} with the given status.
func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// minTokenTTL guards against minting tokens that expire before use.
const minTokenTTL = time.Minute

// MintObserverToken issues an observer token signed with the configured secret.
func MintObserverToken(secret, subject, name string, roles []string, ttl time.Duration) (string, error) {
	if ttl < minTokenTTL {
		return "", fmt.Errorf("token ttl must be at least %s", minTokenTTL)
	}
	v, err := auth.NewJWTVerifier([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("creating JWT signer: %w", err)
	}
	return v.Generate(subject, name, roles, ttl)
}
