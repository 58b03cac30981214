// ABOUTME: Presence tracker keeps per-agent last contact and a Live/PendingCheck/Notified outage state
// ABOUTME: The periodic sweep pages once per outage for agents that are silent and not connected

package presence

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/2389/lookout/internal/metrics"
	"github.com/2389/lookout/internal/notify"
	"github.com/2389/lookout/internal/store"
)

// State is the outage state of one agent.
type State int

// Outage states.
const (
	StateLive State = iota
	StatePendingCheck
	StateNotified
)

func (s State) String() string {
	switch s {
	case StatePendingCheck:
		return "pending_check"
	case StateNotified:
		return "notified"
	default:
		return "live"
	}
}

// MarshalText renders the state name in JSON.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Reachability reports whether an agent currently has a live connection.
type Reachability interface {
	IsOnline(agentID string) bool
}

// StatusWriter persists the notified_offline status without blocking.
type StatusWriter interface {
	SetAgentStatus(agentID string, status store.AgentStatus)
}

// OutageNotifier sends the outage page.
type OutageNotifier interface {
	SendOutageAlert(ctx context.Context, alert notify.OutageAlert) error
}

// Config holds sweep tunables.
type Config struct {
	SweepInterval   time.Duration
	OutageThreshold time.Duration
	// Retention prunes Notified records this long after the page. Zero keeps them.
	Retention     time.Duration
	AlertsEnabled bool
	NotifyTimeout time.Duration
	// MaxConcurrentAlerts bounds notifier calls in flight during one sweep.
	MaxConcurrentAlerts int
}

// Deps are the Tracker collaborators. Reachability and Writer are required.
type Deps struct {
	Reachability Reachability
	Writer       StatusWriter
	Notifier     OutageNotifier
	Metrics      *metrics.Collector
	Logger       *slog.Logger
	Now          func() time.Time
}

// Record is a point-in-time copy of one presence entry.
type Record struct {
	AgentID     string    `json:"agentId"`
	LastContact time.Time `json:"lastContact"`
	State       State     `json:"state"`
	NotifiedAt  time.Time `json:"notifiedAt,omitzero"`
}

type record struct {
	lastContact time.Time
	state       State
	// gen changes on every contact so a sweep can tell whether the record
	// was reset while its notifier call was in flight.
	gen        uint64
	notifiedAt time.Time
}

// SweepResult summarizes one sweep.
type SweepResult struct {
	Checked  int
	Claimed  int
	Notified int
	Pruned   int
}

// Tracker is the presence map plus the outage sweep.
type Tracker struct {
	cfg      Config
	reach    Reachability
	writer   StatusWriter
	notifier OutageNotifier
	metrics  *metrics.Collector
	logger   *slog.Logger
	now      func() time.Time

	mu      sync.Mutex
	records map[string]*record
}

// New creates a Tracker.
func New(cfg Config, deps Deps) (*Tracker, error) {
	if deps.Reachability == nil || deps.Writer == nil {
		return nil, fmt.Errorf("presence: reachability and writer are required")
	}
	if cfg.OutageThreshold <= 0 {
		return nil, fmt.Errorf("presence: outage threshold must be positive")
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Minute
	}
	if cfg.NotifyTimeout <= 0 {
		cfg.NotifyTimeout = 10 * time.Second
	}
	if cfg.MaxConcurrentAlerts <= 0 {
		cfg.MaxConcurrentAlerts = 4
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	return &Tracker{
		cfg:      cfg,
		reach:    deps.Reachability,
		writer:   deps.Writer,
		notifier: deps.Notifier,
		metrics:  deps.Metrics,
		logger:   deps.Logger.With("component", "presence"),
		now:      deps.Now,
		records:  make(map[string]*record),
	}, nil
}

// Contact records agent activity at the given time and re-arms outage
// alerting. lastContact never moves backwards.
func (t *Tracker) Contact(agentID string, at time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	r, ok := t.records[agentID]
	if !ok {
		r = &record{}
		t.records[agentID] = r
	}
	if at.After(r.lastContact) {
		r.lastContact = at
	}
	if r.state != StateLive {
		t.logger.Info("agent back after outage check", "agent_id", agentID, "previous_state", r.state)
	}
	r.state = StateLive
	r.notifiedAt = time.Time{}
	r.gen++
}

// Get returns the record for agentID.
func (t *Tracker) Get(agentID string) (Record, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.records[agentID]
	if !ok {
		return Record{}, false
	}
	return r.snapshot(agentID), true
}

// Snapshot returns every record ordered by agent id.
func (t *Tracker) Snapshot() []Record {
	t.mu.Lock()
	out := make([]Record, 0, len(t.records))
	for id, r := range t.records {
		out = append(out, r.snapshot(id))
	}
	t.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out
}

func (r *record) snapshot(agentID string) Record {
	return Record{AgentID: agentID, LastContact: r.lastContact, State: r.state, NotifiedAt: r.notifiedAt}
}

type claim struct {
	agentID     string
	gen         uint64
	lastContact time.Time
	idle        time.Duration
}

// Sweep runs one outage check. Records that are Live, idle past the
// threshold and not connected move to PendingCheck; after the notifier call,
// successful or not, they become Notified unless a contact arrived meanwhile.
func (t *Tracker) Sweep(ctx context.Context) SweepResult {
	start := time.Now()
	now := t.now()

	var (
		res    SweepResult
		claims []claim
	)
	t.mu.Lock()
	for id, r := range t.records {
		res.Checked++
		switch r.state {
		case StateNotified:
			if t.cfg.Retention > 0 && now.Sub(r.notifiedAt) > t.cfg.Retention {
				delete(t.records, id)
				res.Pruned++
			}
		case StateLive:
			idle := now.Sub(r.lastContact)
			if idle > t.cfg.OutageThreshold && !t.reach.IsOnline(id) {
				r.state = StatePendingCheck
				claims = append(claims, claim{agentID: id, gen: r.gen, lastContact: r.lastContact, idle: idle})
			}
		}
	}
	t.mu.Unlock()
	res.Claimed = len(claims)

	var (
		g        errgroup.Group
		mu       sync.Mutex
		notified int
	)
	g.SetLimit(t.cfg.MaxConcurrentAlerts)
	for _, c := range claims {
		g.Go(func() error {
			if t.resolve(ctx, c, now) {
				mu.Lock()
				notified++
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	res.Notified = notified

	t.metrics.SweepFinished(time.Since(start))
	if res.Claimed > 0 || res.Pruned > 0 {
		t.logger.Info("outage sweep finished",
			"checked", res.Checked, "claimed", res.Claimed, "notified", res.Notified, "pruned", res.Pruned)
	}
	return res
}

// resolve sends the page for one claimed record and flags it Notified.
func (t *Tracker) resolve(ctx context.Context, c claim, now time.Time) bool {
	logger := t.logger.With("agent_id", c.agentID)

	result := "disabled"
	if t.cfg.AlertsEnabled && t.notifier != nil {
		nctx, cancel := context.WithTimeout(ctx, t.cfg.NotifyTimeout)
		err := t.notifier.SendOutageAlert(nctx, notify.OutageAlert{
			AgentID:     c.agentID,
			LastContact: c.lastContact,
			Idle:        c.idle,
			DetectedAt:  now,
		})
		cancel()
		if err != nil {
			logger.Error("outage alert failed", "idle", c.idle, "error", err)
			result = "failed"
		} else {
			logger.Warn("=== AGENT OUTAGE ALERTED ===", "idle", c.idle.Round(time.Second))
			result = "sent"
		}
	}
	t.metrics.OutageAlert(result)

	t.mu.Lock()
	r, ok := t.records[c.agentID]
	marked := ok && r.gen == c.gen && r.state == StatePendingCheck
	if marked {
		r.state = StateNotified
		r.notifiedAt = now
	}
	t.mu.Unlock()

	if !marked {
		logger.Info("agent made contact during outage check, not flagging")
		return false
	}
	t.writer.SetAgentStatus(c.agentID, store.StatusNotifiedOffline)
	return true
}

// Run sweeps every SweepInterval until ctx ends.
func (t *Tracker) Run(ctx context.Context) {
	ticker := time.NewTicker(t.cfg.SweepInterval)
	defer ticker.Stop()

	t.logger.Info("outage sweep started", "interval", t.cfg.SweepInterval, "threshold", t.cfg.OutageThreshold)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.Sweep(ctx)
		}
	}
}
