// ABOUTME: Fan-out notifier that delivers each alert to every configured sink concurrently
// ABOUTME: Also builds the sink set from configuration

package notify

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/2389/lookout/internal/config"
)

// Multi sends every alert to all sinks. One failing sink does not stop the
// others; the joined error reports every failure.
type Multi struct {
	sinks []Notifier
}

// NewMulti combines sinks.
func NewMulti(sinks ...Notifier) *Multi {
	return &Multi{sinks: sinks}
}

// SendOutageAlert delivers to every sink.
func (m *Multi) SendOutageAlert(ctx context.Context, alert OutageAlert) error {
	return m.each(ctx, func(ctx context.Context, n Notifier) error {
		return n.SendOutageAlert(ctx, alert)
	})
}

// SendAgentAlert delivers to every sink.
func (m *Multi) SendAgentAlert(ctx context.Context, alert AgentAlert) error {
	return m.each(ctx, func(ctx context.Context, n Notifier) error {
		return n.SendAgentAlert(ctx, alert)
	})
}

func (m *Multi) each(ctx context.Context, fn func(context.Context, Notifier) error) error {
	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs []error
	)
	for i, sink := range m.sinks {
		g.Go(func() error {
			if err := fn(ctx, sink); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("sink %d: %w", i, err))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

// New builds the notifier described by cfg. It returns ErrNotConfigured when
// alerting is disabled or no sink is set.
func New(cfg config.AlertsConfig) (Notifier, error) {
	if !cfg.Enabled {
		return nil, ErrNotConfigured
	}

	var sinks []Notifier
	if cfg.Webhook.URL != "" {
		sinks = append(sinks, NewWebhook(cfg.Webhook.URL, cfg.Webhook.Headers, nil))
	}
	if m := cfg.Matrix; m.Homeserver != "" {
		mx, err := NewMatrix(m.Homeserver, m.UserID, m.AccessToken, m.RoomID)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, mx)
	}

	switch len(sinks) {
	case 0:
		return nil, ErrNotConfigured
	case 1:
		return sinks[0], nil
	default:
		return NewMulti(sinks...), nil
	}
}
