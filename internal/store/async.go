// ABOUTME: Single-worker FIFO writer that applies Store writes in the background
// ABOUTME: Handlers enqueue and move on; failures are logged, never returned to the caller

package store

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrWriterClosed is returned by Close when called twice.
var ErrWriterClosed = errors.New("async writer closed")

type writeOp struct {
	name    string
	agentID string
	apply   func(ctx context.Context) error
}

// AsyncWriterConfig configures an AsyncWriter.
type AsyncWriterConfig struct {
	QueueSize int
	// Timeout bounds each individual write.
	Timeout time.Duration
	Logger  *slog.Logger
	// OnResult is called after each write (err nil on success) and with
	// ErrQueueFull for writes dropped at enqueue time.
	OnResult func(op string, err error)
}

// ErrQueueFull marks a write dropped because the queue was at capacity.
var ErrQueueFull = errors.New("store write queue full")

// AsyncWriter serializes writes to a Store on one goroutine so that writes
// issued by one handler land in the order they were issued.
type AsyncWriter struct {
	store    Store
	timeout  time.Duration
	logger   *slog.Logger
	onResult func(string, error)

	mu     sync.RWMutex
	queue  chan writeOp
	closed bool
	done   chan struct{}
}

// NewAsyncWriter creates a writer and starts its worker.
func NewAsyncWriter(s Store, cfg AsyncWriterConfig) *AsyncWriter {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	w := &AsyncWriter{
		store:    s,
		timeout:  cfg.Timeout,
		logger:   cfg.Logger.With("component", "store-writer"),
		onResult: cfg.OnResult,
		queue:    make(chan writeOp, cfg.QueueSize),
		done:     make(chan struct{}),
	}
	go w.run()
	return w
}

func (w *AsyncWriter) run() {
	defer close(w.done)
	for op := range w.queue {
		ctx, cancel := context.WithTimeout(context.Background(), w.timeout)
		err := op.apply(ctx)
		cancel()
		if err != nil {
			w.logger.Warn("store write failed", "op", op.name, "agent_id", op.agentID, "error", err)
		}
		w.report(op.name, err)
	}
}

func (w *AsyncWriter) report(op string, err error) {
	if w.onResult != nil {
		w.onResult(op, err)
	}
}

func (w *AsyncWriter) enqueue(op writeOp) {
	w.mu.RLock()
	defer w.mu.RUnlock()

	if w.closed {
		w.logger.Debug("store write after close dropped", "op", op.name, "agent_id", op.agentID)
		return
	}

	select {
	case w.queue <- op:
	default:
		w.logger.Warn("store write queue full, dropping", "op", op.name, "agent_id", op.agentID)
		w.report(op.name, ErrQueueFull)
	}
}

// SetAgentStatus queues a status write.
func (w *AsyncWriter) SetAgentStatus(agentID string, status AgentStatus) {
	w.enqueue(writeOp{
		name:    "set_status_" + string(status),
		agentID: agentID,
		apply: func(ctx context.Context) error {
			return w.store.SetAgentStatus(ctx, agentID, status)
		},
	})
}

// TouchLastSeen queues a last-seen write.
func (w *AsyncWriter) TouchLastSeen(agentID string, at time.Time) {
	w.enqueue(writeOp{
		name:    "touch_last_seen",
		agentID: agentID,
		apply: func(ctx context.Context) error {
			return w.store.TouchLastSeen(ctx, agentID, at)
		},
	})
}

// SaveAlert queues an alert write. The alert is copied.
func (w *AsyncWriter) SaveAlert(alert Alert) {
	w.enqueue(writeOp{
		name:    "save_alert",
		agentID: alert.AgentID,
		apply: func(ctx context.Context) error {
			return w.store.SaveAlert(ctx, &alert)
		},
	})
}

// Close stops accepting writes and waits for queued writes to drain or ctx to end.
func (w *AsyncWriter) Close(ctx context.Context) error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return ErrWriterClosed
	}
	w.closed = true
	close(w.queue)
	w.mu.Unlock()

	select {
	case <-w.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
