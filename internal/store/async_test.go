// ABOUTME: Tests for the background store writer
// ABOUTME: Covers FIFO ordering, non-blocking enqueue, failure reporting and drain on close

package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAsyncWriter_PreservesOrder(t *testing.T) {
	m := NewMockStore()
	w := NewAsyncWriter(m, AsyncWriterConfig{QueueSize: 16})

	w.SetAgentStatus("A1", StatusOnline)
	w.TouchLastSeen("A1", time.Now())
	w.SetAgentStatus("A1", StatusOffline)
	w.SaveAlert(Alert{ID: "al", AgentID: "A1", Severity: "high"})

	require.NoError(t, w.Close(context.Background()))
	assert.Equal(t, []string{"status:A1:online", "touch:A1", "status:A1:offline", "alert:al"}, m.Calls())
}

func TestAsyncWriter_EnqueueNeverBlocks(t *testing.T) {
	m := NewMockStore()
	m.Gate = make(chan struct{})

	var mu sync.Mutex
	var dropped int
	w := NewAsyncWriter(m, AsyncWriterConfig{
		QueueSize: 2,
		Timeout:   time.Second,
		OnResult: func(op string, err error) {
			if errors.Is(err, ErrQueueFull) {
				mu.Lock()
				dropped++
				mu.Unlock()
			}
		},
	})

	done := make(chan struct{})
	go func() {
		for range 10 {
			w.TouchLastSeen("A1", time.Now())
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("enqueue blocked on a stalled store")
	}

	close(m.Gate)
	require.NoError(t, w.Close(context.Background()))

	mu.Lock()
	defer mu.Unlock()
	assert.GreaterOrEqual(t, dropped, 7, "at most queue size plus the in-flight write survive")
	assert.Equal(t, 10-dropped, len(m.Calls()))
}

func TestAsyncWriter_ReportsFailures(t *testing.T) {
	m := NewMockStore()
	boom := errors.New("locked")
	m.SetErr(boom)

	results := make(chan error, 1)
	w := NewAsyncWriter(m, AsyncWriterConfig{
		OnResult: func(op string, err error) { results <- err },
	})
	w.SetAgentStatus("A1", StatusOnline)

	select {
	case err := <-results:
		assert.ErrorIs(t, err, boom)
	case <-time.After(time.Second):
		t.Fatal("no result reported")
	}
	require.NoError(t, w.Close(context.Background()))
}

func TestAsyncWriter_CloseTwice(t *testing.T) {
	w := NewAsyncWriter(NewMockStore(), AsyncWriterConfig{})
	require.NoError(t, w.Close(context.Background()))
	assert.ErrorIs(t, w.Close(context.Background()), ErrWriterClosed)

	// writes after close are dropped silently
	w.SetAgentStatus("A1", StatusOnline)
}

func TestAsyncWriter_CloseHonorsContext(t *testing.T) {
	m := NewMockStore()
	m.Gate = make(chan struct{})
	defer close(m.Gate)

	w := NewAsyncWriter(m, AsyncWriterConfig{Timeout: time.Minute})
	w.SetAgentStatus("A1", StatusOnline)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, w.Close(ctx), context.DeadlineExceeded)
}
