// Package queue implements the per-conversation run queue: deduplication,
// collect-mode coalescing, debounce, capacity and drain scheduling. At
// most one drain loop runs per key, which keeps at most one agent turn
// active per conversation.
package queue

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const (
	defaultMaxRetries = 3
	defaultRetryDelay = 500 * time.Millisecond
)

// Runner executes one drained turn. A non-nil error means the turn's
// replies could not be delivered; the queue re-queues it.
type Runner func(ctx context.Context, turn Turn) error

// Options tunes drain retry behaviour.
type Options struct {
	MaxRetries int           // consecutive runner failures tolerated per batch (default 3)
	RetryDelay time.Duration // wait between a failed drain and the next attempt (default 500ms)
}

type keyState struct {
	items        []Turn
	settings     Settings
	draining     bool
	lastEnqueued time.Time
	dropped      int
	previews     []string
	failures     int
}

// Queue owns all per-key queue state. Construct one per process with New
// and share it by reference; tests build their own.
type Queue struct {
	ctx    context.Context
	cancel context.CancelFunc

	mu   sync.Mutex
	keys map[string]*keyState
	wg   sync.WaitGroup

	maxRetries int
	retryDelay time.Duration
	now        func() time.Time
}

// New creates an empty Queue.
func New(opts Options) *Queue {
	ctx, cancel := context.WithCancel(context.Background())
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = defaultMaxRetries
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = defaultRetryDelay
	}
	return &Queue{
		ctx:        ctx,
		cancel:     cancel,
		keys:       make(map[string]*keyState),
		maxRetries: opts.MaxRetries,
		retryDelay: opts.RetryDelay,
		now:        time.Now,
	}
}

// Enqueue buffers turn under key. It returns false when the turn is a
// duplicate of a buffered turn or was rejected by the drop policy.
func (q *Queue) Enqueue(key string, turn Turn, settings Settings, dedup DedupMode) bool {
	settings = settings.normalized()

	q.mu.Lock()
	defer q.mu.Unlock()

	st := q.keys[key]
	if st == nil {
		st = &keyState{}
		q.keys[key] = st
	}
	st.settings = settings

	if isDuplicate(st.items, turn, dedup) {
		slog.Debug("queue: duplicate turn rejected", "key", key, "message_id", turn.MessageID)
		return false
	}

	if settings.Mode == ModeInterrupt && len(st.items) > 0 {
		slog.Info("queue: interrupt mode discarding buffered turns", "key", key, "count", len(st.items))
		st.items = nil
	}

	if len(st.items) >= settings.Cap {
		if settings.DropPolicy == DropDrop {
			slog.Info("queue: cap reached, dropping turn", "key", key, "cap", settings.Cap)
			return false
		}
		excess := len(st.items) - settings.Cap + 1
		for _, t := range st.items[:excess] {
			st.previews = append(st.previews, previewLine(t.Prompt))
		}
		st.dropped += excess
		st.items = append([]Turn(nil), st.items[excess:]...)
		slog.Info("queue: cap reached, summarizing dropped turns", "key", key, "dropped", excess)
	}

	now := q.now()
	if turn.EnqueuedAt.IsZero() {
		turn.EnqueuedAt = now
	}
	st.items = append(st.items, turn)
	st.lastEnqueued = now
	return true
}

// isDuplicate implements message-id and prompt dedup. Turns without a
// message id never collide in message-id mode; prompt mode compares the
// raw prompt bytes and requires the same channel and destination.
func isDuplicate(items []Turn, turn Turn, mode DedupMode) bool {
	for _, it := range items {
		if turn.MessageID != "" {
			if it.MessageID == turn.MessageID &&
				it.Route.Channel == turn.Route.Channel &&
				it.Route.To == turn.Route.To {
				return true
			}
			continue
		}
		if mode == DedupPrompt &&
			it.Prompt == turn.Prompt &&
			it.Route.Channel == turn.Route.Channel &&
			it.Route.To == turn.Route.To {
			return true
		}
	}
	return false
}

// Depth returns the number of buffered turns for key.
func (q *Queue) Depth(key string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	if st := q.keys[key]; st != nil {
		return len(st.items)
	}
	return 0
}

// Draining reports whether a drain loop is active for key.
func (q *Queue) Draining(key string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	st := q.keys[key]
	return st != nil && st.draining
}

// Clear discards buffered turns and pending overflow notices for key and
// returns how many turns were removed. An active drain keeps running.
func (q *Queue) Clear(key string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	st := q.keys[key]
	if st == nil {
		return 0
	}
	n := len(st.items)
	st.items = nil
	st.dropped = 0
	st.previews = nil
	if !st.draining {
		delete(q.keys, key)
	}
	return n
}

// Close cancels pending debounce and retry waits and waits for drain
// loops to exit. Buffered turns are discarded.
func (q *Queue) Close() {
	q.cancel()
	q.wg.Wait()
}
