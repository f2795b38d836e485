package channels

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	// maxTrackedKeys caps the number of tracked chats to bound memory.
	maxTrackedKeys = 4096

	// limiterIdleTTL is how long an unused chat limiter is kept.
	limiterIdleTTL = 10 * time.Minute
)

type limiterEntry struct {
	limiter  *rate.Limiter
	lastUsed time.Time
}

// SendLimiter paces outbound messages per chat with a token bucket.
// A zero rate disables limiting. Safe for concurrent use.
type SendLimiter struct {
	limit rate.Limit
	burst int

	mu      sync.Mutex
	entries map[string]*limiterEntry
}

// NewSendLimiter creates a limiter allowing perSecond messages per chat
// with the given burst.
func NewSendLimiter(perSecond float64, burst int) *SendLimiter {
	if burst < 1 {
		burst = 1
	}
	return &SendLimiter{
		limit:   rate.Limit(perSecond),
		burst:   burst,
		entries: make(map[string]*limiterEntry),
	}
}

// Enabled reports whether limiting is active.
func (l *SendLimiter) Enabled() bool { return l != nil && l.limit > 0 }

// Wait blocks until key may send or ctx is done.
func (l *SendLimiter) Wait(ctx context.Context, key string) error {
	if !l.Enabled() {
		return nil
	}
	return l.get(key).Wait(ctx)
}

// Allow reports whether key may send right now, consuming a token if so.
func (l *SendLimiter) Allow(key string) bool {
	if !l.Enabled() {
		return true
	}
	return l.get(key).Allow()
}

func (l *SendLimiter) get(key string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	if e, ok := l.entries[key]; ok {
		e.lastUsed = now
		return e.limiter
	}

	// Prune idle entries when approaching the cap.
	if len(l.entries) >= maxTrackedKeys {
		for k, e := range l.entries {
			if now.Sub(e.lastUsed) >= limiterIdleTTL {
				delete(l.entries, k)
			}
		}
		// Hard eviction if still at cap (FIFO-ish via map iteration)
		for len(l.entries) >= maxTrackedKeys {
			for k := range l.entries {
				delete(l.entries, k)
				break
			}
		}
	}

	e := &limiterEntry{limiter: rate.NewLimiter(l.limit, l.burst), lastUsed: now}
	l.entries[key] = e
	return e.limiter
}

// Len returns the number of tracked chats.
func (l *SendLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
