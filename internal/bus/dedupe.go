package bus

import (
	"sync"
	"time"
)

// DedupeCache remembers recently seen keys for a fixed TTL. Channel
// webhooks redeliver on slow acks; the inbound consumer uses this to
// swallow those redeliveries before they reach the run queue.
type DedupeCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	maxSize int
	seen    map[string]time.Time
	now     func() time.Time
}

// NewDedupeCache creates a cache holding at most maxSize keys for ttl each.
func NewDedupeCache(ttl time.Duration, maxSize int) *DedupeCache {
	return &DedupeCache{
		ttl:     ttl,
		maxSize: maxSize,
		seen:    make(map[string]time.Time),
		now:     time.Now,
	}
}

// IsDuplicate reports whether key was seen within the TTL, recording it otherwise.
func (c *DedupeCache) IsDuplicate(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if at, ok := c.seen[key]; ok && now.Sub(at) < c.ttl {
		return true
	}
	if len(c.seen) >= c.maxSize {
		c.evict(now)
	}
	c.seen[key] = now
	return false
}

// Len returns the number of tracked keys.
func (c *DedupeCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.seen)
}

// evict drops expired keys, then the oldest key if still full.
func (c *DedupeCache) evict(now time.Time) {
	for k, at := range c.seen {
		if now.Sub(at) >= c.ttl {
			delete(c.seen, k)
		}
	}
	if len(c.seen) < c.maxSize {
		return
	}
	var oldestKey string
	var oldest time.Time
	for k, at := range c.seen {
		if oldestKey == "" || at.Before(oldest) {
			oldestKey, oldest = k, at
		}
	}
	delete(c.seen, oldestKey)
}
