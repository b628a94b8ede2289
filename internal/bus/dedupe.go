package bus

import (
	"sync"
	"time"
)

// DedupeCache is a TTL + size bounded set of recently seen message keys.
// Webhook retries and gateway reconnect replays deliver the same external
// message more than once; the cache keeps them from duplicating a batch.
type DedupeCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	maxSize int
	seen    map[string]time.Time
}

func NewDedupeCache(ttl time.Duration, maxSize int) *DedupeCache {
	return &DedupeCache{
		ttl:     ttl,
		maxSize: maxSize,
		seen:    make(map[string]time.Time),
	}
}

// IsDuplicate reports whether key was seen within the TTL, recording it
// either way.
func (c *DedupeCache) IsDuplicate(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()

	if at, ok := c.seen[key]; ok && now.Sub(at) < c.ttl {
		return true
	}

	// Prune expired entries when at capacity; hard-evict if pruning
	// freed nothing (map iteration order is effectively random).
	if len(c.seen) >= c.maxSize {
		for k, at := range c.seen {
			if now.Sub(at) >= c.ttl {
				delete(c.seen, k)
			}
		}
		for len(c.seen) >= c.maxSize {
			for k := range c.seen {
				delete(c.seen, k)
				break
			}
		}
	}

	c.seen[key] = now
	return false
}
