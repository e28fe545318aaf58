package application

import (
	"sync"
	"time"
)

// dedupCache is an in-process TTL set over trigger keys. It is the fast
// dedup layer; the durable cross-check against recent feed activity covers
// process restarts.
type dedupCache struct {
	mu      sync.Mutex
	entries map[string]time.Time // key -> expiry
}

func newDedupCache() *dedupCache {
	return &dedupCache{entries: make(map[string]time.Time)}
}

// Add records key for ttl and reports whether it was absent. A second Add
// of a live key returns false.
func (c *dedupCache) Add(key string, now time.Time, ttl time.Duration) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	for k, expiry := range c.entries {
		if now.After(expiry) {
			delete(c.entries, k)
		}
	}
	if expiry, ok := c.entries[key]; ok && !now.After(expiry) {
		return false
	}
	c.entries[key] = now.Add(ttl)
	return true
}
