package presence

import (
	"sync"
	"time"
)

// cacheEntry is the last computed answer for one user. Owned and mutated
// exclusively by the Tracker; consumers only ever see Status copies.
type cacheEntry struct {
	status     Status
	computedAt time.Time
}

// Cache bounds redundant recomputation under high-frequency reads: a fresh
// entry is returned as-is, an expired or invalidated one forces a
// recompute.
type Cache struct {
	mu      sync.RWMutex
	ttl     time.Duration
	entries map[string]cacheEntry
}

// NewCache constructs a cache with the given freshness TTL.
func NewCache(ttl time.Duration) *Cache {
	return &Cache{
		ttl:     ttl,
		entries: make(map[string]cacheEntry),
	}
}

// Get returns the cached status when it is still fresh at now.
func (c *Cache) Get(userID string, now time.Time) (Status, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.entries[userID]
	if !ok {
		return Status{}, false
	}
	if now.Sub(entry.computedAt) >= c.ttl {
		return Status{}, false
	}
	return entry.status, true
}

// Put stores a freshly computed status.
func (c *Cache) Put(userID string, status Status, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[userID] = cacheEntry{status: status, computedAt: now}
}

// Invalidate drops the entry for one user.
func (c *Cache) Invalidate(userID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, userID)
}
