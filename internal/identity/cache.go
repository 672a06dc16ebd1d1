package identity

import (
	"sync"
	"time"
)

type cacheEntry struct {
	key       *Key
	expiresAt time.Time
}

func (e *cacheEntry) expired() bool {
	return time.Now().After(e.expiresAt)
}

// keyCache holds looked-up keys for a fixed TTL. Registered keys never
// change, so the TTL only bounds memory held for idle entities.
type keyCache struct {
	mu      sync.RWMutex
	entries map[string]*cacheEntry
	ttl     time.Duration
}

func newKeyCache(ttl time.Duration) *keyCache {
	return &keyCache{entries: make(map[string]*cacheEntry), ttl: ttl}
}

func (c *keyCache) get(id string) (*Key, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[id]
	if !ok || e.expired() {
		return nil, false
	}
	return e.key, true
}

func (c *keyCache) set(id string, k *Key) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[id] = &cacheEntry{key: k, expiresAt: time.Now().Add(c.ttl)}
}

func (c *keyCache) invalidate(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, id)
}

// evict removes all expired entries and returns how many were dropped.
func (c *keyCache) evict() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for id, e := range c.entries {
		if e.expired() {
			delete(c.entries, id)
			n++
		}
	}
	return n
}

func (c *keyCache) len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
