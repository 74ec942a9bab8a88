package tools

import (
	"sync"
	"time"
)

const (
	defaultCacheTTL        = 15 * time.Minute
	defaultCacheMaxEntries = 128
)

// webCache is a small TTL cache shared by the web tools.
type webCache struct {
	mu         sync.Mutex
	maxEntries int
	ttl        time.Duration
	entries    map[string]webCacheEntry
}

type webCacheEntry struct {
	value   string
	expires time.Time
}

func newWebCache(maxEntries int, ttl time.Duration) *webCache {
	return &webCache{
		maxEntries: maxEntries,
		ttl:        ttl,
		entries:    make(map[string]webCacheEntry),
	}
}

func (c *webCache) get(key string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return "", false
	}
	if time.Now().After(e.expires) {
		delete(c.entries, key)
		return "", false
	}
	return e.value, true
}

func (c *webCache) set(key, value string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.entries) >= c.maxEntries {
		// Evict whatever has expired; if nothing has, drop the map. A
		// proper LRU is not worth it at this size.
		evicted := false
		now := time.Now()
		for k, e := range c.entries {
			if now.After(e.expires) {
				delete(c.entries, k)
				evicted = true
			}
		}
		if !evicted {
			c.entries = make(map[string]webCacheEntry)
		}
	}
	c.entries[key] = webCacheEntry{value: value, expires: time.Now().Add(c.ttl)}
}
