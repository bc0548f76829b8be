package query

import (
	"sync"
	"time"
)

// lookupCache keeps per-version lookups in memory. Published version
// metadata is immutable, so entries only expire to bound memory, not for
// correctness. Draft versions are never cached.
type lookupCache struct {
	mu      sync.RWMutex
	entries map[string]*cacheEntry
	maxSize int
	maxAge  time.Duration

	hits   int64
	misses int64
}

type cacheEntry struct {
	lookup    *Lookup
	createdAt time.Time
	expiresAt time.Time
}

func newLookupCache(maxSize int, maxAge time.Duration) *lookupCache {
	return &lookupCache{
		entries: make(map[string]*cacheEntry),
		maxSize: maxSize,
		maxAge:  maxAge,
	}
}

func (c *lookupCache) get(versionID string) (*Lookup, bool) {
	c.mu.RLock()
	entry, ok := c.entries[versionID]
	c.mu.RUnlock()

	if !ok || time.Now().After(entry.expiresAt) {
		c.mu.Lock()
		if !ok {
			c.misses++
		} else {
			delete(c.entries, versionID)
			c.misses++
		}
		c.mu.Unlock()
		return nil, false
	}

	c.mu.Lock()
	c.hits++
	c.mu.Unlock()
	return entry.lookup, true
}

func (c *lookupCache) put(versionID string, lk *Lookup) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.entries) >= c.maxSize {
		c.evictOldest()
	}
	now := time.Now()
	c.entries[versionID] = &cacheEntry{
		lookup:    lk,
		createdAt: now,
		expiresAt: now.Add(c.maxAge),
	}
}

func (c *lookupCache) invalidate(versionID string) {
	c.mu.Lock()
	delete(c.entries, versionID)
	c.mu.Unlock()
}

// CacheStats reports lookup cache effectiveness.
type CacheStats struct {
	Entries int
	Hits    int64
	Misses  int64
	HitRate float64
}

func (c *lookupCache) stats() CacheStats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	s := CacheStats{Entries: len(c.entries), Hits: c.hits, Misses: c.misses}
	if total := c.hits + c.misses; total > 0 {
		s.HitRate = float64(c.hits) / float64(total)
	}
	return s
}

func (c *lookupCache) evictOldest() {
	var oldestKey string
	var oldest *cacheEntry
	for key, entry := range c.entries {
		if oldest == nil || entry.createdAt.Before(oldest.createdAt) {
			oldest = entry
			oldestKey = key
		}
	}
	if oldestKey != "" {
		delete(c.entries, oldestKey)
	}
}
