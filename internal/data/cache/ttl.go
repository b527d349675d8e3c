package cache

import (
	"sync"
	"time"
)

// TTLCache is a small in-memory cache with per-entry expiration and LRU
// eviction at capacity. It backs credential validation verdicts and other
// short-lived lookups.
type TTLCache struct {
	mu         sync.RWMutex
	entries    map[string]*cacheEntry
	maxEntries int64
	stats      cacheStats

	stopCh chan struct{}
}

type cacheEntry struct {
	value    interface{}
	expires  time.Time
	accessed time.Time
	hits     int64
}

type cacheStats struct {
	hits        int64
	misses      int64
	evictions   int64
	cleanupRuns int64
}

// Stats is a point-in-time view of cache effectiveness.
type Stats struct {
	Hits      int64   `json:"hits"`
	Misses    int64   `json:"misses"`
	Evictions int64   `json:"evictions"`
	Entries   int64   `json:"entries"`
	HitRatio  float64 `json:"hit_ratio"`
}

// NewTTLCache creates a new TTL cache with the specified maximum entries.
func NewTTLCache(maxEntries int64) *TTLCache {
	cache := &TTLCache{
		entries:    make(map[string]*cacheEntry),
		maxEntries: maxEntries,
		stopCh:     make(chan struct{}),
	}

	go cache.cleanup()

	return cache
}

// Get retrieves a value from cache if not expired.
func (c *TTLCache) Get(key string) (interface{}, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, exists := c.entries[key]
	if !exists {
		c.stats.misses++
		return nil, false
	}

	if time.Now().After(entry.expires) {
		c.stats.misses++
		// Leave removal to the cleanup pass
		return nil, false
	}

	entry.accessed = time.Now()
	entry.hits++
	c.stats.hits++

	return entry.value, true
}

// Set stores a value in cache with TTL.
func (c *TTLCache) Set(key string, value interface{}, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if int64(len(c.entries)) >= c.maxEntries {
		c.evictLRU()
	}

	c.entries[key] = &cacheEntry{
		value:    value,
		expires:  time.Now().Add(ttl),
		accessed: time.Now(),
		hits:     0,
	}
}

// Delete removes one entry.
func (c *TTLCache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.entries, key)
}

// Stats returns cache performance statistics.
func (c *TTLCache) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	totalRequests := c.stats.hits + c.stats.misses
	hitRatio := 0.0
	if totalRequests > 0 {
		hitRatio = float64(c.stats.hits) / float64(totalRequests)
	}

	return Stats{
		Hits:      c.stats.hits,
		Misses:    c.stats.misses,
		Evictions: c.stats.evictions,
		Entries:   int64(len(c.entries)),
		HitRatio:  hitRatio,
	}
}

// Clear removes all entries from cache.
func (c *TTLCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries = make(map[string]*cacheEntry)
	c.stats = cacheStats{}
}

// Stop shuts down the cleanup goroutine.
func (c *TTLCache) Stop() {
	close(c.stopCh)
}

// evictLRU removes the least recently used entry (caller must hold write lock).
func (c *TTLCache) evictLRU() {
	if len(c.entries) == 0 {
		return
	}

	var oldestKey string
	var oldestTime time.Time = time.Now()

	for key, entry := range c.entries {
		if entry.accessed.Before(oldestTime) {
			oldestTime = entry.accessed
			oldestKey = key
		}
	}

	if oldestKey != "" {
		delete(c.entries, oldestKey)
		c.stats.evictions++
	}
}

// cleanup runs periodically to remove expired entries.
func (c *TTLCache) cleanup() {
	ticker := time.NewTicker(1 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.removeExpired()
		}
	}
}

// removeExpired removes all expired entries.
func (c *TTLCache) removeExpired() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	for key, entry := range c.entries {
		if now.After(entry.expires) {
			delete(c.entries, key)
		}
	}

	c.stats.cleanupRuns++
}
