// Package store provides the in-memory caches shared by the resolution paths.
package store

import (
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"tunestream/internal/core"
)

// URICache maps track ids to their most recently resolved stream URL with
// least-recently-used eviction. It is safe for concurrent use.
type URICache struct {
	entries   *lru.Cache[string, core.CacheEntry]
	capacity  int
	evictions atomic.Int64
}

// NewURICache creates a cache holding at most capacity entries.
func NewURICache(capacity int) *URICache {
	if capacity <= 0 {
		capacity = core.DefaultCacheCapacity
	}

	entries, _ := lru.New[string, core.CacheEntry](capacity)
	return &URICache{entries: entries, capacity: capacity}
}

// Get returns the cached entry for a track and marks it most recently used.
func (c *URICache) Get(trackID string) (core.CacheEntry, bool) {
	return c.entries.Get(trackID)
}

// Peek returns the cached entry for a track without touching its recency.
func (c *URICache) Peek(trackID string) (core.CacheEntry, bool) {
	return c.entries.Peek(trackID)
}

// Contains reports whether a track is cached without touching its recency.
func (c *URICache) Contains(trackID string) bool {
	return c.entries.Contains(trackID)
}

// Put inserts or overwrites the entry for a track. When the cache is full the
// least recently used entry is evicted; the entry just written never is.
func (c *URICache) Put(trackID, url string, contentLength int64, validUntil time.Time) {
	evicted := c.entries.Add(trackID, core.CacheEntry{
		TrackID:       trackID,
		URL:           url,
		ContentLength: contentLength,
		ValidUntil:    validUntil,
	})
	if evicted {
		c.evictions.Add(1)
	}
}

// Invalidate removes the entry for a track, if any.
func (c *URICache) Invalidate(trackID string) bool {
	return c.entries.Remove(trackID)
}

// Clear removes every entry.
func (c *URICache) Clear() {
	c.entries.Purge()
}

// Len returns the number of cached entries.
func (c *URICache) Len() int {
	return c.entries.Len()
}

// GetStats returns cache statistics for monitoring/debugging
func (c *URICache) GetStats() Stats {
	return Stats{
		Entries:   c.entries.Len(),
		Capacity:  c.capacity,
		Evictions: c.evictions.Load(),
	}
}

// Stats contains URI cache statistics
type Stats struct {
	Entries   int   `json:"entries"`
	Capacity  int   `json:"capacity"`
	Evictions int64 `json:"evictions"`
}
