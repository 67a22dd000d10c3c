package store

import (
	"fmt"
	"sync"
	"testing"
	"time"
)

func TestURICache_PutGet(t *testing.T) {
	cache := NewURICache(64)

	if _, ok := cache.Get("abc123"); ok {
		t.Error("Empty cache should miss")
	}

	validUntil := time.Unix(1_700_000_000, 0)
	cache.Put("abc123", "https://x/y", 4096, validUntil)

	entry, ok := cache.Get("abc123")
	if !ok {
		t.Fatal("Cache should hit after Put")
	}
	if entry.TrackID != "abc123" || entry.URL != "https://x/y" {
		t.Errorf("Unexpected entry %+v", entry)
	}
	if entry.ContentLength != 4096 || !entry.ValidUntil.Equal(validUntil) {
		t.Errorf("Metadata not preserved: %+v", entry)
	}
}

func TestURICache_PutIsIdempotent(t *testing.T) {
	cache := NewURICache(64)

	cache.Put("abc123", "https://x/old", 0, time.Time{})
	cache.Put("abc123", "https://x/new", 0, time.Time{})
	cache.Put("abc123", "https://x/new", 0, time.Time{})

	if cache.Len() != 1 {
		t.Errorf("Cache should hold one entry per track, got %d", cache.Len())
	}

	entry, _ := cache.Get("abc123")
	if entry.URL != "https://x/new" {
		t.Errorf("Cache should hold the most recent URL, got %q", entry.URL)
	}
}

func TestURICache_EvictionBound(t *testing.T) {
	capacity := 64
	cache := NewURICache(capacity)

	for i := 0; i <= capacity; i++ {
		cache.Put(fmt.Sprintf("track%d", i), fmt.Sprintf("https://x/%d", i), 0, time.Time{})
	}

	if cache.Len() != capacity {
		t.Errorf("Cache should hold exactly %d entries, got %d", capacity, cache.Len())
	}
	if cache.Contains("track0") {
		t.Error("Least recently used entry should have been evicted")
	}
	if !cache.Contains(fmt.Sprintf("track%d", capacity)) {
		t.Error("Entry just written must never be evicted")
	}
	if stats := cache.GetStats(); stats.Evictions != 1 {
		t.Errorf("Expected 1 eviction, got %d", stats.Evictions)
	}
}

func TestURICache_GetRefreshesRecency(t *testing.T) {
	cache := NewURICache(3)

	cache.Put("a", "https://x/a", 0, time.Time{})
	cache.Put("b", "https://x/b", 0, time.Time{})
	cache.Put("c", "https://x/c", 0, time.Time{})

	// Touch "a" so "b" becomes the least recently used
	if _, ok := cache.Get("a"); !ok {
		t.Fatal("Expected hit for a")
	}
	cache.Put("d", "https://x/d", 0, time.Time{})

	if !cache.Contains("a") {
		t.Error("Recently read entry should survive eviction")
	}
	if cache.Contains("b") {
		t.Error("Least recently used entry should be evicted")
	}
}

func TestURICache_ContainsDoesNotRefreshRecency(t *testing.T) {
	cache := NewURICache(2)

	cache.Put("a", "https://x/a", 0, time.Time{})
	cache.Put("b", "https://x/b", 0, time.Time{})

	cache.Contains("a")
	cache.Put("c", "https://x/c", 0, time.Time{})

	if cache.Contains("a") {
		t.Error("Contains should not refresh recency")
	}
}

func TestURICache_InvalidateAndClear(t *testing.T) {
	cache := NewURICache(64)

	cache.Put("a", "https://x/a", 0, time.Time{})
	cache.Put("b", "https://x/b", 0, time.Time{})

	if !cache.Invalidate("a") {
		t.Error("Invalidate should report removal of a present entry")
	}
	if cache.Invalidate("a") {
		t.Error("Invalidate should report nothing removed the second time")
	}
	if cache.Contains("a") {
		t.Error("Invalidated entry should be gone")
	}

	cache.Clear()
	if cache.Len() != 0 {
		t.Errorf("Cache should be empty after Clear, got %d", cache.Len())
	}
}

func TestURICache_DefaultCapacity(t *testing.T) {
	cache := NewURICache(0)
	if stats := cache.GetStats(); stats.Capacity != 64 {
		t.Errorf("Expected default capacity 64, got %d", stats.Capacity)
	}
}

func TestURICache_ConcurrentAccess(t *testing.T) {
	cache := NewURICache(16)

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				id := fmt.Sprintf("track%d", (w*7+i)%40)
				cache.Put(id, "https://x/"+id, 0, time.Time{})
				cache.Get(id)
				if i%10 == 0 {
					cache.Invalidate(id)
				}
			}
		}(w)
	}
	wg.Wait()

	if cache.Len() > 16 {
		t.Errorf("Cache exceeded capacity under concurrency: %d", cache.Len())
	}
}
