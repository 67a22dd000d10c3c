// Package cooldown debounces repeated work on the same key.
package cooldown

import (
	"sync"
	"time"
)

const (
	// cleanupInterval is how often we clean up expired entries
	cleanupInterval = 5 * time.Minute
)

// Gate allows an action on a key at most once per window.
type Gate struct {
	window      time.Duration
	entries     map[string]time.Time // Key: track id, value: last allowed attempt
	mutex       sync.RWMutex
	now         func() time.Time
	stopCleanup chan struct{}
	stopOnce    sync.Once
}

// New creates a Gate with the given window and starts its cleanup goroutine.
func New(window time.Duration) *Gate {
	return NewWithClock(window, time.Now)
}

// NewWithClock is New with an injectable clock.
func NewWithClock(window time.Duration, now func() time.Time) *Gate {
	g := &Gate{
		window:      window,
		entries:     make(map[string]time.Time),
		now:         now,
		stopCleanup: make(chan struct{}),
	}

	go g.cleanup()

	return g
}

// Stop stops the background cleanup goroutine. It is safe to call more than once.
func (g *Gate) Stop() {
	g.stopOnce.Do(func() { close(g.stopCleanup) })
}

// Allow reports whether the key is outside its cooldown and, if so, starts a
// new cooldown for it.
func (g *Gate) Allow(key string) bool {
	now := g.now()

	g.mutex.Lock()
	defer g.mutex.Unlock()

	if last, exists := g.entries[key]; exists && now.Sub(last) < g.window {
		return false
	}

	g.entries[key] = now
	return true
}

// Last returns when the key last passed the gate.
func (g *Gate) Last(key string) (time.Time, bool) {
	g.mutex.RLock()
	defer g.mutex.RUnlock()
	at, ok := g.entries[key]
	return at, ok
}

func (g *Gate) cleanup() {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			g.performCleanup()
		case <-g.stopCleanup:
			return
		}
	}
}

// performCleanup drops keys whose cooldown has long expired
func (g *Gate) performCleanup() {
	g.mutex.Lock()
	defer g.mutex.Unlock()

	cutoff := g.now().Add(-g.window)
	for key, last := range g.entries {
		if last.Before(cutoff) {
			delete(g.entries, key)
		}
	}
}

// GetStats returns statistics about the gate for monitoring/debugging
func (g *Gate) GetStats() Stats {
	g.mutex.RLock()
	defer g.mutex.RUnlock()

	return Stats{
		ActiveKeys:    len(g.entries),
		WindowSeconds: g.window.Seconds(),
	}
}

// Stats contains gate statistics
type Stats struct {
	ActiveKeys    int     `json:"active_keys"`
	WindowSeconds float64 `json:"window_seconds"`
}
