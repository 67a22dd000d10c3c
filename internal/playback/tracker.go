// Package playback follows the host player and turns its failures into retry
// or skip decisions.
package playback

import (
	"sync"
	"time"

	"tunestream/internal/core"
)

// Tracker holds the latest snapshot reported by the host. It implements
// core.PlaybackState.
type Tracker struct {
	mutex    sync.RWMutex
	snapshot core.PlaybackSnapshot
	updated  time.Time
	now      func() time.Time
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{now: time.Now}
}

// Snapshot returns the latest snapshot.
func (t *Tracker) Snapshot() core.PlaybackSnapshot {
	t.mutex.RLock()
	defer t.mutex.RUnlock()
	return t.snapshot
}

// Update stores a snapshot and returns the one it replaced.
func (t *Tracker) Update(snapshot core.PlaybackSnapshot) core.PlaybackSnapshot {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	previous := t.snapshot
	t.snapshot = snapshot
	t.updated = t.now()
	return previous
}

// UpdatedAt returns when the last snapshot arrived.
func (t *Tracker) UpdatedAt() time.Time {
	t.mutex.RLock()
	defer t.mutex.RUnlock()
	return t.updated
}
