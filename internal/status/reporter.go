// Package status summarizes the in-memory state of the resolution core for
// operators.
package status

import (
	"time"

	"tunestream/internal/cooldown"
	"tunestream/internal/playback"
	"tunestream/internal/retry"
	"tunestream/internal/store"
)

// Reporter reads the shared caches and trackers without mutating them.
type Reporter struct {
	cache    *store.URICache
	terminal *store.TerminalSet
	retries  *retry.Manager
	gate     *cooldown.Gate
	tracker  *playback.Tracker
	now      func() time.Time
}

// Overview is the service-wide state.
type Overview struct {
	Cache          store.Stats    `json:"cache"`
	Cooldown       cooldown.Stats `json:"cooldown"`
	TerminalTracks int            `json:"terminalTracks"`
	RetrySchedule  []string       `json:"retrySchedule"`
	Playback       Playback       `json:"playback"`
}

// Playback is the last snapshot reported by the host.
type Playback struct {
	TrackID         string     `json:"trackId,omitempty"`
	Playing         bool       `json:"playing"`
	Local           bool       `json:"local"`
	PositionMs      int64      `json:"positionMs"`
	BufferedAheadMs int64      `json:"bufferedAheadMs"`
	UpdatedAt       *time.Time `json:"updatedAt,omitempty"`
}

// Track is the state held for a single track.
type Track struct {
	TrackID      string      `json:"trackId"`
	Cached       bool        `json:"cached"`
	Expired      bool        `json:"expired"`
	ValidUntil   *time.Time  `json:"validUntil,omitempty"`
	TerminalKind string      `json:"terminalKind,omitempty"`
	Retry        retry.State `json:"retry"`
	LastRefresh  *time.Time  `json:"lastRefresh,omitempty"`
}

// New creates a Reporter. gate may be nil when background refresh is off.
func New(cache *store.URICache, terminal *store.TerminalSet, retries *retry.Manager,
	gate *cooldown.Gate, tracker *playback.Tracker) *Reporter {
	return &Reporter{
		cache:    cache,
		terminal: terminal,
		retries:  retries,
		gate:     gate,
		tracker:  tracker,
		now:      time.Now,
	}
}

// Overview returns the service-wide state.
func (r *Reporter) Overview() Overview {
	schedule := r.retries.Schedule()
	delays := make([]string, len(schedule))
	for i, d := range schedule {
		delays[i] = d.String()
	}

	o := Overview{
		Cache:          r.cache.GetStats(),
		TerminalTracks: r.terminal.Size(),
		RetrySchedule:  delays,
		Playback:       r.playback(),
	}
	if r.gate != nil {
		o.Cooldown = r.gate.GetStats()
	}
	return o
}

func (r *Reporter) playback() Playback {
	snapshot := r.tracker.Snapshot()
	p := Playback{
		TrackID:         snapshot.TrackID,
		Playing:         snapshot.Playing,
		Local:           snapshot.Local,
		PositionMs:      snapshot.Position.Milliseconds(),
		BufferedAheadMs: snapshot.BufferedAhead().Milliseconds(),
	}
	if updated := r.tracker.UpdatedAt(); !updated.IsZero() {
		p.UpdatedAt = &updated
	}
	return p
}

// Track returns the state held for trackID.
func (r *Reporter) Track(trackID string) Track {
	t := Track{TrackID: trackID}

	if entry, ok := r.cache.Peek(trackID); ok {
		t.Cached = true
		t.Expired = entry.Expired(r.now())
		if !entry.ValidUntil.IsZero() {
			validUntil := entry.ValidUntil
			t.ValidUntil = &validUntil
		}
	}
	if kind, ok := r.terminal.Kind(trackID); ok {
		t.TerminalKind = kind.String()
	}
	t.Retry, _ = r.retries.Snapshot(trackID)
	if r.gate != nil {
		if last, ok := r.gate.Last(trackID); ok {
			t.LastRefresh = &last
		}
	}
	return t
}
