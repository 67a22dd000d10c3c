package status

import (
	"testing"
	"time"

	"go.uber.org/zap"

	"tunestream/internal/cooldown"
	"tunestream/internal/core"
	"tunestream/internal/playback"
	"tunestream/internal/retry"
	"tunestream/internal/store"
)

type fixture struct {
	reporter *Reporter
	cache    *store.URICache
	terminal *store.TerminalSet
	retries  *retry.Manager
	gate     *cooldown.Gate
	tracker  *playback.Tracker
	now      time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	now := time.Unix(1_700_000_000, 0)
	f := &fixture{
		cache:    store.NewURICache(8),
		terminal: store.NewTerminalSet(8, 0.01),
		retries: retry.NewManager(&core.RetryConfig{
			Schedule: []time.Duration{time.Second, 2 * time.Second},
		}, zap.NewNop()),
		gate:    cooldown.NewWithClock(6*time.Second, func() time.Time { return now }),
		tracker: playback.NewTracker(),
		now:     now,
	}
	t.Cleanup(f.gate.Stop)
	f.reporter = New(f.cache, f.terminal, f.retries, f.gate, f.tracker)
	f.reporter.now = func() time.Time { return now }
	return f
}

func TestReporter_Overview(t *testing.T) {
	f := newFixture(t)
	f.cache.Put("abc123", "https://x/a", 100, time.Time{})
	f.terminal.Add("gone01", core.KindContentUnavailable)
	f.gate.Allow("abc123")

	o := f.reporter.Overview()
	if o.Cache.Entries != 1 || o.Cache.Capacity != 8 {
		t.Errorf("Unexpected cache stats %+v", o.Cache)
	}
	if o.TerminalTracks != 1 {
		t.Errorf("Expected 1 terminal track, got %d", o.TerminalTracks)
	}
	if o.Cooldown.ActiveKeys != 1 || o.Cooldown.WindowSeconds != 6 {
		t.Errorf("Unexpected cooldown stats %+v", o.Cooldown)
	}
	if len(o.RetrySchedule) != 2 || o.RetrySchedule[0] != "1s" || o.RetrySchedule[1] != "2s" {
		t.Errorf("Unexpected retry schedule %v", o.RetrySchedule)
	}
	if o.Playback.UpdatedAt != nil {
		t.Error("No snapshot has been reported yet")
	}
}

func TestReporter_OverviewPlayback(t *testing.T) {
	f := newFixture(t)
	f.tracker.Update(core.PlaybackSnapshot{
		TrackID:          "abc123",
		Playing:          true,
		Position:         10 * time.Second,
		BufferedPosition: 15 * time.Second,
	})

	p := f.reporter.Overview().Playback
	if p.TrackID != "abc123" || !p.Playing {
		t.Errorf("Unexpected playback %+v", p)
	}
	if p.PositionMs != 10000 || p.BufferedAheadMs != 5000 {
		t.Errorf("Unexpected positions %+v", p)
	}
	if p.UpdatedAt == nil {
		t.Error("Expected the snapshot arrival time")
	}
}

func TestReporter_Track(t *testing.T) {
	f := newFixture(t)
	validUntil := f.now.Add(-time.Minute)
	f.cache.Put("abc123", "https://x/a", 100, validUntil)
	f.gate.Allow("abc123")
	if _, ok := f.retries.NextRetryDelay("abc123", core.NewError(core.KindNetwork, "abc123", "reset")); !ok {
		t.Fatal("Expected a retry to be scheduled")
	}

	track := f.reporter.Track("abc123")
	if !track.Cached || !track.Expired {
		t.Errorf("Expected a cached, expired entry, got %+v", track)
	}
	if track.ValidUntil == nil || !track.ValidUntil.Equal(validUntil) {
		t.Errorf("Unexpected validUntil %v", track.ValidUntil)
	}
	if track.Retry.Attempts != 1 || track.Retry.LastKind != "network" {
		t.Errorf("Unexpected retry state %+v", track.Retry)
	}
	if track.LastRefresh == nil || !track.LastRefresh.Equal(f.now) {
		t.Errorf("Unexpected last refresh %v", track.LastRefresh)
	}
	if track.TerminalKind != "" {
		t.Errorf("Track should not be terminal, got %q", track.TerminalKind)
	}
}

func TestReporter_TrackUnknown(t *testing.T) {
	f := newFixture(t)
	f.terminal.Add("gone01", core.KindLoginRequired)

	track := f.reporter.Track("gone01")
	if track.Cached || track.ValidUntil != nil || track.LastRefresh != nil {
		t.Errorf("Expected nothing cached, got %+v", track)
	}
	if track.TerminalKind != "login_required" {
		t.Errorf("Expected login_required, got %q", track.TerminalKind)
	}
	if track.Retry.TrackID != "gone01" || track.Retry.Attempts != 0 {
		t.Errorf("Unexpected retry state %+v", track.Retry)
	}
}
