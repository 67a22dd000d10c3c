package persistence

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"tunestream/internal/core"
)

func openTestStore(t *testing.T, queueSize int) *FormatStore {
	t.Helper()
	config := &core.PersistenceConfig{
		Driver:    "sqlite",
		DSN:       filepath.Join(t.TempDir(), "formats.db"),
		QueueSize: queueSize,
	}
	store, err := Open(context.Background(), config, zap.NewNop())
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestFormatStore_SaveAndGet(t *testing.T) {
	store := openTestStore(t, 4)
	store.now = func() time.Time { return time.Unix(1_700_000_000, 0) }
	ctx := context.Background()

	meta := core.FormatMetadata{
		TrackID:       "abc123",
		Itag:          251,
		MimeType:      "audio/webm; codecs=\"opus\"",
		Bitrate:       160000,
		ContentLength: 4_000_000,
		Duration:      213 * time.Second,
	}
	if err := store.Save(ctx, meta); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	got, err := store.Get(ctx, "abc123")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Itag != 251 || got.Bitrate != 160000 || got.ContentLength != 4_000_000 {
		t.Errorf("Get() = %+v", got)
	}
	if got.Duration != "3:33" {
		t.Errorf("Expected duration 3:33, got %q", got.Duration)
	}
	if !got.UpdatedAt.Equal(time.Unix(1_700_000_000, 0)) {
		t.Errorf("Unexpected UpdatedAt %v", got.UpdatedAt)
	}
}

func TestFormatStore_UpsertOverwrites(t *testing.T) {
	store := openTestStore(t, 4)
	ctx := context.Background()

	_ = store.Save(ctx, core.FormatMetadata{TrackID: "abc123", Itag: 140, MimeType: "audio/mp4"})
	_ = store.Save(ctx, core.FormatMetadata{TrackID: "abc123", Itag: 251, MimeType: "audio/webm"})

	got, err := store.Get(ctx, "abc123")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Itag != 251 || got.MimeType != "audio/webm" {
		t.Errorf("Expected the newest row, got %+v", got)
	}

	n, err := store.Count(ctx)
	if err != nil || n != 1 {
		t.Errorf("Count() = %d, %v; expected 1 row", n, err)
	}
}

func TestFormatStore_GetMissing(t *testing.T) {
	store := openTestStore(t, 4)

	if _, err := store.Get(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestFormatStore_SaveRejectsEmptyID(t *testing.T) {
	store := openTestStore(t, 4)

	if err := store.Save(context.Background(), core.FormatMetadata{}); err == nil {
		t.Error("Save() should reject an empty track id")
	}
}

func TestFormatStore_RecordAndRun(t *testing.T) {
	store := openTestStore(t, 4)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- store.Run(ctx) }()

	store.Record(core.FormatMetadata{TrackID: "abc123", Itag: 251})

	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, err := store.Get(context.Background(), "abc123"); err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("Queued metadata was never written")
		}
		time.Sleep(5 * time.Millisecond)
	}

	cancel()
	if err := <-done; err != nil {
		t.Errorf("Run() returned %v", err)
	}
}

func TestFormatStore_RecordNeverBlocks(t *testing.T) {
	store := openTestStore(t, 1)

	// No writer running: the second record must be dropped, not block
	store.Record(core.FormatMetadata{TrackID: "a"})
	store.Record(core.FormatMetadata{TrackID: "b"})

	if store.dropped.Load() != 1 {
		t.Errorf("Expected 1 dropped record, got %d", store.dropped.Load())
	}
}

func TestFormatStore_DrainOnShutdown(t *testing.T) {
	store := openTestStore(t, 4)
	store.Record(core.FormatMetadata{TrackID: "a"})
	store.Record(core.FormatMetadata{TrackID: "b"})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := store.Run(ctx); err != nil {
		t.Fatalf("Run() returned %v", err)
	}

	n, err := store.Count(context.Background())
	if err != nil || n != 2 {
		t.Errorf("Expected queued rows to be drained, got %d, %v", n, err)
	}
}

func TestOpen_UnsupportedDriver(t *testing.T) {
	_, err := Open(context.Background(), &core.PersistenceConfig{Driver: "postgres"}, zap.NewNop())
	if err == nil {
		t.Error("Open() should reject unknown drivers")
	}
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		in       time.Duration
		expected string
	}{
		{0, "0:00"},
		{5 * time.Second, "0:05"},
		{213 * time.Second, "3:33"},
		{time.Hour + 2*time.Minute + 3*time.Second, "1:02:03"},
		{-time.Second, "0:00"},
	}

	for _, tt := range tests {
		if got := FormatDuration(tt.in); got != tt.expected {
			t.Errorf("FormatDuration(%v) = %q, expected %q", tt.in, got, tt.expected)
		}
	}
}
