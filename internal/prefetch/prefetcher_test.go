package prefetch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"tunestream/internal/core"
)

// mockWarmer implements Warmer for testing
type mockWarmer struct {
	mutex    sync.Mutex
	cached   map[string]bool
	terminal map[string]bool
	failing  map[string]bool
	warmed   []string
	inFlight atomic.Int32
	peak     atomic.Int32
	delay    time.Duration
}

func newMockWarmer() *mockWarmer {
	return &mockWarmer{
		cached:   make(map[string]bool),
		terminal: make(map[string]bool),
		failing:  make(map[string]bool),
	}
}

func (m *mockWarmer) Warm(_ context.Context, trackID string) error {
	n := m.inFlight.Add(1)
	defer m.inFlight.Add(-1)
	for {
		peak := m.peak.Load()
		if n <= peak || m.peak.CompareAndSwap(peak, n) {
			break
		}
	}
	if m.delay > 0 {
		time.Sleep(m.delay)
	}

	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.warmed = append(m.warmed, trackID)
	if m.failing[trackID] {
		return errors.New("extraction failed")
	}
	m.cached[trackID] = true
	return nil
}

func (m *mockWarmer) Cached(trackID string) bool {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.cached[trackID]
}

func (m *mockWarmer) KnownTerminal(trackID string) bool {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.terminal[trackID]
}

func (m *mockWarmer) warmedCount() int {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return len(m.warmed)
}

func newTestPrefetcher(w Warmer, concurrency int) *Prefetcher {
	return New(&core.PrefetchConfig{MaxItems: 6, Concurrency: concurrency}, w, zap.NewNop(), nil)
}

func TestPrefetcher_Plan(t *testing.T) {
	w := newMockWarmer()
	w.cached["cached"] = true
	w.terminal["blocked"] = true
	p := newTestPrefetcher(w, 2)

	planned, skipped := p.Plan([]string{"a", "cached", "b", "a", "", "blocked", "c"})

	expected := []string{"a", "b", "c"}
	if len(planned) != len(expected) {
		t.Fatalf("Plan() = %v, expected %v", planned, expected)
	}
	for i := range expected {
		if planned[i] != expected[i] {
			t.Errorf("planned[%d] = %q, expected %q", i, planned[i], expected[i])
		}
	}
	if skipped != 2 {
		t.Errorf("Expected 2 skipped items, got %d", skipped)
	}
}

func TestPrefetcher_CapsAtMaxItems(t *testing.T) {
	w := newMockWarmer()
	p := newTestPrefetcher(w, 3)

	ids := make([]string, 10)
	for i := range ids {
		ids[i] = fmt.Sprintf("track%d", i)
	}

	report := p.Prefetch(context.Background(), ids)
	if report.Planned != 6 || report.Warmed != 6 {
		t.Errorf("Expected 6 planned and warmed, got %+v", report)
	}
	if report.Skipped != 4 {
		t.Errorf("Expected 4 skipped over the cap, got %d", report.Skipped)
	}
	if w.warmedCount() != 6 {
		t.Errorf("Expected 6 warm calls, got %d", w.warmedCount())
	}
}

func TestPrefetcher_FailuresAreBestEffort(t *testing.T) {
	w := newMockWarmer()
	w.failing["b"] = true
	p := newTestPrefetcher(w, 2)

	report := p.Prefetch(context.Background(), []string{"a", "b", "c"})
	if report.Warmed != 2 || report.Failed != 1 {
		t.Errorf("Expected 2 warmed and 1 failed, got %+v", report)
	}
}

func TestPrefetcher_BoundedConcurrency(t *testing.T) {
	w := newMockWarmer()
	w.delay = 20 * time.Millisecond
	p := newTestPrefetcher(w, 2)

	p.Prefetch(context.Background(), []string{"a", "b", "c", "d", "e", "f"})

	if peak := w.peak.Load(); peak > 2 {
		t.Errorf("Expected at most 2 concurrent warms, got %d", peak)
	}
}

func TestPrefetcher_CancelledContext(t *testing.T) {
	w := newMockWarmer()
	p := newTestPrefetcher(w, 1)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	report := p.Prefetch(ctx, []string{"a", "b"})
	if report.Warmed != 0 || w.warmedCount() != 0 {
		t.Errorf("Cancelled prefetch should not warm anything, got %+v", report)
	}
}

func TestPrefetcher_RateLimited(t *testing.T) {
	w := newMockWarmer()
	p := New(&core.PrefetchConfig{MaxItems: 6, Concurrency: 4, RatePerSecond: 1000}, w, zap.NewNop(), nil)

	report := p.Prefetch(context.Background(), []string{"a", "b", "c"})
	if report.Warmed != 3 {
		t.Errorf("Expected 3 warmed with a generous limiter, got %+v", report)
	}
}

func TestPrefetcher_SubmitAndRun(t *testing.T) {
	w := newMockWarmer()
	p := newTestPrefetcher(w, 2)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	if !p.Submit([]string{"a", "b"}) {
		t.Fatal("Submit should accept a batch")
	}

	deadline := time.Now().Add(2 * time.Second)
	for w.warmedCount() < 2 {
		if time.Now().After(deadline) {
			t.Fatal("Submitted batch was never processed")
		}
		time.Sleep(5 * time.Millisecond)
	}

	cancel()
	if err := <-done; err != nil {
		t.Errorf("Run() returned %v", err)
	}
}

func TestPrefetcher_SubmitDropsWhenFull(t *testing.T) {
	p := newTestPrefetcher(newMockWarmer(), 1)

	// No worker running, so the queue fills up
	for i := 0; i < submitQueueSize; i++ {
		if !p.Submit([]string{"a"}) {
			t.Fatalf("Submit %d should be accepted", i)
		}
	}
	if p.Submit([]string{"a"}) {
		t.Error("Submit should drop batches when the queue is full")
	}
}
