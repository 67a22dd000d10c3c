package retry

import (
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"tunestream/internal/core"
)

func newTestManager() *Manager {
	return NewManager(&core.RetryConfig{
		Schedule: []time.Duration{500 * time.Millisecond, 1500 * time.Millisecond, 3000 * time.Millisecond},
	}, zap.NewNop())
}

func TestManager_BackoffMonotonicity(t *testing.T) {
	m := newTestManager()
	networkErr := core.NewError(core.KindNetwork, "abc123", "connection reset")

	expected := []time.Duration{500 * time.Millisecond, 1500 * time.Millisecond, 3000 * time.Millisecond}
	for i, want := range expected {
		delay, ok := m.NextRetryDelay("abc123", networkErr)
		if !ok {
			t.Fatalf("Failure %d should be retried", i+1)
		}
		if delay != want {
			t.Errorf("Failure %d delay = %v, expected %v", i+1, delay, want)
		}
	}

	if delay, ok := m.NextRetryDelay("abc123", networkErr); ok {
		t.Errorf("Fourth failure should not be retried, got delay %v", delay)
	}
}

func TestManager_ResetOnSuccess(t *testing.T) {
	m := newTestManager()
	err := errors.New("something odd")

	m.NextRetryDelay("abc123", err)
	m.NextRetryDelay("abc123", err)
	m.Reset("abc123")

	delay, ok := m.NextRetryDelay("abc123", err)
	if !ok || delay != 500*time.Millisecond {
		t.Errorf("After Reset first delay = %v, %v; expected 500ms, true", delay, ok)
	}
}

func TestManager_TerminalErrorsAreNotRetried(t *testing.T) {
	tests := []struct {
		name string
		kind core.ErrorKind
	}{
		{name: "Id mismatch", kind: core.KindIDMismatch},
		{name: "Login required", kind: core.KindLoginRequired},
		{name: "Restricted", kind: core.KindRestricted},
		{name: "Content unavailable", kind: core.KindContentUnavailable},
		{name: "Canceled", kind: core.KindCanceled},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newTestManager()
			if _, ok := m.NextRetryDelay("abc123", core.NewError(tt.kind, "abc123", "")); ok {
				t.Errorf("%s should never be retried", tt.kind)
			}
			if m.Attempts("abc123") != 0 {
				t.Error("Terminal failures should not consume attempts")
			}
		})
	}
}

func TestManager_IDMismatchTerminalWithBudgetLeft(t *testing.T) {
	m := newTestManager()

	// Budget is untouched, mismatch still terminal
	if _, ok := m.NextRetryDelay("abc123", core.NewIDMismatchError("abc123", "zzz")); ok {
		t.Error("Id mismatch must be terminal regardless of remaining budget")
	}
}

func TestManager_ForceFreshIsOneShot(t *testing.T) {
	m := newTestManager()

	if m.ConsumeForceFreshResolve("abc123") {
		t.Error("No forced-fresh resolve should be pending initially")
	}

	m.MarkForceFreshResolve("abc123")
	if !m.ConsumeForceFreshResolve("abc123") {
		t.Error("Forced-fresh resolve should be pending after Mark")
	}
	if m.ConsumeForceFreshResolve("abc123") {
		t.Error("Forced-fresh flag should be cleared after consumption")
	}
}

func TestManager_PrepareRetry(t *testing.T) {
	m := newTestManager()

	called := false
	m.PrepareRetry("abc123", func() { called = true })

	if !called {
		t.Error("PrepareRetry should invoke onPrepare synchronously")
	}
	if m.Attempts("abc123") != 1 {
		t.Errorf("PrepareRetry should count an attempt, got %d", m.Attempts("abc123"))
	}
	if !m.ConsumeForceFreshResolve("abc123") {
		t.Error("PrepareRetry should mark a forced-fresh resolve")
	}
}

func TestManager_PrepareAfterDelayCountsOnce(t *testing.T) {
	m := newTestManager()
	err := core.NewError(core.KindParsing, "abc123", "")

	for i := 0; i < 3; i++ {
		if _, ok := m.NextRetryDelay("abc123", err); !ok {
			t.Fatalf("Attempt %d should be retried", i+1)
		}
		m.PrepareRetry("abc123", nil)
		if !m.ConsumeForceFreshResolve("abc123") {
			t.Fatalf("Attempt %d should be forced-fresh", i+1)
		}
	}

	if m.Attempts("abc123") != 3 {
		t.Errorf("Expected 3 attempts, got %d", m.Attempts("abc123"))
	}
	if _, ok := m.NextRetryDelay("abc123", err); ok {
		t.Error("Schedule should be exhausted after three failures")
	}
}

func TestManager_RangeNotSatisfiableBypassesBudget(t *testing.T) {
	m := newTestManager()
	networkErr := core.NewError(core.KindNetwork, "abc123", "")
	rangeErr := core.NewStatusError("abc123", 416)

	// Exhaust the normal schedule
	for i := 0; i < 3; i++ {
		m.NextRetryDelay("abc123", networkErr)
	}

	delay, ok := m.NextRetryDelay("abc123", rangeErr)
	if !ok || delay != 0 {
		t.Errorf("416 should be recovered immediately, got %v, %v", delay, ok)
	}
	if !m.ConsumeForceFreshResolve("abc123") {
		t.Error("416 recovery should force a fresh resolve")
	}
	if m.Attempts("abc123") != 3 {
		t.Errorf("416 recovery should not reset or advance attempts, got %d", m.Attempts("abc123"))
	}

	// The separate range budget is bounded
	m.NextRetryDelay("abc123", rangeErr)
	m.NextRetryDelay("abc123", rangeErr)
	if _, ok := m.NextRetryDelay("abc123", rangeErr); ok {
		t.Error("Range recovery budget should be bounded")
	}
}

func TestManager_IndependentTracks(t *testing.T) {
	m := newTestManager()
	err := core.NewError(core.KindNetwork, "", "")

	m.NextRetryDelay("a", err)
	m.NextRetryDelay("a", err)

	delay, ok := m.NextRetryDelay("b", err)
	if !ok || delay != 500*time.Millisecond {
		t.Errorf("Track b should start its own schedule, got %v, %v", delay, ok)
	}
}

func TestManager_Snapshot(t *testing.T) {
	m := newTestManager()

	if _, ok := m.Snapshot("abc123"); ok {
		t.Error("Snapshot should report no state for an unknown track")
	}

	m.NextRetryDelay("abc123", core.NewError(core.KindUnplayable, "abc123", ""))
	st, ok := m.Snapshot("abc123")
	if !ok {
		t.Fatal("Snapshot should report state after a failure")
	}
	if st.Attempts != 1 || st.LastKind != "unplayable" {
		t.Errorf("Unexpected snapshot %+v", st)
	}
}

func TestManager_DefaultSchedule(t *testing.T) {
	m := NewManager(&core.RetryConfig{}, zap.NewNop())
	if got := m.Schedule(); len(got) != 3 || got[0] != 500*time.Millisecond {
		t.Errorf("Expected default schedule, got %v", got)
	}
}

func TestManager_ConcurrentTracks(t *testing.T) {
	m := newTestManager()
	err := core.NewError(core.KindNetwork, "", "")

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := string(rune('a' + i))
			for j := 0; j < 3; j++ {
				if _, ok := m.NextRetryDelay(id, err); !ok {
					t.Errorf("Track %s attempt %d should be retried", id, j+1)
				}
				m.PrepareRetry(id, nil)
				m.ConsumeForceFreshResolve(id)
			}
		}(i)
	}
	wg.Wait()
}
