package cooldown

import (
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mutex sync.Mutex
	now   time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.now = c.now.Add(d)
}

func TestGate_Allow_Debounces(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	g := NewWithClock(6*time.Second, clock.Now)
	defer g.Stop()

	if !g.Allow("abc123") {
		t.Error("First attempt should be allowed")
	}
	if g.Allow("abc123") {
		t.Error("Immediate second attempt should be blocked")
	}

	clock.Advance(5 * time.Second)
	if g.Allow("abc123") {
		t.Error("Attempt inside the window should be blocked")
	}

	clock.Advance(time.Second)
	if !g.Allow("abc123") {
		t.Error("Attempt once the window has elapsed should be allowed")
	}
}

func TestGate_Allow_PerKey(t *testing.T) {
	g := New(time.Minute)
	defer g.Stop()

	if !g.Allow("a") || !g.Allow("b") {
		t.Error("Different keys should have separate cooldowns")
	}
	if g.Allow("a") || g.Allow("b") {
		t.Error("Both keys should now be cooling down")
	}
}

func TestGate_Last(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	g := NewWithClock(6*time.Second, clock.Now)
	defer g.Stop()

	if _, ok := g.Last("abc123"); ok {
		t.Error("Unseen key should have no last time")
	}

	passed := clock.Now()
	g.Allow("abc123")
	clock.Advance(2 * time.Second)
	if g.Allow("abc123") {
		t.Error("Key allowed 2s ago should still be cooling down")
	}

	last, ok := g.Last("abc123")
	if !ok || !last.Equal(passed) {
		t.Errorf("Last() = %v, %v; expected the blocked attempt to keep %v", last, ok, passed)
	}
}

func TestGate_Cleanup(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	g := NewWithClock(6*time.Second, clock.Now)
	defer g.Stop()

	g.Allow("old")
	clock.Advance(10 * time.Second)
	g.Allow("new")

	g.performCleanup()

	stats := g.GetStats()
	if stats.ActiveKeys != 1 {
		t.Errorf("Expected 1 active key after cleanup, got %d", stats.ActiveKeys)
	}
	if _, ok := g.Last("old"); ok {
		t.Error("Expired key should be cleaned up")
	}
	if stats.WindowSeconds != 6 {
		t.Errorf("Expected window 6s, got %v", stats.WindowSeconds)
	}
}

func TestGate_StopIsIdempotent(t *testing.T) {
	g := New(time.Second)
	g.Stop()
	g.Stop()
}

func TestGate_ConcurrentAccess(t *testing.T) {
	g := New(time.Hour)
	defer g.Stop()

	var wg sync.WaitGroup
	allowed := make(chan bool, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			allowed <- g.Allow("abc123")
			g.GetStats()
		}()
	}
	wg.Wait()
	close(allowed)

	count := 0
	for ok := range allowed {
		if ok {
			count++
		}
	}
	if count != 1 {
		t.Errorf("Exactly one concurrent attempt should pass the gate, got %d", count)
	}
}
