package core

import (
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()

	if config.Cache.Capacity != 64 {
		t.Errorf("Expected default cache capacity 64, got %d", config.Cache.Capacity)
	}

	if config.Resolver.ChunkLength != 2*1024*1024 {
		t.Errorf("Expected default chunk length 2 MiB, got %d", config.Resolver.ChunkLength)
	}

	if config.Prefetch.MaxItems != 6 {
		t.Errorf("Expected default prefetch cap 6, got %d", config.Prefetch.MaxItems)
	}

	if config.Refresh.Interval != 2*time.Second {
		t.Errorf("Expected refresh interval 2s, got %v", config.Refresh.Interval)
	}
	if config.Refresh.BufferThreshold != 12*time.Second {
		t.Errorf("Expected buffer threshold 12s, got %v", config.Refresh.BufferThreshold)
	}
	if config.Refresh.Cooldown != 6*time.Second {
		t.Errorf("Expected cooldown 6s, got %v", config.Refresh.Cooldown)
	}

	if config.Resolver.PreflightTimeout != 5*time.Second {
		t.Errorf("Expected preflight timeout 5s, got %v", config.Resolver.PreflightTimeout)
	}
}

func TestDefaultRetrySchedule(t *testing.T) {
	config := DefaultConfig()

	expected := []time.Duration{500 * time.Millisecond, 1500 * time.Millisecond, 3000 * time.Millisecond}
	if len(config.Retry.Schedule) != len(expected) {
		t.Fatalf("Expected %d schedule steps, got %d", len(expected), len(config.Retry.Schedule))
	}
	for i, d := range expected {
		if config.Retry.Schedule[i] != d {
			t.Errorf("Schedule[%d] = %v, expected %v", i, config.Retry.Schedule[i], d)
		}
	}

	// Mutating one config must not leak into the package default
	config.Retry.Schedule[0] = time.Minute
	if DefaultRetrySchedule[0] != 500*time.Millisecond {
		t.Error("DefaultConfig should copy the retry schedule")
	}
}

func TestConfigConstants(t *testing.T) {
	if DefaultServerPort <= 0 || DefaultServerPort > 65535 {
		t.Error("DefaultServerPort should be a valid port number")
	}

	if DefaultTerminalCapacity < DefaultCacheCapacity {
		t.Error("Terminal set should remember at least as many ids as the URI cache holds")
	}
}
