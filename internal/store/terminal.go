package store

import (
	"sync"

	"github.com/bits-and-blooms/bloom/v3"
	lru "github.com/hashicorp/golang-lru/v2"

	"tunestream/internal/core"
)

// TerminalSet remembers track ids whose last resolution failed terminally,
// using a Bloom filter in front of an LRU-bounded exact set.
type TerminalSet struct {
	kinds                  map[string]core.ErrorKind
	bloom                  *bloom.BloomFilter
	lru                    *lru.Cache[string, struct{}]
	mutex                  sync.RWMutex
	maxTracks              int
	bloomFalsePositiveRate float64
}

// NewTerminalSet creates a set with the specified capacity and false positive rate.
func NewTerminalSet(maxTracks int, bloomFalsePositiveRate float64) *TerminalSet {
	if maxTracks <= 0 {
		maxTracks = core.DefaultTerminalCapacity
	}

	ts := &TerminalSet{
		kinds:                  make(map[string]core.ErrorKind),
		bloom:                  bloom.NewWithEstimates(uint(maxTracks), bloomFalsePositiveRate),
		maxTracks:              maxTracks,
		bloomFalsePositiveRate: bloomFalsePositiveRate,
	}
	// Evictions run while the caller holds ts.mutex.
	ts.lru, _ = lru.NewWithEvict[string, struct{}](maxTracks, func(trackID string, _ struct{}) {
		delete(ts.kinds, trackID)
	})
	return ts
}

// Has reports whether the track last failed terminally.
func (ts *TerminalSet) Has(trackID string) bool {
	_, ok := ts.Kind(trackID)
	return ok
}

// Kind returns the terminal error kind recorded for the track.
func (ts *TerminalSet) Kind(trackID string) (core.ErrorKind, bool) {
	ts.mutex.RLock()
	defer ts.mutex.RUnlock()

	if !ts.bloom.TestString(trackID) {
		return core.KindUnknown, false
	}

	kind, exists := ts.kinds[trackID]
	return kind, exists
}

// Add records a terminal failure for the track.
func (ts *TerminalSet) Add(trackID string, kind core.ErrorKind) {
	ts.mutex.Lock()
	defer ts.mutex.Unlock()

	ts.kinds[trackID] = kind
	ts.bloom.AddString(trackID)
	ts.lru.Add(trackID, struct{}{})
}

// Remove forgets the track, typically after it resolved successfully.
func (ts *TerminalSet) Remove(trackID string) {
	ts.mutex.Lock()
	defer ts.mutex.Unlock()

	if _, exists := ts.kinds[trackID]; !exists {
		return
	}

	ts.lru.Remove(trackID)
	delete(ts.kinds, trackID)
	// The Bloom filter keeps the bit set; Has still consults the map.
}

// Size returns the number of remembered tracks.
func (ts *TerminalSet) Size() int {
	ts.mutex.RLock()
	defer ts.mutex.RUnlock()
	return len(ts.kinds)
}

// Clear forgets every track.
func (ts *TerminalSet) Clear() {
	ts.mutex.Lock()
	defer ts.mutex.Unlock()

	ts.kinds = make(map[string]core.ErrorKind)
	ts.bloom = bloom.NewWithEstimates(uint(ts.maxTracks), ts.bloomFalsePositiveRate)
	ts.lru.Purge()
}
