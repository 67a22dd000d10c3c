// Package retry tracks per-track retry attempts, backoff and forced-fresh resolves.
package retry

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"tunestream/internal/core"
)

// Manager is the per-track retry state machine. It is safe for concurrent use;
// every operation is a non-blocking in-memory update.
type Manager struct {
	schedule           []time.Duration
	maxRangeRecoveries int
	states             map[string]*trackState
	mutex              sync.Mutex
	logger             *zap.Logger
}

type trackState struct {
	attempts        int
	rangeRecoveries int
	lastKind        core.ErrorKind
	forceFresh      bool
	// scheduled is set when NextRetryDelay counted an attempt that
	// PrepareRetry has not picked up yet.
	scheduled bool
}

// State is a read-only snapshot of a track's retry state.
type State struct {
	TrackID         string `json:"trackId"`
	Attempts        int    `json:"attempts"`
	RangeRecoveries int    `json:"rangeRecoveries"`
	LastKind        string `json:"lastKind"`
	ForceFresh      bool   `json:"forceFresh"`
}

// NewManager creates a manager with the given backoff schedule.
func NewManager(config *core.RetryConfig, logger *zap.Logger) *Manager {
	schedule := config.Schedule
	if len(schedule) == 0 {
		schedule = core.DefaultRetrySchedule
	}
	maxRange := config.MaxRangeRecoveries
	if maxRange <= 0 {
		maxRange = len(schedule)
	}

	return &Manager{
		schedule:           append([]time.Duration(nil), schedule...),
		maxRangeRecoveries: maxRange,
		states:             make(map[string]*trackState),
		logger:             logger,
	}
}

// Reset clears all retry state for a track. Called when playback moves onto it.
func (m *Manager) Reset(trackID string) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	delete(m.states, trackID)
}

// PrepareRetry counts a retry attempt, runs onPrepare synchronously and marks
// the next resolution of the track as forced-fresh. An attempt already counted
// by NextRetryDelay is not counted twice.
func (m *Manager) PrepareRetry(trackID string, onPrepare func()) {
	if onPrepare != nil {
		onPrepare()
	}

	m.mutex.Lock()
	defer m.mutex.Unlock()

	st := m.state(trackID)
	if st.scheduled {
		st.scheduled = false
	} else {
		st.attempts++
	}
	st.forceFresh = true

	m.logger.Debug("Prepared retry",
		zap.String("trackID", trackID),
		zap.Int("attempt", st.attempts))
}

// NextRetryDelay classifies err and returns the delay before the next attempt.
// It returns false when the failure is terminal or the schedule is exhausted;
// the caller must then give up on the track.
//
// A 416 on a cached URL does not consume the backoff schedule: it forces a
// fresh resolve with no delay, bounded by its own small budget.
func (m *Manager) NextRetryDelay(trackID string, err error) (time.Duration, bool) {
	kind := core.KindOf(err)

	m.mutex.Lock()
	defer m.mutex.Unlock()

	st := m.state(trackID)
	st.lastKind = kind

	if kind == core.KindRangeNotSatisfiable {
		if st.rangeRecoveries >= m.maxRangeRecoveries {
			m.logger.Debug("Range recovery budget exhausted",
				zap.String("trackID", trackID),
				zap.Int("recoveries", st.rangeRecoveries))
			return 0, false
		}
		st.rangeRecoveries++
		st.forceFresh = true
		return 0, true
	}

	if !kind.IsRetryable() {
		return 0, false
	}

	if st.attempts >= len(m.schedule) {
		m.logger.Debug("Retry schedule exhausted",
			zap.String("trackID", trackID),
			zap.Int("attempts", st.attempts),
			zap.Stringer("kind", kind))
		return 0, false
	}

	delay := m.schedule[st.attempts]
	st.attempts++
	st.scheduled = true
	return delay, true
}

// ConsumeForceFreshResolve reports whether a forced-fresh resolve is pending
// for the track and clears the flag.
func (m *Manager) ConsumeForceFreshResolve(trackID string) bool {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	st, ok := m.states[trackID]
	if !ok || !st.forceFresh {
		return false
	}

	st.forceFresh = false
	if st.attempts == 0 && st.rangeRecoveries == 0 {
		delete(m.states, trackID)
	}
	return true
}

// MarkForceFreshResolve makes the next resolution of the track skip the cache.
func (m *Manager) MarkForceFreshResolve(trackID string) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.state(trackID).forceFresh = true
}

// Attempts returns the number of counted attempts in the current episode.
func (m *Manager) Attempts(trackID string) int {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if st, ok := m.states[trackID]; ok {
		return st.attempts
	}
	return 0
}

// Snapshot returns a copy of the track's retry state.
func (m *Manager) Snapshot(trackID string) (State, bool) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	st, ok := m.states[trackID]
	if !ok {
		return State{TrackID: trackID}, false
	}
	return State{
		TrackID:         trackID,
		Attempts:        st.attempts,
		RangeRecoveries: st.rangeRecoveries,
		LastKind:        st.lastKind.String(),
		ForceFresh:      st.forceFresh,
	}, true
}

// Schedule returns a copy of the backoff schedule.
func (m *Manager) Schedule() []time.Duration {
	return append([]time.Duration(nil), m.schedule...)
}

func (m *Manager) state(trackID string) *trackState {
	st, ok := m.states[trackID]
	if !ok {
		st = &trackState{}
		m.states[trackID] = st
	}
	return st
}
