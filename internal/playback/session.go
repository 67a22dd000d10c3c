package playback

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"tunestream/internal/core"
	"tunestream/internal/metrics"
	"tunestream/internal/retry"
)

// ErrSuperseded is returned when playback moved to another track while a
// resolution for the previous one was in flight. The resolution itself still
// lands in the cache.
var ErrSuperseded = errors.New("playback moved to another track")

// Action is what the host should do after a playback error.
type Action string

const (
	ActionRetry  Action = "retry"
	ActionSkip   Action = "skip"
	ActionIgnore Action = "ignore"
)

// Decision is the answer to a reported playback error.
type Decision struct {
	TrackID  string
	Action   Action
	Delay    time.Duration
	Attempt  int
	Kind     core.ErrorKind
	Category core.UserCategory
}

// Resolver is the slice of the stream resolver the session drives.
type Resolver interface {
	Resolve(ctx context.Context, trackID string, rangeStart, rangeLength int64) (*core.StreamDescriptor, error)
	RecoverRange(ctx context.Context, trackID string, rangeStart, rangeLength int64) (*core.StreamDescriptor, error)
	Invalidate(trackID string)
}

// Refresher is the proactive refresh loop the session starts while a
// streamed track is playing.
type Refresher interface {
	Start(ctx context.Context)
	Stop()
	Running() bool
}

// Session owns the current track, its generation and the retry episode.
type Session struct {
	tracker   *Tracker
	resolver  Resolver
	retries   *retry.Manager
	refresher Refresher
	logger    *zap.Logger
	metrics   *metrics.Metrics

	mutex      sync.Mutex
	current    string
	generation uint64

	// errMutex serialises error handling so retries of one track stay sequential.
	errMutex sync.Mutex
	changed  chan struct{}
}

// NewSession creates a session. refresher may be nil when proactive refresh is disabled.
func NewSession(tracker *Tracker, resolver Resolver, retries *retry.Manager, refresher Refresher,
	logger *zap.Logger, m *metrics.Metrics) *Session {
	return &Session{
		tracker:   tracker,
		resolver:  resolver,
		retries:   retries,
		refresher: refresher,
		logger:    logger,
		metrics:   m,
		changed:   make(chan struct{}, 1),
	}
}

// Current returns the current track id and its generation.
func (s *Session) Current() (string, uint64) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.current, s.generation
}

// Transition moves playback onto trackID. Retry state for the id is reset
// before any resolution for it begins. Transitioning to the current track is a no-op.
func (s *Session) Transition(trackID string) uint64 {
	return s.transition(trackID, false)
}

func (s *Session) transition(trackID string, restart bool) uint64 {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if trackID == s.current && !restart {
		return s.generation
	}

	previous := s.current
	s.current = trackID
	s.generation++
	if trackID != "" {
		s.retries.Reset(trackID)
	}

	s.logger.Debug("Playback transition",
		zap.String("from", previous),
		zap.String("to", trackID),
		zap.Uint64("generation", s.generation))
	return s.generation
}

// isCurrent reports whether trackID at generation is still what is playing.
func (s *Session) isCurrent(trackID string, generation uint64) bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.current == trackID && s.generation == generation
}

// UpdatePlayback applies a host snapshot: a new track id is a transition and
// a track that starts playing ends its retry episode.
func (s *Session) UpdatePlayback(snapshot core.PlaybackSnapshot) {
	previous := s.tracker.Update(snapshot)

	if snapshot.TrackID != "" {
		current, _ := s.Current()
		if snapshot.TrackID != current {
			s.Transition(snapshot.TrackID)
		} else if snapshot.Playing && (!previous.Playing || previous.TrackID != snapshot.TrackID) {
			s.MarkPlaying(snapshot.TrackID)
		}
	}

	select {
	case s.changed <- struct{}{}:
	default:
	}
}

// MarkPlaying records that the current track is playing successfully.
func (s *Session) MarkPlaying(trackID string) {
	current, _ := s.Current()
	if trackID != current {
		return
	}
	if s.retries.Attempts(trackID) > 0 {
		s.logger.Info("Playback recovered", zap.String("trackID", trackID))
	}
	s.retries.Reset(trackID)
}

// Play starts trackID from scratch and resolves it. onReady is only called
// when the track is still current once resolution completes.
func (s *Session) Play(ctx context.Context, trackID string, rangeStart, rangeLength int64,
	onReady func(*core.StreamDescriptor)) (*core.StreamDescriptor, error) {
	generation := s.transition(trackID, true)
	return s.resolveFor(ctx, trackID, generation, rangeStart, rangeLength, onReady)
}

func (s *Session) resolveFor(ctx context.Context, trackID string, generation uint64, rangeStart, rangeLength int64,
	onReady func(*core.StreamDescriptor)) (*core.StreamDescriptor, error) {
	d, err := s.resolver.Resolve(ctx, trackID, rangeStart, rangeLength)
	if !s.isCurrent(trackID, generation) {
		s.logger.Debug("Dropping superseded resolution",
			zap.String("trackID", trackID),
			zap.Uint64("generation", generation))
		return nil, ErrSuperseded
	}
	if err != nil {
		return nil, err
	}
	if onReady != nil {
		onReady(d)
	}
	return d, nil
}

// Open resolves a byte range for the host's data source. When trackID is the
// current track and playback moves on before the resolution completes, the
// result is dropped with ErrSuperseded. Other tracks resolve unguarded.
func (s *Session) Open(ctx context.Context, trackID string, rangeStart, rangeLength int64) (*core.StreamDescriptor, error) {
	return s.open(ctx, trackID, rangeStart, rangeLength, s.resolver.Resolve)
}

// Recover handles a 416 from the stream host: the next resolve is forced
// fresh and runs immediately, without waiting out a backoff delay.
func (s *Session) Recover(ctx context.Context, trackID string, rangeStart, rangeLength int64) (*core.StreamDescriptor, error) {
	return s.open(ctx, trackID, rangeStart, rangeLength, s.resolver.RecoverRange)
}

func (s *Session) open(ctx context.Context, trackID string, rangeStart, rangeLength int64,
	resolve func(context.Context, string, int64, int64) (*core.StreamDescriptor, error)) (*core.StreamDescriptor, error) {
	current, generation := s.Current()
	d, err := resolve(ctx, trackID, rangeStart, rangeLength)
	if trackID == current && !s.isCurrent(trackID, generation) {
		s.logger.Debug("Dropping superseded open",
			zap.String("trackID", trackID),
			zap.Uint64("generation", generation))
		return nil, ErrSuperseded
	}
	return d, err
}

// HandleError decides how the host should react to a playback failure of trackID.
func (s *Session) HandleError(trackID string, err error) Decision {
	s.errMutex.Lock()
	defer s.errMutex.Unlock()

	kind := core.KindOf(err)
	decision := Decision{
		TrackID:  trackID,
		Kind:     kind,
		Category: core.CategoryOf(kind),
	}

	current, _ := s.Current()
	if trackID != current || kind == core.KindCanceled {
		decision.Action = ActionIgnore
		s.metrics.RecordRetryDecision(string(ActionIgnore), kind.String())
		s.logger.Debug("Ignoring playback error",
			zap.String("trackID", trackID),
			zap.String("current", current),
			zap.Stringer("kind", kind))
		return decision
	}

	delay, ok := s.retries.NextRetryDelay(trackID, err)
	if !ok {
		s.retries.Reset(trackID)
		decision.Action = ActionSkip
		s.metrics.RecordRetryDecision(string(ActionSkip), kind.String())
		s.logger.Warn("Giving up on track",
			zap.String("trackID", trackID),
			zap.Stringer("kind", kind),
			zap.String("category", string(decision.Category)),
			zap.Error(err))
		return decision
	}

	// A 416 already forced the next resolve fresh without spending an attempt
	if kind != core.KindRangeNotSatisfiable {
		s.retries.PrepareRetry(trackID, func() {
			if kind.InvalidatesCache() {
				s.resolver.Invalidate(trackID)
			}
		})
	}

	decision.Action = ActionRetry
	decision.Delay = delay
	decision.Attempt = s.retries.Attempts(trackID)
	s.metrics.RecordRetryDecision(string(ActionRetry), kind.String())
	s.logger.Info("Scheduling playback retry",
		zap.String("trackID", trackID),
		zap.Stringer("kind", kind),
		zap.Duration("delay", delay),
		zap.Int("attempt", decision.Attempt))
	return decision
}

// Retry waits delay and re-resolves trackID if it is still current.
func (s *Session) Retry(ctx context.Context, trackID string, delay time.Duration, rangeStart, rangeLength int64,
	onReady func(*core.StreamDescriptor)) (*core.StreamDescriptor, error) {
	current, generation := s.Current()
	if current != trackID {
		return nil, ErrSuperseded
	}

	if delay > 0 {
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, core.WrapError(core.KindCanceled, trackID, ctx.Err())
		case <-timer.C:
		}
	}

	if !s.isCurrent(trackID, generation) {
		return nil, ErrSuperseded
	}
	return s.resolveFor(ctx, trackID, generation, rangeStart, rangeLength, onReady)
}

// ForceRefresh is an explicit user refresh: a new episode whose next resolve skips the cache.
func (s *Session) ForceRefresh(trackID string) {
	s.retries.Reset(trackID)
	s.retries.MarkForceFreshResolve(trackID)
	s.logger.Info("Forced fresh resolve requested", zap.String("trackID", trackID))
}

// Run starts the refresher while a streamed track plays and stops it
// otherwise, until ctx is done.
func (s *Session) Run(ctx context.Context) error {
	s.syncRefresher(ctx)
	for {
		select {
		case <-ctx.Done():
			if s.refresher != nil {
				s.refresher.Stop()
			}
			return nil
		case <-s.changed:
			s.syncRefresher(ctx)
		}
	}
}

func (s *Session) syncRefresher(ctx context.Context) {
	if s.refresher == nil {
		return
	}
	snap := s.tracker.Snapshot()
	active := snap.TrackID != "" && snap.Playing && !snap.Local
	switch {
	case active && !s.refresher.Running():
		s.refresher.Start(ctx)
	case !active && s.refresher.Running():
		s.refresher.Stop()
	}
}
