// Package refresher keeps the playing track's stream URL fresh before its
// buffer runs out.
package refresher

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"tunestream/internal/cooldown"
	"tunestream/internal/core"
	"tunestream/internal/metrics"
)

// Outcome describes what a single tick did.
type Outcome string

const (
	OutcomeIdle          Outcome = "idle"
	OutcomeLocal         Outcome = "local"
	OutcomeBufferHealthy Outcome = "buffer_healthy"
	OutcomeCooldown      Outcome = "cooldown"
	OutcomeRefreshed     Outcome = "refreshed"
	OutcomeFailed        Outcome = "failed"
)

// Revalidator fetches, preflights and commits a fresh URL for a track.
type Revalidator interface {
	Revalidate(ctx context.Context, trackID string) error
}

// Refresher is the proactive refresh loop.
type Refresher struct {
	config  core.RefreshConfig
	state   core.PlaybackState
	target  Revalidator
	gate    *cooldown.Gate
	logger  *zap.Logger
	metrics *metrics.Metrics

	mutex  sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a Refresher. gate enforces the per-track cooldown.
func New(config *core.RefreshConfig, state core.PlaybackState, target Revalidator,
	gate *cooldown.Gate, logger *zap.Logger, m *metrics.Metrics) *Refresher {
	return &Refresher{
		config:  *config,
		state:   state,
		target:  target,
		gate:    gate,
		logger:  logger,
		metrics: m,
	}
}

// Start runs the loop in the background until Stop is called or ctx ends.
// Calling Start while running does nothing.
func (r *Refresher) Start(ctx context.Context) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	if r.cancel != nil {
		return
	}

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	r.cancel = cancel
	r.done = done

	go func() {
		defer close(done)
		_ = r.Run(runCtx)
	}()
}

// Stop cancels the loop, including any in-flight refresh, and waits for it to exit.
func (r *Refresher) Stop() {
	r.mutex.Lock()
	cancel, done := r.cancel, r.done
	r.cancel, r.done = nil, nil
	r.mutex.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Running reports whether the background loop is active.
func (r *Refresher) Running() bool {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return r.cancel != nil
}

// Run ticks until ctx is done. It never returns an error from a refresh.
func (r *Refresher) Run(ctx context.Context) error {
	r.logger.Info("Starting proactive refresh",
		zap.Duration("interval", r.config.Interval),
		zap.Duration("threshold", r.config.BufferThreshold))

	ticker := time.NewTicker(r.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("Proactive refresh stopped")
			return nil
		case <-ticker.C:
			r.Tick(ctx)
		}
	}
}

// Tick runs one refresh check.
func (r *Refresher) Tick(ctx context.Context) Outcome {
	outcome := r.tick(ctx)
	r.metrics.RecordRefreshTick(string(outcome))
	return outcome
}

func (r *Refresher) tick(ctx context.Context) Outcome {
	snap := r.state.Snapshot()
	if snap.TrackID == "" || !snap.Playing {
		return OutcomeIdle
	}
	if snap.Local {
		return OutcomeLocal
	}

	ahead := snap.BufferedAhead()
	if ahead > r.config.BufferThreshold {
		return OutcomeBufferHealthy
	}

	if !r.gate.Allow(snap.TrackID) {
		return OutcomeCooldown
	}

	if err := r.target.Revalidate(ctx, snap.TrackID); err != nil {
		r.logger.Debug("Proactive refresh failed",
			zap.String("trackID", snap.TrackID),
			zap.Duration("bufferedAhead", ahead),
			zap.Stringer("kind", core.KindOf(err)),
			zap.Error(err))
		return OutcomeFailed
	}

	r.logger.Info("Refreshed stream URL ahead of buffer exhaustion",
		zap.String("trackID", snap.TrackID),
		zap.Duration("bufferedAhead", ahead))
	return OutcomeRefreshed
}
