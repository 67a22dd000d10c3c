// Package prefetch warms the URI cache for upcoming queue items.
package prefetch

import (
	"context"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"tunestream/internal/core"
	"tunestream/internal/metrics"
)

const submitQueueSize = 16

// Warmer is the resolution path the prefetcher drives.
type Warmer interface {
	Warm(ctx context.Context, trackID string) error
	Cached(trackID string) bool
	KnownTerminal(trackID string) bool
}

// Report summarizes one prefetch batch.
type Report struct {
	Requested int `json:"requested"`
	Planned   int `json:"planned"`
	Warmed    int `json:"warmed"`
	Skipped   int `json:"skipped"`
	Failed    int `json:"failed"`
}

// Prefetcher is a best-effort, bounded cache warmer.
type Prefetcher struct {
	config  core.PrefetchConfig
	target  Warmer
	limiter *rate.Limiter
	logger  *zap.Logger
	metrics *metrics.Metrics
	queue   chan []string
}

// New creates a Prefetcher.
func New(config *core.PrefetchConfig, target Warmer, logger *zap.Logger, m *metrics.Metrics) *Prefetcher {
	cfg := *config
	if cfg.MaxItems <= 0 {
		cfg.MaxItems = core.DefaultPrefetchMaxItems
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}

	p := &Prefetcher{
		config:  cfg,
		target:  target,
		logger:  logger,
		metrics: m,
		queue:   make(chan []string, submitQueueSize),
	}
	if cfg.RatePerSecond > 0 {
		p.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), 1)
	}
	return p
}

// Plan dedupes the ids, drops cached and known-terminal ones and caps the rest.
func (p *Prefetcher) Plan(trackIDs []string) (planned []string, skipped int) {
	seen := make(map[string]struct{}, len(trackIDs))
	for _, id := range trackIDs {
		if id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}

		if p.target.Cached(id) || p.target.KnownTerminal(id) {
			skipped++
			continue
		}
		if len(planned) >= p.config.MaxItems {
			skipped++
			continue
		}
		planned = append(planned, id)
	}
	return planned, skipped
}

// Prefetch warms the planned ids and waits for them. Failures are logged and
// counted, never returned.
func (p *Prefetcher) Prefetch(ctx context.Context, trackIDs []string) Report {
	planned, skipped := p.Plan(trackIDs)
	report := Report{Requested: len(trackIDs), Planned: len(planned), Skipped: skipped}
	if len(planned) == 0 {
		return report
	}

	var warmed, failed atomic.Int32
	var g errgroup.Group
	g.SetLimit(p.config.Concurrency)

	for _, id := range planned {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if p.limiter != nil {
				if err := p.limiter.Wait(ctx); err != nil {
					return nil
				}
			}

			if err := p.target.Warm(ctx, id); err != nil {
				failed.Add(1)
				p.metrics.RecordPrefetch("failed")
				p.logger.Debug("Prefetch failed",
					zap.String("trackID", id),
					zap.Stringer("kind", core.KindOf(err)),
					zap.Error(err))
				return nil
			}
			warmed.Add(1)
			p.metrics.RecordPrefetch("warmed")
			return nil
		})
	}
	_ = g.Wait()

	report.Warmed = int(warmed.Load())
	report.Failed = int(failed.Load())

	p.logger.Debug("Prefetch batch finished",
		zap.Int("planned", report.Planned),
		zap.Int("warmed", report.Warmed),
		zap.Int("failed", report.Failed),
		zap.Int("skipped", report.Skipped))
	return report
}

// Submit queues a batch for the background worker. It never blocks; a batch
// is dropped when the queue is full.
func (p *Prefetcher) Submit(trackIDs []string) bool {
	batch := append([]string(nil), trackIDs...)
	select {
	case p.queue <- batch:
		return true
	default:
		p.metrics.RecordPrefetch("dropped")
		p.logger.Warn("Prefetch queue full, dropping batch", zap.Int("items", len(trackIDs)))
		return false
	}
}

// Run processes submitted batches until ctx is done.
func (p *Prefetcher) Run(ctx context.Context) error {
	p.logger.Info("Starting prefetch worker",
		zap.Int("maxItems", p.config.MaxItems),
		zap.Int("concurrency", p.config.Concurrency))

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("Prefetch worker stopped")
			return nil
		case batch := <-p.queue:
			p.Prefetch(ctx, batch)
		}
	}
}
