package main

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"tunestream/internal/cooldown"
	"tunestream/internal/extract"
	httpserver "tunestream/internal/http"
	"tunestream/internal/metrics"
	"tunestream/internal/netx"
	"tunestream/internal/persistence"
	"tunestream/internal/playback"
	"tunestream/internal/prefetch"
	"tunestream/internal/refresher"
	"tunestream/internal/resolver"
	"tunestream/internal/retry"
	"tunestream/internal/status"
	"tunestream/internal/store"
)

type services struct {
	registry   *prometheus.Registry
	formats    *persistence.FormatStore
	resolver   *resolver.Resolver
	session    *playback.Session
	prefetcher *prefetch.Prefetcher
	gate       *cooldown.Gate
	httpServer *httpserver.Server
}

func initializeServices(ctx context.Context) (*services, error) {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(registry)

	formats, err := persistence.Open(ctx, &config.Persistence, logger.Named("persistence"))
	if err != nil {
		return nil, fmt.Errorf("failed to open format store: %w", err)
	}

	extractor, err := extract.New(&config.Extractor, logger.Named("extract"))
	if err != nil {
		closeQuietly(formats)
		return nil, fmt.Errorf("failed to create extraction client: %w", err)
	}

	preflightClient, err := netx.NewClient(netx.ClientConfig{
		Timeout:  config.Resolver.PreflightTimeout,
		ProxyURL: config.Extractor.ProxyURL,
	})
	if err != nil {
		closeQuietly(formats)
		return nil, fmt.Errorf("failed to create preflight client: %w", err)
	}

	cache := store.NewURICache(config.Cache.Capacity)
	terminal := store.NewTerminalSet(config.Cache.TerminalCapacity, config.Cache.TerminalFalsePositiveRate)
	retries := retry.NewManager(&config.Retry, logger.Named("retry"))

	res := resolver.New(&config.Resolver, cache, retries, extractor, formats, logger.Named("resolver"),
		resolver.WithMetrics(m),
		resolver.WithHTTPClient(preflightClient),
		resolver.WithTerminalSet(terminal))

	tracker := playback.NewTracker()
	gate := cooldown.New(config.Refresh.Cooldown)

	// A disabled refresher must reach the session as a nil interface.
	var loop playback.Refresher
	if config.Refresh.Enabled {
		loop = refresher.New(&config.Refresh, tracker, res, gate, logger.Named("refresher"), m)
	}

	session := playback.NewSession(tracker, res, retries, loop, logger.Named("playback"), m)
	prefetcher := prefetch.New(&config.Prefetch, res, logger.Named("prefetch"), m)

	reporter := status.New(cache, terminal, retries, gate, tracker)

	httpServer := httpserver.NewServer(&config.Server, &httpserver.Dependencies{
		Streams:  session,
		Cache:    res,
		Playback: session,
		Prefetch: prefetcher,
		Status:   reporter,
		Ready:    formats.Ping,
		Gatherer: registry,
		Language: config.App.Language,
	}, logger.Named("http"))

	return &services{
		registry:   registry,
		formats:    formats,
		resolver:   res,
		session:    session,
		prefetcher: prefetcher,
		gate:       gate,
		httpServer: httpServer,
	}, nil
}

func runServices(ctx context.Context, svcs *services) error {
	defer svcs.shutdown()

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return svcs.httpServer.Start(gCtx)
	})

	g.Go(func() error {
		return svcs.session.Run(gCtx)
	})

	g.Go(func() error {
		return svcs.prefetcher.Run(gCtx)
	})

	g.Go(func() error {
		return svcs.formats.Run(gCtx)
	})

	logger.Info("tunestream started successfully",
		zap.String("http_addr", fmt.Sprintf("%s:%d", config.Server.Host, config.Server.Port)))

	if err := g.Wait(); err != nil {
		logger.Error("tunestream stopped with error", zap.Error(err))
		return err
	}

	logger.Info("tunestream stopped gracefully")
	return nil
}

func (s *services) shutdown() {
	s.gate.Stop()
	closeQuietly(s.formats)
}

func closeQuietly(formats *persistence.FormatStore) {
	if err := formats.Close(); err != nil {
		logger.Debug("Failed to close format store", zap.Error(err))
	}
}
