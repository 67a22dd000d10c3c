// Package http exposes the resolution core to the host player over HTTP.
package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"tunestream/internal/core"
	"tunestream/internal/playback"
	"tunestream/internal/status"
)

const shutdownTimeout = 10 * time.Second

// StreamService is the data-source boundary. Results for a track the host
// has moved away from come back as playback.ErrSuperseded.
type StreamService interface {
	Open(ctx context.Context, trackID string, rangeStart, rangeLength int64) (*core.StreamDescriptor, error)
	Recover(ctx context.Context, trackID string, rangeStart, rangeLength int64) (*core.StreamDescriptor, error)
	Play(ctx context.Context, trackID string, rangeStart, rangeLength int64,
		onReady func(*core.StreamDescriptor)) (*core.StreamDescriptor, error)
	Retry(ctx context.Context, trackID string, delay time.Duration, rangeStart, rangeLength int64,
		onReady func(*core.StreamDescriptor)) (*core.StreamDescriptor, error)
}

// CacheService controls the URL cache.
type CacheService interface {
	Invalidate(trackID string)
	Clear()
}

// PlaybackService receives host state and playback errors.
type PlaybackService interface {
	UpdatePlayback(snapshot core.PlaybackSnapshot)
	HandleError(trackID string, err error) playback.Decision
	ForceRefresh(trackID string)
}

// PrefetchService accepts upcoming queue items.
type PrefetchService interface {
	Submit(trackIDs []string) bool
}

// StatusService reports in-memory state for operators.
type StatusService interface {
	Overview() status.Overview
	Track(trackID string) status.Track
}

// Dependencies are the services the API routes call.
type Dependencies struct {
	Streams  StreamService
	Cache    CacheService
	Playback PlaybackService
	Prefetch PrefetchService
	Status   StatusService
	// Ready reports whether backing stores are reachable; nil means always ready.
	Ready    func(ctx context.Context) error
	Gatherer prometheus.Gatherer
	// Language is the fallback for requests without a usable Accept-Language.
	Language string
}

type Server struct {
	config *core.ServerConfig
	logger *zap.Logger
	server *http.Server
}

func NewServer(config *core.ServerConfig, deps *Dependencies, logger *zap.Logger) *Server {
	mux := setupRoutes(deps, logger)
	server := createHTTPServer(config, mux)

	return &Server{
		config: config,
		logger: logger,
		server: server,
	}
}

// setupRoutes configures all HTTP routes and returns the mux
func setupRoutes(deps *Dependencies, logger *zap.Logger) *http.ServeMux {
	mux := http.NewServeMux()
	api := &apiHandler{deps: deps, logger: logger}

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte(`{"status":"ok","service":"tunestream"}`)); err != nil {
			logger.Debug("Failed to write health response", zap.Error(err))
		}
	})

	mux.HandleFunc("GET /readyz", readyHandler(deps, logger))

	gatherer := deps.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	mux.Handle("GET /metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	mux.HandleFunc("GET /v1/streams/{trackID}", api.openStream)
	mux.HandleFunc("GET /v1/streams/{trackID}/state", api.trackState)
	mux.HandleFunc("DELETE /v1/streams/{trackID}", api.invalidateStream)
	mux.HandleFunc("DELETE /v1/streams", api.clearStreams)
	mux.HandleFunc("POST /v1/streams/{trackID}/play", api.playStream)
	mux.HandleFunc("POST /v1/streams/{trackID}/retry", api.retryStream)
	mux.HandleFunc("POST /v1/streams/{trackID}/refresh", api.refreshStream)
	mux.HandleFunc("PUT /v1/playback", api.updatePlayback)
	mux.HandleFunc("POST /v1/playback/errors", api.reportError)
	mux.HandleFunc("POST /v1/queue", api.prefetchQueue)
	mux.HandleFunc("GET /v1/state", api.serviceState)

	mux.HandleFunc("GET /{$}", homeHandler(logger))

	return mux
}

func readyHandler(deps *Dependencies, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if deps.Ready != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := deps.Ready(ctx); err != nil {
				logger.Warn("Readiness check failed", zap.Error(err))
				w.WriteHeader(http.StatusServiceUnavailable)
				_, _ = w.Write([]byte(`{"status":"unavailable","service":"tunestream"}`))
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte(`{"status":"ready","service":"tunestream"}`)); err != nil {
			logger.Debug("Failed to write readiness response", zap.Error(err))
		}
	}
}

// homeHandler returns the handler for the home page
func homeHandler(logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte(`<!DOCTYPE html>
<html>
<head>
    <title>tunestream</title>
    <style>
        body { font-family: Arial, sans-serif; margin: 40px; }
        .header { color: #333; }
        .endpoint { margin: 10px 0; }
        .endpoint a { text-decoration: none; color: #0066cc; }
        .endpoint a:hover { text-decoration: underline; }
        code { background: #f4f4f4; padding: 2px 4px; }
    </style>
</head>
<body>
    <h1 class="header">🎵 tunestream</h1>
    <p>Stream URL resolution for the music player</p>

    <h2>Endpoints</h2>
    <div class="endpoint">📊 <a href="/metrics">Metrics</a> - Prometheus metrics</div>
    <div class="endpoint">💚 <a href="/healthz">Health</a> - Health check</div>
    <div class="endpoint">✅ <a href="/readyz">Ready</a> - Readiness check</div>

    <h2>API</h2>
    <div class="endpoint"><code>GET /v1/streams/{trackID}?start=&amp;length=</code> - Resolve a stream</div>
    <div class="endpoint"><code>GET /v1/streams/{trackID}?status=416</code> - Recover after a rejected range</div>
    <div class="endpoint"><code>POST /v1/streams/{trackID}/play</code> - Start a track and resolve it</div>
    <div class="endpoint"><code>POST /v1/streams/{trackID}/retry?delayMs=</code> - Wait out a retry delay and re-resolve</div>
    <div class="endpoint"><code>GET /v1/streams/{trackID}/state</code> - Cache and retry state of a track</div>
    <div class="endpoint"><code>DELETE /v1/streams/{trackID}</code> - Drop a cached URL</div>
    <div class="endpoint"><code>POST /v1/streams/{trackID}/refresh</code> - Force a fresh resolve</div>
    <div class="endpoint"><code>PUT /v1/playback</code> - Report player state</div>
    <div class="endpoint"><code>POST /v1/playback/errors</code> - Report a playback error</div>
    <div class="endpoint"><code>POST /v1/queue</code> - Prefetch upcoming tracks</div>
    <div class="endpoint"><code>GET /v1/state</code> - Cache, cooldown and playback overview</div>
</body>
</html>`)); err != nil {
			logger.Debug("Failed to write home page", zap.Error(err))
		}
	}
}

// createHTTPServer creates and configures the HTTP server
func createHTTPServer(config *core.ServerConfig, mux *http.ServeMux) *http.Server {
	return &http.Server{
		Addr:              fmt.Sprintf("%s:%d", config.Host, config.Port),
		Handler:           mux,
		ReadTimeout:       config.ReadTimeout,
		ReadHeaderTimeout: config.ReadTimeout,
		WriteTimeout:      config.WriteTimeout,
	}
}

func (s *Server) Start(ctx context.Context) error {
	s.logger.Info("Starting HTTP server",
		zap.String("addr", s.server.Addr))

	go func() {
		<-ctx.Done()
		s.logger.Info("Shutting down HTTP server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := s.server.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("Failed to shutdown HTTP server gracefully", zap.Error(err))
		}
	}()

	if err := s.server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("HTTP server failed: %w", err)
	}

	return nil
}
