// Package resolver turns track ids into ready-to-fetch stream URLs, backed by
// the URI cache and the retry manager.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"tunestream/internal/core"
	"tunestream/internal/metrics"
	"tunestream/internal/retry"
	"tunestream/internal/store"
)

// ErrEmptyTrackID is returned when a resolution is requested without an id.
var ErrEmptyTrackID = errors.New("empty track id")

// Extraction paths, used as metric labels.
const (
	pathResolve  = "resolve"
	pathRefresh  = "refresh"
	pathPrefetch = "prefetch"
)

// Resolver is the stream resolution pipeline.
type Resolver struct {
	config   core.ResolverConfig
	cache    *store.URICache
	retries  *retry.Manager
	terminal *store.TerminalSet
	client   core.ExtractionClient
	sink     core.MetadataSink
	http     *http.Client
	logger   *zap.Logger
	metrics  *metrics.Metrics
	flights  singleflight.Group
	now      func() time.Time

	forceMutex sync.Mutex
	forcing    map[string]int
}

// Option customizes a Resolver.
type Option func(*Resolver)

// WithMetrics records resolution metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Resolver) { r.metrics = m }
}

// WithHTTPClient sets the client used for preflight requests.
func WithHTTPClient(c *http.Client) Option {
	return func(r *Resolver) { r.http = c }
}

// WithTerminalSet shares a terminal-failure set with other components.
func WithTerminalSet(ts *store.TerminalSet) Option {
	return func(r *Resolver) { r.terminal = ts }
}

// WithClock overrides the clock used for cache expiry checks.
func WithClock(now func() time.Time) Option {
	return func(r *Resolver) { r.now = now }
}

// New creates a Resolver. sink may be nil when no metadata is persisted.
func New(config *core.ResolverConfig, cache *store.URICache, retries *retry.Manager,
	client core.ExtractionClient, sink core.MetadataSink, logger *zap.Logger, opts ...Option) *Resolver {
	r := &Resolver{
		config:  *config,
		cache:   cache,
		retries: retries,
		client:  client,
		sink:    sink,
		http:    &http.Client{},
		logger:  logger,
		now:     time.Now,
		forcing: make(map[string]int),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.terminal == nil {
		r.terminal = store.NewTerminalSet(core.DefaultTerminalCapacity, 0.001)
	}
	return r
}

// Resolve returns a stream descriptor for the requested byte range of a track.
// A pending forced-fresh resolve always bypasses the cache, and so does every
// other caller for the same id until that forced extraction settles. On a miss
// the extraction client is called; concurrent callers for the same id share
// one call. If ctx is cancelled the call returns early, but the shared
// extraction still completes and populates the cache.
func (r *Resolver) Resolve(ctx context.Context, trackID string, rangeStart, rangeLength int64) (*core.StreamDescriptor, error) {
	if trackID == "" {
		return nil, ErrEmptyTrackID
	}

	forced, joined := r.beginLookup(trackID)
	var settled func()
	switch {
	case forced:
		r.metrics.RecordCacheLookup("bypass")
		settled = func() { r.endForced(trackID) }
	case joined:
		r.metrics.RecordCacheLookup("bypass")
	default:
		if entry, ok := r.cache.Get(trackID); ok {
			if !entry.Expired(r.now()) {
				r.metrics.RecordCacheLookup("hit")
				if err := checkRange(trackID, rangeStart, entry.ContentLength); err != nil {
					return nil, err
				}
				return r.descriptor(trackID, entry.URL, entry.ContentLength, 0, rangeStart, rangeLength, false, true), nil
			}
			r.logger.Debug("Cached stream URL expired",
				zap.String("trackID", trackID),
				zap.Time("validUntil", entry.ValidUntil))
			r.cache.Invalidate(trackID)
			r.metrics.RecordCacheLookup("expired")
		} else {
			r.metrics.RecordCacheLookup("miss")
		}
	}

	result, err := r.resolveShared(ctx, trackID, pathResolve, settled)
	if err != nil {
		return nil, err
	}

	stream := result.AudioStream
	if err := checkRange(trackID, rangeStart, stream.ContentLength); err != nil {
		return nil, err
	}
	return r.descriptor(trackID, stream.Content, stream.ContentLength, result.StreamInfo.Duration,
		rangeStart, rangeLength, forced || joined, false), nil
}

// beginLookup consumes a pending forced-fresh flag. forced is true for the
// caller that consumed it; joined is true for callers arriving while a forced
// extraction for the id is still running, so they never read the entry it replaces.
func (r *Resolver) beginLookup(trackID string) (forced, joined bool) {
	r.forceMutex.Lock()
	defer r.forceMutex.Unlock()

	if r.retries.ConsumeForceFreshResolve(trackID) {
		r.forcing[trackID]++
		return true, false
	}
	return false, r.forcing[trackID] > 0
}

func (r *Resolver) endForced(trackID string) {
	r.forceMutex.Lock()
	defer r.forceMutex.Unlock()

	if r.forcing[trackID] <= 1 {
		delete(r.forcing, trackID)
		return
	}
	r.forcing[trackID]--
}

// checkRange rejects a start offset past the end of a stream of known length.
func checkRange(trackID string, rangeStart, contentLength int64) error {
	if contentLength > 0 && rangeStart >= contentLength {
		return &core.ResolveError{
			Kind:       core.KindRangeNotSatisfiable,
			TrackID:    trackID,
			StatusCode: http.StatusRequestedRangeNotSatisfiable,
			Message:    fmt.Sprintf("range start %d is past the end of a %d byte stream", rangeStart, contentLength),
		}
	}
	return nil
}

// Open is the host data-source boundary: a ready-to-fetch URL plus whether the
// host must open a fresh connection.
func (r *Resolver) Open(ctx context.Context, trackID string, rangeStart, rangeLength int64) (core.DataSpec, error) {
	d, err := r.Resolve(ctx, trackID, rangeStart, rangeLength)
	if err != nil {
		return core.DataSpec{}, err
	}
	return d.Spec(), nil
}

// RecoverRange handles a 416 on a cached URL: the cached resource shifted, so
// the next resolve is forced fresh and runs immediately.
func (r *Resolver) RecoverRange(ctx context.Context, trackID string, rangeStart, rangeLength int64) (*core.StreamDescriptor, error) {
	r.logger.Info("Range not satisfiable, re-resolving",
		zap.String("trackID", trackID),
		zap.Int64("rangeStart", rangeStart))
	r.retries.MarkForceFreshResolve(trackID)
	return r.Resolve(ctx, trackID, rangeStart, rangeLength)
}

// Warm resolves a track into the cache unless it is already cached.
func (r *Resolver) Warm(ctx context.Context, trackID string) error {
	if trackID == "" {
		return ErrEmptyTrackID
	}
	if r.cache.Contains(trackID) {
		return nil
	}
	_, err := r.resolveShared(ctx, trackID, pathPrefetch, nil)
	return err
}

// Revalidate fetches a fresh URL for a track, preflights it and only then
// replaces the cached entry and forces the next resolve to be fresh.
func (r *Resolver) Revalidate(ctx context.Context, trackID string) error {
	result, err := r.extract(ctx, trackID, pathRefresh)
	if err != nil {
		return err
	}

	if err := Preflight(ctx, r.http, result.AudioStream.Content, r.config.PreflightTimeout); err != nil {
		var resolveErr *core.ResolveError
		if errors.As(err, &resolveErr) {
			resolveErr.TrackID = trackID
		}
		r.metrics.RecordResolution("preflight_failed")
		return err
	}

	r.commit(trackID, result)
	r.retries.MarkForceFreshResolve(trackID)
	return nil
}

// Invalidate drops the cached URL for a track.
func (r *Resolver) Invalidate(trackID string) {
	r.cache.Invalidate(trackID)
	r.metrics.SetCacheEntries(r.cache.Len())
}

// Clear drops every cached URL.
func (r *Resolver) Clear() {
	r.cache.Clear()
	r.metrics.SetCacheEntries(0)
}

// Cached reports whether a track has a cached URL.
func (r *Resolver) Cached(trackID string) bool {
	return r.cache.Contains(trackID)
}

// KnownTerminal reports whether the track's last resolution failed terminally.
func (r *Resolver) KnownTerminal(trackID string) bool {
	return r.terminal.Has(trackID)
}

// resolveShared joins or starts the extraction flight for trackID. settled,
// when set, runs once the flight finishes, even if ctx ends first.
func (r *Resolver) resolveShared(ctx context.Context, trackID, path string, settled func()) (*core.ExtractionResult, error) {
	ch := r.flights.DoChan(trackID, func() (interface{}, error) {
		// The flight outlives any single caller so its result still lands in the cache.
		flightCtx, cancel := r.flightContext(ctx)
		defer cancel()

		result, err := r.extract(flightCtx, trackID, path)
		if err != nil {
			return nil, err
		}
		r.commit(trackID, result)
		return result, nil
	})

	select {
	case <-ctx.Done():
		if settled != nil {
			go func() {
				<-ch
				settled()
			}()
		}
		r.logger.Debug("Resolution abandoned by caller", zap.String("trackID", trackID))
		return nil, core.WrapError(core.KindCanceled, trackID, ctx.Err())
	case res := <-ch:
		if settled != nil {
			settled()
		}
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*core.ExtractionResult), nil
	}
}

func (r *Resolver) flightContext(ctx context.Context) (context.Context, context.CancelFunc) {
	detached := context.WithoutCancel(ctx)
	if r.config.ResolveTimeout > 0 {
		return context.WithTimeout(detached, r.config.ResolveTimeout)
	}
	return context.WithCancel(detached)
}

// extract calls the extraction client and classifies the outcome.
func (r *Resolver) extract(ctx context.Context, trackID, path string) (*core.ExtractionResult, error) {
	start := time.Now()
	result, err := r.client.ResolveAudioStream(ctx, trackID)
	r.metrics.RecordExtraction(path, time.Since(start))

	if err == nil {
		err = validate(trackID, result)
	}
	if err != nil {
		resolveErr := classify(trackID, err)
		r.recordFailure(trackID, path, resolveErr)
		return nil, resolveErr
	}
	return result, nil
}

func validate(trackID string, result *core.ExtractionResult) error {
	if result == nil {
		return core.NewError(core.KindParsing, trackID, "empty extraction result")
	}
	if result.StreamInfo.ID != trackID {
		return core.NewIDMismatchError(trackID, result.StreamInfo.ID)
	}
	stream := result.AudioStream
	if !stream.IsURL || stream.Content == "" {
		return core.NewError(core.KindFormatNotFound, trackID, "no playable audio URL")
	}
	if isManifest(stream.MimeType) {
		return core.NewError(core.KindFormatNotFound, trackID, "manifest streams are not byte-range addressable")
	}
	return nil
}

func classify(trackID string, err error) *core.ResolveError {
	var resolveErr *core.ResolveError
	if errors.As(err, &resolveErr) {
		if resolveErr.TrackID == "" {
			resolveErr.TrackID = trackID
		}
		return resolveErr
	}
	return core.WrapError(core.KindOf(err), trackID, err)
}

func (r *Resolver) recordFailure(trackID, path string, err *core.ResolveError) {
	r.metrics.RecordResolution(err.Kind.String())

	if err.Kind.IsTerminal() {
		r.terminal.Add(trackID, err.Kind)
		r.logger.Warn("Resolution failed terminally",
			zap.String("trackID", trackID),
			zap.String("path", path),
			zap.Stringer("kind", err.Kind),
			zap.Error(err))
		return
	}

	r.logger.Debug("Resolution failed",
		zap.String("trackID", trackID),
		zap.String("path", path),
		zap.Stringer("kind", err.Kind),
		zap.Error(err))
}

// commit writes a successful resolution to the cache and hands derived
// metadata to the sink without waiting on it.
func (r *Resolver) commit(trackID string, result *core.ExtractionResult) {
	stream := result.AudioStream

	validUntil := stream.ExpiresAt
	if validUntil.IsZero() {
		validUntil = expiryFromURL(stream.Content)
	}

	r.cache.Put(trackID, stream.Content, stream.ContentLength, validUntil)
	r.terminal.Remove(trackID)
	r.metrics.RecordResolution("success")
	r.metrics.SetCacheEntries(r.cache.Len())

	r.logger.Debug("Resolved stream",
		zap.String("trackID", trackID),
		zap.Int("itag", stream.Itag),
		zap.String("mimeType", stream.MimeType),
		zap.Time("validUntil", validUntil))

	if r.sink != nil {
		r.sink.Record(core.FormatMetadata{
			TrackID:       trackID,
			Itag:          stream.Itag,
			MimeType:      stream.MimeType,
			Bitrate:       stream.Bitrate,
			ContentLength: stream.ContentLength,
			Duration:      result.StreamInfo.Duration,
		})
	}
}

// descriptor applies the requested range, bounded by the chunk length.
func (r *Resolver) descriptor(trackID, streamURL string, contentLength int64, duration time.Duration,
	rangeStart, rangeLength int64, forced, fromCache bool) *core.StreamDescriptor {
	return &core.StreamDescriptor{
		TrackID:              trackID,
		URL:                  streamURL,
		ByteRangeCapable:     true,
		ContentLength:        contentLength,
		Duration:             duration,
		Range:                applyRange(rangeStart, rangeLength, contentLength, r.config.ChunkLength),
		ForceFreshConnection: forced,
		FromCache:            fromCache,
	}
}

func applyRange(start, length, contentLength, chunk int64) core.ByteRange {
	if start < 0 {
		start = 0
	}
	if length <= 0 {
		length = core.Unbounded
	}
	if chunk > 0 && (length == core.Unbounded || length > chunk) {
		length = chunk
	}
	if contentLength > 0 && start < contentLength && length != core.Unbounded && start+length > contentLength {
		length = contentLength - start
	}
	return core.ByteRange{Start: start, Length: length}
}

// expiryFromURL reads the unix "expire" query parameter signed stream URLs carry.
func expiryFromURL(raw string) time.Time {
	u, err := url.Parse(raw)
	if err != nil {
		return time.Time{}
	}
	expire := u.Query().Get("expire")
	if expire == "" {
		return time.Time{}
	}
	secs, err := strconv.ParseInt(expire, 10, 64)
	if err != nil || secs <= 0 {
		return time.Time{}
	}
	return time.Unix(secs, 0)
}

func isManifest(mimeType string) bool {
	mimeType = strings.ToLower(mimeType)
	return strings.Contains(mimeType, "mpegurl") || strings.Contains(mimeType, "dash+xml")
}
