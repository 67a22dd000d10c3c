package core

import (
	"context"
	"fmt"
	"time"
)

// Unbounded marks a byte range that runs to the end of the resource.
const Unbounded int64 = -1

// CacheEntry is the most recent known-good resolution for a track.
type CacheEntry struct {
	TrackID       string
	URL           string
	ContentLength int64     // 0 when unknown
	ValidUntil    time.Time // zero when unknown
}

// Expired reports whether the entry carries a validity bound that has passed.
func (e CacheEntry) Expired(now time.Time) bool {
	return !e.ValidUntil.IsZero() && !now.Before(e.ValidUntil)
}

// ByteRange is a span of a stream. Length is Unbounded to read to the end.
type ByteRange struct {
	Start  int64 `json:"start"`
	Length int64 `json:"length"`
}

// Header renders the range as an HTTP Range header value.
func (r ByteRange) Header() string {
	if r.Length == Unbounded {
		return fmt.Sprintf("bytes=%d-", r.Start)
	}
	return fmt.Sprintf("bytes=%d-%d", r.Start, r.Start+r.Length-1)
}

// StreamDescriptor is the result of a successful resolution.
type StreamDescriptor struct {
	TrackID              string
	URL                  string
	ByteRangeCapable     bool
	ContentLength        int64
	Duration             time.Duration
	Range                ByteRange
	ForceFreshConnection bool
	FromCache            bool
}

// DataSpec is what the host's data source needs to open a connection.
type DataSpec struct {
	TrackID              string    `json:"trackId"`
	URL                  string    `json:"url"`
	Range                ByteRange `json:"range"`
	RangeHeader          string    `json:"rangeHeader,omitempty"`
	ContentLength        int64     `json:"contentLength,omitempty"`
	ForceFreshConnection bool      `json:"forceFreshConnection"`
}

// Spec projects the descriptor onto the data-source boundary.
func (d *StreamDescriptor) Spec() DataSpec {
	spec := DataSpec{
		TrackID:              d.TrackID,
		URL:                  d.URL,
		Range:                d.Range,
		ContentLength:        d.ContentLength,
		ForceFreshConnection: d.ForceFreshConnection,
	}
	if d.ByteRangeCapable {
		spec.RangeHeader = d.Range.Header()
	}
	return spec
}

// StreamInfo describes the logical track the extraction service resolved.
type StreamInfo struct {
	ID       string
	Title    string
	Duration time.Duration
}

// AudioStream describes the chosen audio format.
type AudioStream struct {
	IsURL         bool
	Content       string
	Itag          int
	Bitrate       int
	MimeType      string
	ContentLength int64
	ExpiresAt     time.Time
}

// ExtractionResult is a successful extraction client response.
type ExtractionResult struct {
	StreamInfo  StreamInfo
	AudioStream AudioStream
}

// FormatMetadata is derived metadata persisted after a successful resolution.
type FormatMetadata struct {
	TrackID       string
	Itag          int
	MimeType      string
	Bitrate       int
	ContentLength int64
	Duration      time.Duration
}

// PlaybackSnapshot is the host player's view of what is currently playing.
type PlaybackSnapshot struct {
	TrackID          string        `json:"trackId"`
	Playing          bool          `json:"playing"`
	Local            bool          `json:"local"`
	Position         time.Duration `json:"position"`
	BufferedPosition time.Duration `json:"bufferedPosition"`
}

// BufferedAhead is how much audio is buffered past the play head.
func (s PlaybackSnapshot) BufferedAhead() time.Duration {
	if s.BufferedPosition <= s.Position {
		return 0
	}
	return s.BufferedPosition - s.Position
}

// ExtractionClient resolves a track id to stream metadata. Failures should be
// *ResolveError values; anything else is classified with KindOf.
type ExtractionClient interface {
	ResolveAudioStream(ctx context.Context, trackID string) (*ExtractionResult, error)
}

// MetadataSink accepts derived metadata. Record must not block.
type MetadataSink interface {
	Record(meta FormatMetadata)
}

// PlaybackState exposes the host player's current state.
type PlaybackState interface {
	Snapshot() PlaybackSnapshot
}
