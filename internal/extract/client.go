// Package extract is the HTTP client for the stream extraction sidecar.
package extract

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"tunestream/internal/core"
	"tunestream/internal/netx"
)

const (
	// maxResponseSize caps how much of a sidecar response is read.
	maxResponseSize = 1 << 20
	streamsPath     = "/v1/streams/"
)

// ErrMissingBaseURL is returned when no sidecar address is configured.
var ErrMissingBaseURL = errors.New("extractor base URL is required")

type streamResponse struct {
	StreamInfo  *streamInfo  `json:"streamInfo"`
	AudioStream *audioStream `json:"audioStream"`
	Error       *errorBody   `json:"error"`
}

type streamInfo struct {
	ID              string  `json:"id"`
	DurationSeconds float64 `json:"durationSeconds"`
	Title           string  `json:"title"`
}

type audioStream struct {
	IsURL         bool      `json:"isUrl"`
	Content       string    `json:"content"`
	Itag          int       `json:"itag"`
	Bitrate       int       `json:"bitrate"`
	MimeType      string    `json:"mimeType"`
	ContentLength int64     `json:"contentLength"`
	ExpiresAt     time.Time `json:"expiresAt"`
}

type errorBody struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// Client implements core.ExtractionClient against the sidecar's JSON API.
type Client struct {
	baseURL string
	http    *http.Client
	logger  *zap.Logger
}

// New creates a client. A configured token is sent as a bearer credential.
func New(config *core.ExtractorConfig, logger *zap.Logger) (*Client, error) {
	if config.BaseURL == "" {
		return nil, ErrMissingBaseURL
	}
	if _, err := url.ParseRequestURI(config.BaseURL); err != nil {
		return nil, fmt.Errorf("invalid extractor base URL: %w", err)
	}

	transport, err := netx.NewTransport(config.ProxyURL)
	if err != nil {
		return nil, fmt.Errorf("extractor transport: %w", err)
	}

	var rt http.RoundTripper = transport
	if config.Token != "" {
		rt = &oauth2.Transport{
			Source: oauth2.StaticTokenSource(&oauth2.Token{AccessToken: config.Token, TokenType: "Bearer"}),
			Base:   transport,
		}
	}

	return &Client{
		baseURL: strings.TrimRight(config.BaseURL, "/"),
		http:    &http.Client{Transport: rt, Timeout: config.Timeout},
		logger:  logger,
	}, nil
}

// ResolveAudioStream asks the sidecar for the best audio stream of a track.
func (c *Client) ResolveAudioStream(ctx context.Context, trackID string) (*core.ExtractionResult, error) {
	endpoint := c.baseURL + streamsPath + url.PathEscape(trackID)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, http.NoBody)
	if err != nil {
		return nil, core.WrapError(core.KindUnknown, trackID, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		kind := core.KindOf(err)
		if kind == core.KindUnknown {
			kind = core.KindNetwork
		}
		return nil, core.WrapError(kind, trackID, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, core.WrapError(core.KindNetwork, trackID, fmt.Errorf("read sidecar response: %w", err))
	}

	if resp.StatusCode != http.StatusOK {
		return nil, c.statusError(trackID, resp.StatusCode, body)
	}

	var payload streamResponse
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, core.WrapError(core.KindParsing, trackID, fmt.Errorf("decode sidecar response: %w", err))
	}
	if payload.Error != nil {
		return nil, &core.ResolveError{
			Kind:       bodyKind(payload.Error.Kind, core.KindUnknown),
			TrackID:    trackID,
			StatusCode: resp.StatusCode,
			Message:    payload.Error.Message,
		}
	}
	if payload.StreamInfo == nil || payload.AudioStream == nil {
		return nil, core.NewError(core.KindParsing, trackID, "sidecar response is missing stream fields")
	}

	c.logger.Debug("Sidecar resolved stream",
		zap.String("trackID", trackID),
		zap.Int("itag", payload.AudioStream.Itag),
		zap.String("mimeType", payload.AudioStream.MimeType))

	return &core.ExtractionResult{
		StreamInfo: core.StreamInfo{
			ID:       payload.StreamInfo.ID,
			Title:    payload.StreamInfo.Title,
			Duration: time.Duration(payload.StreamInfo.DurationSeconds * float64(time.Second)),
		},
		AudioStream: core.AudioStream{
			IsURL:         payload.AudioStream.IsURL,
			Content:       payload.AudioStream.Content,
			Itag:          payload.AudioStream.Itag,
			Bitrate:       payload.AudioStream.Bitrate,
			MimeType:      payload.AudioStream.MimeType,
			ContentLength: payload.AudioStream.ContentLength,
			ExpiresAt:     payload.AudioStream.ExpiresAt,
		},
	}, nil
}

// statusError maps a non-200 sidecar answer onto the error taxonomy.
func (c *Client) statusError(trackID string, status int, body []byte) error {
	var payload streamResponse
	var message string
	var kindName string
	if err := json.Unmarshal(body, &payload); err == nil && payload.Error != nil {
		message = payload.Error.Message
		kindName = payload.Error.Kind
	}
	if message == "" {
		message = http.StatusText(status)
	}

	var kind core.ErrorKind
	switch {
	case status == http.StatusUnauthorized:
		kind = core.KindLoginRequired
	case status == http.StatusForbidden:
		kind = core.KindRestricted
	case status == http.StatusNotFound, status == http.StatusGone:
		kind = core.KindContentUnavailable
	case status == http.StatusUnprocessableEntity:
		kind = bodyKind(kindName, core.KindFormatNotFound)
	case status == http.StatusTooManyRequests, status >= http.StatusInternalServerError:
		kind = core.KindNetwork
	default:
		kind = core.KindUnknown
	}

	c.logger.Debug("Sidecar returned error",
		zap.String("trackID", trackID),
		zap.Int("status", status),
		zap.Stringer("kind", kind))

	return &core.ResolveError{Kind: kind, TrackID: trackID, StatusCode: status, Message: message}
}

// bodyKind accepts both snake_case and kebab-case kind names.
func bodyKind(name string, fallback core.ErrorKind) core.ErrorKind {
	name = strings.ReplaceAll(strings.TrimSpace(strings.ToLower(name)), "-", "_")
	if name == "" {
		return fallback
	}
	kind := core.ParseKind(name)
	if kind == core.KindUnknown && name != "unknown" {
		return fallback
	}
	return kind
}
