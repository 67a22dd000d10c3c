package resolver

import (
	"context"
	"io"
	"net/http"
	"time"

	"tunestream/internal/core"
)

// DefaultPreflightTimeout bounds a preflight request.
const DefaultPreflightTimeout = 5 * time.Second

// preflightRange asks for the first two bytes only.
const preflightRange = "bytes=0-1"

// Preflight confirms a candidate stream URL actually serves bytes. It succeeds
// on 206 with a Content-Range header, or on 200 with a positive or absent
// Content-Length.
func Preflight(ctx context.Context, client *http.Client, streamURL string, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = DefaultPreflightTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, streamURL, http.NoBody)
	if err != nil {
		return core.WrapError(core.KindParsing, "", err)
	}
	req.Header.Set("Range", preflightRange)

	resp, err := client.Do(req)
	if err != nil {
		return core.WrapError(core.KindOf(err), "", err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 512))
		_ = resp.Body.Close()
	}()

	switch resp.StatusCode {
	case http.StatusPartialContent:
		if resp.Header.Get("Content-Range") == "" {
			return &core.ResolveError{
				Kind:       core.KindUnplayable,
				StatusCode: resp.StatusCode,
				Message:    "partial content without Content-Range",
			}
		}
		return nil
	case http.StatusOK:
		// ContentLength is -1 when the header is absent.
		if resp.ContentLength == 0 {
			return &core.ResolveError{
				Kind:       core.KindUnplayable,
				StatusCode: resp.StatusCode,
				Message:    "empty response body",
			}
		}
		return nil
	default:
		return core.NewStatusError("", resp.StatusCode)
	}
}
