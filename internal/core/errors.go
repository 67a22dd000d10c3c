package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
)

// ErrorKind classifies resolution and playback failures.
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	// KindNetwork covers connection failures, timeouts and upstream 5xx responses.
	KindNetwork
	// KindRangeNotSatisfiable is an HTTP 416 on a previously cached URL.
	KindRangeNotSatisfiable
	KindFormatNotFound
	KindUnplayable
	KindParsing
	// KindResourceGone means a cached URL stopped serving bytes (403/404/410 on the stream host).
	KindResourceGone
	// KindContentUnavailable means the track itself is gone.
	KindContentUnavailable
	KindLoginRequired
	KindRestricted
	// KindIDMismatch means the extraction service returned a different track.
	KindIDMismatch
	// KindCanceled means the caller abandoned the request.
	KindCanceled
)

var kindNames = map[ErrorKind]string{
	KindUnknown:             "unknown",
	KindNetwork:             "network",
	KindRangeNotSatisfiable: "range_not_satisfiable",
	KindFormatNotFound:      "format_not_found",
	KindUnplayable:          "unplayable",
	KindParsing:             "parsing",
	KindResourceGone:        "resource_gone",
	KindContentUnavailable:  "content_unavailable",
	KindLoginRequired:       "login_required",
	KindRestricted:          "restricted",
	KindIDMismatch:          "id_mismatch",
	KindCanceled:            "canceled",
}

func (k ErrorKind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// ParseKind maps a wire name back to its kind. Unknown names map to KindUnknown.
func ParseKind(name string) ErrorKind {
	name = strings.ToLower(strings.TrimSpace(name))
	for kind, n := range kindNames {
		if n == name {
			return kind
		}
	}
	return KindUnknown
}

// IsTerminal reports whether the kind must never be retried automatically.
func (k ErrorKind) IsTerminal() bool {
	switch k {
	case KindContentUnavailable, KindLoginRequired, KindRestricted, KindIDMismatch:
		return true
	default:
		return false
	}
}

// IsRetryable reports whether a retry may be scheduled for the kind.
func (k ErrorKind) IsRetryable() bool {
	return !k.IsTerminal() && k != KindCanceled
}

// InvalidatesCache reports whether a retry for the kind must drop the cached URL first.
func (k ErrorKind) InvalidatesCache() bool {
	switch k {
	case KindRangeNotSatisfiable, KindFormatNotFound, KindUnplayable, KindParsing,
		KindResourceGone, KindUnknown:
		return true
	default:
		return false
	}
}

// ResolveError is the typed failure of a resolution or playback attempt.
type ResolveError struct {
	Kind       ErrorKind
	TrackID    string
	StatusCode int
	Message    string
	Err        error
}

func (e *ResolveError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "resolve %s: %s", e.TrackID, e.Kind)
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, " (status %d)", e.StatusCode)
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *ResolveError) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether the failure may be retried.
func (e *ResolveError) IsRetryable() bool {
	return e.Kind.IsRetryable()
}

// NewError builds a ResolveError of the given kind.
func NewError(kind ErrorKind, trackID, message string) *ResolveError {
	return &ResolveError{Kind: kind, TrackID: trackID, Message: message}
}

// WrapError attaches a kind and track id to an underlying error.
func WrapError(kind ErrorKind, trackID string, err error) *ResolveError {
	return &ResolveError{Kind: kind, TrackID: trackID, Err: err}
}

// NewIDMismatchError reports that the service resolved a different track.
func NewIDMismatchError(requested, returned string) *ResolveError {
	return &ResolveError{
		Kind:    KindIDMismatch,
		TrackID: requested,
		Message: fmt.Sprintf("extraction returned id %q", returned),
	}
}

// NewStatusError classifies an HTTP status seen while fetching stream bytes.
func NewStatusError(trackID string, status int) *ResolveError {
	return &ResolveError{
		Kind:       KindFromStatus(status),
		TrackID:    trackID,
		StatusCode: status,
		Message:    http.StatusText(status),
	}
}

// KindFromStatus maps a stream host's HTTP status to an error kind.
func KindFromStatus(status int) ErrorKind {
	switch {
	case status == http.StatusRequestedRangeNotSatisfiable:
		return KindRangeNotSatisfiable
	case status == http.StatusUnauthorized:
		return KindLoginRequired
	case status == http.StatusUnavailableForLegalReasons:
		return KindRestricted
	case status == http.StatusForbidden, status == http.StatusNotFound, status == http.StatusGone:
		// Expired signed URLs answer 403.
		return KindResourceGone
	case status == http.StatusRequestTimeout, status == http.StatusTooManyRequests, status >= 500:
		return KindNetwork
	default:
		return KindUnknown
	}
}

var networkErrorPatterns = []string{
	"connection refused",
	"connection reset",
	"broken pipe",
	"no such host",
	"network is unreachable",
	"i/o timeout",
	"tls handshake timeout",
	"unexpected eof",
}

// KindOf classifies any error into the taxonomy.
func KindOf(err error) ErrorKind {
	if err == nil {
		return KindUnknown
	}

	var resolveErr *ResolveError
	if errors.As(err, &resolveErr) {
		return resolveErr.Kind
	}

	if errors.Is(err, context.Canceled) {
		return KindCanceled
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, io.ErrUnexpectedEOF) {
		return KindNetwork
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return KindNetwork
	}

	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
		return KindParsing
	}

	msg := strings.ToLower(err.Error())
	for _, pattern := range networkErrorPatterns {
		if strings.Contains(msg, pattern) {
			return KindNetwork
		}
	}

	return KindUnknown
}

// UserCategory is the small fixed set of failure categories shown to listeners.
type UserCategory string

const (
	CategoryNetworkUnavailable UserCategory = "network_unavailable"
	CategoryContentRemoved     UserCategory = "content_removed"
	CategoryLoginRequired      UserCategory = "login_required"
	CategoryRestricted         UserCategory = "restricted"
	CategoryUnknown            UserCategory = "unknown"
)

// Categories lists every user category.
func Categories() []UserCategory {
	return []UserCategory{
		CategoryNetworkUnavailable,
		CategoryContentRemoved,
		CategoryLoginRequired,
		CategoryRestricted,
		CategoryUnknown,
	}
}

// CategoryOf maps an error kind to the category shown to the listener.
func CategoryOf(kind ErrorKind) UserCategory {
	switch kind {
	case KindNetwork, KindRangeNotSatisfiable:
		return CategoryNetworkUnavailable
	case KindContentUnavailable, KindResourceGone:
		return CategoryContentRemoved
	case KindLoginRequired:
		return CategoryLoginRequired
	case KindRestricted:
		return CategoryRestricted
	default:
		return CategoryUnknown
	}
}
