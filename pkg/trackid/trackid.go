// Package trackid normalizes the track references hosts send: bare ids or
// YouTube and YouTube Music links.
package trackid

import (
	"errors"
	"net/url"
	"regexp"
	"strings"
)

var (
	// ErrEmpty is returned for blank input.
	ErrEmpty = errors.New("empty track reference")
	// ErrUnsupportedHost is returned for links that are not YouTube links.
	ErrUnsupportedHost = errors.New("unsupported link host")
	// ErrNoID is returned when a supported link carries no id.
	ErrNoID = errors.New("no track id in link")
	// ErrInvalidID is returned when the id contains characters ids never use.
	ErrInvalidID = errors.New("invalid track id")
)

// idPattern matches YouTube video ids and similar opaque identifiers.
var idPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

var youTubeHosts = map[string]bool{
	"youtube.com":       true,
	"www.youtube.com":   true,
	"m.youtube.com":     true,
	"music.youtube.com": true,
}

// Parse returns the track id for a bare id or a link.
func Parse(ref string) (string, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return "", ErrEmpty
	}

	if !strings.Contains(ref, "/") && !strings.Contains(ref, "?") {
		return validate(ref)
	}

	if !strings.Contains(ref, "://") {
		ref = "https://" + ref
	}
	u, err := url.Parse(ref)
	if err != nil {
		return "", err
	}

	hostname := strings.ToLower(u.Hostname())
	path := strings.Trim(u.Path, "/")

	switch {
	case hostname == "youtu.be":
		if path == "" {
			return "", ErrNoID
		}
		return validate(strings.SplitN(path, "/", 2)[0])
	case youTubeHosts[hostname]:
		if id := u.Query().Get("v"); id != "" {
			return validate(id)
		}
		for _, prefix := range []string{"shorts/", "embed/", "live/"} {
			if strings.HasPrefix(path, prefix) {
				rest := strings.TrimPrefix(path, prefix)
				if rest == "" {
					return "", ErrNoID
				}
				return validate(strings.SplitN(rest, "/", 2)[0])
			}
		}
		return "", ErrNoID
	default:
		return "", ErrUnsupportedHost
	}
}

func validate(id string) (string, error) {
	if !idPattern.MatchString(id) {
		return "", ErrInvalidID
	}
	return id, nil
}
