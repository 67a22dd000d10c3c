package i18n

// englishMessages contains all English translations.
var englishMessages = map[string]string{
	// Failure categories
	"error.network_unavailable": "Network unavailable. Check your connection and try again.",
	"error.content_removed":     "This track is no longer available.",
	"error.login_required":      "This track requires signing in.",
	"error.restricted":          "This track is restricted and can't be played.",
	"error.unknown":             "Playback failed. Please try again.",

	// Playback status
	"status.retrying": "Retrying in %s",
	"status.skipping": "Skipping to the next track",
}
