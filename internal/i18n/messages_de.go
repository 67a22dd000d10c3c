package i18n

// germanMessages contains all German translations.
var germanMessages = map[string]string{
	// Failure categories
	"error.network_unavailable": "Netzwerk nicht verfügbar. Prüfe deine Verbindung und versuche es erneut.",
	"error.content_removed":     "Dieser Titel ist nicht mehr verfügbar.",
	"error.login_required":      "Für diesen Titel ist eine Anmeldung erforderlich.",
	"error.restricted":          "Dieser Titel ist eingeschränkt und kann nicht abgespielt werden.",
	"error.unknown":             "Wiedergabe fehlgeschlagen. Bitte versuche es erneut.",

	// Playback status
	"status.retrying": "Neuer Versuch in %s",
	"status.skipping": "Weiter zum nächsten Titel",
}
