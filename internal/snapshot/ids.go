package snapshot

import "github.com/google/uuid"

// NewID returns a time-ordered unique id for history and audit entries.
// UUIDv7 keeps ids roughly sortable by creation time, which makes raw
// payloads easier to eyeball when debugging.
func NewID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// NewInstallationID returns a random id identifying one installation.
func NewInstallationID() string {
	return uuid.NewString()
}
