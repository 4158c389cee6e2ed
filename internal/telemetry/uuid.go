package telemetry

import "github.com/google/uuid"

// NewMessageID returns a fresh UUIDv4, assigned exactly once per
// reading at the first gateway that accepts it.
func NewMessageID() string {
	return uuid.NewString()
}
