package relay

import (
	"github.com/google/uuid"
)

// NewID generates a globally unique, time-sortable UUIDv7 (RFC 9562).
func NewID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// callID returns id, or a fresh one when the model omitted it.
func callID(id string) string {
	if id != "" {
		return id
	}
	return "call_" + NewID()
}
