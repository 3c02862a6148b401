package realtime

import (
	"time"

	"calls/cmd/identity/ids"

	"github.com/google/uuid"
)

// NewConnectionID returns a ULID used as the connection id (and registry key).
// ULIDs sort by creation time, which keeps the group index readable.
func NewConnectionID(now time.Time) (string, error) {
	return ids.NewULID(now)
}

// NewEnvelopeID returns a random id for outbound envelopes. Acks echo it back.
func NewEnvelopeID() string {
	return uuid.NewString()
}
