// Package v1 defines the message a verification service publishes when an
// identity finishes authenticating out of band.
//
// The realtime gateway matches these messages to pending websocket connection
// attempts. Publishers only need this package and the channel name.
package v1

import (
	"errors"
	"strings"
	"time"
)

// DefaultChannel is the pub/sub channel verification events are published on.
const DefaultChannel = "auth:events"

// Status is the outcome reported by the verification service.
type Status string

const (
	// StatusVerified marks a fresh login.
	StatusVerified Status = "verified"
	// StatusRefreshed marks a re-authentication of an existing session.
	StatusRefreshed Status = "refreshed"
)

// Valid reports whether s is one of the statuses the gateway acts on.
func (s Status) Valid() bool {
	return s == StatusVerified || s == StatusRefreshed
}

// Correlation is the published verification event.
//
// CorrelationID is chosen by the client, sent on the websocket URL
// (?correlation_id=...) and echoed by the client to the verification endpoint,
// which copies it here. It scopes the event to exactly one connection attempt.
type Correlation struct {
	IdentityID    string    `json:"identity_id"`
	AuxIdentifier string    `json:"aux_identifier,omitempty"`
	Status        Status    `json:"status"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	IssuedAt      time.Time `json:"issued_at,omitempty"`
}

// Validate checks the fields every consumer relies on.
func (c Correlation) Validate() error {
	if strings.TrimSpace(c.IdentityID) == "" {
		return errors.New("missing field: identity_id")
	}
	if !c.Status.Valid() {
		return errors.New("invalid field: status")
	}
	if c.CorrelationID != "" && !ValidCorrelationID(c.CorrelationID) {
		return errors.New("invalid field: correlation_id")
	}
	return nil
}

// ValidCorrelationID accepts 8..128 characters of [A-Za-z0-9_-].
func ValidCorrelationID(id string) bool {
	if len(id) < 8 || len(id) > 128 {
		return false
	}
	for i := 0; i < len(id); i++ {
		c := id[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-', c == '_':
		default:
			return false
		}
	}
	return true
}
