// Package v1 defines the Calls Realtime Protocol v1 contract.
//
// Every frame in both directions is an Envelope. Server emissions always carry
// a timestamp and may carry auth/header metadata, so clients parse a single shape
// regardless of whether the event was addressed to one connection, a group, or
// everyone.
//
// This package is shared between the server and clients and stays dependency-free.
package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Version is the protocol version identifier embedded into every envelope.
const Version = "v1"

// Subprotocol is the websocket subprotocol negotiated during the handshake.
const Subprotocol = "calls.realtime.v1"

// Event names (wire-stable).
const (
	// TypeLogout asks the server to drop the caller's session and close (client -> server).
	TypeLogout = "logout"
	// TypeTotalSockets asks for the number of registered sessions (client -> server, acked).
	TypeTotalSockets = "total:sockets"
	// TypeAck answers an envelope that carried an id (both directions).
	TypeAck = "ack"

	// TypeConnected confirms that the connection is authenticated and registered (server -> client).
	TypeConnected = "connected"
	// TypeForcedDisconnect precedes a server-initiated disconnect (server -> client).
	TypeForcedDisconnect = "forced_disconnect"
	// TypeServerShutdown is sent to every active connection during graceful shutdown (server -> client).
	TypeServerShutdown = "server_shutdown"
	// TypeConnectionError is sent once when a connection attempt is rejected (server -> client).
	TypeConnectionError = "connection_error"
	// TypeError reports a recoverable in-session problem (server -> client).
	TypeError = "error"
)

// AuthMeta identifies the session an envelope belongs to.
type AuthMeta struct {
	IdentityID   string `json:"identity_id,omitempty"`
	ConnectionID string `json:"connection_id,omitempty"`
}

// Envelope is the canonical wire wrapper.
type Envelope struct {
	V       string            `json:"v"`
	Type    string            `json:"type"`
	ID      string            `json:"id,omitempty"`
	AckID   string            `json:"ack_id,omitempty"`
	TS      time.Time         `json:"ts"`
	Auth    *AuthMeta         `json:"auth,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	Payload json.RawMessage   `json:"payload,omitempty"`
}

// Validate performs structural validation of an inbound envelope.
// Outbound event names are open-ended (business events), so only the
// client -> server types are checked for their required fields.
func (e Envelope) Validate() error {
	if strings.TrimSpace(e.V) == "" {
		return errors.New("missing field: v")
	}
	if e.V != Version {
		return fmt.Errorf("unsupported protocol version: %q", e.V)
	}
	if strings.TrimSpace(e.Type) == "" {
		return errors.New("missing field: type")
	}

	switch e.Type {
	case TypeTotalSockets:
		if strings.TrimSpace(e.ID) == "" {
			return errors.New("missing field: id (acknowledgement required)")
		}
	case TypeAck:
		if strings.TrimSpace(e.AckID) == "" {
			return errors.New("missing field: ack_id")
		}
	}
	return nil
}

// IsInbound reports whether typ is an event clients are allowed to send.
func IsInbound(typ string) bool {
	switch typ {
	case TypeLogout, TypeTotalSockets, TypeAck:
		return true
	default:
		return false
	}
}
