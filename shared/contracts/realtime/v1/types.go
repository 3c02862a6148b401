package v1

import (
	"encoding/json"
	"fmt"
)

// ---- Payloads ----

// TotalSocketsPayload answers a total:sockets request.
type TotalSocketsPayload struct {
	Total int64 `json:"total"`
}

// ConnectedPayload is sent once the connection reaches the active state.
type ConnectedPayload struct {
	ConnectionID string `json:"connection_id"`
	IdentityID   string `json:"identity_id"`
	// Path is how the session was classified: "new", "refreshed" or "replacement".
	Path string `json:"path"`
}

// ErrorPayload is a generic in-session error payload.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// StringPayload encodes s as a JSON string payload.
// forced_disconnect, server_shutdown and connection_error carry a bare string.
func StringPayload(s string) json.RawMessage {
	b, err := json.Marshal(s)
	if err != nil {
		return json.RawMessage(`""`)
	}
	return b
}

// DecodeString decodes a bare string payload.
func DecodeString(raw json.RawMessage) (string, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", fmt.Errorf("decode string payload: %w", err)
	}
	return s, nil
}
