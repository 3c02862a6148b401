package v1

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestEnvelopeValidate(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		env     Envelope
		wantErr string
	}{
		{name: "logout", env: Envelope{V: Version, Type: TypeLogout}},
		{name: "total sockets", env: Envelope{V: Version, Type: TypeTotalSockets, ID: "q1"}},
		{name: "ack", env: Envelope{V: Version, Type: TypeAck, AckID: "e1"}},
		{name: "business event", env: Envelope{V: Version, Type: "call:incoming"}},
		{name: "missing version", env: Envelope{Type: TypeLogout}, wantErr: "missing field: v"},
		{name: "other version", env: Envelope{V: "v2", Type: TypeLogout}, wantErr: "unsupported protocol version"},
		{name: "missing type", env: Envelope{V: Version}, wantErr: "missing field: type"},
		{name: "total sockets without id", env: Envelope{V: Version, Type: TypeTotalSockets}, wantErr: "missing field: id"},
		{name: "ack without ack_id", env: Envelope{V: Version, Type: TypeAck}, wantErr: "missing field: ack_id"},
	}
	for _, tc := range cases {
		err := tc.env.Validate()
		switch {
		case tc.wantErr == "" && err != nil:
			t.Fatalf("%s: unexpected error %v", tc.name, err)
		case tc.wantErr != "" && (err == nil || !strings.Contains(err.Error(), tc.wantErr)):
			t.Fatalf("%s: got %v want %q", tc.name, err, tc.wantErr)
		}
	}
}

func TestIsInbound(t *testing.T) {
	t.Parallel()

	for _, typ := range []string{TypeLogout, TypeTotalSockets, TypeAck} {
		if !IsInbound(typ) {
			t.Fatalf("%s must be accepted from clients", typ)
		}
	}
	for _, typ := range []string{TypeConnected, TypeForcedDisconnect, TypeServerShutdown, TypeConnectionError, TypeError, "call:incoming"} {
		if IsInbound(typ) {
			t.Fatalf("%s must not be accepted from clients", typ)
		}
	}
}

func TestStringPayload(t *testing.T) {
	t.Parallel()

	raw := StringPayload(`server "drain"`)
	got, err := DecodeString(raw)
	if err != nil || got != `server "drain"` {
		t.Fatalf("DecodeString(%s) = %q, %v", raw, got, err)
	}
	if _, err := DecodeString(json.RawMessage(`{"code":"x"}`)); err == nil {
		t.Fatalf("object payload must not decode as string")
	}
}
