package token

import (
	"errors"
	"strings"
	"testing"
)

func TestDigest_KeyedDiffersFromUnkeyed(t *testing.T) {
	t.Parallel()

	key := []byte(strings.Repeat("k", MinKeyBytes))
	plain := Digest("+15550100", nil)
	keyed := Digest("+15550100", key)

	if len(plain) != 64 || len(keyed) != 64 {
		t.Fatalf("expected 64 hex chars, got %d and %d", len(plain), len(keyed))
	}
	if plain == keyed {
		t.Fatalf("keyed digest must differ from unkeyed digest")
	}
	if keyed != Digest("+15550100", key) {
		t.Fatalf("digest must be deterministic")
	}
}

func TestKeyFromEnv(t *testing.T) {
	cases := []struct {
		name    string
		value   string
		wantErr error
	}{
		{name: "missing", value: "", wantErr: ErrKeyMissing},
		{name: "blank", value: "   ", wantErr: ErrKeyMissing},
		{name: "short", value: "short", wantErr: ErrKeyTooShort},
		{name: "long", value: strings.Repeat("x", 65), wantErr: ErrKeyTooLong},
		{name: "ok", value: strings.Repeat("x", 40)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Setenv(KeyEnv, tc.value)
			key, err := KeyFromEnv(MinKeyBytes)
			if tc.wantErr != nil {
				if !errors.Is(err, tc.wantErr) {
					t.Fatalf("expected %v, got %v", tc.wantErr, err)
				}
				return
			}
			if err != nil || len(key) != 40 {
				t.Fatalf("unexpected key=%q err=%v", key, err)
			}
			if !KeyEnabled() {
				t.Fatalf("expected KeyEnabled")
			}
		})
	}
}

func TestDigester_EmptyInput(t *testing.T) {
	t.Parallel()

	d := NewDigester(nil)
	if d.Keyed() {
		t.Fatalf("nil key must be unkeyed")
	}
	if got := d.Digest(""); got != "" {
		t.Fatalf("expected empty digest for empty input, got %q", got)
	}
	if got := d.Digest("a"); got != Digest("a", nil) {
		t.Fatalf("digester mismatch")
	}
}
