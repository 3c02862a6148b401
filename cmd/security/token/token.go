package token

import (
	"encoding/hex"
	"os"
	"strings"

	"golang.org/x/crypto/blake2b"
)

const (
	// KeyEnv is the env var name for the digest key.
	// #nosec G101 -- not a credential; it's an environment variable name.
	KeyEnv = "CALLS_AUDIT_HASH_KEY"

	// MinKeyBytes is the key size enforced in required-key mode.
	MinKeyBytes = 32
)

// Digest returns the hex BLAKE2b-256 of s, keyed with key when non-empty.
// Keys longer than 64 bytes are rejected by KeyFromEnv; Digest itself
// falls back to the unkeyed sum for such keys rather than panicking.
func Digest(s string, key []byte) string {
	if len(key) > 0 {
		if h, err := blake2b.New256(key); err == nil {
			_, _ = h.Write([]byte(s))
			return hex.EncodeToString(h.Sum(nil))
		}
	}
	sum := blake2b.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// KeyFromEnv returns the configured key bytes (trimmed), enforcing a minimum
// byte length. Missing/blank -> ErrKeyMissing. Too short -> ErrKeyTooShort.
// Longer than BLAKE2b allows (64 bytes) -> ErrKeyTooLong.
func KeyFromEnv(minBytes int) ([]byte, error) {
	raw := strings.TrimSpace(os.Getenv(KeyEnv))
	if raw == "" {
		return nil, ErrKeyMissing
	}
	b := []byte(raw)
	if minBytes > 0 && len(b) < minBytes {
		return nil, ErrKeyTooShort
	}
	if len(b) > blake2b.Size {
		return nil, ErrKeyTooLong
	}
	return b, nil
}

// KeyEnabled reports whether the env key is present (non-empty after trim).
// It does not enforce length. Use KeyFromEnv for policy checks.
func KeyEnabled() bool {
	return strings.TrimSpace(os.Getenv(KeyEnv)) != ""
}

// Digester binds a key so callers do not pass it around.
type Digester struct {
	key []byte
}

// NewDigester returns a Digester for key (nil/empty = unkeyed).
func NewDigester(key []byte) Digester {
	return Digester{key: append([]byte(nil), key...)}
}

// Digest returns the digest of s, or "" for an empty s.
func (d Digester) Digest(s string) string {
	if s == "" {
		return ""
	}
	return Digest(s, d.key)
}

// Keyed reports whether the digester uses a key.
func (d Digester) Keyed() bool { return len(d.key) > 0 }
