// Package token provides keyed digests for identifiers that must not be
// stored or logged in clear, such as the aux identifier of a session.
//
// Digests are BLAKE2b-256, keyed when CALLS_AUDIT_HASH_KEY is set and
// unkeyed otherwise (dev). Output is a stable 64-char hex string.
//
// Policy: when CALLS_REQUIRE_AUDIT_KEY=true, callers MUST load the key with
// KeyFromEnv and a minimum size of 32 bytes, and MUST NOT fall back to the
// unkeyed digest.
package token
