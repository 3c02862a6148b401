package token

import "errors"

// Public, stable errors for callers.
var (
	ErrKeyMissing  = errors.New("digest key missing")
	ErrKeyTooShort = errors.New("digest key too short")
	ErrKeyTooLong  = errors.New("digest key too long")
)
