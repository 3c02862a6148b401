package app

import (
	"errors"
	"log/slog"

	"calls/cmd/security/token"
)

// ValidateSecurityConfig enforces the audit digest policy at startup.
// With CALLS_REQUIRE_AUDIT_KEY=true the process refuses to start unless the
// aux identifier digest is keyed with at least token.MinKeyBytes.
func ValidateSecurityConfig(cfg Config) error {
	if !cfg.RequireAuditKey {
		return nil
	}
	if _, err := token.KeyFromEnv(token.MinKeyBytes); err != nil {
		switch {
		case errors.Is(err, token.ErrKeyMissing):
			return errors.New("security policy: CALLS_REQUIRE_AUDIT_KEY=true but CALLS_AUDIT_HASH_KEY is missing")
		case errors.Is(err, token.ErrKeyTooShort):
			return errors.New("security policy: CALLS_REQUIRE_AUDIT_KEY=true but CALLS_AUDIT_HASH_KEY is too short (min 32 bytes)")
		default:
			return err
		}
	}
	return nil
}

// auditDigester builds the digester used for aux identifiers in the audit log.
// Without a key it falls back to an unkeyed digest and says so.
func auditDigester(cfg Config, log *slog.Logger) (token.Digester, error) {
	minBytes := 0
	if cfg.RequireAuditKey {
		minBytes = token.MinKeyBytes
	}
	key, err := token.KeyFromEnv(minBytes)
	switch {
	case errors.Is(err, token.ErrKeyMissing) && !cfg.RequireAuditKey:
		log.Warn("audit.digest.unkeyed", "env", token.KeyEnv)
		return token.NewDigester(nil), nil
	case err != nil:
		return token.Digester{}, err
	}
	return token.NewDigester(key), nil
}
