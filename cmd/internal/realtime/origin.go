package realtime

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"slices"
	"strings"
)

// originPolicy is checked before the upgrade. websocket.Accept runs its own
// origin check against OriginPatterns, which are derived from the same
// allowlist so the two layers agree.
type originPolicy struct {
	required bool
	allowed  []string
	patterns []string
}

func newOriginPolicy(required bool, allowed []string) originPolicy {
	clean := make([]string, 0, len(allowed))
	for _, a := range allowed {
		if a = strings.TrimSpace(a); a != "" {
			clean = append(clean, a)
		}
	}
	return originPolicy{
		required: required,
		allowed:  clean,
		patterns: originPatterns(clean),
	}
}

func (p originPolicy) check(r *http.Request) error {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		if p.required {
			return errors.New("missing origin")
		}
		return nil
	}
	if len(p.allowed) == 0 {
		return errors.New("origin not allowed (no allowlist)")
	}

	host := originHost(origin)
	for _, a := range p.allowed {
		switch {
		case a == "*":
			return nil
		case origin == a:
			return nil
		case host != "" && host == originHost(a):
			return nil
		}
	}
	return fmt.Errorf("origin not allowed: %s", origin)
}

// originHost extracts the lowercase host from "scheme://host[:port]" or "host[:port]".
func originHost(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	if strings.Contains(s, "://") {
		u, err := url.Parse(s)
		if err != nil {
			return ""
		}
		s = strings.TrimSpace(u.Host)
		if s == "" {
			return ""
		}
	}
	if host, _, err := net.SplitHostPort(s); err == nil {
		return strings.ToLower(host)
	}
	return strings.ToLower(s)
}

func originPatterns(allowed []string) []string {
	var out []string
	for _, a := range allowed {
		if a == "*" {
			return []string{"*"}
		}
		h := originHost(a)
		if h == "" || slices.Contains(out, h) {
			continue
		}
		// websocket.Accept matches patterns against host:port.
		out = append(out, h, h+":*")
	}
	slices.Sort(out)
	return out
}
