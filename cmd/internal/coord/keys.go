package coord

import "strings"

const (
	sessionKeyPrefix = "group:"
	groupSetKey      = "groupSet"
	lockKeyPrefix    = "lock:"
)

// Keys builds the store key shapes shared by every process:
//
//	group:<connectionId>  -> session record JSON
//	groupSet              -> set of connection ids
//	lock:<identityId>     -> mutex owner token
//
// A non-empty namespace is prepended as "<namespace>:" so several deployments
// can share one store.
type Keys struct {
	prefix string
}

// NewKeys constructs a key builder for namespace (may be empty).
func NewKeys(namespace string) Keys {
	ns := strings.Trim(strings.TrimSpace(namespace), ":")
	if ns == "" {
		return Keys{}
	}
	return Keys{prefix: ns + ":"}
}

// Session is the key holding the session record of connectionID.
func (k Keys) Session(connectionID string) string {
	return k.prefix + sessionKeyPrefix + connectionID
}

// ConnectionID reverses Session. ok is false for keys of another shape.
func (k Keys) ConnectionID(sessionKey string) (string, bool) {
	rest, ok := strings.CutPrefix(sessionKey, k.prefix+sessionKeyPrefix)
	if !ok || rest == "" {
		return "", false
	}
	return rest, true
}

// GroupSet is the set indexing every registered connection id.
func (k Keys) GroupSet() string { return k.prefix + groupSetKey }

// Lock is the mutex key of identityID.
func (k Keys) Lock(identityID string) string { return k.prefix + lockKeyPrefix + identityID }

// Channel namespaces a pub/sub channel name.
func (k Keys) Channel(name string) string { return k.prefix + name }
