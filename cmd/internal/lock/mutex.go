// Package lock implements a distributed mutex on top of the coordination store.
//
// A lock is a single key holding a random owner token with a TTL. Acquire is
// one atomic set-if-absent; there is no spinning and no queueing, so a
// contended acquire returns immediately and the caller decides what to do.
// Release deletes the key only while it still holds the caller's token.
package lock

import (
	"context"
	"errors"
	"strings"
	"time"

	"calls/cmd/internal/coord"

	"github.com/google/uuid"
)

var (
	// ErrEmptyKey is returned for a blank resource key.
	ErrEmptyKey = errors.New("lock: empty resource key")

	// ErrInvalidTTL is returned for a non-positive TTL. Locks must always expire.
	ErrInvalidTTL = errors.New("lock: ttl must be positive")
)

// Mutex grants exclusive, time-bounded ownership of a resource key.
type Mutex struct {
	store    coord.Store
	newToken func() string
}

// Option configures a Mutex.
type Option func(*Mutex)

// WithTokenSource overrides owner token generation (tests).
func WithTokenSource(fn func() string) Option {
	return func(m *Mutex) {
		if fn != nil {
			m.newToken = fn
		}
	}
}

// New constructs a Mutex over store.
func New(store coord.Store, opts ...Option) *Mutex {
	m := &Mutex{
		store:    store,
		newToken: uuid.NewString,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m
}

// Acquire tries once to take resourceKey for ttl.
//
// acquired=false with a nil error means the resource is held by someone else;
// that is a normal outcome, not a failure. A non-nil error means the store
// could not answer.
func (m *Mutex) Acquire(ctx context.Context, resourceKey string, ttl time.Duration) (token string, acquired bool, err error) {
	if strings.TrimSpace(resourceKey) == "" {
		return "", false, ErrEmptyKey
	}
	if ttl <= 0 {
		return "", false, ErrInvalidTTL
	}

	token = m.newToken()
	ok, err := m.store.SetNX(ctx, resourceKey, token, ttl)
	if err != nil {
		return "", false, err
	}
	if !ok {
		return "", false, nil
	}
	return token, true, nil
}

// Release drops resourceKey if it is still owned by token.
//
// It returns false with a nil error when the lock already expired (and may
// have been re-acquired by another owner); callers must treat that as a no-op.
func (m *Mutex) Release(ctx context.Context, resourceKey, token string) (bool, error) {
	if strings.TrimSpace(resourceKey) == "" {
		return false, ErrEmptyKey
	}
	if token == "" {
		return false, nil
	}
	return m.store.CompareAndDelete(ctx, resourceKey, token)
}
