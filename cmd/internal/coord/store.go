// Package coord is the shared coordination store every Calls process talks to.
//
// It exposes the small set of primitives the presence core is built on:
// keys with expiry, atomic set-if-absent, owner-checked delete, atomic batches,
// set membership and publish/subscribe. RedisStore is the production backend;
// MemoryStore is a single-process fallback for development and tests.
package coord

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a key does not exist (or has expired).
	ErrNotFound = errors.New("coord: key not found")

	// ErrUnavailable marks failures to reach the store itself.
	ErrUnavailable = errors.New("coord: store unavailable")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("coord: store closed")
)

// UnavailableError carries the failing operation and the transport error.
// It matches both ErrUnavailable and the underlying cause with errors.Is.
type UnavailableError struct {
	Op  string
	Err error
}

func (e *UnavailableError) Error() string {
	return "coord: " + e.Op + ": store unavailable: " + e.Err.Error()
}

func (e *UnavailableError) Unwrap() []error { return []error{ErrUnavailable, e.Err} }

// OpKind enumerates the mutations allowed inside an atomic batch.
type OpKind uint8

const (
	OpSet OpKind = iota + 1
	OpDel
	OpSAdd
	OpSRem
)

func (k OpKind) String() string {
	switch k {
	case OpSet:
		return "set"
	case OpDel:
		return "del"
	case OpSAdd:
		return "sadd"
	case OpSRem:
		return "srem"
	default:
		return "unknown"
	}
}

// Op is one mutation of a batch passed to Store.Exec.
type Op struct {
	Kind  OpKind
	Key   string
	Value string
	TTL   time.Duration
}

// Set writes key=value. A ttl <= 0 means no expiry.
func Set(key, value string, ttl time.Duration) Op {
	return Op{Kind: OpSet, Key: key, Value: value, TTL: ttl}
}

// Del removes key.
func Del(key string) Op { return Op{Kind: OpDel, Key: key} }

// SAdd adds member to set.
func SAdd(set, member string) Op { return Op{Kind: OpSAdd, Key: set, Value: member} }

// SRem removes member from set.
func SRem(set, member string) Op { return Op{Kind: OpSRem, Key: set, Value: member} }

// Message is one pub/sub delivery.
type Message struct {
	Channel string
	Payload string
}

// Subscription is a live pub/sub subscription.
// Messages is closed once the subscription ends.
type Subscription interface {
	Messages() <-chan Message
	Close() error
}

// Store is the coordination store contract.
type Store interface {
	// Get returns the value at key or ErrNotFound.
	Get(ctx context.Context, key string) (string, error)

	// MGet returns one entry per key; absent keys yield nil.
	MGet(ctx context.Context, keys ...string) ([]*string, error)

	// SetNX atomically sets key=value with ttl if key is absent.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)

	// CompareAndDelete atomically deletes key if its current value equals value.
	CompareAndDelete(ctx context.Context, key, value string) (bool, error)

	// Exec applies all ops atomically: no other client observes a partial batch.
	Exec(ctx context.Context, ops ...Op) error

	// SMembers lists the members of set (empty when absent).
	SMembers(ctx context.Context, set string) ([]string, error)

	// SCard counts the members of set.
	SCard(ctx context.Context, set string) (int64, error)

	// Expire re-arms the expiry of an existing key to ttl without touching its
	// value. It reports false when key is absent.
	Expire(ctx context.Context, key string, ttl time.Duration) (bool, error)

	// TTL returns the remaining time to live of key, 0 when it never expires,
	// or ErrNotFound.
	TTL(ctx context.Context, key string) (time.Duration, error)

	// Publish fans payload out to every subscriber of channel.
	Publish(ctx context.Context, channel, payload string) error

	// Subscribe starts a subscription on channel. The subscription is
	// confirmed by the store before Subscribe returns.
	Subscribe(ctx context.Context, channel string) (Subscription, error)

	Ping(ctx context.Context) error
	Close() error
}
