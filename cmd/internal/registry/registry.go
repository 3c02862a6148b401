// Package registry maps realtime connection ids to session records in the
// coordination store, and keeps the group index used to enumerate them.
//
// Layout:
//
//	group:<connectionId> -> Record JSON (with TTL)
//	groupSet             -> set of connection ids
//
// Every write that touches a record also touches the index in the same atomic
// batch, so a reader never sees a record without its index entry. The reverse
// (an index entry whose record expired) is possible and is repaired by the
// reconciliation monitor.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"calls/cmd/internal/coord"
)

// DefaultTTL bounds how long a record outlives a crashed owner.
const DefaultTTL = 24 * time.Hour

var (
	// ErrNotFound is returned when no record exists for a connection id.
	ErrNotFound = errors.New("registry: session not found")

	// ErrInvalidRecord is returned for records missing required fields.
	ErrInvalidRecord = errors.New("registry: invalid session record")
)

// Record is the persisted metadata of one live authenticated connection.
type Record struct {
	ConnectionID    string    `json:"connection_id"`
	IdentityID      string    `json:"identity_id"`
	AuxIdentifier   string    `json:"aux_identifier,omitempty"`
	InstanceID      string    `json:"instance_id,omitempty"`
	ConnectedAt     time.Time `json:"connected_at"`
	LastRefreshedAt time.Time `json:"last_refreshed_at"`
}

func (r Record) validate() error {
	if strings.TrimSpace(r.ConnectionID) == "" {
		return fmt.Errorf("%w: missing connection_id", ErrInvalidRecord)
	}
	if strings.TrimSpace(r.IdentityID) == "" {
		return fmt.Errorf("%w: missing identity_id", ErrInvalidRecord)
	}
	if r.ConnectedAt.IsZero() || r.LastRefreshedAt.IsZero() {
		return fmt.Errorf("%w: missing timestamps", ErrInvalidRecord)
	}
	return nil
}

// normalizeTime strips monotonic readings and zone so an encoded record
// decodes to an equal value.
func normalizeTime(t time.Time) time.Time {
	return t.UTC().Round(0)
}

// Registry is safe for concurrent use; all state lives in the store.
type Registry struct {
	store coord.Store
	keys  coord.Keys
	ttl   time.Duration
}

// Option configures a Registry.
type Option func(*Registry)

// WithTTL sets the per-record TTL. Non-positive values keep the default.
func WithTTL(ttl time.Duration) Option {
	return func(r *Registry) {
		if ttl > 0 {
			r.ttl = ttl
		}
	}
}

// New constructs a Registry over store using keys for key shapes.
func New(store coord.Store, keys coord.Keys, opts ...Option) *Registry {
	r := &Registry{
		store: store,
		keys:  keys,
		ttl:   DefaultTTL,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// TTL returns the per-record TTL.
func (r *Registry) TTL() time.Duration { return r.ttl }

// Get returns the record of connectionID or ErrNotFound.
func (r *Registry) Get(ctx context.Context, connectionID string) (Record, error) {
	raw, err := r.store.Get(ctx, r.keys.Session(connectionID))
	if err != nil {
		if errors.Is(err, coord.ErrNotFound) {
			return Record{}, ErrNotFound
		}
		return Record{}, err
	}
	return decode(raw)
}

// Create writes rec and adds it to the group index in one batch.
func (r *Registry) Create(ctx context.Context, rec Record) (Record, error) {
	rec.ConnectedAt = normalizeTime(rec.ConnectedAt)
	rec.LastRefreshedAt = normalizeTime(rec.LastRefreshedAt)
	if err := rec.validate(); err != nil {
		return Record{}, err
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return Record{}, fmt.Errorf("registry: encode: %w", err)
	}
	if err := r.store.Exec(ctx,
		coord.Set(r.keys.Session(rec.ConnectionID), string(raw), r.ttl),
		coord.SAdd(r.keys.GroupSet(), rec.ConnectionID),
	); err != nil {
		return Record{}, err
	}
	return rec, nil
}

// Refresh updates lastRefreshedAt and re-arms the record TTL. Every other
// field, connectedAt and the aux identifier included, is left untouched.
func (r *Registry) Refresh(ctx context.Context, prev Record, at time.Time) (Record, error) {
	next := prev
	next.LastRefreshedAt = normalizeTime(at)
	return r.Create(ctx, next)
}

// Touch re-arms the TTL of connectionID's record without rewriting it.
// It reports false when the record no longer exists.
func (r *Registry) Touch(ctx context.Context, connectionID string) (bool, error) {
	return r.store.Expire(ctx, r.keys.Session(connectionID), r.ttl)
}

// Replace deletes prev and writes next as one batch.
func (r *Registry) Replace(ctx context.Context, prev, next Record) (Record, error) {
	next.ConnectedAt = normalizeTime(next.ConnectedAt)
	next.LastRefreshedAt = normalizeTime(next.LastRefreshedAt)
	if err := next.validate(); err != nil {
		return Record{}, err
	}
	raw, err := json.Marshal(next)
	if err != nil {
		return Record{}, fmt.Errorf("registry: encode: %w", err)
	}
	if err := r.store.Exec(ctx,
		coord.Del(r.keys.Session(prev.ConnectionID)),
		coord.SRem(r.keys.GroupSet(), prev.ConnectionID),
		coord.Set(r.keys.Session(next.ConnectionID), string(raw), r.ttl),
		coord.SAdd(r.keys.GroupSet(), next.ConnectionID),
	); err != nil {
		return Record{}, err
	}
	return next, nil
}

// Delete removes the record of connectionID and its index entry.
// Deleting an absent record is not an error.
func (r *Registry) Delete(ctx context.Context, connectionID string) error {
	return r.store.Exec(ctx,
		coord.Del(r.keys.Session(connectionID)),
		coord.SRem(r.keys.GroupSet(), connectionID),
	)
}

// Listing is a snapshot of the registry.
type Listing struct {
	Records []Record

	// Orphans are indexed connection ids with no readable record
	// (expired, deleted mid-listing, or corrupt).
	Orphans []string
}

// List enumerates every indexed record without scanning the key space.
func (r *Registry) List(ctx context.Context) (Listing, error) {
	ids, err := r.store.SMembers(ctx, r.keys.GroupSet())
	if err != nil {
		return Listing{}, err
	}
	if len(ids) == 0 {
		return Listing{}, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = r.keys.Session(id)
	}
	vals, err := r.store.MGet(ctx, keys...)
	if err != nil {
		return Listing{}, err
	}

	out := Listing{Records: make([]Record, 0, len(ids))}
	for i, v := range vals {
		if v == nil {
			out.Orphans = append(out.Orphans, ids[i])
			continue
		}
		rec, err := decode(*v)
		if err != nil || rec.ConnectionID != ids[i] {
			out.Orphans = append(out.Orphans, ids[i])
			continue
		}
		out.Records = append(out.Records, rec)
	}
	return out, nil
}

// Count returns the size of the group index.
func (r *Registry) Count(ctx context.Context) (int64, error) {
	return r.store.SCard(ctx, r.keys.GroupSet())
}

// ConnectionIDsForIdentity returns every registered connection of identityID.
func (r *Registry) ConnectionIDsForIdentity(ctx context.Context, identityID string) ([]string, error) {
	l, err := r.List(ctx)
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, rec := range l.Records {
		if rec.IdentityID == identityID {
			ids = append(ids, rec.ConnectionID)
		}
	}
	return ids, nil
}

func decode(raw string) (Record, error) {
	var rec Record
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return Record{}, fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}
	if err := rec.validate(); err != nil {
		return Record{}, err
	}
	return rec, nil
}
