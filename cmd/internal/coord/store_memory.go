package coord

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

const memSubscriptionBuffer = 256

// MemoryStore is a dev-only fallback when Redis is not configured.
// It coordinates goroutines of a single process only; running several
// processes against separate MemoryStores gives no cross-process guarantees.
//
// Expiry is lazy: expired keys are dropped when touched.
type MemoryStore struct {
	now func() time.Time

	mu     sync.Mutex
	kv     map[string]memEntry
	sets   map[string]map[string]struct{}
	subs   map[string]map[*memSubscription]struct{}
	closed bool
}

type memEntry struct {
	value     string
	expiresAt time.Time // zero = no expiry
}

// MemoryOption configures a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithClock overrides the time source used for expiry (tests).
func WithClock(now func() time.Time) MemoryOption {
	return func(s *MemoryStore) {
		if now != nil {
			s.now = now
		}
	}
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore constructs an empty in-memory store.
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		now:  time.Now,
		kv:   make(map[string]memEntry),
		sets: make(map[string]map[string]struct{}),
		subs: make(map[string]map[*memSubscription]struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// getLocked returns the live entry for key, evicting it if expired.
func (s *MemoryStore) getLocked(key string) (memEntry, bool) {
	e, ok := s.kv[key]
	if !ok {
		return memEntry{}, false
	}
	if !e.expiresAt.IsZero() && !s.now().Before(e.expiresAt) {
		delete(s.kv, key)
		return memEntry{}, false
	}
	return e, true
}

func (s *MemoryStore) expiry(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return s.now().Add(ttl)
}

func (s *MemoryStore) begin(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, key string) (string, error) {
	if err := s.begin(ctx); err != nil {
		return "", err
	}
	defer s.mu.Unlock()

	e, ok := s.getLocked(key)
	if !ok {
		return "", ErrNotFound
	}
	return e.value, nil
}

func (s *MemoryStore) MGet(ctx context.Context, keys ...string) ([]*string, error) {
	if err := s.begin(ctx); err != nil {
		return nil, err
	}
	defer s.mu.Unlock()

	out := make([]*string, len(keys))
	for i, k := range keys {
		if e, ok := s.getLocked(k); ok {
			v := e.value
			out[i] = &v
		}
	}
	return out, nil
}

func (s *MemoryStore) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	if err := s.begin(ctx); err != nil {
		return false, err
	}
	defer s.mu.Unlock()

	if _, ok := s.getLocked(key); ok {
		return false, nil
	}
	s.kv[key] = memEntry{value: value, expiresAt: s.expiry(ttl)}
	return true, nil
}

func (s *MemoryStore) CompareAndDelete(ctx context.Context, key, value string) (bool, error) {
	if err := s.begin(ctx); err != nil {
		return false, err
	}
	defer s.mu.Unlock()

	e, ok := s.getLocked(key)
	if !ok || e.value != value {
		return false, nil
	}
	delete(s.kv, key)
	return true, nil
}

func (s *MemoryStore) Exec(ctx context.Context, ops ...Op) error {
	for _, op := range ops {
		if op.Kind < OpSet || op.Kind > OpSRem {
			return fmt.Errorf("coord: unsupported op kind %d", op.Kind)
		}
	}
	if err := s.begin(ctx); err != nil {
		return err
	}
	defer s.mu.Unlock()

	for _, op := range ops {
		switch op.Kind {
		case OpSet:
			s.kv[op.Key] = memEntry{value: op.Value, expiresAt: s.expiry(op.TTL)}
		case OpDel:
			delete(s.kv, op.Key)
			delete(s.sets, op.Key)
		case OpSAdd:
			set := s.sets[op.Key]
			if set == nil {
				set = make(map[string]struct{})
				s.sets[op.Key] = set
			}
			set[op.Value] = struct{}{}
		case OpSRem:
			if set := s.sets[op.Key]; set != nil {
				delete(set, op.Value)
				if len(set) == 0 {
					delete(s.sets, op.Key)
				}
			}
		}
	}
	return nil
}

func (s *MemoryStore) SMembers(ctx context.Context, set string) ([]string, error) {
	if err := s.begin(ctx); err != nil {
		return nil, err
	}
	defer s.mu.Unlock()

	members := s.sets[set]
	out := make([]string, 0, len(members))
	for m := range members {
		out = append(out, m)
	}
	sort.Strings(out)
	return out, nil
}

func (s *MemoryStore) SCard(ctx context.Context, set string) (int64, error) {
	if err := s.begin(ctx); err != nil {
		return 0, err
	}
	defer s.mu.Unlock()
	return int64(len(s.sets[set])), nil
}

func (s *MemoryStore) Expire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	if err := s.begin(ctx); err != nil {
		return false, err
	}
	defer s.mu.Unlock()

	e, ok := s.getLocked(key)
	if !ok {
		return false, nil
	}
	e.expiresAt = s.expiry(ttl)
	s.kv[key] = e
	return true, nil
}

func (s *MemoryStore) TTL(ctx context.Context, key string) (time.Duration, error) {
	if err := s.begin(ctx); err != nil {
		return 0, err
	}
	defer s.mu.Unlock()

	e, ok := s.getLocked(key)
	if !ok {
		return 0, ErrNotFound
	}
	if e.expiresAt.IsZero() {
		return 0, nil
	}
	return e.expiresAt.Sub(s.now()), nil
}

// Publish delivers to every current subscriber without blocking.
// A subscriber whose buffer is full misses the message, as a slow Redis
// pub/sub consumer would.
func (s *MemoryStore) Publish(ctx context.Context, channel, payload string) error {
	if err := s.begin(ctx); err != nil {
		return err
	}
	targets := make([]*memSubscription, 0, len(s.subs[channel]))
	for sub := range s.subs[channel] {
		targets = append(targets, sub)
	}
	s.mu.Unlock()

	msg := Message{Channel: channel, Payload: payload}
	for _, sub := range targets {
		sub.deliver(msg)
	}
	return nil
}

func (s *MemoryStore) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	if err := s.begin(ctx); err != nil {
		return nil, err
	}
	defer s.mu.Unlock()

	sub := &memSubscription{
		store:   s,
		channel: channel,
		out:     make(chan Message, memSubscriptionBuffer),
	}
	if s.subs[channel] == nil {
		s.subs[channel] = make(map[*memSubscription]struct{})
	}
	s.subs[channel][sub] = struct{}{}
	return sub, nil
}

func (s *MemoryStore) Ping(ctx context.Context) error {
	if err := s.begin(ctx); err != nil {
		return err
	}
	s.mu.Unlock()
	return nil
}

// Close ends every subscription. Further calls return ErrClosed.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	var all []*memSubscription
	for _, subs := range s.subs {
		for sub := range subs {
			all = append(all, sub)
		}
	}
	s.mu.Unlock()

	for _, sub := range all {
		_ = sub.Close()
	}
	return nil
}

type memSubscription struct {
	store   *MemoryStore
	channel string

	mu     sync.Mutex
	out    chan Message
	closed bool
}

func (m *memSubscription) deliver(msg Message) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	select {
	case m.out <- msg:
	default:
	}
}

func (m *memSubscription) Messages() <-chan Message { return m.out }

func (m *memSubscription) Close() error {
	m.store.mu.Lock()
	if subs := m.store.subs[m.channel]; subs != nil {
		delete(subs, m)
		if len(subs) == 0 {
			delete(m.store.subs, m.channel)
		}
	}
	m.store.mu.Unlock()

	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed {
		m.closed = true
		close(m.out)
	}
	return nil
}
