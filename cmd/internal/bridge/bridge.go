// Package bridge matches out-of-band auth verification events to the
// websocket connection attempts waiting on them.
//
// A verification service publishes authv1.Correlation messages on one shared
// channel. Each process holds a single subscription to that channel and routes
// every message to the waiter registered for its correlation id. A message
// that arrives before its waiter is parked for a short window so a slow
// connection attempt does not miss it.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"calls/cmd/internal/coord"
	"calls/cmd/internal/metrics"
	authv1 "calls/shared/contracts/auth/v1"
)

const (
	DefaultTimeout = 30 * time.Second

	waiterBuffer = 4
	maxParked    = 10_000
)

var (
	// ErrCorrelationTimeout is returned when no correlated message arrived in time.
	ErrCorrelationTimeout = errors.New("bridge: correlation timeout")

	// ErrMissingCorrelationID is returned for an empty id when uncorrelated
	// waits are disabled.
	ErrMissingCorrelationID = errors.New("bridge: missing correlation id")

	// ErrInvalidCorrelationID is returned for ids outside the allowed alphabet/length.
	ErrInvalidCorrelationID = errors.New("bridge: invalid correlation id")

	// ErrDuplicateWaiter is returned when the correlation id already has a waiter.
	ErrDuplicateWaiter = errors.New("bridge: correlation id already awaited")

	// ErrClosed is returned after Close or once the subscription ended.
	ErrClosed = errors.New("bridge: closed")

	// ErrNotStarted is returned by waits before Start.
	ErrNotStarted = errors.New("bridge: not started")
)

// Config tunes the bridge.
type Config struct {
	// Channel is the fully qualified pub/sub channel name.
	Channel string

	// Timeout bounds Await when the caller passes no timeout.
	Timeout time.Duration

	// ParkTTL is how long a correlated message waits for its waiter.
	// Zero uses Timeout.
	ParkTTL time.Duration

	// AllowUncorrelated lets attempts without a correlation id take the next
	// message that also has none. First message wins, so two concurrent
	// uncorrelated attempts can swap identities; keep it off unless legacy
	// clients need it.
	AllowUncorrelated bool
}

func (c Config) normalized() Config {
	if strings.TrimSpace(c.Channel) == "" {
		c.Channel = authv1.DefaultChannel
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.ParkTTL <= 0 {
		c.ParkTTL = c.Timeout
	}
	return c
}

type parked struct {
	c         authv1.Correlation
	expiresAt time.Time
}

// Bridge is safe for concurrent use.
type Bridge struct {
	log     *slog.Logger
	store   coord.Store
	cfg     Config
	metrics *metrics.Set
	now     func() time.Time

	mu      sync.Mutex
	sub     coord.Subscription
	waiters map[string]*Waiter
	anon    []*Waiter
	parked  map[string]parked
	closed  bool

	done chan struct{}
	err  error
}

// Option configures a Bridge.
type Option func(*Bridge)

// WithMetrics records correlation outcomes on m.
func WithMetrics(m *metrics.Set) Option {
	return func(b *Bridge) { b.metrics = m }
}

// WithClock overrides the time source used for park expiry (tests).
func WithClock(now func() time.Time) Option {
	return func(b *Bridge) {
		if now != nil {
			b.now = now
		}
	}
}

// New constructs a Bridge. Call Start before waiting on correlations.
func New(log *slog.Logger, store coord.Store, cfg Config, opts ...Option) *Bridge {
	if log == nil {
		log = slog.Default()
	}
	b := &Bridge{
		log:     log,
		store:   store,
		cfg:     cfg.normalized(),
		now:     time.Now,
		waiters: make(map[string]*Waiter),
		parked:  make(map[string]parked),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	return b
}

// Config returns the effective configuration.
func (b *Bridge) Config() Config { return b.cfg }

// AllowsUncorrelated reports whether attempts without a correlation id are accepted.
func (b *Bridge) AllowsUncorrelated() bool { return b.cfg.AllowUncorrelated }

// Start subscribes to the channel and begins routing messages. The
// subscription is confirmed before Start returns, so no message published
// afterwards is missed. The routing loop ends on ctx cancellation or Close.
func (b *Bridge) Start(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	if b.sub != nil {
		b.mu.Unlock()
		return errors.New("bridge: already started")
	}
	b.mu.Unlock()

	sub, err := b.store.Subscribe(ctx, b.cfg.Channel)
	if err != nil {
		return fmt.Errorf("bridge: subscribe %q: %w", b.cfg.Channel, err)
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		_ = sub.Close()
		return ErrClosed
	}
	b.sub = sub
	b.mu.Unlock()

	b.log.Info("bridge.subscribed", "channel", b.cfg.Channel, "uncorrelated", b.cfg.AllowUncorrelated)
	go b.run(ctx, sub)
	return nil
}

// Done is closed once the routing loop has ended.
func (b *Bridge) Done() <-chan struct{} { return b.done }

// Err reports why the routing loop ended (nil after Close or cancellation).
func (b *Bridge) Err() error {
	select {
	case <-b.done:
	default:
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.err
}

// Close ends the subscription and releases every waiter.
func (b *Bridge) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	sub := b.sub
	b.mu.Unlock()

	if sub == nil {
		b.shutdown(nil)
		return nil
	}
	err := sub.Close()
	<-b.done
	return err
}

func (b *Bridge) run(ctx context.Context, sub coord.Subscription) {
	var endErr error
	defer func() { b.shutdown(endErr) }()

	for {
		select {
		case <-ctx.Done():
			_ = sub.Close()
			return
		case msg, ok := <-sub.Messages():
			if !ok {
				b.mu.Lock()
				closing := b.closed
				b.mu.Unlock()
				if !closing && ctx.Err() == nil {
					endErr = errors.New("bridge: subscription ended")
					b.log.Error("bridge.subscription.lost", "channel", b.cfg.Channel)
				}
				return
			}
			b.route(msg.Payload)
		}
	}
}

// shutdown wakes every waiter with a closed channel. Safe to call once per bridge.
func (b *Bridge) shutdown(err error) {
	b.mu.Lock()
	b.closed = true
	b.err = err
	waiters := make([]*Waiter, 0, len(b.waiters)+len(b.anon))
	for _, w := range b.waiters {
		waiters = append(waiters, w)
	}
	waiters = append(waiters, b.anon...)
	b.waiters = make(map[string]*Waiter)
	b.anon = nil
	b.parked = make(map[string]parked)
	b.mu.Unlock()

	for _, w := range waiters {
		w.finish()
	}
	close(b.done)
}

func (b *Bridge) route(payload string) {
	var c authv1.Correlation
	if err := json.Unmarshal([]byte(payload), &c); err != nil {
		b.metrics.Correlation("dropped_malformed")
		b.log.Warn("bridge.drop.malformed", "err", err)
		return
	}
	if err := c.Validate(); err != nil {
		b.metrics.Correlation("dropped_invalid")
		b.log.Warn("bridge.drop.invalid", "identity_id", c.IdentityID, "status", string(c.Status), "err", err)
		return
	}

	b.mu.Lock()
	now := b.now()
	b.pruneLocked(now)

	if c.CorrelationID == "" {
		if !b.cfg.AllowUncorrelated || len(b.anon) == 0 {
			b.mu.Unlock()
			b.metrics.Correlation("dropped_uncorrelated")
			b.log.Warn("bridge.drop.uncorrelated", "identity_id", c.IdentityID)
			return
		}
		w := b.anon[0]
		b.anon = b.anon[1:]
		b.mu.Unlock()
		w.deliver(c)
		b.metrics.Correlation("delivered_uncorrelated")
		return
	}

	if w, ok := b.waiters[c.CorrelationID]; ok {
		b.mu.Unlock()
		if !w.deliver(c) {
			b.metrics.Correlation("dropped_overflow")
			b.log.Warn("bridge.drop.overflow", "correlation_id", c.CorrelationID)
			return
		}
		b.metrics.Correlation("delivered")
		return
	}

	if len(b.parked) >= maxParked {
		b.mu.Unlock()
		b.metrics.Correlation("dropped_park_full")
		b.log.Warn("bridge.drop.park_full", "correlation_id", c.CorrelationID)
		return
	}
	// A newer message for the same attempt supersedes an older one.
	b.parked[c.CorrelationID] = parked{c: c, expiresAt: now.Add(b.cfg.ParkTTL)}
	b.mu.Unlock()
	b.metrics.Correlation("parked")
}

func (b *Bridge) pruneLocked(now time.Time) {
	for id, p := range b.parked {
		if !now.Before(p.expiresAt) {
			delete(b.parked, id)
		}
	}
}

// Watch registers a long-lived waiter for correlationID. Every correlated
// message for that id is delivered to it until it is closed. A message parked
// for the id is delivered immediately.
func (b *Bridge) Watch(correlationID string) (*Waiter, error) {
	if correlationID == "" {
		return nil, ErrMissingCorrelationID
	}
	if !authv1.ValidCorrelationID(correlationID) {
		return nil, ErrInvalidCorrelationID
	}

	b.mu.Lock()
	if err := b.usableLocked(); err != nil {
		b.mu.Unlock()
		return nil, err
	}
	if _, dup := b.waiters[correlationID]; dup {
		b.mu.Unlock()
		return nil, ErrDuplicateWaiter
	}
	w := newWaiter(b, correlationID)
	b.waiters[correlationID] = w

	p, hit := b.parked[correlationID]
	if hit {
		delete(b.parked, correlationID)
		if !b.now().Before(p.expiresAt) {
			hit = false
		}
	}
	b.mu.Unlock()

	if hit {
		w.deliver(p.c)
		b.metrics.Correlation("park_hit")
	}
	return w, nil
}

// Await waits for the first correlation addressed to correlationID.
// An empty id waits for the next uncorrelated message when that mode is on.
// timeout <= 0 uses the configured default.
func (b *Bridge) Await(ctx context.Context, correlationID string, timeout time.Duration) (authv1.Correlation, error) {
	if timeout <= 0 {
		timeout = b.cfg.Timeout
	}

	var (
		w   *Waiter
		err error
	)
	if correlationID == "" && b.cfg.AllowUncorrelated {
		w, err = b.watchAnon()
	} else {
		w, err = b.Watch(correlationID)
	}
	if err != nil {
		return authv1.Correlation{}, err
	}
	defer w.Close()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case c, ok := <-w.C():
		if !ok {
			return authv1.Correlation{}, ErrClosed
		}
		return c, nil
	case <-timer.C:
		b.metrics.Correlation("timeout")
		return authv1.Correlation{}, ErrCorrelationTimeout
	case <-ctx.Done():
		return authv1.Correlation{}, ctx.Err()
	}
}

func (b *Bridge) watchAnon() (*Waiter, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.usableLocked(); err != nil {
		return nil, err
	}
	w := newWaiter(b, "")
	b.anon = append(b.anon, w)
	return w, nil
}

func (b *Bridge) usableLocked() error {
	if b.closed {
		return ErrClosed
	}
	if b.sub == nil {
		return ErrNotStarted
	}
	return nil
}

func (b *Bridge) unregister(w *Waiter) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if w.id != "" {
		if cur, ok := b.waiters[w.id]; ok && cur == w {
			delete(b.waiters, w.id)
		}
		return
	}
	for i, a := range b.anon {
		if a == w {
			b.anon = append(b.anon[:i], b.anon[i+1:]...)
			return
		}
	}
}

// Publish sends c on the channel. This is the verification service's side of
// the contract; the gateway never calls it.
func (b *Bridge) Publish(ctx context.Context, c authv1.Correlation) error {
	if err := c.Validate(); err != nil {
		return fmt.Errorf("bridge: publish: %w", err)
	}
	if c.IssuedAt.IsZero() {
		c.IssuedAt = b.now().UTC()
	}
	raw, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("bridge: encode: %w", err)
	}
	return b.store.Publish(ctx, b.cfg.Channel, string(raw))
}

// Waiter receives correlations for one connection attempt.
type Waiter struct {
	b  *Bridge
	id string
	ch chan authv1.Correlation

	mu       sync.Mutex
	finished bool
}

func newWaiter(b *Bridge, id string) *Waiter {
	return &Waiter{b: b, id: id, ch: make(chan authv1.Correlation, waiterBuffer)}
}

// C delivers correlations. It is closed when the waiter or the bridge closes.
func (w *Waiter) C() <-chan authv1.Correlation { return w.ch }

// CorrelationID is the id the waiter is registered under ("" for uncorrelated).
func (w *Waiter) CorrelationID() string { return w.id }

// Close unregisters the waiter. It is idempotent.
func (w *Waiter) Close() {
	w.b.unregister(w)
	w.finish()
}

func (w *Waiter) deliver(c authv1.Correlation) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.finished {
		return false
	}
	select {
	case w.ch <- c:
		return true
	default:
		return false
	}
}

func (w *Waiter) finish() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.finished {
		w.finished = true
		close(w.ch)
	}
}
