// Package monitor reconciles the session registry against the connections
// that are actually alive on this process.
//
// Every sweep lists the registry, compares the records owned by this instance
// with the gateway's live set, reaps the ones with no live connection
// ("zombies"), and reports per-identity connection counts. Records owned by
// other instances are counted but never touched: only their own monitor knows
// whether they are alive.
package monitor

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"calls/cmd/internal/audit"
	"calls/cmd/internal/coord"
	"calls/cmd/internal/metrics"
	"calls/cmd/internal/registry"
)

const (
	DefaultInterval                  = 30 * time.Second
	DefaultMaxConnectionsPerIdentity = 5
	defaultSweepTimeout              = 10 * time.Second
)

// LiveSet is the set of connections with a transport on this process.
// realtime.Hub implements it.
type LiveSet interface {
	LiveConnectionIDs() []string
}

// Config tunes the monitor.
type Config struct {
	Interval time.Duration

	// MaxConnectionsPerIdentity is the active connection ceiling per identity.
	// Exceeding it is reported, never enforced.
	MaxConnectionsPerIdentity int

	// InstanceID selects the records this monitor may reap.
	InstanceID string

	SweepTimeout time.Duration
}

func (c Config) normalized() Config {
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.MaxConnectionsPerIdentity <= 0 {
		c.MaxConnectionsPerIdentity = DefaultMaxConnectionsPerIdentity
	}
	if c.SweepTimeout <= 0 {
		c.SweepTimeout = defaultSweepTimeout
	}
	return c
}

// IdentityStats summarizes one identity's sessions.
type IdentityStats struct {
	IdentityID string
	// Active counts connections alive on this instance.
	Active int
	// Total counts every registered session of the identity, on any instance.
	Total        int
	LastActivity time.Time
}

// Report is the outcome of one sweep.
type Report struct {
	Registered int
	Active     int
	Zombie     int
	Remote     int
	Orphans    int

	Reaped int
	Failed int

	Identities  []IdentityStats
	OverCeiling []string

	Duration time.Duration
}

// Monitor runs reconciliation sweeps on a fixed interval.
type Monitor struct {
	log      *slog.Logger
	registry *registry.Registry
	live     LiveSet
	cfg      Config
	metrics  *metrics.Set
	audit    audit.Recorder
	onCeil   func(IdentityStats)
	now      func() time.Time

	// runMu orders wg.Add in Start against cancel in Stop.
	runMu  sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu   sync.Mutex
	last Report
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithMetrics publishes sweep results.
func WithMetrics(m *metrics.Set) Option {
	return func(mon *Monitor) { mon.metrics = m }
}

// WithAudit records every reaped session.
func WithAudit(r audit.Recorder) Option {
	return func(mon *Monitor) {
		if r != nil {
			mon.audit = r
		}
	}
}

// OnCeilingExceeded is called once per sweep for every identity over the ceiling.
func OnCeilingExceeded(fn func(IdentityStats)) Option {
	return func(mon *Monitor) { mon.onCeil = fn }
}

// WithClock overrides the time source used for audit timestamps.
func WithClock(now func() time.Time) Option {
	return func(mon *Monitor) {
		if now != nil {
			mon.now = now
		}
	}
}

// New constructs a monitor. Call Start to run it.
func New(log *slog.Logger, reg *registry.Registry, live LiveSet, cfg Config, opts ...Option) *Monitor {
	if log == nil {
		log = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &Monitor{
		log:      log,
		registry: reg,
		live:     live,
		cfg:      cfg.normalized(),
		audit:    audit.Nop{},
		now:      time.Now,
		ctx:      ctx,
		cancel:   cancel,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m
}

// Config returns the normalized configuration.
func (m *Monitor) Config() Config { return m.cfg }

// Last returns the report of the most recent completed sweep.
func (m *Monitor) Last() Report {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last
}

// Start sweeps immediately and then every interval, blocking until ctx is
// canceled or Stop is called. Failed sweeps are logged and retried on the
// next tick. Start returns at once after Stop.
func (m *Monitor) Start(ctx context.Context) {
	m.runMu.Lock()
	if m.ctx.Err() != nil {
		m.runMu.Unlock()
		return
	}
	m.wg.Add(1)
	m.runMu.Unlock()
	defer m.wg.Done()

	t := time.NewTicker(m.cfg.Interval)
	defer t.Stop()

	m.log.Info("monitor.start", "interval", m.cfg.Interval, "instance_id", m.cfg.InstanceID)
	m.tick(ctx)

	for {
		select {
		case <-t.C:
			m.tick(ctx)
		case <-ctx.Done():
			m.log.Info("monitor.stop", "cause", "context")
			return
		case <-m.ctx.Done():
			m.log.Info("monitor.stop", "cause", "stopped")
			return
		}
	}
}

// Stop ends Start and waits for it to return.
func (m *Monitor) Stop() {
	m.runMu.Lock()
	m.cancel()
	m.runMu.Unlock()
	m.wg.Wait()
}

func (m *Monitor) tick(ctx context.Context) {
	sctx, cancel := context.WithTimeout(ctx, m.cfg.SweepTimeout)
	defer cancel()

	if _, err := m.Sweep(sctx); err != nil {
		if errors.Is(err, coord.ErrUnavailable) {
			m.metrics.SweepSkipped()
			m.log.Warn("monitor.sweep.skip", "err", err)
			return
		}
		m.log.Error("monitor.sweep.fail", "err", err)
	}
}

// Sweep runs one reconciliation pass.
func (m *Monitor) Sweep(ctx context.Context) (Report, error) {
	start := time.Now()

	listing, err := m.registry.List(ctx)
	if err != nil {
		return Report{}, err
	}
	// The live set is read after the listing: a connection registered in
	// between is absent from the listing, and one torn down in between has
	// already deleted its own record.
	live := make(map[string]struct{})
	for _, id := range m.live.LiveConnectionIDs() {
		live[id] = struct{}{}
	}

	rep := Report{
		Registered: len(listing.Records),
		Orphans:    len(listing.Orphans),
	}

	stats := make(map[string]*IdentityStats)
	var zombies []registry.Record
	for _, rec := range listing.Records {
		st := stats[rec.IdentityID]
		if st == nil {
			st = &IdentityStats{IdentityID: rec.IdentityID}
			stats[rec.IdentityID] = st
		}
		st.Total++
		if rec.LastRefreshedAt.After(st.LastActivity) {
			st.LastActivity = rec.LastRefreshedAt
		}

		switch {
		case rec.InstanceID != m.cfg.InstanceID:
			rep.Remote++
		case isLive(live, rec.ConnectionID):
			rep.Active++
			st.Active++
		default:
			rep.Zombie++
			zombies = append(zombies, rec)
		}
	}

	for _, rec := range zombies {
		if err := m.registry.Delete(ctx, rec.ConnectionID); err != nil {
			rep.Failed++
			m.log.Warn("monitor.reap.fail", "connection_id", rec.ConnectionID, "identity_id", rec.IdentityID, "err", err)
			continue
		}
		rep.Reaped++
		m.log.Info("monitor.reap", "connection_id", rec.ConnectionID, "identity_id", rec.IdentityID)
		m.record(ctx, rec)
	}
	for _, id := range listing.Orphans {
		if err := m.registry.Delete(ctx, id); err != nil {
			rep.Failed++
			m.log.Warn("monitor.orphan.fail", "connection_id", id, "err", err)
		}
	}

	rep.Identities = make([]IdentityStats, 0, len(stats))
	for _, st := range stats {
		rep.Identities = append(rep.Identities, *st)
	}
	slices.SortFunc(rep.Identities, func(a, b IdentityStats) int {
		return strings.Compare(a.IdentityID, b.IdentityID)
	})

	for _, st := range rep.Identities {
		if st.Active <= m.cfg.MaxConnectionsPerIdentity {
			continue
		}
		rep.OverCeiling = append(rep.OverCeiling, st.IdentityID)
		m.metrics.CeilingExceeded()
		m.log.Warn("monitor.ceiling.exceeded",
			"identity_id", st.IdentityID,
			"active", st.Active,
			"total", st.Total,
			"max", m.cfg.MaxConnectionsPerIdentity,
		)
		if m.onCeil != nil {
			m.onCeil(st)
		}
	}

	rep.Duration = time.Since(start)
	m.metrics.Sweep(rep.Registered, rep.Active, rep.Zombie, rep.Remote, rep.Reaped, rep.Duration)
	m.log.Info("monitor.sweep",
		"registered", rep.Registered,
		"active", rep.Active,
		"zombie", rep.Zombie,
		"remote", rep.Remote,
		"orphans", rep.Orphans,
		"reaped", rep.Reaped,
		"failed", rep.Failed,
		"identities", len(rep.Identities),
		"took", rep.Duration,
	)
	for _, st := range rep.Identities {
		m.log.Debug("monitor.identity",
			"identity_id", st.IdentityID,
			"active", st.Active,
			"total", st.Total,
			"last_activity", st.LastActivity,
		)
	}

	m.mu.Lock()
	m.last = rep
	m.mu.Unlock()
	return rep, nil
}

func isLive(live map[string]struct{}, id string) bool {
	_, ok := live[id]
	return ok
}

func (m *Monitor) record(ctx context.Context, rec registry.Record) {
	err := m.audit.Record(ctx, audit.Event{
		Action:        audit.ActionSessionReaped,
		ConnectionID:  rec.ConnectionID,
		IdentityID:    rec.IdentityID,
		AuxIdentifier: rec.AuxIdentifier,
		InstanceID:    rec.InstanceID,
		Reason:        "no live connection",
		At:            m.now().UTC(),
	})
	if err != nil {
		m.log.Warn("audit.record.fail", "action", string(audit.ActionSessionReaped), "connection_id", rec.ConnectionID, "err", err)
	}
}
