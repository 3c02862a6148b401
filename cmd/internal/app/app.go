// Package app wires the Calls presence server: config, logging, the
// coordination store, the websocket gateway, the reconciliation monitor and
// the HTTP routes around them.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"calls/cmd/internal/audit"
	"calls/cmd/internal/bridge"
	"calls/cmd/internal/coord"
	"calls/cmd/internal/lock"
	"calls/cmd/internal/metrics"
	"calls/cmd/internal/monitor"
	"calls/cmd/internal/realtime"
	"calls/cmd/internal/registry"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"
)

// App is the Calls server runtime. It owns every long-lived resource and
// shuts them down in dependency order.
type App struct {
	cfg Config
	log Logger

	store     coord.Store
	storeKind string
	dbPool    *pgxpool.Pool

	metrics *prometheus.Registry
	bridge  *bridge.Bridge
	gateway *realtime.Gateway
	monitor *monitor.Monitor

	stopTracing func(context.Context) error
}

// New constructs a fully wired App instance from config and logger.
// Anything opened before a failure is released before New returns.
func New(cfg Config, log Logger) (*App, error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogFormat)
	}
	if err := ValidateSecurityConfig(cfg); err != nil {
		return nil, err
	}
	ctx := context.Background()

	a := &App{cfg: cfg, log: log}
	if err := a.wire(ctx); err != nil {
		a.release(ctx)
		return nil, err
	}
	return a, nil
}

func (a *App) wire(ctx context.Context) error {
	var err error
	if a.stopTracing, err = setupTracing(ctx, a.cfg, a.log); err != nil {
		return err
	}
	if a.store, a.storeKind, err = newCoordStore(ctx, a.cfg, a.log); err != nil {
		return err
	}

	a.metrics = prometheus.NewRegistry()
	a.metrics.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(a.metrics)

	recorder, err := a.newAuditRecorder(ctx)
	if err != nil {
		return err
	}

	keys := coord.NewKeys(a.cfg.KeyNamespace)
	sessions := registry.New(a.store, keys, registry.WithTTL(a.cfg.SessionTTL))
	a.bridge = bridge.New(a.log, a.store, a.cfg.BridgeConfig(keys.Channel(a.cfg.AuthChannel)), bridge.WithMetrics(m))

	a.gateway, err = realtime.NewGateway(a.log, a.cfg.RealtimeConfig(), realtime.Deps{
		Bridge:   a.bridge,
		Mutex:    lock.New(a.store),
		Registry: sessions,
		Keys:     keys,
		Audit:    recorder,
		Metrics:  m,
	})
	if err != nil {
		return err
	}

	a.monitor = monitor.New(a.log, sessions, a.gateway.Hub(), a.cfg.MonitorConfig(),
		monitor.WithMetrics(m),
		monitor.WithAudit(recorder),
	)
	return nil
}

// newAuditRecorder returns the Postgres recorder when a database is configured
// and a no-op recorder otherwise.
func (a *App) newAuditRecorder(ctx context.Context) (audit.Recorder, error) {
	if a.cfg.DatabaseURL == "" {
		a.log.Info("db.disabled.audit_nop")
		return audit.Nop{}, nil
	}

	digester, err := auditDigester(a.cfg, a.log)
	if err != nil {
		return nil, err
	}
	pool, err := NewDBPool(ctx, a.cfg)
	if err != nil {
		return nil, fmt.Errorf("audit db: %w", err)
	}
	a.dbPool = pool

	rec, err := audit.NewPostgresRecorder(pool,
		audit.WithSchema(a.cfg.AuditSchema),
		audit.WithDigester(digester),
	)
	if err != nil {
		return nil, err
	}
	if a.cfg.EnsureSchema {
		if err := rec.EnsureSchema(ctx); err != nil {
			return nil, fmt.Errorf("audit schema: %w", err)
		}
	}
	a.log.Info("db.enabled.audit_postgres", "schema", a.cfg.AuditSchema, "keyed_digest", digester.Keyed())
	return rec, nil
}

// Handler returns the HTTP surface with request logging and security headers.
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()
	registerHTTP(mux, routes{
		log:     a.log,
		cfg:     a.cfg,
		store:   a.store,
		dbPool:  a.dbPool,
		bridge:  a.bridge,
		gateway: a.gateway,
		monitor: a.monitor,
		metrics: a.metrics,
	})
	return WithSecurityHeaders(WithRequestLogging(mux, a.log))
}

// Run starts the auth bridge, the monitor and the HTTP server, and blocks
// until ctx is canceled or one of them fails.
func (a *App) Run(ctx context.Context) error {
	if err := a.bridge.Start(ctx); err != nil {
		a.release(context.Background())
		return err
	}

	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           a.Handler(),
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       nonZeroDuration(a.cfg.ReadTimeout, 15*time.Second),
		WriteTimeout:      nonZeroDuration(a.cfg.WriteTimeout, 15*time.Second),
		IdleTimeout:       nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.MaxHeaderBytes, 1<<20),
	}

	base := runtimeBaseURL(a.cfg.HTTPAddr)
	a.log.Info("server.start",
		"addr", a.cfg.HTTPAddr,
		"url", base,
		"ws_url", wsBaseURL(base)+"/ws",
		"instance_id", a.cfg.InstanceID,
		"store", a.storeKind,
		"db_enabled", a.dbPool != nil,
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Error("server.fail", "err", err)
			return err
		}
		return nil
	})
	g.Go(func() error {
		a.monitor.Start(gctx)
		return nil
	})
	g.Go(func() error {
		select {
		case <-gctx.Done():
			return nil
		case <-a.bridge.Done():
			if err := a.bridge.Err(); err != nil {
				a.log.Error("bridge.fail", "err", err)
				return fmt.Errorf("auth bridge: %w", err)
			}
			return nil
		}
	})
	g.Go(func() error {
		<-gctx.Done()
		return a.shutdown(srv)
	})

	err := g.Wait()
	a.log.Info("server.stopped")
	return err
}

// shutdown drains websocket connections before the HTTP server so clients
// see server_shutdown instead of a dropped socket, then stops the rest.
func (a *App) shutdown(srv *http.Server) error {
	a.log.Info("server.stop", "reason", "context_done", "timeout", a.cfg.ShutdownTimeout)

	ctx, cancel := context.WithTimeout(context.Background(), nonZeroDuration(a.cfg.ShutdownTimeout, 10*time.Second))
	defer cancel()

	var errs []error
	if err := a.gateway.Shutdown(ctx, "server shutting down"); err != nil {
		a.log.Warn("ws.shutdown.incomplete", "err", err)
	}
	if err := srv.Shutdown(ctx); err != nil {
		a.log.Error("server.shutdown.fail", "err", err)
		errs = append(errs, err)
	}
	a.monitor.Stop()
	a.release(ctx)
	return errors.Join(errs...)
}

// release closes whatever New managed to open. Safe on a partial App.
func (a *App) release(ctx context.Context) {
	if a.bridge != nil {
		if err := a.bridge.Close(); err != nil {
			a.log.Warn("bridge.close.fail", "err", err)
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Warn("store.close.fail", "err", err)
		}
	}
	if a.dbPool != nil {
		a.dbPool.Close()
	}
	if a.stopTracing != nil {
		if err := a.stopTracing(ctx); err != nil {
			a.log.Warn("otel.shutdown.fail", "err", err)
		}
	}
}

// runtimeBaseURL turns a listen address into a URL a local client can use.
func runtimeBaseURL(addr string) string {
	host, port, err := net.SplitHostPort(strings.TrimSpace(addr))
	if err != nil {
		return "http://" + addr
	}
	switch host {
	case "", "0.0.0.0", "::":
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, port)
}

func wsBaseURL(base string) string {
	switch {
	case strings.HasPrefix(base, "https://"):
		return "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		return "ws://" + strings.TrimPrefix(base, "http://")
	default:
		return "ws://" + base
	}
}
