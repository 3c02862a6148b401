// Package realtime contains the websocket gateway of Calls: the per-connection
// state machine that turns an accepted websocket into an authenticated,
// registered session, and the dispatcher that addresses live connections.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"calls/cmd/internal/audit"
	"calls/cmd/internal/bridge"
	"calls/cmd/internal/coord"
	"calls/cmd/internal/lock"
	"calls/cmd/internal/metrics"
	"calls/cmd/internal/registry"
	authv1 "calls/shared/contracts/auth/v1"
	v1 "calls/shared/contracts/realtime/v1"

	"github.com/coder/websocket"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Deps are the collaborators of a Gateway.
type Deps struct {
	Hub      *Hub
	Bridge   *bridge.Bridge
	Mutex    *lock.Mutex
	Registry *registry.Registry
	Keys     coord.Keys
	Audit    audit.Recorder
	Metrics  *metrics.Set
	Tracer   trace.Tracer
}

// Gateway is the websocket entrypoint. It is constructed once by the
// composition root and shut down with Shutdown.
type Gateway struct {
	log        *slog.Logger
	cfg        Config
	origin     originPolicy
	hub        *Hub
	dispatcher *Dispatcher
	bridge     *bridge.Bridge
	mutex      *lock.Mutex
	registry   *registry.Registry
	keys       coord.Keys
	audit      audit.Recorder
	metrics    *metrics.Set
	tracer     trace.Tracer
	now        func() time.Time

	mu           sync.Mutex
	shuttingDown bool
	active       sync.WaitGroup

	// beforeClassify runs while the identity mutex is held (tests).
	beforeClassify func(*Conn, authv1.Correlation)
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithClock overrides the time source for session timestamps.
func WithClock(now func() time.Time) Option {
	return func(g *Gateway) {
		if now != nil {
			g.now = now
		}
	}
}

func withBeforeClassify(fn func(*Conn, authv1.Correlation)) Option {
	return func(g *Gateway) { g.beforeClassify = fn }
}

// NewGateway constructs a gateway. Bridge, Mutex and Registry are required.
func NewGateway(log *slog.Logger, cfg Config, deps Deps, opts ...Option) (*Gateway, error) {
	if log == nil {
		log = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	if deps.Bridge == nil || deps.Mutex == nil || deps.Registry == nil {
		return nil, errors.New("realtime: bridge, mutex and registry are required")
	}
	if deps.Hub == nil {
		deps.Hub = NewHub(log)
	}
	if deps.Audit == nil {
		deps.Audit = audit.Nop{}
	}
	if deps.Tracer == nil {
		deps.Tracer = otel.Tracer("calls/realtime")
	}

	cfg = cfg.normalized()
	g := &Gateway{
		log:      log,
		cfg:      cfg,
		origin:   newOriginPolicy(cfg.OriginRequired, cfg.AllowedOrigins),
		hub:      deps.Hub,
		bridge:   deps.Bridge,
		mutex:    deps.Mutex,
		registry: deps.Registry,
		keys:     deps.Keys,
		audit:    deps.Audit,
		metrics:  deps.Metrics,
		tracer:   deps.Tracer,
		now:      time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(g)
		}
	}
	g.dispatcher = NewDispatcher(log, g.hub, g.registry, cfg.AckTimeout)
	g.dispatcher.now = g.now
	return g, nil
}

// Hub returns the live connection set.
func (g *Gateway) Hub() *Hub { return g.hub }

// Dispatcher returns the event dispatcher over this gateway's connections.
func (g *Gateway) Dispatcher() *Dispatcher { return g.dispatcher }

// ServeHTTP adapter so it can be mounted as http.Handler.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.HandleWS(w, r)
}

// begin registers one connection handler unless shutdown has started.
func (g *Gateway) begin() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.shuttingDown {
		return false
	}
	g.active.Add(1)
	return true
}

// track adds c to the hub unless shutdown has started. Holding g.mu orders the
// add before Shutdown's hub snapshot.
func (g *Gateway) track(c *Conn) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.shuttingDown {
		return false
	}
	g.hub.add(c)
	return true
}

// HandleWS upgrades the request and runs the connection state machine until
// the connection is closed or rejected.
//
// The client passes its correlation id as ?correlation_id=. It must be the id
// the verification service will echo in the auth event for this attempt.
func (g *Gateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	if err := g.origin.check(r); err != nil {
		g.log.Info("ws.reject.origin", "err", err, "origin", r.Header.Get("Origin"), "remote", r.RemoteAddr)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	correlationID := strings.TrimSpace(r.URL.Query().Get("correlation_id"))
	switch {
	case correlationID == "" && !g.bridge.AllowsUncorrelated():
		http.Error(w, "correlation_id required", http.StatusBadRequest)
		return
	case correlationID != "" && !authv1.ValidCorrelationID(correlationID):
		http.Error(w, "invalid correlation_id", http.StatusBadRequest)
		return
	}

	if !g.begin() {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	defer g.active.Done()

	connID, err := NewConnectionID(g.now())
	if err != nil {
		g.log.Error("ws.id.fail", "err", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:       []string{v1.Subprotocol},
		OriginPatterns:     g.origin.patterns,
		InsecureSkipVerify: g.cfg.DevInsecure,
	})
	if err != nil {
		g.log.Error("ws.accept.fail", "err", err)
		return
	}
	if sp := ws.Subprotocol(); sp != v1.Subprotocol {
		g.log.Info("ws.reject.subprotocol", "got", sp, "want", v1.Subprotocol)
		_ = ws.Close(websocket.StatusProtocolError, "subprotocol required")
		return
	}
	ws.SetReadLimit(maxFrameBytes)

	c := newConn(connID, correlationID, ws, g.cfg.SendQueueSize)
	if !g.track(c) {
		g.log.Info("ws.reject.shutdown", "connection_id", connID)
		_ = ws.Close(websocket.StatusGoingAway, "server shutdown")
		return
	}
	g.metrics.Transition("", StateConnecting.String())

	ctx, span := g.tracer.Start(r.Context(), "realtime.connection",
		trace.WithAttributes(
			attribute.String("connection_id", connID),
			attribute.String("correlation_id", correlationID),
		),
	)
	defer span.End()

	// ctx ends with the connection. Websocket reads and writes use
	// context.WithoutCancel(ctx): coder/websocket closes the socket when an
	// I/O context is canceled, which would cut off the final flush.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-c.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	g.log.Info("ws.accept", "connection_id", connID, "correlation_id", correlationID, "remote", r.RemoteAddr)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		g.writeLoop(context.WithoutCancel(ctx), c)
	}()

	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)
		g.heartbeat(context.WithoutCancel(ctx), c)
	}()

	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		g.readLoop(ctx, c)
	}()

	if err := g.establish(ctx, c); err != nil {
		var rerr *RejectError
		if errors.As(err, &rerr) {
			span.SetStatus(codes.Error, rerr.Reason)
			g.rejectConn(ctx, c, rerr)
		}
	} else {
		span.SetAttributes(attribute.String("identity_id", c.IdentityID()))
		g.serveActive(ctx, c)
	}

	c.close(websocket.StatusNormalClosure, "bye")
	g.teardown(ctx, c, writerDone)

	for _, done := range []chan struct{}{readerDone, heartbeatDone} {
		select {
		case <-done:
		case <-time.After(closeGrace):
		}
	}
}

// establish runs Correlating -> LockPending -> Classifying -> Registered -> Active.
// It returns a *RejectError for terminal failures, or ctx's error when the
// connection went away first.
func (g *Gateway) establish(ctx context.Context, c *Conn) error {
	if err := g.move(c, StateCorrelating); err != nil {
		return err
	}

	corr, err := g.bridge.Await(ctx, c.CorrelationID, g.cfg.CorrelationTimeout)
	if err != nil {
		switch {
		case ctx.Err() != nil:
			return ctx.Err()
		case errors.Is(err, bridge.ErrCorrelationTimeout):
			return reject(ReasonCorrelationTimeout, err)
		case errors.Is(err, bridge.ErrDuplicateWaiter):
			return reject(ReasonDuplicateAttempt, err)
		default:
			return reject(ReasonUnavailable, err)
		}
	}

	path, err := g.classify(ctx, c, corr)
	if err != nil {
		return err
	}
	if err := g.move(c, StateActive); err != nil {
		return err
	}
	g.hub.Join(GroupAuthenticated, c.ID)
	g.sendConnected(c, path)
	return nil
}

// classify runs LockPending -> Classifying -> Registered under the identity
// mutex. The mutex is released on every return path.
func (g *Gateway) classify(ctx context.Context, c *Conn, corr authv1.Correlation) (registry.Path, error) {
	ctx, span := g.tracer.Start(ctx, "realtime.classify",
		trace.WithAttributes(
			attribute.String("identity_id", corr.IdentityID),
			attribute.String("status", string(corr.Status)),
		),
	)
	defer span.End()

	if err := g.move(c, StateLockPending); err != nil {
		return 0, err
	}

	lockKey := g.keys.Lock(corr.IdentityID)
	token, acquired, err := g.mutex.Acquire(ctx, lockKey, g.cfg.LockTTL)
	switch {
	case ctx.Err() != nil:
		return 0, ctx.Err()
	case err != nil:
		span.SetStatus(codes.Error, "lock acquire failed")
		return 0, reject(ReasonStoreUnavailable, err)
	case !acquired:
		span.SetStatus(codes.Error, ReasonLockContention)
		return 0, reject(ReasonLockContention, ErrLockContention)
	}
	defer g.release(ctx, lockKey, token, c.ID)

	if err := g.move(c, StateClassifying); err != nil {
		return 0, err
	}
	if g.beforeClassify != nil {
		g.beforeClassify(c, corr)
	}

	path, rec, err := g.registry.Classify(ctx, registry.Claim{
		ConnectionID:  c.ID,
		IdentityID:    corr.IdentityID,
		AuxIdentifier: corr.AuxIdentifier,
		InstanceID:    g.cfg.InstanceID,
		Refresh:       corr.Status == authv1.StatusRefreshed,
	}, g.now())
	if err != nil {
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		span.SetStatus(codes.Error, "classify failed")
		return 0, reject(ReasonStoreUnavailable, err)
	}

	c.setSession(rec)
	if err := g.move(c, StateRegistered); err != nil {
		return 0, err
	}
	span.SetAttributes(attribute.String("path", path.String()))
	g.metrics.Classified(path.String())
	g.log.Info("ws.classified", "connection_id", c.ID, "identity_id", rec.IdentityID, "path", path.String())
	g.record(ctx, pathAction(path), rec, "")
	return path, nil
}

func pathAction(p registry.Path) audit.Action {
	switch p {
	case registry.PathRefreshed:
		return audit.ActionSessionRefreshed
	case registry.PathReplacement:
		return audit.ActionSessionReplaced
	default:
		return audit.ActionSessionCreated
	}
}

func (g *Gateway) release(ctx context.Context, key, token, connID string) {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), g.cfg.TeardownTimeout)
	defer cancel()

	released, err := g.mutex.Release(rctx, key, token)
	switch {
	case err != nil:
		g.log.Warn("ws.lock.release.fail", "connection_id", connID, "key", key, "err", err)
	case !released:
		// Expired and possibly re-acquired by another attempt.
		g.log.Info("ws.lock.release.stale", "connection_id", connID, "key", key)
	}
}

// serveActive keeps the connection Active until it closes, applying
// re-authentication events for its correlation id as they arrive.
func (g *Gateway) serveActive(ctx context.Context, c *Conn) {
	var refresh <-chan authv1.Correlation
	if c.CorrelationID != "" {
		w, err := g.bridge.Watch(c.CorrelationID)
		if err != nil {
			g.log.Warn("ws.refresh.watch.fail", "connection_id", c.ID, "err", err)
		} else {
			defer w.Close()
			refresh = w.C()
		}
	}

	for {
		select {
		case <-c.done:
			return
		case corr, ok := <-refresh:
			if !ok {
				refresh = nil
				continue
			}
			g.refresh(ctx, c, corr)
		}
	}
}

func (g *Gateway) refresh(ctx context.Context, c *Conn, corr authv1.Correlation) {
	path, err := g.classify(ctx, c, corr)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		msg := "refresh failed"
		var rerr *RejectError
		if errors.As(err, &rerr) {
			msg = rerr.Message()
		}
		// The existing session stays as it was.
		_ = g.move(c, StateActive)
		c.enqueue(errorEnvelope("refresh_failed", msg, g.now()))
		g.log.Info("ws.refresh.fail", "connection_id", c.ID, "identity_id", corr.IdentityID, "err", err)
		return
	}
	if err := g.move(c, StateActive); err != nil {
		return
	}
	g.sendConnected(c, path)
}

func (g *Gateway) sendConnected(c *Conn, path registry.Path) {
	rec, _ := c.Session()
	p, _ := json.Marshal(v1.ConnectedPayload{
		ConnectionID: c.ID,
		IdentityID:   rec.IdentityID,
		Path:         path.String(),
	})
	env := newEnvelope(v1.TypeConnected, p, g.now())
	env.Auth = &v1.AuthMeta{IdentityID: rec.IdentityID, ConnectionID: c.ID}
	if !c.enqueue(env) {
		g.log.Info("ws.connected.drop", "connection_id", c.ID)
	}
}

// rejectConn notifies the client once and closes the connection.
func (g *Gateway) rejectConn(ctx context.Context, c *Conn, rerr *RejectError) {
	from := c.State()
	if err := g.move(c, StateRejected); err != nil {
		c.close(websocket.StatusPolicyViolation, rerr.Reason)
		return
	}
	g.metrics.Rejected(rerr.Reason)
	g.log.Info("ws.reject", "connection_id", c.ID, "from", from.String(), "reason", rerr.Reason, "err", rerr.Err)

	env := newEnvelope(v1.TypeConnectionError, v1.StringPayload(rerr.Message()), g.now())
	env.Headers = map[string]string{"reason": rerr.Reason}
	c.enqueue(env)

	rec, _ := c.Session()
	rec.ConnectionID = c.ID
	g.record(ctx, audit.ActionConnectionRejected, rec, rerr.Reason)

	c.close(websocket.StatusPolicyViolation, rerr.Reason)
}

// teardown runs after the connection was signaled to close: flush, delete the
// registry entry, leave the live set, close the socket.
func (g *Gateway) teardown(ctx context.Context, c *Conn, writerDone <-chan struct{}) {
	select {
	case <-writerDone:
	case <-time.After(g.cfg.WriteTimeout + closeGrace):
	}

	rejected := c.State() == StateRejected
	if !rejected {
		_ = g.move(c, StateClosing)
	}

	code, reason := c.closeStatus()
	if rec, ok := c.Session(); ok {
		dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), g.cfg.TeardownTimeout)
		if err := g.registry.Delete(dctx, c.ID); err != nil {
			// The monitor reaps it on its next sweep.
			g.log.Warn("ws.registry.delete.fail", "connection_id", c.ID, "err", err)
		} else {
			g.record(dctx, audit.ActionSessionClosed, rec, reason)
		}
		cancel()
	}

	g.hub.remove(c.ID)
	_ = c.ws.Close(code, reason)

	final := StateRejected
	if !rejected {
		final = StateClosed
		_ = g.move(c, StateClosed)
	}
	g.metrics.Leave(final.String())
	g.log.Info("ws.closed", "connection_id", c.ID, "state", final.String(), "code", int(code), "reason", reason, "live", g.hub.Count())
}

// move applies a transition, logging it with the live connection count.
func (g *Gateway) move(c *Conn, to State) error {
	from, err := c.transition(to)
	if err != nil {
		g.log.Error("ws.state.illegal", "connection_id", c.ID, "from", from.String(), "to", to.String())
		return err
	}
	g.metrics.Transition(from.String(), to.String())
	g.log.Info("ws.state", "connection_id", c.ID, "from", from.String(), "to", to.String(), "live", g.hub.Count())
	return nil
}

func (g *Gateway) record(ctx context.Context, action audit.Action, rec registry.Record, reason string) {
	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), g.cfg.TeardownTimeout)
	defer cancel()
	err := g.audit.Record(actx, audit.Event{
		Action:        action,
		ConnectionID:  rec.ConnectionID,
		IdentityID:    rec.IdentityID,
		AuxIdentifier: rec.AuxIdentifier,
		InstanceID:    g.cfg.InstanceID,
		Reason:        reason,
		At:            g.now().UTC(),
	})
	if err != nil {
		g.log.Warn("audit.record.fail", "action", string(action), "connection_id", rec.ConnectionID, "err", err)
	}
}

func (g *Gateway) writeLoop(ctx context.Context, c *Conn) {
	for {
		select {
		case env := <-c.send:
			if err := writeEnvelope(ctx, c.ws, env, g.cfg.WriteTimeout); err != nil {
				g.log.Info("ws.write.fail", "connection_id", c.ID, "close_status", websocket.CloseStatus(err), "err", err)
				c.close(websocket.StatusAbnormalClosure, "write failed")
				return
			}
		case <-c.done:
			g.flush(ctx, c)
			return
		}
	}
}

// flush writes whatever is still queued, within closeGrace.
func (g *Gateway) flush(ctx context.Context, c *Conn) {
	deadline := time.Now().Add(closeGrace)
	for time.Now().Before(deadline) {
		select {
		case env := <-c.send:
			if err := writeEnvelope(ctx, c.ws, env, min(g.cfg.WriteTimeout, closeGrace)); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (g *Gateway) heartbeat(ctx context.Context, c *Conn) {
	t := time.NewTicker(g.cfg.HeartbeatInterval)
	defer t.Stop()

	failures := 0
	for {
		select {
		case <-c.done:
			return
		case <-t.C:
			hbCtx, hbCancel := context.WithTimeout(ctx, g.cfg.HeartbeatTimeout)
			err := c.ws.Ping(hbCtx)
			hbCancel()

			if err != nil {
				failures++
				g.log.Info("ws.ping.fail", "connection_id", c.ID, "failures", failures, "err", err)
				if failures >= maxPingFailures {
					c.close(websocket.StatusGoingAway, "heartbeat failed")
					return
				}
				continue
			}
			failures = 0
			if c.State() == StateActive {
				g.touch(ctx, c)
			}
		}
	}
}

// touch re-arms the TTL of c's registry record so a live session outlasts it.
func (g *Gateway) touch(ctx context.Context, c *Conn) {
	ok, err := g.registry.Touch(ctx, c.ID)
	switch {
	case err != nil:
		g.log.Warn("ws.touch.fail", "connection_id", c.ID, "err", err)
	case !ok:
		g.log.Warn("ws.touch.missing", "connection_id", c.ID, "identity_id", c.IdentityID())
	}
}

func (g *Gateway) readLoop(ctx context.Context, c *Conn) {
	base := context.WithoutCancel(ctx)
	rl := NewRateLimiter(g.cfg.RateEvents, g.cfg.RateWindow)

	for {
		readCtx, readCancel := base, context.CancelFunc(func() {})
		if g.cfg.ReadIdleTimeout > 0 {
			readCtx, readCancel = context.WithTimeout(base, g.cfg.ReadIdleTimeout)
		}
		env, err := readEnvelope(readCtx, c.ws)
		readCancel()

		if err != nil {
			switch classifyReadErr(err) {
			case readErrBadJSON:
				c.enqueue(errorEnvelope("bad_json", "invalid JSON", g.now()))
				continue
			case readErrClose:
				c.close(websocket.StatusNormalClosure, "peer closed")
			case readErrCtxDone:
				c.close(websocket.StatusGoingAway, "idle timeout")
			case readErrConnClosed:
				c.close(websocket.StatusAbnormalClosure, "conn closed")
			default:
				g.log.Info("ws.read.fail", "connection_id", c.ID, "err", err)
				c.close(websocket.StatusAbnormalClosure, "read failed")
			}
			return
		}

		if !rl.Allow(time.Now()) {
			c.enqueue(errorEnvelope("rate_limited", "too many events", g.now()))
			c.close(websocket.StatusPolicyViolation, "rate limited")
			return
		}
		g.onEnvelope(ctx, c, env)
	}
}

func (g *Gateway) onEnvelope(ctx context.Context, c *Conn, env v1.Envelope) {
	if err := env.Validate(); err != nil {
		c.enqueue(errorEnvelope("bad_envelope", err.Error(), g.now()))
		return
	}
	if !v1.IsInbound(env.Type) {
		c.enqueue(errorEnvelope("unsupported", "unsupported type: "+env.Type, g.now()))
		return
	}
	if _, ok := c.Session(); !ok {
		c.enqueue(errorEnvelope("not_ready", "connection is not authenticated yet", g.now()))
		return
	}

	switch env.Type {
	case v1.TypeLogout:
		g.log.Info("ws.logout", "connection_id", c.ID, "identity_id", c.IdentityID())
		c.close(websocket.StatusNormalClosure, "logout")

	case v1.TypeTotalSockets:
		cctx, cancel := context.WithTimeout(ctx, g.cfg.WriteTimeout)
		total, err := g.registry.Count(cctx)
		cancel()
		if err != nil {
			g.log.Warn("ws.total_sockets.fail", "connection_id", c.ID, "err", err)
			c.enqueue(errorEnvelope(ReasonStoreUnavailable, "session store unavailable", g.now()))
			return
		}
		p, _ := json.Marshal(v1.TotalSocketsPayload{Total: total})
		ack := newEnvelope(v1.TypeAck, p, g.now())
		ack.AckID = env.ID
		if !c.enqueue(ack) {
			g.log.Info("ws.ack.drop", "connection_id", c.ID)
		}

	case v1.TypeAck:
		c.resolveAck(env.AckID, env.Payload)
	}
}

// Disconnect sends forced_disconnect to connectionID, closes it and waits for
// its teardown (registry entry removed) or ctx.
func (g *Gateway) Disconnect(ctx context.Context, connectionID, reason string) error {
	c, ok := g.hub.Get(connectionID)
	if !ok {
		return ErrConnectionNotFound
	}
	if strings.TrimSpace(reason) == "" {
		reason = "disconnected by server"
	}
	c.enqueue(newEnvelope(v1.TypeForcedDisconnect, v1.StringPayload(reason), g.now()))
	c.close(websocket.StatusPolicyViolation, "forced disconnect")
	g.log.Info("ws.disconnect", "connection_id", connectionID, "reason", reason)

	for {
		if _, live := g.hub.Get(connectionID); !live {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(10 * time.Millisecond):
		}
	}
}

// Shutdown refuses new connections, sends server_shutdown to every active
// connection, closes all of them, and waits for their teardown or ctx.
func (g *Gateway) Shutdown(ctx context.Context, reason string) error {
	g.mu.Lock()
	g.shuttingDown = true
	g.mu.Unlock()

	if strings.TrimSpace(reason) == "" {
		reason = "server shutting down"
	}
	conns := g.hub.All()
	for _, c := range conns {
		if c.State() == StateActive {
			c.enqueue(newEnvelope(v1.TypeServerShutdown, v1.StringPayload(reason), g.now()))
		}
		c.close(websocket.StatusGoingAway, "server shutdown")
	}
	g.log.Info("ws.shutdown", "connections", len(conns), "reason", reason)

	done := make(chan struct{})
	go func() {
		g.active.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
