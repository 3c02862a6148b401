package app

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"calls/cmd/internal/bridge"
	"calls/cmd/internal/coord"
	"calls/cmd/internal/monitor"
	"calls/cmd/internal/realtime"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	readyProbeTimeout = 2 * time.Second
	disconnectTimeout = 5 * time.Second
)

// routes is everything the HTTP surface needs from the runtime.
type routes struct {
	log     Logger
	cfg     Config
	store   coord.Store
	dbPool  *pgxpool.Pool
	bridge  *bridge.Bridge
	gateway *realtime.Gateway
	monitor *monitor.Monitor
	metrics *prometheus.Registry
}

type errorBody struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func registerHTTP(mux *http.ServeMux, rt routes) {
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})

	mux.HandleFunc("GET /readyz", func(w http.ResponseWriter, r *http.Request) {
		if reason, err := rt.ready(r.Context()); err != nil {
			http.Error(w, reason, http.StatusServiceUnavailable)
			rt.log.Info("readyz.not_ready", "reason", reason, "err", err)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready\n"))
	})

	mux.Handle("/ws", rt.gateway)

	if rt.metrics != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(rt.metrics, promhttp.HandlerOpts{Registry: rt.metrics}))
	}

	if token := strings.TrimSpace(rt.cfg.AdminToken); token != "" {
		mux.Handle("GET /admin/sessions", requireBearer(token, http.HandlerFunc(rt.sessions)))
		mux.Handle("POST /admin/connections/{id}/disconnect", requireBearer(token, http.HandlerFunc(rt.disconnect)))
	}
}

// ready returns a short reason alongside the first failing dependency.
func (rt routes) ready(ctx context.Context) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, readyProbeTimeout)
	defer cancel()

	if err := rt.store.Ping(ctx); err != nil {
		return "store not ready", err
	}
	select {
	case <-rt.bridge.Done():
		if err := rt.bridge.Err(); err != nil {
			return "auth bridge stopped", err
		}
		return "auth bridge stopped", bridge.ErrClosed
	default:
	}
	if rt.cfg.ReadinessRequireDB && rt.dbPool == nil {
		return "db not configured", errors.New("no database url")
	}
	if rt.dbPool != nil {
		if err := PingDB(ctx, rt.dbPool, readyProbeTimeout); err != nil {
			return "db not ready", err
		}
	}
	return "", nil
}

type sessionsResponse struct {
	InstanceID  string                  `json:"instance_id"`
	Live        int                     `json:"live"`
	Registered  int                     `json:"registered"`
	Active      int                     `json:"active"`
	Remote      int                     `json:"remote"`
	Reaped      int                     `json:"reaped"`
	OverCeiling []string                `json:"over_ceiling"`
	Identities  []monitor.IdentityStats `json:"identities"`
}

// sessions reports the last reconciliation sweep plus the live count.
func (rt routes) sessions(w http.ResponseWriter, _ *http.Request) {
	rep := rt.monitor.Last()
	resp := sessionsResponse{
		InstanceID:  rt.cfg.InstanceID,
		Live:        rt.gateway.Hub().Count(),
		Registered:  rep.Registered,
		Active:      rep.Active,
		Remote:      rep.Remote,
		Reaped:      rep.Reaped,
		OverCeiling: rep.OverCeiling,
		Identities:  rep.Identities,
	}
	if resp.OverCeiling == nil {
		resp.OverCeiling = []string{}
	}
	if resp.Identities == nil {
		resp.Identities = []monitor.IdentityStats{}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (rt routes) disconnect(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.PathValue("id"))
	reason := strings.TrimSpace(r.URL.Query().Get("reason"))

	ctx, cancel := context.WithTimeout(r.Context(), disconnectTimeout)
	defer cancel()

	err := rt.gateway.Disconnect(ctx, id, reason)
	switch {
	case err == nil:
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, realtime.ErrConnectionNotFound):
		writeJSON(w, http.StatusNotFound, errorBody{Error: "connection not found"})
	case errors.Is(err, context.DeadlineExceeded):
		// Close was sent; teardown is still running.
		w.WriteHeader(http.StatusAccepted)
	default:
		rt.log.Error("admin.disconnect.fail", "connection_id", id, "err", err)
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "disconnect failed"})
	}
}
