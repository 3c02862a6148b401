// Package metrics holds the prometheus collectors shared by the gateway,
// the correlation bridge and the reconciliation monitor.
//
// A nil *Set is valid and records nothing, so components can be constructed
// without metrics in tests.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "calls"

// Set is one registered group of collectors.
type Set struct {
	wsConnections   *prometheus.GaugeVec
	wsTransitions   *prometheus.CounterVec
	wsRejections    *prometheus.CounterVec
	correlations    *prometheus.CounterVec
	sessions        *prometheus.GaugeVec
	ceilingExceeded prometheus.Counter
	sweepDuration   prometheus.Histogram
	sweepsSkipped   prometheus.Counter
	zombiesReaped   prometheus.Counter
	classifications *prometheus.CounterVec
}

// New builds the collectors and registers them with reg.
// A nil reg leaves them unregistered (tests).
func New(reg prometheus.Registerer) *Set {
	s := &Set{
		wsConnections: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "ws",
				Name:      "connections",
				Help:      "Live websocket connections by gateway state.",
			},
			[]string{"state"},
		),
		wsTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "ws",
				Name:      "transitions_total",
				Help:      "Gateway state transitions.",
			},
			[]string{"from", "to"},
		),
		wsRejections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "ws",
				Name:      "rejections_total",
				Help:      "Connection attempts rejected, by reason.",
			},
			[]string{"reason"},
		),
		correlations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "auth",
				Name:      "correlations_total",
				Help:      "Auth correlation messages by outcome.",
			},
			[]string{"outcome"},
		),
		sessions: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "registry",
				Name:      "sessions",
				Help:      "Session records seen by the last reconciliation sweep.",
			},
			[]string{"kind"},
		),
		ceilingExceeded: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "identity_ceiling_exceeded_total",
				Help:      "Identities observed above the per-identity connection ceiling.",
			},
		),
		sweepDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "monitor",
				Name:      "sweep_duration_seconds",
				Help:      "Reconciliation sweep duration in seconds.",
				Buckets:   prometheus.DefBuckets,
			},
		),
		sweepsSkipped: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "monitor",
				Name:      "sweeps_skipped_total",
				Help:      "Sweeps skipped because the store was unavailable.",
			},
		),
		zombiesReaped: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "monitor",
				Name:      "zombies_reaped_total",
				Help:      "Zombie session records deleted.",
			},
		),
		classifications: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "registry",
				Name:      "classifications_total",
				Help:      "Classification outcomes by path.",
			},
			[]string{"path"},
		),
	}
	if reg != nil {
		reg.MustRegister(
			s.wsConnections,
			s.wsTransitions,
			s.wsRejections,
			s.correlations,
			s.sessions,
			s.ceilingExceeded,
			s.sweepDuration,
			s.sweepsSkipped,
			s.zombiesReaped,
			s.classifications,
		)
	}
	return s
}

// Transition moves one connection from one state gauge to another.
// An empty from only increments to.
func (s *Set) Transition(from, to string) {
	if s == nil {
		return
	}
	if from != "" {
		s.wsConnections.WithLabelValues(from).Dec()
	}
	s.wsConnections.WithLabelValues(to).Inc()
	s.wsTransitions.WithLabelValues(from, to).Inc()
}

// Leave removes a connection from the gauge of its final state.
func (s *Set) Leave(state string) {
	if s == nil {
		return
	}
	s.wsConnections.WithLabelValues(state).Dec()
}

func (s *Set) Rejected(reason string) {
	if s == nil {
		return
	}
	s.wsRejections.WithLabelValues(reason).Inc()
}

func (s *Set) Correlation(outcome string) {
	if s == nil {
		return
	}
	s.correlations.WithLabelValues(outcome).Inc()
}

func (s *Set) Classified(path string) {
	if s == nil {
		return
	}
	s.classifications.WithLabelValues(path).Inc()
}

// Sweep publishes the counts of one reconciliation sweep.
func (s *Set) Sweep(registered, active, zombie, remote int, reaped int, took time.Duration) {
	if s == nil {
		return
	}
	s.sessions.WithLabelValues("registered").Set(float64(registered))
	s.sessions.WithLabelValues("active").Set(float64(active))
	s.sessions.WithLabelValues("zombie").Set(float64(zombie))
	s.sessions.WithLabelValues("remote").Set(float64(remote))
	s.zombiesReaped.Add(float64(reaped))
	s.sweepDuration.Observe(took.Seconds())
}

func (s *Set) SweepSkipped() {
	if s == nil {
		return
	}
	s.sweepsSkipped.Inc()
}

func (s *Set) CeilingExceeded() {
	if s == nil {
		return
	}
	s.ceilingExceeded.Inc()
}
