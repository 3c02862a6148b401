package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestSet_NilIsNoop(t *testing.T) {
	t.Parallel()

	var s *Set
	s.Transition("", "connecting")
	s.Leave("closed")
	s.Rejected("lock_contention")
	s.Correlation("delivered")
	s.Classified("new")
	s.Sweep(1, 1, 0, 0, 0, time.Millisecond)
	s.SweepSkipped()
	s.CeilingExceeded()
}

func TestSet_TransitionMovesGauge(t *testing.T) {
	t.Parallel()

	s := New(prometheus.NewRegistry())
	s.Transition("", "connecting")
	s.Transition("connecting", "correlating")

	if got := testutil.ToFloat64(s.wsConnections.WithLabelValues("connecting")); got != 0 {
		t.Fatalf("connecting gauge=%v want 0", got)
	}
	if got := testutil.ToFloat64(s.wsConnections.WithLabelValues("correlating")); got != 1 {
		t.Fatalf("correlating gauge=%v want 1", got)
	}

	s.Leave("correlating")
	if got := testutil.ToFloat64(s.wsConnections.WithLabelValues("correlating")); got != 0 {
		t.Fatalf("correlating gauge after leave=%v want 0", got)
	}
}

func TestSet_SweepSetsSessionGauges(t *testing.T) {
	t.Parallel()

	s := New(prometheus.NewRegistry())
	s.Sweep(5, 3, 2, 1, 2, 10*time.Millisecond)

	want := map[string]float64{"registered": 5, "active": 3, "zombie": 2, "remote": 1}
	for kind, v := range want {
		if got := testutil.ToFloat64(s.sessions.WithLabelValues(kind)); got != v {
			t.Fatalf("sessions{kind=%s}=%v want %v", kind, got, v)
		}
	}
	if got := testutil.ToFloat64(s.zombiesReaped); got != 2 {
		t.Fatalf("zombies reaped=%v want 2", got)
	}
}
