package realtime

import (
	"errors"
	"testing"
)

func TestCanTransition(t *testing.T) {
	t.Parallel()

	cases := []struct {
		from, to State
		want     bool
	}{
		{StateConnecting, StateCorrelating, true},
		{StateCorrelating, StateLockPending, true},
		{StateLockPending, StateClassifying, true},
		{StateClassifying, StateRegistered, true},
		{StateRegistered, StateActive, true},
		{StateActive, StateClosing, true},
		{StateClosing, StateClosed, true},

		{StateCorrelating, StateRejected, true},
		{StateLockPending, StateRejected, true},
		{StateClassifying, StateRejected, true},

		// Re-authentication of an active connection.
		{StateActive, StateLockPending, true},
		{StateClassifying, StateActive, true},

		{StateConnecting, StateActive, false},
		{StateCorrelating, StateRegistered, false},
		{StateActive, StateRejected, false},
		{StateClosed, StateActive, false},
		{StateRejected, StateClosing, false},
		{StateClosing, StateActive, false},
	}
	for _, tc := range cases {
		if got := CanTransition(tc.from, tc.to); got != tc.want {
			t.Errorf("%v -> %v: got %v want %v", tc.from, tc.to, got, tc.want)
		}
	}
}

func TestState_Terminal(t *testing.T) {
	t.Parallel()

	for s := StateConnecting; s <= StateRejected; s++ {
		want := s == StateClosed || s == StateRejected
		if got := s.Terminal(); got != want {
			t.Errorf("%v.Terminal() = %v", s, got)
		}
		if CanTransition(s, StateConnecting) {
			t.Errorf("%v -> connecting must be illegal", s)
		}
	}
	if got := State(42).String(); got != "state(42)" {
		t.Fatalf("unknown state string: %q", got)
	}
}

func TestConn_TransitionRejectsIllegalMoves(t *testing.T) {
	t.Parallel()

	c := newConn("c1", "", nil, 0)
	if prev, err := c.transition(StateCorrelating); err != nil || prev != StateConnecting {
		t.Fatalf("transition: prev=%v err=%v", prev, err)
	}
	if _, err := c.transition(StateActive); !errors.Is(err, ErrIllegalTransition) {
		t.Fatalf("got %v want ErrIllegalTransition", err)
	}
	if got := c.State(); got != StateCorrelating {
		t.Fatalf("state changed on illegal move: %v", got)
	}
}
