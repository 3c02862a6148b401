package realtime

import "fmt"

// State is the lifecycle position of one connection.
//
//	Connecting -> Correlating -> LockPending -> Classifying -> Registered -> Active -> Closing -> Closed
//
// Any pre-active state may end in Rejected. An Active connection re-enters
// LockPending when it is re-authenticated and returns to Active afterwards,
// including when the re-authentication could not be applied.
type State uint8

const (
	StateConnecting State = iota + 1
	StateCorrelating
	StateLockPending
	StateClassifying
	StateRegistered
	StateActive
	StateClosing
	StateClosed
	StateRejected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateCorrelating:
		return "correlating"
	case StateLockPending:
		return "lock_pending"
	case StateClassifying:
		return "classifying"
	case StateRegistered:
		return "registered"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	case StateRejected:
		return "rejected"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// Terminal reports whether no transition leaves s.
func (s State) Terminal() bool {
	return s == StateClosed || s == StateRejected
}

var transitions = map[State][]State{
	StateConnecting:  {StateCorrelating, StateRejected, StateClosing},
	StateCorrelating: {StateLockPending, StateRejected, StateClosing},
	StateLockPending: {StateClassifying, StateRejected, StateClosing, StateActive},
	StateClassifying: {StateRegistered, StateRejected, StateClosing, StateActive},
	StateRegistered:  {StateActive, StateRejected, StateClosing},
	StateActive:      {StateLockPending, StateClosing},
	StateClosing:     {StateClosed},
}

// CanTransition reports whether from -> to is a legal move.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
