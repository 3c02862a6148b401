package realtime

import (
	"errors"
	"fmt"
)

var (
	// ErrLockContention means another attempt is classifying the same identity.
	ErrLockContention = errors.New("realtime: concurrent connection attempt")

	// ErrConnectionNotFound is returned for unknown or inactive connection ids.
	ErrConnectionNotFound = errors.New("realtime: connection not found")

	// ErrAckTimeout is returned when a client did not acknowledge in time.
	ErrAckTimeout = errors.New("realtime: ack timeout")

	// ErrBackpressure is returned when a connection's send queue is full.
	ErrBackpressure = errors.New("realtime: send queue full")

	// ErrIllegalTransition marks a state machine programming error.
	ErrIllegalTransition = errors.New("realtime: illegal state transition")

	// ErrShuttingDown is returned once Shutdown has started.
	ErrShuttingDown = errors.New("realtime: gateway shutting down")
)

// Rejection reasons (sent to clients in the connection_error "reason" header).
const (
	ReasonCorrelationTimeout = "correlation_timeout"
	ReasonLockContention     = "lock_contention"
	ReasonStoreUnavailable   = "store_unavailable"
	ReasonDuplicateAttempt   = "duplicate_attempt"
	ReasonUnavailable        = "unavailable"
)

// RejectError is a terminal failure of one connection attempt.
type RejectError struct {
	Reason string
	Err    error
}

func (e *RejectError) Error() string {
	if e.Err == nil {
		return "realtime: rejected: " + e.Reason
	}
	return fmt.Sprintf("realtime: rejected: %s: %v", e.Reason, e.Err)
}

func (e *RejectError) Unwrap() error { return e.Err }

// Message is the human readable text sent to the client.
func (e *RejectError) Message() string {
	switch e.Reason {
	case ReasonCorrelationTimeout:
		return "authentication was not confirmed in time"
	case ReasonLockContention:
		return "concurrent connection attempt"
	case ReasonStoreUnavailable:
		return "session store unavailable"
	case ReasonDuplicateAttempt:
		return "correlation id already in use"
	default:
		return "connection rejected"
	}
}

func reject(reason string, err error) *RejectError {
	return &RejectError{Reason: reason, Err: err}
}
