// Package audit records session lifecycle events.
//
// Recording is best-effort: callers log a failed Record and carry on, so the
// audit trail never blocks connection handling.
package audit

import (
	"context"
	"sync"
	"time"
)

// Action names a lifecycle event (wire/DB stable).
type Action string

const (
	ActionSessionCreated     Action = "session.created"
	ActionSessionRefreshed   Action = "session.refreshed"
	ActionSessionReplaced    Action = "session.replaced"
	ActionSessionClosed      Action = "session.closed"
	ActionSessionReaped      Action = "session.reaped"
	ActionConnectionRejected Action = "connection.rejected"
)

// Event is one audit row. AuxIdentifier is never persisted in clear.
type Event struct {
	Action        Action
	ConnectionID  string
	IdentityID    string
	AuxIdentifier string
	InstanceID    string
	Reason        string
	At            time.Time
}

// Recorder persists events.
type Recorder interface {
	Record(ctx context.Context, ev Event) error
}

// Nop discards every event.
type Nop struct{}

func (Nop) Record(context.Context, Event) error { return nil }

// Memory keeps events in memory (tests and dev).
type Memory struct {
	mu     sync.Mutex
	events []Event
}

func NewMemory() *Memory { return &Memory{} }

func (m *Memory) Record(_ context.Context, ev Event) error {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	m.mu.Lock()
	m.events = append(m.events, ev)
	m.mu.Unlock()
	return nil
}

// Events returns a copy of the recorded events.
func (m *Memory) Events() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Event, len(m.events))
	copy(out, m.events)
	return out
}

// Actions returns the recorded actions for connectionID, in order.
func (m *Memory) Actions(connectionID string) []Action {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Action
	for _, ev := range m.events {
		if ev.ConnectionID == connectionID {
			out = append(out, ev.Action)
		}
	}
	return out
}
