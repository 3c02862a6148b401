package realtime

import (
	"encoding/json"
	"sync"

	"calls/cmd/internal/registry"
	v1 "calls/shared/contracts/realtime/v1"

	"github.com/coder/websocket"
)

// Conn is one websocket connection and its position in the state machine.
//
// send is never closed by the server, so concurrent emitters cannot panic;
// done signals every goroutine of the connection to stop.
type Conn struct {
	ID            string
	CorrelationID string

	ws   *websocket.Conn
	send chan v1.Envelope

	done      chan struct{}
	closeOnce sync.Once

	mu          sync.Mutex
	state       State
	session     *registry.Record
	closeCode   websocket.StatusCode
	closeReason string
	acks        map[string]chan json.RawMessage
}

func newConn(id, correlationID string, ws *websocket.Conn, queue int) *Conn {
	return &Conn{
		ID:            id,
		CorrelationID: correlationID,
		ws:            ws,
		send:          make(chan v1.Envelope, queue),
		done:          make(chan struct{}),
		state:         StateConnecting,
		acks:          make(map[string]chan json.RawMessage),
	}
}

// State returns the current state.
func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Session returns the registry record once the connection is registered.
func (c *Conn) Session() (registry.Record, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return registry.Record{}, false
	}
	return *c.session, true
}

// IdentityID returns the authenticated identity ("" before registration).
func (c *Conn) IdentityID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return ""
	}
	return c.session.IdentityID
}

func (c *Conn) setSession(rec registry.Record) {
	c.mu.Lock()
	c.session = &rec
	c.mu.Unlock()
}

// transition moves to next if the move is legal and returns the previous state.
func (c *Conn) transition(next State) (State, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	prev := c.state
	if !CanTransition(prev, next) {
		return prev, ErrIllegalTransition
	}
	c.state = next
	return prev, nil
}

// Done is closed when the connection is shutting down.
func (c *Conn) Done() <-chan struct{} {
	if c == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return c.done
}

// close signals shutdown once. The first code/reason wins and is used for the
// websocket close frame after pending envelopes are flushed.
func (c *Conn) close(code websocket.StatusCode, reason string) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closeCode = code
		c.closeReason = reason
		c.mu.Unlock()
		close(c.done)
	})
}

func (c *Conn) closeStatus() (websocket.StatusCode, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closeCode == 0 {
		return websocket.StatusNormalClosure, "bye"
	}
	return c.closeCode, c.closeReason
}

// enqueue never blocks: a full queue or a closing connection drops env.
func (c *Conn) enqueue(env v1.Envelope) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- env:
		return true
	default:
		return false
	}
}

func (c *Conn) awaitAck(id string) chan json.RawMessage {
	ch := make(chan json.RawMessage, 1)
	c.mu.Lock()
	c.acks[id] = ch
	c.mu.Unlock()
	return ch
}

func (c *Conn) dropAck(id string) {
	c.mu.Lock()
	delete(c.acks, id)
	c.mu.Unlock()
}

// resolveAck hands payload to the pending EmitWithAck for id.
// Unknown and repeated acks are ignored.
func (c *Conn) resolveAck(id string, payload json.RawMessage) bool {
	c.mu.Lock()
	ch, ok := c.acks[id]
	delete(c.acks, id)
	c.mu.Unlock()
	if !ok {
		return false
	}
	ch <- payload
	return true
}
