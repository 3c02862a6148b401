package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"calls/cmd/internal/registry"
	v1 "calls/shared/contracts/realtime/v1"
)

type targetKind uint8

const (
	targetConnections targetKind = iota + 1
	targetGroup
	targetAll
)

// Target selects the recipients of an emission.
type Target struct {
	kind  targetKind
	ids   []string
	group string
}

// ToConnections addresses explicit connection ids.
func ToConnections(ids ...string) Target { return Target{kind: targetConnections, ids: ids} }

// ToGroup addresses every member of a named group.
func ToGroup(name string) Target { return Target{kind: targetGroup, group: name} }

// ToAll addresses every active connection of this process.
func ToAll() Target { return Target{kind: targetAll} }

// EmitOption decorates the outbound envelope.
type EmitOption func(*v1.Envelope)

// WithAuth attaches auth metadata to the envelope.
func WithAuth(identityID, connectionID string) EmitOption {
	return func(e *v1.Envelope) {
		e.Auth = &v1.AuthMeta{IdentityID: identityID, ConnectionID: connectionID}
	}
}

// WithHeaders attaches headers to the envelope.
func WithHeaders(h map[string]string) EmitOption {
	return func(e *v1.Envelope) {
		if len(h) == 0 {
			return
		}
		cp := make(map[string]string, len(h))
		for k, v := range h {
			cp[k] = v
		}
		e.Headers = cp
	}
}

// Dispatcher emits events to active connections of this process.
//
// Delivery is fire-and-forget and never blocks: a connection whose send queue
// is full misses the event. Callers that need confirmation use EmitWithAck.
type Dispatcher struct {
	log        *slog.Logger
	hub        *Hub
	registry   *registry.Registry
	ackTimeout time.Duration
	now        func() time.Time
}

// NewDispatcher constructs a Dispatcher over hub. registry may be nil when
// TargetConnectionIDs is not needed.
func NewDispatcher(log *slog.Logger, hub *Hub, reg *registry.Registry, ackTimeout time.Duration) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	if ackTimeout <= 0 {
		ackTimeout = defaultAckTimeout
	}
	return &Dispatcher{
		log:        log,
		hub:        hub,
		registry:   reg,
		ackTimeout: ackTimeout,
		now:        time.Now,
	}
}

func (d *Dispatcher) envelope(event string, payload any, opts []EmitOption) (v1.Envelope, error) {
	raw, err := encodePayload(payload)
	if err != nil {
		return v1.Envelope{}, err
	}
	env := newEnvelope(event, raw, d.now())
	for _, opt := range opts {
		if opt != nil {
			opt(&env)
		}
	}
	return env, nil
}

func encodePayload(payload any) (json.RawMessage, error) {
	switch p := payload.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return p, nil
	default:
		b, err := json.Marshal(p)
		if err != nil {
			return nil, fmt.Errorf("realtime: encode payload: %w", err)
		}
		return b, nil
	}
}

func (d *Dispatcher) recipients(t Target) []*Conn {
	switch t.kind {
	case targetConnections:
		out := make([]*Conn, 0, len(t.ids))
		for _, id := range t.ids {
			if c, ok := d.hub.Get(id); ok {
				out = append(out, c)
			}
		}
		return out
	case targetGroup:
		return d.hub.Members(t.group)
	case targetAll:
		return d.hub.All()
	default:
		return nil
	}
}

// Emit sends event to every active recipient of target and returns how many
// envelopes were queued. Recipients that are not Active are skipped.
func (d *Dispatcher) Emit(ctx context.Context, event string, payload any, target Target, opts ...EmitOption) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if event == "" {
		return 0, errors.New("realtime: empty event name")
	}
	if target.kind == 0 {
		return 0, errors.New("realtime: empty target")
	}
	env, err := d.envelope(event, payload, opts)
	if err != nil {
		return 0, err
	}

	sent := 0
	for _, c := range d.recipients(target) {
		if c.State() != StateActive {
			continue
		}
		if c.enqueue(env) {
			sent++
			continue
		}
		d.log.Info("dispatch.drop", "event", event, "connection_id", c.ID)
	}
	return sent, nil
}

// EmitWithAck sends event to one active connection with an envelope id and
// waits for the client's ack envelope carrying that id. It returns the ack
// payload, ErrAckTimeout, or ctx's error.
func (d *Dispatcher) EmitWithAck(ctx context.Context, connectionID, event string, payload any, opts ...EmitOption) (json.RawMessage, error) {
	c, ok := d.hub.Get(connectionID)
	if !ok || c.State() != StateActive {
		return nil, ErrConnectionNotFound
	}
	env, err := d.envelope(event, payload, opts)
	if err != nil {
		return nil, err
	}

	ack := c.awaitAck(env.ID)
	defer c.dropAck(env.ID)

	if !c.enqueue(env) {
		return nil, ErrBackpressure
	}

	timer := time.NewTimer(d.ackTimeout)
	defer timer.Stop()

	select {
	case p := <-ack:
		return p, nil
	case <-timer.C:
		return nil, ErrAckTimeout
	case <-c.Done():
		return nil, ErrConnectionNotFound
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// TargetConnectionIDs returns every registered connection of identityID,
// across all processes.
func (d *Dispatcher) TargetConnectionIDs(ctx context.Context, identityID string) ([]string, error) {
	if d.registry == nil {
		return nil, errors.New("realtime: dispatcher has no registry")
	}
	return d.registry.ConnectionIDsForIdentity(ctx, identityID)
}
