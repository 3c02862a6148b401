package realtime

import (
	"encoding/json"
	"slices"
	"testing"

	v1 "calls/shared/contracts/realtime/v1"

	"github.com/coder/websocket"
)

func TestHub_GroupsFollowLiveSet(t *testing.T) {
	t.Parallel()

	h := NewHub(nil)
	a := newConn("a", "", nil, 1)
	b := newConn("b", "", nil, 1)
	h.add(a)
	h.add(b)

	if h.Join("room", "missing") {
		t.Fatalf("join of unknown id must fail")
	}
	if !h.Join("room", "a") || !h.Join("room", "b") {
		t.Fatalf("join failed")
	}
	if got := len(h.Members("room")); got != 2 {
		t.Fatalf("members: got %d", got)
	}

	h.Leave("room", "a")
	if got := h.Members("room"); len(got) != 1 || got[0].ID != "b" {
		t.Fatalf("members after leave: %v", got)
	}

	h.remove("b")
	if got := len(h.Members("room")); got != 0 {
		t.Fatalf("removed connection still a member")
	}
	if !slices.Equal(h.LiveConnectionIDs(), []string{"a"}) {
		t.Fatalf("live ids: %v", h.LiveConnectionIDs())
	}
	if h.Count() != 1 {
		t.Fatalf("count: %d", h.Count())
	}
}

func TestConn_EnqueueNeverBlocks(t *testing.T) {
	t.Parallel()

	c := newConn("c", "", nil, 1)
	env := v1.Envelope{V: v1.Version, Type: "x"}
	if !c.enqueue(env) {
		t.Fatalf("first enqueue must fit")
	}
	if c.enqueue(env) {
		t.Fatalf("full queue must drop")
	}

	<-c.send
	c.close(websocket.StatusGoingAway, "first")
	c.close(websocket.StatusNormalClosure, "second")
	if c.enqueue(env) {
		t.Fatalf("closed connection must drop")
	}
	code, reason := c.closeStatus()
	if code != websocket.StatusGoingAway || reason != "first" {
		t.Fatalf("close status: %v %q", code, reason)
	}
	select {
	case <-c.Done():
	default:
		t.Fatalf("done not closed")
	}
}

func TestConn_ResolveAck(t *testing.T) {
	t.Parallel()

	c := newConn("c", "", nil, 1)
	ch := c.awaitAck("e1")
	if c.resolveAck("other", nil) {
		t.Fatalf("unknown ack resolved")
	}
	if !c.resolveAck("e1", json.RawMessage(`{"ok":true}`)) {
		t.Fatalf("ack not resolved")
	}
	if got := string(<-ch); got != `{"ok":true}` {
		t.Fatalf("payload: %s", got)
	}
	if c.resolveAck("e1", nil) {
		t.Fatalf("repeated ack resolved")
	}
}
