package realtime

import (
	"log/slog"
	"slices"
	"sync"
)

// GroupAuthenticated holds every Active connection.
const GroupAuthenticated = "authenticated"

// Hub is the live connection set of this process and its named groups.
// It is owned by the Gateway and handed to the monitor as its live set.
type Hub struct {
	log *slog.Logger

	mu     sync.RWMutex
	conns  map[string]*Conn
	groups map[string]map[string]struct{}
}

// NewHub constructs an empty Hub.
func NewHub(log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{
		log:    log,
		conns:  make(map[string]*Conn),
		groups: make(map[string]map[string]struct{}),
	}
}

func (h *Hub) add(c *Conn) {
	h.mu.Lock()
	h.conns[c.ID] = c
	h.mu.Unlock()
}

// remove drops id from the live set and every group.
func (h *Hub) remove(id string) {
	h.mu.Lock()
	delete(h.conns, id)
	for name, members := range h.groups {
		delete(members, id)
		if len(members) == 0 {
			delete(h.groups, name)
		}
	}
	h.mu.Unlock()
}

// Get returns the live connection with id.
func (h *Hub) Get(id string) (*Conn, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.conns[id]
	return c, ok
}

// Join adds a live connection to group. Unknown ids are ignored.
func (h *Hub) Join(group, id string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.conns[id]; !ok {
		return false
	}
	members := h.groups[group]
	if members == nil {
		members = make(map[string]struct{})
		h.groups[group] = members
	}
	members[id] = struct{}{}
	h.log.Debug("hub.group.join", "group", group, "connection_id", id)
	return true
}

// Leave removes id from group.
func (h *Hub) Leave(group, id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if members := h.groups[group]; members != nil {
		delete(members, id)
		if len(members) == 0 {
			delete(h.groups, group)
		}
	}
}

// Members returns the connections of group.
func (h *Hub) Members(group string) []*Conn {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*Conn, 0, len(h.groups[group]))
	for id := range h.groups[group] {
		if c, ok := h.conns[id]; ok {
			out = append(out, c)
		}
	}
	return out
}

// All returns every live connection.
func (h *Hub) All() []*Conn {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*Conn, 0, len(h.conns))
	for _, c := range h.conns {
		out = append(out, c)
	}
	return out
}

// LiveConnectionIDs lists the ids with a transport connection on this
// process, sorted.
func (h *Hub) LiveConnectionIDs() []string {
	h.mu.RLock()
	out := make([]string, 0, len(h.conns))
	for id := range h.conns {
		out = append(out, id)
	}
	h.mu.RUnlock()
	slices.Sort(out)
	return out
}

// Count returns the number of live connections.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}
