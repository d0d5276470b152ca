package hub

import "sync"

// Hub is the connection registry: at most one Conn per identity.
type Hub struct {
	mu    sync.RWMutex
	conns map[string]*Conn

	locks keyLocks
}

func New() *Hub {
	return &Hub{
		conns: make(map[string]*Conn),
		locks: keyLocks{m: make(map[string]*keyLock)},
	}
}

// Register installs c for uid. A previous Conn for the same uid is closed
// before the new one becomes visible, inside the same critical section.
func (h *Hub) Register(uid string, c *Conn) (superseded *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if old, ok := h.conns[uid]; ok && old != c {
		old.Close()
		superseded = old
	}
	h.conns[uid] = c
	return superseded
}

// Release removes c only if it is still the registered Conn for its uid.
// It reports false when c was already superseded or removed.
func (h *Hub) Release(c *Conn) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if cur, ok := h.conns[c.UID]; ok && cur == c {
		delete(h.conns, c.UID)
		return true
	}
	return false
}

func (h *Hub) Lookup(uid string) (*Conn, bool) {
	h.mu.RLock()
	c, ok := h.conns[uid]
	h.mu.RUnlock()
	return c, ok
}

func (h *Hub) IsOnline(uid string) bool {
	_, ok := h.Lookup(uid)
	return ok
}

func (h *Hub) Len() int {
	h.mu.RLock()
	n := len(h.conns)
	h.mu.RUnlock()
	return n
}

// Evict removes and closes whatever is registered for uid. A session that
// was still replaying into that Conn sees ErrClosed on its next send, and its
// Release reports false, so it leaves presence alone.
func (h *Hub) Evict(uid string) (evicted *Conn) {
	h.mu.Lock()
	evicted = h.conns[uid]
	delete(h.conns, uid)
	h.mu.Unlock()
	if evicted != nil {
		evicted.Close()
	}
	return evicted
}

// Lock enters the critical section for uid. Every forward-or-enqueue decision
// addressed to uid, and the connect+replay of uid, run while holding it.
func (h *Hub) Lock(uid string) (unlock func()) {
	return h.locks.lock(uid)
}
