package gateway

import (
	"log"
	"sync"
	"time"

	"github.com/coder/websocket"
)

// Hub tracks live connections so the watchdog can reap sockets that stopped
// talking without a close handshake (suspended laptops, dropped NATs).
type Hub struct {
	mu    sync.Mutex
	conns map[uint64]*Conn
	idle  time.Duration
}

// NewHub returns a hub that considers connections idle after maxIdle.
func NewHub(maxIdle time.Duration) *Hub {
	return &Hub{
		conns: make(map[uint64]*Conn),
		idle:  maxIdle,
	}
}

// Track registers a connection for watchdog sweeps.
func (h *Hub) Track(c *Conn) {
	h.mu.Lock()
	h.conns[c.id] = c
	h.mu.Unlock()
}

// Untrack removes a connection, typically deferred by its handler.
func (h *Hub) Untrack(c *Conn) {
	h.mu.Lock()
	delete(h.conns, c.id)
	h.mu.Unlock()
}

// Len reports the number of tracked connections.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

// Sweep closes connections idle past the threshold and forgets connections
// that already died. Returns how many it closed.
func (h *Hub) Sweep() int {
	cutoff := time.Now().Add(-h.idle)

	h.mu.Lock()
	var stale []*Conn
	for id, c := range h.conns {
		select {
		case <-c.Done():
			delete(h.conns, id)
			continue
		default:
		}
		if c.IdleSince().Before(cutoff) {
			stale = append(stale, c)
			delete(h.conns, id)
		}
	}
	h.mu.Unlock()

	for _, c := range stale {
		log.Printf("[gateway] closing idle %s connection %d (last activity %s)",
			c.Path(), c.ID(), c.IdleSince().Format(time.RFC3339))
		c.Close(websocket.StatusGoingAway, "idle timeout")
	}
	return len(stale)
}
