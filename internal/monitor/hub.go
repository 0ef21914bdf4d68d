package monitor

import (
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/shan-hee/easyssh/internal/gateway"
	"github.com/shan-hee/easyssh/internal/metrics"
	"github.com/shan-hee/easyssh/internal/registry"
)

// Frame types on the monitor paths.
const (
	FrameSubscribe      = "subscribe_server"
	FrameUnsubscribe    = "unsubscribe_server"
	FrameRequestStats   = "request_system_stats"
	FrameAbort          = "abort"
	FrameSystemStats    = "system_stats"
	FrameSessionCreated = "session_created"
	FrameSubscribeAck   = "subscribe_ack"
	FrameUnsubscribeAck = "unsubscribe_ack"
	FrameStatus         = "monitoring_status"
	FrameAbortAck       = "abort_ack"
	FrameError          = "error"
)

// Status values carried by monitoring_status frames.
const (
	StatusInstalled    = "installed"
	StatusNotInstalled = "not_installed"
)

// cacheFreshness bounds how old a cached frame may be to count as a live
// host during subscribe.
const cacheFreshness = 60 * time.Second

// Sink is the subscriber-facing side of a socket: a non-blocking send plus
// a stable identity. *gateway.Conn satisfies it.
type Sink interface {
	ID() uint64
	TrySend(gateway.Frame) bool
}

type subscriber struct {
	conn      Sink
	sessionID string
	servers   map[string]struct{}
	// statusHint remembers the last status sent per host key so the hub
	// never emits the same status twice in a row.
	statusHint map[string]string
}

// Hub owns the frame cache and all subscriber state. Fan-out never blocks:
// slow subscribers lose their oldest queued telemetry.
type Hub struct {
	mu       sync.Mutex
	subs     map[uint64]*subscriber
	byServer map[string]map[uint64]*subscriber

	cache *Cache
	obs   *metrics.Observer
}

func NewHub(obs *metrics.Observer) *Hub {
	return &Hub{
		subs:     make(map[uint64]*subscriber),
		byServer: make(map[string]map[uint64]*subscriber),
		cache:    NewCache(),
		obs:      obs,
	}
}

// Cache exposes the frame cache for status endpoints.
func (h *Hub) Cache() *Cache { return h.cache }

// Register adds a subscriber socket and greets it with session_created.
// Returns the monitor session id used in acks and error frames.
func (h *Hub) Register(conn Sink, connectionType string) string {
	sub := &subscriber{
		conn:       conn,
		sessionID:  uuid.New().String(),
		servers:    make(map[string]struct{}),
		statusHint: make(map[string]string),
	}
	h.mu.Lock()
	h.subs[conn.ID()] = sub
	h.mu.Unlock()

	sub.conn.TrySend(gateway.DataFrame(FrameSessionCreated, map[string]interface{}{
		"sessionId":      sub.sessionID,
		"connectionType": connectionType,
	}))
	return sub.sessionID
}

// Unregister removes the subscriber and all its index entries.
func (h *Hub) Unregister(connID uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	sub, ok := h.subs[connID]
	if !ok {
		return
	}
	for serverID := range sub.servers {
		h.dropIndexLocked(serverID, connID)
		if bare := registry.Hostname(serverID); bare != "" && bare != serverID {
			h.dropIndexLocked(bare, connID)
		}
	}
	delete(h.subs, connID)
}

// Subscribe adds serverID to the subscriber's set, acknowledges, and when a
// fresh frame is cached for any of the server's identifiers replays it
// immediately.
func (h *Hub) Subscribe(connID uint64, serverID string) {
	h.mu.Lock()
	sub, ok := h.subs[connID]
	if ok {
		sub.servers[serverID] = struct{}{}
		h.addIndexLocked(serverID, sub)
		if bare := registry.Hostname(serverID); bare != "" && bare != serverID {
			h.addIndexLocked(bare, sub)
		}
	}
	h.mu.Unlock()
	if !ok {
		return
	}

	sub.conn.TrySend(h.ackFrame(FrameSubscribeAck, serverID, sub.sessionID))

	if f, ok := h.cache.Fresh(serverID, cacheFreshness); ok {
		h.deliver(sub, f, false)
	}
}

// Unsubscribe removes serverID from the subscriber's set and acknowledges.
// The collector keeps running; it belongs to the SSH session, not to
// whoever is watching.
func (h *Hub) Unsubscribe(connID uint64, serverID string) {
	h.mu.Lock()
	sub, ok := h.subs[connID]
	if ok {
		delete(sub.servers, serverID)
		h.dropIndexLocked(serverID, connID)
		if bare := registry.Hostname(serverID); bare != "" && bare != serverID {
			// Another remaining subscription may share the bare form.
			needed := false
			for s := range sub.servers {
				if s == bare || registry.Hostname(s) == bare {
					needed = true
					break
				}
			}
			if !needed {
				h.dropIndexLocked(bare, connID)
			}
		}
	}
	h.mu.Unlock()
	if !ok {
		return
	}
	sub.conn.TrySend(h.ackFrame(FrameUnsubscribeAck, serverID, sub.sessionID))
}

// RequestStats answers an explicit poll. A cached frame for the descriptor
// replays as a cache hit; otherwise the subscriber learns the host has no
// collector, at most once until that changes.
func (h *Hub) RequestStats(connID uint64, hostID string) {
	h.mu.Lock()
	sub, ok := h.subs[connID]
	h.mu.Unlock()
	if !ok || hostID == "" {
		return
	}

	if f, ok := h.cache.Lookup(hostID); ok {
		h.deliver(sub, f, true)
		return
	}
	h.sendStatus(sub, hostID, StatusNotInstalled, "no monitoring data for host")
}

// Abort acknowledges the client-side abort without touching the collector.
func (h *Hub) Abort(connID uint64, serverID string) {
	h.mu.Lock()
	sub, ok := h.subs[connID]
	count := len(h.byServer[serverID])
	h.mu.Unlock()
	if !ok {
		return
	}
	sub.conn.TrySend(gateway.DataFrame(FrameAbortAck, map[string]interface{}{
		"serverId": serverID,
		"count":    count,
	}))
}

// Ingest normalizes a raw sample and publishes the resulting frame.
func (h *Hub) Ingest(raw []byte, source, sessionID string) (Frame, error) {
	f, err := Normalize(raw, source, sessionID)
	if err != nil {
		return Frame{}, err
	}
	h.Publish(f)
	return f, nil
}

// Publish stores the frame and fans it out to every subscriber watching any
// of the host's identifiers. Subscribers reached through several identifiers
// still receive at most one status and one stats frame.
func (h *Hub) Publish(f Frame) {
	h.cache.Put(f)
	h.obs.MonitorIngress()

	h.mu.Lock()
	targets := make(map[uint64]*subscriber)
	for _, d := range Descriptors(f.HostID) {
		for id, sub := range h.byServer[d] {
			targets[id] = sub
		}
	}
	h.mu.Unlock()

	for _, sub := range targets {
		h.deliver(sub, f, false)
	}
}

// CollectorLost drops the host's cached frame and tells watchers the
// collector is gone, honoring hysteresis.
func (h *Hub) CollectorLost(hostID string) {
	h.cache.Drop(hostID)

	h.mu.Lock()
	targets := make(map[uint64]*subscriber)
	for _, d := range Descriptors(hostID) {
		for id, sub := range h.byServer[d] {
			targets[id] = sub
		}
	}
	h.mu.Unlock()

	log.Printf("[monitor] collector lost for %s, notifying %d subscriber(s)", hostID, len(targets))
	for _, sub := range targets {
		h.sendStatus(sub, hostID, StatusNotInstalled, "monitoring collector disconnected")
	}
}

// SendError emits a monitor error frame to one subscriber.
func (h *Hub) SendError(connID uint64, message string) {
	h.mu.Lock()
	sub, ok := h.subs[connID]
	h.mu.Unlock()
	if !ok {
		return
	}
	sub.conn.TrySend(gateway.DataFrame(FrameError, map[string]interface{}{
		"message":   message,
		"sessionId": sub.sessionID,
		"timestamp": nowMillis(),
	}))
}

// deliver sends the status/stats pair for one frame to one subscriber.
func (h *Hub) deliver(sub *subscriber, f Frame, cached bool) {
	h.sendStatus(sub, f.HostID, StatusInstalled, "monitoring active")
	f.Cached = cached
	if sub.conn.TrySend(gateway.PayloadFrame(FrameSystemStats, f)) {
		h.obs.MonitorFanout()
	} else {
		h.obs.MonitorDropped()
	}
}

// sendStatus emits a monitoring_status frame unless the same status was the
// last one sent for this key. The hint updates before the send and reverts
// if the frame could not be queued, so a retry happens on the next frame.
func (h *Hub) sendStatus(sub *subscriber, key, status, message string) {
	h.mu.Lock()
	if sub.statusHint[key] == status {
		h.mu.Unlock()
		return
	}
	prev, had := sub.statusHint[key]
	sub.statusHint[key] = status
	h.mu.Unlock()

	ok := sub.conn.TrySend(gateway.DataFrame(FrameStatus, map[string]interface{}{
		"hostId":    key,
		"status":    status,
		"available": status == StatusInstalled,
		"message":   message,
		"timestamp": nowMillis(),
	}))
	if !ok {
		h.mu.Lock()
		if sub.statusHint[key] == status {
			if had {
				sub.statusHint[key] = prev
			} else {
				delete(sub.statusHint, key)
			}
		}
		h.mu.Unlock()
	}
}

func (h *Hub) ackFrame(frameType, serverID, sessionID string) gateway.Frame {
	return gateway.DataFrame(frameType, map[string]interface{}{
		"serverId":  serverID,
		"sessionId": sessionID,
		"timestamp": nowMillis(),
	})
}

func (h *Hub) addIndexLocked(serverID string, sub *subscriber) {
	set, ok := h.byServer[serverID]
	if !ok {
		set = make(map[uint64]*subscriber)
		h.byServer[serverID] = set
	}
	set[sub.conn.ID()] = sub
}

func (h *Hub) dropIndexLocked(serverID string, connID uint64) {
	if set, ok := h.byServer[serverID]; ok {
		delete(set, connID)
		if len(set) == 0 {
			delete(h.byServer, serverID)
		}
	}
}
