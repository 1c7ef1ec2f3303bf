// Package hub fans registry deltas out to websocket subscribers.
//
// Each subscriber gets a buffered send channel. Delivery is best-effort: a
// subscriber that can't keep up is disconnected rather than allowed to
// block the others, and missed deltas are not replayed. A new subscriber
// receives one full-state snapshot before the delta stream begins.
package hub

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/steveyegge/lookout/internal/eventbus"
	"github.com/steveyegge/lookout/internal/state"
	"github.com/steveyegge/lookout/internal/store"
)

const (
	sendBuffer   = 256
	writeTimeout = 10 * time.Second
)

// Envelope is the wire format sent to subscribers.
type Envelope struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// Snapshot is the payload of the initial envelope.
type Snapshot struct {
	Agents     []*state.Agent    `json:"agents"`
	Activities []*state.Activity `json:"activities"`
	Projects   []*state.Project  `json:"projects"`
	Metrics    map[string]any    `json:"metrics"`
}

// SnapshotSource provides current registry state for the initial envelope.
type SnapshotSource interface {
	Agents() []*state.Agent
	Projects() []*state.Project
}

// connection is one subscriber.
type connection struct {
	id   string
	ws   *websocket.Conn
	send chan []byte
}

// Hub manages subscriber connections.
type Hub struct {
	registry SnapshotSource
	store    store.Store
	bus      *eventbus.Bus
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu          sync.Mutex
	connections map[string]*connection
}

// New creates a Hub drawing snapshots from registry and st, and deltas
// from bus.
func New(registry SnapshotSource, st store.Store, bus *eventbus.Bus) *Hub {
	return &Hub{
		registry:    registry,
		store:       st,
		bus:         bus,
		logger:      slog.Default().With("component", "hub"),
		upgrader:    websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		connections: make(map[string]*connection),
	}
}

// Run forwards bus events to all connections until ctx is canceled.
func (h *Hub) Run(ctx context.Context) {
	events, unsub := h.bus.Subscribe()
	defer unsub()

	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return
		case event, ok := <-events:
			if !ok {
				h.closeAll()
				return
			}
			h.broadcast(envelopeFor(event))
		}
	}
}

// envelopeFor maps a bus event to its wire envelope.
func envelopeFor(event eventbus.Event) Envelope {
	switch event.Type {
	case eventbus.EventAgentUpdate:
		return Envelope{Type: string(event.Type), Data: event.Agent}
	default:
		return Envelope{Type: string(event.Type), Data: event.Payload}
	}
}

// broadcast sends the envelope to every connection, dropping subscribers
// whose buffers are full.
func (h *Hub) broadcast(env Envelope) {
	data, err := json.Marshal(env)
	if err != nil {
		h.logger.Warn("dropping unencodable envelope", "type", env.Type, "error", err)
		return
	}

	h.mu.Lock()
	var full []*connection
	for _, conn := range h.connections {
		select {
		case conn.send <- data:
		default:
			full = append(full, conn)
		}
	}
	h.mu.Unlock()

	for _, conn := range full {
		h.logger.Info("disconnecting slow subscriber", "conn", conn.id)
		h.remove(conn)
	}
}

// ServeHTTP upgrades the request to a websocket subscription.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	conn := &connection{
		id:   uuid.New().String(),
		ws:   ws,
		send: make(chan []byte, sendBuffer),
	}

	// The snapshot is queued before the connection joins the broadcast
	// set, so the subscriber always sees initial first.
	snapshot, err := json.Marshal(Envelope{Type: "initial", Data: h.snapshot(r.Context())})
	if err != nil {
		h.logger.Warn("snapshot encoding failed", "error", err)
		ws.Close()
		return
	}
	conn.send <- snapshot

	h.mu.Lock()
	h.connections[conn.id] = conn
	h.mu.Unlock()
	h.logger.Info("subscriber connected", "conn", conn.id)

	go h.writePump(conn)
	h.readPump(conn)
}

// snapshot assembles the full-state payload. Store failures degrade to
// explicit empty defaults; the snapshot always renders.
func (h *Hub) snapshot(ctx context.Context) Snapshot {
	snap := Snapshot{
		Agents:     h.registry.Agents(),
		Activities: []*state.Activity{},
		Projects:   h.registry.Projects(),
		Metrics:    map[string]any{},
	}
	if snap.Agents == nil {
		snap.Agents = []*state.Agent{}
	}
	if snap.Projects == nil {
		snap.Projects = []*state.Project{}
	}

	if activities, err := h.store.RecentActivities(ctx, 50); err == nil && activities != nil {
		snap.Activities = activities
	} else if err != nil {
		h.logger.Warn("recent activities unavailable", "error", err)
	}

	if dist, err := h.store.ActivityDistribution(ctx); err == nil {
		snap.Metrics["activity_distribution"] = dist
	}
	if stats, err := h.store.AgentPerformanceStats(ctx); err == nil && stats != nil {
		snap.Metrics["agent_performance"] = stats
	}
	return snap
}

// writePump drains the connection's send channel onto the socket.
func (h *Hub) writePump(conn *connection) {
	for data := range conn.send {
		conn.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := conn.ws.WriteMessage(websocket.TextMessage, data); err != nil {
			h.remove(conn)
			return
		}
	}
	conn.ws.Close()
}

// readPump discards inbound frames and tears the connection down on close.
// Subscribers are read-only; there is no inbound protocol.
func (h *Hub) readPump(conn *connection) {
	for {
		if _, _, err := conn.ws.ReadMessage(); err != nil {
			h.remove(conn)
			return
		}
	}
}

// remove unregisters the connection and closes its send channel once.
func (h *Hub) remove(conn *connection) {
	h.mu.Lock()
	_, ok := h.connections[conn.id]
	if ok {
		delete(h.connections, conn.id)
		close(conn.send)
	}
	h.mu.Unlock()
	if ok {
		h.logger.Info("subscriber disconnected", "conn", conn.id)
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	conns := make([]*connection, 0, len(h.connections))
	for _, conn := range h.connections {
		conns = append(conns, conn)
	}
	h.connections = make(map[string]*connection)
	for _, conn := range conns {
		close(conn.send)
	}
	h.mu.Unlock()
}

// ConnectionCount returns the number of connected subscribers.
func (h *Hub) ConnectionCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.connections)
}
