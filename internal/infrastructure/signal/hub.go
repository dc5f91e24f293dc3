package signal

import (
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"meetwire/internal/core/domain"
	"meetwire/internal/core/ports"
)

// Hub routes outbound frames to live connections. Every connection has one
// bounded FIFO queue drained by its writer, so frames reach a client in the
// order they were queued. Queuing never blocks: a client whose queue is full
// is disconnected.
type Hub struct {
	mu      sync.RWMutex
	clients map[domain.ConnectionID]*client

	logger *zap.SugaredLogger
}

var _ ports.Notifier = (*Hub)(nil)

func NewHub(logger *zap.SugaredLogger) *Hub {
	return &Hub{
		clients: make(map[domain.ConnectionID]*client),
		logger:  logger,
	}
}

func (h *Hub) add(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c.id] = c
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.clients[c.id] == c {
		delete(h.clients, c.id)
	}
}

func (h *Hub) get(id domain.ConnectionID) (*client, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.clients[id]
	return c, ok
}

// Len returns the number of registered connections.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) encode(event domain.Event) ([]byte, bool) {
	data, err := json.Marshal(Notification{Type: event.Type, Payload: event.Payload})
	if err != nil {
		h.logger.Errorw("failed to encode event", "type", event.Type, "error", err)
		return nil, false
	}
	return data, true
}

// Notify queues event for one connection. Unknown connections are ignored.
func (h *Hub) Notify(connID domain.ConnectionID, event domain.Event) {
	c, ok := h.get(connID)
	if !ok {
		return
	}
	if data, ok := h.encode(event); ok {
		c.enqueue(data)
	}
}

// Broadcast queues event for every connection.
func (h *Hub) Broadcast(event domain.Event) {
	data, ok := h.encode(event)
	if !ok {
		return
	}

	h.mu.RLock()
	targets := make([]*client, 0, len(h.clients))
	for _, c := range h.clients {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	for _, c := range targets {
		c.enqueue(data)
	}
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.RLock()
	targets := make([]*client, 0, len(h.clients))
	for _, c := range h.clients {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	for _, c := range targets {
		c.kill("server shutting down")
	}
}
