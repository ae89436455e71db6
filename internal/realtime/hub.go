// Package realtime pushes recorder and backup events to UI clients over
// WebSocket and mirrors them to Redis pub/sub for shells in other processes.
package realtime

import (
	"context"
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"github.com/navcam/dashcam/internal/events"
)

const (
	// PingInterval and PongWait are used for heartbeat, in seconds.
	PingInterval = 30
	PongWait     = 60

	sendBuffer = 256
)

// EventPublisher mirrors events outside the process.
type EventPublisher interface {
	PublishEvent(ctx context.Context, ev events.Event) error
}

// Hub maintains the set of connected clients and broadcasts events to them.
type Hub struct {
	clients map[string]*Client
	mu      sync.RWMutex
	logger  *zap.Logger
	mirror  EventPublisher
}

// NewHub creates a hub. mirror may be nil.
func NewHub(logger *zap.Logger, mirror EventPublisher) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		clients: make(map[string]*Client),
		logger:  logger.With(zap.String("component", "realtime")),
		mirror:  mirror,
	}
}

// Run forwards every event from the bus to clients and the mirror until ctx
// is done.
func (h *Hub) Run(ctx context.Context, bus *events.Bus) {
	ch, cancel := bus.Subscribe(sendBuffer)
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			h.Broadcast(ev)
			if h.mirror != nil {
				if err := h.mirror.PublishEvent(ctx, ev); err != nil {
					h.logger.Debug("mirror event failed", zap.String("event", string(ev.Kind)), zap.Error(err))
				}
			}
		}
	}
}

// Register adds a client.
func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	h.clients[c.ID] = c
	n := len(h.clients)
	h.mu.Unlock()
	h.logger.Debug("client connected", zap.String("client_id", c.ID), zap.Int("clients", n))
}

// Unregister removes a client and closes its send channel.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	if _, ok := h.clients[c.ID]; ok {
		delete(h.clients, c.ID)
		close(c.send)
	}
	n := len(h.clients)
	h.mu.Unlock()
	h.logger.Debug("client disconnected", zap.String("client_id", c.ID), zap.Int("clients", n))
}

// Broadcast sends ev to every connected client. A client whose buffer is full
// misses it.
func (h *Hub) Broadcast(ev events.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		h.logger.Warn("marshal event failed", zap.Error(err))
		return
	}
	msg := WSMessage{Event: string(ev.Kind), Data: data}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.clients {
		select {
		case c.send <- msg:
		default:
			// buffer full, skip
		}
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, c := range h.clients {
		delete(h.clients, id)
		close(c.send)
	}
}
