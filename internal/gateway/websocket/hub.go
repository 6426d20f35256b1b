// Package websocket is the command gateway: every protocol command
// arrives over a WebSocket connection and is dispatched from here, and
// subscribed event streams flow back over the same connection.
package websocket

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/ensemble-ai/ensemble/internal/common/logger"
	"github.com/ensemble-ai/ensemble/internal/events/bus"
	"github.com/ensemble-ai/ensemble/pkg/protocol"
)

// Hub manages all WebSocket client connections.
type Hub struct {
	clients map[*Client]bool

	register   chan *Client
	unregister chan *Client

	dispatcher *protocol.Dispatcher
	bus        bus.EventBus

	mu     sync.RWMutex
	logger *logger.Logger
}

// NewHub creates a new WebSocket hub. The bus may be nil, in which case
// subscribe commands are rejected.
func NewHub(dispatcher *protocol.Dispatcher, eventBus bus.EventBus, log *logger.Logger) *Hub {
	if log == nil {
		log = logger.Default()
	}
	return &Hub{
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		dispatcher: dispatcher,
		bus:        eventBus,
		logger:     log.WithFields(zap.String("component", "ws_hub")),
	}
}

// Run starts the hub's main processing loop.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("WebSocket hub started")
	defer h.logger.Info("WebSocket hub stopped")

	for {
		select {
		case <-ctx.Done():
			h.closeAllClients()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			h.logger.Debug("Client registered", zap.String("client_id", client.ID))

		case client := <-h.unregister:
			h.removeClient(client)
		}
	}
}

// closeAllClients closes all client connections.
func (h *Hub) closeAllClients() {
	h.mu.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
		delete(h.clients, client)
	}
	h.mu.Unlock()

	for _, client := range clients {
		client.closeSubscriptions()
		close(client.send)
	}
}

// removeClient removes a client from the hub.
func (h *Hub) removeClient(client *Client) {
	h.mu.Lock()
	_, ok := h.clients[client]
	if ok {
		delete(h.clients, client)
	}
	h.mu.Unlock()

	if ok {
		client.closeSubscriptions()
		close(client.send)
	}
	h.logger.Debug("Client unregistered", zap.String("client_id", client.ID))
}

// Register adds a client to the hub.
func (h *Hub) Register(client *Client) {
	h.register <- client
}

// Unregister removes a client from the hub.
func (h *Hub) Unregister(client *Client) {
	h.unregister <- client
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Dispatcher returns the command dispatcher.
func (h *Hub) Dispatcher() *protocol.Dispatcher {
	return h.dispatcher
}
