package main

import (
	"context"
	"sync"
)

// Logger interface for logging
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Debug(msg string, keysAndValues ...interface{})
}

// Hub tracks websocket clients by canvas and broadcasts canvas events
type Hub struct {
	// canvas id -> clients watching it
	connections map[string]map[*Client]struct{}
	mutex       sync.RWMutex

	register   chan *Client
	unregister chan *Client
	broadcast  chan *Message

	logger Logger
}

// Message is one event for every watcher of a canvas
type Message struct {
	CanvasID string
	Data     []byte
}

// NewHub creates a new Hub instance
func NewHub(logger Logger) *Hub {
	return &Hub{
		connections: make(map[string]map[*Client]struct{}),
		register:    make(chan *Client),
		unregister:  make(chan *Client),
		broadcast:   make(chan *Message, 256),
		logger:      logger,
	}
}

// Run is the hub's main loop. It returns when ctx is done, closing every
// client.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("hub started")

	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			h.logger.Info("hub stopped")
			return

		case client := <-h.register:
			h.registerClient(client)

		case client := <-h.unregister:
			h.unregisterClient(client)

		case message := <-h.broadcast:
			h.broadcastToCanvas(message)
		}
	}
}

// Publish queues a message for broadcast
func (h *Hub) Publish(ctx context.Context, message *Message) {
	select {
	case h.broadcast <- message:
	case <-ctx.Done():
	}
}

func (h *Hub) registerClient(client *Client) {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	if h.connections[client.canvasID] == nil {
		h.connections[client.canvasID] = make(map[*Client]struct{})
	}
	h.connections[client.canvasID][client] = struct{}{}
	h.logger.Debug("client registered", "canvas_id", client.canvasID, "watchers", len(h.connections[client.canvasID]))
}

func (h *Hub) unregisterClient(client *Client) {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	if h.dropLocked(client) {
		h.logger.Debug("client unregistered", "canvas_id", client.canvasID, "watchers", len(h.connections[client.canvasID]))
	}
}

// dropLocked removes client and closes its send channel once. Caller holds
// h.mutex.
func (h *Hub) dropLocked(client *Client) bool {
	clients := h.connections[client.canvasID]
	if _, ok := clients[client]; !ok {
		return false
	}
	delete(clients, client)
	close(client.send)
	if len(clients) == 0 {
		delete(h.connections, client.canvasID)
	}
	return true
}

func (h *Hub) broadcastToCanvas(message *Message) {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	for client := range h.connections[message.CanvasID] {
		select {
		case client.send <- message.Data:
		default:
			h.logger.Warn("client send buffer full, dropping connection", "canvas_id", client.canvasID, "user_id", client.userID)
			h.dropLocked(client)
		}
	}
}

func (h *Hub) closeAll() {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	for _, clients := range h.connections {
		for client := range clients {
			h.dropLocked(client)
		}
	}
}

// ConnectionCount returns the number of open connections
func (h *Hub) ConnectionCount() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	count := 0
	for _, clients := range h.connections {
		count += len(clients)
	}
	return count
}

// CanvasCount returns the number of canvases with at least one watcher
func (h *Hub) CanvasCount() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	return len(h.connections)
}
