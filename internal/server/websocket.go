package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/opencontrolgate/opencontrolgate/internal/bus"
)

// newUpgrader creates a WebSocket upgrader. When allowAllOrigins is false,
// only same-origin requests are accepted (Origin header must match Host).
func newUpgrader(allowAllOrigins bool) websocket.Upgrader {
	return websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			if allowAllOrigins {
				return true
			}
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true // non-browser clients don't send Origin
			}
			return strings.Contains(origin, r.Host)
		},
	}
}

// WebSocketHub fans governance events out to WebSocket clients. It holds
// its own bus subscription; a slow client loses events at the bus boundary
// rather than slowing the rest.
type WebSocketHub struct {
	mu       sync.RWMutex
	clients  map[*websocket.Conn]bool
	upgrader websocket.Upgrader
	bus      *bus.Bus
	logger   *slog.Logger

	startOnce sync.Once
	done      chan struct{}
}

// NewWebSocketHub creates a hub over the event bus.
func NewWebSocketHub(b *bus.Bus, logger *slog.Logger, allowAllOrigins bool) *WebSocketHub {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebSocketHub{
		clients:  make(map[*websocket.Conn]bool),
		upgrader: newUpgrader(allowAllOrigins),
		bus:      b,
		logger:   logger.With("component", "server.wsHub"),
		done:     make(chan struct{}),
	}
}

// run pumps bus events to every connected client until the hub closes.
func (h *WebSocketHub) run() {
	events, err := h.bus.Subscribe()
	if err != nil {
		h.logger.Error("websocket hub could not subscribe to bus", "error", err)
		return
	}
	defer h.bus.Unsubscribe(events)

	for {
		select {
		case <-h.done:
			return
		case ev, open := <-events:
			if !open {
				return
			}
			h.broadcast(ev)
		}
	}
}

// Close shuts down the hub and all connections.
func (h *WebSocketHub) Close() {
	select {
	case <-h.done:
		return
	default:
		close(h.done)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.clients {
		_ = conn.Close()
		delete(h.clients, conn)
	}
}

// HandleWebSocket upgrades an HTTP connection and registers the client.
func (h *WebSocketHub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	h.startOnce.Do(func() { go h.run() })

	h.mu.Lock()
	h.clients[conn] = true
	h.mu.Unlock()

	h.logger.Debug("websocket client connected", "remote", conn.RemoteAddr())

	// Read pump: keeps the connection alive and detects disconnects.
	go func() {
		defer func() {
			h.mu.Lock()
			delete(h.clients, conn)
			h.mu.Unlock()
			_ = conn.Close()
			h.logger.Debug("websocket client disconnected", "remote", conn.RemoteAddr())
		}()

		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()
}

// broadcast writes one event to all connected clients. Dead connections
// are collected under the read lock and cleaned up under the write lock.
func (h *WebSocketHub) broadcast(ev bus.Event) {
	msg, err := json.Marshal(ev)
	if err != nil {
		h.logger.Error("failed to marshal websocket message", "error", err)
		return
	}

	h.mu.RLock()
	var dead []*websocket.Conn
	for conn := range h.clients {
		if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			dead = append(dead, conn)
		}
	}
	h.mu.RUnlock()

	if len(dead) > 0 {
		h.mu.Lock()
		for _, c := range dead {
			delete(h.clients, c)
			_ = c.Close()
		}
		h.mu.Unlock()
	}
}

// ClientCount returns the number of connected clients.
func (h *WebSocketHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
