// Package feed fans committed-trade updates out to WebSocket subscribers.
package feed

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/marketfold/prediction-engine/internal/metrics"
	"github.com/marketfold/prediction-engine/internal/model"
)

// client is one subscribed WebSocket connection.
type client struct {
	id   string
	conn *websocket.Conn
}

// Hub manages WebSocket connections and broadcasts the update payload of
// every committed trade to all connected clients. It satisfies the engine's
// Broadcaster interface: PublishUpdate never blocks, so trade commits are
// never stalled by slow subscribers. Delivery is best-effort — messages may
// be dropped under backpressure but are never reordered.
type Hub struct {
	clients    map[*client]bool
	broadcast  chan []byte
	register   chan *client
	unregister chan *client
	mu         sync.RWMutex
}

// NewHub creates a new WebSocket hub.
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*client]bool),
		broadcast:  make(chan []byte, 256),
		register:   make(chan *client),
		unregister: make(chan *client),
	}
}

// Run starts the hub's main event loop. Must be called in a goroutine.
func (h *Hub) Run() {
	for {
		select {
		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			total := len(h.clients)
			h.mu.Unlock()
			metrics.WebSocketClients.Set(float64(total))
			slog.Info("ws client connected", "client", c.id, "total", total)

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				c.conn.Close()
			}
			total := len(h.clients)
			h.mu.Unlock()
			metrics.WebSocketClients.Set(float64(total))

		case msg := <-h.broadcast:
			var failed []*client
			h.mu.RLock()
			for c := range h.clients {
				if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
					failed = append(failed, c)
				}
			}
			h.mu.RUnlock()
			if len(failed) > 0 {
				h.mu.Lock()
				for _, c := range failed {
					if _, ok := h.clients[c]; ok {
						delete(h.clients, c)
						c.conn.Close()
					}
				}
				metrics.WebSocketClients.Set(float64(len(h.clients)))
				h.mu.Unlock()
			}
		}
	}
}

// PublishUpdate queues a committed-trade update for broadcast. The channel
// send is non-blocking: the caller holds the market's commit lock, and a
// full buffer drops the message rather than stalling trade execution.
func (h *Hub) PublishUpdate(update model.MarketUpdate) {
	data, err := json.Marshal(update)
	if err != nil {
		slog.Error("ws marshal failed", "market", update.MarketID, "err", err)
		return
	}
	select {
	case h.broadcast <- data:
	default:
		metrics.FeedDrops.Inc()
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		return true // Allow all origins during development.
	},
}

// HandleWS handles WebSocket upgrade requests at GET /api/v1/ws.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("ws upgrade failed", "err", err)
		return
	}

	c := &client{id: uuid.New().String(), conn: conn}
	h.register <- c

	// Read pump: keep connection alive and detect disconnects.
	go func() {
		defer func() { h.unregister <- c }()
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		conn.SetPongHandler(func(string) error {
			conn.SetReadDeadline(time.Now().Add(60 * time.Second))
			return nil
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()

	// Ping ticker to keep connection alive through proxies.
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for range ticker.C {
			h.mu.RLock()
			_, ok := h.clients[c]
			h.mu.RUnlock()
			if !ok {
				return
			}
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}()
}
