package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"stockwatch/internal/config"
	"stockwatch/internal/logging"
	"stockwatch/internal/models"
	"stockwatch/internal/providers"
)

const (
	// maxConnections caps concurrent live-feed clients.
	maxConnections = 100
	writeTimeout   = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	sendBufSize    = 16
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// The feed is read-only; origin checks belong to the reverse proxy.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// FeedEvent is the JSON envelope pushed to live-feed clients.
type FeedEvent struct {
	Event string              `json:"event"`
	Alert models.AlertMessage `json:"alert"`
}

// Hub is the operator live feed. It keeps the connected websocket clients
// and is itself a delivery channel of type "websocket", so alerts reach
// the feed through the same dispatcher as every other channel.
type Hub struct {
	id     string
	logger *logging.Logger

	mu      sync.RWMutex
	clients map[*client]struct{}
}

type client struct {
	conn *websocket.Conn
	send chan []byte
}

func NewHub(logger *logging.Logger) *Hub {
	return &Hub{id: "websocket", logger: logger, clients: make(map[*client]struct{})}
}

// Factory registers the hub with providers.Builder under the configured ID.
func (h *Hub) Factory(cfg config.Channel, _ providers.Deps) (providers.Channel, error) {
	if cfg.ID != "" {
		h.id = cfg.ID
	}
	return h, nil
}

func (h *Hub) ID() string      { return h.id }
func (h *Hub) Type() string    { return "websocket" }
func (h *Hub) Validate() error { return nil }

// Send queues msg for every connected client. Clients whose buffer is full
// are disconnected. Having no clients is not an error.
func (h *Hub) Send(ctx context.Context, msg models.AlertMessage) (models.Ack, error) {
	if err := ctx.Err(); err != nil {
		return models.Ack{}, err
	}
	data, err := json.Marshal(FeedEvent{Event: "alert", Alert: msg})
	if err != nil {
		return models.Ack{}, fmt.Errorf("marshal feed event: %w", err)
	}

	// Sends happen under the read lock so unregister cannot close a buffer
	// mid-send.
	var slow []*client
	delivered := 0
	h.mu.RLock()
	for c := range h.clients {
		select {
		case c.send <- data:
			delivered++
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range slow {
		h.logger.Warnf("Live feed client too slow, disconnecting")
		h.unregister(c)
	}
	return models.Ack{ChannelID: h.id, Reference: strconv.Itoa(delivered) + " clients"}, nil
}

// Count returns the number of connected clients.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		close(c.send)
		delete(h.clients, c)
	}
}

// ServeWS upgrades the request and serves the client until it disconnects.
func (h *Hub) ServeWS(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warnf("WebSocket upgrade failed: %v", err)
		return
	}

	cl := &client{conn: conn, send: make(chan []byte, sendBufSize)}
	if !h.register(cl) {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "too many clients"),
			time.Now().Add(writeTimeout))
		conn.Close()
		return
	}
	defer h.unregister(cl)

	go cl.writePump()
	cl.readPump()
}

func (h *Hub) register(c *client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.clients) >= maxConnections {
		h.logger.Warnf("Max live feed connections reached (%d)", maxConnections)
		return false
	}
	h.clients[c] = struct{}{}
	h.logger.Infof("Added live feed connection (total: %d)", len(h.clients))
	return true
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
		h.logger.Infof("Removed live feed connection (remaining: %d)", len(h.clients))
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump handles control frames and detects disconnects.
func (c *client) readPump() {
	defer c.conn.Close()
	c.conn.SetReadLimit(512)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
