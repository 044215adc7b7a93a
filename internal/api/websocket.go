package api

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/alexbotov/spworlds/internal/domain"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// WSMessage represents a WebSocket message
type WSMessage struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// WSClient is one connected operator
type WSClient struct {
	conn     *websocket.Conn
	send     chan []byte
	operator string
}

// Hub fans accepted webhook deliveries out to every connected operator
type Hub struct {
	mu      sync.RWMutex
	clients map[*WSClient]struct{}
	logger  *zap.Logger
}

// NewHub creates an empty hub
func NewHub(logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		clients: make(map[*WSClient]struct{}),
		logger:  logger,
	}
}

// Publish broadcasts a delivery. Slow clients miss messages rather than
// blocking the webhook receiver.
func (h *Hub) Publish(event *domain.WebhookEvent) {
	msg, err := encodeMessage("webhook", event)
	if err != nil {
		h.logger.Error("Failed to encode webhook event", zap.Error(err))
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		select {
		case c.send <- msg:
		default:
			h.logger.Warn("Dropping event for slow websocket client", zap.String("operator", c.operator))
		}
	}
}

// ClientCount returns the number of connected clients
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) register(c *WSClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c] = struct{}{}
}

// unregister closes the send channel, which stops the client's writePump
func (h *Hub) unregister(c *WSClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
}

func encodeMessage(msgType string, payload interface{}) ([]byte, error) {
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(WSMessage{Type: msgType, Payload: payloadBytes})
}

// HandleEvents handles GET /api/v1/ws/events
func (h *Handler) HandleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("WebSocket upgrade failed", zap.Error(err))
		return
	}

	client := &WSClient{
		conn:     conn,
		send:     make(chan []byte, 256),
		operator: operatorFromContext(r.Context()),
	}
	h.sendMessage(client, "connected", map[string]string{
		"operator": client.operator,
		"message":  "Subscribed to SPWorlds webhook events",
	})
	h.hub.register(client)

	go client.writePump()
	go h.readPump(client)
}

// writePump pumps messages from the send channel to the WebSocket connection
func (c *WSClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump only answers pings; clients never push events
func (h *Handler) readPump(c *WSClient) {
	defer func() {
		h.hub.unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(4096)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.logger.Warn("WebSocket error", zap.Error(err))
			}
			return
		}

		var msg WSMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			h.sendError(c, "INVALID_MESSAGE", "Invalid message format")
			continue
		}

		switch msg.Type {
		case "ping":
			h.sendMessage(c, "pong", map[string]int64{"timestamp": time.Now().Unix()})
		default:
			h.sendError(c, "UNKNOWN_MESSAGE", "Unknown message type: "+msg.Type)
		}
	}
}

// sendMessage queues a message for one client
func (h *Handler) sendMessage(c *WSClient, msgType string, payload interface{}) {
	msg, err := encodeMessage(msgType, payload)
	if err != nil {
		return
	}
	select {
	case c.send <- msg:
	default:
	}
}

func (h *Handler) sendError(c *WSClient, code, message string) {
	h.sendMessage(c, "error", map[string]string{
		"code":    code,
		"message": message,
	})
}
