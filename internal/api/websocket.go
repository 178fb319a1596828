package api

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait  = 5 * time.Second
	sendBuffer = 256
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// WSMessage is the envelope for all websocket traffic.
type WSMessage struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Hub broadcasts messages to every connected websocket client.
type Hub struct {
	mu        sync.Mutex
	clients   map[*wsClient]bool
	broadcast chan WSMessage
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{
		clients:   make(map[*wsClient]bool),
		broadcast: make(chan WSMessage, sendBuffer),
	}
}

// Run fans broadcast messages out to clients.
func (h *Hub) Run() {
	for msg := range h.broadcast {
		h.mu.Lock()
		for c := range h.clients {
			c.send(msg)
		}
		h.mu.Unlock()
	}
}

// Broadcast queues a message for all clients without blocking the
// caller.
func (h *Hub) Broadcast(msg WSMessage) {
	select {
	case h.broadcast <- msg:
	default:
		log.Println("Websocket broadcast queue full, dropping message")
	}
}

// HandleWS upgrades the connection and registers the client.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("Websocket upgrade failed: %v", err)
		return
	}
	c := &wsClient{
		hub:    h,
		conn:   conn,
		sendCh: make(chan WSMessage, sendBuffer),
	}
	h.mu.Lock()
	h.clients[c] = true
	h.mu.Unlock()
	go c.writeLoop()
	go c.readLoop()
}

type wsClient struct {
	hub    *Hub
	conn   *websocket.Conn
	sendCh chan WSMessage
}

// send queues a message for async delivery, dropping when the client
// cannot keep up.
func (c *wsClient) send(msg WSMessage) {
	select {
	case c.sendCh <- msg:
	default:
	}
}

func (c *wsClient) writeLoop() {
	defer c.conn.Close()
	for msg := range c.sendCh {
		c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteJSON(msg); err != nil {
			return
		}
	}
}

// readLoop discards client messages and detaches on disconnect.
func (c *wsClient) readLoop() {
	defer func() {
		c.hub.mu.Lock()
		delete(c.hub.clients, c)
		c.hub.mu.Unlock()
		close(c.sendCh)
		c.conn.Close()
	}()
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
