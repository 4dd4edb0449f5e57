package api

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"pairs-analytics/internal/model"
)

const (
	sendBuffer   = 256
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingInterval = 30 * time.Second
	readLimit    = 4096
)

var upgrader = websocket.Upgrader{
	CheckOrigin:       func(r *http.Request) bool { return true },
	EnableCompression: true,
}

// TickSource returns the newest tick per instrument.
type TickSource func(ctx context.Context) map[string]model.Tick

// Hub fans the latest prices out to WebSocket clients.
type Hub struct {
	source TickSource

	mu      sync.RWMutex
	clients map[*Client]bool

	// OnClients observes the connected client count after every change.
	OnClients func(n int)
}

// Client is a single WebSocket peer.
type Client struct {
	conn *websocket.Conn
	send chan []byte
	hub  *Hub
}

type tickView struct {
	Price     float64 `json:"price"`
	Size      float64 `json:"size"`
	Timestamp string  `json:"timestamp"`
}

type updateMsg struct {
	Type string              `json:"type"`
	TS   string              `json:"ts"`
	Data map[string]tickView `json:"data"`
}

func NewHub(source TickSource) *Hub {
	return &Hub{source: source, clients: make(map[*Client]bool)}
}

// ServeWS upgrades the request and registers the client.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[api] ws upgrade error: %v", err)
		return
	}
	c := &Client{conn: conn, send: make(chan []byte, sendBuffer), hub: h}

	h.mu.Lock()
	h.clients[c] = true
	n := len(h.clients)
	h.mu.Unlock()
	h.observe(n)
	log.Printf("[api] ws client connected (%d total)", n)

	go c.writePump()
	go c.readPump()
}

func (h *Hub) removeClient(c *Client) {
	h.mu.Lock()
	if !h.clients[c] {
		h.mu.Unlock()
		return
	}
	delete(h.clients, c)
	n := len(h.clients)
	h.mu.Unlock()
	close(c.send)
	h.observe(n)
}

func (h *Hub) observe(n int) {
	if h.OnClients != nil {
		h.OnClients(n)
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Run broadcasts an update every interval until ctx is cancelled, then
// closes every client connection.
func (h *Hub) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return
		case <-ticker.C:
			if h.ClientCount() == 0 {
				continue
			}
			h.Broadcast(ctx)
		}
	}
}

// Broadcast sends one update built from the tick source. Instruments with
// no data are omitted; nothing is sent when no instrument has data.
func (h *Hub) Broadcast(ctx context.Context) {
	latest := h.source(ctx)
	if len(latest) == 0 {
		return
	}
	msg := updateMsg{
		Type: "update",
		TS:   time.Now().UTC().Format(time.RFC3339Nano),
		Data: make(map[string]tickView, len(latest)),
	}
	for inst, t := range latest {
		msg.Data[inst] = tickView{
			Price:     t.Price,
			Size:      t.Size,
			Timestamp: t.Timestamp.UTC().Format(time.RFC3339Nano),
		}
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		log.Printf("[api] ws marshal: %v", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		select {
		case c.send <- payload:
		default:
			// slow consumer, drop this update
		}
	}
}

func (h *Hub) closeAll() {
	h.mu.RLock()
	conns := make([]*websocket.Conn, 0, len(h.clients))
	for c := range h.clients {
		conns = append(conns, c.conn)
	}
	h.mu.RUnlock()
	for _, conn := range conns {
		conn.Close()
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
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

// readPump only services control frames; client payloads are ignored.
func (c *Client) readPump() {
	defer func() {
		c.hub.removeClient(c)
		c.conn.Close()
		log.Println("[api] ws client disconnected")
	}()

	c.conn.SetReadLimit(readLimit)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
