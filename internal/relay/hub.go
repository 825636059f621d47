package relay

import (
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tokenbridge/tokenbridge/internal/protocol"
)

// ErrTooManyConnections is returned by AddClient when the hub is full.
var ErrTooManyConnections = errors.New("too many connections")

const (
	sendBuffer   = 64
	writeTimeout = 10 * time.Second
)

type client struct {
	conn *websocket.Conn
	hub  *Hub
	send chan []byte
	addr string
}

func (c *client) writePump() {
	defer c.conn.Close()
	for msg := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			c.hub.logger.Debug("ws write failed", "client", c.addr, "error", err)
			c.hub.RemoveClient(c)
			return
		}
	}
}

// Hub tracks connected bridges and fans frames out to them.
type Hub struct {
	mu       sync.RWMutex
	clients  map[*client]bool
	maxConns int
	logger   *slog.Logger

	ticker *time.Ticker
	stop   chan struct{}
	once   sync.Once
}

// NewHub creates a hub. A maxConns of zero means unlimited; a positive
// pingInterval sends every client a ping frame on that period.
func NewHub(logger *slog.Logger, maxConns int, pingInterval time.Duration) *Hub {
	h := &Hub{
		clients:  make(map[*client]bool),
		maxConns: maxConns,
		logger:   logger,
		stop:     make(chan struct{}),
	}
	if pingInterval > 0 {
		h.ticker = time.NewTicker(pingInterval)
		go h.pingLoop()
	}
	return h
}

func (h *Hub) AddClient(conn *websocket.Conn) (*client, error) {
	h.mu.Lock()
	if h.maxConns > 0 && len(h.clients) >= h.maxConns {
		h.mu.Unlock()
		return nil, ErrTooManyConnections
	}
	c := &client{
		conn: conn,
		hub:  h,
		send: make(chan []byte, sendBuffer),
		addr: conn.RemoteAddr().String(),
	}
	h.clients[c] = true
	h.mu.Unlock()

	go c.writePump()
	return c, nil
}

func (h *Hub) RemoveClient(c *client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
}

// Send queues f for one client. A client whose buffer is full is dropped.
func (h *Hub) Send(c *client, f protocol.Frame) {
	data, err := json.Marshal(f)
	if err != nil {
		h.logger.Error("marshal frame", "type", f.FrameType(), "error", err)
		return
	}
	h.enqueue(c, data)
}

// Broadcast queues f for every client.
func (h *Hub) Broadcast(f protocol.Frame) {
	data, err := json.Marshal(f)
	if err != nil {
		h.logger.Error("marshal frame", "type", f.FrameType(), "error", err)
		return
	}

	h.mu.RLock()
	clients := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		h.enqueue(c, data)
	}
}

// enqueue holds the read lock across the send so RemoveClient cannot close
// the channel underneath it.
func (h *Hub) enqueue(c *client, data []byte) {
	h.mu.RLock()
	if !h.clients[c] {
		h.mu.RUnlock()
		return
	}
	select {
	case c.send <- data:
		h.mu.RUnlock()
		return
	default:
	}
	h.mu.RUnlock()

	h.logger.Warn("ws client too slow, disconnecting", "client", c.addr)
	h.RemoveClient(c)
}

func (h *Hub) pingLoop() {
	for {
		select {
		case <-h.stop:
			return
		case t := <-h.ticker.C:
			h.Broadcast(protocol.NewPing(t))
		}
	}
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Stop ends the ping loop and disconnects every client.
func (h *Hub) Stop() {
	h.once.Do(func() {
		close(h.stop)
		if h.ticker != nil {
			h.ticker.Stop()
		}
		h.mu.Lock()
		for c := range h.clients {
			delete(h.clients, c)
			close(c.send)
		}
		h.mu.Unlock()
	})
}
