// Package socket delivers notifications over realtime websocket
// connections and feeds the presence tracker from connect/disconnect and
// client view events.
package socket

import (
	"errors"
	"sync"

	"github.com/gorilla/websocket"
)

var (
	errConnClosed = errors.New("socket: connection closed")
	errQueueFull  = errors.New("socket: outbound queue full")
)

// Conn is one user's live websocket connection with a bounded outbound
// queue for backpressure.
type Conn struct {
	UserID string
	WS     *websocket.Conn

	mu     sync.Mutex
	closed bool
	out    chan []byte
}

func newConn(userID string, ws *websocket.Conn) *Conn {
	return &Conn{UserID: userID, WS: ws, out: make(chan []byte, outboundQueue)}
}

// enqueue hands a frame to the write loop. The closed check and the
// channel send share one lock so a teardown racing a sender can never
// become a send on a closed channel.
func (c *Conn) enqueue(b []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errConnClosed
	}
	select {
	case c.out <- b:
		return nil
	default:
		return errQueueFull
	}
}

// Close stops accepting frames and wakes the write loop. Idempotent.
func (c *Conn) Close() {
	c.mu.Lock()
	if !c.closed {
		c.closed = true
		close(c.out)
	}
	c.mu.Unlock()
}

// Hub indexes live connections by user ID. One connection per user; a
// reconnect replaces the previous entry.
type Hub struct {
	mu    sync.RWMutex
	conns map[string]*Conn
}

func NewHub() *Hub {
	return &Hub{conns: make(map[string]*Conn)}
}

func (h *Hub) Set(userID string, c *Conn) (prev *Conn) {
	h.mu.Lock()
	prev = h.conns[userID]
	h.conns[userID] = c
	h.mu.Unlock()
	return prev
}

func (h *Hub) Get(userID string) (*Conn, bool) {
	h.mu.RLock()
	c, ok := h.conns[userID]
	h.mu.RUnlock()
	return c, ok
}

// Del removes the entry only if it still points at c, so a reconnect that
// already replaced the slot is not clobbered by the old reader's cleanup.
func (h *Hub) Del(userID string, c *Conn) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	cur, ok := h.conns[userID]
	if !ok || cur != c {
		return false
	}
	delete(h.conns, userID)
	return true
}

func (h *Hub) Len() int {
	h.mu.RLock()
	n := len(h.conns)
	h.mu.RUnlock()
	return n
}
