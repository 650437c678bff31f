package ws

import (
	"sync"

	"github.com/gorilla/websocket"
)

// client wraps one attached websocket connection with a buffered send
// queue drained by a dedicated write goroutine, so fan-out never blocks
// on a slow socket. It implements session.Conn.
type client struct {
	conn *websocket.Conn

	mu     sync.Mutex
	closed bool
	send   chan []byte
}

func newClient(conn *websocket.Conn) *client {
	c := &client{
		conn: conn,
		send: make(chan []byte, 64),
	}
	go c.writePump()
	return c
}

func (c *client) writePump() {
	defer c.conn.Close()
	for msg := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			c.mu.Lock()
			c.closed = true
			c.mu.Unlock()
			return
		}
	}
}

// Send queues a payload without blocking. It reports false when the
// client is closed or its buffer is full; callers treat that as a write
// failure and drop the connection.
func (c *client) Send(payload []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- payload:
		return true
	default:
		return false
	}
}

// Close shuts the send queue; the write pump drains anything already
// queued and then closes the socket. Safe to call more than once.
func (c *client) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()
	close(c.send)
}
