package main

import (
	"sync"

	"github.com/gorilla/websocket"
)

const sendQueueDepth = 16

// connection pairs one websocket with a buffered outbound queue. The
// playerID/gameID binding fields are guarded by the registry lock, never
// touched directly.
type connection struct {
	id   string
	sock *websocket.Conn
	send chan any
	done chan struct{}
	stop sync.Once

	// guarded by registry.mu
	playerID string
	gameID   string
}

func newConnection(id string, sock *websocket.Conn) *connection {
	return &connection{
		id:   id,
		sock: sock,
		send: make(chan any, sendQueueDepth),
		done: make(chan struct{}),
	}
}

// enqueue attempts a non-blocking delivery to this connection's outbound
// queue. A full queue or a closed connection drops the message; slow
// clients must never stall a broadcast.
func (c *connection) enqueue(msg any) bool {
	select {
	case <-c.done:
		return false
	default:
	}

	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

// shutdown releases the connection exactly once: the write pump drains out
// through done, and closing the socket errors the read pump if it is still
// blocked.
func (c *connection) shutdown() {
	c.stop.Do(func() {
		close(c.done)
		if c.sock != nil {
			_ = c.sock.Close()
		}
	})
}

// readPump decodes inbound commands and hands them to the coordinator.
// When the transport closes for any reason, the connection is torn down
// and the coordinator runs its disconnect cleanup exactly once.
func (c *connection) readPump(co *coordinator) {
	defer func() {
		c.shutdown()
		co.disconnect(c.id)
	}()

	for {
		var msg clientMessage
		if err := c.sock.ReadJSON(&msg); err != nil {
			return
		}

		co.handle(c.id, msg)
	}
}

func (c *connection) writePump() {
	defer c.shutdown()

	for {
		select {
		case <-c.done:
			return
		case msg := <-c.send:
			if err := c.sock.WriteJSON(msg); err != nil {
				return
			}
		}
	}
}
