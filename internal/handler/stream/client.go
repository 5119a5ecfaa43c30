package stream

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

var (
	errClientClosed   = errors.New("client connection closed")
	errSendBufferFull = errors.New("client send buffer full")
)

type client struct {
	id   string
	conn *websocket.Conn

	// direct writes, legacy mode
	writeMu sync.Mutex
	// queued writes, gateway mode
	send chan []byte

	closeOnce sync.Once
	done      chan struct{}
}

func newClient(id string, conn *websocket.Conn, buffer int) *client {
	c := &client{
		id:   id,
		conn: conn,
		done: make(chan struct{}),
	}
	if buffer > 0 {
		c.send = make(chan []byte, buffer)
	}
	return c
}

func (c *client) closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *client) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

func (c *client) writeDirect(message []byte, timeout time.Duration) error {
	if c.closed() {
		return errClientClosed
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.conn.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, message)
}

// enqueue never blocks; a client that cannot keep up is dropped.
func (c *client) enqueue(message []byte) error {
	if c.closed() {
		return errClientClosed
	}

	select {
	case c.send <- message:
		return nil
	case <-c.done:
		return errClientClosed
	default:
		c.close()
		return errSendBufferFull
	}
}

func (c *client) writePump(timeout time.Duration) {
	for {
		select {
		case <-c.done:
			return
		case message := <-c.send:
			if err := c.writeDirect(message, timeout); err != nil {
				c.close()
				return
			}
		}
	}
}

func (c *client) pingLoop(interval, timeout time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(timeout)); err != nil {
				c.close()
				return
			}
		}
	}
}
