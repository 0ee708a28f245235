package session

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Channel is the duplex link to one node. WriteFrame may be called from
// several goroutines; ReadFrame only from the session's own goroutine.
type Channel interface {
	ReadFrame() ([]byte, error)
	WriteFrame(b []byte) error
	RemoteAddr() string
	Close() error
}

// MaxFrameSize bounds one inbound frame. A larger frame fails the read
// and closes the connection.
const MaxFrameSize = 1 << 20

// ErrChannelClosed is returned by writes after Close.
var ErrChannelClosed = errors.New("channel closed")

type wsChannel struct {
	conn         *websocket.Conn
	writeTimeout time.Duration

	mu     sync.Mutex // serializes writers, gorilla allows one at a time
	closed bool
}

// NewWebsocketChannel adapts an upgraded websocket connection.
func NewWebsocketChannel(conn *websocket.Conn, writeTimeout time.Duration) Channel {
	conn.SetReadLimit(MaxFrameSize)
	return &wsChannel{conn: conn, writeTimeout: writeTimeout}
}

func (c *wsChannel) ReadFrame() ([]byte, error) {
	for {
		mt, data, err := c.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		if mt == websocket.TextMessage || mt == websocket.BinaryMessage {
			return data, nil
		}
	}
}

func (c *wsChannel) WriteFrame(b []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrChannelClosed
	}
	if c.writeTimeout > 0 {
		_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	return c.conn.WriteMessage(websocket.TextMessage, b)
}

func (c *wsChannel) RemoteAddr() string {
	return c.conn.RemoteAddr().String()
}

func (c *wsChannel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	if c.writeTimeout > 0 {
		_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	_ = c.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseGoingAway, "coordinator shutting down"))
	c.mu.Unlock()
	return c.conn.Close()
}
