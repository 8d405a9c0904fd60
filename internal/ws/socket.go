// Package ws adapts a gorilla websocket connection to the transport Socket
// contract.
package ws

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait        = 10 * time.Second
	handshakeTimeout = 10 * time.Second
)

// Conn wraps a websocket connection with serialized writes and deadlines.
type Conn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

// Dial opens a websocket to the given URL.
func Dial(ctx context.Context, url string) (*Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	return &Conn{conn: conn}, nil
}

// Wrap adapts an already-established websocket connection, e.g. on the
// accepting side.
func Wrap(conn *websocket.Conn) *Conn {
	return &Conn{conn: conn}
}

// WriteMessage sends one text frame under the write deadline.
func (c *Conn) WriteMessage(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// ReadMessage blocks for the next frame payload.
func (c *Conn) ReadMessage() ([]byte, error) {
	_, payload, err := c.conn.ReadMessage()
	return payload, err
}

// Close closes the underlying connection.
func (c *Conn) Close() error {
	return c.conn.Close()
}
