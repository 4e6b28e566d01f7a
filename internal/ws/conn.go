package ws

import (
	"sync"

	"github.com/gorilla/websocket"
)

// Conn is the transport a managed client speaks over. Tests substitute
// an in-memory implementation.
type Conn interface {
	SendJSON(v any) error
	Close() error
}

// gorillaConn adapts a gorilla websocket connection. Gorilla allows
// only one concurrent writer, so writes are serialized with a mutex.
type gorillaConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

// Wrap returns a Conn backed by a gorilla websocket connection.
func Wrap(conn *websocket.Conn) Conn {
	return &gorillaConn{conn: conn}
}

func (c *gorillaConn) SendJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteJSON(v)
}

func (c *gorillaConn) Close() error {
	return c.conn.Close()
}
