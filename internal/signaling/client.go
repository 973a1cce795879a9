package signaling

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const wsWriteWait = 1 * time.Second

// client wraps one WebSocket connection with a serialized write side. Reads
// stay single-goroutine in the server's session loop; writes can come from
// any goroutine (relay, broadcast, sweeper), hence the mutex.
type client struct {
	conn *websocket.Conn

	writeMu sync.Mutex
	closed  bool
}

func newClient(conn *websocket.Conn) *client {
	return &client{conn: conn}
}

func (c *client) Send(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.closed {
		return websocket.ErrCloseSent
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// Close sends a normal close frame and tears down the socket. Idempotent.
func (c *client) Close(reason string) {
	c.closeWithCode(websocket.CloseNormalClosure, reason)
}

func (c *client) closeWithCode(code int, reason string) {
	c.writeMu.Lock()
	alreadyClosed := c.closed
	c.closed = true
	c.writeMu.Unlock()
	if alreadyClosed {
		return
	}

	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason), time.Now().Add(wsWriteWait))
	_ = c.conn.Close()
}

// ping is safe to call concurrently with Send; gorilla permits WriteControl
// alongside other writers.
func (c *client) ping() error {
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait))
}
