// Package session wraps a participant's websocket connection.
package session

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"codecollab/internal/models"
)

const writeWait = 10 * time.Second

type Client struct {
	Conn   *websocket.Conn
	UserID string
	Name   string

	id   string
	mu   sync.Mutex
	hook func(models.WSFrame)
}

func NewClient(conn *websocket.Conn, userID, name string) *Client {
	return &Client{Conn: conn, UserID: userID, Name: name, id: uuid.NewString()}
}

// ID identifies this connection; a user may hold several.
func (c *Client) ID() string { return c.id }

// SetSendHook replaces the default WebSocket sender (used in tests).
func (c *Client) SetSendHook(fn func(models.WSFrame)) {
	c.mu.Lock()
	c.hook = fn
	c.mu.Unlock()
}

// Send writes one frame. Writes are serialized; a failed write is dropped and
// the read loop notices the broken connection.
func (c *Client) Send(frame models.WSFrame) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.hook != nil {
		c.hook(frame)
		return
	}
	if c.Conn == nil {
		return
	}
	_ = c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = c.Conn.WriteJSON(frame)
}

// Close sends a close frame with reason and closes the connection.
func (c *Client) Close(code int, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Conn == nil {
		return
	}
	msg := websocket.FormatCloseMessage(code, reason)
	_ = c.Conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	_ = c.Conn.Close()
}
