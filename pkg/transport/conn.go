package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/embra/widgetbridge/pkg/types"
)

// Conn is a single widget connection. It implements types.ReplySink so a
// response can be posted straight back to the sending context.
type Conn struct {
	id           string
	origin       string
	ws           *websocket.Conn
	writeMu      sync.Mutex // gorilla allows one concurrent writer
	writeTimeout time.Duration
	createdAt    time.Time

	mu         sync.Mutex
	lastActive time.Time
	closed     bool
}

// newConn wraps an upgraded websocket connection
func newConn(ws *websocket.Conn, origin string, writeTimeout time.Duration) *Conn {
	now := time.Now()
	return &Conn{
		id:           fmt.Sprintf("%s-%d", ws.RemoteAddr().String(), now.UnixNano()),
		origin:       origin,
		ws:           ws,
		writeTimeout: writeTimeout,
		createdAt:    now,
		lastActive:   now,
	}
}

// ID returns the connection identifier
func (c *Conn) ID() string {
	return c.id
}

// Origin returns the origin recorded at handshake time
func (c *Conn) Origin() string {
	return c.origin
}

// touch records activity on the connection
func (c *Conn) touch() {
	c.mu.Lock()
	c.lastActive = time.Now()
	c.mu.Unlock()
}

// LastActive returns the time of the last frame on this connection
func (c *Conn) LastActive() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastActive
}

// Respond implements types.ReplySink by posting the payload back over the
// websocket to the sending context
func (c *Conn) Respond(ctx context.Context, data *types.MessageData) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return types.NewError(types.ErrCodeUnavailable, "connection is closed")
	}
	c.lastActive = time.Now()
	c.mu.Unlock()

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	deadline := time.Now().Add(c.writeTimeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}
	if err := c.ws.SetWriteDeadline(deadline); err != nil {
		return types.WrapError(types.ErrCodeInternal, "failed to set write deadline", err)
	}

	if err := c.ws.WriteJSON(data); err != nil {
		return types.WrapError(types.ErrCodeInternal, "failed to write response", err)
	}

	return nil
}

// Close closes the underlying websocket
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	return c.ws.Close()
}

// String returns a string representation of the connection
func (c *Conn) String() string {
	return fmt.Sprintf("Conn{ID: %s, Origin: %s}", c.id, c.origin)
}
