package monitor

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/embra/widgetbridge/internal/logger"
	"github.com/embra/widgetbridge/pkg/transport"
	"github.com/embra/widgetbridge/pkg/types"
)

const (
	// DefaultDialTimeout is the default timeout for dialing the bridge
	DefaultDialTimeout = 10 * time.Second
)

// Client consumes the bridge's monitor feed over a websocket
type Client struct {
	url         string
	logger      *logger.Logger
	dialTimeout time.Duration

	mu     sync.Mutex
	ws     *websocket.Conn
	closed bool
}

// NewClient creates a monitor feed client for the given bridge address
// (host:port)
func NewClient(addr string, log *logger.Logger) *Client {
	if log == nil {
		log = logger.Global()
	}

	u := url.URL{Scheme: "ws", Host: addr, Path: "/monitor"}
	return &Client{
		url:         u.String(),
		logger:      log.With("component", "monitor_client"),
		dialTimeout: DefaultDialTimeout,
	}
}

// Connect dials the monitor feed
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return types.NewError(types.ErrCodeUnavailable, "monitor client is closed")
	}
	if c.ws != nil {
		return types.NewError(types.ErrCodeInvalid, "monitor client already connected")
	}

	dialCtx, cancel := context.WithTimeout(ctx, c.dialTimeout)
	defer cancel()

	ws, _, err := websocket.DefaultDialer.DialContext(dialCtx, c.url, nil)
	if err != nil {
		return types.WrapError(types.ErrCodeUnavailable,
			fmt.Sprintf("failed to dial monitor feed at %s", c.url), err)
	}

	c.ws = ws
	c.logger.Debug("Monitor feed connected", "url", c.url)
	return nil
}

// ReadFrame blocks until the next frame arrives on the feed
func (c *Client) ReadFrame() (transport.MonitorFrame, error) {
	c.mu.Lock()
	ws := c.ws
	c.mu.Unlock()

	if ws == nil {
		return transport.MonitorFrame{}, types.NewError(types.ErrCodeUnavailable, "monitor client not connected")
	}

	var frame transport.MonitorFrame
	if err := ws.ReadJSON(&frame); err != nil {
		return transport.MonitorFrame{}, types.WrapError(types.ErrCodeUnavailable, "monitor feed read failed", err)
	}
	return frame, nil
}

// Close closes the feed connection
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true

	if c.ws != nil {
		err := c.ws.Close()
		c.ws = nil
		return err
	}
	return nil
}
