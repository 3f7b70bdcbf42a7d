package comfyui

import (
	"context"
	"fmt"
	"time"

	"github.com/gorilla/websocket"

	"github.com/apvlv/runpodComfyUIworker/internal/interfaces"
)

// WebsocketDialer opens ComfyUI progress sockets
type WebsocketDialer struct {
	dialer      *websocket.Dialer
	readTimeout time.Duration
}

// NewWebsocketDialer creates a dialer; a positive readTimeout bounds every read
func NewWebsocketDialer(handshakeTimeout, readTimeout time.Duration) *WebsocketDialer {
	return &WebsocketDialer{
		dialer: &websocket.Dialer{
			HandshakeTimeout: orDefault(handshakeTimeout, 10*time.Second),
		},
		readTimeout: readTimeout,
	}
}

var _ interfaces.SocketDialer = (*WebsocketDialer)(nil)

// Dial opens a socket to url
func (d *WebsocketDialer) Dial(ctx context.Context, url string) (interfaces.SocketConn, error) {
	conn, resp, err := d.dialer.DialContext(ctx, url, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("websocket handshake failed with status %d: %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("websocket dial failed: %w", err)
	}
	return &socketConn{conn: conn, readTimeout: d.readTimeout}, nil
}

type socketConn struct {
	conn        *websocket.Conn
	readTimeout time.Duration
}

func (c *socketConn) ReadMessage() (interfaces.FrameType, []byte, error) {
	if c.readTimeout > 0 {
		if err := c.conn.SetReadDeadline(time.Now().Add(c.readTimeout)); err != nil {
			return 0, nil, err
		}
	}

	messageType, data, err := c.conn.ReadMessage()
	if err != nil {
		return 0, nil, err
	}

	switch messageType {
	case websocket.TextMessage:
		return interfaces.FrameText, data, nil
	case websocket.BinaryMessage:
		return interfaces.FrameBinary, data, nil
	default:
		return interfaces.FrameOther, data, nil
	}
}

func (c *socketConn) Close() error {
	return c.conn.Close()
}
