package relay

import (
	"context"
	"sync/atomic"

	"github.com/omochice/matcha-sync/pkg/protocol"
	"nhooyr.io/websocket"
)

// Conn abstracts one accepted push channel connection.
type Conn interface {
	// Read reads a single frame. Returns an error once the peer is gone.
	Read(ctx context.Context) ([]byte, error)

	// Write sends a single encoded frame.
	Write(ctx context.Context, data []byte) error

	Close() error

	// RemoteAddr returns the remote address for logging.
	RemoteAddr() string
}

// wsConn adapts nhooyr.io/websocket to Conn. A peer that has sent a text
// message is answered with the protojson form of each frame from then on.
type wsConn struct {
	conn       *websocket.Conn
	remoteAddr string
	text       atomic.Bool
}

func newWSConn(conn *websocket.Conn, addr string) *wsConn {
	return &wsConn{conn: conn, remoteAddr: addr}
}

func (c *wsConn) Read(ctx context.Context) ([]byte, error) {
	typ, data, err := c.conn.Read(ctx)
	if err == nil && typ == websocket.MessageText {
		c.text.Store(true)
	}
	return data, err
}

func (c *wsConn) Write(ctx context.Context, data []byte) error {
	if !c.text.Load() {
		return c.conn.Write(ctx, websocket.MessageBinary, data)
	}
	f, err := protocol.DecodeFrame(data)
	if err != nil {
		return err
	}
	text, err := f.EncodeText()
	if err != nil {
		return err
	}
	return c.conn.Write(ctx, websocket.MessageText, text)
}

func (c *wsConn) Close() error {
	return c.conn.Close(websocket.StatusNormalClosure, "")
}

func (c *wsConn) RemoteAddr() string {
	return c.remoteAddr
}
