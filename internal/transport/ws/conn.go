// Package ws provides the client side of the push channel over WebSocket.
package ws

import (
	"bufio"
	"context"
	"io"
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// Conn adapts a dialed gobwas connection to connection.Conn.
type Conn struct {
	conn net.Conn
	// reader holds bytes the handshake read past the response headers.
	reader io.Reader
	wmu    sync.Mutex
	closer sync.Once
}

func newConn(conn net.Conn, br *bufio.Reader) *Conn {
	c := &Conn{conn: conn, reader: conn}
	if br != nil {
		c.reader = br
	}
	return c
}

// serverSide is what wsutil needs for reading: frames come from reader,
// control replies (pong, close) go to the raw connection.
type serverSide struct {
	io.Reader
	io.Writer
}

// Read implements connection.Conn.
// Reads one data message; control frames are handled transparently.
func (c *Conn) Read(ctx context.Context) ([]byte, error) {
	if deadline, ok := ctx.Deadline(); ok {
		_ = c.conn.SetReadDeadline(deadline)
		defer c.conn.SetReadDeadline(time.Time{})
	}
	rw := serverSide{Reader: c.reader, Writer: lockedWriter{c}}
	data, _, err := wsutil.ReadServerData(rw)
	return data, err
}

// Write implements connection.Conn.
// Writes a binary message.
func (c *Conn) Write(ctx context.Context, data []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if deadline, ok := ctx.Deadline(); ok {
		_ = c.conn.SetWriteDeadline(deadline)
		defer c.conn.SetWriteDeadline(time.Time{})
	}
	return wsutil.WriteClientMessage(c.conn, ws.OpBinary, data)
}

// Close implements connection.Conn.
func (c *Conn) Close() error {
	var err error
	c.closer.Do(func() {
		c.wmu.Lock()
		_ = c.conn.SetWriteDeadline(time.Now().Add(time.Second))
		_ = wsutil.WriteClientMessage(c.conn, ws.OpClose, ws.NewCloseFrameBody(ws.StatusNormalClosure, ""))
		c.wmu.Unlock()
		err = c.conn.Close()
	})
	return err
}

// RemoteAddr implements connection.Conn.
func (c *Conn) RemoteAddr() string {
	return c.conn.RemoteAddr().String()
}

// lockedWriter serializes control frame replies with regular writes.
type lockedWriter struct {
	c *Conn
}

func (w lockedWriter) Write(p []byte) (int, error) {
	w.c.wmu.Lock()
	defer w.c.wmu.Unlock()
	return w.c.conn.Write(p)
}
