package ws

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// Channel is the send capability the registry needs from a live client
// connection. Send must honor ctx's deadline; Close must be safe to call more
// than once.
type Channel interface {
	Send(ctx context.Context, data []byte) error
	Close() error
}

// Connection represents a single WebSocket client connection bound to one
// (user, project) pair, with a write mutex for serializing outbound frames.
type Connection struct {
	ID        string    // connection ID (UUID)
	UserID    string    // owner of the connection
	ProjectID string    // project the client is attached to
	Conn      net.Conn  // underlying TCP connection
	Fd        int       // file descriptor for epoll lookups
	CreatedAt time.Time // when the connection was established

	lastSeen   atomic.Int64 // unix nanos of the last frame read from the client
	writeMu    sync.Mutex   // serializes writes to this connection
	processing int32        // atomic flag: 0 = idle, 1 = being read by handleConn
	closeOnce  sync.Once
	closeErr   error
}

// NewConnection wraps an upgraded net.Conn.
func NewConnection(id, userID, projectID string, conn net.Conn) *Connection {
	now := time.Now()
	c := &Connection{
		ID:        id,
		UserID:    userID,
		ProjectID: projectID,
		Conn:      conn,
		Fd:        socketFD(conn),
		CreatedAt: now,
	}
	c.Touch()
	return c
}

// Touch records client activity.
func (c *Connection) Touch() {
	c.lastSeen.Store(time.Now().UnixNano())
}

// LastSeen returns the time of the last frame read from the client.
func (c *Connection) LastSeen() time.Time {
	return time.Unix(0, c.lastSeen.Load())
}

// Send writes a WebSocket text frame. The write deadline is taken from ctx so
// a client that stops reading cannot hold the caller past its budget.
func (c *Connection) Send(ctx context.Context, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if deadline, ok := ctx.Deadline(); ok {
		_ = c.Conn.SetWriteDeadline(deadline)
		// Clear so the deadline doesn't leak into heartbeat pings.
		defer c.Conn.SetWriteDeadline(time.Time{})
	}
	return wsutil.WriteServerMessage(c.Conn, ws.OpText, data)
}

// WritePing sends a WebSocket protocol-level ping frame (opcode 0x9).
func (c *Connection) WritePing(timeout time.Duration) error {
	return c.writeControl(ws.NewPingFrame(nil), timeout)
}

func (c *Connection) writeControl(f ws.Frame, timeout time.Duration) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if timeout > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(timeout))
		defer c.Conn.SetWriteDeadline(time.Time{})
	}
	return ws.WriteFrame(c.Conn, f)
}

// Reject sends a close frame with the given status code and closes the
// connection. Used when the registry refuses the connection.
func (c *Connection) Reject(code ws.StatusCode, reason string) error {
	c.writeMu.Lock()
	_ = c.Conn.SetWriteDeadline(time.Now().Add(time.Second))
	_ = ws.WriteFrame(c.Conn, ws.NewCloseFrame(ws.NewCloseFrameBody(code, reason)))
	c.writeMu.Unlock()
	return c.Close()
}

// Close closes the underlying network connection once.
func (c *Connection) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.Conn.Close()
	})
	return c.closeErr
}
