package ws

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pipeConnection(t *testing.T) (*Connection, net.Conn) {
	t.Helper()
	server, client := net.Pipe()
	t.Cleanup(func() { _ = client.Close() })
	c := NewConnection("c1", "u1", "p1", server)
	t.Cleanup(func() { _ = c.Close() })
	return c, client
}

func TestConnection_Send(t *testing.T) {
	c, client := pipeConnection(t)

	errc := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		errc <- c.Send(ctx, []byte(`{"type":"event"}`))
	}()

	data, op, err := wsutil.ReadServerData(client)
	require.NoError(t, err)
	assert.Equal(t, ws.OpText, op)
	assert.Equal(t, `{"type":"event"}`, string(data))
	assert.NoError(t, <-errc)
}

func TestConnection_SendHonorsDeadline(t *testing.T) {
	c, _ := pipeConnection(t)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := c.Send(ctx, []byte("nobody is reading"))
	assert.Error(t, err)
	assert.Less(t, time.Since(start), time.Second)
}

func TestConnection_SendCancelled(t *testing.T) {
	c, _ := pipeConnection(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, c.Send(ctx, []byte("x")), context.Canceled)
}

func TestConnection_Reject(t *testing.T) {
	c, client := pipeConnection(t)

	go func() { _ = c.Reject(StatusTryAgainLater, "too many connections for project") }()

	frame, err := ws.ReadFrame(client)
	require.NoError(t, err)
	assert.Equal(t, ws.OpClose, frame.Header.OpCode)
	code, reason := ws.ParseCloseFrameData(frame.Payload)
	assert.Equal(t, StatusTryAgainLater, code)
	assert.Equal(t, "too many connections for project", reason)
}

func TestConnection_CloseOnce(t *testing.T) {
	c, _ := pipeConnection(t)
	first := c.Close()
	assert.NoError(t, first)
	assert.Equal(t, first, c.Close())
}

func TestConnection_Touch(t *testing.T) {
	c, _ := pipeConnection(t)
	before := c.LastSeen()
	time.Sleep(5 * time.Millisecond)
	c.Touch()
	assert.True(t, c.LastSeen().After(before))
}
