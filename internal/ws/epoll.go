//go:build linux

package ws

import (
	"net"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"
)

// waitTimeoutMs bounds one epoll_wait so the event loop can observe
// shutdown; closing the epoll fd does not wake a blocked waiter.
const waitTimeoutMs = 100

// Epoll wraps Linux epoll syscalls for WebSocket read multiplexing. File
// descriptors are registered with the kernel and the server is woken only
// when a client has data to read.
type Epoll struct {
	fd          int                 // epoll file descriptor
	connections map[int]*Connection // fd -> connection
	mu          sync.RWMutex        // protects connections
	events      []unix.EpollEvent   // reusable event buffer for Wait
}

// NewEpoll creates a new epoll instance using epoll_create1.
func NewEpoll() (*Epoll, error) {
	fd, err := unix.EpollCreate1(0)
	if err != nil {
		return nil, err
	}
	return &Epoll{
		fd:          fd,
		connections: make(map[int]*Connection),
		events:      make([]unix.EpollEvent, 128),
	}, nil
}

// Add registers c for read readiness (EPOLLIN | EPOLLHUP).
func (e *Epoll) Add(c *Connection) error {
	if err := unix.EpollCtl(e.fd, syscall.EPOLL_CTL_ADD, c.Fd, &unix.EpollEvent{
		Events: unix.EPOLLIN | unix.EPOLLHUP,
		Fd:     int32(c.Fd),
	}); err != nil {
		return err
	}

	e.mu.Lock()
	e.connections[c.Fd] = c
	e.mu.Unlock()
	return nil
}

// Remove unregisters c. Removing an unknown connection is a no-op.
func (e *Epoll) Remove(c *Connection) error {
	e.mu.Lock()
	cur, ok := e.connections[c.Fd]
	if !ok || cur != c {
		e.mu.Unlock()
		return nil
	}
	delete(e.connections, c.Fd)
	e.mu.Unlock()

	return unix.EpollCtl(e.fd, syscall.EPOLL_CTL_DEL, c.Fd, nil)
}

// Resume is a no-op on Linux; level-triggered epoll re-reports pending data.
func (e *Epoll) Resume(*Connection) {}

// Wait blocks until one or more registered connections are readable or
// waitTimeoutMs elapses, in which case it returns no connections.
// Connections removed between epoll_wait returning and the lookup are
// skipped.
func (e *Epoll) Wait() ([]*Connection, error) {
	n, err := unix.EpollWait(e.fd, e.events, waitTimeoutMs)
	if err != nil {
		return nil, err
	}

	e.mu.RLock()
	conns := make([]*Connection, 0, n)
	for i := 0; i < n; i++ {
		if c, ok := e.connections[int(e.events[i].Fd)]; ok {
			conns = append(conns, c)
		}
	}
	e.mu.RUnlock()
	return conns, nil
}

// Snapshot returns every registered connection.
func (e *Epoll) Snapshot() []*Connection {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*Connection, 0, len(e.connections))
	for _, c := range e.connections {
		out = append(out, c)
	}
	return out
}

// Close closes the epoll file descriptor.
func (e *Epoll) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.connections = nil
	return unix.Close(e.fd)
}

// isEINTR reports whether err is an interrupted system call, which epoll_wait
// returns during signal delivery.
func isEINTR(err error) bool {
	return err == unix.EINTR
}

// socketFD extracts the file descriptor through SyscallConn, which unlike
// File() does not duplicate it.
func socketFD(conn net.Conn) int {
	sc, ok := conn.(syscall.Conn)
	if !ok {
		return -1
	}

	raw, err := sc.SyscallConn()
	if err != nil {
		return -1
	}

	fd := -1
	_ = raw.Control(func(sfd uintptr) {
		fd = int(sfd)
	})
	return fd
}
