//go:build !linux

package ws

import (
	"net"
	"sync"
)

// Epoll is the non-Linux development fallback. Each connection is offered to
// Wait, then parked until the server calls Resume after reading from it. The
// read itself is left to the server, so no bytes are consumed here.
type Epoll struct {
	mu      sync.RWMutex
	conns   map[*Connection]chan struct{} // connection -> resume signal
	readyCh chan *Connection
	done    chan struct{}
}

// NewEpoll creates the fallback poller.
func NewEpoll() (*Epoll, error) {
	return &Epoll{
		conns:   make(map[*Connection]chan struct{}),
		readyCh: make(chan *Connection, 128),
		done:    make(chan struct{}),
	}, nil
}

// Add registers c and starts offering it to Wait.
func (e *Epoll) Add(c *Connection) error {
	resume := make(chan struct{}, 1)
	e.mu.Lock()
	e.conns[c] = resume
	e.mu.Unlock()

	go e.offer(c, resume)
	return nil
}

func (e *Epoll) offer(c *Connection, resume chan struct{}) {
	for {
		select {
		case e.readyCh <- c:
		case <-e.done:
			return
		}
		select {
		case _, ok := <-resume:
			if !ok {
				return
			}
		case <-e.done:
			return
		}
	}
}

// Resume re-arms c after the server finished reading from it.
func (e *Epoll) Resume(c *Connection) {
	e.mu.RLock()
	resume, ok := e.conns[c]
	e.mu.RUnlock()
	if !ok {
		return
	}
	select {
	case resume <- struct{}{}:
	default:
	}
}

// Remove unregisters c and stops its offer loop.
func (e *Epoll) Remove(c *Connection) error {
	e.mu.Lock()
	resume, ok := e.conns[c]
	delete(e.conns, c)
	e.mu.Unlock()
	if ok {
		close(resume)
	}
	return nil
}

// Wait blocks until at least one connection is offered, then drains any
// others already queued.
func (e *Epoll) Wait() ([]*Connection, error) {
	var first *Connection
	select {
	case first = <-e.readyCh:
	case <-e.done:
		return nil, net.ErrClosed
	}

	conns := []*Connection{first}
	for {
		select {
		case c := <-e.readyCh:
			conns = append(conns, c)
		default:
			return conns, nil
		}
	}
}

// Snapshot returns every registered connection.
func (e *Epoll) Snapshot() []*Connection {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*Connection, 0, len(e.conns))
	for c := range e.conns {
		out = append(out, c)
	}
	return out
}

// Close shuts down the fallback poller.
func (e *Epoll) Close() error {
	close(e.done)
	e.mu.Lock()
	e.conns = nil
	e.mu.Unlock()
	return nil
}

func isEINTR(error) bool { return false }

// socketFD is unused by the fallback.
func socketFD(net.Conn) int {
	return -1
}
