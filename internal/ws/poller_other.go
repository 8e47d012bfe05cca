//go:build !linux

package ws

import (
	"bufio"
	"io"
	"net"
	"sync"
)

// watched is the fallback state of one registered connection. The monitor
// peeks through br so that no frame bytes are lost, and waits on resume
// until the server has finished reading before peeking again.
type watched struct {
	br     *bufio.Reader
	resume chan struct{}
	stop   chan struct{}
}

// Poller is the goroutine-per-connection stand-in for epoll on platforms
// without it, so the server runs unchanged on macOS and Windows.
type Poller struct {
	mu      sync.RWMutex
	conns   map[net.Conn]*watched
	readyCh chan net.Conn // channel that receives connections with pending data
	done    chan struct{}
	once    sync.Once
}

// NewPoller creates the fallback poller.
func NewPoller() (*Poller, error) {
	return &Poller{
		conns:   make(map[net.Conn]*watched),
		readyCh: make(chan net.Conn, 128),
		done:    make(chan struct{}),
	}, nil
}

// Add registers a connection by spawning a goroutine that blocks on a 1-byte
// peek. When data arrives, the connection is sent to the ready channel for
// processing by Wait.
func (e *Poller) Add(conn net.Conn) error {
	w := &watched{
		br:     bufio.NewReader(conn),
		resume: make(chan struct{}, 1),
		stop:   make(chan struct{}),
	}

	e.mu.Lock()
	e.conns[conn] = w
	e.mu.Unlock()

	go e.monitor(conn, w)
	return nil
}

func (e *Poller) monitor(conn net.Conn, w *watched) {
	for {
		// Block until data is available or the connection errors. A closed
		// connection is still signalled so the server's read path sees it.
		_, err := w.br.Peek(1)

		select {
		case e.readyCh <- conn:
		case <-e.done:
			return
		case <-w.stop:
			return
		}
		if err != nil {
			return
		}

		select {
		case <-w.resume:
		case <-e.done:
			return
		case <-w.stop:
			return
		}
	}
}

// Reader returns the buffered stream the monitor peeks through. Frames must
// be read from it, not from conn directly.
func (e *Poller) Reader(conn net.Conn) io.Reader {
	e.mu.RLock()
	w, ok := e.conns[conn]
	e.mu.RUnlock()
	if !ok {
		return conn
	}
	return w.br
}

// Resume lets the monitor wait for the next frame on conn.
func (e *Poller) Resume(conn net.Conn) {
	e.mu.RLock()
	w, ok := e.conns[conn]
	e.mu.RUnlock()
	if !ok {
		return
	}
	select {
	case w.resume <- struct{}{}:
	default:
	}
}

// Remove stops monitoring conn.
func (e *Poller) Remove(conn net.Conn) error {
	e.mu.Lock()
	w, ok := e.conns[conn]
	delete(e.conns, conn)
	e.mu.Unlock()
	if ok {
		close(w.stop)
	}
	return nil
}

// Wait blocks until at least one connection is ready for reading. It
// collects all currently ready connections from the channel and returns them.
func (e *Poller) Wait() ([]net.Conn, error) {
	var first net.Conn
	select {
	case first = <-e.readyCh:
	case <-e.done:
		return nil, net.ErrClosed
	}

	conns := []net.Conn{first}

	// Drain any additional ready connections without blocking.
	for {
		select {
		case conn := <-e.readyCh:
			conns = append(conns, conn)
		default:
			return conns, nil
		}
	}
}

// Close stops every monitor goroutine.
func (e *Poller) Close() error {
	e.once.Do(func() { close(e.done) })
	e.mu.Lock()
	e.conns = make(map[net.Conn]*watched)
	e.mu.Unlock()
	return nil
}

// socketFD is a no-op on non-Linux platforms since we don't need file
// descriptors for the goroutine-based fallback.
func socketFD(net.Conn) int {
	return -1
}
