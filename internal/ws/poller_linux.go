//go:build linux

package ws

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"
)

const (
	minPollEvents = 128
	maxPollEvents = 4096

	// readiness a chat socket is watched for. RDHUP reports a client that
	// half-closed without sending a close frame.
	pollInterest = unix.EPOLLIN | unix.EPOLLRDHUP | unix.EPOLLHUP | unix.EPOLLERR
)

// Poller reports which chat connections have bytes waiting so a bounded
// worker pool can read them. It is level-triggered: a connection stays
// ready until its pending frame is consumed.
type Poller struct {
	epfd int

	mu     sync.RWMutex
	byFD   map[int]net.Conn
	closed bool

	events []unix.EpollEvent // owned by the single Wait caller
}

// NewPoller creates the epoll instance.
func NewPoller() (*Poller, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("ws: poller: create: %w", err)
	}
	return &Poller{
		epfd:   epfd,
		byFD:   make(map[int]net.Conn),
		events: make([]unix.EpollEvent, minPollEvents),
	}, nil
}

// Add starts watching conn.
func (p *Poller) Add(conn net.Conn) error {
	fd := socketFD(conn)
	if fd < 0 {
		return errors.New("ws: poller: connection has no socket descriptor")
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return net.ErrClosed
	}

	ev := unix.EpollEvent{Events: pollInterest, Fd: int32(fd)}
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return fmt.Errorf("ws: poller: add fd %d: %w", fd, err)
	}
	p.byFD[fd] = conn
	return nil
}

// Remove stops watching conn. A descriptor the kernel already dropped,
// because the socket was closed first, is not an error.
func (p *Poller) Remove(conn net.Conn) error {
	fd := socketFD(conn)
	if fd < 0 {
		return nil
	}

	p.mu.Lock()
	delete(p.byFD, fd)
	p.mu.Unlock()

	err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil)
	if err == nil || errors.Is(err, unix.ENOENT) || errors.Is(err, unix.EBADF) {
		return nil
	}
	return fmt.Errorf("ws: poller: remove fd %d: %w", fd, err)
}

// Wait blocks until at least one watched connection is readable or hung up.
// An interrupted wait returns an empty batch. After Close it returns
// net.ErrClosed.
func (p *Poller) Wait() ([]net.Conn, error) {
	n, err := unix.EpollWait(p.epfd, p.events, -1)
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return nil, nil
		}
		if p.isClosed() {
			return nil, net.ErrClosed
		}
		return nil, fmt.Errorf("ws: poller: wait: %w", err)
	}

	ready := make([]net.Conn, 0, n)
	p.mu.RLock()
	for _, ev := range p.events[:n] {
		// Removed between the wait returning and this lookup.
		if conn, ok := p.byFD[int(ev.Fd)]; ok {
			ready = append(ready, conn)
		}
	}
	p.mu.RUnlock()

	// A full buffer means more were pending; size up for the next round.
	if n == len(p.events) && n < maxPollEvents {
		p.events = make([]unix.EpollEvent, min(2*n, maxPollEvents))
	}
	return ready, nil
}

// Reader returns the stream frames are read from. The kernel does the
// watching, so that is the connection itself.
func (p *Poller) Reader(conn net.Conn) io.Reader {
	return conn
}

// Resume does nothing here; level triggering reports the descriptor again
// while data remains.
func (p *Poller) Resume(net.Conn) {}

// Close releases the epoll descriptor. Registered connections are left
// open; the server closes them.
func (p *Poller) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	p.byFD = nil
	if err := unix.Close(p.epfd); err != nil {
		return fmt.Errorf("ws: poller: close: %w", err)
	}
	return nil
}

func (p *Poller) isClosed() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.closed
}

// socketFD returns the descriptor behind conn without dup'ing it, or -1 for
// connections that are not sockets (net.Pipe in tests).
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
	if err := raw.Control(func(s uintptr) { fd = int(s) }); err != nil {
		return -1
	}
	return fd
}
