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

// Epoll reports read readiness for relay sockets. It is level-triggered: a
// socket with unread bytes is returned by every Wait until a worker drains
// it, and the server's per-connection processing guard collapses the
// duplicates.
type Epoll struct {
	fd     int
	mu     sync.RWMutex
	byFd   map[int]net.Conn
	fdOf   map[net.Conn]int
	events []unix.EpollEvent
}

// NewEpoll creates a new epoll instance using epoll_create1.
func NewEpoll() (*Epoll, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("ws: epoll_create1: %w", err)
	}
	return &Epoll{
		fd:     fd,
		byFd:   make(map[int]net.Conn),
		fdOf:   make(map[net.Conn]int),
		events: make([]unix.EpollEvent, 128),
	}, nil
}

// Add registers conn for EPOLLIN, peer hang-up and error events.
func (e *Epoll) Add(conn net.Conn) error {
	fd := socketFD(conn)
	if fd < 0 {
		return errors.New("ws: connection has no usable file descriptor")
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if err := unix.EpollCtl(e.fd, unix.EPOLL_CTL_ADD, fd, &unix.EpollEvent{
		Events: unix.EPOLLIN | unix.EPOLLRDHUP | unix.EPOLLHUP | unix.EPOLLERR,
		Fd:     int32(fd),
	}); err != nil {
		return fmt.Errorf("ws: epoll add fd %d: %w", fd, err)
	}

	// A descriptor number freed by a closed socket can be handed to a new
	// one before the old connection is removed.
	if old, ok := e.byFd[fd]; ok {
		delete(e.fdOf, old)
	}
	e.byFd[fd] = conn
	e.fdOf[conn] = fd
	return nil
}

// Remove unregisters conn. The descriptor recorded at Add is used, so a
// connection whose socket is already closed never touches a newer socket
// that reuses the same number.
func (e *Epoll) Remove(conn net.Conn) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	fd, ok := e.fdOf[conn]
	if !ok {
		return nil
	}
	delete(e.fdOf, conn)
	delete(e.byFd, fd)

	err := unix.EpollCtl(e.fd, unix.EPOLL_CTL_DEL, fd, nil)
	if errors.Is(err, unix.ENOENT) || errors.Is(err, unix.EBADF) {
		// Closing the socket already dropped it from the interest list.
		return nil
	}
	if err != nil {
		return fmt.Errorf("ws: epoll del fd %d: %w", fd, err)
	}
	return nil
}

// Wait blocks until registered connections are ready or waitTimeout elapses.
// A timeout or an interrupted wait returns an empty slice so the caller can
// check for shutdown. Descriptors removed after epoll_wait returned are
// skipped.
func (e *Epoll) Wait() ([]net.Conn, error) {
	n, err := unix.EpollWait(e.fd, e.events, int(waitTimeout.Milliseconds()))
	if errors.Is(err, unix.EINTR) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	e.mu.RLock()
	conns := make([]net.Conn, 0, n)
	for _, ev := range e.events[:n] {
		if conn, ok := e.byFd[int(ev.Fd)]; ok {
			conns = append(conns, conn)
		}
	}
	e.mu.RUnlock()
	return conns, nil
}

// Reader returns conn itself: epoll observes readiness without consuming
// bytes.
func (e *Epoll) Reader(conn net.Conn) io.Reader {
	return conn
}

// Rearm is a no-op for a level-triggered poller.
func (e *Epoll) Rearm(conn net.Conn) {}

// Close releases the epoll descriptor. Registered sockets are left open.
func (e *Epoll) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.byFd = map[int]net.Conn{}
	e.fdOf = map[net.Conn]int{}
	return unix.Close(e.fd)
}

// socketFD returns the descriptor behind conn without duplicating it, or -1
// when conn is not a socket or is already closed.
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
	if err := raw.Control(func(sfd uintptr) { fd = int(sfd) }); err != nil {
		return -1
	}
	return fd
}
