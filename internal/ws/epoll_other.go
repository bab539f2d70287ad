//go:build !linux

package ws

import (
	"bufio"
	"io"
	"net"
	"sync"
	"time"
)

// Epoll provides a goroutine-per-connection fallback for non-Linux platforms.
// Each connection gets a monitor goroutine that peeks for buffered data and
// then waits until the server has consumed a frame before peeking again.
type Epoll struct {
	mu      sync.RWMutex
	conns   map[net.Conn]*watch
	readyCh chan net.Conn // connections with pending data
	done    chan struct{}
	once    sync.Once
}

type watch struct {
	br    *bufio.Reader
	rearm chan struct{}
	stop  chan struct{}
}

// NewEpoll creates a new fallback poller.
func NewEpoll() (*Epoll, error) {
	return &Epoll{
		conns:   make(map[net.Conn]*watch),
		readyCh: make(chan net.Conn, 128),
		done:    make(chan struct{}),
	}, nil
}

// Add registers a connection and starts its monitor goroutine.
func (e *Epoll) Add(conn net.Conn) error {
	w := &watch{
		br:    bufio.NewReader(conn),
		rearm: make(chan struct{}, 1),
		stop:  make(chan struct{}),
	}

	e.mu.Lock()
	e.conns[conn] = w
	e.mu.Unlock()

	go e.monitor(conn, w)
	return nil
}

// monitor blocks on a one-byte peek, which does not consume the byte, and
// reports the connection as ready. It then waits for Rearm so one frame is
// signalled at most once.
func (e *Epoll) monitor(conn net.Conn, w *watch) {
	for {
		_, err := w.br.Peek(1)

		select {
		case e.readyCh <- conn:
		case <-w.stop:
			return
		case <-e.done:
			return
		}

		// A read error is reported once; the server's read path removes
		// the connection.
		if err != nil {
			return
		}

		select {
		case <-w.rearm:
		case <-w.stop:
			return
		case <-e.done:
			return
		}
	}
}

// Remove unregisters a connection and stops its monitor.
func (e *Epoll) Remove(conn net.Conn) error {
	e.mu.Lock()
	w, ok := e.conns[conn]
	delete(e.conns, conn)
	e.mu.Unlock()

	if ok {
		close(w.stop)
	}
	return nil
}

// Reader returns the buffered reader that owns bytes already peeked from
// conn. Frames must be read through it, never from conn directly.
func (e *Epoll) Reader(conn net.Conn) io.Reader {
	e.mu.RLock()
	w, ok := e.conns[conn]
	e.mu.RUnlock()
	if !ok {
		return conn
	}
	return w.br
}

// Rearm lets the monitor of conn peek for the next frame.
func (e *Epoll) Rearm(conn net.Conn) {
	e.mu.RLock()
	w, ok := e.conns[conn]
	e.mu.RUnlock()
	if !ok {
		return
	}
	select {
	case w.rearm <- struct{}{}:
	default:
	}
}

// Wait blocks until at least one connection is ready or waitTimeout passes,
// then drains every other ready connection without blocking.
func (e *Epoll) Wait() ([]net.Conn, error) {
	timer := time.NewTimer(waitTimeout)
	defer timer.Stop()

	var first net.Conn
	select {
	case first = <-e.readyCh:
	case <-timer.C:
		return nil, nil
	case <-e.done:
		return nil, net.ErrClosed
	}

	conns := []net.Conn{first}
	for {
		select {
		case conn := <-e.readyCh:
			conns = append(conns, conn)
		default:
			return conns, nil
		}
	}
}

// Close shuts down the fallback poller.
func (e *Epoll) Close() error {
	e.once.Do(func() { close(e.done) })
	e.mu.Lock()
	e.conns = make(map[net.Conn]*watch)
	e.mu.Unlock()
	return nil
}

// socketFD is a no-op on non-Linux platforms since we don't need file
// descriptors for the goroutine-based fallback.
func socketFD(conn net.Conn) int {
	return -1
}
