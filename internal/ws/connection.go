package ws

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
)

// State is the lifecycle stage of a relay connection. Transitions only move
// forward: Connecting -> Open -> Closed.
type State int32

const (
	StateConnecting State = iota
	StateOpen
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// sendQueueSize bounds the broadcast messages waiting for one receiver.
const sendQueueSize = 64

// Connection represents a single WebSocket client connection with its
// associated metadata and a write mutex for serializing outbound frames.
// Broadcast messages go through a bounded queue drained by a per-connection
// writer goroutine, so a stalled receiver never holds up the others.
type Connection struct {
	ID           string        // connection ID (UUID)
	Conn         net.Conn      // underlying TCP connection
	Fd           int           // file descriptor, -1 when not polled by epoll
	CreatedAt    time.Time     // when the connection was accepted
	writeTimeout time.Duration // deadline applied to every outbound frame
	lastSeen     atomic.Int64  // unix nanos of the last frame read from the client
	state        atomic.Int32
	writeMu      sync.Mutex // serializes writes to this connection
	processing   int32      // atomic flag: 0 = idle, 1 = being read by handleConn

	send         chan []byte
	done         chan struct{}
	closeOnce    sync.Once
	onWriteError func(*Connection)
}

// NewConnection wraps an upgraded network connection. The connection starts
// in StateConnecting and is not eligible for broadcasts until opened.
func NewConnection(id string, conn net.Conn, writeTimeout time.Duration) *Connection {
	c := &Connection{
		ID:           id,
		Conn:         conn,
		Fd:           socketFD(conn),
		CreatedAt:    time.Now(),
		writeTimeout: writeTimeout,
		send:         make(chan []byte, sendQueueSize),
		done:         make(chan struct{}),
	}
	c.Touch()
	return c
}

// State returns the current lifecycle state.
func (c *Connection) State() State {
	return State(c.state.Load())
}

// SetOnWriteError registers fn to run when a queued write fails. It must be
// called before Open.
func (c *Connection) SetOnWriteError(fn func(*Connection)) {
	c.onWriteError = fn
}

// Open moves a connecting connection to StateOpen and starts its writer. It
// returns false if the connection was already opened or closed.
func (c *Connection) Open() bool {
	if !c.state.CompareAndSwap(int32(StateConnecting), int32(StateOpen)) {
		return false
	}
	go c.writeLoop()
	return true
}

// Enqueue queues msg for the writer without blocking. It returns false when
// the connection is not open or the receiver is too slow and its queue is
// full; the message is dropped for this receiver only.
func (c *Connection) Enqueue(msg []byte) bool {
	if c.State() != StateOpen {
		return false
	}
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

func (c *Connection) writeLoop() {
	for {
		select {
		case <-c.done:
			return
		case msg := <-c.send:
			if err := c.WriteMessage(msg); err != nil {
				if c.State() != StateClosed && c.onWriteError != nil {
					c.onWriteError(c)
				}
				return
			}
		}
	}
}

// Touch records client activity.
func (c *Connection) Touch() {
	c.lastSeen.Store(time.Now().UnixNano())
}

// LastSeen returns the time of the last recorded client activity.
func (c *Connection) LastSeen() time.Time {
	return time.Unix(0, c.lastSeen.Load())
}

// WriteMessage sends a WebSocket text frame to this connection. The write
// mutex ensures that concurrent goroutines do not interleave frame bytes.
func (c *Connection) WriteMessage(data []byte) error {
	return c.writeFrame(ws.NewTextFrame(data))
}

// WritePing sends a WebSocket protocol-level ping frame (opcode 0x9).
func (c *Connection) WritePing() error {
	return c.writeFrame(ws.NewPingFrame(nil))
}

// WritePong answers a protocol-level ping with the same payload.
func (c *Connection) WritePong(payload []byte) error {
	return c.writeFrame(ws.NewPongFrame(payload))
}

// WriteClose sends a close frame with the given status. Errors are ignored
// by callers since the socket is torn down right after.
func (c *Connection) WriteClose(code ws.StatusCode, reason string) error {
	return c.writeFrame(ws.NewCloseFrame(ws.NewCloseFrameBody(code, reason)))
}

func (c *Connection) writeFrame(f ws.Frame) error {
	if c.State() == StateClosed {
		return net.ErrClosed
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.writeTimeout > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
		// Clear the deadline so it doesn't leak into the next write.
		defer c.Conn.SetWriteDeadline(time.Time{})
	}
	return ws.WriteFrame(c.Conn, f)
}

// Close marks the connection closed and closes the underlying network
// connection. A closed connection is never reopened.
func (c *Connection) Close() error {
	c.state.Store(int32(StateClosed))
	c.closeOnce.Do(func() { close(c.done) })
	return c.Conn.Close()
}

// ConnectionManager is the thread-safe set of connected clients. It is owned
// by one Server; there is no package-level registry, so independent relays
// can run side by side.
type ConnectionManager struct {
	mu     sync.RWMutex
	byID   map[string]*Connection   // connection id -> Connection
	byConn map[net.Conn]*Connection // net.Conn -> Connection, for poller lookups
}

// NewConnectionManager creates an empty ConnectionManager ready for use.
func NewConnectionManager() *ConnectionManager {
	return &ConnectionManager{
		byID:   make(map[string]*Connection),
		byConn: make(map[net.Conn]*Connection),
	}
}

// Add registers a new connection in both lookup maps.
func (cm *ConnectionManager) Add(conn *Connection) {
	cm.mu.Lock()
	cm.byID[conn.ID] = conn
	cm.byConn[conn.Conn] = conn
	cm.mu.Unlock()
}

// Remove removes a connection by ID and closes it. Returns true if the
// connection was found and removed, false if it was already gone.
func (cm *ConnectionManager) Remove(id string) bool {
	cm.mu.Lock()
	conn, ok := cm.byID[id]
	if ok {
		delete(cm.byID, id)
		delete(cm.byConn, conn.Conn)
	}
	cm.mu.Unlock()

	if ok {
		conn.Close()
	}
	return ok
}

// Get returns the connection for the given ID, or nil if not found.
func (cm *ConnectionManager) Get(id string) *Connection {
	cm.mu.RLock()
	conn := cm.byID[id]
	cm.mu.RUnlock()
	return conn
}

// GetByConn returns the connection wrapping the given net.Conn, or nil.
func (cm *ConnectionManager) GetByConn(c net.Conn) *Connection {
	cm.mu.RLock()
	conn := cm.byConn[c]
	cm.mu.RUnlock()
	return conn
}

// Count returns the current number of registered connections.
func (cm *ConnectionManager) Count() int {
	cm.mu.RLock()
	n := len(cm.byID)
	cm.mu.RUnlock()
	return n
}

// BroadcastExcept queues msg for every open connection other than the one
// identified by except and returns how many accepted it. It never blocks on
// a receiver: a full queue drops the message for that receiver, and a failed
// write is reported through the connection's write error hook.
func (cm *ConnectionManager) BroadcastExcept(msg []byte, except string) int {
	queued := 0
	for _, conn := range cm.All() {
		if conn.ID == except {
			continue
		}
		if conn.Enqueue(msg) {
			queued++
		}
	}
	return queued
}

// Broadcast sends a message to all open connections.
func (cm *ConnectionManager) Broadcast(msg []byte) int {
	return cm.BroadcastExcept(msg, "")
}

// All returns a snapshot of all current connections. The returned slice is
// safe to iterate without holding the lock.
func (cm *ConnectionManager) All() []*Connection {
	cm.mu.RLock()
	conns := make([]*Connection, 0, len(cm.byID))
	for _, conn := range cm.byID {
		conns = append(conns, conn)
	}
	cm.mu.RUnlock()
	return conns
}
