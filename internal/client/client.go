// Package client maintains one outbound connection to the chat relay. It
// dials with gobwas/ws (the same library the relay uses), reconnects after a
// fixed delay when the connection drops, keeps the link alive with an
// application-level ping and delivers incoming envelopes to registered
// handlers.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/rs/zerolog"

	"github.com/pennywise/chat-relay/internal/protocol"
	"github.com/pennywise/chat-relay/internal/sched"
)

var (
	// ErrNotConnected is returned by Send when the connection is not open.
	// Nothing is buffered.
	ErrNotConnected = errors.New("client: not connected")

	// ErrClosed is returned by Connect after Teardown.
	ErrClosed = errors.New("client: manager closed")
)

// ---------------------------------------------------------------------------
// State
// ---------------------------------------------------------------------------

// State is the lifecycle stage of a Manager.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateOpen
	StateDisconnected
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateDisconnected:
		return "disconnected"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// ---------------------------------------------------------------------------
// Config
// ---------------------------------------------------------------------------

// Config holds connection settings for a Manager.
type Config struct {
	URL               string
	HeartbeatInterval time.Duration // ping period while open
	ReconnectDelay    time.Duration // wait after a drop before redialing
	DialTimeout       time.Duration
	Dialer            ws.Dialer
	Scheduler         sched.Scheduler // nil means the runtime timers
	Logger            *zerolog.Logger
}

// DefaultConfig returns the production timings for url.
func DefaultConfig(url string) Config {
	return Config{
		URL:               url,
		HeartbeatInterval: 25 * time.Second,
		ReconnectDelay:    1500 * time.Millisecond,
		DialTimeout:       10 * time.Second,
	}
}

// Stats counts traffic over the lifetime of a Manager.
type Stats struct {
	Sent       int64 // envelopes written, pings included
	Received   int64 // envelopes delivered to handlers
	Dropped    int64 // malformed frames discarded
	Reconnects int64 // dials started by the reconnect timer
}

// Handler receives a parsed envelope and the raw frame it came from.
type Handler func(env protocol.Envelope, raw []byte)

// ---------------------------------------------------------------------------
// Manager
// ---------------------------------------------------------------------------

// Manager owns a single logical connection to the relay across any number of
// physical sockets. Each dial starts a new generation; callbacks from an
// older generation are ignored.
type Manager struct {
	cfg    Config
	sched  sched.Scheduler
	logger zerolog.Logger

	mu         sync.Mutex
	state      State
	gen        uint64
	conn       net.Conn
	cancelDial context.CancelFunc
	heartbeat  sched.Timer
	reconnect  sched.Timer

	writeMu sync.Mutex // serializes frames on conn

	hmu      sync.RWMutex
	handlers map[string][]Handler
	any      []Handler
	status   []func(State)

	sent, received, dropped, reconnects atomic.Int64
}

// New creates an idle Manager. Zero durations in cfg take the defaults.
func New(cfg Config) *Manager {
	def := DefaultConfig(cfg.URL)
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = def.HeartbeatInterval
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = def.ReconnectDelay
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = def.DialTimeout
	}

	logger := zerolog.Nop()
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}

	return &Manager{
		cfg:      cfg,
		sched:    sched.OrSystem(cfg.Scheduler),
		logger:   logger.With().Str("component", "client").Str("url", cfg.URL).Logger(),
		handlers: make(map[string][]Handler),
	}
}

// On registers a handler for envelopes of the given kind. Handlers run on the
// read goroutine in arrival order and should not block.
func (m *Manager) On(kind string, h Handler) {
	m.hmu.Lock()
	m.handlers[kind] = append(m.handlers[kind], h)
	m.hmu.Unlock()
}

// OnAny registers a handler for every delivered envelope, after the
// kind-specific handlers.
func (m *Manager) OnAny(h Handler) {
	m.hmu.Lock()
	m.any = append(m.any, h)
	m.hmu.Unlock()
}

// OnStatus registers a callback for state changes.
func (m *Manager) OnStatus(fn func(State)) {
	m.hmu.Lock()
	m.status = append(m.status, fn)
	m.hmu.Unlock()
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Stats returns a snapshot of the traffic counters.
func (m *Manager) Stats() Stats {
	return Stats{
		Sent:       m.sent.Load(),
		Received:   m.received.Load(),
		Dropped:    m.dropped.Load(),
		Reconnects: m.reconnects.Load(),
	}
}

// Connect starts dialing the relay. It returns immediately; the outcome is
// reported through OnStatus. Calling Connect while connecting or open does
// nothing. After Teardown it returns ErrClosed.
func (m *Manager) Connect() error {
	m.mu.Lock()
	switch m.state {
	case StateClosed:
		m.mu.Unlock()
		return ErrClosed
	case StateConnecting, StateOpen:
		m.mu.Unlock()
		return nil
	}
	m.startDialLocked()
	m.mu.Unlock()

	m.notify(StateConnecting)
	return nil
}

// Send encodes an envelope and writes it if the connection is open.
func (m *Manager) Send(kind string, payload interface{}) error {
	data, err := protocol.New(kind, payload)
	if err != nil {
		return err
	}

	m.mu.Lock()
	if m.state != StateOpen {
		m.mu.Unlock()
		return ErrNotConnected
	}
	conn, gen := m.conn, m.gen
	m.mu.Unlock()

	if err := m.write(conn, ws.OpText, data); err != nil {
		m.drop(gen, err)
		return fmt.Errorf("client: send %s: %w", kind, err)
	}
	m.sent.Add(1)
	return nil
}

// Teardown cancels both timers, aborts an in-flight dial and closes the
// socket. The Manager is unusable afterwards. It is safe to call in any
// state and more than once.
func (m *Manager) Teardown() {
	m.mu.Lock()
	if m.state == StateClosed {
		m.mu.Unlock()
		return
	}
	prev := m.state
	m.state = StateClosed
	m.gen++
	m.stopHeartbeatLocked()
	m.stopReconnectLocked()
	if m.cancelDial != nil {
		m.cancelDial()
		m.cancelDial = nil
	}
	conn := m.conn
	m.conn = nil
	m.mu.Unlock()

	if conn != nil {
		body := ws.NewCloseFrameBody(ws.StatusNormalClosure, "")
		_ = m.write(conn, ws.OpClose, body)
		_ = conn.Close()
	}

	m.logger.Debug().Str("from", prev.String()).Msg("torn down")
	m.notify(StateClosed)
}

// ---------------------------------------------------------------------------
// Lifecycle internals
// ---------------------------------------------------------------------------

func (m *Manager) startDialLocked() {
	m.stopReconnectLocked()
	m.gen++
	gen := m.gen
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.DialTimeout)
	m.cancelDial = cancel
	m.state = StateConnecting

	go m.dial(ctx, cancel, gen)
}

func (m *Manager) dial(ctx context.Context, cancel context.CancelFunc, gen uint64) {
	defer cancel()

	conn, br, _, err := m.cfg.Dialer.Dial(ctx, m.cfg.URL)

	m.mu.Lock()
	if gen != m.gen || m.state != StateConnecting {
		m.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
		return
	}
	m.cancelDial = nil

	if err != nil {
		m.state = StateDisconnected
		m.scheduleReconnectLocked(gen)
		m.mu.Unlock()

		m.logger.Debug().Err(err).Msg("dial failed")
		m.notify(StateDisconnected)
		return
	}

	m.conn = conn
	m.state = StateOpen
	m.stopReconnectLocked()
	m.armHeartbeatLocked(gen)
	m.mu.Unlock()

	m.logger.Info().Msg("connected")
	m.notify(StateOpen)

	var src io.Reader = conn
	if br != nil {
		src = io.MultiReader(br, conn)
	}
	go m.readLoop(conn, src, gen)
}

// readLoop reads server frames until the socket fails. Control frames are
// answered under the write mutex so they never interleave with Send.
func (m *Manager) readLoop(conn net.Conn, src io.Reader, gen uint64) {
	rd := &wsutil.Reader{
		Source:    src,
		State:     ws.StateClientSide,
		CheckUTF8: true,
	}

	for {
		hdr, err := rd.NextFrame()
		if err != nil {
			m.drop(gen, err)
			return
		}

		if hdr.OpCode.IsControl() {
			if err := m.handleControl(conn, hdr, rd); err != nil {
				m.drop(gen, err)
				return
			}
			continue
		}

		if hdr.OpCode != ws.OpText {
			if err := rd.Discard(); err != nil {
				m.drop(gen, err)
				return
			}
			continue
		}

		data, err := io.ReadAll(rd)
		if errors.Is(err, wsutil.ErrInvalidUTF8) {
			if err := rd.Discard(); err != nil {
				m.drop(gen, err)
				return
			}
			m.dropped.Add(1)
			m.logger.Debug().Msg("dropping text message with invalid utf-8")
			continue
		}
		if err != nil {
			m.drop(gen, err)
			return
		}
		if !m.current(gen) {
			return
		}
		m.deliver(data)
	}
}

func (m *Manager) handleControl(conn net.Conn, hdr ws.Header, rd io.Reader) error {
	payload := make([]byte, hdr.Length)
	if _, err := io.ReadFull(rd, payload); err != nil {
		return err
	}

	switch hdr.OpCode {
	case ws.OpPing:
		return m.write(conn, ws.OpPong, payload)
	case ws.OpClose:
		code, reason := ws.ParseCloseFrameData(payload)
		_ = m.write(conn, ws.OpClose, ws.NewCloseFrameBody(code, ""))
		return wsutil.ClosedError{Code: code, Reason: reason}
	}
	return nil
}

// deliver parses one frame and hands it to the registered handlers. Pongs
// only prove liveness and are discarded.
func (m *Manager) deliver(data []byte) {
	env, err := protocol.Parse(data)
	if err != nil {
		m.dropped.Add(1)
		m.logger.Debug().Err(err).Msg("dropping malformed frame")
		return
	}
	if env.Kind == protocol.KindPong {
		return
	}

	m.hmu.RLock()
	handlers := append([]Handler(nil), m.handlers[env.Kind]...)
	handlers = append(handlers, m.any...)
	m.hmu.RUnlock()

	m.received.Add(1)
	for _, h := range handlers {
		h(env, data)
	}
}

// drop runs close handling for generation gen: the socket is closed, the
// heartbeat stops and one reconnect is scheduled. Errors from stale
// generations or after Teardown are ignored.
func (m *Manager) drop(gen uint64, cause error) {
	m.mu.Lock()
	if gen != m.gen || m.state != StateOpen {
		m.mu.Unlock()
		return
	}
	conn := m.conn
	m.conn = nil
	m.stopHeartbeatLocked()
	m.state = StateDisconnected
	m.scheduleReconnectLocked(gen)
	m.mu.Unlock()

	if conn != nil {
		conn.Close()
	}

	m.logger.Info().Err(cause).Dur("retry_in", m.cfg.ReconnectDelay).Msg("connection lost")
	m.notify(StateDisconnected)
}

func (m *Manager) current(gen uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return gen == m.gen && m.state == StateOpen
}

// ---------------------------------------------------------------------------
// Timers
// ---------------------------------------------------------------------------

// scheduleReconnectLocked arms the reconnect timer unless one is pending.
func (m *Manager) scheduleReconnectLocked(gen uint64) {
	if m.reconnect != nil {
		return
	}
	m.reconnect = m.sched.AfterFunc(m.cfg.ReconnectDelay, func() {
		m.onReconnect(gen)
	})
}

func (m *Manager) onReconnect(gen uint64) {
	m.mu.Lock()
	if gen != m.gen || m.state != StateDisconnected {
		m.mu.Unlock()
		return
	}
	m.reconnect = nil
	m.startDialLocked()
	m.mu.Unlock()

	m.reconnects.Add(1)
	m.logger.Debug().Msg("reconnecting")
	m.notify(StateConnecting)
}

func (m *Manager) stopReconnectLocked() {
	if m.reconnect != nil {
		m.reconnect.Stop()
		m.reconnect = nil
	}
}

func (m *Manager) armHeartbeatLocked(gen uint64) {
	m.heartbeat = m.sched.AfterFunc(m.cfg.HeartbeatInterval, func() {
		m.onHeartbeat(gen)
	})
}

func (m *Manager) onHeartbeat(gen uint64) {
	m.mu.Lock()
	if gen != m.gen || m.state != StateOpen {
		m.mu.Unlock()
		return
	}
	conn := m.conn
	m.armHeartbeatLocked(gen)
	m.mu.Unlock()

	ping, err := protocol.New(protocol.KindPing, nil)
	if err != nil {
		return
	}
	if err := m.write(conn, ws.OpText, ping); err != nil {
		m.drop(gen, err)
		return
	}
	m.sent.Add(1)
}

func (m *Manager) stopHeartbeatLocked() {
	if m.heartbeat != nil {
		m.heartbeat.Stop()
		m.heartbeat = nil
	}
}

// ---------------------------------------------------------------------------
// I/O helpers
// ---------------------------------------------------------------------------

// write sends one masked client frame. The payload is masked in place, so
// callers pass buffers they own.
func (m *Manager) write(conn net.Conn, op ws.OpCode, payload []byte) error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	_ = conn.SetWriteDeadline(time.Now().Add(m.cfg.DialTimeout))
	defer conn.SetWriteDeadline(time.Time{})
	return wsutil.WriteClientMessage(conn, op, payload)
}

func (m *Manager) notify(s State) {
	m.hmu.RLock()
	fns := append(([]func(State))(nil), m.status...)
	m.hmu.RUnlock()

	for _, fn := range fns {
		fn(s)
	}
}
