// Package ws handles WebSocket connection management for the chat relay:
// upgrading HTTP connections, tracking the set of connected clients, reading
// frames off ready sockets and dispatching them to the relay handlers.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/pennywise/chat-relay/internal/metrics"
)

// waitTimeout bounds a single poller wait so the event loop notices shutdown.
const waitTimeout = 250 * time.Millisecond

// ServerConfig holds tunable parameters for the WebSocket server.
type ServerConfig struct {
	ListenAddr     string          // address to listen on, e.g. ":5000"
	WorkerPoolSize int             // max concurrent read-worker goroutines
	MaxConnections int             // hard cap on total connections
	MaxFrameSize   int64           // largest accepted data message, in bytes
	ReadTimeout    time.Duration   // timeout for WebSocket read operations
	WriteTimeout   time.Duration   // timeout for WebSocket write operations
	Heartbeat      HeartbeatConfig // protocol-level liveness sweep
	Logger         *zerolog.Logger
}

// DefaultServerConfig returns a ServerConfig with sensible production defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ListenAddr:     ":5000",
		WorkerPoolSize: 256,
		MaxConnections: 10000,
		MaxFrameSize:   16 << 10,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   5 * time.Second,
		Heartbeat:      DefaultHeartbeatConfig(),
	}
}

// Server is the WebSocket side of the relay, built on gobwas/ws and Linux
// epoll. It upgrades HTTP connections, registers them with the poller for
// readiness notifications and hands ready connections to a bounded worker
// pool that reads one frame at a time.
type Server struct {
	config       ServerConfig
	logger       zerolog.Logger
	conns        *ConnectionManager
	workerPool   chan struct{}                       // semaphore limiting concurrent read workers
	onConnect    func(conn *Connection)              // called once a connection is open
	onMessage    func(conn *Connection, data []byte) // called for every data frame
	onDisconnect func(conn *Connection)              // called when a connection is removed
	httpServer   *http.Server
	done         chan struct{}
	startedAt    time.Time

	mu      sync.Mutex
	epoll   *Epoll
	stopped bool
}

// NewServer creates a Server with the given configuration and message
// callback. The onMessage function is called from a worker goroutine
// whenever a complete WebSocket data frame is received from a client.
func NewServer(config ServerConfig, onMessage func(conn *Connection, data []byte)) *Server {
	if config.WorkerPoolSize <= 0 {
		config.WorkerPoolSize = 1
	}

	logger := zerolog.Nop()
	if config.Logger != nil {
		logger = *config.Logger
	}

	s := &Server{
		config:     config,
		logger:     logger.With().Str("component", "ws-server").Logger(),
		conns:      NewConnectionManager(),
		workerPool: make(chan struct{}, config.WorkerPoolSize),
		onMessage:  onMessage,
		done:       make(chan struct{}),
	}

	// Any path upgrades: the relay exposes a single endpoint and does no
	// path-based routing.
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleUpgrade)
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", metrics.Handler())

	s.httpServer = &http.Server{
		Addr:              config.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Start listens on the configured address and serves until Shutdown.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.config.ListenAddr)
	if err != nil {
		return fmt.Errorf("ws: listen %s: %w", s.config.ListenAddr, err)
	}
	return s.Serve(ln)
}

// Serve initializes the poller, starts the event loop and the heartbeat
// monitor, and blocks serving HTTP on ln until Shutdown.
func (s *Server) Serve(ln net.Listener) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		_ = ln.Close()
		return nil
	}
	ep, err := NewEpoll()
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("ws: failed to create epoll: %w", err)
	}
	s.epoll = ep
	s.startedAt = time.Now()
	s.mu.Unlock()

	go s.startEventLoop()
	StartHeartbeat(s, s.config.Heartbeat)

	s.logger.Info().
		Str("addr", ln.Addr().String()).
		Int("workers", s.config.WorkerPoolSize).
		Int("max_conns", s.config.MaxConnections).
		Msg("server listening")

	if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("ws: http server error: %w", err)
	}
	return nil
}

// handleUpgrade upgrades an HTTP request to a WebSocket connection using the
// gobwas/ws zero-copy upgrader. On success the connection joins the
// connection set and the poller, then becomes open for broadcasts.
func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if s.conns.Count() >= s.config.MaxConnections {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		s.logger.Debug().Err(err).Msg("upgrade failed")
		return
	}

	c := NewConnection(uuid.NewString(), conn, s.config.WriteTimeout)

	s.mu.Lock()
	ep := s.epoll
	s.mu.Unlock()
	if ep == nil {
		_ = c.Close()
		return
	}

	s.conns.Add(c)
	if err := ep.Add(conn); err != nil {
		s.logger.Error().Err(err).Str("conn", c.ID).Msg("epoll add failed")
		s.conns.Remove(c.ID)
		return
	}

	c.SetOnWriteError(s.RemoveConnection)
	c.Open()
	metrics.Connections.Set(float64(s.conns.Count()))

	if s.onConnect != nil {
		s.onConnect(c)
	}

	s.logger.Debug().
		Str("conn", c.ID).
		Int("fd", c.Fd).
		Int("total", s.conns.Count()).
		Msg("connection opened")
}

// handleHealth responds with the server's health status as JSON, including the
// current connection count and uptime.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	resp := struct {
		Status      string `json:"status"`
		Connections int    `json:"connections"`
		Uptime      string `json:"uptime"`
	}{
		Status:      "ok",
		Connections: s.conns.Count(),
		Uptime:      time.Since(s.startedAt).Round(time.Second).String(),
	}

	_ = json.NewEncoder(w).Encode(resp)
}

// startEventLoop runs the poller wait loop. For each batch of ready
// connections, it dispatches each to a worker goroutine (bounded by the
// worker pool semaphore) that reads and processes one WebSocket frame.
func (s *Server) startEventLoop() {
	for {
		select {
		case <-s.done:
			return
		default:
		}

		conns, err := s.epoll.Wait()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
				// EINTR is expected during signal handling.
				if isEINTR(err) {
					continue
				}
				s.logger.Error().Err(err).Msg("epoll wait error")
				continue
			}
		}

		for _, conn := range conns {
			conn := conn

			// Acquire a worker slot (blocks if pool is full).
			s.workerPool <- struct{}{}

			go func() {
				defer func() { <-s.workerPool }()
				s.handleConn(conn)
			}()
		}
	}
}

// handleConn reads one WebSocket message from a ready connection, following
// continuation frames. Control frames are answered or consumed here; data
// messages go to onMessage. Text that is not valid UTF-8 is dropped like any
// other malformed input. Other read failures remove the connection.
func (s *Server) handleConn(netConn net.Conn) {
	c := s.conns.GetByConn(netConn)
	if c == nil {
		return
	}

	// Guard against duplicate dispatch from level-triggered epoll.
	if !atomic.CompareAndSwapInt32(&c.processing, 0, 1) {
		return
	}
	defer atomic.StoreInt32(&c.processing, 0)
	defer s.epoll.Rearm(netConn)

	if s.config.ReadTimeout > 0 {
		_ = netConn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
	}

	closing := false
	rd := &wsutil.Reader{
		Source:       s.epoll.Reader(netConn),
		State:        ws.StateServerSide,
		CheckUTF8:    true,
		MaxFrameSize: s.config.MaxFrameSize,
		OnIntermediate: func(hdr ws.Header, r io.Reader) error {
			closing = closing || s.handleControl(c, hdr, r)
			return nil
		},
	}
	header, err := rd.NextFrame()
	if err != nil {
		// A read timeout means no data was available (stale epoll dispatch).
		// Don't kill the connection, the heartbeat handles dead connections.
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return
		}
		s.RemoveConnection(c)
		return
	}

	if header.OpCode.IsControl() {
		_ = netConn.SetReadDeadline(time.Time{})
		c.Touch()
		if s.handleControl(c, header, rd) {
			s.RemoveConnection(c)
		}
		return
	}

	payload, err := readMessage(rd, s.config.MaxFrameSize)
	if errors.Is(err, wsutil.ErrInvalidUTF8) {
		if err := rd.Discard(); err != nil {
			s.RemoveConnection(c)
			return
		}
		metrics.Frames.WithLabelValues(metrics.ResultMalformed).Inc()
		s.logger.Debug().Str("conn", c.ID).Msg("dropping text message with invalid utf-8")
		payload, err = nil, nil
	}
	if err != nil {
		s.RemoveConnection(c)
		return
	}

	// Clear read deadline after a complete message.
	_ = netConn.SetReadDeadline(time.Time{})

	// Any frame proves the connection is alive.
	c.Touch()

	if closing {
		s.RemoveConnection(c)
		return
	}

	if len(payload) == 0 {
		return
	}

	if s.onMessage != nil {
		s.onMessage(c, payload)
	}
}

// readMessage reads the rest of the current message from rd. A message whose
// frames add up to more than limit bytes fails with wsutil.ErrFrameTooLarge.
func readMessage(rd *wsutil.Reader, limit int64) ([]byte, error) {
	src := io.Reader(rd)
	if limit > 0 {
		src = io.LimitReader(rd, limit+1)
	}
	payload, err := io.ReadAll(src)
	if err != nil {
		return nil, err
	}
	if limit > 0 && int64(len(payload)) > limit {
		return nil, wsutil.ErrFrameTooLarge
	}
	return payload, nil
}

// handleControl consumes a control frame body. Pings are answered with a
// pong. It reports whether the peer asked to close or the pong could not be
// written.
func (s *Server) handleControl(c *Connection, hdr ws.Header, r io.Reader) bool {
	payload := make([]byte, hdr.Length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return true
	}
	switch hdr.OpCode {
	case ws.OpClose:
		return true
	case ws.OpPing:
		return c.WritePong(payload) != nil
	}
	return false
}

// SetOnConnect registers a callback invoked after a connection is opened.
func (s *Server) SetOnConnect(fn func(conn *Connection)) {
	s.onConnect = fn
}

// SetOnDisconnect registers a callback invoked when a connection is removed
// (due to read error, heartbeat timeout, or graceful close).
func (s *Server) SetOnDisconnect(fn func(conn *Connection)) {
	s.onDisconnect = fn
}

// RemoveConnection removes a connection from both the poller and the
// connection set, and closes the underlying network connection. Concurrent
// removals of the same connection are collapsed into one.
func (s *Server) RemoveConnection(c *Connection) {
	s.mu.Lock()
	ep := s.epoll
	s.mu.Unlock()
	if ep != nil {
		_ = ep.Remove(c.Conn)
	}

	// Guard: only proceed if the connection was actually in the manager.
	// This prevents double cleanup when multiple goroutines race to remove
	// the same connection (e.g., read error + heartbeat timeout).
	if !s.conns.Remove(c.ID) {
		return
	}
	metrics.Connections.Set(float64(s.conns.Count()))

	if s.onDisconnect != nil {
		s.onDisconnect(c)
	}

	s.logger.Debug().
		Str("conn", c.ID).
		Int("total", s.conns.Count()).
		Msg("connection closed")
}

// SendMessage writes a WebSocket text frame to the connection identified by
// connID. It is goroutine-safe thanks to the per-connection write mutex.
func (s *Server) SendMessage(connID string, data []byte) error {
	c := s.conns.Get(connID)
	if c == nil {
		return fmt.Errorf("ws: connection %s not found", connID)
	}
	return c.WriteMessage(data)
}

// Connections returns the ConnectionManager for external access to connection
// state (e.g., by the heartbeat or the relay).
func (s *Server) Connections() *ConnectionManager {
	return s.conns
}

// Shutdown performs a graceful shutdown of the server. It stops the HTTP
// listener, signals the event loop to exit, closes all active connections
// with a going-away close frame, and cleans up the poller.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	ep := s.epoll
	s.mu.Unlock()

	s.logger.Info().Msg("shutting down server")

	// Signal the event loop and heartbeat to stop.
	close(s.done)

	var shutdownErr error
	if err := s.httpServer.Shutdown(ctx); err != nil {
		shutdownErr = fmt.Errorf("ws: http shutdown: %w", err)
	}

	for _, c := range s.conns.All() {
		_ = c.WriteClose(ws.StatusGoingAway, "relay shutting down")
		if ep != nil {
			_ = ep.Remove(c.Conn)
		}
		s.conns.Remove(c.ID)
	}
	metrics.Connections.Set(0)

	if ep != nil {
		_ = ep.Close()
	}

	s.logger.Info().Msg("server stopped, all connections closed")
	return shutdownErr
}

// isEINTR checks if the error is a syscall interrupted error (EINTR),
// which is expected during signal handling and should be retried.
func isEINTR(err error) bool {
	if err == nil {
		return false
	}
	return err.Error() == "interrupted system call" ||
		err.Error() == "errno 4"
}
