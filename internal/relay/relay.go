// Package relay implements the chat broadcast relay: every well-formed
// envelope a client sends is forwarded verbatim to every other open
// connection. The relay keeps no history and knows nothing about rooms or
// identities.
package relay

import (
	"context"
	"net"
	"time"

	"github.com/rs/zerolog"

	"github.com/pennywise/chat-relay/internal/metrics"
	"github.com/pennywise/chat-relay/internal/protocol"
	"github.com/pennywise/chat-relay/internal/ratelimit"
	"github.com/pennywise/chat-relay/internal/ws"
)

// limiterTimeout bounds one rate-limit round trip. A slow Redis fails open.
const limiterTimeout = 200 * time.Millisecond

// Limiter throttles chat envelopes per connection.
type Limiter interface {
	Allow(ctx context.Context, identifier string, rule ratelimit.Rule) (bool, error)
	Reset(ctx context.Context, identifier string, rule ratelimit.Rule) error
}

// Publisher receives a copy of every forwarded envelope.
type Publisher interface {
	PublishEvent(kind string, data []byte) error
}

// Config wires optional collaborators into a Relay.
type Config struct {
	Server    ws.ServerConfig
	Limiter   Limiter        // nil disables rate limiting
	ChatRule  ratelimit.Rule // zero value means ratelimit.RuleChat
	Publisher Publisher      // nil disables the event tap
	Logger    *zerolog.Logger
}

// Relay owns one WebSocket server and its set of connected clients.
type Relay struct {
	server     *ws.Server
	dispatcher *ws.MessageDispatcher
	limiter    Limiter
	rule       ratelimit.Rule
	publisher  Publisher
	logger     zerolog.Logger
}

// New creates a Relay and registers its envelope handlers. The server is not
// listening until Start or Serve is called.
func New(cfg Config) *Relay {
	base := zerolog.Nop()
	if cfg.Logger != nil {
		base = *cfg.Logger
	}
	if cfg.Server.Logger == nil {
		cfg.Server.Logger = &base
	}
	if cfg.ChatRule == (ratelimit.Rule{}) {
		cfg.ChatRule = ratelimit.RuleChat
	}

	r := &Relay{
		dispatcher: ws.NewMessageDispatcher(&base),
		limiter:    cfg.Limiter,
		rule:       cfg.ChatRule,
		publisher:  cfg.Publisher,
		logger:     base.With().Str("component", "relay").Logger(),
	}
	r.server = ws.NewServer(cfg.Server, r.dispatcher.Dispatch)

	r.dispatcher.Register(protocol.KindChat, r.handleChat)
	r.dispatcher.Register(protocol.KindTyping, r.handleTyping)
	r.dispatcher.Register(protocol.KindPong, r.handlePong)
	r.dispatcher.SetFallback(r.forward)

	r.server.SetOnConnect(r.onConnect)
	r.server.SetOnDisconnect(r.onDisconnect)
	return r
}

// Start listens on the configured address and blocks until Shutdown.
func (r *Relay) Start() error {
	return r.server.Start()
}

// Serve serves on an existing listener and blocks until Shutdown.
func (r *Relay) Serve(ln net.Listener) error {
	return r.server.Serve(ln)
}

// Shutdown closes every client connection and stops the server.
func (r *Relay) Shutdown(ctx context.Context) error {
	return r.server.Shutdown(ctx)
}

// Connections returns the set of connected clients.
func (r *Relay) Connections() *ws.ConnectionManager {
	return r.server.Connections()
}

func (r *Relay) onConnect(conn *ws.Connection) {
	r.logger.Info().
		Str("conn", conn.ID).
		Str("remote", conn.Conn.RemoteAddr().String()).
		Msg("client connected")
}

func (r *Relay) onDisconnect(conn *ws.Connection) {
	r.logger.Info().
		Str("conn", conn.ID).
		Dur("lifetime", time.Since(conn.CreatedAt).Round(time.Millisecond)).
		Msg("client disconnected")

	if r.limiter != nil {
		ctx, cancel := context.WithTimeout(context.Background(), limiterTimeout)
		defer cancel()
		if err := r.limiter.Reset(ctx, conn.ID, r.rule); err != nil {
			r.logger.Debug().Err(err).Str("conn", conn.ID).Msg("rate limit reset failed")
		}
	}
}

// handleChat validates a chat envelope, applies the per-connection rate
// limit and forwards it.
func (r *Relay) handleChat(conn *ws.Connection, env protocol.Envelope, raw []byte) {
	if _, err := env.Chat(); err != nil {
		metrics.Frames.WithLabelValues(metrics.ResultInvalid).Inc()
		r.logger.Debug().Err(err).Str("conn", conn.ID).Msg("dropping invalid chat")
		return
	}

	if r.limiter != nil {
		ctx, cancel := context.WithTimeout(context.Background(), limiterTimeout)
		allowed, err := r.limiter.Allow(ctx, conn.ID, r.rule)
		cancel()
		if err != nil {
			r.logger.Debug().Err(err).Str("conn", conn.ID).Msg("rate limiter unavailable")
		}
		if !allowed {
			metrics.Frames.WithLabelValues(metrics.ResultRateLimited).Inc()
			r.logger.Warn().Str("conn", conn.ID).Msg("chat rate limited")
			return
		}
	}

	r.forward(conn, env, raw)
}

func (r *Relay) handleTyping(conn *ws.Connection, env protocol.Envelope, raw []byte) {
	if _, err := env.Typing(); err != nil {
		metrics.Frames.WithLabelValues(metrics.ResultInvalid).Inc()
		r.logger.Debug().Err(err).Str("conn", conn.ID).Msg("dropping invalid typing")
		return
	}
	r.forward(conn, env, raw)
}

// handlePong swallows heartbeat replies; they are point-to-point.
func (r *Relay) handlePong(conn *ws.Connection, env protocol.Envelope, raw []byte) {
	metrics.Frames.WithLabelValues(metrics.ResultControl).Inc()
}

// forward writes raw, unmodified, to every open connection except the
// sender. Write failures are not reported to the sender.
func (r *Relay) forward(conn *ws.Connection, env protocol.Envelope, raw []byte) {
	start := time.Now()
	delivered := r.server.Connections().BroadcastExcept(raw, conn.ID)
	metrics.BroadcastLatency.Observe(time.Since(start).Seconds())
	metrics.BroadcastFanout.Observe(float64(delivered))
	metrics.Frames.WithLabelValues(metrics.ResultForwarded).Inc()

	r.logger.Debug().
		Str("conn", conn.ID).
		Str("kind", env.Kind).
		Int("delivered", delivered).
		Msg("envelope forwarded")

	if r.publisher != nil {
		if err := r.publisher.PublishEvent(env.Kind, raw); err != nil {
			r.logger.Debug().Err(err).Str("kind", env.Kind).Msg("event tap publish failed")
		}
	}
}
