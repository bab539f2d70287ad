package ws

import (
	"github.com/rs/zerolog"

	"github.com/pennywise/chat-relay/internal/metrics"
	"github.com/pennywise/chat-relay/internal/protocol"
)

// MessageHandler is the callback signature for handling a parsed envelope.
// raw is the exact frame payload as received, so handlers can forward it
// without re-encoding.
type MessageHandler func(conn *Connection, env protocol.Envelope, raw []byte)

// MessageDispatcher routes incoming frames to registered handlers based on
// the envelope kind. It answers application pings itself and drops malformed
// frames without replying, so one misbehaving client never affects others.
type MessageDispatcher struct {
	handlers map[string]MessageHandler
	fallback MessageHandler
	logger   zerolog.Logger
}

// NewMessageDispatcher creates an empty MessageDispatcher.
func NewMessageDispatcher(logger *zerolog.Logger) *MessageDispatcher {
	l := zerolog.Nop()
	if logger != nil {
		l = *logger
	}
	return &MessageDispatcher{
		handlers: make(map[string]MessageHandler),
		logger:   l.With().Str("component", "dispatcher").Logger(),
	}
}

// Register associates a MessageHandler with an envelope kind. If a handler was
// already registered for the given kind, it is silently replaced.
func (d *MessageDispatcher) Register(kind string, handler MessageHandler) {
	d.handlers[kind] = handler
}

// SetFallback registers the handler used for kinds with no registered
// handler. Without one, such envelopes are dropped.
func (d *MessageDispatcher) SetFallback(handler MessageHandler) {
	d.fallback = handler
}

// Dispatch is the onMessage callback implementation.
func (d *MessageDispatcher) Dispatch(conn *Connection, data []byte) {
	env, err := protocol.Parse(data)
	if err != nil {
		metrics.Frames.WithLabelValues(metrics.ResultMalformed).Inc()
		d.logger.Debug().Err(err).Str("conn", conn.ID).Int("len", len(data)).Msg("dropping malformed frame")
		return
	}

	// Built-in ping handler: the heartbeat is point-to-point, answered here
	// and never broadcast.
	if env.Kind == protocol.KindPing {
		metrics.Frames.WithLabelValues(metrics.ResultControl).Inc()
		d.sendPong(conn)
		return
	}

	handler, ok := d.handlers[env.Kind]
	if !ok {
		handler = d.fallback
	}
	if handler == nil {
		d.logger.Debug().Str("kind", env.Kind).Str("conn", conn.ID).Msg("no handler for kind")
		return
	}

	handler(conn, env, data)
}

// sendPong queues a pong envelope behind any broadcasts already waiting for
// conn, so replies keep their order with other outbound data.
func (d *MessageDispatcher) sendPong(conn *Connection) {
	if !conn.Enqueue(pongFrame) {
		d.logger.Debug().Str("conn", conn.ID).Msg("pong dropped")
	}
}

var pongFrame = mustEnvelope(protocol.KindPong)

func mustEnvelope(kind string) []byte {
	b, err := protocol.New(kind, nil)
	if err != nil {
		panic(err)
	}
	return b
}
