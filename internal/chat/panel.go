package chat

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/pennywise/chat-relay/internal/client"
	"github.com/pennywise/chat-relay/internal/protocol"
	"github.com/pennywise/chat-relay/internal/sched"
)

// ErrEmptyMessage is returned by SendText for blank input.
var ErrEmptyMessage = errors.New("chat: message is empty")

// OfflinePolicy decides what happens to a message composed while the
// connection is down.
type OfflinePolicy int

const (
	// OfflineShow appends the message locally, marked Undelivered.
	OfflineShow OfflinePolicy = iota
	// OfflineDrop discards the message.
	OfflineDrop
)

// Indicator labels for the connection status badge.
const (
	IndicatorLive       = "Live"
	IndicatorConnecting = "Connecting..."
	IndicatorOffline    = "Offline"
)

// Conn is the part of client.Manager the panel depends on.
type Conn interface {
	Send(kind string, payload interface{}) error
	On(kind string, h client.Handler)
	State() client.State
}

// PanelConfig configures a Panel.
type PanelConfig struct {
	User      string // local display name, "You" when empty
	Offline   OfflinePolicy
	Scheduler sched.Scheduler // drives typing expiry
	TypingTTL time.Duration
	Now       func() time.Time
	Logger    *zerolog.Logger
}

// Panel is the chat widget logic: it merges incoming chat into a MessageLog,
// feeds typing signals into a Typing set and sends the local user's input.
type Panel struct {
	conn   Conn
	user   string
	policy OfflinePolicy
	now    func() time.Time
	logger zerolog.Logger

	log    *MessageLog
	typing *Typing

	mu        sync.RWMutex
	onMessage []func(Message)
}

// NewPanel creates a Panel and subscribes it to chat and typing envelopes on
// conn.
func NewPanel(conn Conn, cfg PanelConfig) *Panel {
	if cfg.User == "" {
		cfg.User = "You"
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	logger := zerolog.Nop()
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}

	p := &Panel{
		conn:   conn,
		user:   cfg.User,
		policy: cfg.Offline,
		now:    cfg.Now,
		logger: logger.With().Str("component", "chat").Logger(),
		log:    NewMessageLog(),
		typing: NewTyping(cfg.Scheduler, cfg.TypingTTL),
	}

	conn.On(protocol.KindChat, p.handleChat)
	conn.On(protocol.KindTyping, p.handleTyping)
	return p
}

// User returns the local display name.
func (p *Panel) User() string { return p.user }

// Log returns the message log.
func (p *Panel) Log() *MessageLog { return p.log }

// Typing returns the typing presence set.
func (p *Panel) Typing() *Typing { return p.typing }

// Messages returns the logged messages, oldest first.
func (p *Panel) Messages() []Message { return p.log.Messages() }

// OnMessage registers fn for every message newly added to the log, whether
// received or composed locally.
func (p *Panel) OnMessage(fn func(Message)) {
	p.mu.Lock()
	p.onMessage = append(p.onMessage, fn)
	p.mu.Unlock()
}

// SendText sends text as a chat message from the local user. The message is
// logged locally on success. When the connection is down the error wraps
// client.ErrNotConnected and, under OfflineShow, the message is still logged
// with Undelivered set.
func (p *Panel) SendText(text string) (Message, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return Message{}, ErrEmptyMessage
	}

	msg := Message{ChatPayload: protocol.ChatPayload{
		ID:   uuid.NewString(),
		From: p.user,
		Text: text,
		Time: p.now().Format("15:04"),
	}}
	if err := protocol.ValidateChat(msg.ChatPayload); err != nil {
		return Message{}, fmt.Errorf("chat: %w", err)
	}

	err := p.conn.Send(protocol.KindChat, msg.ChatPayload)
	switch {
	case err == nil:
		p.add(msg)
		return msg, nil
	case errors.Is(err, client.ErrNotConnected):
		if p.policy == OfflineShow {
			msg.Undelivered = true
			p.add(msg)
		}
		return msg, fmt.Errorf("chat: message not delivered: %w", err)
	default:
		return msg, fmt.Errorf("chat: %w", err)
	}
}

// NotifyTyping tells the other participants the local user is composing.
// It does nothing while disconnected.
func (p *Panel) NotifyTyping() error {
	if p.conn.State() != client.StateOpen {
		return nil
	}
	err := p.conn.Send(protocol.KindTyping, protocol.TypingPayload{From: p.user})
	if err != nil && !errors.Is(err, client.ErrNotConnected) {
		return fmt.Errorf("chat: %w", err)
	}
	return nil
}

// Indicator returns the status badge text for the current connection state.
func (p *Panel) Indicator() string {
	return IndicatorFor(p.conn.State())
}

// IndicatorFor maps a connection state to its badge text.
func IndicatorFor(s client.State) string {
	switch s {
	case client.StateOpen:
		return IndicatorLive
	case client.StateIdle, client.StateConnecting:
		return IndicatorConnecting
	}
	return IndicatorOffline
}

// Close cancels every typing timer.
func (p *Panel) Close() {
	p.typing.Stop()
}

func (p *Panel) handleChat(env protocol.Envelope, raw []byte) {
	payload, err := env.Chat()
	if err != nil {
		p.logger.Debug().Err(err).Msg("ignoring invalid chat")
		return
	}
	p.add(Message{ChatPayload: payload})
}

func (p *Panel) handleTyping(env protocol.Envelope, raw []byte) {
	payload, err := env.Typing()
	if err != nil {
		p.logger.Debug().Err(err).Msg("ignoring invalid typing")
		return
	}
	if payload.From == p.user {
		return
	}
	p.typing.Observe(payload.From)
}

func (p *Panel) add(msg Message) {
	if !p.log.Add(msg) {
		return
	}

	p.mu.RLock()
	fns := append(([]func(Message))(nil), p.onMessage...)
	p.mu.RUnlock()

	for _, fn := range fns {
		fn(msg)
	}
}
