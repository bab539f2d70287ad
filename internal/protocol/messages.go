// Package protocol defines the envelope exchanged between the chat relay and
// its clients. Every WebSocket text frame carries exactly one JSON envelope
// with a kind discriminator and a kind-specific payload object.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

// ---------------------------------------------------------------------------
// Envelope kinds
// ---------------------------------------------------------------------------

const (
	KindChat   = "chat"
	KindTyping = "typing"
	KindPing   = "ping"
	KindPong   = "pong"
)

var (
	// ErrMalformed reports a frame that is not a JSON envelope with a kind.
	ErrMalformed = errors.New("protocol: malformed envelope")

	// ErrInvalidPayload reports a well-formed envelope whose payload does
	// not satisfy the schema of its kind.
	ErrInvalidPayload = errors.New("protocol: invalid payload")
)

// ---------------------------------------------------------------------------
// Envelope
// ---------------------------------------------------------------------------

// Envelope is the unit of exchange over the socket. Payload is kept raw so
// the relay can route on Kind without decoding the body, and so receivers
// can ignore kinds they do not understand.
type Envelope struct {
	Kind    string          `json:"kind"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// UnmarshalJSON implements json.Unmarshaler. It rejects anything that is not
// an object carrying a non-empty "kind" string.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	var partial struct {
		Kind    *string         `json:"kind"`
		Payload json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if partial.Kind == nil || *partial.Kind == "" {
		return fmt.Errorf("%w: missing or empty \"kind\" field", ErrMalformed)
	}
	e.Kind = *partial.Kind
	e.Payload = partial.Payload
	return nil
}

// Known reports whether the envelope kind is one this package defines.
func (e Envelope) Known() bool {
	switch e.Kind {
	case KindChat, KindTyping, KindPing, KindPong:
		return true
	}
	return false
}

// Chat decodes and validates the payload of a chat envelope.
func (e Envelope) Chat() (ChatPayload, error) {
	var p ChatPayload
	if e.Kind != KindChat {
		return p, fmt.Errorf("%w: kind %q is not %q", ErrInvalidPayload, e.Kind, KindChat)
	}
	if err := decodePayload(e.Payload, &p); err != nil {
		return p, err
	}
	return p, ValidateChat(p)
}

// Typing decodes and validates the payload of a typing envelope.
func (e Envelope) Typing() (TypingPayload, error) {
	var p TypingPayload
	if e.Kind != KindTyping {
		return p, fmt.Errorf("%w: kind %q is not %q", ErrInvalidPayload, e.Kind, KindTyping)
	}
	if err := decodePayload(e.Payload, &p); err != nil {
		return p, err
	}
	return p, ValidateTyping(p)
}

// ---------------------------------------------------------------------------
// Payloads
// ---------------------------------------------------------------------------

// ChatPayload is a single chat line. ID is assigned by the sender and used by
// receivers to de-duplicate; Time is display-formatted by the sender.
type ChatPayload struct {
	ID   string `json:"id"`
	From string `json:"from"`
	Text string `json:"text"`
	Time string `json:"time"`
}

// TypingPayload signals that From is composing a message.
type TypingPayload struct {
	From string `json:"from"`
}

// ValidateChat checks that a chat payload meets content requirements. Text
// length is bounded only by the relay's message size limit.
func ValidateChat(p ChatPayload) error {
	if p.ID == "" {
		return fmt.Errorf("%w: chat id is empty", ErrInvalidPayload)
	}
	if strings.TrimSpace(p.Text) == "" {
		return fmt.Errorf("%w: chat text is empty", ErrInvalidPayload)
	}
	if !utf8.ValidString(p.Text) {
		return fmt.Errorf("%w: chat text contains invalid UTF-8", ErrInvalidPayload)
	}
	return nil
}

// ValidateTyping checks that a typing payload names its sender.
func ValidateTyping(p TypingPayload) error {
	if p.From == "" {
		return fmt.Errorf("%w: typing sender is empty", ErrInvalidPayload)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// Parse decodes raw frame bytes into an Envelope. Every failure wraps
// ErrMalformed so callers can tell bad input apart from I/O errors.
func Parse(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		if errors.Is(err, ErrMalformed) {
			return Envelope{}, err
		}
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return env, nil
}

// New encodes an envelope of the given kind. A nil payload is encoded as an
// empty object, which is what ping and pong carry on the wire.
func New(kind string, payload interface{}) ([]byte, error) {
	raw := json.RawMessage(`{}`)
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("protocol: failed to marshal %q payload: %w", kind, err)
		}
		raw = b
	}

	out, err := json.Marshal(Envelope{Kind: kind, Payload: raw})
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal envelope: %w", err)
	}
	return out, nil
}

// NewChat encodes a chat envelope after validating the payload.
func NewChat(p ChatPayload) ([]byte, error) {
	if err := ValidateChat(p); err != nil {
		return nil, err
	}
	return New(KindChat, p)
}

// NewTyping encodes a typing envelope for the given sender.
func NewTyping(from string) ([]byte, error) {
	p := TypingPayload{From: from}
	if err := ValidateTyping(p); err != nil {
		return nil, err
	}
	return New(KindTyping, p)
}

func decodePayload(raw json.RawMessage, v interface{}) error {
	if len(raw) == 0 || string(raw) == "null" {
		return fmt.Errorf("%w: payload is missing", ErrInvalidPayload)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return nil
}
