// Package chat holds the client-side chat panel state: an ordered,
// de-duplicated message log, the typing presence set and the Panel that ties
// both to a relay connection.
package chat

import (
	"sync"

	"github.com/pennywise/chat-relay/internal/protocol"
)

// Message is one entry of the log. Undelivered marks a message composed
// while offline and shown optimistically; it never reached the relay.
type Message struct {
	protocol.ChatPayload
	Undelivered bool
}

// MessageLog is an append-only list of messages, oldest first, keyed by
// message id. It is goroutine-safe and unbounded.
type MessageLog struct {
	mu    sync.RWMutex
	items []Message
	seen  map[string]struct{}
}

// NewMessageLog creates an empty MessageLog.
func NewMessageLog() *MessageLog {
	return &MessageLog{
		seen: make(map[string]struct{}),
	}
}

// Add appends msg unless a message with the same id is already present. It
// reports whether msg was appended. Messages without an id are rejected
// since they cannot be de-duplicated.
func (l *MessageLog) Add(msg Message) bool {
	if msg.ID == "" {
		return false
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, dup := l.seen[msg.ID]; dup {
		return false
	}
	l.seen[msg.ID] = struct{}{}
	l.items = append(l.items, msg)
	return true
}

// Has reports whether a message with the given id was logged.
func (l *MessageLog) Has(id string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.seen[id]
	return ok
}

// Messages returns a copy of the log in display order.
func (l *MessageLog) Messages() []Message {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]Message, len(l.items))
	copy(out, l.items)
	return out
}

// Len returns the number of logged messages.
func (l *MessageLog) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.items)
}
