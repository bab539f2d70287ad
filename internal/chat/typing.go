package chat

import (
	"strings"
	"sync"
	"time"

	"github.com/pennywise/chat-relay/internal/sched"
)

// TypingTTL is how long a sender stays in the typing set after their last
// typing signal.
const TypingTTL = 2 * time.Second

// Typing tracks which remote senders are currently composing. Each sender
// has at most one expiry timer; a new signal replaces it.
type Typing struct {
	sched sched.Scheduler
	ttl   time.Duration

	mu       sync.Mutex
	order    []string
	entries  map[string]*typingEntry
	seq      uint64
	stopped  bool
	onChange func(users []string)
}

type typingEntry struct {
	timer sched.Timer
	seq   uint64
}

// NewTyping creates an empty typing set. A nil scheduler uses the runtime
// timers and a non-positive ttl means TypingTTL.
func NewTyping(s sched.Scheduler, ttl time.Duration) *Typing {
	if ttl <= 0 {
		ttl = TypingTTL
	}
	return &Typing{
		sched:   sched.OrSystem(s),
		ttl:     ttl,
		entries: make(map[string]*typingEntry),
	}
}

// OnChange registers fn to be called with the new set whenever a sender
// joins or leaves. It replaces any earlier callback.
func (t *Typing) OnChange(fn func(users []string)) {
	t.mu.Lock()
	t.onChange = fn
	t.mu.Unlock()
}

// Observe records a typing signal from sender and restarts its expiry.
func (t *Typing) Observe(sender string) {
	if sender == "" {
		return
	}

	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}

	e, exists := t.entries[sender]
	if exists {
		e.timer.Stop()
	} else {
		e = &typingEntry{}
		t.entries[sender] = e
		t.order = append(t.order, sender)
	}

	t.seq++
	seq := t.seq
	e.seq = seq
	e.timer = t.sched.AfterFunc(t.ttl, func() { t.expire(sender, seq) })

	var notify func([]string)
	var users []string
	if !exists {
		notify, users = t.onChange, t.usersLocked()
	}
	t.mu.Unlock()

	if notify != nil {
		notify(users)
	}
}

// expire removes sender if seq still identifies its latest timer.
func (t *Typing) expire(sender string, seq uint64) {
	t.mu.Lock()
	e, ok := t.entries[sender]
	if !ok || e.seq != seq || t.stopped {
		t.mu.Unlock()
		return
	}
	delete(t.entries, sender)
	for i, s := range t.order {
		if s == sender {
			t.order = append(t.order[:i], t.order[i+1:]...)
			break
		}
	}
	notify, users := t.onChange, t.usersLocked()
	t.mu.Unlock()

	if notify != nil {
		notify(users)
	}
}

// Users returns the senders currently typing, in the order they started.
func (t *Typing) Users() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.usersLocked()
}

func (t *Typing) usersLocked() []string {
	out := make([]string, len(t.order))
	copy(out, t.order)
	return out
}

// Label renders the typing line shown under the message list, or "" when
// nobody is typing.
func (t *Typing) Label() string {
	return TypingLabel(t.Users())
}

// Stop cancels every pending timer and clears the set. Later signals are
// ignored.
func (t *Typing) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, e := range t.entries {
		e.timer.Stop()
	}
	t.entries = make(map[string]*typingEntry)
	t.order = nil
	t.stopped = true
}

// TypingLabel formats users as "Bob is typing…" or "Alice, Bob are typing…".
func TypingLabel(users []string) string {
	switch len(users) {
	case 0:
		return ""
	case 1:
		return users[0] + " is typing…"
	}
	return strings.Join(users, ", ") + " are typing…"
}
