package client

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	gobws "github.com/gobwas/ws"

	"github.com/pennywise/chat-relay/internal/protocol"
	"github.com/pennywise/chat-relay/internal/relay"
	"github.com/pennywise/chat-relay/internal/sched/schedtest"
	"github.com/pennywise/chat-relay/internal/ws"
)

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// startRelayOn serves a relay on ln until the test ends or the returned stop
// function is called.
func startRelayOn(t *testing.T, ln net.Listener) (*relay.Relay, func()) {
	t.Helper()
	cfg := ws.DefaultServerConfig()
	cfg.WorkerPoolSize = 4
	cfg.Heartbeat.Interval = 0
	r := relay.New(relay.Config{Server: cfg})
	go r.Serve(ln)

	stop := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		r.Shutdown(ctx)
	}
	t.Cleanup(stop)
	return r, stop
}

func startRelay(t *testing.T) (*relay.Relay, string, func()) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	r, stop := startRelayOn(t, ln)
	return r, ln.Addr().String(), stop
}

// deadAddr returns a loopback address nothing listens on.
func deadAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()
	return addr
}

func newManager(t *testing.T, addr string, fake *schedtest.Fake) (*Manager, chan State) {
	t.Helper()
	cfg := DefaultConfig("ws://" + addr + "/")
	cfg.DialTimeout = 2 * time.Second
	cfg.Scheduler = fake
	m := New(cfg)

	states := make(chan State, 64)
	m.OnStatus(func(s State) { states <- s })
	t.Cleanup(m.Teardown)
	return m, states
}

func waitState(t *testing.T, states <-chan State, want State) {
	t.Helper()
	timeout := time.After(3 * time.Second)
	for {
		select {
		case s := <-states:
			if s == want {
				return
			}
		case <-timeout:
			t.Fatalf("timed out waiting for state %s", want)
		}
	}
}

func expectNoState(t *testing.T, states <-chan State, wait time.Duration) {
	t.Helper()
	select {
	case s := <-states:
		t.Fatalf("unexpected state change to %s", s)
	case <-time.After(wait):
	}
}

func waitRelayCount(t *testing.T, r *relay.Relay, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if r.Connections().Count() == n {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("relay has %d connections, want %d", r.Connections().Count(), n)
}

// ---------------------------------------------------------------------------
// Basic contract
// ---------------------------------------------------------------------------

func TestSendWhileIdle(t *testing.T) {
	m, _ := newManager(t, deadAddr(t), schedtest.New())

	err := m.Send(protocol.KindTyping, protocol.TypingPayload{From: "a"})
	if !errors.Is(err, ErrNotConnected) {
		t.Errorf("Send = %v, want ErrNotConnected", err)
	}
}

func TestConnectAfterTeardown(t *testing.T) {
	m, _ := newManager(t, deadAddr(t), schedtest.New())

	m.Teardown()
	m.Teardown()

	if err := m.Connect(); !errors.Is(err, ErrClosed) {
		t.Errorf("Connect = %v, want ErrClosed", err)
	}
	if m.State() != StateClosed {
		t.Errorf("state = %s, want closed", m.State())
	}
}

func TestEndToEndChat(t *testing.T) {
	r, addr, _ := startRelay(t)
	fake := schedtest.New()

	a, aStates := newManager(t, addr, fake)
	b, bStates := newManager(t, addr, fake)

	aGot := make(chan protocol.ChatPayload, 4)
	a.OnAny(func(env protocol.Envelope, raw []byte) {
		if p, err := env.Chat(); err == nil {
			aGot <- p
		}
	})
	bGot := make(chan protocol.ChatPayload, 4)
	b.On(protocol.KindChat, func(env protocol.Envelope, raw []byte) {
		p, _ := env.Chat()
		bGot <- p
	})

	a.Connect()
	b.Connect()
	waitState(t, aStates, StateOpen)
	waitState(t, bStates, StateOpen)
	waitRelayCount(t, r, 2)

	sent := protocol.ChatPayload{ID: "tmp-1", From: "alice", Text: "hi bob", Time: "09:30"}
	if err := a.Send(protocol.KindChat, sent); err != nil {
		t.Fatalf("Send: %v", err)
	}

	select {
	case p := <-bGot:
		if p != sent {
			t.Errorf("B got %+v, want %+v", p, sent)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("B never received the chat")
	}

	// A's first delivery must be B's reply, not an echo of its own message.
	reply := protocol.ChatPayload{ID: "tmp-2", From: "bob", Text: "hey", Time: "09:31"}
	if err := b.Send(protocol.KindChat, reply); err != nil {
		t.Fatalf("Send: %v", err)
	}
	select {
	case p := <-aGot:
		if p != reply {
			t.Errorf("A got %+v, want B's reply", p)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("A never received the reply")
	}

	if got := b.Stats().Received; got != 1 {
		t.Errorf("B received %d envelopes, want 1", got)
	}
}

func TestConnectIsIdempotent(t *testing.T) {
	r, addr, _ := startRelay(t)
	m, states := newManager(t, addr, schedtest.New())

	m.Connect()
	m.Connect()
	waitState(t, states, StateOpen)
	m.Connect()

	waitRelayCount(t, r, 1)
	time.Sleep(50 * time.Millisecond)
	if n := r.Connections().Count(); n != 1 {
		t.Errorf("relay has %d connections, want 1", n)
	}
}

func TestDeliverDiscardsPongAndMalformed(t *testing.T) {
	m, _ := newManager(t, deadAddr(t), schedtest.New())

	var kinds []string
	m.OnAny(func(env protocol.Envelope, raw []byte) { kinds = append(kinds, env.Kind) })

	m.deliver([]byte(`{"kind":"pong","payload":{}}`))
	m.deliver([]byte(`garbage`))
	m.deliver([]byte(`{"kind":"reaction","payload":{}}`))

	if len(kinds) != 1 || kinds[0] != "reaction" {
		t.Errorf("delivered kinds = %v, want [reaction]", kinds)
	}
	st := m.Stats()
	if st.Dropped != 1 || st.Received != 1 {
		t.Errorf("stats = %+v, want 1 dropped and 1 received", st)
	}
}

// serveFrames accepts one client on a loopback listener, completes the
// handshake and writes frames to it. The connection stays open until the
// test ends.
func serveFrames(t *testing.T, frames ...gobws.Frame) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	accepted := make(chan net.Conn, 1)
	t.Cleanup(func() {
		ln.Close()
		select {
		case conn := <-accepted:
			conn.Close()
		default:
		}
	})

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		accepted <- conn
		if _, err := gobws.Upgrade(conn); err != nil {
			return
		}
		for _, f := range frames {
			if err := gobws.WriteFrame(conn, f); err != nil {
				return
			}
		}
	}()
	return ln.Addr().String()
}

func TestInvalidUTF8MessageDroppedNotFatal(t *testing.T) {
	bad := []byte("{\"kind\":\"chat\",\"payload\":{\"id\":\"x\",\"from\":\"M\",\"text\":\"hi \xff\",\"time\":\"1\"}}")
	good, err := protocol.NewChat(protocol.ChatPayload{ID: "ok", From: "bob", Text: "still open", Time: "10:00"})
	if err != nil {
		t.Fatalf("NewChat: %v", err)
	}
	half := len(good) / 2

	addr := serveFrames(t,
		gobws.NewTextFrame(bad),
		gobws.NewFrame(gobws.OpText, false, good[:half]),
		gobws.NewFrame(gobws.OpContinuation, true, good[half:]),
	)

	m, states := newManager(t, addr, schedtest.New())
	got := make(chan string, 4)
	m.On(protocol.KindChat, func(env protocol.Envelope, raw []byte) {
		p, _ := env.Chat()
		got <- p.ID
	})
	if err := m.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	waitState(t, states, StateOpen)

	select {
	case id := <-got:
		if id != "ok" {
			t.Fatalf("delivered %q, want ok", id)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("fragmented chat after invalid utf-8 was not delivered")
	}

	expectNoState(t, states, 100*time.Millisecond)
	if m.State() != StateOpen {
		t.Errorf("state = %s, want open", m.State())
	}
	if st := m.Stats(); st.Dropped != 1 || st.Received != 1 {
		t.Errorf("stats = %+v, want 1 dropped and 1 received", st)
	}
}

// ---------------------------------------------------------------------------
// Timers
// ---------------------------------------------------------------------------

func TestHeartbeatOnlyWhileOpen(t *testing.T) {
	_, addr, _ := startRelay(t)
	fake := schedtest.New()
	m, states := newManager(t, addr, fake)

	m.Connect()
	waitState(t, states, StateOpen)

	if n := fake.Active(); n != 1 {
		t.Fatalf("active timers = %d, want 1 heartbeat", n)
	}
	if d, _ := fake.NextIn(); d != 25*time.Second {
		t.Fatalf("next timer in %v, want 25s", d)
	}

	fake.Advance(25 * time.Second)
	if got := m.Stats().Sent; got != 1 {
		t.Errorf("sent = %d after one interval, want 1 ping", got)
	}
	fake.Advance(25 * time.Second)
	if got := m.Stats().Sent; got != 2 {
		t.Errorf("sent = %d after two intervals, want 2 pings", got)
	}
	if n := fake.Active(); n != 1 {
		t.Errorf("active timers = %d, want 1", n)
	}
	if m.State() != StateOpen {
		t.Errorf("state = %s, want open", m.State())
	}
}

func TestReconnectConvergence(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	_, stop := startRelayOn(t, ln)

	fake := schedtest.New()
	m, states := newManager(t, addr, fake)
	m.Connect()
	waitState(t, states, StateOpen)

	stop()
	waitState(t, states, StateDisconnected)

	// Heartbeat stopped, exactly one reconnect pending.
	if n := fake.Active(); n != 1 {
		t.Fatalf("active timers = %d, want 1 reconnect", n)
	}
	if d, _ := fake.NextIn(); d != 1500*time.Millisecond {
		t.Fatalf("reconnect in %v, want 1.5s", d)
	}

	ln2, err := net.Listen("tcp", addr)
	if err != nil {
		t.Skipf("cannot rebind %s: %v", addr, err)
	}
	r2, _ := startRelayOn(t, ln2)

	fake.Advance(1500 * time.Millisecond)
	waitState(t, states, StateOpen)
	waitRelayCount(t, r2, 1)

	if n := fake.Active(); n != 1 {
		t.Errorf("active timers = %d, want 1 heartbeat", n)
	}
	if d, _ := fake.NextIn(); d != 25*time.Second {
		t.Errorf("next timer in %v, want 25s heartbeat", d)
	}
	if got := m.Stats().Reconnects; got != 1 {
		t.Errorf("reconnects = %d, want 1", got)
	}
}

func TestReconnectRetriesWhileRelayDown(t *testing.T) {
	fake := schedtest.New()
	m, states := newManager(t, deadAddr(t), fake)

	m.Connect()
	waitState(t, states, StateDisconnected)

	for i := 0; i < 3; i++ {
		if n := fake.Active(); n != 1 {
			t.Fatalf("attempt %d: active timers = %d, want 1", i, n)
		}
		fake.Advance(1500 * time.Millisecond)
		waitState(t, states, StateConnecting)
		waitState(t, states, StateDisconnected)
	}

	if n := fake.Created(); n != 4 {
		t.Errorf("timers created = %d, want 4 (one per failed dial)", n)
	}
}

func TestManualConnectCancelsPendingReconnect(t *testing.T) {
	fake := schedtest.New()
	m, states := newManager(t, deadAddr(t), fake)

	m.Connect()
	waitState(t, states, StateDisconnected)

	m.Connect()
	waitState(t, states, StateDisconnected)

	if n := fake.Active(); n != 1 {
		t.Errorf("active timers = %d, want 1", n)
	}
}

// ---------------------------------------------------------------------------
// Teardown
// ---------------------------------------------------------------------------

func TestTeardownIdle(t *testing.T) {
	fake := schedtest.New()
	m, states := newManager(t, deadAddr(t), fake)

	m.Teardown()
	waitState(t, states, StateClosed)

	if fake.Active() != 0 || fake.Created() != 0 {
		t.Errorf("timers active=%d created=%d, want none", fake.Active(), fake.Created())
	}
}

func TestTeardownWhileConnecting(t *testing.T) {
	// Accepts TCP but never answers the upgrade, so the dial hangs.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	accepted := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err == nil {
			accepted <- c
		}
	}()

	fake := schedtest.New()
	m, states := newManager(t, ln.Addr().String(), fake)
	m.Connect()
	waitState(t, states, StateConnecting)

	select {
	case c := <-accepted:
		defer c.Close()
	case <-time.After(2 * time.Second):
		t.Fatal("dial never reached the listener")
	}

	m.Teardown()
	waitState(t, states, StateClosed)

	expectNoState(t, states, 100*time.Millisecond)
	if fake.Active() != 0 {
		t.Errorf("active timers = %d, want 0", fake.Active())
	}
	if m.State() != StateClosed {
		t.Errorf("state = %s, want closed", m.State())
	}
}

func TestTeardownWhileOpen(t *testing.T) {
	r, addr, _ := startRelay(t)
	fake := schedtest.New()
	m, states := newManager(t, addr, fake)

	m.Connect()
	waitState(t, states, StateOpen)
	waitRelayCount(t, r, 1)

	m.Teardown()
	waitState(t, states, StateClosed)

	if fake.Active() != 0 {
		t.Errorf("active timers = %d, want 0", fake.Active())
	}
	waitRelayCount(t, r, 0)

	if err := m.Send(protocol.KindTyping, protocol.TypingPayload{From: "a"}); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Send after teardown = %v, want ErrNotConnected", err)
	}
	fake.Advance(time.Minute)
	expectNoState(t, states, 50*time.Millisecond)
}

func TestTeardownWhileDisconnected(t *testing.T) {
	fake := schedtest.New()
	m, states := newManager(t, deadAddr(t), fake)

	m.Connect()
	waitState(t, states, StateDisconnected)
	if fake.Active() != 1 {
		t.Fatalf("active timers = %d, want 1 reconnect", fake.Active())
	}

	m.Teardown()
	waitState(t, states, StateClosed)
	if fake.Active() != 0 {
		t.Errorf("active timers = %d, want 0", fake.Active())
	}

	fake.Advance(10 * time.Second)
	expectNoState(t, states, 50*time.Millisecond)
}

func TestStateString(t *testing.T) {
	tests := map[State]string{
		StateIdle:         "idle",
		StateConnecting:   "connecting",
		StateOpen:         "open",
		StateDisconnected: "disconnected",
		StateClosed:       "closed",
		State(99):         "unknown",
	}
	for s, want := range tests {
		if got := s.String(); got != want {
			t.Errorf("State(%d) = %q, want %q", int(s), got, want)
		}
	}
}
