package ws

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/pennywise/chat-relay/internal/metrics"
	"github.com/pennywise/chat-relay/internal/protocol"
)

func TestDispatchRoutesByKind(t *testing.T) {
	d := NewMessageDispatcher(nil)
	c, _ := pipeConn(t, "c1")

	var gotKind, gotRaw string
	d.Register(protocol.KindChat, func(conn *Connection, env protocol.Envelope, raw []byte) {
		gotKind = env.Kind
		gotRaw = string(raw)
	})
	d.SetFallback(func(conn *Connection, env protocol.Envelope, raw []byte) {
		t.Errorf("fallback called for %s", env.Kind)
	})

	raw := `{"kind":"chat","payload":{"id":"1","from":"a","text":"hi","time":"10:00"}}`
	d.Dispatch(c, []byte(raw))

	if gotKind != protocol.KindChat || gotRaw != raw {
		t.Errorf("handler got kind=%q raw=%q", gotKind, gotRaw)
	}
}

func TestDispatchFallbackForUnknownKind(t *testing.T) {
	d := NewMessageDispatcher(nil)
	c, _ := pipeConn(t, "c1")

	var got string
	d.SetFallback(func(conn *Connection, env protocol.Envelope, raw []byte) {
		got = env.Kind
	})

	d.Dispatch(c, []byte(`{"kind":"reaction","payload":{}}`))
	if got != "reaction" {
		t.Errorf("fallback got %q, want reaction", got)
	}
}

func TestDispatchWithoutFallbackDrops(t *testing.T) {
	d := NewMessageDispatcher(nil)
	c, _ := pipeConn(t, "c1")

	// Must not panic.
	d.Dispatch(c, []byte(`{"kind":"reaction"}`))
}

func TestDispatchDropsMalformed(t *testing.T) {
	d := NewMessageDispatcher(nil)
	c, _ := pipeConn(t, "c1")

	called := false
	d.SetFallback(func(*Connection, protocol.Envelope, []byte) { called = true })

	before := testutil.ToFloat64(metrics.Frames.WithLabelValues(metrics.ResultMalformed))

	inputs := []string{"not json", "", "{}", `{"kind":7}`, `{"kind":""}`, "null"}
	for _, in := range inputs {
		d.Dispatch(c, []byte(in))
	}

	if called {
		t.Error("handler called for a malformed frame")
	}
	after := testutil.ToFloat64(metrics.Frames.WithLabelValues(metrics.ResultMalformed))
	if after-before != float64(len(inputs)) {
		t.Errorf("malformed counter grew by %v, want %d", after-before, len(inputs))
	}
}

func TestDispatchAnswersPing(t *testing.T) {
	d := NewMessageDispatcher(nil)
	c, client := pipeConn(t, "c1")
	c.Open()

	d.Register(protocol.KindPing, func(*Connection, protocol.Envelope, []byte) {
		t.Error("ping must be answered by the dispatcher itself")
	})

	go d.Dispatch(c, []byte(`{"kind":"ping","payload":{}}`))

	env, err := protocol.Parse(readText(t, client))
	if err != nil {
		t.Fatalf("parse pong: %v", err)
	}
	if env.Kind != protocol.KindPong {
		t.Errorf("reply kind = %q, want pong", env.Kind)
	}
}
