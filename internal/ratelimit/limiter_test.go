package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

// newTestLimiter creates a Limiter connected to a local Redis instance. Tests
// that call this helper require a running Redis on localhost:6379.
func newTestLimiter(t *testing.T) (*Limiter, *redis.Client) {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		t.Skipf("redis not available: %v", err)
	}
	t.Cleanup(func() {
		iter := client.Scan(ctx, 0, "rl:test:*", 100).Iterator()
		for iter.Next(ctx) {
			client.Del(ctx, iter.Val())
		}
		client.Close()
	})
	return NewLimiter(client, nil), client
}

var testRule = Rule{Key: "rl:test:", Limit: 3, Window: time.Minute}

func TestAllow_UpToLimit(t *testing.T) {
	l, _ := newTestLimiter(t)
	ctx := context.Background()
	id := "allow_" + time.Now().Format("150405.000000")

	for i := 1; i <= testRule.Limit; i++ {
		ok, err := l.Allow(ctx, id, testRule)
		if err != nil {
			t.Fatalf("Allow #%d: %v", i, err)
		}
		if !ok {
			t.Fatalf("Allow #%d: rejected within limit", i)
		}
	}

	ok, err := l.Allow(ctx, id, testRule)
	if err != nil {
		t.Fatalf("Allow over limit: %v", err)
	}
	if ok {
		t.Fatal("expected request over the limit to be rejected")
	}
}

func TestAllow_SetsExpiry(t *testing.T) {
	l, client := newTestLimiter(t)
	ctx := context.Background()
	id := "ttl_" + time.Now().Format("150405.000000")

	if _, err := l.Allow(ctx, id, testRule); err != nil {
		t.Fatalf("Allow: %v", err)
	}
	ttl, err := client.TTL(ctx, testRule.Key+id).Result()
	if err != nil {
		t.Fatalf("TTL: %v", err)
	}
	if ttl <= 0 || ttl > testRule.Window {
		t.Errorf("TTL = %v, want in (0, %v]", ttl, testRule.Window)
	}
}

func TestRemainingAndReset(t *testing.T) {
	l, _ := newTestLimiter(t)
	ctx := context.Background()
	id := "rem_" + time.Now().Format("150405.000000")

	if n, err := l.Remaining(ctx, id, testRule); err != nil || n != testRule.Limit {
		t.Fatalf("Remaining before use = %d, %v; want %d", n, err, testRule.Limit)
	}

	l.Allow(ctx, id, testRule)
	l.Allow(ctx, id, testRule)
	if n, _ := l.Remaining(ctx, id, testRule); n != 1 {
		t.Errorf("Remaining after 2 = %d, want 1", n)
	}

	for i := 0; i < 5; i++ {
		l.Allow(ctx, id, testRule)
	}
	if n, _ := l.Remaining(ctx, id, testRule); n != 0 {
		t.Errorf("Remaining over limit = %d, want 0", n)
	}

	if err := l.Reset(ctx, id, testRule); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if n, _ := l.Remaining(ctx, id, testRule); n != testRule.Limit {
		t.Errorf("Remaining after reset = %d, want %d", n, testRule.Limit)
	}
}

func TestAllow_FailsOpen(t *testing.T) {
	// Nothing listens on port 1; every command fails fast.
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 200 * time.Millisecond,
		MaxRetries:  -1,
	})
	defer client.Close()
	l := NewLimiter(client, nil)

	ok, err := l.Allow(context.Background(), "down", testRule)
	if err == nil {
		t.Fatal("expected an error with redis unreachable")
	}
	if !ok {
		t.Error("expected Allow to fail open")
	}

	n, err := l.Remaining(context.Background(), "down", testRule)
	if err == nil {
		t.Fatal("expected an error with redis unreachable")
	}
	if n != testRule.Limit {
		t.Errorf("Remaining = %d, want full limit %d", n, testRule.Limit)
	}
}
