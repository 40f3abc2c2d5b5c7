package queue

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"autopilot/internal/webhook"
)

func newRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		_ = rdb.Close()
		mr.Close()
	})
	return mr, rdb
}

func TestRateLimiterAllow(t *testing.T) {
	_, rdb := newRedis(t)
	rl := NewRateLimiter(rdb, 2)
	now := time.Date(2026, 2, 13, 10, 15, 0, 0, time.UTC)

	for i, want := range []bool{true, true, false} {
		allowed, used, resetAt, err := rl.Allow(context.Background(), "u1", now)
		if err != nil {
			t.Fatalf("allow#%d: %v", i+1, err)
		}
		if allowed != want || used != int64(i+1) {
			t.Fatalf("call %d: allowed=%v used=%d", i+1, allowed, used)
		}
		if !resetAt.Equal(time.Date(2026, 2, 13, 11, 0, 0, 0, time.UTC)) {
			t.Fatalf("unexpected reset %v", resetAt)
		}
	}

	allowed, _, _, err := rl.Allow(context.Background(), "u2", now)
	if err != nil || !allowed {
		t.Fatalf("other users have their own window: allowed=%v err=%v", allowed, err)
	}
	allowed, used, _, err := rl.Allow(context.Background(), "u1", now.Add(time.Hour))
	if err != nil || !allowed || used != 1 {
		t.Fatalf("next window should reset: allowed=%v used=%d err=%v", allowed, used, err)
	}
}

func TestRateLimiterDisabled(t *testing.T) {
	_, rdb := newRedis(t)
	allowed, used, _, err := NewRateLimiter(rdb, 0).Allow(context.Background(), "u1", time.Now())
	if err != nil || !allowed || used != 0 {
		t.Fatalf("zero limit should allow without counting: allowed=%v used=%d err=%v", allowed, used, err)
	}
}

func TestDeliveryDeduplicator(t *testing.T) {
	mr, rdb := newRedis(t)
	d := NewDeliveryDeduplicator(rdb, time.Minute)

	first, err := d.MarkFirst(context.Background(), "msg_1")
	if err != nil || !first {
		t.Fatalf("first delivery: first=%v err=%v", first, err)
	}
	first, err = d.MarkFirst(context.Background(), "msg_1")
	if err != nil || first {
		t.Fatalf("repeat delivery: first=%v err=%v", first, err)
	}
	mr.FastForward(2 * time.Minute)
	first, _ = d.MarkFirst(context.Background(), "msg_1")
	if !first {
		t.Fatalf("expired id should be accepted again")
	}
}

func TestEventQueueRoundTrip(t *testing.T) {
	_, rdb := newRedis(t)
	q := NewEventQueue(rdb, "events", "workers", "c1", 10*time.Millisecond)
	ctx := context.Background()
	if err := q.EnsureGroup(ctx); err != nil {
		t.Fatalf("ensure group: %v", err)
	}
	if err := q.EnsureGroup(ctx); err != nil {
		t.Fatalf("ensure group is idempotent: %v", err)
	}

	ev := webhook.Event{Type: "connection.updated", Data: map[string]any{"connectionId": "c1"}, LogID: "log-1", DeliveryID: "msg_1"}
	if _, err := q.Publish(ctx, ev); err != nil {
		t.Fatalf("publish: %v", err)
	}

	msgs, err := q.Read(ctx, 10)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Event.Type != "connection.updated" || msgs[0].Event.Data["connectionId"] != "c1" || msgs[0].Event.DeliveryID != "msg_1" {
		t.Fatalf("unexpected messages %+v", msgs)
	}
	if err := q.Ack(ctx, msgs[0].ID); err != nil {
		t.Fatalf("ack: %v", err)
	}
	if n := rdb.XLen(ctx, "events").Val(); n != 0 {
		t.Fatalf("expected acked entry to be deleted, stream len %d", n)
	}
}
