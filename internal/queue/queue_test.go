package queue

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func testRedis(t *testing.T) *redis.Client {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return rdb
}

func TestRateLimiterAllow(t *testing.T) {
	rl := NewRateLimiter(testRedis(t), 2)
	now := time.Date(2026, 8, 29, 10, 0, 0, 0, time.UTC)

	allowed, used, _, err := rl.Allow(context.Background(), "telegram", "u1", now)
	if err != nil {
		t.Fatalf("allow#1: %v", err)
	}
	if !allowed || used != 1 {
		t.Fatalf("expected first call allowed with used=1, got allowed=%v used=%d", allowed, used)
	}

	allowed, used, _, err = rl.Allow(context.Background(), "telegram", "u1", now)
	if err != nil {
		t.Fatalf("allow#2: %v", err)
	}
	if !allowed || used != 2 {
		t.Fatalf("expected second call allowed with used=2, got allowed=%v used=%d", allowed, used)
	}

	allowed, used, _, err = rl.Allow(context.Background(), "telegram", "u1", now)
	if err != nil {
		t.Fatalf("allow#3: %v", err)
	}
	if allowed || used != 3 {
		t.Fatalf("expected third call denied with used=3, got allowed=%v used=%d", allowed, used)
	}
}

func TestRateLimiterIsolatesSenders(t *testing.T) {
	rl := NewRateLimiter(testRedis(t), 1)
	now := time.Date(2026, 8, 29, 10, 0, 0, 0, time.UTC)

	if allowed, _, _, _ := rl.Allow(context.Background(), "telegram", "u1", now); !allowed {
		t.Fatalf("first sender blocked")
	}
	if allowed, _, _, _ := rl.Allow(context.Background(), "telegram", "u2", now); !allowed {
		t.Fatalf("second sender must have its own window")
	}
	if allowed, _, _, _ := rl.Allow(context.Background(), "discord", "u1", now); !allowed {
		t.Fatalf("same sender on another platform must have its own window")
	}
}

func TestStreamQueueRoundTrip(t *testing.T) {
	rdb := testRedis(t)
	q := NewStreamQueue(rdb, "loombot:turns", "loombot-workers", "worker-1", 50*time.Millisecond)
	if err := q.EnsureGroup(context.Background()); err != nil {
		t.Fatalf("ensure group: %v", err)
	}

	job := TurnJob{
		TenantID:       1,
		ConversationID: "telegram:private:42",
		Platform:       "telegram",
		ChatType:       "private",
		SenderID:       "42",
		SenderName:     "alice",
		Text:           "hello",
		ReplyChatID:    42,
	}
	if _, err := q.Enqueue(context.Background(), job); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	msgs, err := q.Read(context.Background(), 1)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("expected one message, got %d", len(msgs))
	}
	got := msgs[0].Job
	if got.Text != "hello" || got.SenderID != "42" || got.JobID == "" || got.EnqueuedAt.IsZero() {
		t.Fatalf("job round trip broken: %+v", got)
	}

	if err := q.Ack(context.Background(), msgs[0].ID); err != nil {
		t.Fatalf("ack: %v", err)
	}
	msgs, err = q.Read(context.Background(), 1)
	if err != nil {
		t.Fatalf("read after ack: %v", err)
	}
	if len(msgs) != 0 {
		t.Fatalf("acked message redelivered")
	}
}

func TestDeduplicatorMarksFirstOnly(t *testing.T) {
	d := NewUpdateDeduplicator(testRedis(t), time.Minute)

	first, err := d.MarkFirst(context.Background(), "telegram", 1001)
	if err != nil {
		t.Fatalf("mark#1: %v", err)
	}
	if !first {
		t.Fatalf("first delivery not marked first")
	}
	second, err := d.MarkFirst(context.Background(), "telegram", 1001)
	if err != nil {
		t.Fatalf("mark#2: %v", err)
	}
	if second {
		t.Fatalf("redelivery marked first")
	}
	other, err := d.MarkFirst(context.Background(), "discord", 1001)
	if err != nil {
		t.Fatalf("mark#3: %v", err)
	}
	if !other {
		t.Fatalf("same id on another platform must be independent")
	}
}
