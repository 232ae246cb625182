package queue

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return mr, rdb
}

func TestRateLimiterAllow(t *testing.T) {
	_, rdb := newTestRedis(t)

	rl := NewRateLimiter(rdb, 2)
	now := time.Date(2026, 2, 13, 10, 0, 0, 0, time.UTC)

	allowed, used, _, err := rl.Allow(context.Background(), 10, now)
	if err != nil {
		t.Fatalf("allow#1: %v", err)
	}
	if !allowed || used != 1 {
		t.Fatalf("expected first call allowed with used=1, got allowed=%v used=%d", allowed, used)
	}

	allowed, used, _, err = rl.Allow(context.Background(), 10, now)
	if err != nil {
		t.Fatalf("allow#2: %v", err)
	}
	if !allowed || used != 2 {
		t.Fatalf("expected second call allowed with used=2, got allowed=%v used=%d", allowed, used)
	}

	allowed, used, resetAt, err := rl.Allow(context.Background(), 10, now)
	if err != nil {
		t.Fatalf("allow#3: %v", err)
	}
	if allowed || used != 3 {
		t.Fatalf("expected third call denied with used=3, got allowed=%v used=%d", allowed, used)
	}
	if !resetAt.Equal(now.Add(time.Hour)) {
		t.Fatalf("unexpected reset %v", resetAt)
	}

	allowed, _, _, err = rl.Allow(context.Background(), 11, now)
	if err != nil || !allowed {
		t.Fatalf("other user should have its own window, allowed=%v err=%v", allowed, err)
	}
}

func TestRateLimiterDisabled(t *testing.T) {
	mr, rdb := newTestRedis(t)

	rl := NewRateLimiter(rdb, 0)
	now := time.Date(2026, 2, 13, 10, 30, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		allowed, used, resetAt, err := rl.Allow(context.Background(), 10, now)
		if err != nil || !allowed || used != 0 {
			t.Fatalf("expected unlimited turns, allowed=%v used=%d err=%v", allowed, used, err)
		}
		if !resetAt.Equal(time.Date(2026, 2, 13, 11, 0, 0, 0, time.UTC)) {
			t.Fatalf("unexpected reset %v", resetAt)
		}
	}
	if keys := mr.Keys(); len(keys) != 0 {
		t.Fatalf("expected no counters stored, got %v", keys)
	}
}

func TestRateLimiterCounterExpiresWithWindow(t *testing.T) {
	mr, rdb := newTestRedis(t)

	rl := NewRateLimiter(rdb, 5)
	now := time.Date(2026, 2, 13, 10, 45, 0, 0, time.UTC)
	if _, _, _, err := rl.Allow(context.Background(), 3, now); err != nil {
		t.Fatalf("allow: %v", err)
	}
	ttl := mr.TTL("captn:turns:3:2026021310")
	if ttl != 15*time.Minute {
		t.Fatalf("expected counter to expire at the window end, ttl=%s", ttl)
	}
}
