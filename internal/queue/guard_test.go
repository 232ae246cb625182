package queue

import (
	"context"
	"testing"
	"time"
)

func TestEventDeduplicator(t *testing.T) {
	_, rdb := newTestRedis(t)
	d := NewEventDeduplicator(rdb, time.Hour)
	ctx := context.Background()

	first, err := d.MarkFirst(ctx, "evt_1")
	if err != nil || !first {
		t.Fatalf("expected first mark, first=%v err=%v", first, err)
	}
	again, err := d.MarkFirst(ctx, "evt_1")
	if err != nil || again {
		t.Fatalf("expected duplicate, first=%v err=%v", again, err)
	}
	if err := d.Forget(ctx, "evt_1"); err != nil {
		t.Fatalf("forget: %v", err)
	}
	again, err = d.MarkFirst(ctx, "evt_1")
	if err != nil || !again {
		t.Fatalf("expected mark after forget, first=%v err=%v", again, err)
	}
}

func TestFollowUpGuardOneChainPerChat(t *testing.T) {
	mr, rdb := newTestRedis(t)
	g := NewFollowUpGuard(rdb, time.Hour)
	ctx := context.Background()

	first, err := g.Acquire(ctx, 42)
	if err != nil || !first {
		t.Fatalf("expected to acquire, ok=%v err=%v", first, err)
	}
	second, err := g.Acquire(ctx, 42)
	if err != nil || second {
		t.Fatalf("expected second acquire to fail while held, ok=%v err=%v", second, err)
	}
	other, err := g.Acquire(ctx, 43)
	if err != nil || !other {
		t.Fatalf("other chat should have its own guard, ok=%v err=%v", other, err)
	}

	if err := g.Release(ctx, 42); err != nil {
		t.Fatalf("release: %v", err)
	}
	again, err := g.Acquire(ctx, 42)
	if err != nil || !again {
		t.Fatalf("expected acquire after release, ok=%v err=%v", again, err)
	}

	mr.FastForward(2 * time.Hour)
	expired, err := g.Acquire(ctx, 43)
	if err != nil || !expired {
		t.Fatalf("expected guard to lapse after its ttl, ok=%v err=%v", expired, err)
	}
}
