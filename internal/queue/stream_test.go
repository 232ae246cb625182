package queue

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

func TestStreamQueueRoundTrip(t *testing.T) {
	_, rdb := newTestRedis(t)
	ctx := context.Background()

	q := NewStreamQueue(rdb, "captn:followups", "captn-workers", "w1", 10*time.Millisecond)
	if err := q.EnsureGroup(ctx); err != nil {
		t.Fatalf("ensure group: %v", err)
	}
	if err := q.EnsureGroup(ctx); err != nil {
		t.Fatalf("ensure group twice: %v", err)
	}

	if _, err := q.Enqueue(ctx, FollowUpJob{ChatID: 42, UserID: 7, Round: 1}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	msgs, err := q.Read(ctx, 10)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("expected one message, got %d", len(msgs))
	}
	job := msgs[0].Job
	if job.ChatID != 42 || job.UserID != 7 || job.Round != 1 || job.JobID == "" || job.EnqueuedAt.IsZero() {
		t.Fatalf("unexpected job %+v", job)
	}

	if err := q.Ack(ctx, msgs[0].ID); err != nil {
		t.Fatalf("ack: %v", err)
	}
	if n := rdb.XLen(ctx, "captn:followups").Val(); n != 0 {
		t.Fatalf("expected stream emptied after ack, got %d", n)
	}
}

func TestReclaimTakesOverStalledJobs(t *testing.T) {
	_, rdb := newTestRedis(t)
	ctx := context.Background()

	crashed := NewStreamQueue(rdb, "captn:followups", "captn-workers", "w1", 10*time.Millisecond)
	survivor := NewStreamQueue(rdb, "captn:followups", "captn-workers", "w2", 10*time.Millisecond)
	if err := crashed.EnsureGroup(ctx); err != nil {
		t.Fatalf("ensure group: %v", err)
	}
	if _, err := crashed.Enqueue(ctx, FollowUpJob{ChatID: 9, UserID: 3, Round: 2}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if msgs, err := crashed.Read(ctx, 1); err != nil || len(msgs) != 1 {
		t.Fatalf("read: %v %d", err, len(msgs))
	}

	claimed, err := survivor.Reclaim(ctx, 0, 10)
	if err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	if len(claimed) != 1 || claimed[0].Job.ChatID != 9 || claimed[0].Job.Round != 2 {
		t.Fatalf("unexpected reclaimed jobs %+v", claimed)
	}
	if err := survivor.Ack(ctx, claimed[0].ID); err != nil {
		t.Fatalf("ack: %v", err)
	}
	if again, _ := survivor.Reclaim(ctx, 0, 10); len(again) != 0 {
		t.Fatalf("acked job must not be reclaimed again, got %+v", again)
	}
}

func TestReadDropsUnreadablePayloads(t *testing.T) {
	_, rdb := newTestRedis(t)
	ctx := context.Background()

	q := NewStreamQueue(rdb, "captn:followups", "captn-workers", "w1", 10*time.Millisecond)
	if err := q.EnsureGroup(ctx); err != nil {
		t.Fatalf("ensure group: %v", err)
	}
	rdb.XAdd(ctx, &redis.XAddArgs{Stream: "captn:followups", Values: map[string]any{"payload": "{not json"}})

	msgs, err := q.Read(ctx, 10)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(msgs) != 0 {
		t.Fatalf("expected unreadable entry to be skipped, got %+v", msgs)
	}
	if n := rdb.XLen(ctx, "captn:followups").Val(); n != 0 {
		t.Fatalf("unreadable entry should be removed, stream has %d", n)
	}
}
