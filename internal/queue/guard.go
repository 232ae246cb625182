package queue

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// flag is a redis SETNX marker under a fixed key prefix.
type flag struct {
	redis  *redis.Client
	prefix string
	ttl    time.Duration
}

func (f flag) set(ctx context.Context, id string) (bool, error) {
	ok, err := f.redis.SetNX(ctx, f.prefix+id, "1", f.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("setnx %s: %w", f.prefix+id, err)
	}
	return ok, nil
}

func (f flag) clear(ctx context.Context, id string) error {
	if err := f.redis.Del(ctx, f.prefix+id).Err(); err != nil {
		return fmt.Errorf("del %s: %w", f.prefix+id, err)
	}
	return nil
}

// EventDeduplicator remembers external event ids so redelivered webhooks are
// handled once.
type EventDeduplicator struct {
	f flag
}

func NewEventDeduplicator(rdb *redis.Client, ttl time.Duration) *EventDeduplicator {
	return &EventDeduplicator{f: flag{redis: rdb, prefix: "captn:event:", ttl: ttl}}
}

func (d *EventDeduplicator) MarkFirst(ctx context.Context, eventID string) (bool, error) {
	return d.f.set(ctx, eventID)
}

// Forget drops a mark so a failed event can be handled on redelivery.
func (d *EventDeduplicator) Forget(ctx context.Context, eventID string) error {
	return d.f.clear(ctx, eventID)
}

// FollowUpGuard allows one follow-up chain per chat at a time. The chain that
// acquires it holds it until its last round; the TTL frees chats whose worker
// died mid-chain.
type FollowUpGuard struct {
	f flag
}

func NewFollowUpGuard(rdb *redis.Client, ttl time.Duration) *FollowUpGuard {
	return &FollowUpGuard{f: flag{redis: rdb, prefix: "captn:followup:", ttl: ttl}}
}

// Acquire reports whether the caller now owns chatID's chain.
func (g *FollowUpGuard) Acquire(ctx context.Context, chatID int64) (bool, error) {
	return g.f.set(ctx, strconv.FormatInt(chatID, 10))
}

func (g *FollowUpGuard) Release(ctx context.Context, chatID int64) error {
	return g.f.clear(ctx, strconv.FormatInt(chatID, 10))
}
