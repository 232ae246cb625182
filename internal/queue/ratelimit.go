package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// turnCounterScript bumps a window counter and arms its expiry on first use.
var turnCounterScript = redis.NewScript(`
local n = redis.call("INCR", KEYS[1])
if n == 1 then
  redis.call("EXPIRE", KEYS[1], ARGV[1])
end
return n
`)

// RateLimiter counts agent turns per user in clock-hour windows. Every
// submitted message that reaches the agent costs one turn; follow-up rounds
// run by the worker are not counted. A limit of zero or less disables it.
type RateLimiter struct {
	redis *redis.Client
	limit int64
}

func NewRateLimiter(rdb *redis.Client, limit int64) *RateLimiter {
	return &RateLimiter{redis: rdb, limit: limit}
}

type turnWindow struct {
	start time.Time
	end   time.Time
}

func hourWindow(now time.Time) turnWindow {
	start := now.UTC().Truncate(time.Hour)
	return turnWindow{start: start, end: start.Add(time.Hour)}
}

func (w turnWindow) key(userID int64) string {
	return fmt.Sprintf("captn:turns:%d:%s", userID, w.start.Format("2006010215"))
}

// expirySeconds is never below one so the counter cannot outlive its window
// by being created without a TTL.
func (w turnWindow) expirySeconds(now time.Time) int64 {
	secs := int64(w.end.Sub(now.UTC()).Seconds())
	if secs < 1 {
		return 1
	}
	return secs
}

// Allow records one agent turn for userID and reports whether it fits the
// window. used counts this turn; resetAt is when the window rolls over.
func (r *RateLimiter) Allow(ctx context.Context, userID int64, now time.Time) (allowed bool, used int64, resetAt time.Time, err error) {
	w := hourWindow(now)
	if r.limit <= 0 {
		return true, 0, w.end, nil
	}
	used, err = turnCounterScript.Run(ctx, r.redis, []string{w.key(userID)}, w.expirySeconds(now)).Int64()
	if err != nil {
		return false, 0, time.Time{}, fmt.Errorf("count agent turn: %w", err)
	}
	return used <= r.limit, used, w.end, nil
}
