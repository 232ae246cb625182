// Package preferences persists per-user UI preferences.
package preferences

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// Prefs is the preference document kept for each user.
type Prefs struct {
	SidebarExpanded bool `json:"sidebar_expanded"`
}

type Store interface {
	Get(ctx context.Context, userID int64) (Prefs, error)
	Set(ctx context.Context, userID int64, p Prefs) error
}

type RedisStore struct {
	redis *redis.Client
}

var _ Store = (*RedisStore)(nil)

func NewRedisStore(rdb *redis.Client) *RedisStore {
	return &RedisStore{redis: rdb}
}

func (s *RedisStore) key(userID int64) string {
	return fmt.Sprintf("captn:prefs:%d", userID)
}

// Get returns the stored preferences, or the defaults if none were saved.
func (s *RedisStore) Get(ctx context.Context, userID int64) (Prefs, error) {
	raw, err := s.redis.Get(ctx, s.key(userID)).Result()
	if err == redis.Nil {
		return Prefs{}, nil
	}
	if err != nil {
		return Prefs{}, fmt.Errorf("get prefs: %w", err)
	}
	var p Prefs
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return Prefs{}, fmt.Errorf("decode prefs: %w", err)
	}
	return p, nil
}

func (s *RedisStore) Set(ctx context.Context, userID int64, p Prefs) error {
	b, err := json.Marshal(p)
	if err != nil {
		return err
	}
	if err := s.redis.Set(ctx, s.key(userID), string(b), 0).Err(); err != nil {
		return fmt.Errorf("set prefs: %w", err)
	}
	return nil
}
