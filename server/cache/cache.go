// Package cache holds the read-side caches for profiles and the leaderboard.
// Entries are derived data: losing one only costs a recomputation.
package cache

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"rating-engine/server/domain"
)

const keyPrefix = "rating:"

// LeaderboardKey holds the cached top-N snapshot.
const LeaderboardKey = keyPrefix + "leaderboard:top"

// ProfileKey is the cache key of a player's derived profile.
func ProfileKey(userID string) string { return keyPrefix + "profile:" + userID }

// Cache is a byte-oriented TTL cache. A miss is (nil, false, nil).
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, val []byte, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
	Close() error
}

// Open returns a Redis cache for redis:// and rediss:// URLs and an
// in-process cache when url is empty.
func Open(ctx context.Context, url string) (Cache, error) {
	url = strings.TrimSpace(url)
	switch {
	case url == "":
		return NewMemory(), nil
	case strings.HasPrefix(url, "redis://"), strings.HasPrefix(url, "rediss://"):
		return NewRedis(ctx, url)
	default:
		return nil, domain.NewInvalidArgument("unsupported cache url %q", url)
	}
}

// GetJSON decodes a cached value into v. Undecodable entries count as misses.
func GetJSON(ctx context.Context, c Cache, key string, v any) (bool, error) {
	raw, ok, err := c.Get(ctx, key)
	if err != nil || !ok {
		return false, err
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return false, nil
	}
	return true, nil
}

func SetJSON(ctx context.Context, c Cache, key string, v any, ttl time.Duration) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.Set(ctx, key, raw, ttl)
}
