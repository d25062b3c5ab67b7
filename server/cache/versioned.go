package cache

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Versioned entries carry the generation token that was current when their
// load started. Generations live in the cache itself, so an invalidation on
// one replica fences write-backs from every replica sharing the cache.

// generationTTL only needs to outlive in-flight loads. An expired generation
// is re-minted and costs misses, never stale hits.
const generationTTL = 24 * time.Hour

func genKey(key string) string { return keyPrefix + "gen:" + strings.TrimPrefix(key, keyPrefix) }

type versioned struct {
	Gen string          `json:"gen"`
	Val json.RawMessage `json:"val"`
}

// Generation returns the current token for key, minting one when none exists.
// Read it before loading the value that will be stored under it.
func Generation(ctx context.Context, c Cache, key string) (string, error) {
	raw, ok, err := c.Get(ctx, genKey(key))
	if err != nil {
		return "", err
	}
	if ok && len(raw) > 0 {
		return string(raw), nil
	}
	gen := uuid.NewString()
	if err := c.Set(ctx, genKey(key), []byte(gen), generationTTL); err != nil {
		return "", err
	}
	return gen, nil
}

// Bump moves each key to a fresh generation and drops its entry. Values loaded
// under an older generation can still be written but never read back.
func Bump(ctx context.Context, c Cache, keys ...string) error {
	for _, k := range keys {
		if err := c.Set(ctx, genKey(k), []byte(uuid.NewString()), generationTTL); err != nil {
			return err
		}
	}
	if len(keys) == 0 {
		return nil
	}
	return c.Delete(ctx, keys...)
}

// GetVersioned decodes the entry at key into v if it belongs to the current
// generation. Entries from older generations and undecodable ones are misses.
func GetVersioned(ctx context.Context, c Cache, key string, v any) (bool, error) {
	var e versioned
	ok, err := GetJSON(ctx, c, key, &e)
	if err != nil || !ok {
		return false, err
	}
	cur, ok, err := c.Get(ctx, genKey(key))
	if err != nil || !ok {
		return false, err
	}
	if e.Gen == "" || string(cur) != e.Gen {
		return false, nil
	}
	if err := json.Unmarshal(e.Val, v); err != nil {
		return false, nil
	}
	return true, nil
}

// SetVersioned stores v under key tagged with gen.
func SetVersioned(ctx context.Context, c Cache, key, gen string, v any, ttl time.Duration) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return SetJSON(ctx, c, key, versioned{Gen: gen, Val: raw}, ttl)
}
