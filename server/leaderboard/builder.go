// Package leaderboard ranks active players by current rating.
package leaderboard

import (
	"context"
	"log"
	"time"

	"golang.org/x/sync/singleflight"

	"rating-engine/server/cache"
	"rating-engine/server/domain"
	"rating-engine/server/metrics"
	"rating-engine/server/store"
)

const (
	DefaultTTL  = 60 * time.Second
	DefaultSize = 100
	MaxLimit    = 1000

	// buildTimeout bounds a shared snapshot build, which runs detached from
	// the caller that started it.
	buildTimeout = 30 * time.Second
)

// ProfileSource is satisfied by *profile.Reader.
type ProfileSource interface {
	GetProfile(ctx context.Context, userID string) (domain.Profile, error)
}

type Config struct {
	TTL     time.Duration
	Size    int // entries kept in the cached snapshot
	Metrics *metrics.Metrics
}

// Builder serves the top of the ladder. Rank order always comes from the
// store; the cache only holds a snapshot of the first Size entries.
type Builder struct {
	store    store.Store
	profiles ProfileSource
	cache    cache.Cache
	cfg      Config
	logger   *log.Logger
	group    singleflight.Group
}

func New(logger *log.Logger, st store.Store, profiles ProfileSource, c cache.Cache, cfg Config) *Builder {
	if logger == nil {
		logger = log.Default()
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.Size <= 0 || cfg.Size > MaxLimit {
		cfg.Size = DefaultSize
	}
	return &Builder{store: st, profiles: profiles, cache: c, cfg: cfg, logger: logger}
}

// TopN returns up to limit entries, rating descending, user id ascending.
func (b *Builder) TopN(ctx context.Context, limit int) ([]domain.LeaderboardEntry, error) {
	if limit < 1 || limit > MaxLimit {
		return nil, domain.NewInvalidArgument("limit must be in 1..%d, got %d", MaxLimit, limit)
	}
	if limit > b.cfg.Size || b.cache == nil {
		return b.build(ctx, limit)
	}

	var snap []domain.LeaderboardEntry
	ok, err := cache.GetVersioned(ctx, b.cache, cache.LeaderboardKey, &snap)
	if err != nil {
		b.logger.Printf("leaderboard cache get err=%v", err)
	}
	b.cfg.Metrics.CacheLookup("leaderboard", ok)
	if !ok {
		v, err, _ := b.group.Do("top", func() (any, error) {
			bctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), buildTimeout)
			defer cancel()
			return b.buildAndCache(bctx)
		})
		if err != nil {
			return nil, err
		}
		snap = v.([]domain.LeaderboardEntry)
	}
	if len(snap) > limit {
		snap = snap[:limit]
	}
	return snap, nil
}

// Invalidate drops the cached snapshot. Builds already running anywhere that
// shares the cache can no longer publish theirs.
func (b *Builder) Invalidate(ctx context.Context) error {
	b.group.Forget("top")
	if b.cache == nil {
		return nil
	}
	return cache.Bump(ctx, b.cache, cache.LeaderboardKey)
}

func (b *Builder) buildAndCache(ctx context.Context) ([]domain.LeaderboardEntry, error) {
	gen, err := cache.Generation(ctx, b.cache, cache.LeaderboardKey)
	if err != nil {
		b.logger.Printf("leaderboard cache generation err=%v", err)
	}
	entries, err := b.build(ctx, b.cfg.Size)
	if err != nil {
		return nil, err
	}
	if gen != "" {
		if err := cache.SetVersioned(ctx, b.cache, cache.LeaderboardKey, gen, entries, b.cfg.TTL); err != nil {
			b.logger.Printf("leaderboard cache set err=%v", err)
		}
	}
	return entries, nil
}

func (b *Builder) build(ctx context.Context, n int) ([]domain.LeaderboardEntry, error) {
	ids, err := b.store.RankedPlayerIDs(ctx, n)
	if err != nil {
		return nil, err
	}
	out := make([]domain.LeaderboardEntry, 0, len(ids))
	for _, id := range ids {
		p, err := b.profiles.GetProfile(ctx, id)
		if domain.IsNotFound(err) {
			// deactivated since the ranking query
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, domain.LeaderboardEntry{Rank: len(out) + 1, Profile: p})
	}
	return out, nil
}
