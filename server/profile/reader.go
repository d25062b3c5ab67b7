package profile

import (
	"context"
	"log"
	"time"

	"golang.org/x/sync/singleflight"

	"rating-engine/server/cache"
	"rating-engine/server/domain"
	"rating-engine/server/metrics"
	"rating-engine/server/rating"
	"rating-engine/server/store"
)

const DefaultTTL = 5 * time.Minute

// loadTimeout bounds a shared load. It runs detached from the caller that
// started it, since other callers wait on the same result.
const loadTimeout = 10 * time.Second

type ReaderConfig struct {
	Rating  rating.Config
	TTL     time.Duration
	Metrics *metrics.Metrics
}

// Reader serves profiles cache-first. The store is the only source of truth;
// a nil cache simply disables caching.
type Reader struct {
	store  store.Store
	cache  cache.Cache
	cfg    ReaderConfig
	logger *log.Logger
	group  singleflight.Group
}

func NewReader(logger *log.Logger, st store.Store, c cache.Cache, cfg ReaderConfig) *Reader {
	if logger == nil {
		logger = log.Default()
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	return &Reader{
		store:  st,
		cache:  c,
		cfg:    cfg,
		logger: logger,
	}
}

// GetProfile returns the cached profile or rebuilds it from the store.
// Missing and inactive players are NotFound.
func (r *Reader) GetProfile(ctx context.Context, userID string) (domain.Profile, error) {
	if userID == "" {
		return domain.Profile{}, domain.NewInvalidArgument("user id is required")
	}
	if r.cache != nil {
		var p domain.Profile
		ok, err := cache.GetVersioned(ctx, r.cache, cache.ProfileKey(userID), &p)
		if err != nil {
			r.logger.Printf("profile cache get user=%s err=%v", userID, err)
		}
		r.cfg.Metrics.CacheLookup("profile", ok)
		if ok {
			return p, nil
		}
	}

	v, err, _ := r.group.Do(userID, func() (any, error) {
		lctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), loadTimeout)
		defer cancel()
		return r.loadAndCache(lctx, userID)
	})
	if err != nil {
		return domain.Profile{}, err
	}
	return v.(domain.Profile), nil
}

// GetProfileFresh skips the cache read but still refreshes the entry.
func (r *Reader) GetProfileFresh(ctx context.Context, userID string) (domain.Profile, error) {
	if userID == "" {
		return domain.Profile{}, domain.NewInvalidArgument("user id is required")
	}
	return r.loadAndCache(ctx, userID)
}

// Invalidate drops cached profiles. A load that started before the call, on
// this replica or any other sharing the cache, will not be served afterwards.
func (r *Reader) Invalidate(ctx context.Context, userIDs ...string) error {
	for _, id := range userIDs {
		r.group.Forget(id)
	}
	if r.cache == nil || len(userIDs) == 0 {
		return nil
	}
	keys := make([]string, 0, len(userIDs))
	for _, id := range userIDs {
		keys = append(keys, cache.ProfileKey(id))
	}
	return cache.Bump(ctx, r.cache, keys...)
}

func (r *Reader) loadAndCache(ctx context.Context, userID string) (domain.Profile, error) {
	key := cache.ProfileKey(userID)
	var gen string
	if r.cache != nil {
		var err error
		if gen, err = cache.Generation(ctx, r.cache, key); err != nil {
			r.logger.Printf("profile cache generation user=%s err=%v", userID, err)
		}
	}
	p, err := r.load(ctx, userID)
	if err != nil {
		return domain.Profile{}, err
	}
	if gen != "" {
		if err := cache.SetVersioned(ctx, r.cache, key, gen, p, r.cfg.TTL); err != nil {
			r.logger.Printf("profile cache set user=%s err=%v", userID, err)
		}
	}
	return p, nil
}

func (r *Reader) load(ctx context.Context, userID string) (domain.Profile, error) {
	player, err := r.store.GetPlayer(ctx, userID)
	if err != nil {
		return domain.Profile{}, err
	}
	history, err := r.store.FullHistory(ctx, userID)
	if err != nil {
		return domain.Profile{}, err
	}
	return Build(player, history, r.cfg.Rating)
}
