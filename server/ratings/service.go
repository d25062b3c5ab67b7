// Package ratings wires the rating components into the operations the HTTP
// and CLI surfaces expose.
package ratings

import (
	"context"
	"errors"
	"log"
	"time"

	"rating-engine/server/cache"
	"rating-engine/server/domain"
	"rating-engine/server/leaderboard"
	"rating-engine/server/metrics"
	"rating-engine/server/profile"
	"rating-engine/server/rating"
	"rating-engine/server/recalc"
	"rating-engine/server/settlement"
	"rating-engine/server/store"
)

type Options struct {
	Rating            rating.Config
	ProfileTTL        time.Duration
	LeaderboardTTL    time.Duration
	LeaderboardSize   int
	SettleMaxAttempts int
	RecalcPageSize    int
	Metrics           *metrics.Metrics
}

type Service struct {
	store       store.Store
	cache       cache.Cache
	cfg         rating.Config
	logger      *log.Logger
	profiles    *profile.Reader
	leaderboard *leaderboard.Builder
	settlement  *settlement.Coordinator
	recalc      *recalc.Engine
}

// New builds the service over an opened store and cache. The service owns
// neither; callers close them.
func New(logger *log.Logger, st store.Store, c cache.Cache, opts Options) (*Service, error) {
	if err := opts.Rating.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = log.Default()
	}
	profiles := profile.NewReader(logger, st, c, profile.ReaderConfig{
		Rating:  opts.Rating,
		TTL:     opts.ProfileTTL,
		Metrics: opts.Metrics,
	})
	board := leaderboard.New(logger, st, profiles, c, leaderboard.Config{
		TTL:     opts.LeaderboardTTL,
		Size:    opts.LeaderboardSize,
		Metrics: opts.Metrics,
	})
	coord := settlement.New(logger, st, profiles, board, settlement.Config{
		Rating:      opts.Rating,
		MaxAttempts: opts.SettleMaxAttempts,
		Metrics:     opts.Metrics,
	})
	engine := recalc.New(logger, st, profiles, board, recalc.Config{
		Rating:   opts.Rating,
		PageSize: opts.RecalcPageSize,
		Metrics:  opts.Metrics,
	})
	return &Service{
		store:       st,
		cache:       c,
		cfg:         opts.Rating,
		logger:      logger,
		profiles:    profiles,
		leaderboard: board,
		settlement:  coord,
		recalc:      engine,
	}, nil
}

func (s *Service) Settle(ctx context.Context, player1ID, player2ID, matchID string, outcome domain.Outcome) (settlement.Settlement, error) {
	return s.settlement.Settle(ctx, player1ID, player2ID, matchID, outcome)
}

func (s *Service) GetProfile(ctx context.Context, userID string) (domain.Profile, error) {
	return s.profiles.GetProfile(ctx, userID)
}

// GetHistory pages a player's ledger, newest first.
func (s *Service) GetHistory(ctx context.Context, userID string, limit, offset int) ([]domain.HistoryRecord, error) {
	if userID == "" {
		return nil, domain.NewInvalidArgument("user id is required")
	}
	if _, err := s.store.GetPlayer(ctx, userID); err != nil {
		return nil, err
	}
	return s.store.History(ctx, userID, limit, offset)
}

func (s *Service) GetLeaderboard(ctx context.Context, limit int) ([]domain.LeaderboardEntry, error) {
	return s.leaderboard.TopN(ctx, limit)
}

// Recalculate replays one player; with dryRun nothing is written.
func (s *Service) Recalculate(ctx context.Context, userID string, dryRun bool) (recalc.Result, error) {
	if dryRun {
		return s.recalc.Verify(ctx, userID)
	}
	return s.recalc.Recalculate(ctx, userID)
}

func (s *Service) RecalculateAll(ctx context.Context, opts recalc.Options) (recalc.Summary, error) {
	return s.recalc.RecalculateAll(ctx, opts)
}

// Recalculator exposes the engine to the audit worker.
func (s *Service) Recalculator() *recalc.Engine { return s.recalc }

// RegisterPlayer creates a player at the starting rating, or reactivates one.
func (s *Service) RegisterPlayer(ctx context.Context, userID, displayName string) (domain.Profile, error) {
	if userID == "" {
		return domain.Profile{}, domain.NewInvalidArgument("user id is required")
	}
	if _, err := s.store.EnsurePlayer(ctx, userID, displayName, s.cfg.StartingRating); err != nil {
		return domain.Profile{}, err
	}
	s.invalidate(ctx, userID)
	return s.profiles.GetProfileFresh(ctx, userID)
}

// DeactivatePlayer hides a player from reads and the leaderboard. The
// ledger is kept.
func (s *Service) DeactivatePlayer(ctx context.Context, userID string) error {
	if err := s.store.DeactivatePlayer(ctx, userID); err != nil {
		return err
	}
	s.invalidate(ctx, userID)
	return nil
}

// Health pings the store and, when configured, the cache.
func (s *Service) Health(ctx context.Context) error {
	var errs []error
	if err := s.store.Ping(ctx); err != nil {
		errs = append(errs, domain.NewPersistenceError("store ping", err))
	}
	if s.cache != nil {
		if _, _, err := s.cache.Get(ctx, cache.LeaderboardKey); err != nil {
			errs = append(errs, domain.NewPersistenceError("cache ping", err))
		}
	}
	return errors.Join(errs...)
}

func (s *Service) invalidate(ctx context.Context, userID string) {
	if err := s.profiles.Invalidate(ctx, userID); err != nil {
		s.logger.Printf("invalidate profile user=%s err=%v", userID, err)
	}
	if err := s.leaderboard.Invalidate(ctx); err != nil {
		s.logger.Printf("invalidate leaderboard err=%v", err)
	}
}
