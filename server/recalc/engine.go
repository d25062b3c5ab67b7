// Package recalc replays the rating ledger to audit and repair the live
// rating projection.
package recalc

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"rating-engine/server/domain"
	"rating-engine/server/metrics"
	"rating-engine/server/rating"
	"rating-engine/server/store"
)

const DefaultPageSize = 200

// ProfileInvalidator drops cached profiles of repaired players.
type ProfileInvalidator interface {
	Invalidate(ctx context.Context, userIDs ...string) error
}

// BoardInvalidator drops the cached leaderboard.
type BoardInvalidator interface {
	Invalidate(ctx context.Context) error
}

type Config struct {
	Rating   rating.Config
	PageSize int
	Metrics  *metrics.Metrics
	Now      func() time.Time
}

// Step is one replayed ledger record: what is stored next to what the
// current rules produce.
type Step struct {
	Seq          int64         `json:"seq"`
	RecordID     string        `json:"record_id"`
	MatchID      string        `json:"match_id"`
	Result       domain.Result `json:"result"`
	Opponent     int           `json:"opponent_rating"`
	K            int           `json:"k"`
	Expected     float64       `json:"expected"`
	RatingBefore int           `json:"rating_before"`
	Delta        int           `json:"delta"`
	RatingAfter  int           `json:"rating_after"`
	StoredAfter  int           `json:"stored_after"`
	Drift        bool          `json:"drift"`
}

// Result reports one player's replay.
type Result struct {
	UserID       string `json:"user_id"`
	StoredRating int    `json:"stored_rating"`
	StoredGames  int    `json:"stored_games"`
	FinalRating  int    `json:"final_rating"`
	GamesPlayed  int    `json:"games_played"`
	Steps        []Step `json:"steps"`
	Mismatches   int    `json:"mismatches"`
	Repaired     bool   `json:"repaired"`
	DryRun       bool   `json:"dry_run"`
}

// Consistent reports whether the live row already matched the replay.
func (r Result) Consistent() bool {
	return r.StoredRating == r.FinalRating && r.StoredGames == r.GamesPlayed
}

// Trail renders the replay one step per line.
func (r Result) Trail() string {
	var b strings.Builder
	fmt.Fprintf(&b, "user=%s start=%d final=%d games=%d stored=%d mismatches=%d\n",
		r.UserID, r.startRating(), r.FinalRating, r.GamesPlayed, r.StoredRating, r.Mismatches)
	for i, s := range r.Steps {
		fmt.Fprintf(&b, "step=%d match=%s result=%s opponent=%d k=%d expected=%.4f before=%d delta=%+d after=%d drift=%t\n",
			i+1, s.MatchID, s.Result, s.Opponent, s.K, s.Expected, s.RatingBefore, s.Delta, s.RatingAfter, s.Drift)
	}
	return b.String()
}

func (r Result) startRating() int {
	if len(r.Steps) == 0 {
		return r.FinalRating
	}
	return r.Steps[0].RatingBefore
}

type Engine struct {
	store    store.Store
	profiles ProfileInvalidator
	board    BoardInvalidator
	cfg      Config
	logger   *log.Logger
}

// New wires an engine. profiles and board may be nil.
func New(logger *log.Logger, st store.Store, profiles ProfileInvalidator, board BoardInvalidator, cfg Config) *Engine {
	if logger == nil {
		logger = log.Default()
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = DefaultPageSize
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Engine{store: st, profiles: profiles, board: board, cfg: cfg, logger: logger}
}

// Replay folds a ledger from the starting rating. It is a pure function of
// its inputs.
func Replay(cfg rating.Config, history []domain.HistoryRecord) ([]Step, error) {
	steps := make([]Step, 0, len(history))
	r := cfg.StartingRating
	for i, rec := range history {
		score, err := rec.MatchResult.Score()
		if err != nil {
			return nil, fmt.Errorf("record %s: %w", rec.ID, err)
		}
		ch, err := cfg.Apply(r, i, rec.OpponentRating, score)
		if err != nil {
			return nil, fmt.Errorf("record %s: %w", rec.ID, err)
		}
		drift := rec.RatingBefore != ch.RatingBefore ||
			rec.RatingChange != ch.Delta ||
			rec.RatingAfter != ch.RatingAfter
		steps = append(steps, Step{
			Seq:          rec.Seq,
			RecordID:     rec.ID,
			MatchID:      rec.MatchID,
			Result:       rec.MatchResult,
			Opponent:     rec.OpponentRating,
			K:            ch.K,
			Expected:     ch.Expected,
			RatingBefore: ch.RatingBefore,
			Delta:        ch.Delta,
			RatingAfter:  ch.RatingAfter,
			StoredAfter:  rec.RatingAfter,
			Drift:        drift,
		})
		r = ch.RatingAfter
	}
	return steps, nil
}

// Recalculate replays one player and repairs the live row if it drifted.
func (e *Engine) Recalculate(ctx context.Context, userID string) (Result, error) {
	return e.run(ctx, userID, false)
}

// Verify replays one player without writing anything.
func (e *Engine) Verify(ctx context.Context, userID string) (Result, error) {
	return e.run(ctx, userID, true)
}

func (e *Engine) run(ctx context.Context, userID string, dryRun bool) (Result, error) {
	if userID == "" {
		return Result{}, domain.NewInvalidArgument("user id is required")
	}
	var res Result
	// The row lock keeps live settlements of this player out until the
	// replay and write-back are done.
	err := e.store.InTx(ctx, func(tx store.Tx) error {
		rows, err := tx.LockPlayers(ctx, userID)
		if err != nil {
			return err
		}
		row := rows[userID]
		history, err := tx.FullHistory(ctx, userID)
		if err != nil {
			return err
		}
		steps, err := Replay(e.cfg.Rating, history)
		if err != nil {
			return err
		}
		res = Result{
			UserID:       userID,
			StoredRating: row.Rating,
			StoredGames:  row.GamesPlayed,
			FinalRating:  e.cfg.Rating.StartingRating,
			GamesPlayed:  len(steps),
			Steps:        steps,
			DryRun:       dryRun,
		}
		for _, s := range steps {
			if s.Drift {
				res.Mismatches++
			}
		}
		if n := len(steps); n > 0 {
			res.FinalRating = steps[n-1].RatingAfter
		}
		if dryRun || res.Consistent() {
			return nil
		}
		if err := tx.UpdatePlayerRating(ctx, userID, res.FinalRating, res.GamesPlayed, e.cfg.Now()); err != nil {
			return err
		}
		res.Repaired = true
		return nil
	})
	if err != nil {
		return Result{}, err
	}

	if res.Repaired {
		e.invalidate(ctx, userID)
		e.logger.Printf("recalc user=%s repaired rating=%d->%d games=%d->%d mismatches=%d",
			userID, res.StoredRating, res.FinalRating, res.StoredGames, res.GamesPlayed, res.Mismatches)
	} else if !res.Consistent() || res.Mismatches > 0 {
		e.logger.Printf("recalc user=%s drift rating=%d replay=%d games=%d/%d mismatches=%d dry_run=%t",
			userID, res.StoredRating, res.FinalRating, res.StoredGames, res.GamesPlayed, res.Mismatches, dryRun)
	}
	e.cfg.Metrics.Recalculated(res.outcome())
	return res, nil
}

func (r Result) outcome() string {
	switch {
	case r.Repaired:
		return "corrected"
	case !r.Consistent() || r.Mismatches > 0:
		return "drift"
	default:
		return "consistent"
	}
}

func (e *Engine) invalidate(ctx context.Context, userID string) {
	if e.profiles != nil {
		if err := e.profiles.Invalidate(ctx, userID); err != nil {
			e.logger.Printf("recalc user=%s profile invalidation failed: %v", userID, err)
		}
	}
	if e.board != nil {
		if err := e.board.Invalidate(ctx); err != nil {
			e.logger.Printf("recalc user=%s leaderboard invalidation failed: %v", userID, err)
		}
	}
}
