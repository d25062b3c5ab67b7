// Package settlement turns finished matches into rating changes.
package settlement

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/google/uuid"

	"rating-engine/server/domain"
	"rating-engine/server/metrics"
	"rating-engine/server/profile"
	"rating-engine/server/rating"
	"rating-engine/server/store"
)

const DefaultMaxAttempts = 3

// errStale marks a compare-and-swap miss: a player's row moved between the
// profile read and the row lock.
var errStale = errors.New("player changed since read")

// Invalidator drops a derived view after ratings change.
type Invalidator interface {
	Invalidate(ctx context.Context) error
}

type Config struct {
	Rating      rating.Config
	MaxAttempts int
	Metrics     *metrics.Metrics

	// Now and NewID are swapped out in tests.
	Now   func() time.Time
	NewID func() string
}

// Settlement is what one settled match produced.
type Settlement struct {
	MatchID  string                  `json:"match_id"`
	Outcome  domain.Outcome          `json:"outcome"`
	Player1  domain.Profile          `json:"player1"`
	Player2  domain.Profile          `json:"player2"`
	Records  [2]domain.HistoryRecord `json:"records"`
	Attempts int                     `json:"attempts"`
}

type Coordinator struct {
	store    store.Store
	profiles *profile.Reader
	board    Invalidator
	cfg      Config
	logger   *log.Logger
}

// New wires a coordinator. board may be nil when no leaderboard is cached.
func New(logger *log.Logger, st store.Store, profiles *profile.Reader, board Invalidator, cfg Config) *Coordinator {
	if logger == nil {
		logger = log.Default()
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.NewID == nil {
		cfg.NewID = uuid.NewString
	}
	return &Coordinator{store: st, profiles: profiles, board: board, cfg: cfg, logger: logger}
}

type match struct {
	id       string
	p1, p2   string
	outcome  domain.Outcome
	s1, s2   float64
	attempts int
}

// Settle applies a finished match to both players atomically. Either both
// ledger records and both rating rows are written, or nothing is.
func (c *Coordinator) Settle(ctx context.Context, player1ID, player2ID, matchID string, outcome domain.Outcome) (Settlement, error) {
	start := time.Now()
	res, err := c.settle(ctx, player1ID, player2ID, matchID, outcome)
	code := "ok"
	if err != nil {
		code = string(domain.CodeOf(err))
	}
	c.cfg.Metrics.Settled(code, time.Since(start))
	return res, err
}

func (c *Coordinator) settle(ctx context.Context, player1ID, player2ID, matchID string, outcome domain.Outcome) (Settlement, error) {
	s1, s2, err := outcome.Scores()
	if err != nil {
		return Settlement{}, err
	}
	switch {
	case player1ID == "" || player2ID == "":
		return Settlement{}, domain.NewInvalidArgument("both player ids are required")
	case player1ID == player2ID:
		return Settlement{}, domain.NewInvalidArgument("player %s cannot play themselves", player1ID)
	case matchID == "":
		return Settlement{}, domain.NewInvalidArgument("match id is required")
	}
	m := match{id: matchID, p1: player1ID, p2: player2ID, outcome: outcome, s1: s1, s2: s2}

	for m.attempts = 1; ; m.attempts++ {
		res, err := c.attempt(ctx, m)
		if err == nil {
			c.afterCommit(ctx, &res)
			return res, nil
		}
		if !retryable(err) {
			return Settlement{}, err
		}
		if ierr := c.profiles.Invalidate(ctx, m.p1, m.p2); ierr != nil {
			c.logger.Printf("settle match=%s invalidate after conflict failed: %v", m.id, ierr)
		}
		if m.attempts >= c.cfg.MaxAttempts {
			c.logger.Printf("settle match=%s giving up after %d attempts: %v", m.id, m.attempts, err)
			return Settlement{}, err
		}
		if err := ctx.Err(); err != nil {
			return Settlement{}, err
		}
		c.cfg.Metrics.SettleRetried()
	}
}

func (c *Coordinator) attempt(ctx context.Context, m match) (Settlement, error) {
	read := c.profiles.GetProfile
	if m.attempts > 1 {
		read = c.profiles.GetProfileFresh
	}
	pre1, err := read(ctx, m.p1)
	if err != nil {
		return Settlement{}, err
	}
	pre2, err := read(ctx, m.p2)
	if err != nil {
		return Settlement{}, err
	}

	// Both changes come from the frozen pre-match profiles.
	ch1, err := c.cfg.Rating.Apply(pre1.CurrentRating, pre1.GamesPlayed, pre2.CurrentRating, m.s1)
	if err != nil {
		return Settlement{}, err
	}
	ch2, err := c.cfg.Rating.Apply(pre2.CurrentRating, pre2.GamesPlayed, pre1.CurrentRating, m.s2)
	if err != nil {
		return Settlement{}, err
	}

	var rec1, rec2 domain.HistoryRecord
	err = c.store.InTx(ctx, func(tx store.Tx) error {
		rows, err := tx.LockPlayers(ctx, m.p1, m.p2)
		if err != nil {
			return err
		}
		for _, pre := range []domain.Profile{pre1, pre2} {
			row := rows[pre.UserID]
			if row.Rating != pre.CurrentRating || row.GamesPlayed != pre.GamesPlayed {
				return domain.NewConflictError("player "+pre.UserID, errStale)
			}
		}
		at, err := c.stamp(ctx, tx, m.p1, m.p2)
		if err != nil {
			return err
		}
		rec1 = c.record(m.id, pre1, pre2, ch1, at)
		rec2 = c.record(m.id, pre2, pre1, ch2, at)
		for _, r := range []domain.HistoryRecord{rec1, rec2} {
			if err := tx.InsertHistory(ctx, r); err != nil {
				return err
			}
		}
		if err := tx.UpdatePlayerRating(ctx, m.p1, ch1.RatingAfter, pre1.GamesPlayed+1, at); err != nil {
			return err
		}
		return tx.UpdatePlayerRating(ctx, m.p2, ch2.RatingAfter, pre2.GamesPlayed+1, at)
	})
	if err != nil {
		return Settlement{}, err
	}

	return Settlement{
		MatchID:  m.id,
		Outcome:  m.outcome,
		Player1:  advance(pre1, rec1),
		Player2:  advance(pre2, rec2),
		Records:  [2]domain.HistoryRecord{rec1, rec2},
		Attempts: m.attempts,
	}, nil
}

// stamp returns the record time for a settlement of the locked players. It
// never goes behind their latest ledger entry, so a host clock stepping back
// cannot reorder timestamps. Postgres keeps microseconds; truncating keeps
// both adapters identical.
func (c *Coordinator) stamp(ctx context.Context, tx store.Tx, userIDs ...string) (time.Time, error) {
	at := c.cfg.Now().UTC().Truncate(time.Microsecond)
	last, err := tx.LatestHistoryAt(ctx, userIDs...)
	if err != nil {
		return time.Time{}, err
	}
	if !last.IsZero() && !at.After(last) {
		at = last.UTC().Truncate(time.Microsecond).Add(time.Microsecond)
	}
	return at, nil
}

func (c *Coordinator) record(matchID string, self, opp domain.Profile, ch rating.Change, at time.Time) domain.HistoryRecord {
	return domain.HistoryRecord{
		ID:                  c.cfg.NewID(),
		UserID:              self.UserID,
		MatchID:             matchID,
		RatingBefore:        ch.RatingBefore,
		RatingAfter:         ch.RatingAfter,
		RatingChange:        ch.Delta,
		OpponentID:          opp.UserID,
		OpponentRating:      opp.CurrentRating,
		MatchResult:         domain.ResultFromScore(ch.Actual),
		KFactorUsed:         ch.K,
		ExpectedScore:       ch.Expected,
		ActualScore:         ch.Actual,
		ConfidenceAtTime:    ch.Confidence,
		IsProvisionalAtTime: ch.Provisional,
		Timestamp:           at,
	}
}

// afterCommit drops cached views and swaps in freshly derived profiles.
// Failures here are logged only: the match is already settled.
func (c *Coordinator) afterCommit(ctx context.Context, res *Settlement) {
	p1, p2 := res.Records[0].UserID, res.Records[1].UserID
	if err := c.profiles.Invalidate(ctx, p1, p2); err != nil {
		c.logger.Printf("settle match=%s profile invalidation failed: %v", res.MatchID, err)
	}
	if c.board != nil {
		if err := c.board.Invalidate(ctx); err != nil {
			c.logger.Printf("settle match=%s leaderboard invalidation failed: %v", res.MatchID, err)
		}
	}
	if p, err := c.profiles.GetProfileFresh(ctx, p1); err == nil {
		res.Player1 = p
	}
	if p, err := c.profiles.GetProfileFresh(ctx, p2); err == nil {
		res.Player2 = p
	}
	r1, r2 := res.Records[0], res.Records[1]
	c.logger.Printf("settled match=%s outcome=%s %s=%d->%d(%+d,k=%d) %s=%d->%d(%+d,k=%d) attempts=%d",
		res.MatchID, res.Outcome,
		p1, r1.RatingBefore, r1.RatingAfter, r1.RatingChange, r1.KFactorUsed,
		p2, r2.RatingBefore, r2.RatingAfter, r2.RatingChange, r2.KFactorUsed,
		res.Attempts)
}

// retryable covers CAS misses and lock contention, not replays of a match
// that is already in the ledger.
func retryable(err error) bool {
	return domain.IsConflict(err) && !errors.Is(err, domain.ErrDuplicate)
}

// advance is the post-match profile used when a fresh rebuild is unavailable.
func advance(p domain.Profile, r domain.HistoryRecord) domain.Profile {
	p.CurrentRating = r.RatingAfter
	p.GamesPlayed++
	switch r.MatchResult {
	case domain.Win:
		p.Wins++
	case domain.Loss:
		p.Losses++
	case domain.Tie:
		p.Draws++
	}
	if r.RatingAfter > p.PeakRating {
		p.PeakRating = r.RatingAfter
	}
	if r.RatingAfter < p.LowestRating {
		p.LowestRating = r.RatingAfter
	}
	p.RecentForm = append([]domain.Result{r.MatchResult}, p.RecentForm...)
	if len(p.RecentForm) > 10 {
		p.RecentForm = p.RecentForm[:10]
	}
	at := r.Timestamp
	p.LastPlayedAt = &at
	return p
}
