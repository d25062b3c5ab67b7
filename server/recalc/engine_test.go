package recalc

import (
	"context"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rating-engine/server/domain"
	"rating-engine/server/rating"
	"rating-engine/server/store"
)

var t0 = time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)

// scenarioD is a five-match ledger as settlement would have written it.
var scenarioD = []domain.HistoryRecord{
	{ID: "r1", MatchID: "d1", OpponentRating: 1200, MatchResult: domain.Win, RatingBefore: 1200, RatingChange: 20, RatingAfter: 1220},
	{ID: "r2", MatchID: "d2", OpponentRating: 1350, MatchResult: domain.Loss, RatingBefore: 1220, RatingChange: -13, RatingAfter: 1207},
	{ID: "r3", MatchID: "d3", OpponentRating: 1100, MatchResult: domain.Tie, RatingBefore: 1207, RatingChange: -6, RatingAfter: 1201},
	{ID: "r4", MatchID: "d4", OpponentRating: 1500, MatchResult: domain.Win, RatingBefore: 1201, RatingChange: 34, RatingAfter: 1235},
	{ID: "r5", MatchID: "d5", OpponentRating: 1250, MatchResult: domain.Loss, RatingBefore: 1235, RatingChange: -19, RatingAfter: 1216},
}

type countingInvalidator struct{ users, boards atomic.Int32 }

type profileHook struct{ c *countingInvalidator }

func (p profileHook) Invalidate(context.Context, ...string) error {
	p.c.users.Add(1)
	return nil
}

type boardHook struct{ c *countingInvalidator }

func (b boardHook) Invalidate(context.Context) error {
	b.c.boards.Add(1)
	return nil
}

func openTestStore(t *testing.T) *store.SQLite {
	t.Helper()
	db, err := store.OpenSQLite(filepath.Join(t.TempDir(), "recalc.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

// seedLedger writes the records for userID and forces the live row.
func seedLedger(t *testing.T, st store.Store, userID string, recs []domain.HistoryRecord, liveRating, liveGames int) {
	t.Helper()
	ctx := context.Background()
	_, err := st.EnsurePlayer(ctx, userID, "", 1200)
	require.NoError(t, err)
	require.NoError(t, st.InTx(ctx, func(tx store.Tx) error {
		for i, r := range recs {
			r.ID = userID + "-" + r.ID
			r.UserID = userID
			r.OpponentID = "opp"
			r.KFactorUsed = 40
			r.Timestamp = t0.Add(time.Duration(i) * time.Minute)
			if err := tx.InsertHistory(ctx, r); err != nil {
				return err
			}
		}
		return tx.UpdatePlayerRating(ctx, userID, liveRating, liveGames, t0)
	}))
}

func newTestEngine(st store.Store, inv *countingInvalidator) *Engine {
	return New(nil, st, profileHook{inv}, boardHook{inv}, Config{
		Rating:   rating.DefaultConfig(),
		PageSize: 2,
		Now:      func() time.Time { return t0 },
	})
}

func TestRecalculate_ScenarioDIsDeterministic(t *testing.T) {
	st := openTestStore(t)
	seedLedger(t, st, "dee", scenarioD, 1216, 5)
	inv := &countingInvalidator{}
	e := newTestEngine(st, inv)
	ctx := context.Background()

	first, err := e.Recalculate(ctx, "dee")
	require.NoError(t, err)
	second, err := e.Recalculate(ctx, "dee")
	require.NoError(t, err)

	assert.Equal(t, 1216, first.FinalRating)
	assert.Equal(t, 0, first.Mismatches)
	assert.False(t, first.Repaired)
	assert.Equal(t, first.Steps, second.Steps)
	assert.Equal(t, first.Trail(), second.Trail())
	assert.Equal(t, int32(0), inv.users.Load(), "nothing to invalidate when consistent")

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, "scenario_d", []byte(first.Trail()))
}

func TestRecalculate_RepairsDriftedLiveRow(t *testing.T) {
	st := openTestStore(t)
	seedLedger(t, st, "dee", scenarioD, 1300, 4)
	inv := &countingInvalidator{}
	e := newTestEngine(st, inv)
	ctx := context.Background()

	res, err := e.Recalculate(ctx, "dee")
	require.NoError(t, err)
	assert.True(t, res.Repaired)
	assert.Equal(t, 1300, res.StoredRating)
	assert.Equal(t, 1216, res.FinalRating)
	assert.Equal(t, 0, res.Mismatches, "the ledger itself is sound")

	p, err := st.GetPlayer(ctx, "dee")
	require.NoError(t, err)
	assert.Equal(t, 1216, p.Rating)
	assert.Equal(t, 5, p.GamesPlayed)
	assert.Equal(t, int32(1), inv.users.Load())
	assert.Equal(t, int32(1), inv.boards.Load())

	again, err := e.Recalculate(ctx, "dee")
	require.NoError(t, err)
	assert.False(t, again.Repaired, "second pass is a no-op")
	assert.True(t, again.Consistent())
}

func TestVerify_LeavesRowAlone(t *testing.T) {
	st := openTestStore(t)
	seedLedger(t, st, "dee", scenarioD, 1300, 5)
	e := newTestEngine(st, &countingInvalidator{})
	ctx := context.Background()

	res, err := e.Verify(ctx, "dee")
	require.NoError(t, err)
	assert.True(t, res.DryRun)
	assert.False(t, res.Repaired)
	assert.False(t, res.Consistent())
	assert.Equal(t, "drift", res.outcome())

	p, err := st.GetPlayer(ctx, "dee")
	require.NoError(t, err)
	assert.Equal(t, 1300, p.Rating)
}

func TestReplay_FlagsRecordsTheRulesNoLongerProduce(t *testing.T) {
	cfg := rating.DefaultConfig()
	cfg.K.Provisional = 32

	steps, err := Replay(cfg, scenarioD)
	require.NoError(t, err)
	require.Len(t, steps, 5)
	assert.Equal(t, 16, steps[0].Delta)
	assert.True(t, steps[0].Drift)
	for i := 1; i < len(steps); i++ {
		assert.Equal(t, steps[i-1].RatingAfter, steps[i].RatingBefore, "fold is chained")
	}
}

func TestReplay_EmptyLedgerStartsAtStartingRating(t *testing.T) {
	st := openTestStore(t)
	seedLedger(t, st, "fresh", nil, 1450, 3)
	e := newTestEngine(st, &countingInvalidator{})

	res, err := e.Recalculate(context.Background(), "fresh")
	require.NoError(t, err)
	assert.Equal(t, 1200, res.FinalRating)
	assert.Equal(t, 0, res.GamesPlayed)
	assert.True(t, res.Repaired)
}

func TestRecalculate_UnknownPlayer(t *testing.T) {
	e := newTestEngine(openTestStore(t), &countingInvalidator{})
	_, err := e.Recalculate(context.Background(), "ghost")
	assert.True(t, domain.IsNotFound(err))
	_, err = e.Recalculate(context.Background(), "")
	assert.True(t, domain.IsInvalidArgument(err))
}

// hookStore lets a test interfere with the row lock of one player.
type hookStore struct {
	store.Store
	onLock func(ctx context.Context, id string) error
}

func (h *hookStore) InTx(ctx context.Context, fn func(store.Tx) error) error {
	return h.Store.InTx(ctx, func(tx store.Tx) error {
		return fn(&hookTx{Tx: tx, onLock: h.onLock})
	})
}

type hookTx struct {
	store.Tx
	onLock func(ctx context.Context, id string) error
}

func (h *hookTx) LockPlayers(ctx context.Context, ids ...string) (map[string]domain.Player, error) {
	for _, id := range ids {
		if err := h.onLock(ctx, id); err != nil {
			return nil, err
		}
	}
	return h.Tx.LockPlayers(ctx, ids...)
}

func seedBatch(t *testing.T, st store.Store) {
	t.Helper()
	seedLedger(t, st, "a", scenarioD, 1216, 5)
	seedLedger(t, st, "b", scenarioD, 1000, 5)
	seedLedger(t, st, "c", scenarioD[:2], 1207, 2)
	seedLedger(t, st, "d", scenarioD, 1216, 5)
	seedLedger(t, st, "e", scenarioD[:1], 1200, 0)
}

func TestRecalculateAll_RecordsFailuresAndContinues(t *testing.T) {
	db := openTestStore(t)
	seedBatch(t, db)
	st := &hookStore{Store: db, onLock: func(_ context.Context, id string) error {
		if id == "c" {
			return domain.NewPersistenceError("lock", errors.New("disk on fire"))
		}
		return nil
	}}
	e := newTestEngine(st, &countingInvalidator{})

	sum, err := e.RecalculateAll(context.Background(), Options{})
	require.NoError(t, err)
	assert.True(t, sum.Completed)
	assert.Equal(t, 5, sum.Processed)
	assert.Equal(t, 2, sum.Repaired) // b and e
	assert.Equal(t, 2, sum.Consistent)
	require.Len(t, sum.Errors, 1)
	assert.Equal(t, "c", sum.Errors[0].UserID)
	assert.Equal(t, "e", sum.Checkpoint)

	p, err := db.GetPlayer(context.Background(), "b")
	require.NoError(t, err)
	assert.Equal(t, 1216, p.Rating)
}

func TestRecalculateAll_DryRunWritesNothing(t *testing.T) {
	db := openTestStore(t)
	seedBatch(t, db)
	e := newTestEngine(db, &countingInvalidator{})

	sum, err := e.RecalculateAll(context.Background(), Options{DryRun: true})
	require.NoError(t, err)
	assert.Equal(t, 0, sum.Repaired)
	assert.Equal(t, 2, sum.Drifted)

	p, err := db.GetPlayer(context.Background(), "b")
	require.NoError(t, err)
	assert.Equal(t, 1000, p.Rating)
}

func TestRecalculateAll_CancelAndResume(t *testing.T) {
	db := openTestStore(t)
	seedBatch(t, db)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	st := &hookStore{Store: db, onLock: func(_ context.Context, id string) error {
		if id == "c" {
			cancel()
			return context.Canceled
		}
		return nil
	}}
	e := newTestEngine(st, &countingInvalidator{})

	sum, err := e.RecalculateAll(ctx, Options{})
	require.ErrorIs(t, err, context.Canceled)
	assert.False(t, sum.Completed)
	assert.Equal(t, 2, sum.Processed)
	assert.Equal(t, "b", sum.Checkpoint)

	resume := newTestEngine(db, &countingInvalidator{})
	rest, err := resume.RecalculateAll(context.Background(), Options{After: sum.Checkpoint})
	require.NoError(t, err)
	assert.Equal(t, 3, rest.Processed)
	assert.Equal(t, "e", rest.Checkpoint)
}

func TestRecalculateAll_Limit(t *testing.T) {
	db := openTestStore(t)
	seedBatch(t, db)
	e := newTestEngine(db, &countingInvalidator{})

	sum, err := e.RecalculateAll(context.Background(), Options{Limit: 3})
	require.NoError(t, err)
	assert.Equal(t, 3, sum.Processed)
	assert.Equal(t, "c", sum.Checkpoint)
	assert.False(t, sum.Completed)
}
