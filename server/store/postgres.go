package store

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"rating-engine/server/domain"
)

//go:embed schema_postgres.sql
var pgSchema embed.FS

type Postgres struct{ *pgxpool.Pool }

func OpenPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	p, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, domain.NewPersistenceError("open postgres", err)
	}
	return &Postgres{p}, nil
}

func (db *Postgres) Close() error                   { db.Pool.Close(); return nil }
func (db *Postgres) Ping(ctx context.Context) error { return db.Pool.Ping(ctx) }

func (db *Postgres) Migrate(ctx context.Context) error {
	sqlBytes, err := pgSchema.ReadFile("schema_postgres.sql")
	if err != nil {
		return err
	}
	if _, err = db.Exec(ctx, string(sqlBytes)); err != nil {
		return domain.NewPersistenceError("migrate", err)
	}
	return nil
}

const pgPlayerCols = `user_id, display_name, rating, games_played, is_active, created_at, updated_at`

const pgHistoryCols = `
	seq, id, user_id, match_id,
	rating_before, rating_after, rating_change,
	opponent_id, opponent_rating, match_result,
	k_factor_used, expected_score, actual_score,
	confidence_at_time, is_provisional_at_time, created_at`

type pgQuerier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (db *Postgres) GetPlayer(ctx context.Context, userID string) (domain.Player, error) {
	p, err := scanPlayer(db.QueryRow(ctx, `
		SELECT `+pgPlayerCols+`
		  FROM players
		 WHERE user_id = $1
	`, userID))
	if err != nil {
		return domain.Player{}, pgErr("get player", err)
	}
	if !p.Active {
		return domain.Player{}, domain.NewNotFoundError("player " + userID)
	}
	return p, nil
}

// EnsurePlayer upserts a player and returns its row.
func (db *Postgres) EnsurePlayer(ctx context.Context, userID, displayName string, startingRating int) (domain.Player, error) {
	p, err := scanPlayer(db.QueryRow(ctx, `
		INSERT INTO players(user_id, display_name, rating)
		VALUES ($1,$2,$3)
		ON CONFLICT (user_id) DO UPDATE
		   SET display_name = COALESCE(NULLIF(EXCLUDED.display_name, ''), players.display_name),
		       is_active = TRUE,
		       updated_at = now()
		RETURNING `+pgPlayerCols, userID, displayName, startingRating))
	if err != nil {
		return domain.Player{}, pgErr("ensure player", err)
	}
	return p, nil
}

func (db *Postgres) DeactivatePlayer(ctx context.Context, userID string) error {
	tag, err := db.Exec(ctx, `
		UPDATE players
		   SET is_active = FALSE,
		       updated_at = now()
		 WHERE user_id = $1 AND is_active
	`, userID)
	if err != nil {
		return pgErr("deactivate player", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.NewNotFoundError("player " + userID)
	}
	return nil
}

func (db *Postgres) History(ctx context.Context, userID string, limit, offset int) ([]domain.HistoryRecord, error) {
	if err := pageBounds(limit, offset); err != nil {
		return nil, err
	}
	return pgHistory(ctx, db, `
		SELECT `+pgHistoryCols+`
		  FROM rating_history
		 WHERE user_id = $1
		 ORDER BY seq DESC
		 LIMIT $2 OFFSET $3
	`, userID, limit, offset)
}

func (db *Postgres) FullHistory(ctx context.Context, userID string) ([]domain.HistoryRecord, error) {
	return pgFullHistory(ctx, db, userID)
}

func (db *Postgres) RankedPlayerIDs(ctx context.Context, limit int) ([]string, error) {
	if err := pageBounds(limit, 0); err != nil {
		return nil, err
	}
	return pgIDs(ctx, db, `
		SELECT user_id
		  FROM players
		 WHERE is_active AND games_played > 0
		 ORDER BY rating DESC, user_id ASC
		 LIMIT $1
	`, limit)
}

func (db *Postgres) PlayerIDsAfter(ctx context.Context, after string, limit int) ([]string, error) {
	if err := pageBounds(limit, 0); err != nil {
		return nil, err
	}
	return pgIDs(ctx, db, `
		SELECT user_id
		  FROM players
		 WHERE is_active AND user_id > $1
		 ORDER BY user_id ASC
		 LIMIT $2
	`, after, limit)
}

func (db *Postgres) InTx(ctx context.Context, fn func(Tx) error) error {
	tx, err := db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return pgErr("begin tx", err)
	}
	defer tx.Rollback(ctx) // safe if already committed

	if err := fn(&pgTx{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return pgErr("commit", err)
	}
	return nil
}

type pgTx struct{ tx pgx.Tx }

func (t *pgTx) LockPlayers(ctx context.Context, userIDs ...string) (map[string]domain.Player, error) {
	out := make(map[string]domain.Player, len(userIDs))
	for _, id := range uniqueSorted(userIDs) {
		p, err := scanPlayer(t.tx.QueryRow(ctx, `
			SELECT `+pgPlayerCols+`
			  FROM players
			 WHERE user_id = $1
			   FOR UPDATE
		`, id))
		if err != nil {
			return nil, pgErr("lock player", err)
		}
		if !p.Active {
			return nil, domain.NewNotFoundError("player " + id)
		}
		out[id] = p
	}
	return out, nil
}

func (t *pgTx) UpdatePlayerRating(ctx context.Context, userID string, rating, gamesPlayed int, at time.Time) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE players
		   SET rating = $2,
		       games_played = $3,
		       updated_at = $4
		 WHERE user_id = $1
	`, userID, rating, gamesPlayed, at)
	if err != nil {
		return pgErr("update player rating", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.NewNotFoundError("player " + userID)
	}
	return nil
}

func (t *pgTx) InsertHistory(ctx context.Context, r domain.HistoryRecord) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO rating_history(
			id, user_id, match_id,
			rating_before, rating_after, rating_change,
			opponent_id, opponent_rating, match_result,
			k_factor_used, expected_score, actual_score,
			confidence_at_time, is_provisional_at_time, created_at
		) VALUES (
			$1,$2,$3,
			$4,$5,$6,
			$7,$8,$9,
			$10,$11,$12,
			$13,$14,$15
		)
	`,
		r.ID, r.UserID, r.MatchID,
		r.RatingBefore, r.RatingAfter, r.RatingChange,
		r.OpponentID, r.OpponentRating, string(r.MatchResult),
		r.KFactorUsed, r.ExpectedScore, r.ActualScore,
		r.ConfidenceAtTime, r.IsProvisionalAtTime, r.Timestamp,
	)
	if err != nil {
		return pgErr("insert history", err)
	}
	return nil
}

func (t *pgTx) FullHistory(ctx context.Context, userID string) ([]domain.HistoryRecord, error) {
	return pgFullHistory(ctx, t.tx, userID)
}

func (t *pgTx) LatestHistoryAt(ctx context.Context, userIDs ...string) (time.Time, error) {
	var at *time.Time
	err := t.tx.QueryRow(ctx, `
		SELECT MAX(created_at)
		  FROM rating_history
		 WHERE user_id = ANY($1)
	`, uniqueSorted(userIDs)).Scan(&at)
	if err != nil {
		return time.Time{}, pgErr("latest history", err)
	}
	if at == nil {
		return time.Time{}, nil
	}
	return at.UTC(), nil
}

/* -----------------------------
   scan helpers
------------------------------*/

func pgFullHistory(ctx context.Context, q pgQuerier, userID string) ([]domain.HistoryRecord, error) {
	return pgHistory(ctx, q, `
		SELECT `+pgHistoryCols+`
		  FROM rating_history
		 WHERE user_id = $1
		 ORDER BY seq ASC
	`, userID)
}

func pgHistory(ctx context.Context, q pgQuerier, query string, args ...any) ([]domain.HistoryRecord, error) {
	rows, err := q.Query(ctx, query, args...)
	if err != nil {
		return nil, pgErr("query history", err)
	}
	defer rows.Close()
	out := []domain.HistoryRecord{}
	for rows.Next() {
		var (
			r      domain.HistoryRecord
			result string
		)
		if err := rows.Scan(
			&r.Seq, &r.ID, &r.UserID, &r.MatchID,
			&r.RatingBefore, &r.RatingAfter, &r.RatingChange,
			&r.OpponentID, &r.OpponentRating, &result,
			&r.KFactorUsed, &r.ExpectedScore, &r.ActualScore,
			&r.ConfidenceAtTime, &r.IsProvisionalAtTime, &r.Timestamp,
		); err != nil {
			return nil, pgErr("scan history", err)
		}
		r.MatchResult = domain.Result(result)
		r.Timestamp = r.Timestamp.UTC()
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, pgErr("iterate history", err)
	}
	return out, nil
}

func pgIDs(ctx context.Context, q pgQuerier, query string, args ...any) ([]string, error) {
	rows, err := q.Query(ctx, query, args...)
	if err != nil {
		return nil, pgErr("query ids", err)
	}
	defer rows.Close()
	out := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, pgErr("scan id", err)
		}
		out = append(out, id)
	}
	if err := rows.Err(); err != nil {
		return nil, pgErr("iterate ids", err)
	}
	return out, nil
}

func scanPlayer(row pgx.Row) (domain.Player, error) {
	var p domain.Player
	err := row.Scan(&p.UserID, &p.DisplayName, &p.Rating, &p.GamesPlayed, &p.Active, &p.CreatedAt, &p.UpdatedAt)
	return p, err
}

// pgErr maps driver errors onto the engine taxonomy. Errors that already
// carry a code pass through.
func pgErr(op string, err error) error {
	var de *domain.Error
	if errors.As(err, &de) {
		return err
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.NewNotFoundError("player")
	}
	var pgE *pgconn.PgError
	if errors.As(err, &pgE) {
		switch pgE.Code {
		case "23505": // unique_violation
			return domain.NewConflictError(op, fmt.Errorf("%w: %w", domain.ErrDuplicate, err))
		case "40001", "40P01": // serialization_failure, deadlock_detected
			return domain.NewConflictError(op, err)
		}
	}
	return domain.NewPersistenceError(op, err)
}
