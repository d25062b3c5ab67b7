package store

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"

	"rating-engine/server/domain"
)

//go:embed schema_sqlite.sql
var sqliteSchema string

// SQLite is the single-node record store used for development, the CLI and
// tests. Writers are serialized by one connection and BEGIN IMMEDIATE, which
// gives the same per-player exclusion Postgres gets from row locks.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the database at path and applies the
// schema.
func OpenSQLite(path string) (*SQLite, error) {
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	db, err := sql.Open("sqlite3", path+sep+"_txlock=immediate&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, domain.NewPersistenceError("open sqlite", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, domain.NewPersistenceError("connect sqlite", err)
	}
	// SQLite only supports one writer at a time.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		db.Close()
		return nil, domain.NewPersistenceError("apply pragmas", err)
	}
	s := &SQLite{db: db}
	if err := s.Migrate(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLite) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLite) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// Migrate is idempotent.
func (s *SQLite) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, sqliteSchema); err != nil {
		return domain.NewPersistenceError("migrate", err)
	}
	return nil
}

const sqlitePlayerCols = `user_id, display_name, rating, games_played, is_active, created_at, updated_at`

const sqliteHistoryCols = `
	seq, id, user_id, match_id,
	rating_before, rating_after, rating_change,
	opponent_id, opponent_rating, match_result,
	k_factor_used, expected_score, actual_score,
	confidence_at_time, is_provisional_at_time, created_at`

// sqlQuerier is satisfied by both *sql.DB and *sql.Tx.
type sqlQuerier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *SQLite) GetPlayer(ctx context.Context, userID string) (domain.Player, error) {
	p, err := sqliteGetPlayer(ctx, s.db, userID)
	if err != nil {
		return domain.Player{}, err
	}
	if !p.Active {
		return domain.Player{}, domain.NewNotFoundError("player " + userID)
	}
	return p, nil
}

func (s *SQLite) EnsurePlayer(ctx context.Context, userID, displayName string, startingRating int) (domain.Player, error) {
	now := time.Now().UTC().UnixNano()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO players(user_id, display_name, rating, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE
		   SET display_name = COALESCE(NULLIF(excluded.display_name, ''), players.display_name),
		       is_active = 1,
		       updated_at = excluded.updated_at
	`, userID, displayName, startingRating, now, now)
	if err != nil {
		return domain.Player{}, sqliteErr("ensure player", err)
	}
	return sqliteGetPlayer(ctx, s.db, userID)
}

func (s *SQLite) DeactivatePlayer(ctx context.Context, userID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE players
		   SET is_active = 0,
		       updated_at = ?
		 WHERE user_id = ? AND is_active = 1
	`, time.Now().UTC().UnixNano(), userID)
	if err != nil {
		return sqliteErr("deactivate player", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.NewNotFoundError("player " + userID)
	}
	return nil
}

func (s *SQLite) History(ctx context.Context, userID string, limit, offset int) ([]domain.HistoryRecord, error) {
	if err := pageBounds(limit, offset); err != nil {
		return nil, err
	}
	return sqliteHistory(ctx, s.db, `
		SELECT `+sqliteHistoryCols+`
		  FROM rating_history
		 WHERE user_id = ?
		 ORDER BY seq DESC
		 LIMIT ? OFFSET ?
	`, userID, limit, offset)
}

func (s *SQLite) FullHistory(ctx context.Context, userID string) ([]domain.HistoryRecord, error) {
	return sqliteFullHistory(ctx, s.db, userID)
}

func (s *SQLite) RankedPlayerIDs(ctx context.Context, limit int) ([]string, error) {
	if err := pageBounds(limit, 0); err != nil {
		return nil, err
	}
	return sqliteIDs(ctx, s.db, `
		SELECT user_id
		  FROM players
		 WHERE is_active = 1 AND games_played > 0
		 ORDER BY rating DESC, user_id ASC
		 LIMIT ?
	`, limit)
}

func (s *SQLite) PlayerIDsAfter(ctx context.Context, after string, limit int) ([]string, error) {
	if err := pageBounds(limit, 0); err != nil {
		return nil, err
	}
	return sqliteIDs(ctx, s.db, `
		SELECT user_id
		  FROM players
		 WHERE is_active = 1 AND user_id > ?
		 ORDER BY user_id ASC
		 LIMIT ?
	`, after, limit)
}

func (s *SQLite) InTx(ctx context.Context, fn func(Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return sqliteErr("begin tx", err)
	}
	defer tx.Rollback() // no-op after commit

	if err := fn(&sqliteTx{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return sqliteErr("commit", err)
	}
	return nil
}

type sqliteTx struct{ tx *sql.Tx }

// LockPlayers reads the rows; the immediate transaction already holds the
// database write lock.
func (t *sqliteTx) LockPlayers(ctx context.Context, userIDs ...string) (map[string]domain.Player, error) {
	out := make(map[string]domain.Player, len(userIDs))
	for _, id := range uniqueSorted(userIDs) {
		p, err := sqliteGetPlayer(ctx, t.tx, id)
		if err != nil {
			return nil, err
		}
		if !p.Active {
			return nil, domain.NewNotFoundError("player " + id)
		}
		out[id] = p
	}
	return out, nil
}

func (t *sqliteTx) UpdatePlayerRating(ctx context.Context, userID string, rating, gamesPlayed int, at time.Time) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE players
		   SET rating = ?,
		       games_played = ?,
		       updated_at = ?
		 WHERE user_id = ?
	`, rating, gamesPlayed, at.UTC().UnixNano(), userID)
	if err != nil {
		return sqliteErr("update player rating", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.NewNotFoundError("player " + userID)
	}
	return nil
}

func (t *sqliteTx) InsertHistory(ctx context.Context, r domain.HistoryRecord) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO rating_history(
			id, user_id, match_id,
			rating_before, rating_after, rating_change,
			opponent_id, opponent_rating, match_result,
			k_factor_used, expected_score, actual_score,
			confidence_at_time, is_provisional_at_time, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		r.ID, r.UserID, r.MatchID,
		r.RatingBefore, r.RatingAfter, r.RatingChange,
		r.OpponentID, r.OpponentRating, string(r.MatchResult),
		r.KFactorUsed, r.ExpectedScore, r.ActualScore,
		r.ConfidenceAtTime, r.IsProvisionalAtTime, r.Timestamp.UTC().UnixNano(),
	)
	if err != nil {
		return sqliteErr("insert history", err)
	}
	return nil
}

func (t *sqliteTx) FullHistory(ctx context.Context, userID string) ([]domain.HistoryRecord, error) {
	return sqliteFullHistory(ctx, t.tx, userID)
}

func (t *sqliteTx) LatestHistoryAt(ctx context.Context, userIDs ...string) (time.Time, error) {
	ids := uniqueSorted(userIDs)
	if len(ids) == 0 {
		return time.Time{}, nil
	}
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	var at sql.NullInt64
	err := t.tx.QueryRowContext(ctx, `
		SELECT MAX(created_at)
		  FROM rating_history
		 WHERE user_id IN (?`+strings.Repeat(", ?", len(ids)-1)+`)
	`, args...).Scan(&at)
	if err != nil {
		return time.Time{}, sqliteErr("latest history", err)
	}
	if !at.Valid {
		return time.Time{}, nil
	}
	return time.Unix(0, at.Int64).UTC(), nil
}

/* -----------------------------
   scan helpers
------------------------------*/

func sqliteGetPlayer(ctx context.Context, q sqlQuerier, userID string) (domain.Player, error) {
	var (
		p                domain.Player
		created, updated int64
	)
	err := q.QueryRowContext(ctx, `
		SELECT `+sqlitePlayerCols+`
		  FROM players
		 WHERE user_id = ?
	`, userID).Scan(&p.UserID, &p.DisplayName, &p.Rating, &p.GamesPlayed, &p.Active, &created, &updated)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Player{}, domain.NewNotFoundError("player " + userID)
		}
		return domain.Player{}, sqliteErr("get player", err)
	}
	p.CreatedAt = time.Unix(0, created).UTC()
	p.UpdatedAt = time.Unix(0, updated).UTC()
	return p, nil
}

func sqliteFullHistory(ctx context.Context, q sqlQuerier, userID string) ([]domain.HistoryRecord, error) {
	return sqliteHistory(ctx, q, `
		SELECT `+sqliteHistoryCols+`
		  FROM rating_history
		 WHERE user_id = ?
		 ORDER BY seq ASC
	`, userID)
}

func sqliteHistory(ctx context.Context, q sqlQuerier, query string, args ...any) ([]domain.HistoryRecord, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, sqliteErr("query history", err)
	}
	defer rows.Close()
	out := []domain.HistoryRecord{}
	for rows.Next() {
		var (
			r      domain.HistoryRecord
			result string
			at     int64
		)
		if err := rows.Scan(
			&r.Seq, &r.ID, &r.UserID, &r.MatchID,
			&r.RatingBefore, &r.RatingAfter, &r.RatingChange,
			&r.OpponentID, &r.OpponentRating, &result,
			&r.KFactorUsed, &r.ExpectedScore, &r.ActualScore,
			&r.ConfidenceAtTime, &r.IsProvisionalAtTime, &at,
		); err != nil {
			return nil, sqliteErr("scan history", err)
		}
		r.MatchResult = domain.Result(result)
		r.Timestamp = time.Unix(0, at).UTC()
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, sqliteErr("iterate history", err)
	}
	return out, nil
}

func sqliteIDs(ctx context.Context, q sqlQuerier, query string, args ...any) ([]string, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, sqliteErr("query ids", err)
	}
	defer rows.Close()
	out := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, sqliteErr("scan id", err)
		}
		out = append(out, id)
	}
	if err := rows.Err(); err != nil {
		return nil, sqliteErr("iterate ids", err)
	}
	return out, nil
}

func sqliteErr(op string, err error) error {
	var de *domain.Error
	if errors.As(err, &de) {
		return err
	}
	var se sqlite3.Error
	if errors.As(err, &se) {
		switch {
		case se.ExtendedCode == sqlite3.ErrConstraintUnique, se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey:
			return domain.NewConflictError(op, fmt.Errorf("%w: %w", domain.ErrDuplicate, err))
		case se.Code == sqlite3.ErrBusy, se.Code == sqlite3.ErrLocked:
			return domain.NewConflictError(op, err)
		}
	}
	return domain.NewPersistenceError(op, err)
}
