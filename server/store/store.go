package store

import (
	"context"
	"sort"
	"strings"
	"time"

	"rating-engine/server/domain"
)

// Store is the record store the engine consumes. Reads outside InTx see
// committed data only; everything that mutates ratings goes through InTx.
type Store interface {
	// GetPlayer returns the live row, or NotFound when the player is missing
	// or inactive.
	GetPlayer(ctx context.Context, userID string) (domain.Player, error)
	// EnsurePlayer registers a player at startingRating if absent and
	// (re)activates them. Existing ratings are left untouched.
	EnsurePlayer(ctx context.Context, userID, displayName string, startingRating int) (domain.Player, error)
	// DeactivatePlayer soft-deletes a player. The ledger is kept.
	DeactivatePlayer(ctx context.Context, userID string) error

	// History returns one page of a player's ledger, newest first. Ledger
	// order is insertion order (seq), never the recorded timestamp.
	History(ctx context.Context, userID string, limit, offset int) ([]domain.HistoryRecord, error)
	// FullHistory returns the whole ledger of a player in replay order.
	FullHistory(ctx context.Context, userID string) ([]domain.HistoryRecord, error)

	// RankedPlayerIDs lists active players with at least one game, rating
	// descending, user id ascending.
	RankedPlayerIDs(ctx context.Context, limit int) ([]string, error)
	// PlayerIDsAfter pages through active players in ascending id order.
	PlayerIDsAfter(ctx context.Context, after string, limit int) ([]string, error)

	// InTx runs fn in one transaction; any error rolls back every statement.
	InTx(ctx context.Context, fn func(Tx) error) error

	Ping(ctx context.Context) error
	Close() error
}

// Tx is the set of statements available inside a transaction.
type Tx interface {
	// LockPlayers takes row locks on the given players in ascending id order
	// and returns their current rows. A missing or inactive player is NotFound.
	LockPlayers(ctx context.Context, userIDs ...string) (map[string]domain.Player, error)
	UpdatePlayerRating(ctx context.Context, userID string, rating, gamesPlayed int, at time.Time) error
	InsertHistory(ctx context.Context, rec domain.HistoryRecord) error
	FullHistory(ctx context.Context, userID string) ([]domain.HistoryRecord, error)
	// LatestHistoryAt is the newest ledger timestamp of any of the players,
	// or the zero time when none has a record.
	LatestHistoryAt(ctx context.Context, userIDs ...string) (time.Time, error)
}

// Open picks an adapter from the DSN scheme: postgres:// and postgresql://
// go to pgx, sqlite:// or a bare file path go to SQLite.
func Open(ctx context.Context, dsn string) (Store, error) {
	switch {
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		return OpenPostgres(ctx, dsn)
	case strings.HasPrefix(dsn, "sqlite://"):
		return OpenSQLite(strings.TrimPrefix(dsn, "sqlite://"))
	case dsn == "":
		return nil, domain.NewInvalidArgument("empty database dsn")
	default:
		return OpenSQLite(dsn)
	}
}

// Migrate applies the adapter's embedded schema.
func Migrate(ctx context.Context, s Store) error {
	type migrator interface {
		Migrate(ctx context.Context) error
	}
	m, ok := s.(migrator)
	if !ok {
		return domain.NewInvalidArgument("store %T does not support migrations", s)
	}
	return m.Migrate(ctx)
}

func uniqueSorted(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func pageBounds(limit, offset int) error {
	if limit <= 0 || limit > 1000 {
		return domain.NewInvalidArgument("limit must be in 1..1000, got %d", limit)
	}
	if offset < 0 {
		return domain.NewInvalidArgument("offset must be >= 0, got %d", offset)
	}
	return nil
}
