package domain

import (
	"fmt"
	"strings"
	"time"
)

// Outcome is the result of a two-party match from player 1's point of view.
type Outcome string

const (
	Player1Wins Outcome = "player1_wins"
	Player2Wins Outcome = "player2_wins"
	Draw        Outcome = "draw"
)

// ParseOutcome accepts the three settlement outcomes, case-insensitively.
func ParseOutcome(s string) (Outcome, error) {
	switch o := Outcome(strings.ToLower(strings.TrimSpace(s))); o {
	case Player1Wins, Player2Wins, Draw:
		return o, nil
	default:
		return "", NewInvalidArgument("unrecognized match result %q", s)
	}
}

// Scores maps an outcome to the actual scores of player 1 and player 2.
func (o Outcome) Scores() (s1, s2 float64, err error) {
	switch o {
	case Player1Wins:
		return 1, 0, nil
	case Player2Wins:
		return 0, 1, nil
	case Draw:
		return 0.5, 0.5, nil
	default:
		return 0, 0, NewInvalidArgument("unrecognized match result %q", string(o))
	}
}

// Result is a single player's result as stored in the ledger.
type Result string

const (
	Win  Result = "win"
	Loss Result = "loss"
	Tie  Result = "draw"
)

// ResultFromScore maps an actual score back to win/loss/draw.
func ResultFromScore(s float64) Result {
	switch {
	case s > 0.5:
		return Win
	case s < 0.5:
		return Loss
	default:
		return Tie
	}
}

// Score is the actual score the ledger result stands for.
func (r Result) Score() (float64, error) {
	switch r {
	case Win:
		return 1, nil
	case Loss:
		return 0, nil
	case Tie:
		return 0.5, nil
	default:
		return 0, NewInvalidArgument("unrecognized stored result %q", string(r))
	}
}

// Trend summarizes the direction of recent rating changes.
type Trend string

const (
	TrendUp     Trend = "up"
	TrendDown   Trend = "down"
	TrendStable Trend = "stable"
)

// Player is the live user row: identity plus the denormalized rating projection.
type Player struct {
	UserID      string
	DisplayName string
	Rating      int
	GamesPlayed int
	Active      bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// HistoryRecord is one immutable ledger entry. RatingChange is the raw delta;
// RatingAfter is RatingBefore+RatingChange after bounds were applied.
type HistoryRecord struct {
	ID                  string    `json:"id"`
	Seq                 int64     `json:"seq"`
	UserID              string    `json:"user_id"`
	MatchID             string    `json:"match_id"`
	RatingBefore        int       `json:"rating_before"`
	RatingAfter         int       `json:"rating_after"`
	RatingChange        int       `json:"rating_change"`
	OpponentID          string    `json:"opponent_id"`
	OpponentRating      int       `json:"opponent_rating"`
	MatchResult         Result    `json:"match_result"`
	KFactorUsed         int       `json:"k_factor_used"`
	ExpectedScore       float64   `json:"expected_score"`
	ActualScore         float64   `json:"actual_score"`
	ConfidenceAtTime    float64   `json:"confidence_at_time"`
	IsProvisionalAtTime bool      `json:"is_provisional_at_time"`
	Timestamp           time.Time `json:"timestamp"`
}

// Profile is the derived aggregate view of a player.
type Profile struct {
	UserID                string     `json:"user_id"`
	DisplayName           string     `json:"display_name"`
	CurrentRating         int        `json:"current_rating"`
	PeakRating            int        `json:"peak_rating"`
	LowestRating          int        `json:"lowest_rating"`
	GamesPlayed           int        `json:"games_played"`
	Wins                  int        `json:"wins"`
	Losses                int        `json:"losses"`
	Draws                 int        `json:"draws"`
	WinRate               float64    `json:"win_rate"`
	WinRateLow            float64    `json:"win_rate_ci_low"`
	WinRateHigh           float64    `json:"win_rate_ci_high"`
	IsProvisional         bool       `json:"is_provisional"`
	Confidence            float64    `json:"confidence"`
	KFactor               int        `json:"k_factor"`
	RatingVolatility      float64    `json:"rating_volatility"`
	RecentForm            []Result   `json:"recent_form"`
	AverageOpponentRating int        `json:"average_opponent_rating"`
	RatingTrend           Trend      `json:"rating_trend"`
	LastPlayedAt          *time.Time `json:"last_played_at,omitempty"`
}

// LeaderboardEntry is one ranked row.
type LeaderboardEntry struct {
	Rank    int     `json:"rank"`
	Profile Profile `json:"profile"`
}

func (p Profile) String() string {
	return fmt.Sprintf("%s rating=%d games=%d", p.UserID, p.CurrentRating, p.GamesPlayed)
}
