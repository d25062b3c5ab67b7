package rating

import (
	"math"

	"github.com/shopspring/decimal"

	"rating-engine/server/domain"
)

// Band breakpoints for non-provisional players.
const (
	noviceBelow  = 1400
	averageBelow = 1800
	expertBelow  = 2200
)

// ExpectedScore returns the logistic win expectancy of A against B and its
// complement. eB is derived from eA so the pair always sums to exactly 1.
func ExpectedScore(ratingA, ratingB float64) (ea, eb float64, err error) {
	if !finite(ratingA) || !finite(ratingB) {
		return 0, 0, domain.NewInvalidArgument("non-finite rating (%v, %v)", ratingA, ratingB)
	}
	ea = 1.0 / (1.0 + math.Pow(10, (ratingB-ratingA)/400.0))
	return ea, 1.0 - ea, nil
}

// SelectKFactor picks K from the player's own rating and provisional flag.
func (c Config) SelectKFactor(rating float64, provisional bool) (int, error) {
	if !finite(rating) {
		return 0, domain.NewInvalidArgument("non-finite rating %v", rating)
	}
	if provisional {
		return c.K.Provisional, nil
	}
	switch {
	case rating < noviceBelow:
		return c.K.Novice, nil
	case rating < averageBelow:
		return c.K.Average, nil
	case rating < expertBelow:
		return c.K.Expert, nil
	default:
		return c.K.Master, nil
	}
}

// RatingDelta = round(k * (actual - expected)), half away from zero.
func RatingDelta(k int, actual, expected float64) (int, error) {
	if k <= 0 {
		return 0, domain.NewInvalidArgument("k-factor must be positive, got %d", k)
	}
	if !unit(actual) || !unit(expected) {
		return 0, domain.NewInvalidArgument("scores must lie in [0,1] (actual=%v expected=%v)", actual, expected)
	}
	return int(math.Round(float64(k) * (actual - expected))), nil
}

// ApplyBounds clamps to [MinRating, MaxRating], then lifts to RatingFloor
// once the player is past the provisional period.
func (c Config) ApplyBounds(newRating, gamesPlayed int) (int, error) {
	if gamesPlayed < 0 {
		return 0, domain.NewInvalidArgument("gamesPlayed must be >= 0, got %d", gamesPlayed)
	}
	r := clamp(newRating, c.MinRating, c.MaxRating)
	if gamesPlayed > c.ProvisionalGames && r < c.RatingFloor {
		r = c.RatingFloor
	}
	return r, nil
}

// Confidence = min(100, round2(log(g+1)/log(100)*100)).
func Confidence(gamesPlayed int) (float64, error) {
	if gamesPlayed < 0 {
		return 0, domain.NewInvalidArgument("gamesPlayed must be >= 0, got %d", gamesPlayed)
	}
	if gamesPlayed == 0 {
		return 0, nil
	}
	v := math.Log(float64(gamesPlayed)+1) / math.Log(100) * 100
	return math.Min(100, Round2(v)), nil
}

// Round2 rounds half away from zero to two decimal places.
func Round2(v float64) float64 {
	return decimal.NewFromFloat(v).Round(2).InexactFloat64()
}

// Change is the full outcome of rating one player for one match.
type Change struct {
	RatingBefore int
	RatingAfter  int
	Delta        int
	K            int
	Expected     float64
	Actual       float64
	Confidence   float64
	Provisional  bool
}

// Apply rates one side of a match. gamesPlayed is the player's count before
// the match; bounds use the post-match count. Settlement and replay both go
// through here so they cannot disagree.
func (c Config) Apply(rating, gamesPlayed, opponentRating int, actual float64) (Change, error) {
	if gamesPlayed < 0 {
		return Change{}, domain.NewInvalidArgument("gamesPlayed must be >= 0, got %d", gamesPlayed)
	}
	provisional := c.IsProvisional(gamesPlayed)
	k, err := c.SelectKFactor(float64(rating), provisional)
	if err != nil {
		return Change{}, err
	}
	ea, _, err := ExpectedScore(float64(rating), float64(opponentRating))
	if err != nil {
		return Change{}, err
	}
	delta, err := RatingDelta(k, actual, ea)
	if err != nil {
		return Change{}, err
	}
	after, err := c.ApplyBounds(rating+delta, gamesPlayed+1)
	if err != nil {
		return Change{}, err
	}
	conf, err := Confidence(gamesPlayed)
	if err != nil {
		return Change{}, err
	}
	return Change{
		RatingBefore: rating,
		RatingAfter:  after,
		Delta:        delta,
		K:            k,
		Expected:     ea,
		Actual:       actual,
		Confidence:   conf,
		Provisional:  provisional,
	}, nil
}

// ---- helpers ----

func clamp(x, lo, hi int) int {
	if x < lo {
		return lo
	}
	if x > hi {
		return hi
	}
	return x
}

func finite(x float64) bool { return !math.IsNaN(x) && !math.IsInf(x, 0) }

func unit(x float64) bool { return finite(x) && x >= 0 && x <= 1 }
