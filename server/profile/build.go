// Package profile derives player profiles from the rating ledger and serves
// them cache-first.
package profile

import (
	"math"

	"rating-engine/server/domain"
	"rating-engine/server/rating"
)

const (
	recentFormSize = 10
	trendWindow    = 20
	trendThreshold = 5.0
)

// Build folds a player's ledger (in replay order) and live row into a
// Profile. Counts come from the ledger; the current rating, games played and
// everything derived from them come from the live row.
func Build(p domain.Player, history []domain.HistoryRecord, cfg rating.Config) (domain.Profile, error) {
	provisional := cfg.IsProvisional(p.GamesPlayed)
	k, err := cfg.SelectKFactor(float64(p.Rating), provisional)
	if err != nil {
		return domain.Profile{}, err
	}
	conf, err := rating.Confidence(p.GamesPlayed)
	if err != nil {
		return domain.Profile{}, err
	}

	out := domain.Profile{
		UserID:        p.UserID,
		DisplayName:   p.DisplayName,
		CurrentRating: p.Rating,
		PeakRating:    p.Rating,
		LowestRating:  p.Rating,
		GamesPlayed:   p.GamesPlayed,
		IsProvisional: provisional,
		Confidence:    conf,
		KFactor:       k,
		RecentForm:    []domain.Result{},
		RatingTrend:   domain.TrendStable,
	}

	if len(history) > 0 {
		track(&out, history[0].RatingBefore)
	}
	deltas := make([]int, 0, len(history))
	oppSum := 0
	for _, r := range history {
		switch r.MatchResult {
		case domain.Win:
			out.Wins++
		case domain.Loss:
			out.Losses++
		case domain.Tie:
			out.Draws++
		}
		track(&out, r.RatingAfter)
		deltas = append(deltas, r.RatingChange)
		oppSum += r.OpponentRating
	}

	n := len(history)
	if n == 0 {
		out.WinRateHigh = 100
		return out, nil
	}

	out.WinRate = rating.Round2(float64(out.Wins) / float64(n) * 100)
	lo, hi := WilsonCI95(out.Wins, out.Draws, n)
	out.WinRateLow = rating.Round2(lo * 100)
	out.WinRateHigh = rating.Round2(hi * 100)
	out.RatingVolatility = rating.Round2(popStdDev(deltas))
	out.AverageOpponentRating = int(math.Round(float64(oppSum) / float64(n)))

	for i := n - 1; i >= 0 && len(out.RecentForm) < recentFormSize; i-- {
		out.RecentForm = append(out.RecentForm, history[i].MatchResult)
	}
	out.RatingTrend = trendOf(deltas)

	last := history[n-1].Timestamp
	out.LastPlayedAt = &last
	return out, nil
}

func track(p *domain.Profile, r int) {
	if r > p.PeakRating {
		p.PeakRating = r
	}
	if r < p.LowestRating {
		p.LowestRating = r
	}
}

// trendOf looks at the mean of the most recent deltas.
func trendOf(deltas []int) domain.Trend {
	if len(deltas) > trendWindow {
		deltas = deltas[len(deltas)-trendWindow:]
	}
	if len(deltas) == 0 {
		return domain.TrendStable
	}
	sum := 0
	for _, d := range deltas {
		sum += d
	}
	mean := float64(sum) / float64(len(deltas))
	switch {
	case mean > trendThreshold:
		return domain.TrendUp
	case mean < -trendThreshold:
		return domain.TrendDown
	default:
		return domain.TrendStable
	}
}
