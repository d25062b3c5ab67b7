package rating

import (
	"math"
	"testing"

	"rating-engine/server/domain"
)

func TestExpectedScoreSumsToOne(t *testing.T) {
	for a := 0; a <= 3500; a += 37 {
		for b := 0; b <= 3500; b += 53 {
			ea, eb, err := ExpectedScore(float64(a), float64(b))
			if err != nil {
				t.Fatalf("ExpectedScore(%d,%d) returned error: %v", a, b, err)
			}
			if ea+eb != 1 {
				t.Fatalf("ExpectedScore(%d,%d): ea+eb = %v, want exactly 1", a, b, ea+eb)
			}
		}
	}
}

func TestExpectedScoreEqualRatings(t *testing.T) {
	ea, eb, err := ExpectedScore(1200, 1200)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ea != 0.5 || eb != 0.5 {
		t.Fatalf("expected 0.5/0.5, got %v/%v", ea, eb)
	}
}

func TestExpectedScoreRejectsNonFinite(t *testing.T) {
	for _, r := range []float64{math.NaN(), math.Inf(1), math.Inf(-1)} {
		if _, _, err := ExpectedScore(r, 1200); !domain.IsInvalidArgument(err) {
			t.Fatalf("expected InvalidArgument for %v, got %v", r, err)
		}
	}
}

func TestSelectKFactor(t *testing.T) {
	cfg := DefaultConfig()
	tests := []struct {
		name        string
		rating      float64
		provisional bool
		want        int
	}{
		{"provisional beats band", 2500, true, 40},
		{"novice", 1399, false, 32},
		{"average lower edge", 1400, false, 24},
		{"average", 1799, false, 24},
		{"expert", 1800, false, 16},
		{"expert upper", 2199, false, 16},
		{"master", 2200, false, 12},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := cfg.SelectKFactor(tt.rating, tt.provisional)
			if err != nil {
				t.Fatalf("SelectKFactor returned error: %v", err)
			}
			if got != tt.want {
				t.Fatalf("SelectKFactor(%v, %v) = %d, want %d", tt.rating, tt.provisional, got, tt.want)
			}
		})
	}
}

func TestRatingDeltaRoundsHalfAwayFromZero(t *testing.T) {
	tests := []struct {
		k                int
		actual, expected float64
		want             int
	}{
		{40, 1, 0.5, 20},
		{40, 0, 0.5, -20},
		{1, 1, 0.5, 1},  // 0.5 -> 1
		{1, 0, 0.5, -1}, // -0.5 -> -1
		{3, 1, 0.5, 2},  // 1.5 -> 2
		{5, 0, 0.5, -3}, // -2.5 -> -3
	}
	for _, tt := range tests {
		got, err := RatingDelta(tt.k, tt.actual, tt.expected)
		if err != nil {
			t.Fatalf("RatingDelta returned error: %v", err)
		}
		if got != tt.want {
			t.Fatalf("RatingDelta(%d,%v,%v) = %d, want %d", tt.k, tt.actual, tt.expected, got, tt.want)
		}
	}
}

func TestRatingDeltaRejectsBadInput(t *testing.T) {
	if _, err := RatingDelta(0, 1, 0.5); !domain.IsInvalidArgument(err) {
		t.Fatalf("expected InvalidArgument for k=0, got %v", err)
	}
	if _, err := RatingDelta(32, 1.5, 0.5); !domain.IsInvalidArgument(err) {
		t.Fatalf("expected InvalidArgument for actual=1.5, got %v", err)
	}
	if _, err := RatingDelta(32, 1, math.NaN()); !domain.IsInvalidArgument(err) {
		t.Fatalf("expected InvalidArgument for NaN expected, got %v", err)
	}
}

func TestApplyBounds(t *testing.T) {
	cfg := DefaultConfig()
	tests := []struct {
		name        string
		rating      int
		gamesPlayed int
		want        int
	}{
		{"inside", 1500, 40, 1500},
		{"above max", 3050, 40, 3000},
		{"below min provisional", 50, 3, 100},
		{"below floor provisional", 780, 30, 780},
		{"below floor established", 780, 61, 800},
		{"below min established", 40, 61, 800},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := cfg.ApplyBounds(tt.rating, tt.gamesPlayed)
			if err != nil {
				t.Fatalf("ApplyBounds returned error: %v", err)
			}
			if got != tt.want {
				t.Fatalf("ApplyBounds(%d,%d) = %d, want %d", tt.rating, tt.gamesPlayed, got, tt.want)
			}
		})
	}
	if _, err := cfg.ApplyBounds(1200, -1); !domain.IsInvalidArgument(err) {
		t.Fatalf("expected InvalidArgument for negative games, got %v", err)
	}
}

func TestBoundsHoldForAllOutcomes(t *testing.T) {
	cfg := DefaultConfig()
	for r := cfg.MinRating; r <= cfg.MaxRating; r += 47 {
		for opp := cfg.MinRating; opp <= cfg.MaxRating; opp += 211 {
			for _, g := range []int{0, 15, 29, 30, 31, 200} {
				for _, s := range []float64{0, 0.5, 1} {
					ch, err := cfg.Apply(r, g, opp, s)
					if err != nil {
						t.Fatalf("Apply returned error: %v", err)
					}
					if ch.RatingAfter < cfg.MinRating || ch.RatingAfter > cfg.MaxRating {
						t.Fatalf("rating %d escaped [%d,%d]", ch.RatingAfter, cfg.MinRating, cfg.MaxRating)
					}
					if g+1 > cfg.ProvisionalGames && ch.RatingAfter < cfg.RatingFloor {
						t.Fatalf("rating %d below floor after %d games", ch.RatingAfter, g+1)
					}
				}
			}
		}
	}
}

func TestConfidence(t *testing.T) {
	tests := []struct {
		games int
		want  float64
	}{
		{0, 0},
		{1, 15.05},
		{9, 50},
		{99, 100},
		{5000, 100},
	}
	for _, tt := range tests {
		got, err := Confidence(tt.games)
		if err != nil {
			t.Fatalf("Confidence(%d) returned error: %v", tt.games, err)
		}
		if got != tt.want {
			t.Fatalf("Confidence(%d) = %v, want %v", tt.games, got, tt.want)
		}
	}
	if _, err := Confidence(-1); !domain.IsInvalidArgument(err) {
		t.Fatalf("expected InvalidArgument, got %v", err)
	}
}

func TestConfidenceBoundedAndMonotone(t *testing.T) {
	prev := -1.0
	for g := 0; g <= 2000; g++ {
		c, err := Confidence(g)
		if err != nil {
			t.Fatalf("Confidence(%d) returned error: %v", g, err)
		}
		if c < 0 || c > 100 {
			t.Fatalf("Confidence(%d) = %v out of [0,100]", g, c)
		}
		if c < prev {
			t.Fatalf("Confidence(%d) = %v decreased from %v", g, c, prev)
		}
		prev = c
	}
}

func TestApplyProvisionalWin(t *testing.T) {
	cfg := DefaultConfig()
	p1, err := cfg.Apply(1200, 0, 1200, 1)
	if err != nil {
		t.Fatalf("Apply returned error: %v", err)
	}
	p2, err := cfg.Apply(1200, 0, 1200, 0)
	if err != nil {
		t.Fatalf("Apply returned error: %v", err)
	}
	if p1.K != 40 || p2.K != 40 {
		t.Fatalf("expected provisional K=40, got %d/%d", p1.K, p2.K)
	}
	if p1.RatingAfter != 1220 || p2.RatingAfter != 1180 {
		t.Fatalf("expected 1220/1180, got %d/%d", p1.RatingAfter, p2.RatingAfter)
	}
	if !p1.Provisional || p1.Confidence != 0 {
		t.Fatalf("expected provisional with zero confidence, got %+v", p1)
	}
}

func TestApplyAsymmetricDraw(t *testing.T) {
	cfg := DefaultConfig()
	a, err := cfg.Apply(2250, 50, 1700, 0.5)
	if err != nil {
		t.Fatalf("Apply returned error: %v", err)
	}
	b, err := cfg.Apply(1700, 50, 2250, 0.5)
	if err != nil {
		t.Fatalf("Apply returned error: %v", err)
	}
	if a.K != 12 || b.K != 24 {
		t.Fatalf("expected K 12/24, got %d/%d", a.K, b.K)
	}
	if math.Abs(a.Expected-0.9595) > 0.0001 {
		t.Fatalf("unexpected expected score %v", a.Expected)
	}
	// 12*(0.5-0.9595) = -5.51 -> -6; 24*(0.5-0.0405) = 11.03 -> 11
	if a.Delta != -6 || a.RatingAfter != 2244 {
		t.Fatalf("expected -6 -> 2244, got %d -> %d", a.Delta, a.RatingAfter)
	}
	if b.Delta != 11 || b.RatingAfter != 1711 {
		t.Fatalf("expected +11 -> 1711, got %d -> %d", b.Delta, b.RatingAfter)
	}
}

func TestApplyFloorOnEstablishedLoss(t *testing.T) {
	cfg := DefaultConfig()
	// 810 loses to 350: 32*(0-0.9339) = -29.88 -> -30, raw 780
	ch, err := cfg.Apply(810, 60, 350, 0)
	if err != nil {
		t.Fatalf("Apply returned error: %v", err)
	}
	if ch.Delta != -30 {
		t.Fatalf("expected delta -30, got %d", ch.Delta)
	}
	if ch.RatingAfter != 800 {
		t.Fatalf("expected floor 800, got %d", ch.RatingAfter)
	}
}

func TestValidate(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	bad := DefaultConfig()
	bad.K.Expert = 0
	if err := bad.Validate(); !domain.IsInvalidArgument(err) {
		t.Fatalf("expected InvalidArgument, got %v", err)
	}
	bad = DefaultConfig()
	bad.RatingFloor = 50
	if err := bad.Validate(); err == nil {
		t.Fatalf("expected error for floor below min")
	}
	bad = DefaultConfig()
	bad.MinRating, bad.MaxRating = 3000, 100
	if err := bad.Validate(); err == nil {
		t.Fatalf("expected error for inverted bounds")
	}
}
