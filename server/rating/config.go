package rating

import (
	"rating-engine/server/domain"
)

// KFactors holds the K per experience band.
type KFactors struct {
	Provisional int `yaml:"provisional"`
	Novice      int `yaml:"novice"`
	Average     int `yaml:"average"`
	Expert      int `yaml:"expert"`
	Master      int `yaml:"master"`
}

// Config is the process-wide rating configuration. It is loaded once at
// startup and treated as immutable afterwards.
type Config struct {
	K                KFactors `yaml:"k_factors"`
	MinRating        int      `yaml:"min_rating"`
	MaxRating        int      `yaml:"max_rating"`
	StartingRating   int      `yaml:"starting_rating"`
	ProvisionalGames int      `yaml:"provisional_games"`
	RatingFloor      int      `yaml:"rating_floor"`
}

func DefaultConfig() Config {
	return Config{
		K: KFactors{
			Provisional: 40,
			Novice:      32,
			Average:     24,
			Expert:      16,
			Master:      12,
		},
		MinRating:        100,
		MaxRating:        3000,
		StartingRating:   1200,
		ProvisionalGames: 30,
		RatingFloor:      800,
	}
}

// Validate rejects configurations the math cannot honour.
func (c Config) Validate() error {
	ks := []struct {
		name string
		v    int
	}{
		{"provisional", c.K.Provisional},
		{"novice", c.K.Novice},
		{"average", c.K.Average},
		{"expert", c.K.Expert},
		{"master", c.K.Master},
	}
	for _, k := range ks {
		if k.v <= 0 {
			return domain.NewInvalidArgument("k-factor %s must be positive, got %d", k.name, k.v)
		}
	}
	if c.MinRating >= c.MaxRating {
		return domain.NewInvalidArgument("min_rating %d must be below max_rating %d", c.MinRating, c.MaxRating)
	}
	if c.StartingRating < c.MinRating || c.StartingRating > c.MaxRating {
		return domain.NewInvalidArgument("starting_rating %d outside [%d,%d]", c.StartingRating, c.MinRating, c.MaxRating)
	}
	if c.RatingFloor < c.MinRating || c.RatingFloor > c.MaxRating {
		return domain.NewInvalidArgument("rating_floor %d outside [%d,%d]", c.RatingFloor, c.MinRating, c.MaxRating)
	}
	if c.ProvisionalGames < 0 {
		return domain.NewInvalidArgument("provisional_games must be >= 0, got %d", c.ProvisionalGames)
	}
	return nil
}

// IsProvisional reports whether a player with gamesPlayed games is still in
// the provisional period.
func (c Config) IsProvisional(gamesPlayed int) bool {
	return gamesPlayed < c.ProvisionalGames
}
