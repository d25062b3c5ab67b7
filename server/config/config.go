// Package config reads process settings from the environment (and .env in
// development, loaded by main) plus an optional YAML rating file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"rating-engine/server/rating"
)

type Config struct {
	DatabaseURL string
	RedisURL    string
	Port        string
	AutoMigrate bool

	ProfileCacheTTL      time.Duration
	LeaderboardCacheTTL  time.Duration
	LeaderboardCacheSize int
	SettleMaxAttempts    int
	RecalcPageSize       int
	AuditInterval        time.Duration

	Rating rating.Config
}

// Load reads the process environment.
func Load() (*Config, error) {
	return LoadFrom(os.Getenv)
}

// LoadFrom reads settings through getenv. Unparseable values are errors,
// never silently defaulted.
func LoadFrom(getenv func(string) string) (*Config, error) {
	e := env{get: getenv}
	c := &Config{
		DatabaseURL:          e.str("DATABASE_URL", "ratings.db"),
		RedisURL:             e.str("REDIS_URL", ""),
		Port:                 e.str("PORT", "8080"),
		AutoMigrate:          e.boolean("AUTO_MIGRATE", true),
		ProfileCacheTTL:      e.duration("PROFILE_CACHE_TTL", 5*time.Minute),
		LeaderboardCacheTTL:  e.duration("LEADERBOARD_CACHE_TTL", 60*time.Second),
		LeaderboardCacheSize: e.integer("LEADERBOARD_CACHE_SIZE", 100),
		SettleMaxAttempts:    e.integer("SETTLE_MAX_ATTEMPTS", 3),
		RecalcPageSize:       e.integer("RECALC_PAGE_SIZE", 200),
		AuditInterval:        e.duration("AUDIT_INTERVAL", 0),
	}

	rc := rating.DefaultConfig()
	if path := strings.TrimSpace(getenv("RATING_CONFIG_FILE")); path != "" {
		if err := readRatingFile(path, &rc); err != nil {
			return nil, err
		}
	}
	rc.K.Provisional = e.integer("RATING_K_PROVISIONAL", rc.K.Provisional)
	rc.K.Novice = e.integer("RATING_K_NOVICE", rc.K.Novice)
	rc.K.Average = e.integer("RATING_K_AVERAGE", rc.K.Average)
	rc.K.Expert = e.integer("RATING_K_EXPERT", rc.K.Expert)
	rc.K.Master = e.integer("RATING_K_MASTER", rc.K.Master)
	rc.MinRating = e.integer("RATING_MIN", rc.MinRating)
	rc.MaxRating = e.integer("RATING_MAX", rc.MaxRating)
	rc.StartingRating = e.integer("RATING_START", rc.StartingRating)
	rc.ProvisionalGames = e.integer("RATING_PROVISIONAL_GAMES", rc.ProvisionalGames)
	rc.RatingFloor = e.integer("RATING_FLOOR", rc.RatingFloor)
	c.Rating = rc

	if e.err != nil {
		return nil, e.err
	}
	if err := c.Rating.Validate(); err != nil {
		return nil, err
	}
	if c.SettleMaxAttempts < 1 {
		return nil, fmt.Errorf("SETTLE_MAX_ATTEMPTS must be >= 1, got %d", c.SettleMaxAttempts)
	}
	if c.LeaderboardCacheSize < 1 || c.LeaderboardCacheSize > 1000 {
		return nil, fmt.Errorf("LEADERBOARD_CACHE_SIZE must be in 1..1000, got %d", c.LeaderboardCacheSize)
	}
	return c, nil
}

// readRatingFile overlays the YAML file onto rc; absent keys keep defaults.
func readRatingFile(path string, rc *rating.Config) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read rating config: %w", err)
	}
	if err := yaml.Unmarshal(b, rc); err != nil {
		return fmt.Errorf("parse rating config %s: %w", path, err)
	}
	return nil
}

// env keeps the first parse error so Load can report it once.
type env struct {
	get func(string) string
	err error
}

func (e *env) raw(k string) string { return strings.TrimSpace(e.get(k)) }

func (e *env) str(k, def string) string {
	if v := e.raw(k); v != "" {
		return v
	}
	return def
}

func (e *env) integer(k string, def int) int {
	s := e.raw(k)
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		e.fail(fmt.Errorf("%s: %q is not an integer", k, s))
		return def
	}
	return n
}

func (e *env) duration(k string, def time.Duration) time.Duration {
	s := e.raw(k)
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		// bare numbers are seconds
		if n, nerr := strconv.Atoi(s); nerr == nil {
			return time.Duration(n) * time.Second
		}
		e.fail(fmt.Errorf("%s: %q is not a duration", k, s))
		return def
	}
	return d
}

func (e *env) boolean(k string, def bool) bool {
	switch strings.ToLower(e.raw(k)) {
	case "":
		return def
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		e.fail(fmt.Errorf("%s: %q is not a boolean", k, e.raw(k)))
		return def
	}
}

func (e *env) fail(err error) {
	if e.err == nil {
		e.err = err
	}
}
