package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"rating-engine/server/audit"
	"rating-engine/server/cache"
	"rating-engine/server/config"
	"rating-engine/server/domain"
	"rating-engine/server/metrics"
	"rating-engine/server/ratings"
	"rating-engine/server/recalc"
	"rating-engine/server/store"
)

// rootOptions holds flags shared by every command.
type rootOptions struct {
	Database string
	Redis    string
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:           "ratings",
		Short:         "Competitive ELO rating engine",
		Long:          "Settles two-party matches into an append-only rating ledger and serves profiles and leaderboards.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&opts.Database, "db", "", "database DSN or SQLite path (overrides DATABASE_URL)")
	cmd.PersistentFlags().StringVar(&opts.Redis, "redis", "", "redis URL (overrides REDIS_URL)")

	cmd.AddCommand(newServeCommand(opts))
	cmd.AddCommand(newMigrateCommand(opts))
	cmd.AddCommand(newRegisterCommand(opts))
	cmd.AddCommand(newSettleCommand(opts))
	cmd.AddCommand(newProfileCommand(opts))
	cmd.AddCommand(newHistoryCommand(opts))
	cmd.AddCommand(newLeaderboardCommand(opts))
	cmd.AddCommand(newRecalculateCommand(opts))
	cmd.AddCommand(newAuditCommand(opts))
	return cmd
}

// app is one process's worth of opened dependencies.
type app struct {
	cfg     *config.Config
	store   store.Store
	cache   cache.Cache
	metrics *metrics.Metrics
	svc     *ratings.Service
}

func openApp(ctx context.Context, opts *rootOptions) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if opts.Database != "" {
		cfg.DatabaseURL = opts.Database
	}
	if opts.Redis != "" {
		cfg.RedisURL = opts.Redis
	}

	st, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	if cfg.AutoMigrate {
		if err := store.Migrate(ctx, st); err != nil {
			st.Close()
			return nil, err
		}
	}
	c, err := cache.Open(ctx, cfg.RedisURL)
	if err != nil {
		st.Close()
		return nil, err
	}

	m := metrics.New()
	svc, err := ratings.New(log.Default(), st, c, ratings.Options{
		Rating:            cfg.Rating,
		ProfileTTL:        cfg.ProfileCacheTTL,
		LeaderboardTTL:    cfg.LeaderboardCacheTTL,
		LeaderboardSize:   cfg.LeaderboardCacheSize,
		SettleMaxAttempts: cfg.SettleMaxAttempts,
		RecalcPageSize:    cfg.RecalcPageSize,
		Metrics:           m,
	})
	if err != nil {
		c.Close()
		st.Close()
		return nil, err
	}
	return &app{cfg: cfg, store: st, cache: c, metrics: m, svc: svc}, nil
}

func (a *app) Close() {
	if err := a.cache.Close(); err != nil {
		log.Printf("close cache: %v", err)
	}
	if err := a.store.Close(); err != nil {
		log.Printf("close store: %v", err)
	}
}

// withApp opens the app for the duration of fn.
func withApp(cmd *cobra.Command, opts *rootOptions, fn func(ctx context.Context, a *app) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	a, err := openApp(ctx, opts)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func newServeCommand(opts *rootOptions) *cobra.Command {
	var port string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API (and the audit worker when AUDIT_INTERVAL is set)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				if port != "" {
					a.cfg.Port = port
				}
				return serve(ctx, a)
			})
		},
	}
	cmd.Flags().StringVar(&port, "port", "", "listen port (overrides PORT)")
	return cmd
}

func serve(ctx context.Context, a *app) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go watchSignals(ctx, cancel)

	srv := &http.Server{
		Addr:              ":" + a.cfg.Port,
		Handler:           Router(a.svc, a.metrics),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		// batch recalculation runs inside a request
		WriteTimeout: 5 * time.Minute,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Printf("listening on http://localhost:%s (Ctrl+C to stop)", a.cfg.Port)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, scancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer scancel()
		return srv.Shutdown(sctx)
	})
	if a.cfg.AuditInterval > 0 {
		w, err := audit.New(log.Default(), a.svc.Recalculator(), audit.Config{
			Interval:  a.cfg.AuditInterval,
			BatchSize: a.cfg.RecalcPageSize,
		})
		if err != nil {
			return err
		}
		log.Printf("audit worker every %s", a.cfg.AuditInterval)
		g.Go(func() error { return w.Run(gctx) })
	}
	return g.Wait()
}

func newMigrateCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if opts.Database != "" {
				cfg.DatabaseURL = opts.Database
			}
			st, err := store.Open(cmd.Context(), cfg.DatabaseURL)
			if err != nil {
				return err
			}
			defer st.Close()
			if err := store.Migrate(cmd.Context(), st); err != nil {
				return err
			}
			log.Println("migrated")
			return nil
		},
	}
}

func newRegisterCommand(opts *rootOptions) *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "register <user-id>",
		Short: "Create a player at the starting rating, or reactivate one",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				p, err := a.svc.RegisterPlayer(ctx, args[0], name)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), p)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "display name")
	return cmd
}

func newSettleCommand(opts *rootOptions) *cobra.Command {
	var matchID string
	cmd := &cobra.Command{
		Use:   "settle <player1> <player2> <player1_wins|player2_wins|draw>",
		Short: "Settle one match",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			outcome, err := domain.ParseOutcome(args[2])
			if err != nil {
				return err
			}
			if matchID == "" {
				return domain.NewInvalidArgument("--match is required")
			}
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				res, err := a.svc.Settle(ctx, args[0], args[1], matchID, outcome)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), res)
			})
		},
	}
	cmd.Flags().StringVar(&matchID, "match", "", "match id (required, unique per match)")
	return cmd
}

func newProfileCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "profile <user-id>",
		Short: "Print a player's profile",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				p, err := a.svc.GetProfile(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), p)
			})
		},
	}
}

func newHistoryCommand(opts *rootOptions) *cobra.Command {
	var limit, offset int
	cmd := &cobra.Command{
		Use:   "history <user-id>",
		Short: "Print a player's ledger, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				rows, err := a.svc.GetHistory(ctx, args[0], limit, offset)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				for _, h := range rows {
					fmt.Fprintf(out, "%s match=%s vs=%s(%d) result=%s k=%d expected=%.4f %d -> %d (%+d)\n",
						h.Timestamp.Format(time.RFC3339), h.MatchID, h.OpponentID, h.OpponentRating,
						h.MatchResult, h.KFactorUsed, h.ExpectedScore, h.RatingBefore, h.RatingAfter, h.RatingChange)
				}
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", defaultHistoryLimit, "page size")
	cmd.Flags().IntVar(&offset, "offset", 0, "records to skip")
	return cmd
}

func newLeaderboardCommand(opts *rootOptions) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "leaderboard",
		Short: "Print the top players",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				rows, err := a.svc.GetLeaderboard(ctx, limit)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				for _, e := range rows {
					fmt.Fprintf(out, "%4d  %-24s %5d  games=%d\n", e.Rank, e.Profile.UserID, e.Profile.CurrentRating, e.Profile.GamesPlayed)
				}
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", defaultLeaderboardLimit, "rows to print")
	return cmd
}

func newRecalculateCommand(opts *rootOptions) *cobra.Command {
	var (
		user   string
		after  string
		dryRun bool
		limit  int
	)
	cmd := &cobra.Command{
		Use:   "recalculate",
		Short: "Replay the ledger and repair drifted ratings",
		Long: `Replay each player's ledger under the current rating rules and compare
the result with the stored rating. Drifted players are repaired unless
--dry-run is given.

Examples:
  ratings recalculate --user alice --dry-run
  ratings recalculate --after bob --limit 500`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				out := cmd.OutOrStdout()
				if user != "" {
					res, err := a.svc.Recalculate(ctx, user, dryRun)
					if err != nil {
						return err
					}
					_, err = io.WriteString(out, res.Trail())
					return err
				}
				ctx, cancel := context.WithCancel(ctx)
				defer cancel()
				go watchSignals(ctx, cancel)
				sum, err := a.svc.RecalculateAll(ctx, recalc.Options{After: after, DryRun: dryRun, Limit: limit})
				if perr := printJSON(out, sum); perr != nil {
					return perr
				}
				return err
			})
		},
	}
	cmd.Flags().StringVar(&user, "user", "", "replay a single player")
	cmd.Flags().StringVar(&after, "after", "", "resume after this user id")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "report drift without writing")
	cmd.Flags().IntVar(&limit, "limit", 0, "max players to visit (0 = all)")
	return cmd
}

func newAuditCommand(opts *rootOptions) *cobra.Command {
	var (
		once     bool
		dryRun   bool
		interval time.Duration
	)
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Run the periodic ledger audit in the foreground",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				if interval == 0 {
					interval = a.cfg.AuditInterval
				}
				w, err := audit.New(log.Default(), a.svc.Recalculator(), audit.Config{
					Interval:  interval,
					BatchSize: a.cfg.RecalcPageSize,
					DryRun:    dryRun,
					Once:      once,
				})
				if err != nil {
					return err
				}
				ctx, cancel := context.WithCancel(ctx)
				defer cancel()
				go watchSignals(ctx, cancel)
				return w.Run(ctx)
			})
		},
	}
	cmd.Flags().BoolVar(&once, "once", false, "run a single batch and exit")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "report drift without writing")
	cmd.Flags().DurationVar(&interval, "interval", 0, "tick interval (defaults to AUDIT_INTERVAL)")
	return cmd
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
