// Package audit periodically replays the ledger to catch drift between the
// live ratings and their history.
package audit

import (
	"context"
	"errors"
	"log"
	"time"

	"rating-engine/server/recalc"
)

// Recalculator is satisfied by *recalc.Engine.
type Recalculator interface {
	RecalculateAll(ctx context.Context, opts recalc.Options) (recalc.Summary, error)
}

type Config struct {
	Interval time.Duration
	// BatchSize caps players per tick; the next tick resumes from the
	// checkpoint. 0 means the whole ladder every tick.
	BatchSize int
	DryRun    bool
	Once      bool
}

type Worker struct {
	r          Recalculator
	cfg        Config
	logger     *log.Logger
	checkpoint string
}

func New(logger *log.Logger, r Recalculator, cfg Config) (*Worker, error) {
	if logger == nil {
		return nil, errors.New("logger is required")
	}
	if r == nil {
		return nil, errors.New("recalculator is required")
	}
	if cfg.Interval <= 0 && !cfg.Once {
		return nil, errors.New("interval must be positive")
	}
	return &Worker{r: r, cfg: cfg, logger: logger}, nil
}

// Run ticks until ctx is done. Batch errors are logged, not returned.
func (w *Worker) Run(ctx context.Context) error {
	if w.cfg.Once {
		_, err := w.Tick(ctx)
		return err
	}

	t := time.NewTicker(w.cfg.Interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
		if _, err := w.Tick(ctx); err != nil && ctx.Err() == nil {
			w.logger.Printf("audit tick error: %v", err)
		}
	}
}

// Tick runs one batch from the saved checkpoint.
func (w *Worker) Tick(ctx context.Context) (recalc.Summary, error) {
	sum, err := w.r.RecalculateAll(ctx, recalc.Options{
		After:  w.checkpoint,
		DryRun: w.cfg.DryRun,
		Limit:  w.cfg.BatchSize,
	})
	switch {
	case sum.Completed:
		w.checkpoint = ""
	case sum.Checkpoint != "":
		w.checkpoint = sum.Checkpoint
	}
	if err != nil {
		return sum, err
	}
	if sum.Repaired > 0 || sum.Drifted > 0 || len(sum.Errors) > 0 {
		w.logger.Printf("audit processed=%d repaired=%d drifted=%d errors=%d next=%q",
			sum.Processed, sum.Repaired, sum.Drifted, len(sum.Errors), w.checkpoint)
	}
	return sum, nil
}

func (w *Worker) Checkpoint() string { return w.checkpoint }
