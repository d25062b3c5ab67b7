package recalc

import (
	"context"
)

// Options control a batch run.
type Options struct {
	// After resumes a previous run: only ids strictly greater are visited.
	After  string
	DryRun bool
	// Limit caps the number of players visited; 0 means all.
	Limit int
}

type UserError struct {
	UserID string `json:"user_id"`
	Error  string `json:"error"`
}

// Summary reports a batch run. Checkpoint is the last processed id and can
// be passed back as Options.After.
type Summary struct {
	Processed  int         `json:"processed"`
	Consistent int         `json:"consistent"`
	Repaired   int         `json:"repaired"`
	Drifted    int         `json:"drifted"`
	Errors     []UserError `json:"errors"`
	Checkpoint string      `json:"checkpoint"`
	Completed  bool        `json:"completed"`
}

// RecalculateAll visits active players one at a time in ascending id order.
// A failing player is recorded and skipped. On cancellation the partial
// summary is returned together with the context error.
func (e *Engine) RecalculateAll(ctx context.Context, opts Options) (Summary, error) {
	sum := Summary{Errors: []UserError{}, Checkpoint: opts.After}
	after := opts.After
	for {
		if err := ctx.Err(); err != nil {
			return sum, err
		}
		ids, err := e.store.PlayerIDsAfter(ctx, after, e.cfg.PageSize)
		if err != nil {
			return sum, err
		}
		if len(ids) == 0 {
			sum.Completed = true
			break
		}
		for _, id := range ids {
			if err := ctx.Err(); err != nil {
				return sum, err
			}
			if opts.Limit > 0 && sum.Processed >= opts.Limit {
				e.logSummary(sum, opts)
				return sum, nil
			}
			res, err := e.run(ctx, id, opts.DryRun)
			switch {
			case err != nil:
				if ctx.Err() != nil {
					return sum, ctx.Err()
				}
				e.logger.Printf("recalc user=%s failed: %v", id, err)
				e.cfg.Metrics.Recalculated("error")
				sum.Errors = append(sum.Errors, UserError{UserID: id, Error: err.Error()})
			case res.Repaired:
				sum.Repaired++
			case res.outcome() == "drift":
				sum.Drifted++
			default:
				sum.Consistent++
			}
			sum.Processed++
			sum.Checkpoint = id
		}
		after = ids[len(ids)-1]
	}
	e.logSummary(sum, opts)
	return sum, nil
}

func (e *Engine) logSummary(sum Summary, opts Options) {
	e.logger.Printf("recalc batch after=%q processed=%d consistent=%d repaired=%d drifted=%d errors=%d checkpoint=%q completed=%t dry_run=%t",
		opts.After, sum.Processed, sum.Consistent, sum.Repaired, sum.Drifted, len(sum.Errors), sum.Checkpoint, sum.Completed, opts.DryRun)
}
