package audit

import (
	"bytes"
	"context"
	"errors"
	"log"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rating-engine/server/recalc"
)

// pagedRecalc walks a fixed id list like the engine does.
type pagedRecalc struct {
	ids   []string
	calls []recalc.Options
	fail  error
}

func (p *pagedRecalc) RecalculateAll(_ context.Context, opts recalc.Options) (recalc.Summary, error) {
	p.calls = append(p.calls, opts)
	if p.fail != nil {
		return recalc.Summary{Checkpoint: opts.After}, p.fail
	}
	sum := recalc.Summary{Checkpoint: opts.After}
	for _, id := range p.ids {
		if id <= opts.After {
			continue
		}
		if opts.Limit > 0 && sum.Processed >= opts.Limit {
			return sum, nil
		}
		sum.Processed++
		sum.Checkpoint = id
	}
	sum.Completed = true
	return sum, nil
}

func TestTickResumesAndWrapsAround(t *testing.T) {
	r := &pagedRecalc{ids: []string{"a", "b", "c"}}
	w, err := New(log.New(&bytes.Buffer{}, "", 0), r, Config{Interval: time.Minute, BatchSize: 2})
	require.NoError(t, err)
	ctx := context.Background()

	sum, err := w.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, sum.Processed)
	assert.Equal(t, "b", w.Checkpoint())

	sum, err = w.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Processed)
	assert.Equal(t, "", w.Checkpoint(), "a finished pass starts over")

	_, err = w.Tick(ctx)
	require.NoError(t, err)
	require.Len(t, r.calls, 3)
	assert.Equal(t, "", r.calls[0].After)
	assert.Equal(t, "b", r.calls[1].After)
	assert.Equal(t, "", r.calls[2].After)
}

func TestTickKeepsCheckpointOnError(t *testing.T) {
	r := &pagedRecalc{ids: []string{"a"}, fail: errors.New("db down")}
	w, err := New(log.New(&bytes.Buffer{}, "", 0), r, Config{Once: true})
	require.NoError(t, err)
	w.checkpoint = "a"

	err = w.Run(context.Background())
	assert.Error(t, err)
	assert.Equal(t, "a", w.Checkpoint())
}

func TestRunStopsOnCancel(t *testing.T) {
	r := &pagedRecalc{}
	w, err := New(log.New(&bytes.Buffer{}, "", 0), r, Config{Interval: time.Hour})
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.NoError(t, w.Run(ctx))
	assert.Empty(t, r.calls)
}

func TestNewValidates(t *testing.T) {
	_, err := New(nil, &pagedRecalc{}, Config{Interval: time.Second})
	assert.Error(t, err)
	_, err = New(log.Default(), nil, Config{Interval: time.Second})
	assert.Error(t, err)
	_, err = New(log.Default(), &pagedRecalc{}, Config{})
	assert.Error(t, err)
}
