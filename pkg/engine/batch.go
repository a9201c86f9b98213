package engine

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"
)

// BatchResult is the outcome of one request of a batch.
type BatchResult struct {
	// Index is the position of the request in the batch.
	Index int `json:"index"`

	// Result is set when the request was applied.
	Result *Result `json:"result,omitempty"`

	// Err is set when the request was rejected or failed.
	Err error `json:"-"`
}

// BatchChangeState applies independent change-state requests concurrently.
// Requests on the same root process instance are serialized by the engine's
// instance locks; the others run in parallel, at most maxParallel at a time.
// A failed request does not affect the others. The returned error is only
// set when ctx ends before every request was attempted.
func (e *Engine) BatchChangeState(ctx context.Context, reqs []ChangeStateRequest, maxParallel int) ([]BatchResult, error) {
	results := make([]BatchResult, len(reqs))
	started := time.Now()

	g, gctx := errgroup.WithContext(ctx)
	if maxParallel > 0 {
		g.SetLimit(maxParallel)
	}

	for i := range reqs {
		i := i
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				results[i] = BatchResult{Index: i, Err: err}
				return err
			}
			res, err := e.ChangeState(gctx, reqs[i])
			results[i] = BatchResult{Index: i, Result: res, Err: err}
			return nil
		})
	}
	err := g.Wait()

	failed := 0
	for _, r := range results {
		if r.Err != nil {
			failed++
		}
	}
	e.logger.Info().
		Int("requests", len(reqs)).
		Int("failed", failed).
		Dur("duration", time.Since(started)).
		Msg("Batch change state finished")

	return results, err
}
