package parallel

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// Map applies mapFunc to every element of input running at most limit calls at
// once; limit <= 0 means no limit. The output keeps the order of the input.
//
// The first error cancels the context passed to the calls still running and is
// returned together with the results computed so far; the slots of failed or
// skipped elements hold the zero value.
func Map[E, D any](ctx context.Context, limit int, input []E, mapFunc func(context.Context, E) (D, error)) ([]D, error) {
	out := make([]D, len(input))
	g, gctx := errgroup.WithContext(ctx)
	if limit > 0 {
		g.SetLimit(limit)
	}

	for i, entry := range input {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			d, err := mapFunc(gctx, entry)
			if err != nil {
				return err
			}
			out[i] = d
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return out, err
	}
	return out, ctx.Err()
}
