package parallel

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// Map calls mapFunc for every element of in, running at most limit calls
// at once (limit <= 0 means no limit). The results follow the order of in.
// The first error cancels the context passed to the other calls and is
// returned.
func Map[E, D any](ctx context.Context, limit int, in []E, mapFunc func(context.Context, E) (D, error)) ([]D, error) {
	g, gctx := errgroup.WithContext(ctx)
	if limit > 0 {
		g.SetLimit(limit)
	}

	out := make([]D, len(in))
	for i, e := range in {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			d, err := mapFunc(gctx, e)
			if err != nil {
				return err
			}
			out[i] = d
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}
