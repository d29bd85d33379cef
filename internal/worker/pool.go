// Package worker runs per-user jobs on a bounded pool.
package worker

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// DefaultConcurrency applies when a caller passes a non-positive limit.
const DefaultConcurrency = 4

// Each calls fn for every key with at most limit calls in flight. fn records its
// own failures; Each only fails when ctx is cancelled before all keys started.
func Each(ctx context.Context, limit int, keys []string, fn func(ctx context.Context, key string)) error {
	if limit <= 0 {
		limit = DefaultConcurrency
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for _, key := range keys {
		if err := gctx.Err(); err != nil {
			_ = g.Wait()
			return err
		}
		g.Go(func() error {
			fn(gctx, key)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}
