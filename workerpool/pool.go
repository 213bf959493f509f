// Package workerpool provides the bounded, fail-fast parallel fan-out used by
// both the archive prover and the orchestrator: a worker cap of 32, one
// goroutine per item, first error cancels the rest. It is a thin wrapper over
// golang.org/x/sync/errgroup, following the same pattern the teacher uses for
// its own background goroutines (store.go's errgroup.Group, http/server.go's
// errgroup.Group) but parameterized over a generic list of work items.
package workerpool

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// MaxWorkers is the hard parallelism cap named throughout the design: no
// subsystem may run more than this many concurrent workers against instance
// resources.
const MaxWorkers = 32

// Run executes fn(ctx, items[i]) for every i in parallel, capped at MaxWorkers
// concurrent calls. The first error cancels the context passed to any
// in-flight or not-yet-started calls and is returned once all workers have
// exited; errors from other workers are discarded, matching errgroup's own
// semantics.
func Run[T any](ctx context.Context, items []T, fn func(ctx context.Context, item T) error) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(MaxWorkers)

	for _, item := range items {
		item := item
		g.Go(func() error {
			return fn(gctx, item)
		})
	}
	return g.Wait()
}

// Map executes fn(ctx, items[i]) for every i in parallel, capped at
// MaxWorkers, and collects the per-item results positionally. Unlike Run, a
// single item's error does not cancel the others: Map is used where the
// design requires "fail-fast at the aggregate level but per-item tolerant"
// (the archive prober's contract) and the caller inspects per-item errors
// itself.
func Map[T, R any](ctx context.Context, items []T, fn func(ctx context.Context, item T) (R, error)) ([]R, []error) {
	results := make([]R, len(items))
	errs := make([]error, len(items))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(MaxWorkers)

	for i, item := range items {
		i, item := i, item
		g.Go(func() error {
			r, err := fn(gctx, item)
			results[i] = r
			errs[i] = err
			return nil // never cancels siblings; caller inspects errs
		})
	}
	_ = g.Wait()
	return results, errs
}
