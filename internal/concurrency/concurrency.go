package concurrency

import (
	"context"

	"github.com/sourcegraph/conc/panics"
	"github.com/sourcegraph/conc/pool"
)

// NewPool returns a new pool where each task respects context cancellation.
// The first error cancels the context shared by the remaining tasks.
// Wait() will only return the first error seen.
func NewPool(ctx context.Context, maxGoroutines int) *pool.ContextPool {
	return pool.New().
		WithContext(ctx).
		WithCancelOnError().
		WithFirstError().
		WithMaxGoroutines(maxGoroutines)
}

// NewIsolatedPool returns a pool whose tasks share ctx but never cancel each
// other. Wait() returns the first error seen after every task has returned.
func NewIsolatedPool(ctx context.Context, maxGoroutines int) *pool.ContextPool {
	return pool.New().
		WithContext(ctx).
		WithFirstError().
		WithMaxGoroutines(maxGoroutines)
}

// Try runs fn and converts a panic raised inside it into an error carrying
// the recovered value and stack.
func Try(fn func() error) (err error) {
	var pc panics.Catcher
	pc.Try(func() {
		err = fn()
	})
	if r := pc.Recovered(); r != nil {
		return r.AsError()
	}
	return err
}
