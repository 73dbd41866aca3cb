// Package pool runs a fixed list of independent tasks with bounded concurrency.
//
// Workers pull the next index from a shared cursor, so a slow item only
// occupies the worker that took it. The pool does not recover panics and has
// no cancellation of its own: tasks inherit whatever deadline their own I/O
// carries. Tasks that can fail should return a result value describing the
// failure instead of panicking, so one item never aborts the batch.
package pool

import (
	"sync/atomic"

	"golang.org/x/sync/errgroup"
)

// HardCap is the upper bound on concurrent workers regardless of the
// requested concurrency.
const HardCap = 32

// Workers returns the number of workers used for n items at the requested
// concurrency: clamped to [1, min(n, HardCap)].
func Workers(concurrency, n int) int {
	limit := n
	if limit > HardCap {
		limit = HardCap
	}
	if concurrency > limit {
		concurrency = limit
	}
	if concurrency < 1 {
		concurrency = 1
	}
	return concurrency
}

// Run calls work for every item with at most Workers(concurrency, len(items))
// calls outstanding and returns the results in item order.
func Run[T, R any](items []T, concurrency int, work func(item T, index int) R) []R {
	results := make([]R, len(items))
	if len(items) == 0 {
		return results
	}

	var cursor atomic.Int64
	var g errgroup.Group
	for range Workers(concurrency, len(items)) {
		g.Go(func() error {
			for {
				i := int(cursor.Add(1)) - 1
				if i >= len(items) {
					return nil
				}
				results[i] = work(items[i], i)
			}
		})
	}
	_ = g.Wait()
	return results
}
