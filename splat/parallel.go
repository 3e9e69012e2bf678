package splat

import (
	"runtime"

	"golang.org/x/sync/errgroup"
)

// minRowsPerWorker keeps small models on a single goroutine.
const minRowsPerWorker = 256

// parallelRows splits [0,n) into contiguous chunks and runs fn on each
// concurrently. It returns only after every chunk has finished.
func parallelRows(n int, fn func(lo, hi int)) {
	if n <= 0 {
		return
	}
	workers := runtime.NumCPU()
	if limit := (n + minRowsPerWorker - 1) / minRowsPerWorker; workers > limit {
		workers = limit
	}
	if workers <= 1 {
		fn(0, n)
		return
	}
	chunk := (n + workers - 1) / workers

	var g errgroup.Group
	g.SetLimit(workers)
	for start := 0; start < n; start += chunk {
		lo, hi := start, start+chunk
		if hi > n {
			hi = n
		}
		g.Go(func() error {
			fn(lo, hi)
			return nil
		})
	}
	_ = g.Wait()
}
