package indexer

import (
	"sync"
	"sync/atomic"
)

// workerPool runs a fixed number of goroutines over n items, each
// claiming the next unclaimed index atomically rather than a static
// up-front split, so a handful of expensive items (e.g. tweak
// derivation, where transaction count per block varies wildly) don't
// leave idle workers waiting on one overloaded goroutine.
type workerPool struct {
	workers int
}

// newWorkerPool builds a pool with the given worker count, clamped to at
// least 1.
func newWorkerPool(workers int) *workerPool {
	if workers < 1 {
		workers = 1
	}
	return &workerPool{workers: workers}
}

// run invokes fn(i) for every i in [0,n), across up to p.workers
// goroutines, and returns the first error encountered (if any). Every
// item still in flight when an error occurs is allowed to finish; no
// further items are claimed once an error has been recorded.
func (p *workerPool) run(n int, fn func(i int) error) error {
	if n == 0 {
		return nil
	}
	workers := p.workers
	if workers > n {
		workers = n
	}

	var next int64 = -1
	var wg sync.WaitGroup
	var errOnce sync.Once
	var firstErr error
	var failed int32

	wg.Add(workers)
	for w := 0; w < workers; w++ {
		go func() {
			defer wg.Done()
			for {
				if atomic.LoadInt32(&failed) != 0 {
					return
				}
				i := int(atomic.AddInt64(&next, 1))
				if i >= n {
					return
				}
				if err := fn(i); err != nil {
					errOnce.Do(func() { firstErr = err })
					atomic.StoreInt32(&failed, 1)
					return
				}
			}
		}()
	}
	wg.Wait()
	return firstErr
}
