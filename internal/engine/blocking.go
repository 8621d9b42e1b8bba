package engine

import (
	"context"

	"golang.org/x/sync/semaphore"
)

// blockingPool bounds how many library mutation calls run at once. It is a
// semaphore, not a set of goroutines: fn runs on the calling goroutine, so
// a slow library call made from the command loop still blocks the command
// loop. Weighted mirrors a per-provider semaphore gate rather than a
// bespoke channel-based limiter.
type blockingPool struct {
	sem *semaphore.Weighted
}

func newBlockingPool(size int64) *blockingPool {
	if size <= 0 {
		size = 8
	}
	return &blockingPool{sem: semaphore.NewWeighted(size)}
}

// run waits for a free slot, then calls fn on the caller's goroutine and
// returns its error. It returns ctx's error if ctx is cancelled while
// waiting for a slot.
func (p *blockingPool) run(ctx context.Context, fn func() error) error {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer p.sem.Release(1)
	return fn()
}
