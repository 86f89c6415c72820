package tracker

import (
	"context"

	"golang.org/x/sync/semaphore"
)

// Executor runs detached units of work. Implementations must eventually run
// every function they are given, exactly once. Go must not block the caller
// for longer than it takes to hand the work off.
type Executor interface {
	Go(f func())
}

// Goroutines is an Executor which runs every function in its own goroutine.
type Goroutines struct{}

func (Goroutines) Go(f func()) {
	go f()
}

// Pool is an Executor which runs at most n functions at once. Work submitted
// while the pool is full waits (in its own goroutine) for a slot.
type Pool struct {
	sem *semaphore.Weighted
}

func NewPool(n int) *Pool {
	if n < 1 {
		n = 1
	}

	return &Pool{
		sem: semaphore.NewWeighted(int64(n)),
	}
}

func (p *Pool) Go(f func()) {
	go func() {
		// Can't fail; the context is never cancelled.
		_ = p.sem.Acquire(context.Background(), 1)
		defer p.sem.Release(1)
		f()
	}()
}
