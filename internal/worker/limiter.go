// Package worker provides the bounded-parallelism executor used to cap
// concurrent transcript fetches and classifier calls independently.
package worker

import (
	"context"
	"sync"
)

// Limiter runs submitted functions with at most a fixed number executing
// concurrently. Waiting callers are granted slots in FIFO submission order;
// completion order is whatever the tasks make of it. One task's failure
// never blocks or fails another.
type Limiter struct {
	mu      sync.Mutex
	limit   int
	running int
	waiters []chan struct{}
}

// NewLimiter creates a Limiter with the given concurrency bound.
// A non-positive limit is treated as 1.
func NewLimiter(limit int) *Limiter {
	if limit <= 0 {
		limit = 1
	}
	return &Limiter{limit: limit}
}

// Execute runs fn once a slot is available, blocking until then or until ctx
// is done. The slot is released when fn returns.
func (l *Limiter) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := l.acquire(ctx); err != nil {
		return err
	}
	defer l.release()
	return fn(ctx)
}

// ExecuteVal is Execute preserving a return value.
func ExecuteVal[T any](ctx context.Context, l *Limiter, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if err := l.acquire(ctx); err != nil {
		return zero, err
	}
	defer l.release()
	return fn(ctx)
}

// InFlight returns the number of tasks currently holding a slot.
func (l *Limiter) InFlight() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.running
}

// Limit returns the configured concurrency bound.
func (l *Limiter) Limit() int { return l.limit }

func (l *Limiter) acquire(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	l.mu.Lock()
	if l.running < l.limit {
		l.running++
		l.mu.Unlock()
		return nil
	}
	ready := make(chan struct{})
	l.waiters = append(l.waiters, ready)
	l.mu.Unlock()

	select {
	case <-ready:
		return nil
	case <-ctx.Done():
		l.mu.Lock()
		for i, w := range l.waiters {
			if w == ready {
				l.waiters = append(l.waiters[:i], l.waiters[i+1:]...)
				l.mu.Unlock()
				return ctx.Err()
			}
		}
		l.mu.Unlock()
		// The slot was granted concurrently with cancellation; hand it back.
		l.release()
		return ctx.Err()
	}
}

// release hands the slot to the oldest waiter, or frees it.
func (l *Limiter) release() {
	l.mu.Lock()
	if len(l.waiters) > 0 {
		ready := l.waiters[0]
		l.waiters = l.waiters[1:]
		l.mu.Unlock()
		close(ready)
		return
	}
	l.running--
	l.mu.Unlock()
}
