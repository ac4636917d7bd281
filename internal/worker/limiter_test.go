package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestLimiter_BoundsConcurrency(t *testing.T) {
	const limit = 4
	const tasks = 32

	l := NewLimiter(limit)
	var current, peak atomic.Int64
	var wg sync.WaitGroup

	for i := 0; i < tasks; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = l.Execute(context.Background(), func(_ context.Context) error {
				n := current.Add(1)
				for {
					p := peak.Load()
					if n <= p || peak.CompareAndSwap(p, n) {
						break
					}
				}
				time.Sleep(2 * time.Millisecond)
				current.Add(-1)
				return nil
			})
		}()
	}
	wg.Wait()

	if got := peak.Load(); got > limit {
		t.Errorf("observed %d concurrent tasks, limit is %d", got, limit)
	}
	if l.InFlight() != 0 {
		t.Errorf("expected 0 in flight after drain, got %d", l.InFlight())
	}
}

func TestLimiter_FIFOStartOrder(t *testing.T) {
	l := NewLimiter(1)

	release := make(chan struct{})
	started := make(chan struct{})
	go func() {
		_ = l.Execute(context.Background(), func(_ context.Context) error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	// Queue tasks one at a time so submission order is deterministic.
	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		queued := make(chan struct{})
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			close(queued)
			_ = l.Execute(context.Background(), func(_ context.Context) error {
				mu.Lock()
				order = append(order, n)
				mu.Unlock()
				return nil
			})
		}(i)
		<-queued
		time.Sleep(time.Millisecond) // let the goroutine reach acquire
	}

	close(release)
	wg.Wait()

	for i, n := range order {
		if n != i {
			t.Fatalf("start order %v, want FIFO", order)
		}
	}
}

func TestLimiter_FailureIsolation(t *testing.T) {
	l := NewLimiter(2)
	boom := errors.New("boom")

	if err := l.Execute(context.Background(), func(_ context.Context) error { return boom }); !errors.Is(err, boom) {
		t.Fatalf("expected task error back, got %v", err)
	}
	// The failed task must not poison the slot.
	if err := l.Execute(context.Background(), func(_ context.Context) error { return nil }); err != nil {
		t.Fatalf("unexpected error after failed sibling: %v", err)
	}
}

func TestLimiter_ContextCancelledWhileWaiting(t *testing.T) {
	l := NewLimiter(1)

	release := make(chan struct{})
	started := make(chan struct{})
	go func() {
		_ = l.Execute(context.Background(), func(_ context.Context) error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err := l.Execute(ctx, func(_ context.Context) error { return nil })
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}

	close(release)
	// The cancelled waiter must not have leaked the slot.
	if err := l.Execute(context.Background(), func(_ context.Context) error { return nil }); err != nil {
		t.Fatalf("slot leaked after cancelled waiter: %v", err)
	}
}

func TestExecuteVal(t *testing.T) {
	l := NewLimiter(2)
	got, err := ExecuteVal(context.Background(), l, func(_ context.Context) (int, error) {
		return 42, nil
	})
	if err != nil || got != 42 {
		t.Fatalf("got (%d, %v)", got, err)
	}
}
