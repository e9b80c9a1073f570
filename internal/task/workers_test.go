package task

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestRunWorkersStopsSiblingsOnError(t *testing.T) {
	boom := errors.New("boom")
	var stopped atomic.Int32

	err := runWorkers(context.Background(), 3, func() func(context.Context) error {
		var first atomic.Bool
		return func(ctx context.Context) error {
			if first.CompareAndSwap(false, true) {
				return boom
			}
			<-ctx.Done()
			stopped.Add(1)
			return ctx.Err()
		}
	}())

	if !errors.Is(err, boom) {
		t.Fatalf("expected first worker error, got %v", err)
	}
	if got := stopped.Load(); got != 2 {
		t.Fatalf("expected the other 2 workers to exit before return, got %d", got)
	}
}

func TestRunWorkersReturnsOnParentCancel(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	var exited atomic.Int32
	err := runWorkers(ctx, 2, func(ctx context.Context) error {
		<-ctx.Done()
		exited.Add(1)
		return ctx.Err()
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if exited.Load() != 2 {
		t.Fatalf("expected both workers to exit, got %d", exited.Load())
	}
}
