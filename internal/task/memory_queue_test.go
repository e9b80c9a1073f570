package task

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestMemoryQueueDeliversToWorkers(t *testing.T) {
	queue := NewMemoryQueue(8)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var (
		mu   sync.Mutex
		seen = map[string]bool{}
		wg   sync.WaitGroup
	)
	wg.Add(3)
	go func() {
		_ = queue.Consume(ctx, 2, func(_ context.Context, id string) error {
			mu.Lock()
			seen[id] = true
			mu.Unlock()
			wg.Done()
			return nil
		})
	}()
	for _, id := range []string{"a", "b", "c"} {
		if err := queue.Publish(ctx, id); err != nil {
			t.Fatalf("publish %s: %v", id, err)
		}
	}
	wg.Wait()
	if len(seen) != 3 {
		t.Fatalf("expected 3 deliveries, got %v", seen)
	}
}

func TestMemoryQueueClose(t *testing.T) {
	queue := NewMemoryQueue(1)
	done := make(chan error, 1)
	go func() {
		done <- queue.Consume(context.Background(), 1, func(context.Context, string) error { return nil })
	}()

	if err := queue.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := queue.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	select {
	case err := <-done:
		if !errors.Is(err, ErrQueueClosed) {
			t.Fatalf("expected ErrQueueClosed, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("consumer did not stop after close")
	}
	if err := queue.Publish(context.Background(), "late"); !errors.Is(err, ErrQueueClosed) {
		t.Fatalf("expected ErrQueueClosed on publish, got %v", err)
	}
}

func TestMemoryQueuePublishHonoursContext(t *testing.T) {
	queue := NewMemoryQueue(1)
	if err := queue.Publish(context.Background(), "fill"); err != nil {
		t.Fatalf("publish: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := queue.Publish(ctx, "blocked"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	depth, err := queue.Depth(context.Background())
	if err != nil || depth.Pending != 1 || depth.Inflight != 0 {
		t.Fatalf("expected 1 pending, got %+v %v", depth, err)
	}
}
