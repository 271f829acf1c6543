package queue

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestQueueFIFOOrder(t *testing.T) {
	q := New[int]("test", 4)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		if err := q.Push(ctx, i); err != nil {
			t.Fatalf("Push(%d): %v", i, err)
		}
	}

	for i := 0; i < 4; i++ {
		v, err := q.Pop(ctx)
		if err != nil {
			t.Fatalf("Pop: %v", err)
		}
		if v != i {
			t.Errorf("Pop() = %d, want %d", v, i)
		}
	}
}

func TestQueuePushBlocksAtCapacity(t *testing.T) {
	q := New[int]("test", 1)
	ctx := context.Background()

	if err := q.Push(ctx, 1); err != nil {
		t.Fatalf("Push: %v", err)
	}

	pushed := make(chan struct{})
	go func() {
		_ = q.Push(ctx, 2)
		close(pushed)
	}()

	select {
	case <-pushed:
		t.Fatal("Push returned before the queue was drained")
	case <-time.After(50 * time.Millisecond):
	}

	if _, err := q.Pop(ctx); err != nil {
		t.Fatalf("Pop: %v", err)
	}

	select {
	case <-pushed:
	case <-time.After(time.Second):
		t.Fatal("Push never unblocked after Pop drained the queue")
	}
}

func TestQueuePushRespectsContextCancellation(t *testing.T) {
	q := New[int]("test", 1)
	ctx := context.Background()
	_ = q.Push(ctx, 1)

	cctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if err := q.Push(cctx, 2); err == nil {
		t.Fatal("expected Push to return an error on context cancellation")
	}
}

func TestQueueStallCallbacks(t *testing.T) {
	var mu sync.Mutex
	var stalled, drained bool

	q := New[int]("stalltest", 2,
		WithHighWaterMark[int](1),
		WithStallCallback[int](
			func(name string, depth int) {
				mu.Lock()
				stalled = true
				mu.Unlock()
			},
			func(name string) {
				mu.Lock()
				drained = true
				mu.Unlock()
			},
		),
	)
	ctx := context.Background()

	_ = q.Push(ctx, 1)
	_ = q.Push(ctx, 2)

	mu.Lock()
	if !stalled {
		t.Error("expected onStall to fire once depth reached the high-water mark")
	}
	mu.Unlock()

	_, _ = q.Pop(ctx)
	_, _ = q.Pop(ctx)

	mu.Lock()
	if !drained {
		t.Error("expected onDrain to fire once depth fell below the high-water mark")
	}
	mu.Unlock()
}

func TestQueueDepthAndCapacity(t *testing.T) {
	q := New[int]("test", 5)
	if q.Capacity() != 5 {
		t.Errorf("Capacity() = %d, want 5", q.Capacity())
	}
	ctx := context.Background()
	_ = q.Push(ctx, 1)
	_ = q.Push(ctx, 2)
	if q.Depth() != 2 {
		t.Errorf("Depth() = %d, want 2", q.Depth())
	}
}
