package queue

import (
	"context"
	"testing"
	"time"
)

func dequeueOrFail(t *testing.T, q *MemoryQueue, timeout time.Duration) string {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	id, err := q.Dequeue(ctx)
	if err != nil {
		t.Fatalf("Dequeue failed: %v", err)
	}
	return id
}

func TestMemoryQueue_PriorityOrder(t *testing.T) {
	q := NewMemoryQueue()
	defer q.Close()

	if err := q.Enqueue("low", 10, 0); err != nil {
		t.Fatal(err)
	}
	if err := q.Enqueue("urgent", 1, 0); err != nil {
		t.Fatal(err)
	}
	if err := q.Enqueue("mid", 5, 0); err != nil {
		t.Fatal(err)
	}

	for _, want := range []string{"urgent", "mid", "low"} {
		if got := dequeueOrFail(t, q, time.Second); got != want {
			t.Errorf("Expected %s, got %s", want, got)
		}
	}
}

func TestMemoryQueue_FIFOWithinPriority(t *testing.T) {
	q := NewMemoryQueue()
	defer q.Close()

	// A created before B, same priority: A must come out first
	if err := q.Enqueue("A", 1, 0); err != nil {
		t.Fatal(err)
	}
	if err := q.Enqueue("B", 1, 0); err != nil {
		t.Fatal(err)
	}

	if got := dequeueOrFail(t, q, time.Second); got != "A" {
		t.Errorf("Expected A first, got %s", got)
	}
	if got := dequeueOrFail(t, q, time.Second); got != "B" {
		t.Errorf("Expected B second, got %s", got)
	}
}

func TestMemoryQueue_DelayedInvisible(t *testing.T) {
	q := NewMemoryQueue()
	defer q.Close()

	if err := q.Enqueue("delayed", 1, 200*time.Millisecond); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if id, err := q.Dequeue(ctx); err == nil {
		t.Fatalf("Expected timeout, got entry %s", id)
	}

	if got := dequeueOrFail(t, q, time.Second); got != "delayed" {
		t.Errorf("Expected delayed entry once due, got %s", got)
	}
}

// A retried entry re-enters FIFO order when its backoff elapses, behind
// anything that became visible while it was delayed.
func TestMemoryQueue_RetryOrdering(t *testing.T) {
	q := NewMemoryQueue()
	defer q.Close()

	if err := q.Enqueue("A", 1, 0); err != nil {
		t.Fatal(err)
	}
	if got := dequeueOrFail(t, q, time.Second); got != "A" {
		t.Fatalf("Expected A, got %s", got)
	}
	// A fails; its retry is delayed. C arrives before the retry is due.
	q.Nack("A", 150*time.Millisecond)
	if err := q.Enqueue("C", 1, 0); err != nil {
		t.Fatal(err)
	}

	if got := dequeueOrFail(t, q, time.Second); got != "C" {
		t.Errorf("Expected C before delayed retry of A, got %s", got)
	}
	if got := dequeueOrFail(t, q, time.Second); got != "A" {
		t.Errorf("Expected retried A after its delay, got %s", got)
	}

	// with no backoff the retry precedes later arrivals
	q.Nack("A", 0)
	if err := q.Enqueue("D", 1, 0); err != nil {
		t.Fatal(err)
	}
	if got := dequeueOrFail(t, q, time.Second); got != "A" {
		t.Errorf("Expected immediate retry of A before D, got %s", got)
	}
	q.Ack("A")
}

func TestMemoryQueue_NackUnknownIsNoop(t *testing.T) {
	q := NewMemoryQueue()
	defer q.Close()

	q.Nack("ghost", 0)
	if depth := q.Depth(); depth != 0 {
		t.Errorf("Expected empty queue, depth %d", depth)
	}
}

func TestMemoryQueue_CloseUnblocksConsumers(t *testing.T) {
	q := NewMemoryQueue()
	errCh := make(chan error, 1)
	go func() {
		_, err := q.Dequeue(context.Background())
		errCh <- err
	}()
	time.Sleep(20 * time.Millisecond)
	q.Close()
	select {
	case err := <-errCh:
		if err != ErrClosed {
			t.Errorf("Expected ErrClosed, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Dequeue did not unblock on Close")
	}
}

func TestMemoryQueue_ConcurrentConsumers(t *testing.T) {
	q := NewMemoryQueue()
	defer q.Close()

	const n = 20
	for i := 0; i < n; i++ {
		if err := q.Enqueue(string(rune('a'+i)), 1, 0); err != nil {
			t.Fatal(err)
		}
	}

	got := make(chan string, n)
	for w := 0; w < 4; w++ {
		go func() {
			for {
				ctx, cancel := context.WithTimeout(context.Background(), time.Second)
				id, err := q.Dequeue(ctx)
				cancel()
				if err != nil {
					return
				}
				q.Ack(id)
				got <- id
			}
		}()
	}

	seen := make(map[string]bool)
	for i := 0; i < n; i++ {
		select {
		case id := <-got:
			if seen[id] {
				t.Errorf("Entry %s delivered twice", id)
			}
			seen[id] = true
		case <-time.After(2 * time.Second):
			t.Fatalf("Only received %d of %d entries", i, n)
		}
	}
}
