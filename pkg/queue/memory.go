package queue

import (
	"container/heap"
	"context"
	"sync"
	"time"
)

type entry struct {
	taskID   string
	priority int
	enqueued int64 // insertion counter, tie-break for same dueAt
	readySeq int64 // assigned when the entry becomes visible
	dueAt    time.Time
}

// readyHeap orders visible entries by priority, then by the order in which
// they became visible.
type readyHeap []*entry

func (h readyHeap) Len() int { return len(h) }
func (h readyHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority < h[j].priority
	}
	return h[i].readySeq < h[j].readySeq
}
func (h readyHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *readyHeap) Push(x interface{}) { *h = append(*h, x.(*entry)) }
func (h *readyHeap) Pop() interface{} {
	old := *h
	n := len(old)
	e := old[n-1]
	*h = old[:n-1]
	return e
}

// delayHeap orders invisible entries by due time.
type delayHeap []*entry

func (h delayHeap) Len() int { return len(h) }
func (h delayHeap) Less(i, j int) bool {
	if !h[i].dueAt.Equal(h[j].dueAt) {
		return h[i].dueAt.Before(h[j].dueAt)
	}
	return h[i].enqueued < h[j].enqueued
}
func (h delayHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *delayHeap) Push(x interface{}) { *h = append(*h, x.(*entry)) }
func (h *delayHeap) Pop() interface{} {
	old := *h
	n := len(old)
	e := old[n-1]
	*h = old[:n-1]
	return e
}

// MemoryQueue is an in-process TaskQueue. It exists for single-process
// deployments and tests; the interface maps one-to-one onto a broker with
// delayed delivery for multi-process setups.
type MemoryQueue struct {
	mu       sync.Mutex
	ready    readyHeap
	delayed  delayHeap
	inflight map[string]*entry
	seq      int64
	readyCnt int64
	closed   bool
	wake     chan struct{}
	done     chan struct{}
	now      func() time.Time
}

func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{
		inflight: make(map[string]*entry),
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
		now:      time.Now,
	}
}

func (q *MemoryQueue) Enqueue(taskID string, priority int, delay time.Duration) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	q.seq++
	e := &entry{taskID: taskID, priority: priority, enqueued: q.seq}
	if delay > 0 {
		e.dueAt = q.now().Add(delay)
		heap.Push(&q.delayed, e)
	} else {
		q.readyCnt++
		e.readySeq = q.readyCnt
		heap.Push(&q.ready, e)
	}
	q.mu.Unlock()
	q.signal()
	return nil
}

// Dequeue blocks until an entry is due, the context is cancelled, or the
// queue is closed.
func (q *MemoryQueue) Dequeue(ctx context.Context) (string, error) {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return "", ErrClosed
		}
		q.promoteDue()
		if q.ready.Len() > 0 {
			e := heap.Pop(&q.ready).(*entry)
			q.inflight[e.taskID] = e
			more := q.ready.Len() > 0
			q.mu.Unlock()
			if more {
				// chain the wakeup so other blocked consumers see the
				// remaining ready entries (wake is a single-slot signal)
				q.signal()
			}
			return e.taskID, nil
		}
		var timer *time.Timer
		var due <-chan time.Time
		if q.delayed.Len() > 0 {
			timer = time.NewTimer(time.Until(q.delayed[0].dueAt))
			due = timer.C
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return "", ctx.Err()
		case <-q.done:
			if timer != nil {
				timer.Stop()
			}
			return "", ErrClosed
		case <-q.wake:
		case <-due:
		}
		if timer != nil {
			timer.Stop()
		}
	}
}

func (q *MemoryQueue) Ack(taskID string) {
	q.mu.Lock()
	delete(q.inflight, taskID)
	q.mu.Unlock()
}

// Nack returns an in-flight entry to the queue after the given delay,
// preserving its priority. The entry re-enters FIFO order when it becomes
// due again, behind anything that turned visible in the meantime.
func (q *MemoryQueue) Nack(taskID string, delay time.Duration) {
	q.mu.Lock()
	e, ok := q.inflight[taskID]
	if !ok || q.closed {
		q.mu.Unlock()
		return
	}
	delete(q.inflight, taskID)
	q.seq++
	e.enqueued = q.seq
	if delay > 0 {
		e.dueAt = q.now().Add(delay)
		heap.Push(&q.delayed, e)
	} else {
		q.readyCnt++
		e.readySeq = q.readyCnt
		heap.Push(&q.ready, e)
	}
	q.mu.Unlock()
	q.signal()
}

// Close wakes all blocked consumers; subsequent calls are no-ops.
func (q *MemoryQueue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	close(q.done)
	q.mu.Unlock()
}

// Depth returns how many entries are currently queued (visible or delayed).
// Used as a backpressure signal by the scheduler.
func (q *MemoryQueue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.ready.Len() + q.delayed.Len()
}

// promoteDue moves due delayed entries into the ready heap, assigning their
// visibility order. Caller holds q.mu.
func (q *MemoryQueue) promoteDue() {
	now := q.now()
	for q.delayed.Len() > 0 && !q.delayed[0].dueAt.After(now) {
		e := heap.Pop(&q.delayed).(*entry)
		q.readyCnt++
		e.readySeq = q.readyCnt
		heap.Push(&q.ready, e)
	}
}

func (q *MemoryQueue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}
