package queue

import (
	"context"
	"time"

	"github.com/pkg/errors"
)

// ErrClosed is returned by Dequeue once the queue has been shut down.
var ErrClosed = errors.New("queue closed")

// TaskQueue delivers ready-to-run task references to workers. Delivery is
// ordered by priority (lower first) and FIFO within a priority class.
// Entries enqueued with a delay stay invisible until due; a delayed entry
// takes its place in the FIFO order at the moment it becomes due, not at the
// moment it was enqueued. Delivery is at-least-once: a dequeued entry must be
// Acked, or Nacked to schedule redelivery.
type TaskQueue interface {
	Enqueue(taskID string, priority int, delay time.Duration) error
	// Dequeue blocks until an entry is due or ctx is cancelled.
	Dequeue(ctx context.Context) (string, error)
	Ack(taskID string)
	Nack(taskID string, delay time.Duration)
}
