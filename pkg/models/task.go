package models

import "time"

type TaskStatus string

const (
	PendingTaskStatus   TaskStatus = "PENDING"
	QueuedTaskStatus    TaskStatus = "QUEUED"
	ActiveTaskStatus    TaskStatus = "ACTIVE"
	CompletedTaskStatus TaskStatus = "COMPLETED"
	FailedTaskStatus    TaskStatus = "FAILED"
	CancelledTaskStatus TaskStatus = "CANCELLED"
)

// Terminal reports whether a status admits no further transitions.
func (s TaskStatus) Terminal() bool {
	return s == CompletedTaskStatus || s == FailedTaskStatus || s == CancelledTaskStatus
}

// Task is one unit of upload work. Status transitions are monotonic
// (pending -> queued -> active -> terminal) except for the active -> queued
// retry edge. PayloadRef is an opaque content descriptor; everything
// content-specific stays behind the platform adapter.
type Task struct {
	ID          string     `json:"id" db:"id"`
	AccountID   *string    `json:"account_id,omitempty" db:"account_id"` // nil until bound
	PayloadRef  string     `json:"payload_ref" db:"payload_ref"`
	Priority    int        `json:"priority" db:"priority"` // lower = more urgent
	Status      TaskStatus `json:"status" db:"status"`
	Attempts    int        `json:"attempts" db:"attempts"`
	MaxAttempts int        `json:"max_attempts" db:"max_attempts"`
	LastError   string     `json:"last_error,omitempty" db:"last_error"`
	Result      string     `json:"result,omitempty" db:"result"`
	Seq         int64      `json:"seq" db:"seq"` // insertion order, FIFO tie-break within priority
	CreatedAt   time.Time  `json:"created_at" db:"created_at"`
	ScheduledAt *time.Time `json:"scheduled_at,omitempty" db:"scheduled_at"`
	StartedAt   *time.Time `json:"started_at,omitempty" db:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty" db:"completed_at"`
}
