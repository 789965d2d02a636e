package storage

import (
	"time"

	"github.com/pkg/errors"

	"github.com/vmarkovic/upflow/pkg/models"
)

var (
	// ErrNotFound is returned when the requested record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrVersionConflict is returned when an optimistic account update lost
	// the race against a concurrent writer. Callers re-read and retry.
	ErrVersionConflict = errors.New("version conflict")
	// ErrTaskNotClaimable is returned when a claim or cancel hits a task
	// that is no longer in an eligible status. Duplicate queue deliveries
	// surface as this error and are dropped by the worker.
	ErrTaskNotClaimable = errors.New("task not claimable")
)

// Store defines the persistence operations for upflow. Account updates are
// compare-and-swap on the row version so concurrent workers reporting
// outcomes for the same account never lose updates. Task claims are
// conditional single-statement transitions so a task runs under at most one
// worker per attempt even with duplicate queue deliveries.
type Store interface {
	Begin() (Store, error)
	Commit() error
	Rollback() error
	Close() error

	// Account operations
	SaveAccount(a models.Account) error
	GetAccount(id string) (models.Account, error)
	ListAccounts() ([]models.Account, error)
	// UpdateAccount persists the account iff the stored version still equals
	// a.Version; on success the stored version is incremented.
	UpdateAccount(a models.Account) error
	// ResetDailyCounts zeroes DailyUploadCount for all accounts. Idempotent.
	ResetDailyCounts() (int64, error)

	// Task operations
	SaveTask(t models.Task) (models.Task, error)
	GetTask(id string) (models.Task, error)
	ListTasks(statuses ...models.TaskStatus) ([]models.Task, error)
	UpdateTask(t models.Task) error
	// ClaimTask transitions queued -> active and returns the claimed task.
	// Any other current status yields ErrTaskNotClaimable.
	ClaimTask(id string, startedAt time.Time) (models.Task, error)
	// CancelTask transitions pending/queued -> cancelled. Active tasks are
	// cancelled cooperatively by their worker, not through the store.
	CancelTask(id string) (models.Task, error)
	// ListDueTasks returns pending tasks whose scheduled time has arrived
	// (or that were never scheduled), ordered by priority then insertion.
	ListDueTasks(before time.Time) ([]models.Task, error)
}
