package storage

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/vmarkovic/upflow/pkg/models"
	"github.com/vmarkovic/upflow/pkg/storage"
)

type DBInterface interface {
	Get(dest interface{}, query string, args ...interface{}) error
	Select(dest interface{}, query string, args ...interface{}) error
	QueryRowx(query string, args ...interface{}) *sqlx.Row
	Exec(query string, args ...interface{}) (sql.Result, error)
}

type PostgresStore struct {
	db DBInterface
}

func NewPostgresStore(connStr string) (*PostgresStore, error) {
	db, err := sqlx.Open("postgres", connStr)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) Begin() (storage.Store, error) {
	if db, ok := s.db.(*sqlx.DB); ok {
		tx, err := db.Beginx()
		if err != nil {
			return nil, err
		}
		return &PostgresStore{db: tx}, nil
	}
	return nil, fmt.Errorf("cannot begin transaction on unknown type")
}

func (s *PostgresStore) Commit() error {
	if tx, ok := s.db.(*sqlx.Tx); ok {
		return tx.Commit()
	}
	return fmt.Errorf("cannot commit: not a transaction")
}

func (s *PostgresStore) Rollback() error {
	if tx, ok := s.db.(*sqlx.Tx); ok {
		return tx.Rollback()
	}
	return fmt.Errorf("cannot rollback: not a transaction")
}

func (s *PostgresStore) Close() error {
	if db, ok := s.db.(*sqlx.DB); ok {
		return db.Close()
	}
	return nil // No-op for *sqlx.Tx
}

// SaveAccount inserts a new account record.
func (s *PostgresStore) SaveAccount(a models.Account) error {
	_, err := s.db.Exec(`
		INSERT INTO accounts (id, credentials_ref, status, health_score, daily_upload_count, daily_upload_limit,
			last_action_time, bound_session_id, proxy_config, needs_reauth, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)`,
		a.ID, a.CredentialsRef, a.Status, a.HealthScore, a.DailyUploadCount, a.DailyUploadLimit,
		a.LastActionTime, a.BoundSessionID, a.ProxyConfig, a.NeedsReauth, a.Version)
	if err != nil {
		return fmt.Errorf("save account: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetAccount(id string) (models.Account, error) {
	var a models.Account
	err := s.db.Get(&a, "SELECT * FROM accounts WHERE id = $1", id)
	if err == sql.ErrNoRows {
		return models.Account{}, storage.ErrNotFound
	}
	if err != nil {
		return models.Account{}, fmt.Errorf("get account %s: %w", id, err)
	}
	return a, nil
}

func (s *PostgresStore) ListAccounts() ([]models.Account, error) {
	accounts := []models.Account{}
	err := s.db.Select(&accounts, "SELECT * FROM accounts ORDER BY id")
	if err != nil {
		return nil, err
	}
	return accounts, nil
}

// UpdateAccount is a compare-and-swap on the row version. A zero rows-affected
// result means a concurrent writer got there first (or the row is gone).
func (s *PostgresStore) UpdateAccount(a models.Account) error {
	res, err := s.db.Exec(`
		UPDATE accounts
		SET status = $1, health_score = $2, daily_upload_count = $3, daily_upload_limit = $4,
			last_action_time = $5, bound_session_id = $6, needs_reauth = $7,
			version = version + 1, updated_at = CURRENT_TIMESTAMP
		WHERE id = $8 AND version = $9`,
		a.Status, a.HealthScore, a.DailyUploadCount, a.DailyUploadLimit,
		a.LastActionTime, a.BoundSessionID, a.NeedsReauth, a.ID, a.Version)
	if err != nil {
		return fmt.Errorf("update account %s: %w", a.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if _, getErr := s.GetAccount(a.ID); getErr != nil {
			return getErr
		}
		return storage.ErrVersionConflict
	}
	return nil
}

func (s *PostgresStore) ResetDailyCounts() (int64, error) {
	res, err := s.db.Exec(`
		UPDATE accounts
		SET daily_upload_count = 0, version = version + 1, updated_at = CURRENT_TIMESTAMP
		WHERE daily_upload_count <> 0`)
	if err != nil {
		return 0, fmt.Errorf("reset daily counts: %w", err)
	}
	return res.RowsAffected()
}

// SaveTask inserts a task and returns it with the assigned sequence number.
func (s *PostgresStore) SaveTask(t models.Task) (models.Task, error) {
	err := s.db.QueryRowx(`
		INSERT INTO tasks (id, account_id, payload_ref, priority, status, attempts, max_attempts,
			last_error, result, created_at, scheduled_at, started_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		RETURNING seq`,
		t.ID, t.AccountID, t.PayloadRef, t.Priority, t.Status, t.Attempts, t.MaxAttempts,
		t.LastError, t.Result, t.CreatedAt, t.ScheduledAt, t.StartedAt, t.CompletedAt).Scan(&t.Seq)
	if err != nil {
		return models.Task{}, fmt.Errorf("save task: %w", err)
	}
	return t, nil
}

func (s *PostgresStore) GetTask(id string) (models.Task, error) {
	var t models.Task
	err := s.db.Get(&t, "SELECT * FROM tasks WHERE id = $1", id)
	if err == sql.ErrNoRows {
		return models.Task{}, storage.ErrNotFound
	}
	if err != nil {
		return models.Task{}, fmt.Errorf("get task %s: %w", id, err)
	}
	return t, nil
}

func (s *PostgresStore) ListTasks(statuses ...models.TaskStatus) ([]models.Task, error) {
	tasks := []models.Task{}
	if len(statuses) == 0 {
		if err := s.db.Select(&tasks, "SELECT * FROM tasks ORDER BY seq"); err != nil {
			return nil, err
		}
		return tasks, nil
	}
	in := make([]string, len(statuses))
	for i, st := range statuses {
		in[i] = string(st)
	}
	query, args, err := sqlx.In("SELECT * FROM tasks WHERE status IN (?) ORDER BY seq", in)
	if err != nil {
		return nil, err
	}
	// sqlx.In produces ? bindvars; rebind for Postgres
	query = sqlx.Rebind(sqlx.DOLLAR, query)
	if err := s.db.Select(&tasks, query, args...); err != nil {
		return nil, err
	}
	return tasks, nil
}

func (s *PostgresStore) UpdateTask(t models.Task) error {
	res, err := s.db.Exec(`
		UPDATE tasks
		SET account_id = $1, priority = $2, status = $3, attempts = $4, max_attempts = $5,
			last_error = $6, result = $7, scheduled_at = $8, started_at = $9, completed_at = $10
		WHERE id = $11`,
		t.AccountID, t.Priority, t.Status, t.Attempts, t.MaxAttempts,
		t.LastError, t.Result, t.ScheduledAt, t.StartedAt, t.CompletedAt, t.ID)
	if err != nil {
		return fmt.Errorf("update task %s: %w", t.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// ClaimTask is the exactly-once guard: the queued -> active edge happens in a
// single conditional statement, so a duplicate delivery of the same task ID
// finds the row already active and gets ErrTaskNotClaimable.
func (s *PostgresStore) ClaimTask(id string, startedAt time.Time) (models.Task, error) {
	var t models.Task
	err := s.db.QueryRowx(`
		UPDATE tasks SET status = $1, started_at = $2
		WHERE id = $3 AND status = $4
		RETURNING *`,
		models.ActiveTaskStatus, startedAt, id, models.QueuedTaskStatus).StructScan(&t)
	if err == sql.ErrNoRows {
		if _, getErr := s.GetTask(id); getErr != nil {
			return models.Task{}, getErr
		}
		return models.Task{}, storage.ErrTaskNotClaimable
	}
	if err != nil {
		return models.Task{}, fmt.Errorf("claim task %s: %w", id, err)
	}
	return t, nil
}

func (s *PostgresStore) CancelTask(id string) (models.Task, error) {
	var t models.Task
	err := s.db.QueryRowx(`
		UPDATE tasks SET status = $1, completed_at = CURRENT_TIMESTAMP
		WHERE id = $2 AND status IN ($3, $4)
		RETURNING *`,
		models.CancelledTaskStatus, id, models.PendingTaskStatus, models.QueuedTaskStatus).StructScan(&t)
	if err == sql.ErrNoRows {
		if _, getErr := s.GetTask(id); getErr != nil {
			return models.Task{}, getErr
		}
		return models.Task{}, storage.ErrTaskNotClaimable
	}
	if err != nil {
		return models.Task{}, fmt.Errorf("cancel task %s: %w", id, err)
	}
	return t, nil
}

func (s *PostgresStore) ListDueTasks(before time.Time) ([]models.Task, error) {
	tasks := []models.Task{}
	err := s.db.Select(&tasks, `
		SELECT * FROM tasks
		WHERE status = $1 AND (scheduled_at IS NULL OR scheduled_at <= $2)
		ORDER BY priority, seq`,
		models.PendingTaskStatus, before)
	if err != nil {
		return nil, fmt.Errorf("list due tasks: %w", err)
	}
	return tasks, nil
}
