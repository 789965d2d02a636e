package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/robfig/cron/v3"

	"github.com/vmarkovic/upflow/pkg/accounts"
	"github.com/vmarkovic/upflow/pkg/models"
	"github.com/vmarkovic/upflow/pkg/platform"
	"github.com/vmarkovic/upflow/pkg/queue"
	"github.com/vmarkovic/upflow/pkg/sessions"
	"github.com/vmarkovic/upflow/pkg/storage"
)

// Logger defines the logging interface for the scheduler
type Logger interface {
	Infof(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

type Config struct {
	// Workers is the number of concurrent task workers. Bound this by the
	// session capacity of the automation provider, not by CPU count; the
	// bottleneck is external sessions.
	Workers int `yaml:"workers"`
	// TaskTimeout is the hard wall-clock budget for one upload attempt.
	TaskTimeout time.Duration `yaml:"task_timeout"`
	// ReselectDelay is how long a task waits before retrying account
	// selection when no account was eligible. Not counted as an attempt.
	ReselectDelay time.Duration `yaml:"reselect_delay"`
	// DispatchInterval is the poll period for moving due scheduled tasks
	// into the queue.
	DispatchInterval time.Duration `yaml:"dispatch_interval"`
	// QuotaResetSpec is the cron spec for the daily quota boundary.
	QuotaResetSpec string `yaml:"quota_reset_spec"`
	// SweepSpec is the cron spec for the idle-session sweep.
	SweepSpec string `yaml:"sweep_spec"`
	// DefaultMaxAttempts applies to submitted tasks that do not set one.
	DefaultMaxAttempts int `yaml:"default_max_attempts"`

	Backoff Backoff `yaml:"backoff"`
}

func DefaultConfig() Config {
	return Config{
		Workers:            4,
		TaskTimeout:        30 * time.Minute,
		ReselectDelay:      60 * time.Second,
		DispatchInterval:   5 * time.Second,
		QuotaResetSpec:     "0 0 * * *",
		SweepSpec:          "@every 1m",
		DefaultMaxAttempts: 3,
		Backoff:            DefaultBackoff(),
	}
}

// Scheduler runs the worker pool that turns queued tasks into upload
// attempts: claim, bind an account, acquire its session, run the adapter
// upload under a hard timeout, interpret the outcome, and requeue or
// finalize. It owns the retry decision; everything else reports to it.
type Scheduler struct {
	store    storage.Store
	queue    queue.TaskQueue
	accounts *accounts.Pool
	sessions *sessions.Pool
	adapter  platform.Adapter
	cfg      Config
	logger   Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	cron   *cron.Cron

	mu             sync.Mutex
	active         map[string]context.CancelFunc // in-flight attempt cancellers
	cancelRequests map[string]struct{}           // cancels for tasks a worker holds

	backpressure atomic.Int64
	now          func() time.Time
}

func New(store storage.Store, q queue.TaskQueue, accountPool *accounts.Pool, sessionPool *sessions.Pool, adapter platform.Adapter, cfg Config, logger Logger) *Scheduler {
	s := &Scheduler{
		store:          store,
		queue:          q,
		accounts:       accountPool,
		sessions:       sessionPool,
		adapter:        adapter,
		cfg:            cfg,
		logger:         logger,
		cron:           cron.New(),
		active:         make(map[string]context.CancelFunc),
		cancelRequests: make(map[string]struct{}),
		now:            time.Now,
	}
	sessionPool.OnAccountUnavailable(accountPool.SkipForCycle)
	accountPool.ExcludeInUse(sessionPool.InUse)
	return s
}

// Start launches the workers, the dispatch loop, and the periodic jobs.
func (s *Scheduler) Start(ctx context.Context) error {
	s.ctx, s.cancel = context.WithCancel(ctx)

	if err := s.recover(); err != nil {
		return err
	}

	for i := 0; i < s.cfg.Workers; i++ {
		s.wg.Add(1)
		go s.worker()
	}
	s.wg.Add(1)
	go s.dispatchLoop()

	if _, err := s.cron.AddFunc(s.cfg.QuotaResetSpec, func() {
		if _, err := s.accounts.ResetDailyCounts(context.Background()); err != nil {
			s.logger.Errorf("Daily quota reset failed: %v", err)
		}
	}); err != nil {
		return errors.Wrap(err, "schedule quota reset")
	}
	if _, err := s.cron.AddFunc(s.cfg.SweepSpec, func() {
		s.sessions.Sweep()
	}); err != nil {
		return errors.Wrap(err, "schedule session sweep")
	}
	s.cron.Start()

	s.logger.Infof("Scheduler started with %d workers", s.cfg.Workers)
	return nil
}

// Stop drains the workers and closes all sessions. In-flight attempts are
// cancelled cooperatively; workers observe cancellation at their checkpoints.
func (s *Scheduler) Stop() {
	s.cancel()
	<-s.cron.Stop().Done()
	s.wg.Wait()
	s.sessions.CloseAll()
	s.logger.Infof("Scheduler stopped")
}

// Submit persists a new task and queues it when due. Tasks with a future
// ScheduledAt stay pending until the dispatch loop promotes them.
func (s *Scheduler) Submit(payloadRef string, priority int, maxAttempts int, scheduledAt *time.Time) (models.Task, error) {
	if maxAttempts <= 0 {
		maxAttempts = s.cfg.DefaultMaxAttempts
	}
	task := models.Task{
		ID:          uuid.NewString(),
		PayloadRef:  payloadRef,
		Priority:    priority,
		Status:      models.PendingTaskStatus,
		MaxAttempts: maxAttempts,
		CreatedAt:   s.now(),
		ScheduledAt: scheduledAt,
	}
	task, err := s.store.SaveTask(task)
	if err != nil {
		return models.Task{}, errors.Wrap(err, "save task")
	}
	if scheduledAt == nil || !scheduledAt.After(s.now()) {
		if err := s.promote(task); err != nil {
			return models.Task{}, err
		}
		task.Status = models.QueuedTaskStatus
	}
	s.logger.Infof("Submitted task %s (priority %d)", task.ID, task.Priority)
	return task, nil
}

// Cancel requests cancellation of a task in any non-terminal state. Pending
// and queued tasks are cancelled immediately; active tasks are aborted at
// the worker's next checkpoint.
func (s *Scheduler) Cancel(taskID string) error {
	_, err := s.store.CancelTask(taskID)
	if err == nil {
		s.logger.Infof("Cancelled task %s", taskID)
		return nil
	}
	if !errors.Is(err, storage.ErrTaskNotClaimable) {
		return err
	}
	task, err := s.store.GetTask(taskID)
	if err != nil {
		return err
	}
	if task.Status.Terminal() {
		return errors.Errorf("task %s already %s", taskID, task.Status)
	}
	s.mu.Lock()
	s.cancelRequests[taskID] = struct{}{}
	if cancelAttempt, ok := s.active[taskID]; ok {
		cancelAttempt()
	}
	s.mu.Unlock()
	s.logger.Infof("Cancellation requested for active task %s", taskID)
	return nil
}

// Backpressure reports how many times account selection came up empty.
func (s *Scheduler) Backpressure() int64 {
	return s.backpressure.Load()
}

func (s *Scheduler) worker() {
	defer s.wg.Done()
	for {
		taskID, err := s.queue.Dequeue(s.ctx)
		if err != nil {
			return
		}
		s.process(taskID)
	}
}

func (s *Scheduler) process(taskID string) {
	task, err := s.store.ClaimTask(taskID, s.now())
	if err != nil {
		if errors.Is(err, storage.ErrTaskNotClaimable) || errors.Is(err, storage.ErrNotFound) {
			// duplicate delivery, or the task was cancelled/finished
			// elsewhere; re-releasing the delivery is the whole handling
			s.queue.Ack(taskID)
			return
		}
		s.logger.Errorf("Failed to claim task %s: %v", taskID, err)
		s.queue.Nack(taskID, s.cfg.ReselectDelay)
		return
	}

	// checkpoint: a cancel may have arrived between dequeue and claim
	if s.takeCancelRequest(task.ID) {
		s.finishCancelled(&task)
		return
	}

	account, ok := s.bindAccount(&task)
	if !ok {
		task.Status = models.QueuedTaskStatus
		if err := s.store.UpdateTask(task); err != nil {
			s.logger.Errorf("Failed to requeue task %s: %v", task.ID, err)
		}
		s.backpressure.Add(1)
		s.logger.Infof("No account available for task %s, requeued for %s", task.ID, s.cfg.ReselectDelay)
		s.queue.Nack(task.ID, s.cfg.ReselectDelay)
		return
	}

	// the attempt starts once an account is chosen
	task.Attempts++
	task.AccountID = &account.ID
	if err := s.store.UpdateTask(task); err != nil {
		s.logger.Errorf("Failed to persist attempt %d of task %s: %v", task.Attempts, task.ID, err)
	}

	session, err := s.sessions.Acquire(s.ctx, account)
	if err != nil {
		if errors.Is(err, sessions.ErrSessionBusy) {
			// lost the selection race to another worker holding this
			// account; hand the attempt back and reselect shortly
			task.Attempts--
			task.AccountID = nil
			task.Status = models.QueuedTaskStatus
			if err := s.store.UpdateTask(task); err != nil {
				s.logger.Errorf("Failed to requeue contended task %s: %v", task.ID, err)
			}
			s.queue.Nack(task.ID, s.cfg.ReselectDelay)
			return
		}
		s.logger.Errorf("Session acquisition for task %s (account %s) failed: %v", task.ID, account.ID, err)
		s.finishAttempt(&task, classifySessionError(err))
		return
	}
	if err := s.accounts.BindSession(s.ctx, account.ID, session.ID); err != nil {
		s.logger.Errorf("Failed to record session binding for account %s: %v", account.ID, err)
	}

	resultRef, cancelled, uploadErr := s.runUpload(&task, session)
	switch {
	case cancelled:
		// abort before giving the session back; a force-killed upload would
		// leak the session in an unrecoverable state
		s.abortUpload(session)
		s.releaseSession(account.ID, session, false)
		s.finishCancelled(&task)
	case uploadErr != nil:
		f := classifyUploadError(uploadErr, wasTimeout(task.LastError))
		if f.corruptSession {
			s.abortUpload(session)
		}
		s.releaseSession(account.ID, session, !f.corruptSession)
		s.finishAttempt(&task, f)
	default:
		s.releaseSession(account.ID, session, true)
		s.finishSuccess(&task, account.ID, resultRef)
	}
}

// bindAccount resolves the account the attempt runs on: the one already
// bound to the task when it is still usable, otherwise a fresh selection.
func (s *Scheduler) bindAccount(task *models.Task) (models.Account, bool) {
	if task.AccountID != nil {
		account, err := s.store.GetAccount(*task.AccountID)
		if err == nil && account.Status == models.ActiveAccountStatus && !account.QuotaExhausted() &&
			!s.sessions.InUse(account.ID) {
			return account, true
		}
		// bound account no longer usable; fall through to reselection
		task.AccountID = nil
	}
	account, err := s.accounts.Select(s.ctx)
	if err != nil {
		if !errors.Is(err, accounts.ErrNoneAvailable) {
			s.logger.Errorf("Account selection failed: %v", err)
		}
		return models.Account{}, false
	}
	return account, true
}

// runUpload invokes the adapter under the task budget and the cooperative
// cancellation registry. Returns cancelled=true when an external cancel
// request interrupted the attempt.
func (s *Scheduler) runUpload(task *models.Task, session *models.Session) (string, bool, error) {
	attemptCtx, cancelAttempt := context.WithTimeout(s.ctx, s.cfg.TaskTimeout)
	defer cancelAttempt()

	s.mu.Lock()
	s.active[task.ID] = cancelAttempt
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.active, task.ID)
		s.mu.Unlock()
	}()

	resultRef, err := s.adapter.PerformUpload(attemptCtx, session, task.PayloadRef)
	if s.takeCancelRequest(task.ID) {
		return "", true, nil
	}
	if err != nil && errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
		err = errors.Wrap(context.DeadlineExceeded, err.Error())
	}
	return resultRef, false, err
}

func (s *Scheduler) abortUpload(session *models.Session) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := s.adapter.Abort(ctx, session); err != nil {
		s.logger.Errorf("Failed to abort upload on session %s: %v", session.ID, err)
	}
}

func (s *Scheduler) releaseSession(accountID string, session *models.Session, keepOpen bool) {
	s.sessions.Release(session, keepOpen)
	if err := s.accounts.BindSession(context.Background(), accountID, ""); err != nil {
		s.logger.Errorf("Failed to clear session binding for account %s: %v", accountID, err)
	}
}

func (s *Scheduler) finishSuccess(task *models.Task, accountID, resultRef string) {
	if err := s.accounts.ReportOutcome(context.Background(), accountID, models.Outcome{Kind: models.SuccessOutcome}); err != nil {
		s.logger.Errorf("Failed to report success for account %s: %v", accountID, err)
	}
	now := s.now()
	task.Status = models.CompletedTaskStatus
	task.Result = resultRef
	task.LastError = ""
	task.CompletedAt = &now
	if err := s.store.UpdateTask(*task); err != nil {
		s.logger.Errorf("Failed to complete task %s: %v", task.ID, err)
	}
	s.clearCancelRequest(task.ID)
	s.queue.Ack(task.ID)
	s.logger.Infof("Task %s completed on account %s (attempt %d)", task.ID, accountID, task.Attempts)
}

// finishAttempt applies the failure taxonomy: charge the account unless the
// fault was infrastructural, then requeue with backoff or finalize.
func (s *Scheduler) finishAttempt(task *models.Task, f failure) {
	if f.class != ResourceUnavailable && task.AccountID != nil {
		outcome := models.Outcome{Kind: f.outcome, Message: f.message}
		if err := s.accounts.ReportOutcome(context.Background(), *task.AccountID, outcome); err != nil {
			s.logger.Errorf("Failed to report outcome for account %s: %v", *task.AccountID, err)
		}
	}

	task.LastError = f.message
	terminal := f.class == ContentError || task.Attempts >= task.MaxAttempts
	if terminal {
		now := s.now()
		task.Status = models.FailedTaskStatus
		task.CompletedAt = &now
		if err := s.store.UpdateTask(*task); err != nil {
			s.logger.Errorf("Failed to finalize task %s: %v", task.ID, err)
		}
		s.clearCancelRequest(task.ID)
		s.queue.Ack(task.ID)
		s.logger.Infof("Task %s failed terminally after %d attempts: %s", task.ID, task.Attempts, f.message)
		return
	}

	if f.class == AccountSpecific {
		// unbind so the next attempt can pick a different account; on
		// infrastructural failures the binding stays to avoid account churn
		task.AccountID = nil
	}
	task.Status = models.QueuedTaskStatus
	if err := s.store.UpdateTask(*task); err != nil {
		s.logger.Errorf("Failed to requeue task %s: %v", task.ID, err)
	}
	delay := s.cfg.Backoff.Delay(task.Attempts)
	s.queue.Nack(task.ID, delay)
	s.logger.Infof("Task %s attempt %d/%d failed (%s), retrying in %s", task.ID, task.Attempts, task.MaxAttempts, f.class, delay)
}

func (s *Scheduler) finishCancelled(task *models.Task) {
	now := s.now()
	task.Status = models.CancelledTaskStatus
	task.CompletedAt = &now
	if err := s.store.UpdateTask(*task); err != nil {
		s.logger.Errorf("Failed to mark task %s cancelled: %v", task.ID, err)
	}
	s.clearCancelRequest(task.ID)
	s.queue.Ack(task.ID)
	s.logger.Infof("Task %s cancelled", task.ID)
}

// clearCancelRequest drops a cancel request that arrived after the worker's
// last checkpoint; the task is terminal by now, so the entry would otherwise
// linger forever.
func (s *Scheduler) clearCancelRequest(taskID string) {
	s.mu.Lock()
	delete(s.cancelRequests, taskID)
	s.mu.Unlock()
}

func (s *Scheduler) takeCancelRequest(taskID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.cancelRequests[taskID]; ok {
		delete(s.cancelRequests, taskID)
		return true
	}
	return false
}

// recover re-enqueues tasks a previous process left queued or mid-attempt.
// The in-memory queue does not survive restarts; the store does. Tasks found
// active take the retry edge back to queued without charging an attempt.
func (s *Scheduler) recover() error {
	tasks, err := s.store.ListTasks(models.QueuedTaskStatus, models.ActiveTaskStatus)
	if err != nil {
		return errors.Wrap(err, "recover tasks")
	}
	for _, task := range tasks {
		if task.Status == models.ActiveTaskStatus {
			task.Status = models.QueuedTaskStatus
			if err := s.store.UpdateTask(task); err != nil {
				return errors.Wrapf(err, "recover task %s", task.ID)
			}
		}
		if err := s.queue.Enqueue(task.ID, task.Priority, 0); err != nil {
			return errors.Wrapf(err, "re-enqueue task %s", task.ID)
		}
	}
	if len(tasks) > 0 {
		s.logger.Infof("Recovered %d unfinished tasks into the queue", len(tasks))
	}
	return nil
}

// dispatchLoop promotes pending tasks whose scheduled time has arrived.
func (s *Scheduler) dispatchLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.DispatchInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			due, err := s.store.ListDueTasks(s.now())
			if err != nil {
				s.logger.Errorf("Failed to list due tasks: %v", err)
				continue
			}
			for _, task := range due {
				if err := s.promote(task); err != nil {
					s.logger.Errorf("Failed to promote task %s: %v", task.ID, err)
				}
			}
		}
	}
}

// promote moves a pending task into the queue.
func (s *Scheduler) promote(task models.Task) error {
	task.Status = models.QueuedTaskStatus
	if err := s.store.UpdateTask(task); err != nil {
		return errors.Wrapf(err, "mark task %s queued", task.ID)
	}
	if err := s.queue.Enqueue(task.ID, task.Priority, 0); err != nil {
		return errors.Wrapf(err, "enqueue task %s", task.ID)
	}
	return nil
}
