package storage

import (
	"sort"
	"sync"
	"time"

	"github.com/vmarkovic/upflow/pkg/models"
)

// mockStore implements Store with in-memory maps. It is safe for concurrent
// use so scheduler tests can run real worker pools against it.
type mockStore struct {
	mu       sync.Mutex
	accounts map[string]models.Account
	tasks    map[string]models.Task
	nextSeq  int64
}

// NewMockStore returns an empty in-memory store for tests and examples.
func NewMockStore() Store {
	return &mockStore{
		accounts: make(map[string]models.Account),
		tasks:    make(map[string]models.Task),
	}
}

// Begin returns the store itself: the mock applies writes immediately and
// models transactions as no-ops, which is enough for the single-statement
// transitions the core relies on.
func (m *mockStore) Begin() (Store, error) { return m, nil }
func (m *mockStore) Commit() error         { return nil }
func (m *mockStore) Rollback() error       { return nil }
func (m *mockStore) Close() error          { return nil }

func (m *mockStore) SaveAccount(a models.Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now()
	}
	a.UpdatedAt = time.Now()
	m.accounts[a.ID] = a
	return nil
}

func (m *mockStore) GetAccount(id string) (models.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[id]
	if !ok {
		return models.Account{}, ErrNotFound
	}
	return a, nil
}

func (m *mockStore) ListAccounts() ([]models.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.Account, 0, len(m.accounts))
	for _, a := range m.accounts {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *mockStore) UpdateAccount(a models.Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.accounts[a.ID]
	if !ok {
		return ErrNotFound
	}
	if stored.Version != a.Version {
		return ErrVersionConflict
	}
	a.Version++
	a.UpdatedAt = time.Now()
	m.accounts[a.ID] = a
	return nil
}

func (m *mockStore) ResetDailyCounts() (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, a := range m.accounts {
		if a.DailyUploadCount != 0 {
			a.DailyUploadCount = 0
			a.Version++
			a.UpdatedAt = time.Now()
			m.accounts[id] = a
			n++
		}
	}
	return n, nil
}

func (m *mockStore) SaveTask(t models.Task) (models.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextSeq++
	t.Seq = m.nextSeq
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}
	m.tasks[t.ID] = t
	return t, nil
}

func (m *mockStore) GetTask(id string) (models.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return models.Task{}, ErrNotFound
	}
	return t, nil
}

func (m *mockStore) ListTasks(statuses ...models.TaskStatus) ([]models.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Task
	for _, t := range m.tasks {
		if len(statuses) == 0 {
			out = append(out, t)
			continue
		}
		for _, s := range statuses {
			if t.Status == s {
				out = append(out, t)
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

func (m *mockStore) UpdateTask(t models.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tasks[t.ID]; !ok {
		return ErrNotFound
	}
	m.tasks[t.ID] = t
	return nil
}

func (m *mockStore) ClaimTask(id string, startedAt time.Time) (models.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return models.Task{}, ErrNotFound
	}
	if t.Status != models.QueuedTaskStatus {
		return models.Task{}, ErrTaskNotClaimable
	}
	t.Status = models.ActiveTaskStatus
	t.StartedAt = &startedAt
	m.tasks[id] = t
	return t, nil
}

func (m *mockStore) CancelTask(id string) (models.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return models.Task{}, ErrNotFound
	}
	if t.Status != models.PendingTaskStatus && t.Status != models.QueuedTaskStatus {
		return models.Task{}, ErrTaskNotClaimable
	}
	now := time.Now()
	t.Status = models.CancelledTaskStatus
	t.CompletedAt = &now
	m.tasks[id] = t
	return t, nil
}

func (m *mockStore) ListDueTasks(before time.Time) ([]models.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Task
	for _, t := range m.tasks {
		if t.Status != models.PendingTaskStatus {
			continue
		}
		if t.ScheduledAt != nil && t.ScheduledAt.After(before) {
			continue
		}
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		return out[i].Seq < out[j].Seq
	})
	return out, nil
}
