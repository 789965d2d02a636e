package http

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vmarkovic/upflow/pkg/accounts"
	"github.com/vmarkovic/upflow/pkg/models"
	"github.com/vmarkovic/upflow/pkg/queue"
	"github.com/vmarkovic/upflow/pkg/scheduler"
	"github.com/vmarkovic/upflow/pkg/sessions"
	"github.com/vmarkovic/upflow/pkg/storage"
)

type nopLogger struct{}

func (nopLogger) Infof(format string, args ...interface{})  {}
func (nopLogger) Errorf(format string, args ...interface{}) {}

type nopProvider struct{}

func (nopProvider) OpenSession(ctx context.Context, account models.Account) (string, error) {
	return "endpoint", nil
}
func (nopProvider) CloseSession(ctx context.Context, endpointRef string) error { return nil }
func (nopProvider) Probe(ctx context.Context, endpointRef string) (bool, error) {
	return true, nil
}

type nopAdapter struct{}

func (nopAdapter) CheckSession(ctx context.Context, session *models.Session) (bool, error) {
	return true, nil
}
func (nopAdapter) PerformUpload(ctx context.Context, session *models.Session, payloadRef string) (string, error) {
	return "result", nil
}
func (nopAdapter) Abort(ctx context.Context, session *models.Session) error { return nil }

func setupServer(t *testing.T) (storage.Store, *httptest.Server) {
	t.Helper()
	store := storage.NewMockStore()
	accountPool := accounts.NewPool(store, accounts.DefaultPolicy(), accounts.HealthFirst{}, nopLogger{})
	sessionPool := sessions.NewPool(nopProvider{}, nopAdapter{}, sessions.DefaultConfig(), nopLogger{})
	sched := scheduler.New(store, queue.NewMemoryQueue(), accountPool, sessionPool, nopAdapter{}, scheduler.DefaultConfig(), nopLogger{})

	srv := httptest.NewServer(NewMux(store, sched))
	t.Cleanup(srv.Close)
	return store, srv
}

func TestHealthEndpoint(t *testing.T) {
	_, srv := setupServer(t)

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body["status"])
}

func TestListTasksEndpoint(t *testing.T) {
	store, srv := setupServer(t)

	_, err := store.SaveTask(models.Task{
		ID: "t1", PayloadRef: "v1", Priority: 100,
		Status: models.PendingTaskStatus, MaxAttempts: 3, CreatedAt: time.Now(),
	})
	require.NoError(t, err)

	resp, err := http.Get(srv.URL + "/tasks")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	var tasks []models.Task
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&tasks))
	require.Len(t, tasks, 1)
	assert.Equal(t, "t1", tasks[0].ID)
}

func TestListTasksMethodNotAllowed(t *testing.T) {
	_, srv := setupServer(t)

	resp, err := http.Post(srv.URL+"/tasks", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestGetTaskEndpoint(t *testing.T) {
	store, srv := setupServer(t)

	_, err := store.SaveTask(models.Task{
		ID: "t1", PayloadRef: "v1", Priority: 100,
		Status: models.QueuedTaskStatus, MaxAttempts: 3, CreatedAt: time.Now(),
	})
	require.NoError(t, err)

	resp, err := http.Get(srv.URL + "/tasks/t1")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var task models.Task
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&task))
	assert.Equal(t, models.QueuedTaskStatus, task.Status)
}

func TestGetTaskNotFound(t *testing.T) {
	_, srv := setupServer(t)

	resp, err := http.Get(srv.URL + "/tasks/missing")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestStatsEndpoint(t *testing.T) {
	_, srv := setupServer(t)

	resp, err := http.Get(srv.URL + "/stats")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]float64
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, float64(0), body["backpressure"])
}
