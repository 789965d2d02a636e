package http

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/vmarkovic/upflow/internal/log"
	"github.com/vmarkovic/upflow/pkg/scheduler"
	"github.com/vmarkovic/upflow/pkg/storage"
)

// StartServer exposes the read-only operational surface: health, task
// status, and the backpressure counter. Task creation and account
// management belong to the API layer, not this core.
func StartServer(port string, store storage.Store, sched *scheduler.Scheduler) error {
	mux := NewMux(store, sched)
	log.GetLogger().Infof("Starting upflow server on :%s", port)
	return http.ListenAndServe(":"+port, mux)
}

func NewMux(store storage.Store, sched *scheduler.Scheduler) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", healthHandler)
	mux.HandleFunc("/tasks", listTasksHandler(store))
	mux.HandleFunc("/tasks/", getTaskHandler(store))
	mux.HandleFunc("/stats", statsHandler(sched))
	return mux
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]interface{}{"status": "ok", "time": time.Now().Format(time.RFC3339)})
}

func listTasksHandler(store storage.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		tasks, err := store.ListTasks()
		if err != nil {
			log.GetLogger().Errorf("Failed to list tasks: %v", err)
			http.Error(w, fmt.Sprintf("Failed to list tasks: %v", err), http.StatusInternalServerError)
			return
		}
		writeJSON(w, tasks)
	}
}

func getTaskHandler(store storage.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		id := strings.TrimPrefix(r.URL.Path, "/tasks/")
		if id == "" {
			http.Error(w, "Missing task id", http.StatusBadRequest)
			return
		}
		task, err := store.GetTask(id)
		if err == storage.ErrNotFound {
			http.Error(w, "Task not found", http.StatusNotFound)
			return
		}
		if err != nil {
			log.GetLogger().Errorf("Failed to get task %s: %v", id, err)
			http.Error(w, fmt.Sprintf("Failed to get task: %v", err), http.StatusInternalServerError)
			return
		}
		writeJSON(w, task)
	}
}

func statsHandler(sched *scheduler.Scheduler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]interface{}{
			"backpressure": sched.Backpressure(),
		})
	}
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.GetLogger().Errorf("Failed to encode response: %v", err)
	}
}
