package api

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/nadmax/auditq/internal/httputil"
	"github.com/nadmax/auditq/internal/repository"
)

const (
	defaultHistoryLimit = 100
	maxHistoryLimit     = 1000
	defaultStatsHours   = 24
)

// historyRepo returns the Postgres history repository, writing a 503 when the
// server runs without one.
func (a *API) historyRepo(w http.ResponseWriter) repository.TaskRepository {
	repo := a.queue.GetRepository()
	if repo == nil {
		httputil.WriteJSONError(w, "Task history unavailable: PostgreSQL not configured", http.StatusServiceUnavailable)
		return nil
	}
	return repo
}

func queryInt(r *http.Request, key string, def, max int) int {
	v, err := strconv.Atoi(r.URL.Query().Get(key))
	if err != nil || v <= 0 {
		return def
	}
	if v > max {
		return max
	}
	return v
}

func (a *API) handleHistoryStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.WriteJSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	repo := a.historyRepo(w)
	if repo == nil {
		return
	}

	hours := queryInt(r, "hours", defaultStatsHours, 24*90)
	stats, err := repo.GetTaskStats(r.Context(), hours)
	if err != nil {
		httputil.WriteJSONError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	httputil.WriteJSON(w, stats, http.StatusOK)
}

func (a *API) handleRecentHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.WriteJSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	repo := a.historyRepo(w)
	if repo == nil {
		return
	}

	limit := queryInt(r, "limit", defaultHistoryLimit, maxHistoryLimit)
	tasks, err := repo.GetRecentTasks(r.Context(), limit)
	if err != nil {
		httputil.WriteJSONError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	httputil.WriteJSON(w, tasks, http.StatusOK)
}

func (a *API) handleTaskHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.WriteJSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	taskID := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/history/task/"), "/")
	if taskID == "" {
		httputil.WriteJSONError(w, "Task ID is required", http.StatusBadRequest)
		return
	}

	repo := a.historyRepo(w)
	if repo == nil {
		return
	}

	history, err := repo.GetTaskHistory(r.Context(), taskID)
	if err != nil {
		httputil.WriteJSONError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	httputil.WriteJSON(w, history, http.StatusOK)
}

func (a *API) handleTasksByType(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.WriteJSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	taskType := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/history/type/"), "/")
	if taskType == "" {
		httputil.WriteJSONError(w, "Task type is required", http.StatusBadRequest)
		return
	}

	repo := a.historyRepo(w)
	if repo == nil {
		return
	}

	limit := queryInt(r, "limit", defaultHistoryLimit, maxHistoryLimit)
	tasks, err := repo.GetTasksByType(r.Context(), taskType, limit)
	if err != nil {
		httputil.WriteJSONError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	httputil.WriteJSON(w, tasks, http.StatusOK)
}
