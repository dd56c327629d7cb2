// Package api exposes the HTTP surface used by status-polling clients: task launch
// endpoints, the status store, cancellation, and history and dashboard reads.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/nadmax/auditq/internal/dashboard"
	"github.com/nadmax/auditq/internal/httputil"
	"github.com/nadmax/auditq/internal/metrics"
	"github.com/nadmax/auditq/internal/queue"
	"github.com/nadmax/auditq/internal/task"
	log "github.com/sirupsen/logrus"
)

const maxBodyBytes = 1 << 20

type API struct {
	queue *queue.Queue
	mux   *http.ServeMux
}

type TaskRequest struct {
	Type       string             `json:"type"`
	Payload    map[string]any     `json:"payload"`
	Priority   *task.TaskPriority `json:"priority"`
	ScheduleIn *int               `json:"schedule_in"`
}

func NewAPI(q *queue.Queue) *API {
	api := &API{
		queue: q,
		mux:   http.NewServeMux(),
	}

	api.setupRoutes()
	return api
}

func (a *API) setupRoutes() {
	a.mux.HandleFunc("/api/audits/technical", a.handleLaunchAudit)
	a.mux.HandleFunc("/api/content/generate", a.handleLaunchContent)

	a.mux.HandleFunc("/api/tasks", a.handleTasks)
	a.mux.HandleFunc("/api/tasks/status", a.handleStatusByBody)
	a.mux.HandleFunc("/api/tasks/", a.handleTaskByID)

	a.mux.HandleFunc("/api/history/stats", a.handleHistoryStats)
	a.mux.HandleFunc("/api/history/recent", a.handleRecentHistory)
	a.mux.HandleFunc("/api/history/task/", a.handleTaskHistory)
	a.mux.HandleFunc("/api/history/type/", a.handleTasksByType)

	dash := dashboard.NewDashboard(a.queue)
	a.mux.HandleFunc("/api/dashboard/stats", dash.GetStats)
	a.mux.HandleFunc("/api/dashboard/history", dash.GetRecentTasks)

	a.mux.HandleFunc("/health", a.handleHealth)
}

func (a *API) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	a.mux.ServeHTTP(w, r)
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	if _, err := a.queue.Depth(r.Context()); err != nil {
		httputil.WriteJSONError(w, "queue unavailable", http.StatusServiceUnavailable)
		return
	}
	httputil.WriteJSON(w, map[string]string{"status": "ok"}, http.StatusOK)
}

func (a *API) handleTasks(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		a.createTask(w, r)
	case http.MethodGet:
		a.listTasks(w, r)
	default:
		httputil.WriteJSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (a *API) createTask(w http.ResponseWriter, r *http.Request) {
	var req TaskRequest
	if err := decodeBody(r, &req); err != nil {
		httputil.WriteJSONError(w, err.Error(), http.StatusBadRequest)
		return
	}

	if req.Type == "" {
		httputil.WriteJSONError(w, "Task type is required", http.StatusBadRequest)
		return
	}

	priority := task.MediumPriority
	if req.Priority != nil {
		if !req.Priority.Valid() {
			httputil.WriteJSONError(w, task.ErrInvalidPriority.Error(), http.StatusBadRequest)
			return
		}
		priority = *req.Priority
	}

	t := task.NewTask(req.Type, req.Payload, priority)
	if req.ScheduleIn != nil && *req.ScheduleIn > 0 {
		t.ScheduledAt = time.Now().Add(time.Duration(*req.ScheduleIn) * time.Second)
	}

	a.launch(w, r, t)
}

// launch enqueues t and writes the response status-polling clients expect.
func (a *API) launch(w http.ResponseWriter, r *http.Request, t *task.Task) {
	if err := a.queue.Enqueue(r.Context(), t); err != nil {
		log.WithError(err).WithField("type", t.Type).Error("failed to enqueue task")
		httputil.WriteJSONError(w, "failed to start task", http.StatusInternalServerError)
		return
	}

	metrics.RecordTaskEnqueued(t.Type, t.Priority)
	log.WithFields(log.Fields{
		"task_id":  t.ID,
		"type":     t.Type,
		"priority": t.Priority.String(),
	}).Info("task started")

	httputil.WriteJSON(w, LaunchResponse{
		Status:        LaunchStarted,
		TaskID:        t.ID,
		EstimatedTime: t.EstimatedTime,
	}, http.StatusCreated)
}

func (a *API) listTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := a.queue.GetAllTasks(r.Context())
	if err != nil {
		httputil.WriteJSONError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	if status := r.URL.Query().Get("status"); status != "" {
		filtered := tasks[:0]
		for _, t := range tasks {
			if string(t.Status) == status {
				filtered = append(filtered, t)
			}
		}
		tasks = filtered
	}

	httputil.WriteJSON(w, tasks, http.StatusOK)
}

// handleTaskByID serves /api/tasks/{id} and /api/tasks/{id}/status.
func (a *API) handleTaskByID(w http.ResponseWriter, r *http.Request) {
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/tasks/"), "/")
	if rest == "" {
		httputil.WriteJSONError(w, "Task ID is required", http.StatusBadRequest)
		return
	}

	parts := strings.Split(rest, "/")
	switch {
	case len(parts) == 1:
		switch r.Method {
		case http.MethodGet:
			a.getTask(w, r, parts[0])
		case http.MethodDelete:
			a.cancelTask(w, r, parts[0])
		default:
			httputil.WriteJSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
		}
	case len(parts) == 2 && parts[1] == "status":
		if r.Method != http.MethodGet {
			httputil.WriteJSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		a.writeStatus(w, r, parts[0])
	default:
		httputil.WriteJSONError(w, "Not found", http.StatusNotFound)
	}
}

func (a *API) getTask(w http.ResponseWriter, r *http.Request, taskID string) {
	t, err := a.queue.GetTask(r.Context(), taskID)
	if errors.Is(err, queue.ErrTaskNotFound) {
		httputil.WriteJSONError(w, "Task not found", http.StatusNotFound)
		return
	}
	if err != nil {
		httputil.WriteJSONError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	httputil.WriteJSON(w, t, http.StatusOK)
}

func (a *API) cancelTask(w http.ResponseWriter, r *http.Request, taskID string) {
	t, err := a.queue.CancelTask(r.Context(), taskID)
	if errors.Is(err, queue.ErrTaskNotFound) {
		httputil.WriteJSONError(w, "Task not found", http.StatusNotFound)
		return
	}
	if err != nil {
		httputil.WriteJSONError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	if t.Status != task.CancelledStatus {
		httputil.WriteJSONError(w, fmt.Sprintf("Task already %s", t.Status), http.StatusConflict)
		return
	}

	metrics.RecordTaskCancelled(t.Type)
	log.WithFields(log.Fields{"task_id": t.ID, "type": t.Type}).Info("task cancelled")

	httputil.WriteJSON(w, map[string]string{
		"message": "Task cancelled successfully",
		"task_id": t.ID,
	}, http.StatusOK)
}

func decodeBody(r *http.Request, dst any) error {
	defer func() {
		if err := r.Body.Close(); err != nil {
			log.WithError(err).Warn("failed to close request body")
		}
	}()

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return errors.New("failed to read request body")
	}
	if err := json.Unmarshal(body, dst); err != nil {
		return errors.New("invalid JSON")
	}
	return nil
}
