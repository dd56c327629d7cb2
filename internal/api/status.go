package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/nadmax/auditq/internal/httputil"
	"github.com/nadmax/auditq/internal/metrics"
	"github.com/nadmax/auditq/internal/queue"
	"github.com/nadmax/auditq/internal/task"
)

// StatusResponse is one answer of the status store. Data is only set once the
// task has completed, Error only when it failed or was cancelled.
type StatusResponse struct {
	Status string         `json:"status"`
	Data   map[string]any `json:"data,omitempty"`
	Error  string         `json:"error,omitempty"`
}

type StatusRequest struct {
	TaskID string `json:"taskId"`
}

func (a *API) handleStatusByBody(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.WriteJSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req StatusRequest
	if err := decodeBody(r, &req); err != nil {
		httputil.WriteJSONError(w, err.Error(), http.StatusBadRequest)
		return
	}

	taskID := strings.TrimSpace(req.TaskID)
	if taskID == "" {
		httputil.WriteJSONError(w, "taskId is required", http.StatusBadRequest)
		return
	}

	a.writeStatus(w, r, taskID)
}

func (a *API) writeStatus(w http.ResponseWriter, r *http.Request, taskID string) {
	t, err := a.queue.GetTask(r.Context(), taskID)
	if errors.Is(err, queue.ErrTaskNotFound) {
		httputil.WriteJSONError(w, "Task not found", http.StatusNotFound)
		return
	}
	if err != nil {
		httputil.WriteJSONError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	resp := StatusResponse{Status: t.WireStatus()}
	switch resp.Status {
	case task.WireCompleted:
		resp.Data = t.Result
		if resp.Data == nil {
			resp.Data = map[string]any{}
		}
	case task.WireError:
		resp.Error = t.WireError()
	}

	metrics.RecordStatusCheck(resp.Status)
	httputil.WriteJSON(w, resp, http.StatusOK)
}
