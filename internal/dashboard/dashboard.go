// Package dashboard serves aggregate queue statistics and the last day of finished tasks.
package dashboard

import (
	"net/http"
	"sort"
	"time"

	"github.com/nadmax/auditq/internal/httputil"
	"github.com/nadmax/auditq/internal/queue"
	"github.com/nadmax/auditq/internal/task"
)

type Dashboard struct {
	queue *queue.Queue
}

type Stats struct {
	TotalTasks      int            `json:"total_tasks"`
	PendingTasks    int            `json:"pending_tasks"`
	RunningTasks    int            `json:"running_tasks"`
	CompletedTasks  int            `json:"completed_tasks"`
	FailedTasks     int            `json:"failed_tasks"`
	CancelledTasks  int            `json:"cancelled_tasks"`
	QueueDepth      int64          `json:"queue_depth"`
	TasksByType     map[string]int `json:"tasks_by_type"`
	AverageWaitTime string         `json:"average_wait_time"`
	LastUpdated     time.Time      `json:"last_updated"`
}

type TaskHistory struct {
	TaskID      string          `json:"task_id"`
	Type        string          `json:"type"`
	Status      task.TaskStatus `json:"status"`
	CreatedAt   time.Time       `json:"created_at"`
	CompletedAt *time.Time      `json:"completed_at"`
	Duration    string          `json:"duration"`
	Error       string          `json:"error,omitempty"`
}

func NewDashboard(q *queue.Queue) *Dashboard {
	return &Dashboard{queue: q}
}

func (d *Dashboard) GetStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.WriteJSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	tasks, err := d.queue.GetAllTasks(r.Context())
	if err != nil {
		httputil.WriteJSONError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	depth, err := d.queue.Depth(r.Context())
	if err != nil {
		httputil.WriteJSONError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	stats := Stats{
		TotalTasks:  len(tasks),
		QueueDepth:  depth,
		TasksByType: make(map[string]int),
		LastUpdated: time.Now(),
	}

	var totalWaitTime time.Duration
	waitCount := 0

	for _, t := range tasks {
		switch t.Status {
		case task.PendingStatus:
			stats.PendingTasks++
		case task.RunningStatus:
			stats.RunningTasks++
		case task.CompletedStatus:
			stats.CompletedTasks++
		case task.FailedStatus:
			stats.FailedTasks++
		case task.CancelledStatus:
			stats.CancelledTasks++
		}

		stats.TasksByType[t.Type]++

		if t.StartedAt != nil {
			totalWaitTime += t.StartedAt.Sub(t.CreatedAt)
			waitCount++
		}
	}

	if waitCount > 0 {
		avgWait := totalWaitTime / time.Duration(waitCount)
		stats.AverageWaitTime = avgWait.Round(time.Millisecond).String()
	} else {
		stats.AverageWaitTime = "N/A"
	}

	httputil.WriteJSON(w, stats, http.StatusOK)
}

// GetRecentTasks lists tasks that finished in the last 24 hours, newest first.
func (d *Dashboard) GetRecentTasks(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.WriteJSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	tasks, err := d.queue.GetAllTasks(r.Context())
	if err != nil {
		httputil.WriteJSONError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	cutoff := time.Now().Add(-24 * time.Hour)
	history := []TaskHistory{}

	for _, t := range tasks {
		if t.CompletedAt == nil || t.CompletedAt.Before(cutoff) {
			continue
		}

		var duration string
		if t.StartedAt != nil {
			duration = t.CompletedAt.Sub(*t.StartedAt).Round(time.Millisecond).String()
		}

		history = append(history, TaskHistory{
			TaskID:      t.ID,
			Type:        t.Type,
			Status:      t.Status,
			CreatedAt:   t.CreatedAt,
			CompletedAt: t.CompletedAt,
			Duration:    duration,
			Error:       t.WireError(),
		})
	}

	sort.Slice(history, func(i, j int) bool {
		return history[i].CompletedAt.After(*history[j].CompletedAt)
	})

	httputil.WriteJSON(w, history, http.StatusOK)
}
