// Package task defines the server-side model of a long-running job used by the queue,
// the worker and the persistence layers, and its mapping onto the status wire protocol.
package task

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type (
	TaskStatus   string
	TaskPriority int
	Task         struct {
		ID            string         `json:"id"`
		Type          string         `json:"type"`
		Payload       map[string]any `json:"payload"`
		Priority      TaskPriority   `json:"priority"`
		Status        TaskStatus     `json:"status"`
		RetryCount    int            `json:"retry_count"`
		MaxRetries    int            `json:"max_retries"`
		EstimatedTime string         `json:"estimated_time,omitempty"`
		Result        map[string]any `json:"result,omitempty"`
		CreatedAt     time.Time      `json:"created_at"`
		ScheduledAt   time.Time      `json:"scheduled_at"`
		StartedAt     *time.Time     `json:"started_at,omitempty"`
		CompletedAt   *time.Time     `json:"completed_at,omitempty"`
		Error         string         `json:"error,omitempty"`
		WorkerID      string         `json:"worker_id,omitempty"`
	}
)

const (
	PendingStatus   TaskStatus = "pending"
	RunningStatus   TaskStatus = "running"
	CompletedStatus TaskStatus = "completed"
	FailedStatus    TaskStatus = "failed"
	CancelledStatus TaskStatus = "cancelled"
)

const (
	LowPriority TaskPriority = iota
	MediumPriority
	HighPriority
)

const (
	TypeTechnicalAudit    = "technical_audit"
	TypeContentGeneration = "content_generation"
	TypeHistoryReport     = "history_report"
)

// Wire statuses understood by status-polling clients.
const (
	WireProcessing = "processing"
	WireCompleted  = "completed"
	WireError      = "error"
)

var ErrInvalidPriority = errors.New("invalid priority")

var estimates = map[string]string{
	TypeTechnicalAudit:    "5-10 minutes",
	TypeContentGeneration: "1-2 minutes",
	TypeHistoryReport:     "under a minute",
}

// EstimateFor returns the display-only duration label for a task type.
func EstimateFor(taskType string) string {
	if e, ok := estimates[taskType]; ok {
		return e
	}
	return "a few minutes"
}

func NewTask(taskType string, payload map[string]any, priority TaskPriority) *Task {
	now := time.Now()
	return &Task{
		ID:            uuid.New().String(),
		Type:          taskType,
		Payload:       payload,
		Priority:      priority,
		Status:        PendingStatus,
		MaxRetries:    3,
		RetryCount:    0,
		EstimatedTime: EstimateFor(taskType),
		CreatedAt:     now,
		ScheduledAt:   now,
	}
}

func (p TaskPriority) String() string {
	switch p {
	case LowPriority:
		return "low"
	case MediumPriority:
		return "medium"
	case HighPriority:
		return "high"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

func (p TaskPriority) Valid() bool {
	return p >= LowPriority && p <= HighPriority
}

// Terminal reports whether the worker will not touch the task again.
func (s TaskStatus) Terminal() bool {
	return s == CompletedStatus || s == FailedStatus || s == CancelledStatus
}

// WireStatus maps the task status onto the processing/completed/error protocol.
func (t *Task) WireStatus() string {
	switch t.Status {
	case PendingStatus, RunningStatus:
		return WireProcessing
	case CompletedStatus:
		return WireCompleted
	default:
		return WireError
	}
}

// WireError is the error message reported to status-polling clients.
func (t *Task) WireError() string {
	switch t.Status {
	case CancelledStatus:
		return "task cancelled"
	case FailedStatus:
		if t.Error == "" {
			return "task failed"
		}
		return t.Error
	default:
		return ""
	}
}

func (t *Task) ShouldRetry() bool {
	return t.RetryCount < t.MaxRetries
}

func (t *Task) ToJSON() (string, error) {
	data, err := json.Marshal(t)
	if err != nil {
		return "", err
	}

	return string(data), nil
}

func TaskFromJSON(data string) (*Task, error) {
	var task Task
	if err := json.Unmarshal([]byte(data), &task); err != nil {
		return nil, err
	}

	return &task, nil
}
