// Package poller drives a single long-running server task from launch to a
// terminal outcome. It owns the client-side state machine, schedules status
// checks with a capped linear backoff and exposes progress and cancellation
// to the caller.
package poller

import (
	"context"
	"encoding/json"
)

type Status string

const (
	StatusIdle       Status = "idle"
	StatusStarting   Status = "starting"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusError      Status = "error"
)

// Busy reports whether a lifecycle is in progress.
func (s Status) Busy() bool {
	return s == StatusStarting || s == StatusProcessing
}

// Terminal reports whether no further status checks will happen.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusError
}

// Wire statuses returned by the launcher and the status store.
const (
	WireStarted    = "started"
	WireProcessing = "processing"
	WireCompleted  = "completed"
	WireError      = "error"
)

type LaunchResponse struct {
	Status        string `json:"status,omitempty"`
	TaskID        string `json:"taskId,omitempty"`
	EstimatedTime string `json:"estimatedTime,omitempty"`
	Error         string `json:"error,omitempty"`
}

type StatusResponse struct {
	Status string          `json:"status"`
	Data   json.RawMessage `json:"data,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// Launcher starts a job and returns the identifier of the server-side task.
type Launcher interface {
	Launch(ctx context.Context, params map[string]any) (*LaunchResponse, error)
}

// StatusStore reports the state of a previously launched task.
type StatusStore interface {
	CheckStatus(ctx context.Context, taskID string) (*StatusResponse, error)
}

// CancelNotifier tells the server that the client abandoned a task.
type CancelNotifier interface {
	NotifyCancel(ctx context.Context, taskID string) error
}

// Snapshot is the caller-facing view of the tracked task.
type Snapshot struct {
	Status                 Status          `json:"status"`
	TaskID                 string          `json:"task_id,omitempty"`
	Attempt                int             `json:"attempt"`
	MaxAttempts            int             `json:"max_attempts"`
	EstimatedDurationLabel string          `json:"estimated_duration,omitempty"`
	Result                 json.RawMessage `json:"result,omitempty"`
	ErrorMessage           string          `json:"error,omitempty"`
	Err                    error           `json:"-"`
}

// Progress returns attempt / maxAttempts, clamped to [0, 1].
func (s Snapshot) Progress() float64 {
	if s.MaxAttempts <= 0 {
		return 0
	}
	p := float64(s.Attempt) / float64(s.MaxAttempts)
	if p > 1 {
		return 1
	}
	return p
}
