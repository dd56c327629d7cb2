// Package repository provides PostgreSQL persistence for task history.
package repository

import (
	"context"

	"github.com/nadmax/auditq/internal/repository/models"
	"github.com/nadmax/auditq/internal/task"
)

type TaskRepository interface {
	SaveTask(ctx context.Context, t *task.Task) error
	UpdateTaskStatus(ctx context.Context, taskID string, status task.TaskStatus, workerID string) error
	CompleteTask(ctx context.Context, taskID string, result map[string]any, durationMs int) error
	FailTask(ctx context.Context, taskID string, reason string, durationMs int) error
	CancelTask(ctx context.Context, taskID string) error
	IncrementRetryCount(ctx context.Context, taskID string) error
	LogExecution(ctx context.Context, taskID string, attemptNumber int, status string, durationMs int, msgErr string, workerID string) error
	GetTaskStats(ctx context.Context, hours int) ([]models.TaskStats, error)
	GetRecentTasks(ctx context.Context, limit int) ([]models.RecentTask, error)
	GetTasksByType(ctx context.Context, taskType string, limit int) ([]models.RecentTask, error)
	GetTaskHistory(ctx context.Context, taskID string) ([]models.ExecutionEntry, error)
	Close() error
}
