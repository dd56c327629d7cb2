// Package mocks provides an in-memory TaskRepository that records every call for tests.
package mocks

import (
	"context"
	"sync"

	"github.com/nadmax/auditq/internal/repository/models"
	"github.com/nadmax/auditq/internal/task"
)

type MockPostgresRepository struct {
	mu                    sync.Mutex
	SaveTaskCalls         []SaveTaskCall
	UpdateTaskStatusCalls []UpdateTaskStatusCall
	CompleteTaskCalls     []CompleteTaskCall
	FailTaskCalls         []FailTaskCall
	CancelTaskCalls       []string
	IncrementRetryCalls   []string
	LogExecutionCalls     []LogExecutionCall
	Tasks                 map[string]*task.Task
	TaskStats             []models.TaskStats
	RecentTasks           []models.RecentTask
	History               map[string][]models.ExecutionEntry
	SaveTaskError         error
	CompleteTaskError     error
	FailTaskError         error
	LogExecutionError     error
	GetTaskStatsError     error
	GetRecentTasksError   error
	GetTaskHistoryError   error
	GetTasksByTypeError   error
	Closed                bool
}

type SaveTaskCall struct {
	Task *task.Task
}

type UpdateTaskStatusCall struct {
	TaskID   string
	Status   task.TaskStatus
	WorkerID string
}

type CompleteTaskCall struct {
	TaskID     string
	Result     map[string]any
	DurationMs int
}

type FailTaskCall struct {
	TaskID     string
	Reason     string
	DurationMs int
}

type LogExecutionCall struct {
	TaskID        string
	AttemptNumber int
	Status        string
	DurationMs    int
	ErrorMsg      string
	WorkerID      string
}

func NewMockPostgresRepository() *MockPostgresRepository {
	return &MockPostgresRepository{
		Tasks:       make(map[string]*task.Task),
		TaskStats:   make([]models.TaskStats, 0),
		RecentTasks: make([]models.RecentTask, 0),
		History:     make(map[string][]models.ExecutionEntry),
	}
}

func (m *MockPostgresRepository) SaveTask(_ context.Context, t *task.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.SaveTaskCalls = append(m.SaveTaskCalls, SaveTaskCall{Task: t})

	if m.SaveTaskError != nil {
		return m.SaveTaskError
	}

	taskCopy := *t
	m.Tasks[t.ID] = &taskCopy
	return nil
}

func (m *MockPostgresRepository) UpdateTaskStatus(_ context.Context, taskID string, status task.TaskStatus, workerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.UpdateTaskStatusCalls = append(m.UpdateTaskStatusCalls, UpdateTaskStatusCall{
		TaskID:   taskID,
		Status:   status,
		WorkerID: workerID,
	})

	if t, exists := m.Tasks[taskID]; exists {
		t.Status = status
		t.WorkerID = workerID
	}

	return nil
}

func (m *MockPostgresRepository) CompleteTask(_ context.Context, taskID string, result map[string]any, durationMs int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.CompleteTaskCalls = append(m.CompleteTaskCalls, CompleteTaskCall{
		TaskID:     taskID,
		Result:     result,
		DurationMs: durationMs,
	})

	if m.CompleteTaskError != nil {
		return m.CompleteTaskError
	}

	if t, exists := m.Tasks[taskID]; exists {
		t.Status = task.CompletedStatus
		t.Result = result
	}

	return nil
}

func (m *MockPostgresRepository) FailTask(_ context.Context, taskID string, reason string, durationMs int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.FailTaskCalls = append(m.FailTaskCalls, FailTaskCall{
		TaskID:     taskID,
		Reason:     reason,
		DurationMs: durationMs,
	})

	if m.FailTaskError != nil {
		return m.FailTaskError
	}

	if t, exists := m.Tasks[taskID]; exists {
		t.Status = task.FailedStatus
		t.Error = reason
	}

	return nil
}

func (m *MockPostgresRepository) CancelTask(_ context.Context, taskID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.CancelTaskCalls = append(m.CancelTaskCalls, taskID)

	if t, exists := m.Tasks[taskID]; exists && !t.Status.Terminal() {
		t.Status = task.CancelledStatus
	}

	return nil
}

func (m *MockPostgresRepository) IncrementRetryCount(_ context.Context, taskID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.IncrementRetryCalls = append(m.IncrementRetryCalls, taskID)

	if t, exists := m.Tasks[taskID]; exists {
		t.RetryCount++
	}

	return nil
}

func (m *MockPostgresRepository) LogExecution(_ context.Context, taskID string, attemptNumber int, status string, durationMs int, errorMsg string, workerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.LogExecutionCalls = append(m.LogExecutionCalls, LogExecutionCall{
		TaskID:        taskID,
		AttemptNumber: attemptNumber,
		Status:        status,
		DurationMs:    durationMs,
		ErrorMsg:      errorMsg,
		WorkerID:      workerID,
	})

	return m.LogExecutionError
}

func (m *MockPostgresRepository) GetTaskStats(_ context.Context, _ int) ([]models.TaskStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.GetTaskStatsError != nil {
		return nil, m.GetTaskStatsError
	}
	return m.TaskStats, nil
}

func (m *MockPostgresRepository) GetRecentTasks(_ context.Context, limit int) ([]models.RecentTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.GetRecentTasksError != nil {
		return nil, m.GetRecentTasksError
	}
	if limit > 0 && limit < len(m.RecentTasks) {
		return m.RecentTasks[:limit], nil
	}
	return m.RecentTasks, nil
}

func (m *MockPostgresRepository) GetTasksByType(_ context.Context, taskType string, limit int) ([]models.RecentTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.GetTasksByTypeError != nil {
		return nil, m.GetTasksByTypeError
	}

	var out []models.RecentTask
	for _, t := range m.RecentTasks {
		if t.Type != taskType {
			continue
		}
		out = append(out, t)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *MockPostgresRepository) GetTaskHistory(_ context.Context, taskID string) ([]models.ExecutionEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.GetTaskHistoryError != nil {
		return nil, m.GetTaskHistoryError
	}
	return m.History[taskID], nil
}

func (m *MockPostgresRepository) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Closed = true
	return nil
}

func (m *MockPostgresRepository) GetSaveTaskCallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.SaveTaskCalls)
}

func (m *MockPostgresRepository) GetUpdateTaskStatusCallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.UpdateTaskStatusCalls)
}

func (m *MockPostgresRepository) GetCompleteTaskCallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.CompleteTaskCalls)
}

func (m *MockPostgresRepository) GetFailTaskCallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.FailTaskCalls)
}

func (m *MockPostgresRepository) WasTaskSaved(taskID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.Tasks[taskID]
	return ok
}

func (m *MockPostgresRepository) GetTaskStatus(taskID string) (task.TaskStatus, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.Tasks[taskID]
	if !ok {
		return "", false
	}
	return t.Status, true
}
