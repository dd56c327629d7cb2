// Package queue implements the Redis-backed task queue. It stores every task in a hash,
// orders runnable tasks in a sorted set by schedule time and priority, and mirrors state
// changes into the optional history repository.
package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nadmax/auditq/internal/repository"
	"github.com/nadmax/auditq/internal/task"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
)

const (
	tasksKey     = "tasks"
	queueKey     = "task_queue"
	maxTxRetries = 10

	restoreTimeout = 5 * time.Second
)

var (
	ErrTaskNotFound  = errors.New("task not found")
	ErrTaskCancelled = errors.New("task cancelled")
)

type Queue struct {
	client *redis.Client
	repo   repository.TaskRepository
}

func NewQueue(redisAddr string, repo repository.TaskRepository) (*Queue, error) {
	return NewQueueWithOptions(&redis.Options{Addr: redisAddr}, repo)
}

func NewQueueWithOptions(opts *redis.Options, repo repository.TaskRepository) (*Queue, error) {
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &Queue{
		client: client,
		repo:   repo,
	}, nil
}

func (q *Queue) GetRepository() repository.TaskRepository {
	return q.repo
}

func (q *Queue) Enqueue(ctx context.Context, t *task.Task) error {
	taskJSON, err := t.ToJSON()
	if err != nil {
		return err
	}

	if err := q.client.HSet(ctx, tasksKey, t.ID, taskJSON).Err(); err != nil {
		return err
	}

	if err := q.schedule(ctx, t); err != nil {
		return err
	}

	if q.repo != nil {
		if err := q.repo.SaveTask(ctx, t); err != nil {
			log.WithError(err).WithField("task_id", t.ID).Warn("failed to save task history")
		}
	}

	return nil
}

func (q *Queue) schedule(ctx context.Context, t *task.Task) error {
	invertedPriority := float64(task.HighPriority - t.Priority)
	score := float64(t.ScheduledAt.Unix())*1000 + invertedPriority
	return q.client.ZAdd(ctx, queueKey, redis.Z{
		Score:  score,
		Member: t.ID,
	}).Err()
}

// Dequeue claims the next due task for workerID and marks it running. It
// returns nil when nothing is due.
func (q *Queue) Dequeue(ctx context.Context, workerID string) (*task.Task, error) {
	now := time.Now().Unix()
	maxScore := float64(now)*1000 + float64(task.HighPriority-task.LowPriority)

	results, err := q.client.ZRangeByScoreWithScores(ctx, queueKey, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   fmt.Sprintf("%f", maxScore),
		Count: 1,
	}).Result()
	if err != nil || len(results) == 0 {
		return nil, err
	}

	claimed := results[0]
	taskID, _ := claimed.Member.(string)

	removed, err := q.client.ZRem(ctx, queueKey, taskID).Result()
	if err != nil {
		return nil, err
	}
	if removed == 0 {
		// another worker claimed it first
		return nil, nil
	}

	t, err := q.transition(ctx, taskID, func(t *task.Task) error {
		if t.Status.Terminal() {
			return ErrTaskCancelled
		}
		startedAt := time.Now()
		t.Status = task.RunningStatus
		t.StartedAt = &startedAt
		t.WorkerID = workerID
		return nil
	})
	if errors.Is(err, ErrTaskCancelled) {
		return nil, nil
	}
	if err != nil {
		// put the claim back so the task is not lost
		restoreCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), restoreTimeout)
		defer cancel()
		if zerr := q.client.ZAdd(restoreCtx, queueKey, claimed).Err(); zerr != nil {
			log.WithError(zerr).WithField("task_id", taskID).Error("failed to restore claimed task")
		}
		return nil, err
	}

	if q.repo != nil {
		if err := q.repo.UpdateTaskStatus(ctx, taskID, task.RunningStatus, workerID); err != nil {
			log.WithError(err).WithField("task_id", taskID).Warn("failed to update task history")
		}
	}

	return t, nil
}

func (q *Queue) UpdateTask(ctx context.Context, t *task.Task) error {
	taskJSON, err := t.ToJSON()
	if err != nil {
		return err
	}

	return q.client.HSet(ctx, tasksKey, t.ID, taskJSON).Err()
}

func (q *Queue) GetTask(ctx context.Context, taskID string) (*task.Task, error) {
	taskJSON, err := q.client.HGet(ctx, tasksKey, taskID).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrTaskNotFound
	}
	if err != nil {
		return nil, err
	}

	return task.TaskFromJSON(taskJSON)
}

func (q *Queue) GetAllTasks(ctx context.Context) ([]*task.Task, error) {
	taskMap, err := q.client.HGetAll(ctx, tasksKey).Result()
	if err != nil {
		return nil, err
	}

	tasks := make([]*task.Task, 0, len(taskMap))
	for id, taskJSON := range taskMap {
		t, err := task.TaskFromJSON(taskJSON)
		if err != nil {
			log.WithError(err).WithField("task_id", id).Warn("skipping undecodable task")
			continue
		}
		tasks = append(tasks, t)
	}

	return tasks, nil
}

// Depth returns the number of tasks waiting to be claimed.
func (q *Queue) Depth(ctx context.Context) (int64, error) {
	return q.client.ZCard(ctx, queueKey).Result()
}

// CompleteTask stores the result of a running task. It returns
// ErrTaskCancelled if the task was cancelled while it ran.
func (q *Queue) CompleteTask(ctx context.Context, taskID string, result map[string]any, durationMs int) error {
	_, err := q.transition(ctx, taskID, func(t *task.Task) error {
		if t.Status == task.CancelledStatus {
			return ErrTaskCancelled
		}
		completedAt := time.Now()
		t.Status = task.CompletedStatus
		t.Result = result
		t.Error = ""
		t.CompletedAt = &completedAt
		return nil
	})
	if err != nil {
		return err
	}

	if q.repo != nil {
		return q.repo.CompleteTask(ctx, taskID, result, durationMs)
	}
	return nil
}

func (q *Queue) FailTask(ctx context.Context, taskID string, reason string, durationMs int) error {
	_, err := q.transition(ctx, taskID, func(t *task.Task) error {
		if t.Status == task.CancelledStatus {
			return ErrTaskCancelled
		}
		completedAt := time.Now()
		t.Status = task.FailedStatus
		t.Error = reason
		t.CompletedAt = &completedAt
		return nil
	})
	if err != nil {
		return err
	}

	if q.repo != nil {
		return q.repo.FailTask(ctx, taskID, reason, durationMs)
	}
	return nil
}

// RetryTask puts a failed attempt back in the queue after delay.
func (q *Queue) RetryTask(ctx context.Context, taskID string, reason string, delay time.Duration) (*task.Task, error) {
	t, err := q.transition(ctx, taskID, func(t *task.Task) error {
		if t.Status == task.CancelledStatus {
			return ErrTaskCancelled
		}
		t.RetryCount++
		t.Status = task.PendingStatus
		t.Error = reason
		t.StartedAt = nil
		t.ScheduledAt = time.Now().Add(delay)
		return nil
	})
	if err != nil {
		return nil, err
	}

	if err := q.schedule(ctx, t); err != nil {
		return nil, err
	}

	if q.repo != nil {
		if err := q.repo.IncrementRetryCount(ctx, taskID); err != nil {
			log.WithError(err).WithField("task_id", taskID).Warn("failed to record retry")
		}
	}

	return t, nil
}

// Requeue returns a running task to the queue without spending a retry. It
// is used when a worker shuts down mid-task. A task that already ended
// yields ErrTaskCancelled.
func (q *Queue) Requeue(ctx context.Context, taskID string) (*task.Task, error) {
	t, err := q.transition(ctx, taskID, func(t *task.Task) error {
		if t.Status.Terminal() {
			return ErrTaskCancelled
		}
		t.Status = task.PendingStatus
		t.StartedAt = nil
		t.WorkerID = ""
		t.ScheduledAt = time.Now()
		return nil
	})
	if err != nil {
		return nil, err
	}

	if err := q.schedule(ctx, t); err != nil {
		return nil, err
	}

	if q.repo != nil {
		if err := q.repo.UpdateTaskStatus(ctx, taskID, task.PendingStatus, ""); err != nil {
			log.WithError(err).WithField("task_id", taskID).Warn("failed to update task history")
		}
	}

	return t, nil
}

// CancelTask stops a pending or running task. Terminal tasks are returned
// unchanged.
func (q *Queue) CancelTask(ctx context.Context, taskID string) (*task.Task, error) {
	t, err := q.transition(ctx, taskID, func(t *task.Task) error {
		if t.Status.Terminal() {
			return nil
		}
		completedAt := time.Now()
		t.Status = task.CancelledStatus
		t.CompletedAt = &completedAt
		return nil
	})
	if err != nil {
		return nil, err
	}

	if err := q.client.ZRem(ctx, queueKey, taskID).Err(); err != nil {
		return nil, err
	}

	if q.repo != nil {
		if err := q.repo.CancelTask(ctx, taskID); err != nil {
			log.WithError(err).WithField("task_id", taskID).Warn("failed to record cancellation")
		}
	}

	return t, nil
}

func (q *Queue) LogExecution(ctx context.Context, taskID string, attemptNumber int, status string, durationMs int, msgErr string, workerID string) error {
	if q.repo == nil {
		return nil
	}
	return q.repo.LogExecution(ctx, taskID, attemptNumber, status, durationMs, msgErr, workerID)
}

// transition applies mutate to the stored task under WATCH so that
// concurrent writers (worker completion vs. cancel) cannot lose updates.
func (q *Queue) transition(ctx context.Context, taskID string, mutate func(*task.Task) error) (*task.Task, error) {
	var updated *task.Task

	txf := func(tx *redis.Tx) error {
		data, err := tx.HGet(ctx, tasksKey, taskID).Result()
		if errors.Is(err, redis.Nil) {
			return ErrTaskNotFound
		}
		if err != nil {
			return err
		}

		t, err := task.TaskFromJSON(data)
		if err != nil {
			return err
		}
		if err := mutate(t); err != nil {
			return err
		}

		encoded, err := t.ToJSON()
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, tasksKey, taskID, encoded)
			return nil
		})
		if err == nil {
			updated = t
		}
		return err
	}

	for i := 0; i < maxTxRetries; i++ {
		err := q.client.Watch(ctx, txf, tasksKey)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return updated, err
	}

	return nil, fmt.Errorf("update task %s: too many concurrent writers", taskID)
}

func (q *Queue) Close() error {
	return q.client.Close()
}
