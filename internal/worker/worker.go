// Package worker provides the background job processor that consumes and executes tasks from the queue.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nadmax/auditq/internal/metrics"
	"github.com/nadmax/auditq/internal/queue"
	"github.com/nadmax/auditq/internal/task"
	log "github.com/sirupsen/logrus"
)

// finalizeTimeout bounds the writes that record a finished attempt.
const finalizeTimeout = 10 * time.Second

// TaskHandler runs one attempt of a task and returns its result payload.
type TaskHandler func(ctx context.Context, t *task.Task) (map[string]any, error)

// Notifier is told about every task that reaches completed or failed.
type Notifier interface {
	Notify(ctx context.Context, t *task.Task) error
}

type Worker struct {
	id             string
	queue          *queue.Queue
	handlers       map[string]TaskHandler
	notifier       Notifier
	pollInterval   time.Duration
	retryDelay     time.Duration
	cancelInterval time.Duration
	stop           chan struct{}
	stopOnce       sync.Once
	done           chan struct{}
}

func NewWorker(id string, q *queue.Queue) *Worker {
	return &Worker{
		id:             id,
		queue:          q,
		handlers:       make(map[string]TaskHandler),
		pollInterval:   time.Second,
		retryDelay:     10 * time.Second,
		cancelInterval: 2 * time.Second,
		stop:           make(chan struct{}),
		done:           make(chan struct{}),
	}
}

func (w *Worker) RegisterHandler(taskType string, handler TaskHandler) {
	w.handlers[taskType] = handler
}

func (w *Worker) SetNotifier(n Notifier) {
	w.notifier = n
}

func (w *Worker) SetPollInterval(d time.Duration) {
	w.pollInterval = d
}

// SetRetryDelay sets the base delay; attempt n is retried after n*d.
func (w *Worker) SetRetryDelay(d time.Duration) {
	w.retryDelay = d
}

// SetCancelCheckInterval sets how often a running task is checked for
// cancellation.
func (w *Worker) SetCancelCheckInterval(d time.Duration) {
	w.cancelInterval = d
}

// Start processes tasks until ctx is done or Stop is called.
func (w *Worker) Start(ctx context.Context) {
	defer close(w.done)

	logger := log.WithField("worker_id", w.id)
	logger.Info("Worker started")
	metrics.WorkersActive.Inc()
	defer metrics.WorkersActive.Dec()

	for {
		select {
		case <-w.stop:
			logger.Info("Worker stopped")
			return
		case <-ctx.Done():
			logger.Info("Worker context done")
			return
		default:
		}

		t, err := w.queue.Dequeue(ctx, w.id)
		if err != nil {
			logger.WithError(err).Warn("Failed to dequeue task")
		}
		if err != nil || t == nil {
			select {
			case <-time.After(w.pollInterval):
			case <-w.stop:
			case <-ctx.Done():
			}
			continue
		}

		w.processTask(ctx, t)
	}
}

// Stop signals the loop to exit and waits for the current task to finish.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() { close(w.stop) })
	<-w.done
}

func (w *Worker) processTask(ctx context.Context, t *task.Task) {
	logger := log.WithFields(log.Fields{
		"worker_id": w.id,
		"task_id":   t.ID,
		"type":      t.Type,
	})
	logger.Info("Processing task")

	if t.StartedAt != nil {
		metrics.RecordTaskWaitTime(t.Type, t.Priority, t.StartedAt.Sub(t.ScheduledAt))
	}

	handler, exists := w.handlers[t.Type]
	if !exists {
		storeCtx, storeCancel := context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
		defer storeCancel()

		reason := fmt.Sprintf("no handler for task type: %s", t.Type)
		if err := w.queue.FailTask(storeCtx, t.ID, reason, 0); err != nil {
			logger.WithError(err).Warn("Failed to update task")
		}
		metrics.RecordTaskFailed(t.Type, 0)
		w.notify(storeCtx, t.ID, logger)
		return
	}

	runCtx, cancel := context.WithCancel(ctx)
	watchDone := make(chan struct{})
	go func() {
		defer close(watchDone)
		w.watchCancellation(runCtx, cancel, t.ID)
	}()

	start := time.Now()
	result, err := handler(runCtx, t)
	duration := time.Since(start)
	cancel()
	<-watchDone

	// state writes must land even when the worker is shutting down
	storeCtx, storeCancel := context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
	defer storeCancel()

	attempt := t.RetryCount + 1
	durationMs := int(duration.Milliseconds())

	if err != nil {
		if ctx.Err() != nil {
			w.requeue(storeCtx, t, logger)
			return
		}
		if logErr := w.queue.LogExecution(storeCtx, t.ID, attempt, string(task.FailedStatus), durationMs, err.Error(), w.id); logErr != nil {
			logger.WithError(logErr).Warn("Failed to log execution")
		}
		w.handleFailure(storeCtx, t, err, duration, logger)
		return
	}

	if logErr := w.queue.LogExecution(storeCtx, t.ID, attempt, string(task.CompletedStatus), durationMs, "", w.id); logErr != nil {
		logger.WithError(logErr).Warn("Failed to log execution")
	}

	switch err := w.queue.CompleteTask(storeCtx, t.ID, result, durationMs); {
	case errors.Is(err, queue.ErrTaskCancelled):
		logger.Info("Task was cancelled while running, result discarded")
		return
	case err != nil:
		logger.WithError(err).Error("Failed to store task result")
		return
	}

	metrics.RecordTaskCompleted(t.Type, duration)
	logger.WithField("duration", duration).Info("Task completed successfully")
	w.notify(storeCtx, t.ID, logger)
}

func (w *Worker) handleFailure(ctx context.Context, t *task.Task, cause error, duration time.Duration, logger *log.Entry) {
	if errors.Is(cause, context.Canceled) {
		logger.Info("Task cancelled while running")
		return
	}

	if t.ShouldRetry() {
		delay := time.Duration(t.RetryCount+1) * w.retryDelay
		switch _, err := w.queue.RetryTask(ctx, t.ID, cause.Error(), delay); {
		case errors.Is(err, queue.ErrTaskCancelled):
			logger.Info("Task cancelled before retry")
		case err != nil:
			logger.WithError(err).Error("Failed to re-enqueue task")
		default:
			metrics.RecordTaskRetried(t.Type)
			logger.WithFields(log.Fields{
				"retry": t.RetryCount + 1,
				"max":   t.MaxRetries,
				"delay": delay,
			}).WithError(cause).Warn("Task failed, will retry")
		}
		return
	}

	switch err := w.queue.FailTask(ctx, t.ID, cause.Error(), int(duration.Milliseconds())); {
	case errors.Is(err, queue.ErrTaskCancelled):
		logger.Info("Task cancelled, failure discarded")
		return
	case err != nil:
		logger.WithError(err).Error("Failed to update failed task")
		return
	}

	metrics.RecordTaskFailed(t.Type, duration)
	logger.WithError(cause).Error("Task failed permanently")
	w.notify(ctx, t.ID, logger)
}

// requeue hands an interrupted task back to the queue so another worker can
// pick it up.
func (w *Worker) requeue(ctx context.Context, t *task.Task, logger *log.Entry) {
	switch _, err := w.queue.Requeue(ctx, t.ID); {
	case errors.Is(err, queue.ErrTaskCancelled):
		logger.Info("Worker shutting down, task already finished")
	case err != nil:
		logger.WithError(err).Error("Failed to requeue interrupted task")
	default:
		logger.Warn("Worker shutting down, task requeued")
	}
}

// watchCancellation cancels the handler context once the stored task is
// marked cancelled.
func (w *Worker) watchCancellation(ctx context.Context, cancel context.CancelFunc, taskID string) {
	ticker := time.NewTicker(w.cancelInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t, err := w.queue.GetTask(ctx, taskID)
			if err != nil {
				continue
			}
			if t.Status == task.CancelledStatus {
				cancel()
				return
			}
		}
	}
}

func (w *Worker) notify(ctx context.Context, taskID string, logger *log.Entry) {
	if w.notifier == nil {
		return
	}

	t, err := w.queue.GetTask(ctx, taskID)
	if err != nil {
		logger.WithError(err).Warn("Failed to load task for notification")
		return
	}
	if err := w.notifier.Notify(ctx, t); err != nil {
		logger.WithError(err).Warn("Failed to send notification")
	}
}
