package main

import (
	"context"
	"time"

	"github.com/nadmax/auditq/internal/metrics"
	"github.com/nadmax/auditq/internal/queue"
	"github.com/nadmax/auditq/internal/task"
	log "github.com/sirupsen/logrus"
)

func startMetricsCollector(ctx context.Context, q *queue.Queue, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			updateQueueMetrics(ctx, q)
		}
	}
}

func updateQueueMetrics(ctx context.Context, q *queue.Queue) {
	tasks, err := q.GetAllTasks(ctx)
	if err != nil {
		log.WithError(err).Warn("Failed to get tasks for metrics")
		return
	}

	tasksByStatus := make(map[task.TaskStatus]map[string]int)
	for _, t := range tasks {
		if tasksByStatus[t.Status] == nil {
			tasksByStatus[t.Status] = make(map[string]int)
		}
		tasksByStatus[t.Status][t.Type]++
	}
	metrics.UpdateTaskGauges(tasksByStatus)

	depth, err := q.Depth(ctx)
	if err != nil {
		log.WithError(err).Warn("Failed to read queue depth")
		return
	}
	metrics.UpdateQueueDepth(int(depth))
}
