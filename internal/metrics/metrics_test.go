package metrics

import (
	"testing"
	"time"

	"github.com/nadmax/auditq/internal/task"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordTaskEnqueued(t *testing.T) {
	TasksEnqueued.Reset()

	tests := []struct {
		name     string
		taskType string
		priority task.TaskPriority
	}{
		{
			name:     "high priority audit",
			taskType: task.TypeTechnicalAudit,
			priority: task.HighPriority,
		},
		{
			name:     "medium priority generation",
			taskType: task.TypeContentGeneration,
			priority: task.MediumPriority,
		},
		{
			name:     "low priority audit",
			taskType: task.TypeTechnicalAudit,
			priority: task.LowPriority,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			RecordTaskEnqueued(tt.taskType, tt.priority)

			metric := getCounterValue(t, TasksEnqueued, tt.taskType, tt.priority.String())
			assert.Equal(t, 1.0, metric)
		})
	}
}

func TestRecordTaskCompleted(t *testing.T) {
	TasksCompleted.Reset()
	TaskDuration.Reset()

	RecordTaskCompleted(task.TypeTechnicalAudit, 2*time.Second)

	assert.Equal(t, 1.0, getCounterValue(t, TasksCompleted, task.TypeTechnicalAudit))
	assert.Equal(t, 2.0, getHistogramSum(t, TaskDuration, task.TypeTechnicalAudit, "completed"))
}

func TestRecordTaskFailed(t *testing.T) {
	TasksFailed.Reset()
	TaskDuration.Reset()

	RecordTaskFailed(task.TypeContentGeneration, 500*time.Millisecond)

	assert.Equal(t, 1.0, getCounterValue(t, TasksFailed, task.TypeContentGeneration))
	assert.Equal(t, 0.5, getHistogramSum(t, TaskDuration, task.TypeContentGeneration, "failed"))
}

func TestRecordTaskRetried(t *testing.T) {
	TasksRetried.Reset()

	RecordTaskRetried("retry-task")

	assert.Equal(t, 1.0, getCounterValue(t, TasksRetried, "retry-task"))
}

func TestRecordTaskCancelled(t *testing.T) {
	TasksCancelled.Reset()

	RecordTaskCancelled(task.TypeTechnicalAudit)
	RecordTaskCancelled(task.TypeTechnicalAudit)

	assert.Equal(t, 2.0, getCounterValue(t, TasksCancelled, task.TypeTechnicalAudit))
}

func TestRecordStatusCheck(t *testing.T) {
	StatusChecks.Reset()

	RecordStatusCheck(task.WireProcessing)
	RecordStatusCheck(task.WireProcessing)
	RecordStatusCheck(task.WireCompleted)

	assert.Equal(t, 2.0, getCounterValue(t, StatusChecks, task.WireProcessing))
	assert.Equal(t, 1.0, getCounterValue(t, StatusChecks, task.WireCompleted))
}

func TestRecordTaskWaitTime(t *testing.T) {
	TaskWaitTime.Reset()

	tests := []struct {
		name     string
		taskType string
		priority task.TaskPriority
		waitTime time.Duration
	}{
		{
			name:     "short wait",
			taskType: "fast-task",
			priority: task.HighPriority,
			waitTime: 100 * time.Millisecond,
		},
		{
			name:     "long wait",
			taskType: "slow-task",
			priority: task.LowPriority,
			waitTime: 30 * time.Second,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			RecordTaskWaitTime(tt.taskType, tt.priority, tt.waitTime)

			sum := getHistogramSum(t, TaskWaitTime, tt.taskType, tt.priority.String())
			assert.Equal(t, tt.waitTime.Seconds(), sum)
		})
	}
}

func TestUpdateTaskGauges(t *testing.T) {
	TasksInQueue.Reset()

	UpdateTaskGauges(map[task.TaskStatus]map[string]int{
		task.PendingStatus: {
			task.TypeTechnicalAudit:    5,
			task.TypeContentGeneration: 3,
		},
		task.RunningStatus: {
			task.TypeTechnicalAudit: 2,
		},
		task.CancelledStatus: {
			task.TypeContentGeneration: 1,
		},
	})

	assert.Equal(t, 5.0, getGaugeValue(t, TasksInQueue, string(task.PendingStatus), task.TypeTechnicalAudit))
	assert.Equal(t, 3.0, getGaugeValue(t, TasksInQueue, string(task.PendingStatus), task.TypeContentGeneration))
	assert.Equal(t, 2.0, getGaugeValue(t, TasksInQueue, string(task.RunningStatus), task.TypeTechnicalAudit))
	assert.Equal(t, 1.0, getGaugeValue(t, TasksInQueue, string(task.CancelledStatus), task.TypeContentGeneration))
}

func TestUpdateTaskGauges_Reset(t *testing.T) {
	TasksInQueue.Reset()

	UpdateTaskGauges(map[task.TaskStatus]map[string]int{
		task.PendingStatus: {"task1": 5},
	})
	UpdateTaskGauges(map[task.TaskStatus]map[string]int{
		task.PendingStatus: {"task2": 3},
	})

	assert.Equal(t, 3.0, getGaugeValue(t, TasksInQueue, string(task.PendingStatus), "task2"))
	assert.Equal(t, 0.0, getGaugeValue(t, TasksInQueue, string(task.PendingStatus), "task1"))
}

func TestUpdateQueueDepth(t *testing.T) {
	for _, depth := range []int{0, 10, 100, 1000} {
		UpdateQueueDepth(depth)

		metric := &dto.Metric{}
		require.NoError(t, QueueDepth.Write(metric))
		assert.Equal(t, float64(depth), metric.Gauge.GetValue())
	}
}

func TestUpdateActiveWorkers(t *testing.T) {
	for _, count := range []int{0, 1, 5, 10, 20} {
		UpdateActiveWorkers(count)

		metric := &dto.Metric{}
		require.NoError(t, WorkersActive.Write(metric))
		assert.Equal(t, float64(count), metric.Gauge.GetValue())
	}
}

func TestRecordHTTPRequest(t *testing.T) {
	HTTPRequestsTotal.Reset()
	HTTPRequestDuration.Reset()

	tests := []struct {
		name     string
		method   string
		endpoint string
		status   string
		duration time.Duration
	}{
		{
			name:     "status poll",
			method:   "GET",
			endpoint: "/api/tasks/:id/status",
			status:   "200",
			duration: 50 * time.Millisecond,
		},
		{
			name:     "failed launch",
			method:   "POST",
			endpoint: "/api/audits/technical",
			status:   "500",
			duration: 100 * time.Millisecond,
		},
		{
			name:     "not found",
			method:   "GET",
			endpoint: "/unknown",
			status:   "404",
			duration: 10 * time.Millisecond,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			RecordHTTPRequest(tt.method, tt.endpoint, tt.status, tt.duration)

			assert.Equal(t, 1.0, getCounterValue(t, HTTPRequestsTotal, tt.method, tt.endpoint, tt.status))
			assert.InDelta(t, tt.duration.Seconds(), getHistogramSum(t, HTTPRequestDuration, tt.method, tt.endpoint), 1e-9)
		})
	}
}

func TestTaskDurationHistogramBuckets(t *testing.T) {
	TaskDuration.Reset()

	durations := []time.Duration{
		100 * time.Millisecond,
		1 * time.Second,
		30 * time.Second,
		5 * time.Minute,
		25 * time.Minute,
	}

	for _, d := range durations {
		RecordTaskCompleted("bucket-test", d)
	}

	metric := getHistogramMetric(t, TaskDuration, "bucket-test", "completed")
	assert.Equal(t, uint64(len(durations)), metric.Histogram.GetSampleCount())
}

func getCounterValue(t *testing.T, counter *prometheus.CounterVec, labels ...string) float64 {
	metric := &dto.Metric{}
	c, err := counter.GetMetricWithLabelValues(labels...)
	require.NoError(t, err)

	require.NoError(t, c.Write(metric))
	return metric.Counter.GetValue()
}

func getGaugeValue(t *testing.T, gauge *prometheus.GaugeVec, labels ...string) float64 {
	metric := &dto.Metric{}
	g, err := gauge.GetMetricWithLabelValues(labels...)
	require.NoError(t, err)

	require.NoError(t, g.Write(metric))
	return metric.Gauge.GetValue()
}

func getHistogramSum(t *testing.T, histogram *prometheus.HistogramVec, labels ...string) float64 {
	return getHistogramMetric(t, histogram, labels...).Histogram.GetSampleSum()
}

func getHistogramMetric(t *testing.T, histogram *prometheus.HistogramVec, labels ...string) *dto.Metric {
	metric := &dto.Metric{}
	observer, err := histogram.GetMetricWithLabelValues(labels...)
	require.NoError(t, err)

	h := observer.(prometheus.Histogram)
	require.NoError(t, h.Write(metric))
	return metric
}
