package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/nadmax/auditq/internal/metrics"
	"github.com/nadmax/auditq/internal/queue"
	"github.com/nadmax/auditq/internal/task"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupQueue(t *testing.T) *queue.Queue {
	mr := miniredis.RunT(t)

	q, err := queue.NewQueue(mr.Addr(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = q.Close() })
	return q
}

func gaugeValue(t *testing.T, g prometheus.Gauge) float64 {
	var m dto.Metric
	require.NoError(t, g.Write(&m))
	return m.GetGauge().GetValue()
}

func TestUpdateQueueMetrics(t *testing.T) {
	q := setupQueue(t)
	ctx := context.Background()

	pending := task.NewTask(task.TypeTechnicalAudit, nil, task.MediumPriority)
	cancelled := task.NewTask(task.TypeContentGeneration, nil, task.MediumPriority)
	require.NoError(t, q.Enqueue(ctx, pending))
	require.NoError(t, q.Enqueue(ctx, cancelled))
	_, err := q.CancelTask(ctx, cancelled.ID)
	require.NoError(t, err)

	updateQueueMetrics(ctx, q)

	assert.Equal(t, 1.0, gaugeValue(t, metrics.QueueDepth))
	assert.Equal(t, 1.0, gaugeValue(t,
		metrics.TasksInQueue.WithLabelValues(string(task.PendingStatus), task.TypeTechnicalAudit)))
	assert.Equal(t, 1.0, gaugeValue(t,
		metrics.TasksInQueue.WithLabelValues(string(task.CancelledStatus), task.TypeContentGeneration)))
}

func TestRouter(t *testing.T) {
	q := setupQueue(t)
	router := newRouter(q)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)

	req = httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, strings.Contains(w.Body.String(), "auditq_http_requests_total"))
}
