package handlers

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/nadmax/auditq/internal/task"
	log "github.com/sirupsen/logrus"
)

type ReportPayload struct {
	ReportType string `json:"report_type"`
	StartTime  string `json:"start_time"`
	EndTime    string `json:"end_time"`
	TaskType   string `json:"task_type"`
}

// ReportGenerator summarises task history stored in Postgres. The rows are
// returned as the task result so clients fetch them through the status API.
type ReportGenerator struct {
	db *sql.DB
}

func NewReportGenerator(db *sql.DB) *ReportGenerator {
	return &ReportGenerator{db: db}
}

func (rg *ReportGenerator) Handle(ctx context.Context, t *task.Task) (map[string]any, error) {
	payload, err := parseReportPayload(t.Payload)
	if err != nil {
		return nil, fmt.Errorf("invalid payload: %w", err)
	}

	startTime, endTime, err := parseTimeRange(payload)
	if err != nil {
		return nil, fmt.Errorf("invalid time range: %w", err)
	}

	log.WithFields(log.Fields{
		"task_id":     t.ID,
		"report_type": payload.ReportType,
		"from":        startTime.Format(time.RFC3339),
		"to":          endTime.Format(time.RFC3339),
	}).Info("Generating history report")

	var data [][]string
	switch payload.ReportType {
	case "task_summary":
		data, err = rg.generateTaskSummary(ctx, startTime, endTime)
	case "worker_performance":
		data, err = rg.generateWorkerPerformance(ctx, startTime, endTime)
	case "failure_analysis":
		data, err = rg.generateFailureAnalysis(ctx, startTime, endTime, payload.TaskType)
	default:
		return nil, fmt.Errorf("unsupported report type: %s (available: task_summary, worker_performance, failure_analysis)", payload.ReportType)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to generate report: %w", err)
	}

	return map[string]any{
		"report_type": payload.ReportType,
		"start_time":  startTime.Format(time.RFC3339),
		"end_time":    endTime.Format(time.RFC3339),
		"columns":     data[0],
		"rows":        data[1:],
		"total_rows":  len(data) - 1,
	}, nil
}

func parseReportPayload(payload map[string]any) (*ReportPayload, error) {
	var rp ReportPayload
	if err := decodePayload(payload, &rp); err != nil {
		return nil, err
	}
	if rp.ReportType == "" {
		return nil, errors.New("missing required field: report_type")
	}
	return &rp, nil
}

func parseTimeRange(payload *ReportPayload) (time.Time, time.Time, error) {
	endTime := time.Now()
	if payload.EndTime != "" {
		parsed, err := time.Parse(time.RFC3339, payload.EndTime)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("invalid end_time format: %w", err)
		}
		endTime = parsed
	}

	startTime := endTime.Add(-24 * time.Hour)
	if payload.StartTime != "" {
		parsed, err := time.Parse(time.RFC3339, payload.StartTime)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("invalid start_time format: %w", err)
		}
		startTime = parsed
	}

	if !startTime.Before(endTime) {
		return time.Time{}, time.Time{}, errors.New("start_time must be before end_time")
	}
	return startTime, endTime, nil
}

func (rg *ReportGenerator) generateTaskSummary(ctx context.Context, startTime, endTime time.Time) ([][]string, error) {
	query := `
		SELECT
			type,
			COUNT(*) AS total_tasks,
			COUNT(*) FILTER (WHERE status = 'completed') AS completed,
			COUNT(*) FILTER (WHERE status = 'failed') AS failed,
			COUNT(*) FILTER (WHERE status = 'cancelled') AS cancelled,
			AVG(duration_ms) FILTER (WHERE duration_ms IS NOT NULL) AS avg_duration_ms,
			MAX(duration_ms) AS max_duration_ms,
			ROUND(100.0 * COUNT(*) FILTER (WHERE status = 'completed') / NULLIF(COUNT(*), 0), 2) AS success_rate
		FROM task_history
		WHERE created_at BETWEEN $1 AND $2
		GROUP BY type
		ORDER BY total_tasks DESC
	`

	rows, err := rg.db.QueryContext(ctx, query, startTime, endTime)
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	defer closeRows(rows)

	data := [][]string{
		{"Task Type", "Total", "Completed", "Failed", "Cancelled", "Avg Duration (ms)", "Max Duration (ms)", "Success Rate (%)"},
	}

	for rows.Next() {
		var taskType string
		var total, completed, failed, cancelled int
		var avgDuration, successRate sql.NullFloat64
		var maxDuration sql.NullInt64

		if err := rows.Scan(&taskType, &total, &completed, &failed, &cancelled, &avgDuration, &maxDuration, &successRate); err != nil {
			return nil, fmt.Errorf("scan failed: %w", err)
		}

		data = append(data, []string{
			taskType,
			fmt.Sprintf("%d", total),
			fmt.Sprintf("%d", completed),
			fmt.Sprintf("%d", failed),
			fmt.Sprintf("%d", cancelled),
			formatFloat(avgDuration, 0),
			formatInt64(maxDuration),
			formatFloat(successRate, 2),
		})
	}

	return data, rows.Err()
}

func (rg *ReportGenerator) generateWorkerPerformance(ctx context.Context, startTime, endTime time.Time) ([][]string, error) {
	query := `
		SELECT
			COALESCE(worker_id, 'unknown') AS worker_id,
			COUNT(*) AS attempts,
			COUNT(*) FILTER (WHERE status = 'completed') AS completed,
			COUNT(*) FILTER (WHERE status = 'failed') AS failed,
			AVG(duration_ms) AS avg_duration_ms
		FROM task_execution_log
		WHERE completed_at BETWEEN $1 AND $2
		GROUP BY COALESCE(worker_id, 'unknown')
		ORDER BY attempts DESC
	`

	rows, err := rg.db.QueryContext(ctx, query, startTime, endTime)
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	defer closeRows(rows)

	data := [][]string{
		{"Worker ID", "Attempts", "Completed", "Failed", "Avg Duration (ms)"},
	}

	for rows.Next() {
		var workerID string
		var attempts, completed, failed int
		var avgDuration sql.NullFloat64

		if err := rows.Scan(&workerID, &attempts, &completed, &failed, &avgDuration); err != nil {
			return nil, fmt.Errorf("scan failed: %w", err)
		}

		data = append(data, []string{
			workerID,
			fmt.Sprintf("%d", attempts),
			fmt.Sprintf("%d", completed),
			fmt.Sprintf("%d", failed),
			formatFloat(avgDuration, 0),
		})
	}

	return data, rows.Err()
}

func (rg *ReportGenerator) generateFailureAnalysis(ctx context.Context, startTime, endTime time.Time, taskType string) ([][]string, error) {
	query := `
		SELECT
			type,
			LEFT(COALESCE(failure_reason, 'unknown'), 100) AS reason,
			COUNT(*) AS occurrences,
			MAX(created_at) AS last_occurrence
		FROM task_history
		WHERE created_at BETWEEN $1 AND $2
			AND status = 'failed'
			AND ($3 = '' OR type = $3)
		GROUP BY type, LEFT(COALESCE(failure_reason, 'unknown'), 100)
		ORDER BY occurrences DESC
		LIMIT 50
	`

	rows, err := rg.db.QueryContext(ctx, query, startTime, endTime, taskType)
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	defer closeRows(rows)

	data := [][]string{
		{"Task Type", "Reason", "Occurrences", "Last Occurrence"},
	}

	for rows.Next() {
		var typ, reason string
		var occurrences int
		var lastOccurrence time.Time

		if err := rows.Scan(&typ, &reason, &occurrences, &lastOccurrence); err != nil {
			return nil, fmt.Errorf("scan failed: %w", err)
		}

		data = append(data, []string{
			typ,
			reason,
			fmt.Sprintf("%d", occurrences),
			lastOccurrence.Format("2006-01-02 15:04:05"),
		})
	}

	return data, rows.Err()
}

func closeRows(rows *sql.Rows) {
	if err := rows.Close(); err != nil {
		log.WithError(err).Warn("failed to close rows")
	}
}

func formatFloat(val sql.NullFloat64, precision int) string {
	if !val.Valid {
		return "0"
	}
	return fmt.Sprintf("%.*f", precision, val.Float64)
}

func formatInt64(val sql.NullInt64) string {
	if !val.Valid {
		return "0"
	}
	return fmt.Sprintf("%d", val.Int64)
}
