package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	"github.com/nadmax/auditq/internal/repository/models"
	"github.com/nadmax/auditq/internal/task"
	log "github.com/sirupsen/logrus"
)

const schema = `
CREATE TABLE IF NOT EXISTS task_history (
	task_id        TEXT PRIMARY KEY,
	type           TEXT NOT NULL,
	payload        JSONB,
	priority       INTEGER NOT NULL DEFAULT 1,
	status         TEXT NOT NULL,
	retry_count    INTEGER NOT NULL DEFAULT 0,
	failure_reason TEXT,
	last_error     TEXT,
	result         JSONB,
	created_at     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	scheduled_at   TIMESTAMPTZ,
	started_at     TIMESTAMPTZ,
	completed_at   TIMESTAMPTZ,
	duration_ms    INTEGER,
	worker_id      TEXT
);

CREATE TABLE IF NOT EXISTS task_execution_log (
	id             BIGSERIAL PRIMARY KEY,
	task_id        TEXT NOT NULL REFERENCES task_history(task_id) ON DELETE CASCADE,
	attempt_number INTEGER NOT NULL,
	status         TEXT NOT NULL,
	completed_at   TIMESTAMPTZ,
	duration_ms    INTEGER,
	error_message  TEXT,
	worker_id      TEXT
);

CREATE INDEX IF NOT EXISTS idx_task_history_created_at ON task_history (created_at DESC);
CREATE INDEX IF NOT EXISTS idx_task_history_type ON task_history (type);
`

type PostgresTaskRepository struct {
	db *sql.DB
}

func NewPostgresTaskRepository(connectionString string) (*PostgresTaskRepository, error) {
	db, err := sql.Open("postgres", connectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping PostgreSQL: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	return &PostgresTaskRepository{db: db}, nil
}

func (r *PostgresTaskRepository) Migrate(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}

	return nil
}

func (r *PostgresTaskRepository) SaveTask(ctx context.Context, t *task.Task) error {
	payload, err := json.Marshal(t.Payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	query := `
		INSERT INTO task_history (
			task_id, type, payload, priority, status,
			retry_count, failure_reason, created_at, scheduled_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (task_id) DO UPDATE SET
			status = EXCLUDED.status,
			retry_count = EXCLUDED.retry_count,
			failure_reason = EXCLUDED.failure_reason,
			scheduled_at = EXCLUDED.scheduled_at
	`

	var scheduledAt any
	if !t.ScheduledAt.IsZero() {
		scheduledAt = t.ScheduledAt
	}

	_, err = r.db.ExecContext(
		ctx,
		query,
		t.ID,
		t.Type,
		payload,
		t.Priority,
		t.Status,
		t.RetryCount,
		t.Error,
		t.CreatedAt,
		scheduledAt,
	)

	return err
}

func (r *PostgresTaskRepository) UpdateTaskStatus(ctx context.Context, taskID string, status task.TaskStatus, workerID string) error {
	statusStr := string(status)
	query := `
		UPDATE task_history
		SET status = $1,
		    started_at = CASE WHEN $4::text = 'running' THEN NOW() ELSE started_at END,
		    worker_id = $2
		WHERE task_id = $3
	`

	_, err := r.db.ExecContext(ctx, query, statusStr, workerID, taskID, statusStr)
	return err
}

func (r *PostgresTaskRepository) CompleteTask(ctx context.Context, taskID string, result map[string]any, durationMs int) error {
	var resultJSON any
	if result != nil {
		data, err := json.Marshal(result)
		if err != nil {
			return fmt.Errorf("failed to marshal result: %w", err)
		}
		resultJSON = data
	}

	query := `
		UPDATE task_history
		SET status = 'completed',
		    completed_at = NOW(),
		    result = $1,
		    duration_ms = $2
		WHERE task_id = $3
	`
	_, err := r.db.ExecContext(ctx, query, resultJSON, durationMs, taskID)

	return err
}

func (r *PostgresTaskRepository) FailTask(ctx context.Context, taskID string, reason string, durationMs int) error {
	query := `
		UPDATE task_history
		SET status = 'failed',
		    completed_at = NOW(),
		    failure_reason = $1,
		    duration_ms = $2,
		    last_error = $1
		WHERE task_id = $3
	`
	_, err := r.db.ExecContext(ctx, query, reason, durationMs, taskID)

	return err
}

func (r *PostgresTaskRepository) CancelTask(ctx context.Context, taskID string) error {
	query := `
		UPDATE task_history
		SET status = 'cancelled',
		    completed_at = NOW()
		WHERE task_id = $1 AND status IN ('pending', 'running')
	`
	_, err := r.db.ExecContext(ctx, query, taskID)

	return err
}

func (r *PostgresTaskRepository) IncrementRetryCount(ctx context.Context, taskID string) error {
	query := `
		UPDATE task_history
		SET retry_count = retry_count + 1
		WHERE task_id = $1
	`
	_, err := r.db.ExecContext(ctx, query, taskID)

	return err
}

func (r *PostgresTaskRepository) LogExecution(ctx context.Context, taskID string, attemptNumber int, status string, durationMs int, msgErr string, workerID string) error {
	query := `
		INSERT INTO task_execution_log (
			task_id, attempt_number, status, completed_at,
			duration_ms, error_message, worker_id
		) VALUES ($1, $2, $3, NOW(), $4, $5, $6)
	`

	var durationMsVal any
	if durationMs != 0 {
		durationMsVal = durationMs
	}

	var msgErrVal any
	if msgErr != "" {
		msgErrVal = msgErr
	}

	_, err := r.db.ExecContext(
		ctx,
		query,
		taskID,
		attemptNumber,
		status,
		durationMsVal,
		msgErrVal,
		workerID,
	)

	return err
}

func (r *PostgresTaskRepository) GetTaskStats(ctx context.Context, hours int) ([]models.TaskStats, error) {
	query := `
		SELECT
			type, status, COUNT(*) as count,
			COALESCE(AVG(duration_ms), 0) as avg_duration_ms,
			COALESCE(MAX(duration_ms), 0) as max_duration_ms,
			COALESCE(MIN(duration_ms), 0) as min_duration_ms,
			COALESCE(AVG(retry_count), 0) as avg_retries
		FROM task_history
		WHERE created_at > NOW() - INTERVAL '1 hour' * $1
		GROUP BY type, status
		ORDER BY type, status
	`
	rows, err := r.db.QueryContext(ctx, query, hours)
	if err != nil {
		return nil, err
	}
	defer closeRows(rows)

	var stats []models.TaskStats
	for rows.Next() {
		var s models.TaskStats
		if err := rows.Scan(
			&s.Type,
			&s.Status,
			&s.Count,
			&s.AvgDurationMs,
			&s.MaxDurationMs,
			&s.MinDurationMs,
			&s.AvgRetries,
		); err != nil {
			return nil, err
		}

		stats = append(stats, s)
	}

	return stats, rows.Err()
}

func (r *PostgresTaskRepository) GetRecentTasks(ctx context.Context, limit int) ([]models.RecentTask, error) {
	query := `
		SELECT
			task_id, type, status, created_at, completed_at,
			duration_ms, retry_count, COALESCE(failure_reason, '')
		FROM task_history
		ORDER BY created_at DESC
		LIMIT $1
	`
	rows, err := r.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer closeRows(rows)

	return scanRecentTasks(rows)
}

func (r *PostgresTaskRepository) GetTasksByType(ctx context.Context, taskType string, limit int) ([]models.RecentTask, error) {
	query := `
		SELECT
			task_id, type, status, created_at, completed_at,
			duration_ms, retry_count, COALESCE(failure_reason, '')
		FROM task_history
		WHERE type = $1
		ORDER BY created_at DESC
		LIMIT $2
	`
	rows, err := r.db.QueryContext(ctx, query, taskType, limit)
	if err != nil {
		return nil, err
	}
	defer closeRows(rows)

	return scanRecentTasks(rows)
}

func (r *PostgresTaskRepository) GetTaskHistory(ctx context.Context, taskID string) ([]models.ExecutionEntry, error) {
	query := `
		SELECT
			attempt_number, status, completed_at,
			duration_ms, error_message, worker_id
		FROM task_execution_log
		WHERE task_id = $1
		ORDER BY attempt_number ASC
	`
	rows, err := r.db.QueryContext(ctx, query, taskID)
	if err != nil {
		return nil, err
	}
	defer closeRows(rows)

	var history []models.ExecutionEntry
	for rows.Next() {
		var entry models.ExecutionEntry
		var completedAt sql.NullTime
		var durationMs sql.NullInt64
		var msgErr, workerID sql.NullString

		if err := rows.Scan(
			&entry.AttemptNumber,
			&entry.Status,
			&completedAt,
			&durationMs,
			&msgErr,
			&workerID,
		); err != nil {
			return nil, err
		}

		if completedAt.Valid {
			entry.CompletedAt = &completedAt.Time
		}
		if durationMs.Valid {
			entry.DurationMs = &durationMs.Int64
		}
		entry.ErrorMessage = msgErr.String
		entry.WorkerID = workerID.String

		history = append(history, entry)
	}

	return history, rows.Err()
}

func (r *PostgresTaskRepository) DB() *sql.DB {
	return r.db
}

func (r *PostgresTaskRepository) Close() error {
	return r.db.Close()
}

func scanRecentTasks(rows *sql.Rows) ([]models.RecentTask, error) {
	var tasks []models.RecentTask
	for rows.Next() {
		var t models.RecentTask
		if err := rows.Scan(
			&t.TaskID,
			&t.Type,
			&t.Status,
			&t.CreatedAt,
			&t.CompletedAt,
			&t.DurationMs,
			&t.RetryCount,
			&t.FailureReason,
		); err != nil {
			return nil, err
		}

		tasks = append(tasks, t)
	}

	return tasks, rows.Err()
}

func closeRows(rows *sql.Rows) {
	if err := rows.Close(); err != nil {
		log.WithError(err).Warn("failed to close rows")
	}
}
