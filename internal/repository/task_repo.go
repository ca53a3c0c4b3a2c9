package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/aurea-ops/orchestrator/internal/domain"
	"github.com/aurea-ops/orchestrator/internal/service"
)

type taskRepository struct {
	db  *sql.DB
	sql sqlExecutor
}

func NewTaskRepository(db *sql.DB) service.TaskRepository {
	return &taskRepository{db: db, sql: db}
}

const taskColumns = `
	id, type, payload, priority, status, retry_count, max_retries,
	idempotency_key, trace_id, provider, est_cost_usd, enqueued_at,
	started_at, completed_at, last_error, lease_deadline
`

func (r *taskRepository) CreateIdempotent(ctx context.Context, task *service.Task) (bool, error) {
	query := `
		INSERT INTO tasks (
			id, type, payload, priority, status, retry_count, max_retries,
			idempotency_key, trace_id, provider, est_cost_usd, enqueued_at
		) VALUES ($1, $2, $3, $4, $5, 0, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (idempotency_key) WHERE idempotency_key IS NOT NULL DO NOTHING
		RETURNING id
	`
	var id string
	err := scanSingleRow(ctx, r.sql, query, []any{
		task.ID,
		task.Type,
		[]byte(task.Payload),
		task.Priority,
		task.Status,
		task.MaxRetries,
		task.IdempotencyKey,
		task.TraceID,
		nullableString(task.Provider),
		task.EstCostUSD,
		task.EnqueuedAt,
	}, &id)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (r *taskRepository) GetByID(ctx context.Context, id string) (*service.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE id = $1`
	return r.getOne(ctx, query, id)
}

func (r *taskRepository) GetByIdempotencyKey(ctx context.Context, key string) (*service.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE idempotency_key = $1`
	return r.getOne(ctx, query, key)
}

func (r *taskRepository) getOne(ctx context.Context, query string, arg any) (*service.Task, error) {
	task, err := scanTask(r.sql.QueryRowContext(ctx, query, arg))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return task, nil
}

func (r *taskRepository) StartRun(ctx context.Context, taskID string, leaseDeadline, now time.Time) (*service.Task, *service.Run, error) {
	var task *service.Task
	var run *service.Run
	err := withTx(ctx, r.db, func(tx *sql.Tx) error {
		query := `
			UPDATE tasks
			SET status = $2, started_at = $3, lease_deadline = $4, updated_at = NOW()
			WHERE id = $1 AND status = $5
			RETURNING ` + taskColumns
		t, err := scanTask(tx.QueryRowContext(ctx, query,
			taskID, domain.TaskStatusRunning, now, leaseDeadline, domain.TaskStatusQueued))
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}

		run = &service.Run{
			ID:        uuid.NewString(),
			TaskID:    taskID,
			Attempt:   t.RetryCount + 1,
			Status:    domain.RunStatusStarted,
			StartedAt: now,
		}
		insert := `
			INSERT INTO runs (id, task_id, attempt, status, started_at)
			VALUES ($1, $2, $3, $4, $5)
		`
		if _, err := tx.ExecContext(ctx, insert,
			run.ID, run.TaskID, run.Attempt, run.Status, run.StartedAt); err != nil {
			return err
		}
		task = t
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	if task == nil {
		return nil, nil, nil
	}
	return task, run, nil
}

func (r *taskRepository) RefreshLeaseDeadline(ctx context.Context, taskID string, deadline time.Time) error {
	query := `
		UPDATE tasks
		SET lease_deadline = $2, updated_at = NOW()
		WHERE id = $1 AND status = $3
	`
	_, err := r.sql.ExecContext(ctx, query, taskID, deadline, domain.TaskStatusRunning)
	return err
}

func (r *taskRepository) FinalizeSuccess(ctx context.Context, params service.FinalizeSuccessParams) error {
	return withTx(ctx, r.db, func(tx *sql.Tx) error {
		runQuery := `
			UPDATE runs
			SET status = $2, ended_at = $3, model_used = $4, tokens = $5, cost_usd = $6
			WHERE id = $1 AND status = $7
		`
		res, err := tx.ExecContext(ctx, runQuery,
			params.RunID, domain.RunStatusSuccess, params.EndedAt,
			nullableString(params.Model), params.Tokens, params.CostUSD,
			domain.RunStatusStarted)
		if err != nil {
			return err
		}
		if n, err := res.RowsAffected(); err != nil {
			return err
		} else if n == 0 {
			return fmt.Errorf("run %s is no longer active", params.RunID)
		}

		taskQuery := `
			UPDATE tasks
			SET status = $2, completed_at = $3, last_error = NULL,
				lease_deadline = NULL, updated_at = NOW()
			WHERE id = $1 AND status = $4
		`
		res, err = tx.ExecContext(ctx, taskQuery,
			params.TaskID, domain.TaskStatusDone, params.EndedAt, domain.TaskStatusRunning)
		if err != nil {
			return err
		}
		if n, err := res.RowsAffected(); err != nil {
			return err
		} else if n == 0 {
			return fmt.Errorf("task %s is not running", params.TaskID)
		}

		for _, entry := range params.Outbox {
			insert := `
				INSERT INTO outbox_entries (
					id, task_id, effect_type, target, payload, status,
					retry_count, max_retries, created_at
				) VALUES ($1, $2, $3, $4, $5, $6, 0, $7, $8)
			`
			if _, err := tx.ExecContext(ctx, insert,
				entry.ID, entry.TaskID, entry.EffectType, entry.Target,
				[]byte(entry.Payload), entry.Status, entry.MaxRetries, entry.CreatedAt); err != nil {
				return err
			}
		}
		return nil
	})
}

func (r *taskRepository) RecordRetryableFailure(ctx context.Context, taskID, runID, runStatus, lastError string, now time.Time) (int, error) {
	var retryCount int
	err := withTx(ctx, r.db, func(tx *sql.Tx) error {
		runQuery := `
			UPDATE runs
			SET status = $2, ended_at = $3, error_details = $4
			WHERE id = $1 AND status = $5
		`
		if _, err := tx.ExecContext(ctx, runQuery,
			runID, runStatus, now, lastError, domain.RunStatusStarted); err != nil {
			return err
		}

		taskQuery := `
			UPDATE tasks
			SET status = $2, retry_count = retry_count + 1, last_error = $3,
				started_at = NULL, lease_deadline = NULL, updated_at = NOW()
			WHERE id = $1 AND status = $4
			RETURNING retry_count
		`
		return tx.QueryRowContext(ctx, taskQuery,
			taskID, domain.TaskStatusQueued, lastError, domain.TaskStatusRunning).Scan(&retryCount)
	})
	if err != nil {
		return 0, err
	}
	return retryCount, nil
}

func (r *taskRepository) FinalizeTerminal(ctx context.Context, taskID, runID, runStatus, lastError string, now time.Time) error {
	return withTx(ctx, r.db, func(tx *sql.Tx) error {
		if runID != "" {
			runQuery := `
				UPDATE runs
				SET status = $2, ended_at = $3, error_details = $4
				WHERE id = $1 AND status = $5
			`
			if _, err := tx.ExecContext(ctx, runQuery,
				runID, runStatus, now, lastError, domain.RunStatusStarted); err != nil {
				return err
			}
		}
		taskQuery := `
			UPDATE tasks
			SET status = $2, completed_at = $3, last_error = $4,
				started_at = NULL, lease_deadline = NULL, updated_at = NOW()
			WHERE id = $1 AND status IN ($5, $6)
		`
		_, err := tx.ExecContext(ctx, taskQuery,
			taskID, domain.TaskStatusFailed, now, lastError,
			domain.TaskStatusRunning, domain.TaskStatusQueued)
		return err
	})
}

func (r *taskRepository) MarkRunStatus(ctx context.Context, runID, status, errDetails string, now time.Time) error {
	query := `
		UPDATE runs
		SET status = $2, ended_at = $3, error_details = $4
		WHERE id = $1 AND status = $5
	`
	_, err := r.sql.ExecContext(ctx, query, runID, status, now, errDetails, domain.RunStatusStarted)
	return err
}

func (r *taskRepository) RequeueRunning(ctx context.Context, taskID, runID string, now time.Time) (bool, error) {
	var ok bool
	err := withTx(ctx, r.db, func(tx *sql.Tx) error {
		runQuery := `
			UPDATE runs
			SET status = $2, ended_at = $3
			WHERE id = $1 AND status = $4
		`
		if _, err := tx.ExecContext(ctx, runQuery,
			runID, domain.RunStatusCanceled, now, domain.RunStatusStarted); err != nil {
			return err
		}
		taskQuery := `
			UPDATE tasks
			SET status = $2, started_at = NULL, lease_deadline = NULL, updated_at = NOW()
			WHERE id = $1 AND status = $3
		`
		res, err := tx.ExecContext(ctx, taskQuery,
			taskID, domain.TaskStatusQueued, domain.TaskStatusRunning)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		ok = n > 0
		return nil
	})
	return ok, err
}

func (r *taskRepository) ListExpiredLeases(ctx context.Context, now time.Time, limit int) ([]*service.Task, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT ` + taskColumns + `
		FROM tasks
		WHERE status = $1 AND lease_deadline IS NOT NULL AND lease_deadline < $2
		ORDER BY lease_deadline ASC
		LIMIT $3
	`
	rows, err := r.sql.QueryContext(ctx, query, domain.TaskStatusRunning, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTasks(rows)
}

func (r *taskRepository) RequeueExpired(ctx context.Context, taskID, lastError string, now time.Time) (int, error) {
	var retryCount int
	err := withTx(ctx, r.db, func(tx *sql.Tx) error {
		// Close whatever run is still open for the task; its worker is gone.
		runQuery := `
			UPDATE runs
			SET status = $2, ended_at = $3, error_details = $4
			WHERE task_id = $1 AND status = $5
		`
		if _, err := tx.ExecContext(ctx, runQuery,
			taskID, domain.RunStatusTimeout, now, lastError, domain.RunStatusStarted); err != nil {
			return err
		}
		taskQuery := `
			UPDATE tasks
			SET status = $2, retry_count = retry_count + 1, last_error = $3,
				started_at = NULL, lease_deadline = NULL, updated_at = NOW()
			WHERE id = $1 AND status = $4
			RETURNING retry_count
		`
		return tx.QueryRowContext(ctx, taskQuery,
			taskID, domain.TaskStatusQueued, lastError, domain.TaskStatusRunning).Scan(&retryCount)
	})
	if err != nil {
		return 0, err
	}
	return retryCount, nil
}

func (r *taskRepository) CancelQueued(ctx context.Context, taskID string, now time.Time) (bool, error) {
	query := `
		UPDATE tasks
		SET status = $2, completed_at = $3, updated_at = NOW()
		WHERE id = $1 AND status = $4
	`
	res, err := r.sql.ExecContext(ctx, query,
		taskID, domain.TaskStatusCanceled, now, domain.TaskStatusQueued)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

func (r *taskRepository) RequeueFromDLQ(ctx context.Context, taskID string, priority int, now time.Time) (bool, error) {
	query := `
		UPDATE tasks
		SET status = $2, retry_count = 0, priority = $3, last_error = NULL,
			completed_at = NULL, enqueued_at = $4, updated_at = NOW()
		WHERE id = $1 AND status = $5
	`
	res, err := r.sql.ExecContext(ctx, query,
		taskID, domain.TaskStatusQueued, priority, now, domain.TaskStatusFailed)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

func (r *taskRepository) ListByStatus(ctx context.Context, status string, limit int) ([]*service.Task, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `
		SELECT ` + taskColumns + `
		FROM tasks
		WHERE status = $1
		ORDER BY enqueued_at DESC
		LIMIT $2
	`
	rows, err := r.sql.QueryContext(ctx, query, status, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTasks(rows)
}

func (r *taskRepository) CountByStatus(ctx context.Context) (map[string]int64, error) {
	query := `SELECT status, COUNT(*) FROM tasks GROUP BY status`
	rows, err := r.sql.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]int64)
	for rows.Next() {
		var status string
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		out[status] = count
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*service.Task, error) {
	task := &service.Task{}
	var payload []byte
	var idempotencyKey sql.NullString
	var provider sql.NullString
	var startedAt, completedAt, leaseDeadline sql.NullTime
	var lastError sql.NullString
	err := row.Scan(
		&task.ID,
		&task.Type,
		&payload,
		&task.Priority,
		&task.Status,
		&task.RetryCount,
		&task.MaxRetries,
		&idempotencyKey,
		&task.TraceID,
		&provider,
		&task.EstCostUSD,
		&task.EnqueuedAt,
		&startedAt,
		&completedAt,
		&lastError,
		&leaseDeadline,
	)
	if err != nil {
		return nil, err
	}
	task.Payload = payload
	if idempotencyKey.Valid {
		v := idempotencyKey.String
		task.IdempotencyKey = &v
	}
	if provider.Valid {
		task.Provider = provider.String
	}
	if startedAt.Valid {
		v := startedAt.Time
		task.StartedAt = &v
	}
	if completedAt.Valid {
		v := completedAt.Time
		task.CompletedAt = &v
	}
	if lastError.Valid {
		v := lastError.String
		task.LastError = &v
	}
	if leaseDeadline.Valid {
		v := leaseDeadline.Time
		task.LeaseDeadline = &v
	}
	return task, nil
}

func scanTasks(rows *sql.Rows) ([]*service.Task, error) {
	var out []*service.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, task)
	}
	return out, rows.Err()
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
