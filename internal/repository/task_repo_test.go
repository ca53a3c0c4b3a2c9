package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"

	"github.com/aurea-ops/orchestrator/internal/domain"
	"github.com/aurea-ops/orchestrator/internal/service"
)

func newMockTaskRepo(t *testing.T) (service.TaskRepository, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewTaskRepository(db), mock
}

func sampleTask() *service.Task {
	key := "order-42"
	return &service.Task{
		ID:             "3f0e8a2e-0000-0000-0000-000000000001",
		Type:           domain.TaskTypeGenContent,
		Payload:        json.RawMessage(`{"prompt":"hi"}`),
		Priority:       domain.PriorityNormal,
		Status:         domain.TaskStatusQueued,
		MaxRetries:     3,
		IdempotencyKey: &key,
		TraceID:        "trace-1",
		Provider:       domain.ProviderAnthropic,
		EstCostUSD:     0.10,
		EnqueuedAt:     time.Now(),
	}
}

func taskRowColumns() []string {
	return []string{
		"id", "type", "payload", "priority", "status", "retry_count", "max_retries",
		"idempotency_key", "trace_id", "provider", "est_cost_usd", "enqueued_at",
		"started_at", "completed_at", "last_error", "lease_deadline",
	}
}

func taskRow(task *service.Task) *sqlmock.Rows {
	var key any
	if task.IdempotencyKey != nil {
		key = *task.IdempotencyKey
	}
	return sqlmock.NewRows(taskRowColumns()).AddRow(
		task.ID, task.Type, []byte(task.Payload), task.Priority, task.Status,
		task.RetryCount, task.MaxRetries, key, task.TraceID,
		task.Provider, task.EstCostUSD, task.EnqueuedAt,
		nil, nil, nil, nil,
	)
}

func TestTaskRepo_CreateIdempotent_Inserts(t *testing.T) {
	repo, mock := newMockTaskRepo(t)
	task := sampleTask()

	mock.ExpectQuery("INSERT INTO tasks").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(task.ID))

	created, err := repo.CreateIdempotent(context.Background(), task)
	require.NoError(t, err)
	require.True(t, created)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTaskRepo_CreateIdempotent_ConflictReturnsFalse(t *testing.T) {
	repo, mock := newMockTaskRepo(t)

	// ON CONFLICT DO NOTHING yields no RETURNING row for a duplicate key.
	mock.ExpectQuery("INSERT INTO tasks").
		WillReturnError(sql.ErrNoRows)

	created, err := repo.CreateIdempotent(context.Background(), sampleTask())
	require.NoError(t, err)
	require.False(t, created)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTaskRepo_GetByID_NotFoundIsNil(t *testing.T) {
	repo, mock := newMockTaskRepo(t)

	mock.ExpectQuery("SELECT (.+) FROM tasks WHERE id").
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)

	task, err := repo.GetByID(context.Background(), "missing")
	require.NoError(t, err)
	require.Nil(t, task)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTaskRepo_StartRun_ClaimsQueuedTask(t *testing.T) {
	repo, mock := newMockTaskRepo(t)
	stored := sampleTask()
	stored.Status = domain.TaskStatusRunning
	stored.RetryCount = 1

	mock.ExpectBegin()
	mock.ExpectQuery("UPDATE tasks").
		WillReturnRows(taskRow(stored))
	mock.ExpectExec("INSERT INTO runs").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	task, run, err := repo.StartRun(context.Background(), stored.ID, time.Now().Add(time.Minute), time.Now())
	require.NoError(t, err)
	require.NotNil(t, task)
	require.Equal(t, domain.TaskStatusRunning, task.Status)
	require.NotNil(t, run)
	// Attempt numbering follows the stored retry count.
	require.Equal(t, 2, run.Attempt)
	require.Equal(t, domain.RunStatusStarted, run.Status)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTaskRepo_StartRun_NotQueuedReturnsNil(t *testing.T) {
	repo, mock := newMockTaskRepo(t)

	mock.ExpectBegin()
	mock.ExpectQuery("UPDATE tasks").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectCommit()

	task, run, err := repo.StartRun(context.Background(), "t1", time.Now().Add(time.Minute), time.Now())
	require.NoError(t, err)
	require.Nil(t, task)
	require.Nil(t, run)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTaskRepo_FinalizeSuccess_StaleRunRollsBack(t *testing.T) {
	repo, mock := newMockTaskRepo(t)

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE runs").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := repo.FinalizeSuccess(context.Background(), service.FinalizeSuccessParams{
		TaskID:  "t1",
		RunID:   "r1",
		EndedAt: time.Now(),
	})
	require.Error(t, err)
	require.Contains(t, err.Error(), "no longer active")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTaskRepo_FinalizeSuccess_WritesOutboxInSameTx(t *testing.T) {
	repo, mock := newMockTaskRepo(t)
	now := time.Now()

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE runs").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE tasks").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO outbox_entries").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := repo.FinalizeSuccess(context.Background(), service.FinalizeSuccessParams{
		TaskID:  "t1",
		RunID:   "r1",
		EndedAt: now,
		Model:   "claude-x",
		Tokens:  100,
		CostUSD: 0.02,
		Outbox: []*service.OutboxEntry{{
			ID:         "o1",
			TaskID:     "t1",
			EffectType: "content_ready",
			Target:     "notifications",
			Payload:    json.RawMessage(`{}`),
			Status:     domain.OutboxStatusPending,
			CreatedAt:  now,
		}},
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTaskRepo_RecordRetryableFailure_ReturnsNewCount(t *testing.T) {
	repo, mock := newMockTaskRepo(t)

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE runs").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("UPDATE tasks").
		WillReturnRows(sqlmock.NewRows([]string{"retry_count"}).AddRow(2))
	mock.ExpectCommit()

	count, err := repo.RecordRetryableFailure(context.Background(), "t1", "r1", domain.RunStatusFailed, "boom", time.Now())
	require.NoError(t, err)
	require.Equal(t, 2, count)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTaskRepo_CancelQueued(t *testing.T) {
	repo, mock := newMockTaskRepo(t)

	mock.ExpectExec("UPDATE tasks").
		WillReturnResult(sqlmock.NewResult(0, 1))
	ok, err := repo.CancelQueued(context.Background(), "t1", time.Now())
	require.NoError(t, err)
	require.True(t, ok)

	// Already running or finished: zero rows, no error.
	mock.ExpectExec("UPDATE tasks").
		WillReturnResult(sqlmock.NewResult(0, 0))
	ok, err = repo.CancelQueued(context.Background(), "t1", time.Now())
	require.NoError(t, err)
	require.False(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTaskRepo_CountByStatus(t *testing.T) {
	repo, mock := newMockTaskRepo(t)

	mock.ExpectQuery("SELECT status, COUNT").
		WillReturnRows(sqlmock.NewRows([]string{"status", "count"}).
			AddRow(domain.TaskStatusQueued, 4).
			AddRow(domain.TaskStatusDone, 9))

	counts, err := repo.CountByStatus(context.Background())
	require.NoError(t, err)
	require.EqualValues(t, 4, counts[domain.TaskStatusQueued])
	require.EqualValues(t, 9, counts[domain.TaskStatusDone])
	require.NoError(t, mock.ExpectationsWereMet())
}
