package service

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aurea-ops/orchestrator/internal/domain"
	"github.com/aurea-ops/orchestrator/internal/pkg/logger"

	infraerrors "github.com/aurea-ops/orchestrator/internal/pkg/errors"
)

var (
	ErrTaskNotFound    = infraerrors.NotFound("task_not_found", "task not found")
	ErrInvalidTaskType = infraerrors.BadRequest("invalid_request", "unknown task type")
	ErrTaskNotQueued   = infraerrors.Conflict("task_not_queued", "task is not in a cancelable state")
)

// Task is a unit of work. The payload is opaque to the core; handlers decode
// it per type.
type Task struct {
	ID             string          `json:"id"`
	Type           string          `json:"type"`
	Payload        json.RawMessage `json:"payload"`
	Priority       int             `json:"priority"`
	Status         string          `json:"status"`
	RetryCount     int             `json:"retry_count"`
	MaxRetries     int             `json:"max_retries"`
	IdempotencyKey *string         `json:"idempotency_key,omitempty"`
	TraceID        string          `json:"trace_id"`
	Provider       string          `json:"provider,omitempty"`
	EstCostUSD     float64         `json:"est_cost_usd,omitempty"`
	EnqueuedAt     time.Time       `json:"enqueued_at"`
	StartedAt      *time.Time      `json:"started_at,omitempty"`
	CompletedAt    *time.Time      `json:"completed_at,omitempty"`
	LastError      *string         `json:"last_error,omitempty"`
	LeaseDeadline  *time.Time      `json:"lease_deadline,omitempty"`
}

// Run is one execution attempt of a task. Attempt numbers strictly increase
// per task; at most one run is in status started at a time.
type Run struct {
	ID           string     `json:"id"`
	TaskID       string     `json:"task_id"`
	Attempt      int        `json:"attempt"`
	Status       string     `json:"status"`
	StartedAt    time.Time  `json:"started_at"`
	EndedAt      *time.Time `json:"ended_at,omitempty"`
	ErrorDetails *string    `json:"error_details,omitempty"`
	ModelUsed    *string    `json:"model_used,omitempty"`
	Tokens       int64      `json:"tokens,omitempty"`
	CostUSD      float64    `json:"cost_usd,omitempty"`
}

// FinalizeSuccessParams carries everything the run-finalizing transaction
// writes: run outcome, task completion, and declared outbox effects.
type FinalizeSuccessParams struct {
	TaskID  string
	RunID   string
	EndedAt time.Time
	Model   string
	Tokens  int64
	CostUSD float64
	Outbox  []*OutboxEntry
}

// TaskRepository is the durable store surface for tasks and their runs.
// The multi-row methods (StartRun, FinalizeSuccess, RecordRetryableFailure,
// FinalizeTerminal) execute inside a single transaction.
type TaskRepository interface {
	// CreateIdempotent inserts the task; when IdempotencyKey collides with an
	// existing row it inserts nothing and returns false.
	CreateIdempotent(ctx context.Context, task *Task) (bool, error)
	GetByID(ctx context.Context, id string) (*Task, error)
	GetByIdempotencyKey(ctx context.Context, key string) (*Task, error)

	// StartRun flips queued→running, stamps started_at and lease_deadline,
	// and inserts the attempt's run row. Returns nil when the task was not
	// queued (lost a race or was canceled).
	StartRun(ctx context.Context, taskID string, leaseDeadline, now time.Time) (*Task, *Run, error)

	// RefreshLeaseDeadline mirrors a successful broker lease extension.
	RefreshLeaseDeadline(ctx context.Context, taskID string, deadline time.Time) error

	FinalizeSuccess(ctx context.Context, params FinalizeSuccessParams) error

	// RecordRetryableFailure marks the run failed, flips the task back to
	// queued and increments retry_count, returning the new count.
	RecordRetryableFailure(ctx context.Context, taskID, runID, runStatus, lastError string, now time.Time) (int, error)

	// FinalizeTerminal marks the run with runStatus and the task failed.
	FinalizeTerminal(ctx context.Context, taskID, runID, runStatus, lastError string, now time.Time) error

	// MarkRunStatus finalizes a run without touching its task, compare-and-
	// set from started. Used when the lease was lost and another worker owns
	// the task row.
	MarkRunStatus(ctx context.Context, runID, status, errDetails string, now time.Time) error

	// RequeueRunning flips running→queued and cancels the active run, for
	// graceful shutdown of an in-flight task. retry_count is not charged.
	RequeueRunning(ctx context.Context, taskID, runID string, now time.Time) (bool, error)

	// ListExpiredLeases returns running tasks whose lease_deadline passed.
	ListExpiredLeases(ctx context.Context, now time.Time, limit int) ([]*Task, error)

	// RequeueExpired times out the active run, flips the task back to queued
	// and increments retry_count, returning the new count.
	RequeueExpired(ctx context.Context, taskID, lastError string, now time.Time) (int, error)

	// CancelQueued flips queued→canceled; false when the task already left
	// queued.
	CancelQueued(ctx context.Context, taskID string, now time.Time) (bool, error)

	// RequeueFromDLQ resets retry_count and re-opens a failed task.
	RequeueFromDLQ(ctx context.Context, taskID string, priority int, now time.Time) (bool, error)

	ListByStatus(ctx context.Context, status string, limit int) ([]*Task, error)
	CountByStatus(ctx context.Context) (map[string]int64, error)
}

// RunRepository reads execution history.
type RunRepository interface {
	ListByTask(ctx context.Context, taskID string) ([]*Run, error)
	ListRecent(ctx context.Context, limit int) ([]*Run, error)
}

// SubmitInput is a validated task submission.
type SubmitInput struct {
	Type           string
	Payload        json.RawMessage
	Priority       int
	IdempotencyKey string
	TraceID        string
	Provider       string
	EstCostUSD     float64
}

type TaskService struct {
	repo       TaskRepository
	runs       RunRepository
	broker     QueueBroker
	admission  *AdmissionController
	maxRetries int
	log        *zap.Logger
}

func NewTaskService(repo TaskRepository, runs RunRepository, broker QueueBroker, admission *AdmissionController, maxRetries int) *TaskService {
	return &TaskService{
		repo:       repo,
		runs:       runs,
		broker:     broker,
		admission:  admission,
		maxRetries: maxRetries,
		log:        logger.Named("task"),
	}
}

// Submit runs the idempotency gate and admission checks, persists the task
// and enqueues it. The second return value is true when an existing task was
// returned for a reused idempotency key.
func (s *TaskService) Submit(ctx context.Context, in SubmitInput) (*Task, bool, error) {
	if !domain.IsValidTaskType(in.Type) {
		return nil, false, ErrInvalidTaskType
	}
	if in.Priority <= 0 {
		in.Priority = domain.PriorityNormal
	}
	if len(in.Payload) == 0 {
		in.Payload = json.RawMessage(`{}`)
	}

	key := strings.TrimSpace(in.IdempotencyKey)
	if key != "" {
		// Fast path: a prior submission with this key wins without touching
		// admission.
		existing, err := s.repo.GetByIdempotencyKey(ctx, key)
		if err != nil {
			return nil, false, err
		}
		if existing != nil {
			return existing, true, nil
		}
	}

	if err := s.admission.Admit(ctx, in.Type, in.Provider, in.EstCostUSD); err != nil {
		return nil, false, err
	}

	now := time.Now()
	task := &Task{
		ID:         uuid.NewString(),
		Type:       in.Type,
		Payload:    in.Payload,
		Priority:   in.Priority,
		Status:     domain.TaskStatusQueued,
		MaxRetries: s.maxRetries,
		TraceID:    in.TraceID,
		Provider:   in.Provider,
		EstCostUSD: in.EstCostUSD,
		EnqueuedAt: now,
	}
	if task.TraceID == "" {
		task.TraceID = uuid.NewString()
	}
	if key != "" {
		task.IdempotencyKey = &key
	}

	created, err := s.repo.CreateIdempotent(ctx, task)
	if err != nil {
		return nil, false, err
	}
	if !created {
		// Lost the unique-index race: the winner's row is the task.
		existing, err := s.repo.GetByIdempotencyKey(ctx, key)
		if err != nil {
			return nil, false, err
		}
		if existing == nil {
			return nil, false, infraerrors.InternalServer("idempotency_lookup_failed", "task vanished after conflicting insert")
		}
		return existing, true, nil
	}

	if err := s.broker.Enqueue(ctx, task.ID, task.Priority, task.EnqueuedAt); err != nil {
		s.log.Error("enqueue after insert failed",
			zap.String("task_id", task.ID), zap.Error(err))
		return nil, false, infraerrors.ServiceUnavailable("queue_unavailable", "queue broker unavailable").WithCause(err)
	}

	s.log.Info("task submitted",
		zap.String("task_id", task.ID),
		zap.String("type", task.Type),
		zap.Int("priority", task.Priority))
	return task, false, nil
}

func (s *TaskService) Get(ctx context.Context, id string) (*Task, error) {
	task, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if task == nil {
		return nil, ErrTaskNotFound
	}
	return task, nil
}

// Cancel withdraws a queued task. Running tasks finish their lease; done,
// failed and canceled tasks are immutable.
func (s *TaskService) Cancel(ctx context.Context, id string) (*Task, error) {
	task, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	ok, err := s.repo.CancelQueued(ctx, id, time.Now())
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrTaskNotQueued
	}
	// Best effort: the dispatcher also refuses non-queued tasks at StartRun.
	if _, err := s.broker.Remove(ctx, id); err != nil {
		s.log.Warn("broker remove after cancel failed", zap.String("task_id", id), zap.Error(err))
	}
	task.Status = domain.TaskStatusCanceled
	return task, nil
}

func (s *TaskService) ListRuns(ctx context.Context, taskID string) ([]*Run, error) {
	if _, err := s.Get(ctx, taskID); err != nil {
		return nil, err
	}
	return s.runs.ListByTask(ctx, taskID)
}

// Stats merges durable status counts with broker-side queue counters.
func (s *TaskService) Stats(ctx context.Context) (map[string]any, error) {
	counts, err := s.repo.CountByStatus(ctx)
	if err != nil {
		return nil, err
	}
	qs, err := s.broker.Stats(ctx, domain.TaskTypes)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"tasks": counts,
		"queue": qs,
	}, nil
}
