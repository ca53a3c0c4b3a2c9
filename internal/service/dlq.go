package service

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/aurea-ops/orchestrator/internal/domain"
	"github.com/aurea-ops/orchestrator/internal/pkg/logger"
)

// DLQService is the operator surface over dead-lettered tasks: inspect,
// requeue with a fresh retry budget, or drop.
type DLQService struct {
	repo   TaskRepository
	broker QueueBroker
	log    *zap.Logger
}

func NewDLQService(repo TaskRepository, broker QueueBroker) *DLQService {
	return &DLQService{
		repo:   repo,
		broker: broker,
		log:    logger.Named("dlq"),
	}
}

// List returns the dead-lettered tasks for a type, oldest first.
func (s *DLQService) List(ctx context.Context, taskType string, limit int64) ([]*Task, error) {
	if limit <= 0 {
		limit = 50
	}
	ids, err := s.broker.ListDLQ(ctx, taskType, limit)
	if err != nil {
		return nil, err
	}
	tasks := make([]*Task, 0, len(ids))
	for _, id := range ids {
		task, err := s.repo.GetByID(ctx, id)
		if err != nil {
			return nil, err
		}
		if task != nil {
			tasks = append(tasks, task)
		}
	}
	return tasks, nil
}

// Requeue drains up to count entries back into the ready queue with a reset
// retry budget, one priority bucket lower than they originally ran at so a
// broken task class cannot starve live traffic.
func (s *DLQService) Requeue(ctx context.Context, taskType string, count int64) (int, error) {
	if count <= 0 {
		count = 10
	}
	ids, err := s.broker.PopDLQ(ctx, taskType, count)
	if err != nil {
		return 0, err
	}

	now := time.Now()
	requeued := 0
	for _, id := range ids {
		task, err := s.repo.GetByID(ctx, id)
		if err != nil {
			return requeued, err
		}
		if task == nil {
			continue
		}
		priority := lowerPriority(task.Priority)
		ok, err := s.repo.RequeueFromDLQ(ctx, id, priority, now)
		if err != nil {
			return requeued, err
		}
		if !ok {
			// The task left failed since it was dead-lettered; skip it.
			continue
		}
		if err := s.broker.Enqueue(ctx, id, priority, now); err != nil {
			return requeued, err
		}
		requeued++
	}
	if requeued > 0 {
		s.log.Info("dlq requeue",
			zap.String("type", taskType),
			zap.Int("count", requeued))
	}
	return requeued, nil
}

// Purge drops up to count entries from the DLQ. Task rows keep their failed
// status and last_error.
func (s *DLQService) Purge(ctx context.Context, taskType string, count int64) (int, error) {
	if count <= 0 {
		count = 100
	}
	ids, err := s.broker.PopDLQ(ctx, taskType, count)
	if err != nil {
		return 0, err
	}
	if len(ids) > 0 {
		s.log.Info("dlq purge",
			zap.String("type", taskType),
			zap.Int("count", len(ids)))
	}
	return len(ids), nil
}

// Depths reports per-type DLQ sizes.
func (s *DLQService) Depths(ctx context.Context) (map[string]int64, error) {
	out := make(map[string]int64, len(domain.TaskTypes))
	for _, t := range domain.TaskTypes {
		n, err := s.broker.DLQDepth(ctx, t)
		if err != nil {
			return nil, err
		}
		out[t] = n
	}
	return out, nil
}

// lowerPriority steps one bucket down (numerically up); low stays low.
func lowerPriority(p int) int {
	switch {
	case p <= domain.PriorityCritical:
		return domain.PriorityHigh
	case p <= domain.PriorityHigh:
		return domain.PriorityNormal
	default:
		return domain.PriorityLow
	}
}
