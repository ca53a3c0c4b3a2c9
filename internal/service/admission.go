package service

import (
	"context"
	"time"

	"github.com/aurea-ops/orchestrator/internal/domain"
)

// AdmissionController gates submissions before anything is persisted or
// enqueued: queue depth cap, provider budget, and the task type's dominant
// dependency circuit. A rejected task never creates a row.
type AdmissionController struct {
	broker   QueueBroker
	budget   *BudgetAccountant
	circuits *CircuitBreakerRegistry
	registry *HandlerRegistry
	maxDepth int64
}

func NewAdmissionController(broker QueueBroker, budget *BudgetAccountant, circuits *CircuitBreakerRegistry, registry *HandlerRegistry, maxQueueDepth int) *AdmissionController {
	return &AdmissionController{
		broker:   broker,
		budget:   budget,
		circuits: circuits,
		registry: registry,
		maxDepth: int64(maxQueueDepth),
	}
}

func (a *AdmissionController) Admit(ctx context.Context, taskType, provider string, estCostUSD float64) error {
	depth, err := a.broker.Depth(ctx)
	if err != nil {
		return err
	}
	if depth >= a.maxDepth {
		return ErrQueueFull
	}

	now := time.Now()
	if provider != "" {
		if err := a.budget.Reserve(ctx, provider, estCostUSD, now); err != nil {
			return err
		}
	}

	if dep := a.registry.Dependency(taskType); dep != "" {
		state, err := a.circuits.repo.Get(ctx, dep)
		if err != nil {
			return err
		}
		if state != nil && isRejectingState(state, now) {
			return ErrCircuitOpen.WithMetadata(map[string]string{"service": dep})
		}
	}
	return nil
}

// isRejectingState reports whether the breaker rejects new work outright.
// Half-open admits the probe through the dispatcher path, not new
// submissions.
func isRejectingState(state *CircuitState, now time.Time) bool {
	if state.State != domain.CircuitOpen {
		return false
	}
	return state.NextRetryAt == nil || now.Before(*state.NextRetryAt)
}
