package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/aurea-ops/orchestrator/internal/domain"
)

type admissionFixture struct {
	ctl         *AdmissionController
	broker      *memBroker
	budget      *BudgetAccountant
	circuits    *CircuitBreakerRegistry
	circuitRepo *memCircuitRepo
}

func newAdmissionFixture(t *testing.T, maxDepth int) *admissionFixture {
	t.Helper()
	broker := newMemBroker()
	budget := NewBudgetAccountant(newMemBudgetRepo(), 1.00, 0.1)
	circuitRepo := newMemCircuitRepo(600)
	circuits := NewCircuitBreakerRegistry(circuitRepo, CircuitBreakerConfig{
		Threshold:  0.1,
		Timeout:    600 * time.Second,
		WindowSize: 20,
		MinSamples: 5,
	})
	registry := NewHandlerRegistry(&scriptedHandler{typ: domain.TaskTypeGenContent, dep: "content_service"})
	return &admissionFixture{
		ctl:         NewAdmissionController(broker, budget, circuits, registry, maxDepth),
		broker:      broker,
		budget:      budget,
		circuits:    circuits,
		circuitRepo: circuitRepo,
	}
}

func TestAdmission_AllowsWhenAllGatesPass(t *testing.T) {
	f := newAdmissionFixture(t, 10)
	err := f.ctl.Admit(context.Background(), domain.TaskTypeGenContent, domain.ProviderAnthropic, 0.10)
	require.NoError(t, err)
}

func TestAdmission_QueueFull(t *testing.T) {
	f := newAdmissionFixture(t, 2)
	require.NoError(t, f.broker.Enqueue(context.Background(), "a", domain.PriorityNormal, time.Now()))
	require.NoError(t, f.broker.Enqueue(context.Background(), "b", domain.PriorityNormal, time.Now()))

	err := f.ctl.Admit(context.Background(), domain.TaskTypeGenContent, "", 0)
	require.ErrorIs(t, err, ErrQueueFull)
}

func TestAdmission_BudgetRejects(t *testing.T) {
	f := newAdmissionFixture(t, 10)
	require.NoError(t, f.budget.Commit(context.Background(), domain.ProviderAnthropic, 0.95, 100, time.Now()))

	err := f.ctl.Admit(context.Background(), domain.TaskTypeGenContent, domain.ProviderAnthropic, 0.10)
	require.ErrorIs(t, err, ErrBudgetExceeded)

	// No provider means no budget gate.
	require.NoError(t, f.ctl.Admit(context.Background(), domain.TaskTypeGenContent, "", 0.10))
}

func TestAdmission_OpenCircuitRejects(t *testing.T) {
	f := newAdmissionFixture(t, 10)
	ctx := context.Background()
	now := time.Now()
	tripCircuit(t, f.circuits, "content_service", now)

	err := f.ctl.Admit(ctx, domain.TaskTypeGenContent, "", 0)
	require.ErrorIs(t, err, ErrCircuitOpen)
}

func TestAdmission_HalfOpenAdmitsSubmissions(t *testing.T) {
	f := newAdmissionFixture(t, 10)
	ctx := context.Background()
	now := time.Now()
	tripCircuit(t, f.circuits, "content_service", now)

	// Force the half-open transition via the dispatcher's Allow path.
	after := now.Add(601 * time.Second)
	require.NoError(t, f.circuits.Allow(ctx, "content_service", after))

	// Submissions queue up behind the probe instead of being bounced.
	require.NoError(t, f.ctl.Admit(ctx, domain.TaskTypeGenContent, "", 0))
}

func TestAdmission_OpenCircuitPastRetryWindowAdmits(t *testing.T) {
	f := newAdmissionFixture(t, 10)
	ctx := context.Background()
	now := time.Now()

	// An open row whose next_retry_at is already in the past no longer
	// rejects; the dispatcher will convert it to a probe.
	_, err := f.circuitRepo.Mutate(ctx, "content_service", func(cs *CircuitState) {
		cs.State = domain.CircuitOpen
		past := now.Add(-time.Minute)
		cs.NextRetryAt = &past
	})
	require.NoError(t, err)

	require.NoError(t, f.ctl.Admit(ctx, domain.TaskTypeGenContent, "", 0))
}
