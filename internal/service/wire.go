package service

import (
	"time"

	"github.com/google/wire"

	"github.com/aurea-ops/orchestrator/internal/config"
)

// ProviderSet wires the service layer from config and repositories.
var ProviderSet = wire.NewSet(
	ProvideBudgetAccountant,
	ProvideCircuitBreakerRegistry,
	ProvideAdmissionController,
	ProvideTaskService,
	ProvideWebhookService,
	ProvideAPIKeyService,
	ProvideDispatcher,
	ProvideOutboxRelay,
	NewDLQService,
	NewMaintenanceService,
)

func ProvideBudgetAccountant(repo BudgetRepository, cfg *config.Config) *BudgetAccountant {
	return NewBudgetAccountant(repo, cfg.Budget.DailyBudgetUSD, cfg.Budget.OvercommitFraction)
}

func ProvideCircuitBreakerRegistry(repo CircuitStateRepository, cfg *config.Config) *CircuitBreakerRegistry {
	return NewCircuitBreakerRegistry(repo, CircuitBreakerConfig{
		Threshold:  cfg.Circuit.Threshold,
		Timeout:    time.Duration(cfg.Circuit.TimeoutSeconds) * time.Second,
		WindowSize: cfg.Circuit.WindowSize,
		MinSamples: cfg.Circuit.MinSamples,
	})
}

func ProvideAdmissionController(broker QueueBroker, budget *BudgetAccountant, circuits *CircuitBreakerRegistry, registry *HandlerRegistry, cfg *config.Config) *AdmissionController {
	return NewAdmissionController(broker, budget, circuits, registry, cfg.Queue.MaxDepth)
}

func ProvideTaskService(repo TaskRepository, runs RunRepository, broker QueueBroker, admission *AdmissionController, cfg *config.Config) *TaskService {
	return NewTaskService(repo, runs, broker, admission, cfg.Dispatcher.MaxRetries)
}

func ProvideWebhookService(inbox InboxRepository, broker QueueBroker, cfg *config.Config) *WebhookService {
	return NewWebhookService(inbox, broker,
		StaticSecretResolver(cfg.Webhook.Secret),
		WebhookConfig{Tolerance: time.Duration(cfg.Webhook.TimestampToleranceSec) * time.Second},
		cfg.Dispatcher.MaxRetries,
	)
}

func ProvideAPIKeyService(repo APIKeyRepository, cfg *config.Config) *APIKeyService {
	return NewAPIKeyService(repo, cfg.Auth.APIKeySalt)
}

func ProvideDispatcher(repo TaskRepository, broker QueueBroker, registry *HandlerRegistry, budget *BudgetAccountant, circuits *CircuitBreakerRegistry, cfg *config.Config) *Dispatcher {
	return NewDispatcher(repo, broker, registry, budget, circuits, DispatcherConfig{
		MaxConcurrency: cfg.Dispatcher.MaxConcurrency,
		Lease:          cfg.Dispatcher.Lease(),
		MaxRetries:     cfg.Dispatcher.MaxRetries,
		BackoffCap:     time.Duration(cfg.Dispatcher.BackoffMaxSec) * time.Second,
		ShutdownGrace:  time.Duration(cfg.Dispatcher.ShutdownGraceSec) * time.Second,
	})
}

func ProvideOutboxRelay(repo OutboxRepository, sink OutboxSink, cfg *config.Config) *OutboxRelay {
	return NewOutboxRelay(repo, sink, OutboxRelayConfig{
		PollInterval: time.Duration(cfg.Outbox.PollIntervalSec) * time.Second,
		MaxRetries:   cfg.Outbox.MaxRetries,
	})
}
