package handler

import (
	"github.com/google/wire"
)

// ProviderSet provides every HTTP handler plus the aggregate Handlers struct.
var ProviderSet = wire.NewSet(
	NewTaskHandler,
	NewWebhookHandler,
	NewAdminHandler,
	NewHealthHandler,
	ProvideHandlers,
)

// Handlers bundles the HTTP surface for the router.
type Handlers struct {
	Task    *TaskHandler
	Webhook *WebhookHandler
	Admin   *AdminHandler
	Health  *HealthHandler
}

// ProvideHandlers creates the Handlers struct.
func ProvideHandlers(
	taskHandler *TaskHandler,
	webhookHandler *WebhookHandler,
	adminHandler *AdminHandler,
	healthHandler *HealthHandler,
) *Handlers {
	return &Handlers{
		Task:    taskHandler,
		Webhook: webhookHandler,
		Admin:   adminHandler,
		Health:  healthHandler,
	}
}
