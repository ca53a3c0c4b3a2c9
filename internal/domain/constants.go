package domain

// Task status constants
const (
	TaskStatusQueued   = "queued"
	TaskStatusRunning  = "running"
	TaskStatusDone     = "done"
	TaskStatusFailed   = "failed"
	TaskStatusCanceled = "canceled"
)

// Task type constants. The set is closed: the dispatcher refuses to lease
// a task whose type has no registered handler.
const (
	TaskTypeCodePR          = "code_pr"
	TaskTypeCenterpointSync = "centerpoint_sync"
	TaskTypeMRGDeploy       = "mrg_deploy"
	TaskTypeGenContent      = "gen_content"
	TaskTypeAureaAction     = "aurea_action"
	TaskTypeWebhookProcess  = "webhook_process"
	TaskTypeMaintenance     = "maintenance"
)

// TaskTypes lists every routable task type.
var TaskTypes = []string{
	TaskTypeCodePR,
	TaskTypeCenterpointSync,
	TaskTypeMRGDeploy,
	TaskTypeGenContent,
	TaskTypeAureaAction,
	TaskTypeWebhookProcess,
	TaskTypeMaintenance,
}

// IsValidTaskType reports whether t belongs to the closed task type set.
func IsValidTaskType(t string) bool {
	for _, known := range TaskTypes {
		if t == known {
			return true
		}
	}
	return false
}

// Task priority buckets. Lower value = higher priority.
const (
	PriorityCritical = 1
	PriorityHigh     = 10
	PriorityNormal   = 100
	PriorityLow      = 1000
)

// Run status constants
const (
	RunStatusStarted  = "started"
	RunStatusSuccess  = "success"
	RunStatusFailed   = "failed"
	RunStatusTimeout  = "timeout"
	RunStatusCanceled = "canceled"
)

// Outbox entry status constants
const (
	OutboxStatusPending   = "pending"
	OutboxStatusDelivered = "delivered"
	OutboxStatusFailed    = "failed"
)

// Inbox entry status constants
const (
	InboxStatusReceived   = "received"
	InboxStatusProcessing = "processing"
	InboxStatusProcessed  = "processed"
	InboxStatusRejected   = "rejected"
)

// Circuit breaker states
const (
	CircuitClosed   = "closed"
	CircuitOpen     = "open"
	CircuitHalfOpen = "half_open"
)

// API key roles, ordered readonly < service < admin.
const (
	RoleAdmin    = "admin"
	RoleService  = "service"
	RoleReadonly = "readonly"
)

// Model provider constants used by the budget ledger and circuit registry.
const (
	ProviderAnthropic = "anthropic"
	ProviderOpenAI    = "openai"
	ProviderGoogle    = "google"
)
