package taskhandler

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/wire"
	"github.com/tidwall/gjson"

	"github.com/aurea-ops/orchestrator/internal/domain"
	"github.com/aurea-ops/orchestrator/internal/service"
)

// Dependency service names, used by the circuit breaker registry.
const (
	DepContentService = "content_service"
	DepSourceHost     = "source_host"
	DepDeployTarget   = "deploy_target"
	DepCenterpoint    = "centerpoint"
	DepActionRunner   = "action_runner"
)

// ProviderSet wires the collaborators, every handler and the registry.
var ProviderSet = wire.NewSet(
	NewCollaborators,
	NewOutboxSink,
	NewRegistry,
)

// NewRegistry assembles the closed task type set.
func NewRegistry(
	collab *Collaborators,
	inbox service.InboxRepository,
	maintenance *service.MaintenanceService,
) *service.HandlerRegistry {
	return service.NewHandlerRegistry(
		&genContentHandler{content: collab.Content},
		&codePRHandler{source: collab.Source},
		&mrgDeployHandler{deploy: collab.Deploy},
		&centerpointSyncHandler{sync: collab.Sync},
		&aureaActionHandler{actions: collab.Actions},
		&webhookProcessHandler{inbox: inbox},
		&maintenanceHandler{maintenance: maintenance},
	)
}

func decodePayload(task *service.Task, out any) error {
	if err := json.Unmarshal(task.Payload, out); err != nil {
		return service.Terminal(fmt.Errorf("decode %s payload: %w", task.Type, err))
	}
	return nil
}

type genContentHandler struct {
	content ContentClient
}

func (h *genContentHandler) Type() string       { return domain.TaskTypeGenContent }
func (h *genContentHandler) Dependency() string { return DepContentService }

func (h *genContentHandler) Handle(ctx context.Context, task *service.Task) (*service.HandlerResult, error) {
	var request GenContentRequest
	if err := decodePayload(task, &request); err != nil {
		return nil, err
	}
	if request.Prompt == "" {
		return nil, service.Terminal(fmt.Errorf("gen_content requires a prompt"))
	}

	resp, err := h.content.Generate(ctx, request)
	if err != nil {
		return nil, err
	}

	output, _ := json.Marshal(resp)
	provider := resp.Provider
	if provider == "" {
		provider = domain.ProviderAnthropic
	}
	return &service.HandlerResult{
		Provider: provider,
		Model:    resp.Model,
		Tokens:   resp.Tokens,
		CostUSD:  resp.CostUSD,
		Output:   output,
		Outbox: []service.OutboxEffect{{
			EffectType: "content_ready",
			Target:     "notifications",
			Payload:    output,
		}},
	}, nil
}

type codePRHandler struct {
	source SourceHost
}

func (h *codePRHandler) Type() string       { return domain.TaskTypeCodePR }
func (h *codePRHandler) Dependency() string { return DepSourceHost }

func (h *codePRHandler) Handle(ctx context.Context, task *service.Task) (*service.HandlerResult, error) {
	var spec PullRequestSpec
	if err := decodePayload(task, &spec); err != nil {
		return nil, err
	}
	if spec.Repo == "" || spec.HeadBranch == "" {
		return nil, service.Terminal(fmt.Errorf("code_pr requires repo and head_branch"))
	}

	pr, err := h.source.CreatePullRequest(ctx, spec)
	if err != nil {
		return nil, err
	}

	output, _ := json.Marshal(pr)
	return &service.HandlerResult{
		Output: output,
		Outbox: []service.OutboxEffect{{
			EffectType: "pr_opened",
			Target:     "notifications",
			Payload:    output,
		}},
	}, nil
}

type mrgDeployHandler struct {
	deploy DeployTarget
}

func (h *mrgDeployHandler) Type() string       { return domain.TaskTypeMRGDeploy }
func (h *mrgDeployHandler) Dependency() string { return DepDeployTarget }

func (h *mrgDeployHandler) Handle(ctx context.Context, task *service.Task) (*service.HandlerResult, error) {
	var spec DeploySpec
	if err := decodePayload(task, &spec); err != nil {
		return nil, err
	}
	if spec.Service == "" || spec.Version == "" {
		return nil, service.Terminal(fmt.Errorf("mrg_deploy requires service and version"))
	}

	deployment, err := h.deploy.TriggerDeploy(ctx, spec)
	if err != nil {
		return nil, err
	}

	output, _ := json.Marshal(deployment)
	return &service.HandlerResult{
		Output: output,
		Outbox: []service.OutboxEffect{{
			EffectType: "deploy_triggered",
			Target:     "deploy_events",
			Payload:    output,
		}},
	}, nil
}

type centerpointSyncHandler struct {
	sync SyncClient
}

func (h *centerpointSyncHandler) Type() string       { return domain.TaskTypeCenterpointSync }
func (h *centerpointSyncHandler) Dependency() string { return DepCenterpoint }

func (h *centerpointSyncHandler) Handle(ctx context.Context, task *service.Task) (*service.HandlerResult, error) {
	var spec SyncSpec
	if err := decodePayload(task, &spec); err != nil {
		return nil, err
	}
	if spec.Entity == "" {
		return nil, service.Terminal(fmt.Errorf("centerpoint_sync requires an entity"))
	}

	result, err := h.sync.Sync(ctx, spec)
	if err != nil {
		return nil, err
	}

	output, _ := json.Marshal(result)
	return &service.HandlerResult{Output: output}, nil
}

type aureaActionHandler struct {
	actions ActionRunner
}

func (h *aureaActionHandler) Type() string       { return domain.TaskTypeAureaAction }
func (h *aureaActionHandler) Dependency() string { return DepActionRunner }

func (h *aureaActionHandler) Handle(ctx context.Context, task *service.Task) (*service.HandlerResult, error) {
	var spec ActionSpec
	if err := decodePayload(task, &spec); err != nil {
		return nil, err
	}
	if spec.Action == "" {
		return nil, service.Terminal(fmt.Errorf("aurea_action requires an action name"))
	}

	result, err := h.actions.Execute(ctx, spec)
	if err != nil {
		return nil, err
	}

	output, _ := json.Marshal(result)
	return &service.HandlerResult{Output: output}, nil
}

// webhookProcessHandler closes the loop on accepted webhooks: it marks the
// inbox row processed and forwards the event to the sink via the outbox.
type webhookProcessHandler struct {
	inbox service.InboxRepository
}

func (h *webhookProcessHandler) Type() string       { return domain.TaskTypeWebhookProcess }
func (h *webhookProcessHandler) Dependency() string { return "" }

func (h *webhookProcessHandler) Handle(ctx context.Context, task *service.Task) (*service.HandlerResult, error) {
	source := gjson.GetBytes(task.Payload, "source").String()
	body := gjson.GetBytes(task.Payload, "body")
	if source == "" || !body.Exists() {
		return nil, service.Terminal(fmt.Errorf("webhook payload missing source or body"))
	}

	externalID := ""
	for _, path := range []string{"external_id", "delivery_id", "event_id", "id"} {
		if v := body.Get(path); v.Exists() && v.String() != "" {
			externalID = v.String()
			break
		}
	}
	if externalID != "" {
		entry, err := h.inbox.GetBySourceExternalID(ctx, source, externalID)
		if err != nil {
			return nil, service.Retryable(err)
		}
		if entry != nil {
			if err := h.inbox.MarkProcessed(ctx, entry.ID, time.Now()); err != nil {
				return nil, service.Retryable(err)
			}
		}
	}

	return &service.HandlerResult{
		Output: task.Payload,
		Outbox: []service.OutboxEffect{{
			EffectType: "webhook_event",
			Target:     source,
			Payload:    json.RawMessage(body.Raw),
		}},
	}, nil
}

// maintenanceHandler lets operators trigger the nightly pass on demand by
// submitting a maintenance task.
type maintenanceHandler struct {
	maintenance *service.MaintenanceService
}

func (h *maintenanceHandler) Type() string       { return domain.TaskTypeMaintenance }
func (h *maintenanceHandler) Dependency() string { return "" }

func (h *maintenanceHandler) Handle(ctx context.Context, task *service.Task) (*service.HandlerResult, error) {
	if err := h.maintenance.RunNow(ctx); err != nil {
		return nil, service.Retryable(err)
	}
	return &service.HandlerResult{Output: json.RawMessage(`{"status":"ok"}`)}, nil
}
