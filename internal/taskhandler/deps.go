// Package taskhandler routes each task type to its downstream collaborator.
// Handlers stay thin: decode the payload, call the collaborator, report cost
// and declared side-effects back to the dispatcher.
package taskhandler

import "context"

// GenContentRequest asks the content service for a generation.
type GenContentRequest struct {
	Prompt      string `json:"prompt"`
	ContentType string `json:"content_type"`
	Model       string `json:"model,omitempty"`
	MaxTokens   int    `json:"max_tokens,omitempty"`
}

type GenContentResponse struct {
	Content  string  `json:"content"`
	Model    string  `json:"model"`
	Provider string  `json:"provider"`
	Tokens   int64   `json:"tokens"`
	CostUSD  float64 `json:"cost_usd"`
}

// ContentClient fronts the LLM-backed content service.
type ContentClient interface {
	Generate(ctx context.Context, req GenContentRequest) (*GenContentResponse, error)
}

// PullRequestSpec describes the change a code_pr task should open.
type PullRequestSpec struct {
	Repo       string `json:"repo"`
	BaseBranch string `json:"base_branch"`
	HeadBranch string `json:"head_branch"`
	Title      string `json:"title"`
	Body       string `json:"body,omitempty"`
}

type PullRequest struct {
	URL    string `json:"url"`
	Number int    `json:"number"`
}

// SourceHost fronts the git hosting API.
type SourceHost interface {
	CreatePullRequest(ctx context.Context, spec PullRequestSpec) (*PullRequest, error)
}

// DeploySpec names what a mrg_deploy task rolls out.
type DeploySpec struct {
	Service     string `json:"service"`
	Version     string `json:"version"`
	Environment string `json:"environment"`
}

type Deployment struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// DeployTarget fronts the deployment system.
type DeployTarget interface {
	TriggerDeploy(ctx context.Context, spec DeploySpec) (*Deployment, error)
}

// SyncSpec scopes a centerpoint_sync run.
type SyncSpec struct {
	Entity string `json:"entity"`
	Since  string `json:"since,omitempty"`
	Full   bool   `json:"full,omitempty"`
}

type SyncResult struct {
	Records int64 `json:"records"`
}

// SyncClient fronts the Centerpoint data sync API.
type SyncClient interface {
	Sync(ctx context.Context, spec SyncSpec) (*SyncResult, error)
}

// ActionSpec is a generic aurea_action invocation.
type ActionSpec struct {
	Action string         `json:"action"`
	Params map[string]any `json:"params,omitempty"`
}

type ActionResult struct {
	Output map[string]any `json:"output,omitempty"`
}

// ActionRunner fronts the action execution service.
type ActionRunner interface {
	Execute(ctx context.Context, spec ActionSpec) (*ActionResult, error)
}
