package taskhandler

import (
	"context"
	"fmt"
	"time"

	"github.com/imroc/req/v3"

	"github.com/aurea-ops/orchestrator/internal/config"
	"github.com/aurea-ops/orchestrator/internal/service"
)

// httpCollaborators implements every collaborator interface over plain HTTP
// APIs. Response status decides whether a failure is worth retrying: 429 and
// 5xx are, other 4xx are not.
type httpCollaborators struct {
	client *req.Client
	cfg    config.CollabConfig
}

// Collaborators bundles every downstream client the handlers call.
type Collaborators struct {
	Content ContentClient
	Source  SourceHost
	Deploy  DeployTarget
	Sync    SyncClient
	Actions ActionRunner
}

// NewCollaborators builds the shared HTTP client for all collaborators.
func NewCollaborators(cfg *config.Config) *Collaborators {
	timeout := time.Duration(cfg.Collab.TimeoutSec) * time.Second
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	c := &httpCollaborators{
		client: req.C().SetTimeout(timeout),
		cfg:    cfg.Collab,
	}
	return &Collaborators{Content: c, Source: c, Deploy: c, Sync: c, Actions: c}
}

func (c *httpCollaborators) post(ctx context.Context, url string, body, out any) error {
	if url == "" {
		return service.Terminal(fmt.Errorf("collaborator endpoint not configured"))
	}
	resp, err := c.client.R().
		SetContext(ctx).
		SetBodyJsonMarshal(body).
		SetSuccessResult(out).
		Post(url)
	if err != nil {
		// Transport-level failure, worth retrying.
		return service.Retryable(err)
	}
	if resp.IsErrorState() {
		status := resp.StatusCode
		err := fmt.Errorf("collaborator returned %d: %s", status, resp.String())
		if status == 429 || status >= 500 {
			return service.Retryable(err)
		}
		return service.Terminal(err)
	}
	return nil
}

func (c *httpCollaborators) Generate(ctx context.Context, request GenContentRequest) (*GenContentResponse, error) {
	var out GenContentResponse
	if err := c.post(ctx, c.cfg.ContentURL+"/v1/generate", request, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *httpCollaborators) CreatePullRequest(ctx context.Context, spec PullRequestSpec) (*PullRequest, error) {
	var out PullRequest
	if err := c.post(ctx, c.cfg.SourceHostURL+"/v1/pulls", spec, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *httpCollaborators) TriggerDeploy(ctx context.Context, spec DeploySpec) (*Deployment, error) {
	var out Deployment
	if err := c.post(ctx, c.cfg.DeployURL+"/v1/deploys", spec, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *httpCollaborators) Sync(ctx context.Context, spec SyncSpec) (*SyncResult, error) {
	var out SyncResult
	if err := c.post(ctx, c.cfg.SyncURL+"/v1/sync", spec, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *httpCollaborators) Execute(ctx context.Context, spec ActionSpec) (*ActionResult, error) {
	var out ActionResult
	if err := c.post(ctx, c.cfg.ActionURL+"/v1/actions", spec, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
