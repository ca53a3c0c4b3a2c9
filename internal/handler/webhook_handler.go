package handler

import (
	"io"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/aurea-ops/orchestrator/internal/pkg/response"
	"github.com/aurea-ops/orchestrator/internal/service"
)

// Inbound delivery headers. X-Hub-Signature-256 is accepted as an alias since
// several sources reuse the GitHub convention.
const (
	headerSignature    = "X-Signature"
	headerSignatureHub = "X-Hub-Signature-256"
	headerTimestamp    = "X-Timestamp"
	headerExternalID   = "X-External-Id"
	headerDeliveryID   = "X-Delivery-Id"
)

// WebhookHandler accepts signed inbound webhooks and turns them into tasks.
type WebhookHandler struct {
	webhooks *service.WebhookService
}

func NewWebhookHandler(webhooks *service.WebhookService) *WebhookHandler {
	return &WebhookHandler{webhooks: webhooks}
}

// Receive handles POST /webhooks/:source. Responses: 202 accepted, 401 bad
// signature, 409 replay, 408 stale timestamp.
func (h *WebhookHandler) Receive(c *gin.Context) {
	source := strings.TrimSpace(c.Param("source"))
	if source == "" {
		response.BadRequest(c, "webhook source is required")
		return
	}

	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		response.BadRequest(c, "could not read request body")
		return
	}

	signature := c.GetHeader(headerSignature)
	if signature == "" {
		signature = c.GetHeader(headerSignatureHub)
	}
	externalID := c.GetHeader(headerExternalID)
	if externalID == "" {
		externalID = c.GetHeader(headerDeliveryID)
	}

	task, err := h.webhooks.Accept(c.Request.Context(), service.AcceptInput{
		Source:     source,
		ExternalID: externalID,
		Body:       body,
		Signature:  signature,
		Timestamp:  c.GetHeader(headerTimestamp),
	})
	if err != nil {
		response.Error(c, err)
		return
	}

	response.Accepted(c, gin.H{
		"task_id": task.ID,
		"status":  task.Status,
	})
}
