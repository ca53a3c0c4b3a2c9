package handler

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/aurea-ops/orchestrator/internal/pkg/response"
	"github.com/aurea-ops/orchestrator/internal/service"
)

// AdminHandler is the operator surface: DLQ remediation, budget ledgers,
// circuit states, run history and API key management.
type AdminHandler struct {
	dlq      *service.DLQService
	budget   *service.BudgetAccountant
	circuits *service.CircuitBreakerRegistry
	keys     *service.APIKeyService
	runs     service.RunRepository
}

func NewAdminHandler(
	dlq *service.DLQService,
	budget *service.BudgetAccountant,
	circuits *service.CircuitBreakerRegistry,
	keys *service.APIKeyService,
	runs service.RunRepository,
) *AdminHandler {
	return &AdminHandler{
		dlq:      dlq,
		budget:   budget,
		circuits: circuits,
		keys:     keys,
		runs:     runs,
	}
}

// DLQDepths handles GET /admin/dlq.
func (h *AdminHandler) DLQDepths(c *gin.Context) {
	depths, err := h.dlq.Depths(c.Request.Context())
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, gin.H{"depths": depths})
}

// ListDLQ handles GET /admin/dlq/:type.
func (h *AdminHandler) ListDLQ(c *gin.Context) {
	tasks, err := h.dlq.List(c.Request.Context(), c.Param("type"), queryInt64(c, "limit", 50))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, gin.H{"tasks": tasks})
}

// DLQBatchRequest bounds a requeue or purge pass.
type DLQBatchRequest struct {
	Count int64 `json:"count"`
}

// RequeueDLQ handles POST /admin/dlq/:type/requeue. Requeued tasks get a
// fresh retry budget at one priority bucket lower.
func (h *AdminHandler) RequeueDLQ(c *gin.Context) {
	var req DLQBatchRequest
	_ = c.ShouldBindJSON(&req)
	requeued, err := h.dlq.Requeue(c.Request.Context(), c.Param("type"), req.Count)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, gin.H{"requeued": requeued})
}

// PurgeDLQ handles POST /admin/dlq/:type/purge.
func (h *AdminHandler) PurgeDLQ(c *gin.Context) {
	var req DLQBatchRequest
	_ = c.ShouldBindJSON(&req)
	purged, err := h.dlq.Purge(c.Request.Context(), c.Param("type"), req.Count)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, gin.H{"purged": purged})
}

// Budgets handles GET /admin/budgets.
func (h *AdminHandler) Budgets(c *gin.Context) {
	ledgers, err := h.budget.Ledgers(c.Request.Context(), time.Now())
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, gin.H{"ledgers": ledgers})
}

// Circuits handles GET /admin/circuits.
func (h *AdminHandler) Circuits(c *gin.Context) {
	states, err := h.circuits.States(c.Request.Context())
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, gin.H{"circuits": states})
}

// RecentRuns handles GET /admin/runs.
func (h *AdminHandler) RecentRuns(c *gin.Context) {
	limit := int(queryInt64(c, "limit", 100))
	runs, err := h.runs.ListRecent(c.Request.Context(), limit)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, gin.H{"runs": runs})
}

// CreateKeyRequest mints a new API key.
type CreateKeyRequest struct {
	Name      string     `json:"name" binding:"required"`
	Role      string     `json:"role" binding:"required"`
	ExpiresAt *time.Time `json:"expires_at"`
}

// CreateKeyResponse carries the raw key exactly once.
type CreateKeyResponse struct {
	Key    string          `json:"key"`
	Record *service.APIKey `json:"record"`
}

// CreateKey handles POST /admin/keys.
func (h *AdminHandler) CreateKey(c *gin.Context) {
	var req CreateKeyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request body: "+err.Error())
		return
	}
	raw, key, err := h.keys.Create(c.Request.Context(), req.Name, req.Role, req.ExpiresAt)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, CreateKeyResponse{Key: raw, Record: key})
}

// RotateKeyRequest optionally overrides the overlap window.
type RotateKeyRequest struct {
	OverlapMinutes int `json:"overlap_minutes"`
}

// RotateKey handles POST /admin/keys/:id/rotate. The old key stays valid for
// the overlap window so clients can switch over.
func (h *AdminHandler) RotateKey(c *gin.Context) {
	var req RotateKeyRequest
	_ = c.ShouldBindJSON(&req)
	raw, key, err := h.keys.Rotate(c.Request.Context(), c.Param("id"), time.Duration(req.OverlapMinutes)*time.Minute)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, CreateKeyResponse{Key: raw, Record: key})
}

// RevokeKey handles DELETE /admin/keys/:id.
func (h *AdminHandler) RevokeKey(c *gin.Context) {
	if err := h.keys.Revoke(c.Request.Context(), c.Param("id")); err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, gin.H{"revoked": true})
}

// ListKeys handles GET /admin/keys. Hashes never leave the server.
func (h *AdminHandler) ListKeys(c *gin.Context) {
	keys, err := h.keys.List(c.Request.Context())
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, gin.H{"keys": keys})
}

func queryInt64(c *gin.Context, name string, def int64) int64 {
	raw := c.Query(name)
	if raw == "" {
		return def
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n <= 0 {
		return def
	}
	return n
}
