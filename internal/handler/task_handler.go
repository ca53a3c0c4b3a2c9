// Package handler maps the HTTP surface onto the service layer. Handlers
// validate and translate; all behavior lives in internal/service.
package handler

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/aurea-ops/orchestrator/internal/domain"
	"github.com/aurea-ops/orchestrator/internal/pkg/response"
	"github.com/aurea-ops/orchestrator/internal/service"
)

const (
	streamPollInterval = time.Second
	streamIdleTimeout  = 10 * time.Minute
)

// TaskHandler serves task submission, inspection, cancellation and streaming.
type TaskHandler struct {
	tasks *service.TaskService
}

func NewTaskHandler(tasks *service.TaskService) *TaskHandler {
	return &TaskHandler{tasks: tasks}
}

// SubmitTaskRequest is the POST /tasks payload.
type SubmitTaskRequest struct {
	Type           string          `json:"type" binding:"required"`
	Payload        json.RawMessage `json:"payload"`
	Priority       int             `json:"priority"`
	IdempotencyKey string          `json:"idempotency_key"`
	TraceID        string          `json:"trace_id"`
	Provider       string          `json:"provider"`
	EstCostUSD     float64         `json:"est_cost_usd"`
}

// SubmitTaskResponse acknowledges a submission. Duplicate is true when an
// existing task was returned for a reused idempotency key.
type SubmitTaskResponse struct {
	TaskID    string `json:"task_id"`
	Status    string `json:"status"`
	Duplicate bool   `json:"duplicate,omitempty"`
}

// Submit handles POST /tasks. A reused idempotency key answers 409 with the
// existing task id so callers can converge on one task.
func (h *TaskHandler) Submit(c *gin.Context) {
	var req SubmitTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request body: "+err.Error())
		return
	}

	task, duplicate, err := h.tasks.Submit(c.Request.Context(), service.SubmitInput{
		Type:           req.Type,
		Payload:        req.Payload,
		Priority:       req.Priority,
		IdempotencyKey: req.IdempotencyKey,
		TraceID:        req.TraceID,
		Provider:       req.Provider,
		EstCostUSD:     req.EstCostUSD,
	})
	if err != nil {
		response.Error(c, err)
		return
	}

	ack := SubmitTaskResponse{TaskID: task.ID, Status: task.Status, Duplicate: duplicate}
	if duplicate {
		c.JSON(http.StatusConflict, ack)
		return
	}
	response.Created(c, ack)
}

// Get handles GET /tasks/:id.
func (h *TaskHandler) Get(c *gin.Context) {
	task, err := h.tasks.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, task)
}

// Cancel handles POST /tasks/:id/cancel. Only queued tasks can be withdrawn.
func (h *TaskHandler) Cancel(c *gin.Context) {
	task, err := h.tasks.Cancel(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, task)
}

// Runs handles GET /tasks/:id/runs.
func (h *TaskHandler) Runs(c *gin.Context) {
	runs, err := h.tasks.ListRuns(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, gin.H{"runs": runs})
}

// Stats handles GET /admin/stats.
func (h *TaskHandler) Stats(c *gin.Context) {
	stats, err := h.tasks.Stats(c.Request.Context())
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, stats)
}

// Stream handles GET /stream/:id as server-sent events. Status transitions
// emit `status` events; terminal states emit a final `done` or `error` event.
// The stream closes after ten minutes without a transition.
func (h *TaskHandler) Stream(c *gin.Context) {
	ctx := c.Request.Context()
	task, err := h.tasks.Get(ctx, c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	lastStatus := ""
	lastEvent := time.Now()
	emit := func(task *service.Task) bool {
		if task.Status == lastStatus {
			return true
		}
		lastStatus = task.Status
		lastEvent = time.Now()
		writeSSE(c, "status", task)
		switch task.Status {
		case domain.TaskStatusDone:
			writeSSE(c, "done", task)
			return false
		case domain.TaskStatusFailed, domain.TaskStatusCanceled:
			writeSSE(c, "error", task)
			return false
		}
		return true
	}

	if !emit(task) {
		return
	}

	ticker := time.NewTicker(streamPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			task, err := h.tasks.Get(ctx, c.Param("id"))
			if err != nil {
				if errors.Is(err, service.ErrTaskNotFound) {
					writeSSE(c, "error", gin.H{"error": "task_not_found"})
				}
				return
			}
			if !emit(task) {
				return
			}
			if time.Since(lastEvent) > streamIdleTimeout {
				writeSSE(c, "error", gin.H{"error": "stream_idle_timeout"})
				return
			}
		}
	}
}

func writeSSE(c *gin.Context, event string, data any) {
	payload, err := json.Marshal(data)
	if err != nil {
		return
	}
	var b strings.Builder
	b.WriteString("event: ")
	b.WriteString(event)
	b.WriteString("\ndata: ")
	b.Write(payload)
	b.WriteString("\n\n")
	_, _ = io.WriteString(c.Writer, b.String())
	c.Writer.Flush()
}
