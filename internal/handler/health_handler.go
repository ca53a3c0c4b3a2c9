package handler

import (
	"context"
	"database/sql"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/aurea-ops/orchestrator/internal/service"
)

const healthPingTimeout = 2 * time.Second

// HealthHandler reports readiness. Healthy means both the durable store and
// the queue broker answer a ping.
type HealthHandler struct {
	db     *sql.DB
	broker service.QueueBroker
}

func NewHealthHandler(db *sql.DB, broker service.QueueBroker) *HealthHandler {
	return &HealthHandler{db: db, broker: broker}
}

// Health handles GET /health. 200 only when every component is reachable.
func (h *HealthHandler) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), healthPingTimeout)
	defer cancel()

	components := gin.H{}
	healthy := true

	if err := h.db.PingContext(ctx); err != nil {
		components["database"] = err.Error()
		healthy = false
	} else {
		components["database"] = "ok"
	}

	if err := h.broker.Ping(ctx); err != nil {
		components["broker"] = err.Error()
		healthy = false
	} else {
		components["broker"] = "ok"
	}

	status := http.StatusOK
	state := "ok"
	if !healthy {
		status = http.StatusServiceUnavailable
		state = "degraded"
	}
	c.JSON(status, gin.H{"status": state, "components": components})
}
