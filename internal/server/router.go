// Package server assembles the gin engine and the HTTP server lifecycle.
package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/wire"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/aurea-ops/orchestrator/internal/config"
	"github.com/aurea-ops/orchestrator/internal/domain"
	"github.com/aurea-ops/orchestrator/internal/handler"
	"github.com/aurea-ops/orchestrator/internal/server/middleware"
)

// ProviderSet provides the configured engine and the HTTP server.
var ProviderSet = wire.NewSet(
	SetupRouter,
	NewHTTPServer,
)

// SetupRouter builds the engine and wires middleware and routes onto it.
func SetupRouter(
	h *handler.Handlers,
	apiKeyAuth middleware.APIKeyAuthMiddleware,
	cfg *config.Config,
) *gin.Engine {
	if cfg.Log.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.RequestLogger())
	r.Use(middleware.CORS())

	// Unauthenticated surface. Webhooks authenticate by signature.
	r.GET("/health", h.Health.Health)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.POST("/webhooks/:source", h.Webhook.Receive)

	// Task API. Writes need role service, reads need readonly.
	r.POST("/tasks", apiKeyAuth(domain.RoleService), h.Task.Submit)
	r.POST("/tasks/:id/cancel", apiKeyAuth(domain.RoleService), h.Task.Cancel)
	r.GET("/tasks/:id", apiKeyAuth(domain.RoleReadonly), h.Task.Get)
	r.GET("/tasks/:id/runs", apiKeyAuth(domain.RoleReadonly), h.Task.Runs)
	r.GET("/stream/:id", apiKeyAuth(domain.RoleReadonly), h.Task.Stream)

	admin := r.Group("/admin", apiKeyAuth(domain.RoleAdmin))
	{
		admin.GET("/stats", h.Task.Stats)
		admin.GET("/runs", h.Admin.RecentRuns)
		admin.GET("/budgets", h.Admin.Budgets)
		admin.GET("/circuits", h.Admin.Circuits)

		admin.GET("/dlq", h.Admin.DLQDepths)
		admin.GET("/dlq/:type", h.Admin.ListDLQ)
		admin.POST("/dlq/:type/requeue", h.Admin.RequeueDLQ)
		admin.POST("/dlq/:type/purge", h.Admin.PurgeDLQ)

		admin.GET("/keys", h.Admin.ListKeys)
		admin.POST("/keys", h.Admin.CreateKey)
		admin.POST("/keys/:id/rotate", h.Admin.RotateKey)
		admin.DELETE("/keys/:id", h.Admin.RevokeKey)
	}

	return r
}

// NewHTTPServer builds the listener around the configured engine. The write
// timeout stays zero by default so SSE streams are not cut off.
func NewHTTPServer(r *gin.Engine, cfg *config.Config) *http.Server {
	return &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      r,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeoutSec) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeoutSec) * time.Second,
	}
}
