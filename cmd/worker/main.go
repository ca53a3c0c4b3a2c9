// Command worker runs the task dispatcher, the outbox relay and the nightly
// maintenance schedule. Scale horizontally by running more replicas; leases
// keep them from stepping on each other.
package main

import (
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/aurea-ops/orchestrator/internal/config"
	"github.com/aurea-ops/orchestrator/internal/pkg/logger"
	"github.com/aurea-ops/orchestrator/internal/service"
)

// Application bundles the worker's long-running components.
type Application struct {
	Dispatcher  *service.Dispatcher
	OutboxRelay *service.OutboxRelay
	Maintenance *service.MaintenanceService
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if err := logger.Init(logger.InitOptions{
		Level:       cfg.Log.Level,
		Format:      cfg.Log.Format,
		ServiceName: cfg.Log.ServiceName + "-worker",
		Environment: cfg.Log.Environment,
		Output: logger.OutputOptions{
			ToStdout: cfg.Log.ToStdout,
			ToFile:   cfg.Log.ToFile,
			FilePath: cfg.Log.FilePath,
		},
	}); err != nil {
		log.Fatalf("init logger: %v", err)
	}
	defer logger.Sync()

	app, cleanup, err := initializeApplication()
	if err != nil {
		logger.L().Fatal("initialize application", zap.Error(err))
	}
	defer cleanup()

	app.Maintenance.Start()
	app.OutboxRelay.Start()
	app.Dispatcher.Start()
	logger.L().Info("worker started",
		zap.Int("max_concurrency", cfg.Dispatcher.MaxConcurrency),
		zap.Int("lease_seconds", cfg.Dispatcher.LeaseSeconds))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.L().Info("shutting down")
	app.Dispatcher.Stop()
	app.OutboxRelay.Stop()
	app.Maintenance.Stop()
}
