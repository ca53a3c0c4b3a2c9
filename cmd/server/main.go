// Command server runs the orchestration API: task submission, webhooks,
// streaming and the admin surface. Workers run separately (cmd/worker).
package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/aurea-ops/orchestrator/internal/config"
	"github.com/aurea-ops/orchestrator/internal/pkg/logger"
)

const shutdownTimeout = 10 * time.Second

// Application bundles what main needs to run.
type Application struct {
	Server *http.Server
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if err := logger.Init(logger.InitOptions{
		Level:       cfg.Log.Level,
		Format:      cfg.Log.Format,
		ServiceName: cfg.Log.ServiceName,
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

	go func() {
		logger.L().Info("http server listening", zap.String("addr", app.Server.Addr))
		if err := app.Server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.L().Fatal("http server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.L().Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := app.Server.Shutdown(ctx); err != nil {
		logger.L().Error("http shutdown", zap.Error(err))
	}
}
