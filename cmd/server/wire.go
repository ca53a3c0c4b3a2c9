//go:build wireinject
// +build wireinject

package main

import (
	"github.com/google/wire"

	"github.com/aurea-ops/orchestrator/internal/config"
	"github.com/aurea-ops/orchestrator/internal/handler"
	"github.com/aurea-ops/orchestrator/internal/repository"
	"github.com/aurea-ops/orchestrator/internal/server"
	"github.com/aurea-ops/orchestrator/internal/server/middleware"
	"github.com/aurea-ops/orchestrator/internal/service"
	"github.com/aurea-ops/orchestrator/internal/taskhandler"
)

func initializeApplication() (*Application, func(), error) {
	wire.Build(
		config.ProviderSet,
		repository.ProviderSet,
		service.ProviderSet,
		taskhandler.ProviderSet,
		middleware.ProviderSet,
		handler.ProviderSet,
		server.ProviderSet,
		wire.Struct(new(Application), "Server"),
	)
	return nil, nil, nil
}
