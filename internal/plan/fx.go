package plan

import (
	"github.com/carelinkhq/carelink/internal/plan/repository"
	"github.com/carelinkhq/carelink/internal/plan/service"
	"go.uber.org/fx"
)

var Module = fx.Module("plan.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.New),
)
