package subscription

import (
	"github.com/carelinkhq/carelink/internal/subscription/repository"
	"github.com/carelinkhq/carelink/internal/subscription/service"
	"go.uber.org/fx"
)

var Module = fx.Module("subscription.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
)
