package payment

import (
	"go.uber.org/fx"

	"github.com/carelinkhq/carelink/internal/payment/adapters"
	"github.com/carelinkhq/carelink/internal/payment/adapters/manual"
	"github.com/carelinkhq/carelink/internal/payment/adapters/stripe"
	"github.com/carelinkhq/carelink/internal/payment/adapters/vnpay"
	"github.com/carelinkhq/carelink/internal/payment/repository"
	"github.com/carelinkhq/carelink/internal/payment/service"
	"github.com/carelinkhq/carelink/internal/payment/webhook"
)

func newRegistry() *adapters.Registry {
	return adapters.NewRegistry(
		stripe.NewFactory(),
		vnpay.NewFactory(),
		manual.NewFactory(),
	)
}

var Module = fx.Module("payment.service",
	fx.Provide(
		newRegistry,
		repository.Provide,
		service.NewService,
		webhook.NewService,
	),
)
