package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/carelinkhq/carelink/internal/config"
	obsmetrics "github.com/carelinkhq/carelink/internal/observability/metrics"
	"github.com/carelinkhq/carelink/internal/payment/adapters"
	paymentdomain "github.com/carelinkhq/carelink/internal/payment/domain"
)

type Service struct {
	log      *zap.Logger
	cfg      config.Config
	registry *adapters.Registry
	payments paymentdomain.Service
	metrics  *obsmetrics.Metrics
}

type ServiceParam struct {
	fx.In

	Log      *zap.Logger
	Cfg      config.Config
	Registry *adapters.Registry
	Payments paymentdomain.Service
	Metrics  *obsmetrics.Metrics `optional:"true"`
}

func NewService(p ServiceParam) paymentdomain.WebhookService {
	return &Service{
		log:      p.Log.Named("payment.webhook"),
		cfg:      p.Cfg,
		registry: p.Registry,
		payments: p.Payments,
		metrics:  p.Metrics,
	}
}

// IngestWebhook verifies, parses, and reconciles one gateway delivery.
// Replays return nil so the gateway stops retrying.
func (s *Service) IngestWebhook(ctx context.Context, provider string, payload []byte, headers http.Header) error {
	provider = strings.ToLower(strings.TrimSpace(provider))
	if provider == "" || !s.registry.ProviderExists(provider) {
		return paymentdomain.ErrProviderNotFound
	}
	if len(payload) == 0 || !json.Valid(payload) {
		return paymentdomain.ErrInvalidPayload
	}

	adapter, err := s.registry.NewAdapter(provider, s.adapterConfig(provider))
	if err != nil {
		return err
	}

	if err := adapter.Verify(ctx, payload, headers); err != nil {
		s.log.Warn("webhook signature rejected", zap.String("provider", provider))
		return err
	}

	event, err := adapter.Parse(ctx, payload)
	if err != nil {
		if errors.Is(err, paymentdomain.ErrEventIgnored) {
			s.log.Debug("webhook event ignored", zap.String("provider", provider))
			return nil
		}
		return err
	}

	if s.metrics != nil {
		s.metrics.RecordWebhookIngest(ctx, provider, event.Type)
	}

	err = s.payments.ProcessEvent(ctx, event, payload)
	if errors.Is(err, paymentdomain.ErrEventAlreadyProcessed) || errors.Is(err, paymentdomain.ErrAlreadyApplied) {
		s.log.Info("webhook replay acknowledged",
			zap.String("provider", provider),
			zap.String("event_id", event.ProviderEventID),
		)
		return nil
	}
	if err != nil {
		return err
	}

	s.log.Info("webhook processed",
		zap.String("provider", provider),
		zap.String("event_id", event.ProviderEventID),
		zap.String("event_type", event.Type),
		zap.String("payment_id", event.PaymentID),
	)
	return nil
}

func (s *Service) adapterConfig(provider string) paymentdomain.AdapterConfig {
	switch provider {
	case paymentdomain.ProviderStripe:
		return paymentdomain.AdapterConfig{Config: map[string]any{"webhook_secret": s.cfg.StripeWebhookSecret}}
	case paymentdomain.ProviderVNPay:
		return paymentdomain.AdapterConfig{Config: map[string]any{"hash_secret": s.cfg.VNPayHashSecret}}
	case paymentdomain.ProviderManual:
		return paymentdomain.AdapterConfig{Config: map[string]any{"webhook_token": s.cfg.ManualWebhookToken}}
	default:
		return paymentdomain.AdapterConfig{Config: map[string]any{}}
	}
}
