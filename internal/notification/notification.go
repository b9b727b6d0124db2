// Package notification is the outbound boundary for customer-facing
// messages. Dispatch happens after the billing transaction commits and is
// fire-and-forget; delivery failure never rolls back billing state.
package notification

import (
	"context"

	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	KindPlanChangeApplied = "plan_change_applied"
	KindPaymentRequired   = "payment_required"
	KindPaymentReceived   = "payment_received"
	KindPaymentFailed     = "payment_failed"
	KindRenewalStarted    = "renewal_started"
)

type Message struct {
	UserID         string
	SubscriptionID string
	Kind           string
	Data           map[string]any
}

type Dispatcher interface {
	Dispatch(ctx context.Context, msg Message)
}

type logDispatcher struct {
	log *zap.Logger
}

// NewDispatcher returns a dispatcher that records messages in the service
// log. The email/push collaborator consumes these records downstream.
func NewDispatcher(log *zap.Logger) Dispatcher {
	return &logDispatcher{log: log.Named("notification.dispatcher")}
}

func (d *logDispatcher) Dispatch(ctx context.Context, msg Message) {
	_ = ctx
	d.log.Info("notification dispatched",
		zap.String("kind", msg.Kind),
		zap.String("user_id", msg.UserID),
		zap.String("subscription_id", msg.SubscriptionID),
		zap.Any("data", msg.Data),
	)
}

var Module = fx.Module("notification",
	fx.Provide(NewDispatcher),
)
