package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/carelinkhq/carelink/internal/clock"
	"github.com/carelinkhq/carelink/internal/notification"
	obsmetrics "github.com/carelinkhq/carelink/internal/observability/metrics"
	paymentdomain "github.com/carelinkhq/carelink/internal/payment/domain"
	plandomain "github.com/carelinkhq/carelink/internal/plan/domain"
	subscriptiondomain "github.com/carelinkhq/carelink/internal/subscription/domain"
	"github.com/carelinkhq/carelink/internal/subscriptionevent"
	"github.com/carelinkhq/carelink/pkg/db"
)

const (
	lockRetryBudget  = 3
	lockRetryBackoff = 25 * time.Millisecond
)

type Service struct {
	db  *gorm.DB
	log *zap.Logger

	genID    *snowflake.Node
	clock    clock.Clock
	repo     paymentdomain.Repository
	subRepo  subscriptiondomain.Repository
	events   subscriptionevent.Recorder
	notifier notification.Dispatcher
	metrics  *obsmetrics.Metrics
}

type ServiceParam struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
	Clock clock.Clock
	Repo  paymentdomain.Repository

	SubRepo  subscriptiondomain.Repository
	Events   subscriptionevent.Recorder
	Notifier notification.Dispatcher
	Metrics  *obsmetrics.Metrics `optional:"true"`
}

func NewService(p ServiceParam) paymentdomain.Service {
	return &Service{
		db:  p.DB,
		log: p.Log.Named("payment.service"),

		genID:    p.GenID,
		clock:    p.Clock,
		repo:     p.Repo,
		subRepo:  p.SubRepo,
		events:   p.Events,
		notifier: p.Notifier,
		metrics:  p.Metrics,
	}
}

// CreateCheckout opens a pending payment for an unpaid transaction and
// stamps the payment reference onto the ledger row. The returned payment id
// is what the gateway echoes back in its webhook (stripe metadata, vnpay
// vnp_TxnRef, manual payment_id).
func (s *Service) CreateCheckout(ctx context.Context, req paymentdomain.CreateCheckoutRequest) (*paymentdomain.Payment, error) {
	userID, err := snowflake.ParseString(strings.TrimSpace(req.UserID))
	if err != nil {
		return nil, subscriptiondomain.ErrTransactionNotFound
	}
	transactionID, err := snowflake.ParseString(strings.TrimSpace(req.TransactionID))
	if err != nil {
		return nil, subscriptiondomain.ErrTransactionNotFound
	}

	provider := strings.ToLower(strings.TrimSpace(req.Provider))
	switch provider {
	case paymentdomain.ProviderStripe, paymentdomain.ProviderVNPay, paymentdomain.ProviderManual:
	default:
		return nil, paymentdomain.ErrInvalidProvider
	}

	var payment *paymentdomain.Payment
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		transaction, err := s.subRepo.FindTransactionByID(ctx, tx, transactionID)
		if err != nil {
			return err
		}
		if transaction == nil {
			return subscriptiondomain.ErrTransactionNotFound
		}

		subscription, err := s.subRepo.FindByID(ctx, tx, transaction.SubscriptionID)
		if err != nil {
			return err
		}
		if subscription == nil || subscription.UserID != userID {
			return subscriptiondomain.ErrTransactionNotFound
		}

		switch transaction.Status {
		case subscriptiondomain.TransactionStatusDraft, subscriptiondomain.TransactionStatusOpen:
		case subscriptiondomain.TransactionStatusPaid:
			return paymentdomain.ErrAlreadyApplied
		default:
			return subscriptiondomain.ErrInvalidState
		}

		now := s.clock.Now().UTC()
		payment = &paymentdomain.Payment{
			ID:        s.genID.Generate(),
			UserID:    userID,
			PlanCode:  transaction.PlanCode,
			Amount:    transaction.AmountTotal,
			Currency:  transaction.Currency,
			Status:    paymentdomain.PaymentStatusPending,
			Provider:  provider,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := s.repo.InsertPayment(ctx, tx, payment); err != nil {
			return err
		}

		attached, err := s.subRepo.AttachPaymentToTransaction(ctx, tx, transaction.ID, payment.ID, provider, now)
		if err != nil {
			return err
		}
		if !attached {
			return subscriptiondomain.ErrInvalidState
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("checkout created",
		zap.String("payment_id", payment.ID.String()),
		zap.String("transaction_id", transactionID.String()),
		zap.String("provider", provider),
		zap.Int64("amount", payment.Amount),
	)
	return payment, nil
}

// ApplyUpgradeOnPaymentSuccess settles the transaction bound to paymentID
// and applies its frozen plan snapshot to the subscription. The settle is a
// check-and-set on the transaction status, so replays and concurrent
// deliveries collapse to ErrAlreadyApplied with no second mutation.
func (s *Service) ApplyUpgradeOnPaymentSuccess(ctx context.Context, paymentID string) error {
	id, err := snowflake.ParseString(strings.TrimSpace(paymentID))
	if err != nil {
		return paymentdomain.ErrPaymentNotFound
	}

	var (
		subscriptionID snowflake.ID
		ownerID        snowflake.ID
		appliedPlan    string
	)
	err = s.withLockRetry(ctx, func(tx *gorm.DB) error {
		transaction, err := s.subRepo.FindTransactionByPaymentID(ctx, tx, id)
		if err != nil {
			return err
		}
		if transaction == nil {
			return subscriptiondomain.ErrTransactionNotFound
		}

		switch transaction.Status {
		case subscriptiondomain.TransactionStatusPaid:
			return paymentdomain.ErrAlreadyApplied
		case subscriptiondomain.TransactionStatusDraft, subscriptiondomain.TransactionStatusOpen:
		default:
			return subscriptiondomain.ErrInvalidState
		}

		subscription, err := s.subRepo.FindByIDForUpdate(ctx, tx, transaction.SubscriptionID)
		if err != nil {
			return err
		}
		if subscription == nil {
			return subscriptiondomain.ErrSubscriptionNotFound
		}

		now := s.clock.Now().UTC()
		settled, err := s.subRepo.SettleTransaction(ctx, tx, transaction.ID, subscriptiondomain.TransactionStatusPaid, &id, transaction.ProviderPaymentID, now)
		if err != nil {
			return err
		}
		if !settled {
			return paymentdomain.ErrAlreadyApplied
		}

		var snapshot plandomain.Snapshot
		if len(transaction.PlanSnapshotNew) > 0 {
			if err := json.Unmarshal(transaction.PlanSnapshotNew, &snapshot); err != nil {
				return fmt.Errorf("decode plan snapshot: %w", err)
			}
		}
		if snapshot.Code != "" {
			subscription.PlanCode = snapshot.Code
		}
		if transaction.PeriodStart != nil {
			subscription.CurrentPeriodStart = transaction.PeriodStart
		}
		if transaction.PeriodEnd != nil {
			subscription.CurrentPeriodEnd = transaction.PeriodEnd
		}

		// Settling a payment pulls trialing and past_due subscriptions
		// back to active. Paused stays paused until an explicit resume.
		if subscription.Status != subscriptiondomain.SubscriptionStatusActive &&
			subscriptiondomain.IsTransitionAllowed(subscription.Status, subscriptiondomain.SubscriptionStatusActive) &&
			subscription.Status != subscriptiondomain.SubscriptionStatusPaused {
			subscription.Status = subscriptiondomain.SubscriptionStatusActive
		}
		subscription.RenewalAttempts = 0
		subscription.NextRenewalAttemptAt = nil
		subscription.LastPaymentAt = &now
		subscription.UpdatedAt = now

		if err := s.subRepo.Update(ctx, tx, subscription); err != nil {
			return err
		}

		payment, err := s.repo.FindPaymentByID(ctx, tx, id)
		if err != nil {
			return err
		}
		if payment != nil {
			if err := s.repo.UpdatePaymentStatus(ctx, tx, id, paymentdomain.PaymentStatusPaid, transaction.ProviderPaymentID, nil, now); err != nil {
				return err
			}
		}

		subscriptionID = subscription.ID
		ownerID = subscription.UserID
		appliedPlan = subscription.PlanCode
		txID := transaction.ID
		return s.events.Record(ctx, tx, subscription.ID, &txID, subscriptionevent.EventTypePlanChangeApplied, map[string]any{
			"plan_code":  subscription.PlanCode,
			"payment_id": id.String(),
			"amount":     transaction.AmountTotal,
			"currency":   transaction.Currency,
		})
	})
	if err != nil {
		if s.metrics != nil && !errors.Is(err, paymentdomain.ErrAlreadyApplied) {
			s.metrics.RecordReconciliation(ctx, "error")
		}
		return err
	}

	if s.metrics != nil {
		s.metrics.RecordReconciliation(ctx, "applied")
	}
	s.notifier.Dispatch(ctx, notification.Message{
		UserID:         ownerID.String(),
		SubscriptionID: subscriptionID.String(),
		Kind:           notification.KindPaymentReceived,
		Data: map[string]any{
			"plan_code":  appliedPlan,
			"payment_id": id.String(),
		},
	})
	return nil
}

// ProcessEvent records a normalized gateway event and reconciles it into
// billing state. Replayed deliveries short-circuit on the event record;
// events that raced an earlier apply are acknowledged without effect.
func (s *Service) ProcessEvent(ctx context.Context, event *paymentdomain.PaymentEvent, payload []byte) error {
	if event == nil {
		return paymentdomain.ErrInvalidEvent
	}
	if strings.TrimSpace(event.Provider) == "" || strings.TrimSpace(event.ProviderEventID) == "" {
		return paymentdomain.ErrInvalidEvent
	}
	if strings.TrimSpace(event.PaymentID) == "" {
		return paymentdomain.ErrInvalidEvent
	}

	record, err := s.recordEvent(ctx, event, payload)
	if err != nil {
		return err
	}
	if record.ProcessedAt != nil {
		return paymentdomain.ErrEventAlreadyProcessed
	}

	switch event.Type {
	case paymentdomain.EventTypePaymentSucceeded:
		err = s.ApplyUpgradeOnPaymentSuccess(ctx, event.PaymentID)
		if errors.Is(err, paymentdomain.ErrAlreadyApplied) {
			err = nil
		}
	case paymentdomain.EventTypePaymentFailed:
		err = s.applyPaymentFailure(ctx, event)
	default:
		return paymentdomain.ErrInvalidEvent
	}
	if err != nil {
		return err
	}

	return s.repo.MarkProcessed(ctx, s.db, record.ID, s.clock.Now().UTC())
}

// recordEvent inserts the dedup row, or loads the winner when a concurrent
// delivery got there first.
func (s *Service) recordEvent(ctx context.Context, event *paymentdomain.PaymentEvent, payload []byte) (*paymentdomain.EventRecord, error) {
	var eventPaymentID snowflake.ID
	if parsed, err := snowflake.ParseString(event.PaymentID); err == nil {
		eventPaymentID = parsed
	}

	record := &paymentdomain.EventRecord{
		ID:              s.genID.Generate(),
		Provider:        event.Provider,
		ProviderEventID: event.ProviderEventID,
		EventType:       event.Type,
		PaymentID:       eventPaymentID,
		Payload:         datatypes.JSON(payload),
		ReceivedAt:      s.clock.Now().UTC(),
	}

	inserted, err := s.repo.InsertEvent(ctx, s.db, record)
	if err != nil {
		return nil, err
	}
	if inserted {
		return record, nil
	}

	existing, err := s.repo.FindEvent(ctx, s.db, event.Provider, event.ProviderEventID)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		return nil, fmt.Errorf("payment event %s/%s vanished after conflict", event.Provider, event.ProviderEventID)
	}
	return existing, nil
}

func (s *Service) applyPaymentFailure(ctx context.Context, event *paymentdomain.PaymentEvent) error {
	id, err := snowflake.ParseString(strings.TrimSpace(event.PaymentID))
	if err != nil {
		return paymentdomain.ErrPaymentNotFound
	}

	var (
		subscriptionID snowflake.ID
		ownerID        snowflake.ID
	)
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := s.clock.Now().UTC()

		payment, err := s.repo.FindPaymentByID(ctx, tx, id)
		if err != nil {
			return err
		}
		if payment != nil && payment.Status == paymentdomain.PaymentStatusPending {
			eventID := event.ProviderEventID
			if err := s.repo.UpdatePaymentStatus(ctx, tx, id, paymentdomain.PaymentStatusFailed, nil, &eventID, now); err != nil {
				return err
			}
		}

		transaction, err := s.subRepo.FindTransactionByPaymentID(ctx, tx, id)
		if err != nil {
			return err
		}
		if transaction == nil {
			return nil
		}

		subscriptionID = transaction.SubscriptionID
		subscription, err := s.subRepo.FindByID(ctx, tx, transaction.SubscriptionID)
		if err != nil {
			return err
		}
		if subscription != nil {
			ownerID = subscription.UserID
		}

		txID := transaction.ID
		return s.events.Record(ctx, tx, transaction.SubscriptionID, &txID, subscriptionevent.EventTypePaymentFailed, map[string]any{
			"payment_id": id.String(),
			"provider":   event.Provider,
			"event_id":   event.ProviderEventID,
		})
	})
	if err != nil {
		return err
	}

	if subscriptionID != 0 {
		s.notifier.Dispatch(ctx, notification.Message{
			UserID:         ownerID.String(),
			SubscriptionID: subscriptionID.String(),
			Kind:           notification.KindPaymentFailed,
			Data: map[string]any{
				"payment_id": id.String(),
				"provider":   event.Provider,
			},
		})
	}
	return nil
}

// withLockRetry runs fn in a transaction, retrying lock contention with
// doubling backoff before giving up.
func (s *Service) withLockRetry(ctx context.Context, fn func(tx *gorm.DB) error) error {
	backoff := lockRetryBackoff
	var err error
	for attempt := 0; attempt < lockRetryBudget; attempt++ {
		err = s.db.WithContext(ctx).Transaction(fn)
		if err == nil || !db.IsLockContentionErr(err) {
			return err
		}

		s.log.Warn("lock contention, retrying",
			zap.Int("attempt", attempt+1),
			zap.Duration("backoff", backoff),
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return fmt.Errorf("%w: %v", subscriptiondomain.ErrConcurrentModification, err)
}
