// Package dunning drives the renewal sweep. On each tick it picks up
// active auto-renew subscriptions whose period has lapsed, opens a renewal
// transaction at the current plan price, and starts a checkout. Failures
// count against the dunning budget; an exhausted budget escalates to the
// configured terminal status.
package dunning

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/carelinkhq/carelink/internal/clock"
	"github.com/carelinkhq/carelink/internal/config"
	"github.com/carelinkhq/carelink/internal/notification"
	obsmetrics "github.com/carelinkhq/carelink/internal/observability/metrics"
	paymentdomain "github.com/carelinkhq/carelink/internal/payment/domain"
	plandomain "github.com/carelinkhq/carelink/internal/plan/domain"
	subscriptiondomain "github.com/carelinkhq/carelink/internal/subscription/domain"
	"github.com/carelinkhq/carelink/internal/subscriptionevent"
)

// ErrRenewalPending marks a lapsed subscription whose open renewal
// transaction already has a checkout attached; the customer has not paid
// within the backoff window, so the attempt counts against the budget.
var ErrRenewalPending = errors.New("dunning: renewal already pending payment")

type Sweeper struct {
	db  *gorm.DB
	log *zap.Logger

	genID    *snowflake.Node
	clock    clock.Clock
	repo     subscriptiondomain.Repository
	planRepo plandomain.Repository
	subsvc   subscriptiondomain.Service
	payments paymentdomain.Service
	events   subscriptionevent.Recorder
	notifier notification.Dispatcher
	holder   *config.BillingConfigHolder
	metrics  *obsmetrics.Metrics

	interval  time.Duration
	batchSize int

	stop chan struct{}
	done chan struct{}
}

type SweeperParam struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
	Clock clock.Clock
	Cfg   config.Config

	Repo     subscriptiondomain.Repository
	PlanRepo plandomain.Repository
	Subsvc   subscriptiondomain.Service
	Payments paymentdomain.Service
	Events   subscriptionevent.Recorder
	Notifier notification.Dispatcher
	Holder   *config.BillingConfigHolder
	Metrics  *obsmetrics.Metrics `optional:"true"`
}

func NewSweeper(p SweeperParam) *Sweeper {
	interval := time.Duration(p.Cfg.DunningSweepIntervalSeconds) * time.Second
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	batchSize := p.Cfg.DunningBatchSize
	if batchSize <= 0 {
		batchSize = 100
	}

	return &Sweeper{
		db:  p.DB,
		log: p.Log.Named("dunning.sweeper"),

		genID:    p.GenID,
		clock:    p.Clock,
		repo:     p.Repo,
		planRepo: p.PlanRepo,
		subsvc:   p.Subsvc,
		payments: p.Payments,
		events:   p.Events,
		notifier: p.Notifier,
		holder:   p.Holder,
		metrics:  p.Metrics,

		interval:  interval,
		batchSize: batchSize,

		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
}

func (s *Sweeper) run() {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), s.interval)
			if _, err := s.SweepOnce(ctx); err != nil {
				s.log.Error("renewal sweep failed", zap.Error(err))
			}
			cancel()
		}
	}
}

// SweepOnce processes one batch of lapsed subscriptions and reports how
// many renewals it initiated.
func (s *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	now := s.clock.Now().UTC()
	lapsed, err := s.repo.FindLapsedAutoRenew(ctx, s.db, now, s.batchSize)
	if err != nil {
		return 0, err
	}

	policy := s.holder.Get().Dunning
	initiated := 0
	for i := range lapsed {
		sub := &lapsed[i]
		if err := s.renew(ctx, sub, policy); err != nil {
			if errors.Is(err, ErrRenewalPending) {
				s.log.Warn("renewal still unpaid, counting attempt",
					zap.String("subscription_id", sub.ID.String()),
				)
			} else {
				s.log.Error("renewal failed",
					zap.String("subscription_id", sub.ID.String()),
					zap.Error(err),
				)
			}
			if err := s.subsvc.MarkRenewalAttemptFailed(ctx, sub.ID.String(), policy); err != nil {
				s.log.Error("recording renewal failure failed",
					zap.String("subscription_id", sub.ID.String()),
					zap.Error(err),
				)
			}
			if s.metrics != nil {
				s.metrics.RecordDunningTransition(ctx, "attempt_failed")
			}
			continue
		}
		initiated++
	}

	if initiated > 0 || len(lapsed) > 0 {
		s.log.Info("renewal sweep finished",
			zap.Int("lapsed", len(lapsed)),
			zap.Int("initiated", initiated),
		)
	}
	return initiated, nil
}

// renew opens a renewal transaction at the current plan's full price for
// the next monthly period and starts a checkout against the subscription's
// last payment provider. A subscription that already carries an open renew
// transaction is never given a second one: a row without a checkout gets
// its checkout retried, a row with one returns ErrRenewalPending.
func (s *Sweeper) renew(ctx context.Context, sub *subscriptiondomain.Subscription, policy config.DunningPolicy) error {
	now := s.clock.Now().UTC()

	pending, err := s.openRenewal(ctx, sub)
	if err != nil {
		return err
	}
	if pending != nil {
		if pending.PaymentID != nil {
			return ErrRenewalPending
		}
		// An earlier tick committed the ledger row but the checkout call
		// failed. Retry against the same row instead of opening another.
		if _, err := s.payments.CreateCheckout(ctx, paymentdomain.CreateCheckoutRequest{
			UserID:        sub.UserID.String(),
			TransactionID: pending.ID.String(),
			Provider:      s.checkoutProvider(ctx, sub),
		}); err != nil {
			return err
		}
		return s.deferNextAttempt(ctx, s.db, sub, policy, now)
	}

	plan, err := s.planRepo.FindByCode(ctx, s.db, sub.PlanCode)
	if err != nil {
		return err
	}
	if plan == nil || !plan.Active {
		return plandomain.ErrUnknownPlan
	}
	snapshot := plan.Snapshot()

	periodStart := now
	if sub.CurrentPeriodEnd != nil {
		periodStart = sub.CurrentPeriodEnd.UTC()
	}
	periodEnd := periodStart.AddDate(0, 1, 0)

	snapshotJSON, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}

	transaction := &subscriptiondomain.Transaction{
		ID:              s.genID.Generate(),
		SubscriptionID:  sub.ID,
		PlanCode:        sub.PlanCode,
		PlanSnapshot:    datatypes.JSON(snapshotJSON),
		PlanSnapshotNew: datatypes.JSON(snapshotJSON),
		AmountSubtotal:  snapshot.Price,
		AmountTotal:     snapshot.Price,
		Currency:        snapshot.Currency,
		PeriodStart:     &periodStart,
		PeriodEnd:       &periodEnd,
		Action:          subscriptiondomain.TransactionActionRenew,
		Status:          subscriptiondomain.TransactionStatusOpen,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.repo.InsertTransaction(ctx, tx, transaction); err != nil {
			return err
		}
		// Deferring the next attempt in the same transaction as the ledger
		// insert keeps the subscription out of the next sweep's lapsed set;
		// settlement clears the marker again.
		if err := s.deferNextAttempt(ctx, tx, sub, policy, now); err != nil {
			return err
		}
		txID := transaction.ID
		return s.events.Record(ctx, tx, sub.ID, &txID, subscriptionevent.EventTypeRenewalInitiated, map[string]any{
			"plan_code":    sub.PlanCode,
			"amount":       snapshot.Price,
			"currency":     snapshot.Currency,
			"period_start": periodStart,
			"period_end":   periodEnd,
			"attempt":      sub.RenewalAttempts + 1,
		})
	})
	if err != nil {
		return err
	}

	if _, err := s.payments.CreateCheckout(ctx, paymentdomain.CreateCheckoutRequest{
		UserID:        sub.UserID.String(),
		TransactionID: transaction.ID.String(),
		Provider:      s.checkoutProvider(ctx, sub),
	}); err != nil {
		return err
	}

	if s.metrics != nil {
		s.metrics.RecordDunningTransition(ctx, "renewal_initiated")
	}
	s.notifier.Dispatch(ctx, notification.Message{
		UserID:         sub.UserID.String(),
		SubscriptionID: sub.ID.String(),
		Kind:           notification.KindRenewalStarted,
		Data: map[string]any{
			"transaction_id": transaction.ID.String(),
			"amount":         snapshot.Price,
			"currency":       snapshot.Currency,
		},
	})
	return nil
}

// checkoutProvider picks the gateway for a renewal: the provider of the
// subscription's most recent settled transaction, falling back to manual.
func (s *Sweeper) checkoutProvider(ctx context.Context, sub *subscriptiondomain.Subscription) string {
	transactions, err := s.repo.ListTransactionsBySubscription(ctx, s.db, sub.ID)
	if err != nil {
		return paymentdomain.ProviderManual
	}
	for _, transaction := range transactions {
		if transaction.Status == subscriptiondomain.TransactionStatusPaid && transaction.Provider != nil && *transaction.Provider != "" {
			return *transaction.Provider
		}
	}
	return paymentdomain.ProviderManual
}

// openRenewal returns the subscription's open renew transaction, if any.
func (s *Sweeper) openRenewal(ctx context.Context, sub *subscriptiondomain.Subscription) (*subscriptiondomain.Transaction, error) {
	transactions, err := s.repo.ListTransactionsBySubscription(ctx, s.db, sub.ID)
	if err != nil {
		return nil, err
	}
	for i := range transactions {
		transaction := &transactions[i]
		if transaction.Action == subscriptiondomain.TransactionActionRenew &&
			transaction.Status == subscriptiondomain.TransactionStatusOpen {
			return transaction, nil
		}
	}
	return nil, nil
}

// deferNextAttempt pushes the subscription's next sweep eligibility one
// backoff window out without touching the attempt count.
func (s *Sweeper) deferNextAttempt(ctx context.Context, db *gorm.DB, sub *subscriptiondomain.Subscription, policy config.DunningPolicy, now time.Time) error {
	next := now.Add(time.Duration(policy.RetryBackoffHours) * time.Hour)
	sub.NextRenewalAttemptAt = &next
	sub.UpdatedAt = now
	return s.repo.Update(ctx, db, sub)
}

var Module = fx.Module("dunning",
	fx.Provide(NewSweeper),
	fx.Invoke(registerHooks),
)

func registerHooks(lc fx.Lifecycle, s *Sweeper) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go s.run()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			close(s.stop)
			select {
			case <-s.done:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		},
	})
}
