package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/carelinkhq/carelink/internal/billing/proration"
	"github.com/carelinkhq/carelink/internal/clock"
	"github.com/carelinkhq/carelink/internal/config"
	plandomain "github.com/carelinkhq/carelink/internal/plan/domain"
	subscriptiondomain "github.com/carelinkhq/carelink/internal/subscription/domain"
	"github.com/carelinkhq/carelink/internal/subscriptionevent"
	"github.com/carelinkhq/carelink/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
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
	repo     subscriptiondomain.Repository
	planRepo plandomain.Repository
	plansvc  plandomain.Service
	events   subscriptionevent.Recorder
}

type ServiceParam struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
	Clock clock.Clock
	Repo  subscriptiondomain.Repository

	PlanRepo plandomain.Repository
	Plansvc  plandomain.Service
	Events   subscriptionevent.Recorder
}

func NewService(p ServiceParam) subscriptiondomain.Service {
	return &Service{
		db:  p.DB,
		log: p.Log.Named("subscription.service"),

		genID:    p.GenID,
		clock:    p.Clock,
		repo:     p.Repo,
		planRepo: p.PlanRepo,
		plansvc:  p.Plansvc,
		events:   p.Events,
	}
}

func (s *Service) PrepareUpgrade(ctx context.Context, req subscriptiondomain.PrepareChangeRequest) (subscriptiondomain.ChangeResult, error) {
	return s.prepareChange(ctx, req, subscriptiondomain.TransactionActionUpgrade)
}

func (s *Service) PrepareDowngrade(ctx context.Context, req subscriptiondomain.PrepareChangeRequest) (subscriptiondomain.ChangeResult, error) {
	return s.prepareChange(ctx, req, subscriptiondomain.TransactionActionDowngrade)
}

// prepareChange runs the read-compute-insert-mutate sequence for a plan
// change inside one database transaction with the subscription row locked.
//
// Validation failures (unknown plan, missing subscription) return before any
// write, so a retry fails identically instead of replaying a side effect.
func (s *Service) prepareChange(ctx context.Context, req subscriptiondomain.PrepareChangeRequest, action subscriptiondomain.TransactionAction) (subscriptiondomain.ChangeResult, error) {
	subscriptionID, err := snowflake.ParseString(strings.TrimSpace(req.SubscriptionID))
	if err != nil {
		return subscriptiondomain.ChangeResult{}, subscriptiondomain.ErrSubscriptionNotFound
	}
	userID, err := snowflake.ParseString(strings.TrimSpace(req.UserID))
	if err != nil {
		return subscriptiondomain.ChangeResult{}, subscriptiondomain.ErrSubscriptionNotFound
	}

	key := strings.TrimSpace(req.IdempotencyKey)
	if key != "" {
		existing, err := s.repo.FindTransactionByIdempotencyKey(ctx, s.db, key)
		if err != nil {
			return subscriptiondomain.ChangeResult{}, err
		}
		if existing != nil {
			return resultFromTransaction(existing), nil
		}
	}

	newPlan, err := s.plansvc.GetPlan(ctx, req.PlanCode)
	if err != nil {
		return subscriptiondomain.ChangeResult{}, err
	}

	var result subscriptiondomain.ChangeResult
	err = s.withLockRetry(ctx, func(tx *gorm.DB) error {
		sub, err := s.repo.FindByIDForUpdate(ctx, tx, subscriptionID)
		if err != nil {
			return err
		}
		if sub == nil || sub.UserID != userID {
			return subscriptiondomain.ErrSubscriptionNotFound
		}
		if sub.Status == subscriptiondomain.SubscriptionStatusCanceled {
			return subscriptiondomain.ErrInvalidState
		}

		now := s.clock.Now().UTC()

		if sub.PlanCode == newPlan.Code {
			result = subscriptiondomain.ChangeResult{
				Status:      subscriptiondomain.ChangeStatusSuccess,
				AmountDue:   0,
				Currency:    newPlan.Currency,
				PeriodStart: derefTime(sub.CurrentPeriodStart),
				PeriodEnd:   derefTime(sub.CurrentPeriodEnd),
			}
			return nil
		}

		oldSnap := s.snapshotCurrentPlan(ctx, tx, sub, newPlan.Currency)
		calc := proration.Compute(oldSnap, newPlan.Snapshot(), derefTime(sub.CurrentPeriodStart), derefTime(sub.CurrentPeriodEnd), now)

		row := s.buildChangeTransaction(sub, oldSnap, newPlan.Snapshot(), calc, action, req.Provider, key, now)

		if err := s.repo.InsertTransaction(ctx, tx, row); err != nil {
			return err
		}

		if calc.AmountDue > 0 {
			if err := s.events.Record(ctx, tx, sub.ID, &row.ID, subscriptionevent.EventTypePlanChangePrepared, changeEventPayload(sub, row)); err != nil {
				return err
			}
			result = resultFromTransaction(row)
			return nil
		}

		// Zero due: the change applies synchronously. Status does not move,
		// only plan terms and period bounds do.
		sub.PlanCode = newPlan.Code
		sub.CurrentPeriodStart = &calc.PeriodStart
		sub.CurrentPeriodEnd = &calc.PeriodEnd
		sub.UpdatedAt = now
		if err := s.repo.Update(ctx, tx, sub); err != nil {
			return err
		}
		if err := s.events.Record(ctx, tx, sub.ID, &row.ID, subscriptionevent.EventTypePlanChangeApplied, changeEventPayload(sub, row)); err != nil {
			return err
		}

		result = resultFromTransaction(row)
		return nil
	})
	if err != nil {
		// A concurrent caller with the same key may win the unique-constraint
		// race; hand back the winning row instead of a constraint error.
		if key != "" && db.IsDuplicateKeyErr(err) {
			winner, rerr := s.repo.FindTransactionByIdempotencyKey(ctx, s.db, key)
			if rerr == nil && winner != nil {
				return resultFromTransaction(winner), nil
			}
		}
		return subscriptiondomain.ChangeResult{}, err
	}

	return result, nil
}

func (s *Service) Cancel(ctx context.Context, userIDRaw, subscriptionIDRaw string) error {
	subscriptionID, err := snowflake.ParseString(strings.TrimSpace(subscriptionIDRaw))
	if err != nil {
		return subscriptiondomain.ErrSubscriptionNotFound
	}
	userID, err := snowflake.ParseString(strings.TrimSpace(userIDRaw))
	if err != nil {
		return subscriptiondomain.ErrSubscriptionNotFound
	}

	return s.withLockRetry(ctx, func(tx *gorm.DB) error {
		sub, err := s.repo.FindByIDForUpdate(ctx, tx, subscriptionID)
		if err != nil {
			return err
		}
		if sub == nil || sub.UserID != userID {
			return subscriptiondomain.ErrSubscriptionNotFound
		}
		if sub.Status == subscriptiondomain.SubscriptionStatusCanceled {
			return nil
		}
		if !subscriptiondomain.IsTransitionAllowed(sub.Status, subscriptiondomain.SubscriptionStatusCanceled) {
			return subscriptiondomain.ErrInvalidTransition
		}

		now := s.clock.Now().UTC()
		sub.Status = subscriptiondomain.SubscriptionStatusCanceled
		sub.CanceledAt = &now
		sub.EndedAt = &now
		sub.AutoRenew = false
		sub.NextRenewalAttemptAt = nil
		sub.UpdatedAt = now
		if err := s.repo.Update(ctx, tx, sub); err != nil {
			return err
		}

		return s.events.Record(ctx, tx, sub.ID, nil, subscriptionevent.EventTypeSubscriptionCanceled, map[string]any{
			"plan_code":   sub.PlanCode,
			"canceled_at": now,
		})
	})
}

func (s *Service) Get(ctx context.Context, userIDRaw, subscriptionIDRaw string) (*subscriptiondomain.Subscription, error) {
	subscriptionID, err := snowflake.ParseString(strings.TrimSpace(subscriptionIDRaw))
	if err != nil {
		return nil, subscriptiondomain.ErrSubscriptionNotFound
	}
	userID, err := snowflake.ParseString(strings.TrimSpace(userIDRaw))
	if err != nil {
		return nil, subscriptiondomain.ErrSubscriptionNotFound
	}

	sub, err := s.repo.FindByID(ctx, s.db, subscriptionID)
	if err != nil {
		return nil, err
	}
	if sub == nil || sub.UserID != userID {
		return nil, subscriptiondomain.ErrSubscriptionNotFound
	}
	return sub, nil
}

func (s *Service) GetTransaction(ctx context.Context, userIDRaw, transactionIDRaw string) (*subscriptiondomain.Transaction, error) {
	transactionID, err := snowflake.ParseString(strings.TrimSpace(transactionIDRaw))
	if err != nil {
		return nil, subscriptiondomain.ErrTransactionNotFound
	}
	userID, err := snowflake.ParseString(strings.TrimSpace(userIDRaw))
	if err != nil {
		return nil, subscriptiondomain.ErrTransactionNotFound
	}

	transaction, err := s.repo.FindTransactionByID(ctx, s.db, transactionID)
	if err != nil {
		return nil, err
	}
	if transaction == nil {
		return nil, subscriptiondomain.ErrTransactionNotFound
	}

	sub, err := s.repo.FindByID(ctx, s.db, transaction.SubscriptionID)
	if err != nil {
		return nil, err
	}
	if sub == nil || sub.UserID != userID {
		return nil, subscriptiondomain.ErrTransactionNotFound
	}
	return transaction, nil
}

func (s *Service) ListTransactions(ctx context.Context, userIDRaw, subscriptionIDRaw string) ([]subscriptiondomain.Transaction, error) {
	sub, err := s.Get(ctx, userIDRaw, subscriptionIDRaw)
	if err != nil {
		return nil, err
	}
	return s.repo.ListTransactionsBySubscription(ctx, s.db, sub.ID)
}

// MarkRenewalAttemptFailed books one failed renewal attempt and, once the
// configured budget is exhausted, moves the subscription to the policy's
// terminal status.
func (s *Service) MarkRenewalAttemptFailed(ctx context.Context, subscriptionIDRaw string, policy config.DunningPolicy) error {
	subscriptionID, err := snowflake.ParseString(strings.TrimSpace(subscriptionIDRaw))
	if err != nil {
		return subscriptiondomain.ErrSubscriptionNotFound
	}

	return s.withLockRetry(ctx, func(tx *gorm.DB) error {
		sub, err := s.repo.FindByIDForUpdate(ctx, tx, subscriptionID)
		if err != nil {
			return err
		}
		if sub == nil {
			return subscriptiondomain.ErrSubscriptionNotFound
		}
		if sub.Status != subscriptiondomain.SubscriptionStatusActive && sub.Status != subscriptiondomain.SubscriptionStatusPastDue {
			return subscriptiondomain.ErrInvalidState
		}

		now := s.clock.Now().UTC()
		sub.RenewalAttempts++

		exhausted := sub.RenewalAttempts >= policy.MaxAttempts
		if exhausted {
			target := subscriptiondomain.SubscriptionStatus(policy.TerminalAction)
			if subscriptiondomain.IsTransitionAllowed(sub.Status, target) {
				sub.Status = target
				if target == subscriptiondomain.SubscriptionStatusCanceled {
					sub.CanceledAt = &now
					sub.EndedAt = &now
					sub.AutoRenew = false
				}
			}
			sub.NextRenewalAttemptAt = nil
		} else {
			next := now.Add(time.Duration(policy.RetryBackoffHours) * time.Hour)
			sub.NextRenewalAttemptAt = &next
		}
		sub.UpdatedAt = now

		if err := s.repo.Update(ctx, tx, sub); err != nil {
			return err
		}

		return s.events.Record(ctx, tx, sub.ID, nil, subscriptionevent.EventTypeRenewalAttemptFailed, map[string]any{
			"attempts":  sub.RenewalAttempts,
			"exhausted": exhausted,
			"status":    sub.Status,
		})
	})
}

// withLockRetry runs fn in a transaction, retrying lock contention with
// bounded backoff before surfacing ErrConcurrentModification.
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
			zap.Error(err),
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

// snapshotCurrentPlan freezes the subscription's present plan terms. A
// retired plan row still prices the credit; a missing row credits nothing.
func (s *Service) snapshotCurrentPlan(ctx context.Context, tx *gorm.DB, sub *subscriptiondomain.Subscription, fallbackCurrency string) plandomain.Snapshot {
	current, err := s.planRepo.FindByCode(ctx, tx, sub.PlanCode)
	if err == nil && current != nil {
		return current.Snapshot()
	}
	if err != nil {
		s.log.Warn("current plan lookup failed, crediting zero",
			zap.String("plan_code", sub.PlanCode),
			zap.Error(err),
		)
	}
	return plandomain.Snapshot{Code: sub.PlanCode, Currency: fallbackCurrency}
}

func (s *Service) buildChangeTransaction(sub *subscriptiondomain.Subscription, oldSnap, newSnap plandomain.Snapshot, calc proration.Result, action subscriptiondomain.TransactionAction, provider, key string, now time.Time) *subscriptiondomain.Transaction {
	discount := calc.Credit
	if discount > calc.Charge {
		discount = calc.Charge
	}

	status := subscriptiondomain.TransactionStatusOpen
	if calc.AmountDue == 0 {
		status = subscriptiondomain.TransactionStatusPaid
	}

	periodStart := calc.PeriodStart
	periodEnd := calc.PeriodEnd

	row := &subscriptiondomain.Transaction{
		ID:              s.genID.Generate(),
		SubscriptionID:  sub.ID,
		PlanCode:        newSnap.Code,
		PlanSnapshot:    marshalSnapshot(newSnap),
		PlanSnapshotOld: marshalSnapshot(oldSnap),
		PlanSnapshotNew: marshalSnapshot(newSnap),
		AmountSubtotal:  calc.Charge,
		AmountDiscount:  discount,
		AmountTax:       0,
		AmountTotal:     calc.AmountDue,
		Currency:        newSnap.Currency,
		PeriodStart:     &periodStart,
		PeriodEnd:       &periodEnd,
		Action:          action,
		Status:          status,
		ProrationCharge: calc.Charge,
		ProrationCredit: calc.Credit,
		IsProration:     calc.Prorated,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if provider = strings.TrimSpace(provider); provider != "" {
		row.Provider = &provider
	}
	if key != "" {
		row.IdempotencyKey = &key
	}
	return row
}

func resultFromTransaction(row *subscriptiondomain.Transaction) subscriptiondomain.ChangeResult {
	status := subscriptiondomain.ChangeStatusRequiresAction
	if row.Status == subscriptiondomain.TransactionStatusPaid {
		status = subscriptiondomain.ChangeStatusSuccess
	}
	return subscriptiondomain.ChangeResult{
		Status:          status,
		TransactionID:   row.ID.String(),
		AmountDue:       row.AmountTotal,
		ProrationCharge: row.ProrationCharge,
		ProrationCredit: row.ProrationCredit,
		Currency:        row.Currency,
		PeriodStart:     derefTime(row.PeriodStart),
		PeriodEnd:       derefTime(row.PeriodEnd),
	}
}

func changeEventPayload(sub *subscriptiondomain.Subscription, row *subscriptiondomain.Transaction) map[string]any {
	return map[string]any{
		"plan_code":        row.PlanCode,
		"action":           row.Action,
		"amount_due":       row.AmountTotal,
		"proration_charge": row.ProrationCharge,
		"proration_credit": row.ProrationCredit,
		"status":           sub.Status,
	}
}

func marshalSnapshot(snap plandomain.Snapshot) datatypes.JSON {
	raw, err := json.Marshal(snap)
	if err != nil {
		return nil
	}
	return datatypes.JSON(raw)
}

func derefTime(value *time.Time) time.Time {
	if value == nil {
		return time.Time{}
	}
	return *value
}
