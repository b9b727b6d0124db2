package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	subscriptiondomain "github.com/carelinkhq/carelink/internal/subscription/domain"
	"gorm.io/gorm"
)

const subscriptionColumns = `id, user_id, plan_code, status, billing_period, started_at,
	 current_period_start, current_period_end, trial_end_at, canceled_at, ended_at,
	 auto_renew, extra_cameras, extra_caregivers, extra_sites, extra_storage_gb,
	 renewal_attempts, next_renewal_attempt_at, last_payment_at, notes, created_at, updated_at`

const transactionColumns = `id, subscription_id, plan_code, plan_snapshot, plan_snapshot_old,
	 plan_snapshot_new, amount_subtotal, amount_discount, amount_tax, amount_total, currency,
	 period_start, period_end, action, status, provider, provider_payment_id, payment_id,
	 idempotency_key, related_tx_id, proration_charge, proration_credit, is_proration, notes,
	 created_at, updated_at`

type repo struct{}

func Provide() subscriptiondomain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, subscription *subscriptiondomain.Subscription) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO subscriptions (
			id, user_id, plan_code, status, billing_period, started_at,
			current_period_start, current_period_end, trial_end_at, canceled_at, ended_at,
			auto_renew, extra_cameras, extra_caregivers, extra_sites, extra_storage_gb,
			renewal_attempts, next_renewal_attempt_at, last_payment_at, notes, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		subscription.ID,
		subscription.UserID,
		subscription.PlanCode,
		subscription.Status,
		subscription.BillingPeriod,
		subscription.StartedAt,
		subscription.CurrentPeriodStart,
		subscription.CurrentPeriodEnd,
		subscription.TrialEndAt,
		subscription.CanceledAt,
		subscription.EndedAt,
		subscription.AutoRenew,
		subscription.ExtraCameras,
		subscription.ExtraCaregivers,
		subscription.ExtraSites,
		subscription.ExtraStorageGB,
		subscription.RenewalAttempts,
		subscription.NextRenewalAttemptAt,
		subscription.LastPaymentAt,
		subscription.Notes,
		subscription.CreatedAt,
		subscription.UpdatedAt,
	).Error
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*subscriptiondomain.Subscription, error) {
	var subscription subscriptiondomain.Subscription
	err := db.WithContext(ctx).Raw(
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE id = ?`,
		id,
	).Scan(&subscription).Error
	if err != nil {
		return nil, err
	}
	if subscription.ID == 0 {
		return nil, nil
	}
	return &subscription, nil
}

func (r *repo) FindByIDForUpdate(ctx context.Context, db *gorm.DB, id snowflake.ID) (*subscriptiondomain.Subscription, error) {
	// sqlite serializes writers at the database level and rejects FOR UPDATE.
	locking := ` FOR UPDATE`
	if db.Dialector.Name() == "sqlite" {
		locking = ``
	}

	var subscription subscriptiondomain.Subscription
	err := db.WithContext(ctx).Raw(
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE id = ?`+locking,
		id,
	).Scan(&subscription).Error
	if err != nil {
		return nil, err
	}
	if subscription.ID == 0 {
		return nil, nil
	}
	return &subscription, nil
}

func (r *repo) Update(ctx context.Context, db *gorm.DB, subscription *subscriptiondomain.Subscription) error {
	return db.WithContext(ctx).Exec(
		`UPDATE subscriptions SET
			plan_code = ?, status = ?, billing_period = ?,
			current_period_start = ?, current_period_end = ?, trial_end_at = ?,
			canceled_at = ?, ended_at = ?, auto_renew = ?,
			extra_cameras = ?, extra_caregivers = ?, extra_sites = ?, extra_storage_gb = ?,
			renewal_attempts = ?, next_renewal_attempt_at = ?, last_payment_at = ?,
			notes = ?, updated_at = ?
		 WHERE id = ?`,
		subscription.PlanCode,
		subscription.Status,
		subscription.BillingPeriod,
		subscription.CurrentPeriodStart,
		subscription.CurrentPeriodEnd,
		subscription.TrialEndAt,
		subscription.CanceledAt,
		subscription.EndedAt,
		subscription.AutoRenew,
		subscription.ExtraCameras,
		subscription.ExtraCaregivers,
		subscription.ExtraSites,
		subscription.ExtraStorageGB,
		subscription.RenewalAttempts,
		subscription.NextRenewalAttemptAt,
		subscription.LastPaymentAt,
		subscription.Notes,
		subscription.UpdatedAt,
		subscription.ID,
	).Error
}

func (r *repo) FindLapsedAutoRenew(ctx context.Context, db *gorm.DB, at time.Time, limit int) ([]subscriptiondomain.Subscription, error) {
	var subscriptions []subscriptiondomain.Subscription
	err := db.WithContext(ctx).Raw(
		`SELECT `+subscriptionColumns+`
		 FROM subscriptions
		 WHERE status = ? AND auto_renew = ?
		   AND current_period_end IS NOT NULL AND current_period_end <= ?
		   AND (next_renewal_attempt_at IS NULL OR next_renewal_attempt_at <= ?)
		 ORDER BY current_period_end ASC
		 LIMIT ?`,
		subscriptiondomain.SubscriptionStatusActive,
		true,
		at,
		at,
		limit,
	).Scan(&subscriptions).Error
	if err != nil {
		return nil, err
	}
	return subscriptions, nil
}

func (r *repo) InsertTransaction(ctx context.Context, db *gorm.DB, transaction *subscriptiondomain.Transaction) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO billing_transactions (
			id, subscription_id, plan_code, plan_snapshot, plan_snapshot_old, plan_snapshot_new,
			amount_subtotal, amount_discount, amount_tax, amount_total, currency,
			period_start, period_end, action, status, provider, provider_payment_id, payment_id,
			idempotency_key, related_tx_id, proration_charge, proration_credit, is_proration,
			notes, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		transaction.ID,
		transaction.SubscriptionID,
		transaction.PlanCode,
		transaction.PlanSnapshot,
		transaction.PlanSnapshotOld,
		transaction.PlanSnapshotNew,
		transaction.AmountSubtotal,
		transaction.AmountDiscount,
		transaction.AmountTax,
		transaction.AmountTotal,
		transaction.Currency,
		transaction.PeriodStart,
		transaction.PeriodEnd,
		transaction.Action,
		transaction.Status,
		transaction.Provider,
		transaction.ProviderPaymentID,
		transaction.PaymentID,
		transaction.IdempotencyKey,
		transaction.RelatedTxID,
		transaction.ProrationCharge,
		transaction.ProrationCredit,
		transaction.IsProration,
		transaction.Notes,
		transaction.CreatedAt,
		transaction.UpdatedAt,
	).Error
}

func (r *repo) FindTransactionByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*subscriptiondomain.Transaction, error) {
	var transaction subscriptiondomain.Transaction
	err := db.WithContext(ctx).Raw(
		`SELECT `+transactionColumns+` FROM billing_transactions WHERE id = ?`,
		id,
	).Scan(&transaction).Error
	if err != nil {
		return nil, err
	}
	if transaction.ID == 0 {
		return nil, nil
	}
	return &transaction, nil
}

func (r *repo) FindTransactionByIdempotencyKey(ctx context.Context, db *gorm.DB, key string) (*subscriptiondomain.Transaction, error) {
	var transaction subscriptiondomain.Transaction
	err := db.WithContext(ctx).Raw(
		`SELECT `+transactionColumns+` FROM billing_transactions WHERE idempotency_key = ? LIMIT 1`,
		key,
	).Scan(&transaction).Error
	if err != nil {
		return nil, err
	}
	if transaction.ID == 0 {
		return nil, nil
	}
	return &transaction, nil
}

func (r *repo) FindTransactionByPaymentID(ctx context.Context, db *gorm.DB, paymentID snowflake.ID) (*subscriptiondomain.Transaction, error) {
	var transaction subscriptiondomain.Transaction
	err := db.WithContext(ctx).Raw(
		`SELECT `+transactionColumns+`
		 FROM billing_transactions WHERE payment_id = ?
		 ORDER BY created_at DESC
		 LIMIT 1`,
		paymentID,
	).Scan(&transaction).Error
	if err != nil {
		return nil, err
	}
	if transaction.ID == 0 {
		return nil, nil
	}
	return &transaction, nil
}

func (r *repo) ListTransactionsBySubscription(ctx context.Context, db *gorm.DB, subscriptionID snowflake.ID) ([]subscriptiondomain.Transaction, error) {
	var transactions []subscriptiondomain.Transaction
	err := db.WithContext(ctx).Raw(
		`SELECT `+transactionColumns+`
		 FROM billing_transactions WHERE subscription_id = ?
		 ORDER BY created_at DESC`,
		subscriptionID,
	).Scan(&transactions).Error
	if err != nil {
		return nil, err
	}
	return transactions, nil
}

// SettleTransaction moves a draft/open row into a settled status. The status
// predicate makes the update a check-and-set so two reconciliation attempts
// cannot both declare success.
func (r *repo) SettleTransaction(ctx context.Context, db *gorm.DB, id snowflake.ID, target subscriptiondomain.TransactionStatus, paymentID *snowflake.ID, providerPaymentID *string, at time.Time) (bool, error) {
	result := db.WithContext(ctx).Exec(
		`UPDATE billing_transactions
		 SET status = ?,
		     payment_id = COALESCE(?, payment_id),
		     provider_payment_id = COALESCE(?, provider_payment_id),
		     updated_at = ?
		 WHERE id = ? AND status IN (?, ?)`,
		target,
		paymentID,
		providerPaymentID,
		at,
		id,
		subscriptiondomain.TransactionStatusDraft,
		subscriptiondomain.TransactionStatusOpen,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

// AttachPaymentToTransaction links a checkout payment to its open
// transaction. Settled rows never take a new payment reference.
func (r *repo) AttachPaymentToTransaction(ctx context.Context, db *gorm.DB, id, paymentID snowflake.ID, provider string, at time.Time) (bool, error) {
	result := db.WithContext(ctx).Exec(
		`UPDATE billing_transactions
		 SET payment_id = ?, provider = ?, updated_at = ?
		 WHERE id = ? AND status IN (?, ?)`,
		paymentID,
		provider,
		at,
		id,
		subscriptiondomain.TransactionStatusDraft,
		subscriptiondomain.TransactionStatusOpen,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}
