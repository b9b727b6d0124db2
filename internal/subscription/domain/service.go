package domain

import (
	"context"
	"errors"
	"time"

	"github.com/carelinkhq/carelink/internal/config"
)

// ChangeStatus is the caller-visible outcome of a prepare call.
type ChangeStatus string

const (
	// ChangeStatusSuccess means the change is fully applied. Same-plan
	// requests resolve here without a ledger row.
	ChangeStatusSuccess ChangeStatus = "success"
	// ChangeStatusRequiresAction means an open transaction awaits payment;
	// the subscription is untouched until reconciliation.
	ChangeStatusRequiresAction ChangeStatus = "requires_action"
)

type PrepareChangeRequest struct {
	UserID         string `json:"-"`
	SubscriptionID string `json:"subscription_id"`
	PlanCode       string `json:"plan_code"`
	Provider       string `json:"payment_provider,omitempty"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

type ChangeResult struct {
	Status          ChangeStatus `json:"status"`
	TransactionID   string       `json:"transaction_id,omitempty"`
	AmountDue       int64        `json:"amount_due"`
	ProrationCharge int64        `json:"proration_charge"`
	ProrationCredit int64        `json:"proration_credit"`
	Currency        string       `json:"currency,omitempty"`
	PeriodStart     time.Time    `json:"period_start"`
	PeriodEnd       time.Time    `json:"period_end"`
}

type Service interface {
	PrepareUpgrade(ctx context.Context, req PrepareChangeRequest) (ChangeResult, error)
	PrepareDowngrade(ctx context.Context, req PrepareChangeRequest) (ChangeResult, error)
	Cancel(ctx context.Context, userID, subscriptionID string) error
	Get(ctx context.Context, userID, subscriptionID string) (*Subscription, error)
	GetTransaction(ctx context.Context, userID, transactionID string) (*Transaction, error)
	ListTransactions(ctx context.Context, userID, subscriptionID string) ([]Transaction, error)
	MarkRenewalAttemptFailed(ctx context.Context, subscriptionID string, policy config.DunningPolicy) error
}

var (
	ErrSubscriptionNotFound   = errors.New("subscription_not_found")
	ErrTransactionNotFound    = errors.New("transaction_not_found")
	ErrInvalidState           = errors.New("invalid_state")
	ErrInvalidTransition      = errors.New("invalid_transition")
	ErrConcurrentModification = errors.New("concurrent_modification")
)
