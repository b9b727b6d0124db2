// Package domain contains persistence models for subscriptions and the
// billing transaction ledger.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// SubscriptionStatus represents lifecycle states for a subscription.
type SubscriptionStatus string

const (
	SubscriptionStatusTrialing SubscriptionStatus = "trialing"
	SubscriptionStatusActive   SubscriptionStatus = "active"
	SubscriptionStatusPastDue  SubscriptionStatus = "past_due"
	SubscriptionStatusPaused   SubscriptionStatus = "paused"
	SubscriptionStatusCanceled SubscriptionStatus = "canceled"
)

type BillingPeriod string

const (
	BillingPeriodNone    BillingPeriod = "none"
	BillingPeriodMonthly BillingPeriod = "monthly"
)

// TransactionAction categorizes what a ledger row paid for.
type TransactionAction string

const (
	TransactionActionNew        TransactionAction = "new"
	TransactionActionRenew      TransactionAction = "renew"
	TransactionActionUpgrade    TransactionAction = "upgrade"
	TransactionActionDowngrade  TransactionAction = "downgrade"
	TransactionActionAdjustment TransactionAction = "adjustment"
)

type TransactionStatus string

const (
	TransactionStatusDraft   TransactionStatus = "draft"
	TransactionStatusOpen    TransactionStatus = "open"
	TransactionStatusPaid    TransactionStatus = "paid"
	TransactionStatusVoid    TransactionStatus = "void"
	TransactionStatusOverdue TransactionStatus = "overdue"
)

// IsTransitionAllowed reports whether a subscription may move between the
// given statuses. Canceled is terminal.
func IsTransitionAllowed(current, target SubscriptionStatus) bool {
	switch current {
	case SubscriptionStatusTrialing:
		return target == SubscriptionStatusActive || target == SubscriptionStatusCanceled
	case SubscriptionStatusActive:
		return target == SubscriptionStatusPastDue ||
			target == SubscriptionStatusPaused ||
			target == SubscriptionStatusCanceled
	case SubscriptionStatusPastDue:
		return target == SubscriptionStatusActive || target == SubscriptionStatusCanceled
	case SubscriptionStatusPaused:
		return target == SubscriptionStatusActive || target == SubscriptionStatusCanceled
	default:
		return false
	}
}

// Subscription captures a customer's monitoring agreement. One per customer,
// never physically deleted.
type Subscription struct {
	ID                   snowflake.ID       `gorm:"primaryKey"`
	UserID               snowflake.ID       `gorm:"not null;index"`
	PlanCode             string             `gorm:"type:text;not null"`
	Status               SubscriptionStatus `gorm:"type:text;not null"`
	BillingPeriod        BillingPeriod      `gorm:"type:text;not null;default:'monthly'"`
	StartedAt            time.Time          `gorm:"not null"`
	CurrentPeriodStart   *time.Time         `gorm:""`
	CurrentPeriodEnd     *time.Time         `gorm:""`
	TrialEndAt           *time.Time         `gorm:""`
	CanceledAt           *time.Time         `gorm:""`
	EndedAt              *time.Time         `gorm:""`
	AutoRenew            bool               `gorm:"not null;default:true"`
	ExtraCameras         int                `gorm:"not null;default:0"`
	ExtraCaregivers      int                `gorm:"not null;default:0"`
	ExtraSites           int                `gorm:"not null;default:0"`
	ExtraStorageGB       int                `gorm:"column:extra_storage_gb;not null;default:0"`
	RenewalAttempts      int                `gorm:"not null;default:0"`
	NextRenewalAttemptAt *time.Time         `gorm:""`
	LastPaymentAt        *time.Time         `gorm:""`
	Notes                *string            `gorm:"type:text"`
	CreatedAt            time.Time          `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt            time.Time          `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

func (Subscription) TableName() string { return "subscriptions" }

// Transaction is one billing event. Rows freeze once status leaves
// draft/open; corrections reference the origin through RelatedTxID instead
// of mutating settled amounts.
//
// AmountTotal = AmountSubtotal - AmountDiscount + AmountTax, reconciled at
// creation and never recomputed.
type Transaction struct {
	ID                snowflake.ID      `gorm:"primaryKey"`
	SubscriptionID    snowflake.ID      `gorm:"not null;index"`
	PlanCode          string            `gorm:"type:text;not null"`
	PlanSnapshot      datatypes.JSON    `gorm:"type:jsonb"`
	PlanSnapshotOld   datatypes.JSON    `gorm:"type:jsonb"`
	PlanSnapshotNew   datatypes.JSON    `gorm:"type:jsonb"`
	AmountSubtotal    int64             `gorm:"not null;default:0"`
	AmountDiscount    int64             `gorm:"not null;default:0"`
	AmountTax         int64             `gorm:"not null;default:0"`
	AmountTotal       int64             `gorm:"not null;default:0"`
	Currency          string            `gorm:"type:text;not null"`
	PeriodStart       *time.Time        `gorm:""`
	PeriodEnd         *time.Time        `gorm:""`
	Action            TransactionAction `gorm:"type:text;not null"`
	Status            TransactionStatus `gorm:"type:text;not null"`
	Provider          *string           `gorm:"type:text"`
	ProviderPaymentID *string           `gorm:"type:text"`
	PaymentID         *snowflake.ID     `gorm:"index"`
	IdempotencyKey    *string           `gorm:"type:text;uniqueIndex:ux_billing_transactions_idempotency_key"`
	RelatedTxID       *snowflake.ID     `gorm:""`
	ProrationCharge   int64             `gorm:"not null;default:0"`
	ProrationCredit   int64             `gorm:"not null;default:0"`
	IsProration       bool              `gorm:"not null;default:false"`
	Notes             *string           `gorm:"type:text"`
	CreatedAt         time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt         time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

func (Transaction) TableName() string { return "billing_transactions" }
