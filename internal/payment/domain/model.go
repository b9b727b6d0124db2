// Package domain contains the gateway-facing payment model, the adapter
// contract, and the reconciliation service interfaces.
package domain

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type PaymentStatus string

const (
	PaymentStatusPending  PaymentStatus = "pending"
	PaymentStatusPaid     PaymentStatus = "paid"
	PaymentStatusFailed   PaymentStatus = "failed"
	PaymentStatusCanceled PaymentStatus = "canceled"
)

const (
	ProviderVNPay  = "vn_pay"
	ProviderStripe = "stripe"
	ProviderManual = "manual"
)

// Payment is the gateway-facing record. One payment may settle more than one
// transaction; ownership runs by foreign key from billing_transactions.
type Payment struct {
	ID                snowflake.ID  `json:"id" gorm:"primaryKey"`
	UserID            snowflake.ID  `json:"user_id" gorm:"not null;index"`
	PlanCode          string        `json:"plan_code" gorm:"type:text;not null"`
	Amount            int64         `json:"amount" gorm:"not null"`
	Currency          string        `json:"currency" gorm:"type:text;not null"`
	Status            PaymentStatus `json:"status" gorm:"type:text;not null"`
	Provider          string        `json:"provider" gorm:"type:text;not null"`
	ProviderPaymentID *string       `json:"provider_payment_id,omitempty" gorm:"type:text"`
	ProviderEventID   *string       `json:"provider_event_id,omitempty" gorm:"type:text"`
	CreatedAt         time.Time     `json:"created_at" gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt         time.Time     `json:"updated_at" gorm:"not null;default:CURRENT_TIMESTAMP"`
}

func (Payment) TableName() string { return "payments" }

// EventRecord deduplicates inbound webhook deliveries. Gateways retry, so
// (provider, provider_event_id) is the replay key.
type EventRecord struct {
	ID              snowflake.ID   `json:"id" gorm:"primaryKey"`
	Provider        string         `json:"provider" gorm:"type:text;not null;uniqueIndex:ux_payment_events_provider_event,priority:1"`
	ProviderEventID string         `json:"provider_event_id" gorm:"type:text;not null;uniqueIndex:ux_payment_events_provider_event,priority:2"`
	EventType       string         `json:"event_type" gorm:"type:text;not null"`
	PaymentID       snowflake.ID   `json:"payment_id" gorm:"index"`
	Payload         datatypes.JSON `json:"payload" gorm:"type:jsonb;not null"`
	ReceivedAt      time.Time      `json:"received_at" gorm:"not null"`
	ProcessedAt     *time.Time     `json:"processed_at"`
}

func (EventRecord) TableName() string { return "payment_events" }

const (
	EventTypePaymentSucceeded = "payment_succeeded"
	EventTypePaymentFailed    = "payment_failed"
)

// PaymentEvent is the canonical payment event parsed by adapters.
type PaymentEvent struct {
	Provider          string
	ProviderEventID   string
	ProviderPaymentID string
	PaymentID         string
	Type              string
	Amount            int64
	Currency          string
	OccurredAt        time.Time
	RawPayload        []byte
}

// AdapterConfig carries provider credentials into an adapter factory.
type AdapterConfig struct {
	Config map[string]any
}

// PaymentAdapter verifies a raw webhook delivery and normalizes it.
type PaymentAdapter interface {
	Verify(ctx context.Context, payload []byte, headers http.Header) error
	Parse(ctx context.Context, payload []byte) (*PaymentEvent, error)
}

type AdapterFactory interface {
	Provider() string
	NewAdapter(cfg AdapterConfig) (PaymentAdapter, error)
}

type Repository interface {
	InsertPayment(ctx context.Context, db *gorm.DB, payment *Payment) error
	FindPaymentByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Payment, error)
	UpdatePaymentStatus(ctx context.Context, db *gorm.DB, id snowflake.ID, status PaymentStatus, providerPaymentID, providerEventID *string, at time.Time) error

	InsertEvent(ctx context.Context, db *gorm.DB, event *EventRecord) (bool, error)
	FindEvent(ctx context.Context, db *gorm.DB, provider, providerEventID string) (*EventRecord, error)
	MarkProcessed(ctx context.Context, db *gorm.DB, id snowflake.ID, processedAt time.Time) error
}

type CreateCheckoutRequest struct {
	UserID        string `json:"-"`
	TransactionID string `json:"transaction_id"`
	Provider      string `json:"provider"`
}

// Service reconciles gateway outcomes into billing state.
type Service interface {
	CreateCheckout(ctx context.Context, req CreateCheckoutRequest) (*Payment, error)
	ApplyUpgradeOnPaymentSuccess(ctx context.Context, paymentID string) error
	ProcessEvent(ctx context.Context, event *PaymentEvent, payload []byte) error
}

// WebhookService is the inbound gateway surface.
type WebhookService interface {
	IngestWebhook(ctx context.Context, provider string, payload []byte, headers http.Header) error
}

var (
	ErrInvalidProvider       = errors.New("invalid_provider")
	ErrProviderNotFound      = errors.New("provider_not_found")
	ErrInvalidConfig         = errors.New("invalid_provider_config")
	ErrInvalidSignature      = errors.New("invalid_signature")
	ErrInvalidPayload        = errors.New("invalid_payload")
	ErrInvalidEvent          = errors.New("invalid_event")
	ErrInvalidAmount         = errors.New("invalid_amount")
	ErrEventIgnored          = errors.New("event_ignored")
	ErrEventAlreadyProcessed = errors.New("event_already_processed")
	ErrPaymentNotFound       = errors.New("payment_not_found")
	ErrAlreadyApplied        = errors.New("already_applied")
)
