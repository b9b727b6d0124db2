// Package subscriptionevent keeps the append-only audit trail of
// subscription mutations. Rows are written inside the same database
// transaction as the mutation they describe and never updated.
package subscriptionevent

import (
	"context"
	"encoding/json"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/carelinkhq/carelink/internal/clock"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	EventTypePlanChangePrepared   = "plan_change_prepared"
	EventTypePlanChangeApplied    = "plan_change_applied"
	EventTypeSubscriptionCanceled = "subscription_canceled"
	EventTypeRenewalInitiated     = "renewal_initiated"
	EventTypeRenewalAttemptFailed = "renewal_attempt_failed"
	EventTypePaymentFailed        = "payment_failed"
)

type SubscriptionEvent struct {
	ID             snowflake.ID   `gorm:"primaryKey"`
	SubscriptionID snowflake.ID   `gorm:"not null;index"`
	TransactionID  *snowflake.ID  `gorm:"index"`
	EventType      string         `gorm:"type:text;not null"`
	Payload        datatypes.JSON `gorm:"type:jsonb"`
	CreatedAt      time.Time      `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

func (SubscriptionEvent) TableName() string { return "subscription_events" }

// Recorder appends events. The db handle is the caller's transaction so the
// event commits or rolls back with the mutation it records.
type Recorder interface {
	Record(ctx context.Context, db *gorm.DB, subscriptionID snowflake.ID, transactionID *snowflake.ID, eventType string, payload any) error
}

type recorder struct {
	log   *zap.Logger
	genID *snowflake.Node
	clock clock.Clock
}

type RecorderParams struct {
	fx.In

	Log   *zap.Logger
	GenID *snowflake.Node
	Clock clock.Clock
}

func NewRecorder(p RecorderParams) Recorder {
	return &recorder{
		log:   p.Log.Named("subscriptionevent.recorder"),
		genID: p.GenID,
		clock: p.Clock,
	}
}

func (r *recorder) Record(ctx context.Context, db *gorm.DB, subscriptionID snowflake.ID, transactionID *snowflake.ID, eventType string, payload any) error {
	var body datatypes.JSON
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = datatypes.JSON(raw)
	}

	return db.WithContext(ctx).Exec(
		`INSERT INTO subscription_events (id, subscription_id, transaction_id, event_type, payload, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		r.genID.Generate(),
		subscriptionID,
		transactionID,
		eventType,
		body,
		r.clock.Now(),
	).Error
}

var Module = fx.Module("subscriptionevent",
	fx.Provide(NewRecorder),
)
