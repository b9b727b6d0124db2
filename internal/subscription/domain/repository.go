package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, subscription *Subscription) error
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Subscription, error)
	FindByIDForUpdate(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Subscription, error)
	Update(ctx context.Context, db *gorm.DB, subscription *Subscription) error
	FindLapsedAutoRenew(ctx context.Context, db *gorm.DB, at time.Time, limit int) ([]Subscription, error)

	InsertTransaction(ctx context.Context, db *gorm.DB, transaction *Transaction) error
	FindTransactionByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Transaction, error)
	FindTransactionByIdempotencyKey(ctx context.Context, db *gorm.DB, key string) (*Transaction, error)
	FindTransactionByPaymentID(ctx context.Context, db *gorm.DB, paymentID snowflake.ID) (*Transaction, error)
	ListTransactionsBySubscription(ctx context.Context, db *gorm.DB, subscriptionID snowflake.ID) ([]Transaction, error)
	SettleTransaction(ctx context.Context, db *gorm.DB, id snowflake.ID, target TransactionStatus, paymentID *snowflake.ID, providerPaymentID *string, at time.Time) (bool, error)
	AttachPaymentToTransaction(ctx context.Context, db *gorm.DB, id, paymentID snowflake.ID, provider string, at time.Time) (bool, error)
}
