package migration

import (
	"go.uber.org/fx"
	"gorm.io/gorm"

	"github.com/carelinkhq/carelink/internal/config"
	paymentdomain "github.com/carelinkhq/carelink/internal/payment/domain"
	plandomain "github.com/carelinkhq/carelink/internal/plan/domain"
	"github.com/carelinkhq/carelink/internal/seed"
	subscriptiondomain "github.com/carelinkhq/carelink/internal/subscription/domain"
	"github.com/carelinkhq/carelink/internal/subscriptionevent"
)

var Module = fx.Module("migrations",
	fx.Invoke(func(conn *gorm.DB, cfg config.Config) error {
		if cfg.DBType == "postgres" {
			sqlDB, err := conn.DB()
			if err != nil {
				return err
			}
			if err := RunMigrations(sqlDB); err != nil {
				return err
			}
		} else {
			// Versioned migrations target postgres; mysql and sqlite
			// deployments are dev setups and take the schema from the models.
			if err := conn.AutoMigrate(
				&plandomain.Plan{},
				&subscriptiondomain.Subscription{},
				&subscriptiondomain.Transaction{},
				&subscriptionevent.SubscriptionEvent{},
				&paymentdomain.Payment{},
				&paymentdomain.EventRecord{},
			); err != nil {
				return err
			}
		}

		return seed.EnsureDefaultPlans(conn, cfg.DefaultCurrency)
	}),
)
