// Package seed bootstraps the plan catalog so a fresh deployment can sell
// subscriptions out of the box. Existing plans are never touched; operators
// own pricing after first boot.
package seed

import (
	"context"
	"errors"
	"strings"
	"time"

	"gorm.io/gorm"

	plandomain "github.com/carelinkhq/carelink/internal/plan/domain"
	planrepository "github.com/carelinkhq/carelink/internal/plan/repository"
)

type defaultPlan struct {
	Code               string
	Name               string
	Price              int64
	CameraQuota        int
	RetentionDays      int
	CaregiverSeats     int
	Sites              int
	MajorUpdatesMonths int
}

var defaultPlans = []defaultPlan{
	{Code: "basic", Name: "Basic", Price: 100000, CameraQuota: 1, RetentionDays: 7, CaregiverSeats: 2, Sites: 1, MajorUpdatesMonths: 12},
	{Code: "standard", Name: "Standard", Price: 150000, CameraQuota: 2, RetentionDays: 14, CaregiverSeats: 4, Sites: 1, MajorUpdatesMonths: 12},
	{Code: "premium", Name: "Premium", Price: 200000, CameraQuota: 4, RetentionDays: 30, CaregiverSeats: 8, Sites: 2, MajorUpdatesMonths: 24},
}

// EnsureDefaultPlans inserts the stock catalog, skipping codes that already
// exist.
func EnsureDefaultPlans(db *gorm.DB, currency string) error {
	if db == nil {
		return errors.New("seed database handle is required")
	}
	currency = strings.ToUpper(strings.TrimSpace(currency))
	if currency == "" {
		currency = "VND"
	}

	repo := planrepository.Provide()
	ctx := context.Background()
	now := time.Now().UTC()

	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, p := range defaultPlans {
			existing, err := repo.FindByCode(ctx, tx, p.Code)
			if err != nil {
				return err
			}
			if existing != nil {
				continue
			}

			if err := repo.Create(ctx, tx, &plandomain.Plan{
				Code:               p.Code,
				Name:               p.Name,
				Price:              p.Price,
				Currency:           currency,
				CameraQuota:        p.CameraQuota,
				RetentionDays:      p.RetentionDays,
				CaregiverSeats:     p.CaregiverSeats,
				Sites:              p.Sites,
				MajorUpdatesMonths: p.MajorUpdatesMonths,
				BillingType:        "monthly",
				Version:            1,
				Active:             true,
				CreatedAt:          now,
				UpdatedAt:          now,
			}); err != nil {
				return err
			}
		}
		return nil
	})
}
