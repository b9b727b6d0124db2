package repository

import (
	"context"

	"github.com/carelinkhq/carelink/internal/plan/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Create(ctx context.Context, db *gorm.DB, plan *domain.Plan) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO plans (code, name, price, currency, camera_quota, retention_days, caregiver_seats, sites, major_updates_months, billing_type, version, active, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		plan.Code,
		plan.Name,
		plan.Price,
		plan.Currency,
		plan.CameraQuota,
		plan.RetentionDays,
		plan.CaregiverSeats,
		plan.Sites,
		plan.MajorUpdatesMonths,
		plan.BillingType,
		plan.Version,
		plan.Active,
		plan.CreatedAt,
		plan.UpdatedAt,
	).Error
}

func (r *repo) FindByCode(ctx context.Context, db *gorm.DB, code string) (*domain.Plan, error) {
	var p domain.Plan
	err := db.WithContext(ctx).Raw(
		`SELECT code, name, price, currency, camera_quota, retention_days, caregiver_seats, sites, major_updates_months, billing_type, version, active, created_at, updated_at
		 FROM plans WHERE code = ?`,
		code,
	).Scan(&p).Error
	if err != nil {
		return nil, err
	}
	if p.Code == "" {
		return nil, nil
	}
	return &p, nil
}

func (r *repo) FindAllActive(ctx context.Context, db *gorm.DB) ([]domain.Plan, error) {
	var items []domain.Plan
	err := db.WithContext(ctx).Raw(
		`SELECT code, name, price, currency, camera_quota, retention_days, caregiver_seats, sites, major_updates_months, billing_type, version, active, created_at, updated_at
		 FROM plans WHERE active = ? ORDER BY price ASC`,
		true,
	).Scan(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}
