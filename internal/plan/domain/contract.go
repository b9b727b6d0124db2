package domain

import (
	"context"
	"errors"

	"gorm.io/gorm"
)

var (
	ErrUnknownPlan = errors.New("unknown_plan")
	ErrInvalidCode = errors.New("invalid_code")
)

type Repository interface {
	Create(ctx context.Context, db *gorm.DB, plan *Plan) error
	FindByCode(ctx context.Context, db *gorm.DB, code string) (*Plan, error)
	FindAllActive(ctx context.Context, db *gorm.DB) ([]Plan, error)
}

type Service interface {
	GetPlan(ctx context.Context, code string) (*Plan, error)
	ListPlans(ctx context.Context) ([]Plan, error)
}
