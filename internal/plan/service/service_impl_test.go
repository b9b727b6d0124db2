package service

import (
	"context"
	"testing"
	"time"

	"github.com/carelinkhq/carelink/internal/plan/domain"
	"github.com/carelinkhq/carelink/internal/plan/repository"
	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func newTestService(t *testing.T) (domain.Service, *gorm.DB) {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&domain.Plan{}))

	repo := repository.Provide()
	svc := New(Params{
		DB:   db,
		Log:  zap.NewNop(),
		Repo: repo,
	})
	return svc, db
}

func seedPlan(t *testing.T, db *gorm.DB, code string, price int64, active bool) {
	t.Helper()

	now := time.Now().UTC()
	err := repository.Provide().Create(context.Background(), db, &domain.Plan{
		Code:           code,
		Name:           code,
		Price:          price,
		Currency:       "VND",
		CameraQuota:    2,
		RetentionDays:  7,
		CaregiverSeats: 2,
		Sites:          1,
		BillingType:    "monthly",
		Version:        1,
		Active:         active,
		CreatedAt:      now,
		UpdatedAt:      now,
	})
	require.NoError(t, err)
}

func TestGetPlan(t *testing.T) {
	svc, db := newTestService(t)
	seedPlan(t, db, "basic", 100000, true)

	got, err := svc.GetPlan(context.Background(), "basic")
	require.NoError(t, err)
	require.Equal(t, "basic", got.Code)
	require.Equal(t, int64(100000), got.Price)
}

func TestGetPlanUnknownCode(t *testing.T) {
	svc, _ := newTestService(t)

	_, err := svc.GetPlan(context.Background(), "enterprise")
	require.ErrorIs(t, err, domain.ErrUnknownPlan)
}

func TestGetPlanInactiveIsUnknown(t *testing.T) {
	svc, db := newTestService(t)
	seedPlan(t, db, "legacy", 50000, false)

	_, err := svc.GetPlan(context.Background(), "legacy")
	require.ErrorIs(t, err, domain.ErrUnknownPlan)
}

func TestGetPlanEmptyCode(t *testing.T) {
	svc, _ := newTestService(t)

	_, err := svc.GetPlan(context.Background(), "  ")
	require.ErrorIs(t, err, domain.ErrInvalidCode)
}

func TestListPlansOnlyActiveSortedByPrice(t *testing.T) {
	svc, db := newTestService(t)
	seedPlan(t, db, "premium", 200000, true)
	seedPlan(t, db, "basic", 100000, true)
	seedPlan(t, db, "legacy", 50000, false)

	items, err := svc.ListPlans(context.Background())
	require.NoError(t, err)
	require.Len(t, items, 2)
	require.Equal(t, "basic", items[0].Code)
	require.Equal(t, "premium", items[1].Code)
}

func TestPlanSnapshotFreezesTerms(t *testing.T) {
	svc, db := newTestService(t)
	seedPlan(t, db, "basic", 100000, true)

	p, err := svc.GetPlan(context.Background(), "basic")
	require.NoError(t, err)

	snap := p.Snapshot()
	require.Equal(t, p.Price, snap.Price)
	require.Equal(t, p.Version, snap.Version)

	p.Price = 999999
	require.Equal(t, int64(100000), snap.Price)
}
