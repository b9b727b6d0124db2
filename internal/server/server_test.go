package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/carelinkhq/carelink/internal/clock"
	"github.com/carelinkhq/carelink/internal/config"
	"github.com/carelinkhq/carelink/internal/notification"
	"github.com/carelinkhq/carelink/internal/observability"
	"github.com/carelinkhq/carelink/internal/payment/adapters"
	"github.com/carelinkhq/carelink/internal/payment/adapters/manual"
	"github.com/carelinkhq/carelink/internal/payment/adapters/stripe"
	"github.com/carelinkhq/carelink/internal/payment/adapters/vnpay"
	paymentdomain "github.com/carelinkhq/carelink/internal/payment/domain"
	paymentrepository "github.com/carelinkhq/carelink/internal/payment/repository"
	paymentservice "github.com/carelinkhq/carelink/internal/payment/service"
	"github.com/carelinkhq/carelink/internal/payment/webhook"
	plandomain "github.com/carelinkhq/carelink/internal/plan/domain"
	planrepository "github.com/carelinkhq/carelink/internal/plan/repository"
	planservice "github.com/carelinkhq/carelink/internal/plan/service"
	subscriptiondomain "github.com/carelinkhq/carelink/internal/subscription/domain"
	subscriptionrepository "github.com/carelinkhq/carelink/internal/subscription/repository"
	subscriptionservice "github.com/carelinkhq/carelink/internal/subscription/service"
	"github.com/carelinkhq/carelink/internal/subscriptionevent"
)

const testWebhookToken = "test-webhook-token"

type fixture struct {
	engine  *gin.Engine
	db      *gorm.DB
	subRepo subscriptiondomain.Repository
	genID   *snowflake.Node
	clock   *clock.FakeClock
	now     time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{TranslateError: true})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&plandomain.Plan{},
		&subscriptiondomain.Subscription{},
		&subscriptiondomain.Transaction{},
		&subscriptionevent.SubscriptionEvent{},
		&paymentdomain.Payment{},
		&paymentdomain.EventRecord{},
	))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	now := time.Date(2026, 3, 16, 0, 0, 0, 0, time.UTC)
	fake := clock.NewFakeClock(now)
	log := zap.NewNop()
	cfg := config.Config{
		HTTPAddr:           ":0",
		DefaultCurrency:    "VND",
		ManualWebhookToken: testWebhookToken,
	}

	planRepo := planrepository.Provide()
	plansvc := planservice.New(planservice.Params{DB: db, Log: log, Repo: planRepo})
	subRepo := subscriptionrepository.Provide()
	events := subscriptionevent.NewRecorder(subscriptionevent.RecorderParams{Log: log, GenID: node, Clock: fake})
	notifier := notification.NewDispatcher(log)

	subsvc := subscriptionservice.NewService(subscriptionservice.ServiceParam{
		DB:       db,
		Log:      log,
		GenID:    node,
		Clock:    fake,
		Repo:     subRepo,
		PlanRepo: planRepo,
		Plansvc:  plansvc,
		Events:   events,
	})

	paysvc := paymentservice.NewService(paymentservice.ServiceParam{
		DB:       db,
		Log:      log,
		GenID:    node,
		Clock:    fake,
		Repo:     paymentrepository.Provide(),
		SubRepo:  subRepo,
		Events:   events,
		Notifier: notifier,
	})

	webhooksvc := webhook.NewService(webhook.ServiceParam{
		Log: log,
		Cfg: cfg,
		Registry: adapters.NewRegistry(
			stripe.NewFactory(),
			vnpay.NewFactory(),
			manual.NewFactory(),
		),
		Payments: paysvc,
	})

	engine := NewEngine(observability.Config{ServiceName: "carelink", Environment: "test"})
	NewServer(ServerParams{
		Gin: engine,
		Cfg: cfg,
		Log: log,

		PlanSvc:         plansvc,
		SubscriptionSvc: subsvc,
		PaymentSvc:      paysvc,
		WebhookSvc:      webhooksvc,
	})

	return &fixture{engine: engine, db: db, subRepo: subRepo, genID: node, clock: fake, now: now}
}

func (f *fixture) seedPlan(t *testing.T, code string, price int64) {
	t.Helper()
	require.NoError(t, planrepository.Provide().Create(context.Background(), f.db, &plandomain.Plan{
		Code:        code,
		Name:        code,
		Price:       price,
		Currency:    "VND",
		BillingType: "monthly",
		Version:     1,
		Active:      true,
		CreatedAt:   f.now,
		UpdatedAt:   f.now,
	}))
}

func (f *fixture) seedSubscription(t *testing.T, planCode string) *subscriptiondomain.Subscription {
	t.Helper()

	periodStart := f.now.Add(-24 * time.Hour)
	periodEnd := f.now.Add(24 * time.Hour)
	sub := &subscriptiondomain.Subscription{
		ID:                 f.genID.Generate(),
		UserID:             f.genID.Generate(),
		PlanCode:           planCode,
		Status:             subscriptiondomain.SubscriptionStatusActive,
		BillingPeriod:      subscriptiondomain.BillingPeriodMonthly,
		StartedAt:          f.now.Add(-30 * 24 * time.Hour),
		CurrentPeriodStart: &periodStart,
		CurrentPeriodEnd:   &periodEnd,
		AutoRenew:          true,
		CreatedAt:          f.now,
		UpdatedAt:          f.now,
	}
	require.NoError(t, f.subRepo.Insert(context.Background(), f.db, sub))
	return sub
}

func (f *fixture) request(t *testing.T, method, path, userID string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(encoded)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if userID != "" {
		req.Header.Set("X-User-ID", userID)
	}

	rec := httptest.NewRecorder()
	f.engine.ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	f := newFixture(t)

	rec := f.request(t, http.MethodGet, "/healthz", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestListPlansRequiresIdentity(t *testing.T) {
	f := newFixture(t)
	f.seedPlan(t, "basic", 100000)

	rec := f.request(t, http.MethodGet, "/api/plans", "", nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.request(t, http.MethodGet, "/api/plans", f.genID.Generate().String(), nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestGetPlanNotFound(t *testing.T) {
	f := newFixture(t)

	rec := f.request(t, http.MethodGet, "/api/plans/nope", f.genID.Generate().String(), nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestUpgradeEndToEnd(t *testing.T) {
	f := newFixture(t)
	f.seedPlan(t, "basic", 100000)
	f.seedPlan(t, "premium", 200000)
	sub := f.seedSubscription(t, "basic")
	userID := sub.UserID.String()

	rec := f.request(t, http.MethodPost, "/api/subscriptions/"+sub.ID.String()+"/upgrade", userID, map[string]any{
		"plan_code": "premium",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var prepared struct {
		Data subscriptiondomain.ChangeResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &prepared))
	require.Equal(t, subscriptiondomain.ChangeStatusRequiresAction, prepared.Data.Status)
	require.NotEmpty(t, prepared.Data.TransactionID)
	require.Equal(t, int64(50000), prepared.Data.AmountDue)

	rec = f.request(t, http.MethodPost, "/api/transactions/"+prepared.Data.TransactionID+"/checkout", userID, map[string]any{
		"provider": "manual",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var checkout struct {
		Data paymentdomain.Payment `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &checkout))
	require.Equal(t, paymentdomain.PaymentStatusPending, checkout.Data.Status)

	confirm := func() *httptest.ResponseRecorder {
		payload, err := json.Marshal(map[string]any{
			"payment_id": checkout.Data.ID.String(),
			"status":     "paid",
			"event_id":   "op-1",
		})
		require.NoError(t, err)

		req := httptest.NewRequest(http.MethodPost, "/webhooks/manual", bytes.NewReader(payload))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Carelink-Webhook-Token", testWebhookToken)
		rec := httptest.NewRecorder()
		f.engine.ServeHTTP(rec, req)
		return rec
	}

	require.Equal(t, http.StatusOK, confirm().Code)

	rec = f.request(t, http.MethodGet, "/api/subscriptions/"+sub.ID.String(), userID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var got struct {
		Data subscriptiondomain.Subscription `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Equal(t, "premium", got.Data.PlanCode)

	// Gateway retries are acknowledged, not re-applied.
	require.Equal(t, http.StatusOK, confirm().Code)
}

func TestWebhookRejectsBadToken(t *testing.T) {
	f := newFixture(t)

	payload := []byte(`{"payment_id":"1","status":"paid"}`)
	req := httptest.NewRequest(http.MethodPost, "/webhooks/manual", bytes.NewReader(payload))
	req.Header.Set("X-Carelink-Webhook-Token", "wrong")
	rec := httptest.NewRecorder()
	f.engine.ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestWebhookUnknownProvider(t *testing.T) {
	f := newFixture(t)

	req := httptest.NewRequest(http.MethodPost, "/webhooks/paypal", bytes.NewReader([]byte(`{}`)))
	rec := httptest.NewRecorder()
	f.engine.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCancelConflictOnInvalidTransactionState(t *testing.T) {
	f := newFixture(t)
	f.seedPlan(t, "basic", 100000)
	sub := f.seedSubscription(t, "basic")

	rec := f.request(t, http.MethodPost, fmt.Sprintf("/api/subscriptions/%s/cancel", sub.ID), sub.UserID.String(), nil)
	require.Equal(t, http.StatusOK, rec.Code)

	// Further plan changes on a canceled subscription conflict.
	rec = f.request(t, http.MethodPost, "/api/subscriptions/"+sub.ID.String()+"/upgrade", sub.UserID.String(), map[string]any{
		"plan_code": "basic",
	})
	require.Equal(t, http.StatusConflict, rec.Code)
}

func TestGetSubscriptionWrongUser(t *testing.T) {
	f := newFixture(t)
	f.seedPlan(t, "basic", 100000)
	sub := f.seedSubscription(t, "basic")

	rec := f.request(t, http.MethodGet, "/api/subscriptions/"+sub.ID.String(), f.genID.Generate().String(), nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}
