package service

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/carelinkhq/carelink/internal/clock"
	"github.com/carelinkhq/carelink/internal/notification"
	paymentdomain "github.com/carelinkhq/carelink/internal/payment/domain"
	paymentrepository "github.com/carelinkhq/carelink/internal/payment/repository"
	plandomain "github.com/carelinkhq/carelink/internal/plan/domain"
	subscriptiondomain "github.com/carelinkhq/carelink/internal/subscription/domain"
	subscriptionrepository "github.com/carelinkhq/carelink/internal/subscription/repository"
	"github.com/carelinkhq/carelink/internal/subscriptionevent"
)

type recordingDispatcher struct {
	mu       sync.Mutex
	messages []notification.Message
}

func (d *recordingDispatcher) Dispatch(_ context.Context, msg notification.Message) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.messages = append(d.messages, msg)
}

func (d *recordingDispatcher) kinds() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	kinds := make([]string, 0, len(d.messages))
	for _, msg := range d.messages {
		kinds = append(kinds, msg.Kind)
	}
	return kinds
}

type fixture struct {
	db       *gorm.DB
	svc      paymentdomain.Service
	repo     paymentdomain.Repository
	subRepo  subscriptiondomain.Repository
	notifier *recordingDispatcher
	clock    *clock.FakeClock
	genID    *snowflake.Node
	now      time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

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

	repo := paymentrepository.Provide()
	subRepo := subscriptionrepository.Provide()
	events := subscriptionevent.NewRecorder(subscriptionevent.RecorderParams{Log: log, GenID: node, Clock: fake})
	notifier := &recordingDispatcher{}

	svc := NewService(ServiceParam{
		DB:       db,
		Log:      log,
		GenID:    node,
		Clock:    fake,
		Repo:     repo,
		SubRepo:  subRepo,
		Events:   events,
		Notifier: notifier,
	})

	return &fixture{
		db:       db,
		svc:      svc,
		repo:     repo,
		subRepo:  subRepo,
		notifier: notifier,
		clock:    fake,
		genID:    node,
		now:      now,
	}
}

func (f *fixture) seedSubscription(t *testing.T, planCode string, status subscriptiondomain.SubscriptionStatus) *subscriptiondomain.Subscription {
	t.Helper()

	periodStart := f.now.Add(-24 * time.Hour)
	periodEnd := f.now.Add(24 * time.Hour)
	sub := &subscriptiondomain.Subscription{
		ID:                 f.genID.Generate(),
		UserID:             f.genID.Generate(),
		PlanCode:           planCode,
		Status:             status,
		BillingPeriod:      subscriptiondomain.BillingPeriodMonthly,
		StartedAt:          f.now.Add(-30 * 24 * time.Hour),
		CurrentPeriodStart: &periodStart,
		CurrentPeriodEnd:   &periodEnd,
		AutoRenew:          true,
		RenewalAttempts:    2,
		CreatedAt:          f.now,
		UpdatedAt:          f.now,
	}
	require.NoError(t, f.subRepo.Insert(context.Background(), f.db, sub))
	return sub
}

// seedOpenTransaction creates an open upgrade row whose frozen snapshot
// points at newPlan, with a payment already attached.
func (f *fixture) seedOpenTransaction(t *testing.T, sub *subscriptiondomain.Subscription, newPlan string, amount int64, status subscriptiondomain.TransactionStatus) (*subscriptiondomain.Transaction, snowflake.ID) {
	t.Helper()

	snapshot, err := json.Marshal(plandomain.Snapshot{
		Code:     newPlan,
		Name:     newPlan,
		Price:    amount,
		Currency: "VND",
		Version:  1,
	})
	require.NoError(t, err)

	paymentID := f.genID.Generate()
	provider := paymentdomain.ProviderStripe
	periodStart := f.now
	periodEnd := f.now.AddDate(0, 1, 0)
	tx := &subscriptiondomain.Transaction{
		ID:              f.genID.Generate(),
		SubscriptionID:  sub.ID,
		PlanCode:        sub.PlanCode,
		PlanSnapshotNew: datatypes.JSON(snapshot),
		AmountSubtotal:  amount,
		AmountTotal:     amount,
		Currency:        "VND",
		PeriodStart:     &periodStart,
		PeriodEnd:       &periodEnd,
		Action:          subscriptiondomain.TransactionActionUpgrade,
		Status:          status,
		Provider:        &provider,
		PaymentID:       &paymentID,
		CreatedAt:       f.now,
		UpdatedAt:       f.now,
	}
	require.NoError(t, f.subRepo.InsertTransaction(context.Background(), f.db, tx))

	require.NoError(t, f.repo.InsertPayment(context.Background(), f.db, &paymentdomain.Payment{
		ID:        paymentID,
		UserID:    sub.UserID,
		PlanCode:  newPlan,
		Amount:    amount,
		Currency:  "VND",
		Status:    paymentdomain.PaymentStatusPending,
		Provider:  provider,
		CreatedAt: f.now,
		UpdatedAt: f.now,
	}))
	return tx, paymentID
}

func (f *fixture) reloadSubscription(t *testing.T, id snowflake.ID) *subscriptiondomain.Subscription {
	t.Helper()
	sub, err := f.subRepo.FindByID(context.Background(), f.db, id)
	require.NoError(t, err)
	require.NotNil(t, sub)
	return sub
}

func TestApplyOnPaymentSuccessSettlesAndMutates(t *testing.T) {
	f := newFixture(t)
	sub := f.seedSubscription(t, "basic", subscriptiondomain.SubscriptionStatusActive)
	tx, paymentID := f.seedOpenTransaction(t, sub, "premium", 200000, subscriptiondomain.TransactionStatusOpen)

	require.NoError(t, f.svc.ApplyUpgradeOnPaymentSuccess(context.Background(), paymentID.String()))

	got := f.reloadSubscription(t, sub.ID)
	require.Equal(t, "premium", got.PlanCode)
	require.Equal(t, subscriptiondomain.SubscriptionStatusActive, got.Status)
	require.Equal(t, 0, got.RenewalAttempts)
	require.Nil(t, got.NextRenewalAttemptAt)
	require.NotNil(t, got.LastPaymentAt)
	require.Equal(t, f.now, got.LastPaymentAt.UTC())

	settled, err := f.subRepo.FindTransactionByID(context.Background(), f.db, tx.ID)
	require.NoError(t, err)
	require.Equal(t, subscriptiondomain.TransactionStatusPaid, settled.Status)

	payment, err := f.repo.FindPaymentByID(context.Background(), f.db, paymentID)
	require.NoError(t, err)
	require.Equal(t, paymentdomain.PaymentStatusPaid, payment.Status)

	require.Equal(t, []string{notification.KindPaymentReceived}, f.notifier.kinds())
}

func TestApplyOnPaymentSuccessIsIdempotent(t *testing.T) {
	f := newFixture(t)
	sub := f.seedSubscription(t, "basic", subscriptiondomain.SubscriptionStatusActive)
	_, paymentID := f.seedOpenTransaction(t, sub, "premium", 200000, subscriptiondomain.TransactionStatusOpen)

	require.NoError(t, f.svc.ApplyUpgradeOnPaymentSuccess(context.Background(), paymentID.String()))
	first := f.reloadSubscription(t, sub.ID)

	f.clock.Advance(6 * time.Hour)
	err := f.svc.ApplyUpgradeOnPaymentSuccess(context.Background(), paymentID.String())
	require.ErrorIs(t, err, paymentdomain.ErrAlreadyApplied)

	second := f.reloadSubscription(t, sub.ID)
	require.Equal(t, first.PlanCode, second.PlanCode)
	require.Equal(t, first.Status, second.Status)
	require.Equal(t, first.UpdatedAt, second.UpdatedAt)
	require.Equal(t, first.LastPaymentAt.UTC(), second.LastPaymentAt.UTC())
}

func TestApplyOnPaymentSuccessUnknownPayment(t *testing.T) {
	f := newFixture(t)

	err := f.svc.ApplyUpgradeOnPaymentSuccess(context.Background(), f.genID.Generate().String())
	require.ErrorIs(t, err, subscriptiondomain.ErrTransactionNotFound)
}

func TestApplyOnPaymentSuccessVoidTransaction(t *testing.T) {
	f := newFixture(t)
	sub := f.seedSubscription(t, "basic", subscriptiondomain.SubscriptionStatusActive)
	_, paymentID := f.seedOpenTransaction(t, sub, "premium", 200000, subscriptiondomain.TransactionStatusVoid)

	err := f.svc.ApplyUpgradeOnPaymentSuccess(context.Background(), paymentID.String())
	require.ErrorIs(t, err, subscriptiondomain.ErrInvalidState)

	got := f.reloadSubscription(t, sub.ID)
	require.Equal(t, "basic", got.PlanCode)
}

func TestApplyOnPaymentSuccessTrialingBecomesActive(t *testing.T) {
	f := newFixture(t)
	sub := f.seedSubscription(t, "basic", subscriptiondomain.SubscriptionStatusTrialing)
	_, paymentID := f.seedOpenTransaction(t, sub, "basic", 100000, subscriptiondomain.TransactionStatusOpen)

	require.NoError(t, f.svc.ApplyUpgradeOnPaymentSuccess(context.Background(), paymentID.String()))

	got := f.reloadSubscription(t, sub.ID)
	require.Equal(t, subscriptiondomain.SubscriptionStatusActive, got.Status)
}

func TestApplyOnPaymentSuccessPastDueRecovers(t *testing.T) {
	f := newFixture(t)
	sub := f.seedSubscription(t, "basic", subscriptiondomain.SubscriptionStatusPastDue)
	_, paymentID := f.seedOpenTransaction(t, sub, "basic", 100000, subscriptiondomain.TransactionStatusOpen)

	require.NoError(t, f.svc.ApplyUpgradeOnPaymentSuccess(context.Background(), paymentID.String()))

	got := f.reloadSubscription(t, sub.ID)
	require.Equal(t, subscriptiondomain.SubscriptionStatusActive, got.Status)
	require.Equal(t, 0, got.RenewalAttempts)
}

func TestProcessEventDeduplicatesDeliveries(t *testing.T) {
	f := newFixture(t)
	sub := f.seedSubscription(t, "basic", subscriptiondomain.SubscriptionStatusActive)
	_, paymentID := f.seedOpenTransaction(t, sub, "premium", 200000, subscriptiondomain.TransactionStatusOpen)

	event := &paymentdomain.PaymentEvent{
		Provider:          paymentdomain.ProviderStripe,
		ProviderEventID:   "evt_1",
		ProviderPaymentID: "pi_1",
		PaymentID:         paymentID.String(),
		Type:              paymentdomain.EventTypePaymentSucceeded,
		Amount:            200000,
		Currency:          "VND",
		OccurredAt:        f.now,
	}
	payload := []byte(`{"id":"evt_1"}`)

	require.NoError(t, f.svc.ProcessEvent(context.Background(), event, payload))

	err := f.svc.ProcessEvent(context.Background(), event, payload)
	require.ErrorIs(t, err, paymentdomain.ErrEventAlreadyProcessed)

	got := f.reloadSubscription(t, sub.ID)
	require.Equal(t, "premium", got.PlanCode)

	var count int64
	require.NoError(t, f.db.Model(&paymentdomain.EventRecord{}).Count(&count).Error)
	require.EqualValues(t, 1, count)
}

func TestProcessEventDistinctEventSamePaymentAcks(t *testing.T) {
	f := newFixture(t)
	sub := f.seedSubscription(t, "basic", subscriptiondomain.SubscriptionStatusActive)
	_, paymentID := f.seedOpenTransaction(t, sub, "premium", 200000, subscriptiondomain.TransactionStatusOpen)

	first := &paymentdomain.PaymentEvent{
		Provider:        paymentdomain.ProviderStripe,
		ProviderEventID: "evt_1",
		PaymentID:       paymentID.String(),
		Type:            paymentdomain.EventTypePaymentSucceeded,
	}
	require.NoError(t, f.svc.ProcessEvent(context.Background(), first, []byte(`{"id":"evt_1"}`)))

	// A second success event for the same payment lands on an already
	// settled transaction and is acknowledged without a second mutation.
	second := &paymentdomain.PaymentEvent{
		Provider:        paymentdomain.ProviderStripe,
		ProviderEventID: "evt_2",
		PaymentID:       paymentID.String(),
		Type:            paymentdomain.EventTypePaymentSucceeded,
	}
	require.NoError(t, f.svc.ProcessEvent(context.Background(), second, []byte(`{"id":"evt_2"}`)))

	got := f.reloadSubscription(t, sub.ID)
	require.Equal(t, "premium", got.PlanCode)
}

func TestProcessEventPaymentFailed(t *testing.T) {
	f := newFixture(t)
	sub := f.seedSubscription(t, "basic", subscriptiondomain.SubscriptionStatusActive)
	_, paymentID := f.seedOpenTransaction(t, sub, "premium", 200000, subscriptiondomain.TransactionStatusOpen)

	event := &paymentdomain.PaymentEvent{
		Provider:        paymentdomain.ProviderStripe,
		ProviderEventID: "evt_fail",
		PaymentID:       paymentID.String(),
		Type:            paymentdomain.EventTypePaymentFailed,
	}
	require.NoError(t, f.svc.ProcessEvent(context.Background(), event, []byte(`{"id":"evt_fail"}`)))

	payment, err := f.repo.FindPaymentByID(context.Background(), f.db, paymentID)
	require.NoError(t, err)
	require.Equal(t, paymentdomain.PaymentStatusFailed, payment.Status)

	got := f.reloadSubscription(t, sub.ID)
	require.Equal(t, "basic", got.PlanCode)
	require.Equal(t, subscriptiondomain.SubscriptionStatusActive, got.Status)

	require.Equal(t, []string{notification.KindPaymentFailed}, f.notifier.kinds())
}

func TestCreateCheckoutAttachesPayment(t *testing.T) {
	f := newFixture(t)
	sub := f.seedSubscription(t, "basic", subscriptiondomain.SubscriptionStatusActive)

	snapshot, err := json.Marshal(plandomain.Snapshot{Code: "premium", Price: 200000, Currency: "VND"})
	require.NoError(t, err)
	tx := &subscriptiondomain.Transaction{
		ID:              f.genID.Generate(),
		SubscriptionID:  sub.ID,
		PlanCode:        "basic",
		PlanSnapshotNew: datatypes.JSON(snapshot),
		AmountSubtotal:  50000,
		AmountTotal:     50000,
		Currency:        "VND",
		Action:          subscriptiondomain.TransactionActionUpgrade,
		Status:          subscriptiondomain.TransactionStatusOpen,
		CreatedAt:       f.now,
		UpdatedAt:       f.now,
	}
	require.NoError(t, f.subRepo.InsertTransaction(context.Background(), f.db, tx))

	payment, err := f.svc.CreateCheckout(context.Background(), paymentdomain.CreateCheckoutRequest{
		UserID:        sub.UserID.String(),
		TransactionID: tx.ID.String(),
		Provider:      paymentdomain.ProviderVNPay,
	})
	require.NoError(t, err)
	require.Equal(t, paymentdomain.PaymentStatusPending, payment.Status)
	require.Equal(t, int64(50000), payment.Amount)
	require.Equal(t, "VND", payment.Currency)

	reloaded, err := f.subRepo.FindTransactionByID(context.Background(), f.db, tx.ID)
	require.NoError(t, err)
	require.NotNil(t, reloaded.PaymentID)
	require.Equal(t, payment.ID, *reloaded.PaymentID)
	require.NotNil(t, reloaded.Provider)
	require.Equal(t, paymentdomain.ProviderVNPay, *reloaded.Provider)
}

func TestCreateCheckoutRejectsPaidTransaction(t *testing.T) {
	f := newFixture(t)
	sub := f.seedSubscription(t, "basic", subscriptiondomain.SubscriptionStatusActive)
	tx, _ := f.seedOpenTransaction(t, sub, "premium", 200000, subscriptiondomain.TransactionStatusPaid)

	_, err := f.svc.CreateCheckout(context.Background(), paymentdomain.CreateCheckoutRequest{
		UserID:        sub.UserID.String(),
		TransactionID: tx.ID.String(),
		Provider:      paymentdomain.ProviderStripe,
	})
	require.ErrorIs(t, err, paymentdomain.ErrAlreadyApplied)
}

func TestCreateCheckoutWrongUser(t *testing.T) {
	f := newFixture(t)
	sub := f.seedSubscription(t, "basic", subscriptiondomain.SubscriptionStatusActive)
	tx, _ := f.seedOpenTransaction(t, sub, "premium", 200000, subscriptiondomain.TransactionStatusOpen)

	_, err := f.svc.CreateCheckout(context.Background(), paymentdomain.CreateCheckoutRequest{
		UserID:        f.genID.Generate().String(),
		TransactionID: tx.ID.String(),
		Provider:      paymentdomain.ProviderStripe,
	})
	require.ErrorIs(t, err, subscriptiondomain.ErrTransactionNotFound)
}
