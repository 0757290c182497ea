package billing_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/meterkit/pkg/billing"
	"github.com/dmitrymomot/meterkit/pkg/cache"
	"github.com/dmitrymomot/meterkit/pkg/logger"
	"github.com/dmitrymomot/meterkit/pkg/scheduler"
)

var now = time.Date(2026, 5, 10, 9, 0, 0, 0, time.UTC)

func clock() time.Time { return now }

type mockProvider struct {
	mock.Mock
}

func (m *mockProvider) CreateCheckoutSession(ctx context.Context, req billing.CheckoutRequest) (*billing.CheckoutSession, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*billing.CheckoutSession), args.Error(1)
}

func (m *mockProvider) GetSubscription(ctx context.Context, externalID string) (*billing.ProviderSubscription, error) {
	args := m.Called(ctx, externalID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*billing.ProviderSubscription), args.Error(1)
}

func (m *mockProvider) UpdateSubscriptionPrice(ctx context.Context, externalID, priceID string) (*billing.ProviderSubscription, error) {
	args := m.Called(ctx, externalID, priceID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*billing.ProviderSubscription), args.Error(1)
}

func (m *mockProvider) CancelSubscription(ctx context.Context, externalID string) (*billing.CancellationResult, error) {
	args := m.Called(ctx, externalID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*billing.CancellationResult), args.Error(1)
}

func (m *mockProvider) ParseWebhook(ctx context.Context, payload []byte, signature string) (*billing.Event, error) {
	args := m.Called(ctx, payload, signature)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*billing.Event), args.Error(1)
}

type recordingObserver struct {
	mu       sync.Mutex
	outcomes []string
}

func (o *recordingObserver) EventProcessed(_, outcome string) {
	o.mu.Lock()
	o.outcomes = append(o.outcomes, outcome)
	o.mu.Unlock()
}

type fixture struct {
	ledger   *billing.MemoryLedger
	provider *mockProvider
	sched    *scheduler.Scheduler
	cache    *cache.MemoryCache
	user     *billing.User
	pro      *billing.Plan
	proYear  *billing.Plan
	premium  *billing.Plan
	observer *recordingObserver
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	ledger := billing.NewMemoryLedger()
	require.NoError(t, ledger.SyncPlans(ctx, []billing.Plan{
		{Name: "Pro", Interval: billing.IntervalMonthly, TokenAllowance: 100, PriceID: "price_pro_m"},
		{Name: "Pro", Interval: billing.IntervalYearly, TokenAllowance: 100, PriceID: "price_pro_y"},
		{Name: "Premium", Interval: billing.IntervalMonthly, TokenAllowance: 500, PriceID: "price_premium_m"},
		{Name: "Legacy", Interval: billing.IntervalMonthly, TokenAllowance: 50},
	}))

	user := &billing.User{Email: "ada@example.com", Name: "Ada"}
	require.NoError(t, ledger.CreateUser(ctx, user))

	sched, err := scheduler.New(scheduler.NewMemoryStorage(),
		scheduler.WithClock(clock), scheduler.WithLogger(logger.Discard()))
	require.NoError(t, err)

	f := &fixture{
		ledger:   ledger,
		provider: new(mockProvider),
		sched:    sched,
		cache:    cache.NewMemory(16, time.Minute),
		user:     user,
		observer: &recordingObserver{},
	}
	f.pro, _ = ledger.GetPlan(ctx, "Pro", billing.IntervalMonthly)
	f.proYear, _ = ledger.GetPlan(ctx, "Pro", billing.IntervalYearly)
	f.premium, _ = ledger.GetPlan(ctx, "Premium", billing.IntervalMonthly)
	t.Cleanup(func() { f.provider.AssertExpectations(t) })
	return f
}

func (f *fixture) options() []billing.Option {
	return []billing.Option{
		billing.WithClock(clock),
		billing.WithLogger(logger.Discard()),
		billing.WithTaskScheduler(f.sched),
		billing.WithCache(f.cache),
		billing.WithObserver(f.observer),
		billing.WithConfig(billing.Config{
			CheckoutSuccessURL: "https://app.test/success",
			CheckoutCancelURL:  "https://app.test/cancel",
			EventClaimTTL:      time.Minute,
		}),
	}
}

func (f *fixture) gateway() *billing.Gateway {
	return billing.NewGateway(f.ledger, f.provider, f.options()...)
}

func (f *fixture) processor() *billing.WebhookProcessor {
	return billing.NewWebhookProcessor(f.ledger, f.provider, f.options()...)
}

// subscribe puts the fixture user on plan with the given status and period end.
func (f *fixture) subscribe(t *testing.T, plan *billing.Plan, status billing.Status, periodEnd time.Time) {
	t.Helper()
	_, err := f.ledger.UpsertSubscription(context.Background(), &billing.Subscription{
		UserID:           f.user.ID,
		PlanID:           plan.ID,
		ExternalID:       "sub_123",
		Status:           status,
		CurrentPeriodEnd: periodEnd,
		LastEventAt:      now.Add(-time.Hour),
	})
	require.NoError(t, err)
}

func (f *fixture) warmCache(t *testing.T, userID uuid.UUID) {
	t.Helper()
	require.NoError(t, f.cache.Set(context.Background(), cache.CurrentUserKey(userID), []byte("{}"), time.Minute))
}

func (f *fixture) cached(userID uuid.UUID) bool {
	_, err := f.cache.Get(context.Background(), cache.CurrentUserKey(userID))
	return err == nil
}
