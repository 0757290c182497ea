package server_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/meterkit/internal/server"
	"github.com/dmitrymomot/meterkit/pkg/account"
	"github.com/dmitrymomot/meterkit/pkg/billing"
	"github.com/dmitrymomot/meterkit/pkg/httpserver"
	"github.com/dmitrymomot/meterkit/pkg/logger"
	"github.com/dmitrymomot/meterkit/pkg/usage"
)

type mockBilling struct{ mock.Mock }

func (m *mockBilling) CreateCheckoutSession(ctx context.Context, email, plan string, interval billing.Interval) (string, error) {
	args := m.Called(ctx, email, plan, interval)
	return args.String(0), args.Error(1)
}

func (m *mockBilling) CancelSubscription(ctx context.Context, id uuid.UUID) (*billing.CancellationResult, error) {
	args := m.Called(ctx, id)
	res, _ := args.Get(0).(*billing.CancellationResult)
	return res, args.Error(1)
}

func (m *mockBilling) UpdateSubscriptionPlan(ctx context.Context, id uuid.UUID, plan string, interval billing.Interval) error {
	return m.Called(ctx, id, plan, interval).Error(0)
}

func (m *mockBilling) GetUserSubscriptionData(ctx context.Context, id uuid.UUID) (*billing.SubscriptionData, error) {
	args := m.Called(ctx, id)
	data, _ := args.Get(0).(*billing.SubscriptionData)
	return data, args.Error(1)
}

func (m *mockBilling) Plans(ctx context.Context) ([]billing.Plan, error) {
	args := m.Called(ctx)
	plans, _ := args.Get(0).([]billing.Plan)
	return plans, args.Error(1)
}

type mockWebhooks struct{ mock.Mock }

func (m *mockWebhooks) Process(ctx context.Context, payload []byte, signature string) error {
	return m.Called(ctx, string(payload), signature).Error(0)
}

type mockUsage struct{ mock.Mock }

func (m *mockUsage) UseTokens(ctx context.Context, id uuid.UUID, amount int64) (bool, error) {
	args := m.Called(ctx, id, amount)
	return args.Bool(0), args.Error(1)
}

func (m *mockUsage) Usage(ctx context.Context, id uuid.UUID) (*usage.Usage, error) {
	args := m.Called(ctx, id)
	u, _ := args.Get(0).(*usage.Usage)
	return u, args.Error(1)
}

type mockAccounts struct{ mock.Mock }

func (m *mockAccounts) Current(ctx context.Context, id uuid.UUID) (*account.Snapshot, error) {
	args := m.Called(ctx, id)
	snap, _ := args.Get(0).(*account.Snapshot)
	return snap, args.Error(1)
}

func (m *mockAccounts) Delete(ctx context.Context, id uuid.UUID) error {
	return m.Called(ctx, id).Error(0)
}

type httpRecord struct {
	method, route string
	status        int
}

type recordingObserver struct{ calls []httpRecord }

func (o *recordingObserver) ObserveHTTP(method, route string, status int, _ time.Duration) {
	o.calls = append(o.calls, httpRecord{method, route, status})
}

type env struct {
	billing  *mockBilling
	webhooks *mockWebhooks
	usage    *mockUsage
	accounts *mockAccounts
	observer *recordingObserver
	handler  http.Handler
	user     uuid.UUID
}

func newEnv(t *testing.T, opts ...server.Option) *env {
	t.Helper()
	e := &env{
		billing:  &mockBilling{},
		webhooks: &mockWebhooks{},
		usage:    &mockUsage{},
		accounts: &mockAccounts{},
		observer: &recordingObserver{},
		user:     uuid.New(),
	}
	opts = append([]server.Option{
		server.WithLogger(logger.Discard()),
		server.WithMetrics(e.observer, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte("# metrics"))
		})),
	}, opts...)
	e.handler = server.New(server.Deps{
		Billing:  e.billing,
		Webhooks: e.webhooks,
		Usage:    e.usage,
		Accounts: e.accounts,
	}, opts...)
	t.Cleanup(func() {
		e.billing.AssertExpectations(t)
		e.webhooks.AssertExpectations(t)
		e.usage.AssertExpectations(t)
		e.accounts.AssertExpectations(t)
	})
	return e
}

func (e *env) do(method, path, body string, headers ...string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set(server.UserIDHeader, e.user.String())
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body), rec.Body.String())
	return body
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	body := decode(t, rec)
	detail, ok := body["error"].(map[string]any)
	require.True(t, ok, "expected error envelope, got %s", rec.Body.String())
	return detail["code"].(string)
}

func TestWebhook(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		err    error
		status int
	}{
		{"processed", nil, http.StatusOK},
		{"bad signature", billing.ErrSignatureInvalid, http.StatusBadRequest},
		{"missing secret", billing.ErrWebhookSecretMissing, http.StatusBadRequest},
		{"unhandled type", billing.ErrUnhandledEvent, http.StatusOK},
		{"invalid event", billing.ErrMissingCustomerEmail, http.StatusOK},
		{"conflict", billing.ErrActiveSubscriptionExists, http.StatusOK},
		{"unknown subscription", billing.ErrSubscriptionNotFound, http.StatusServiceUnavailable},
		{"in flight", billing.ErrEventInFlight, http.StatusServiceUnavailable},
		{"storage outage", errors.New("connection reset"), http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			e := newEnv(t)
			e.webhooks.On("Process", mock.Anything, `{"id":"evt_1"}`, "t=1,v1=abc").Return(tt.err).Once()

			rec := e.do(http.MethodPost, "/webhooks/billing", `{"id":"evt_1"}`, "Stripe-Signature", "t=1,v1=abc")
			assert.Equal(t, tt.status, rec.Code)
		})
	}
}

func TestWebhook_PayloadTooLarge(t *testing.T) {
	t.Parallel()
	cfg := server.DefaultConfig()
	cfg.MaxWebhookBytes = 8
	e := newEnv(t, server.WithConfig(cfg))

	rec := e.do(http.MethodPost, "/webhooks/billing", `{"id":"evt_too_long"}`)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	e.webhooks.AssertNotCalled(t, "Process", mock.Anything, mock.Anything, mock.Anything)
}

func TestWebhook_NeedsNoUser(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	e.webhooks.On("Process", mock.Anything, "{}", "").Return(nil).Once()

	req := httptest.NewRequest(http.MethodPost, "/webhooks/billing", strings.NewReader("{}"))
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAuthentication(t *testing.T) {
	t.Parallel()

	for _, header := range []string{"", "not-a-uuid", uuid.Nil.String()} {
		t.Run("header "+header, func(t *testing.T) {
			t.Parallel()
			e := newEnv(t)
			req := httptest.NewRequest(http.MethodGet, "/usage", nil)
			req.Header.Set(server.UserIDHeader, header)
			rec := httptest.NewRecorder()
			e.handler.ServeHTTP(rec, req)

			assert.Equal(t, http.StatusUnauthorized, rec.Code)
			assert.Equal(t, "unauthenticated", errorCode(t, rec))
		})
	}

	t.Run("custom resolver", func(t *testing.T) {
		t.Parallel()
		id := uuid.New()
		e := newEnv(t, server.WithUserResolver(func(*http.Request) (uuid.UUID, error) { return id, nil }))
		e.usage.On("Usage", mock.Anything, id).Return(&usage.Usage{PlanName: "Free", Limit: 12, Remaining: 12}, nil).Once()

		rec := e.do(http.MethodGet, "/usage", "")
		assert.Equal(t, http.StatusOK, rec.Code)
	})
}

func TestCheckout(t *testing.T) {
	t.Parallel()

	t.Run("returns hosted url", func(t *testing.T) {
		t.Parallel()
		e := newEnv(t)
		e.accounts.On("Current", mock.Anything, e.user).
			Return(&account.Snapshot{User: billing.User{ID: e.user, Email: "ada@example.com"}}, nil).Once()
		e.billing.On("CreateCheckoutSession", mock.Anything, "ada@example.com", "Pro", billing.IntervalMonthly).
			Return("https://checkout.example/cs_1", nil).Once()

		rec := e.do(http.MethodPost, "/billing/checkout", `{"plan":"Pro","interval":"monthly"}`)
		require.Equal(t, http.StatusOK, rec.Code)
		data := decode(t, rec)["data"].(map[string]any)
		assert.Equal(t, "https://checkout.example/cs_1", data["url"])
	})

	t.Run("active subscription conflicts", func(t *testing.T) {
		t.Parallel()
		e := newEnv(t)
		e.accounts.On("Current", mock.Anything, e.user).
			Return(&account.Snapshot{User: billing.User{ID: e.user, Email: "ada@example.com"}}, nil).Once()
		e.billing.On("CreateCheckoutSession", mock.Anything, "ada@example.com", "Pro", billing.IntervalYearly).
			Return("", billing.ErrActiveSubscriptionExists).Once()

		rec := e.do(http.MethodPost, "/billing/checkout", `{"plan":"Pro","interval":"yearly"}`)
		assert.Equal(t, http.StatusConflict, rec.Code)
		assert.Equal(t, "conflict", errorCode(t, rec))
	})

	t.Run("validation", func(t *testing.T) {
		t.Parallel()
		for _, body := range []string{
			`{"plan":"","interval":"monthly"}`,
			`{"plan":"Pro","interval":"week"}`,
			`{"plan":"Pro","interval":"monthly","extra":true}`,
			`not json`,
			`{"plan":"Pro","interval":"monthly"}{}`,
		} {
			e := newEnv(t)
			rec := e.do(http.MethodPost, "/billing/checkout", body)
			assert.Equal(t, http.StatusBadRequest, rec.Code, body)
		}
	})

	t.Run("provider outage", func(t *testing.T) {
		t.Parallel()
		e := newEnv(t)
		e.accounts.On("Current", mock.Anything, e.user).
			Return(&account.Snapshot{User: billing.User{ID: e.user, Email: "ada@example.com"}}, nil).Once()
		e.billing.On("CreateCheckoutSession", mock.Anything, "ada@example.com", "Pro", billing.IntervalMonthly).
			Return("", errors.Join(billing.ErrProviderUnavailable, errors.New("dial tcp: timeout"))).Once()

		rec := e.do(http.MethodPost, "/billing/checkout", `{"plan":"Pro","interval":"monthly"}`)
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
		assert.NotContains(t, rec.Body.String(), "dial tcp")
	})
}

func TestCancel(t *testing.T) {
	t.Parallel()

	t.Run("success", func(t *testing.T) {
		t.Parallel()
		e := newEnv(t)
		e.billing.On("CancelSubscription", mock.Anything, e.user).
			Return(&billing.CancellationResult{ExternalID: "sub_123", Status: "canceled"}, nil).Once()

		rec := e.do(http.MethodPost, "/billing/cancel", "")
		require.Equal(t, http.StatusOK, rec.Code)
		data := decode(t, rec)["data"].(map[string]any)
		assert.Equal(t, "sub_123", data["external_id"])
	})

	t.Run("no subscription", func(t *testing.T) {
		t.Parallel()
		e := newEnv(t)
		e.billing.On("CancelSubscription", mock.Anything, e.user).Return(nil, billing.ErrSubscriptionNotFound).Once()

		rec := e.do(http.MethodPost, "/billing/cancel", "")
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestChangePlan(t *testing.T) {
	t.Parallel()

	t.Run("success", func(t *testing.T) {
		t.Parallel()
		e := newEnv(t)
		e.billing.On("UpdateSubscriptionPlan", mock.Anything, e.user, "Premium", billing.IntervalMonthly).Return(nil).Once()
		e.billing.On("GetUserSubscriptionData", mock.Anything, e.user).
			Return(&billing.SubscriptionData{PlanName: "Premium", Status: "active"}, nil).Once()

		rec := e.do(http.MethodPost, "/billing/plan", `{"plan":"Premium","interval":"monthly"}`)
		require.Equal(t, http.StatusOK, rec.Code)
		data := decode(t, rec)["data"].(map[string]any)
		assert.Equal(t, "Premium", data["plan_name"])
	})

	t.Run("same plan", func(t *testing.T) {
		t.Parallel()
		e := newEnv(t)
		e.billing.On("UpdateSubscriptionPlan", mock.Anything, e.user, "Pro", billing.IntervalMonthly).Return(billing.ErrSamePlan).Once()

		rec := e.do(http.MethodPost, "/billing/plan", `{"plan":"Pro","interval":"monthly"}`)
		assert.Equal(t, http.StatusConflict, rec.Code)
	})
}

func TestSubscriptionAndPlans(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	e.billing.On("GetUserSubscriptionData", mock.Anything, e.user).
		Return(&billing.SubscriptionData{PlanName: billing.FreePlanName, Status: billing.FreePlanName}, nil).Once()
	e.billing.On("Plans", mock.Anything).
		Return([]billing.Plan{{ID: 1, Name: "Pro", Interval: billing.IntervalMonthly, TokenAllowance: 100}}, nil).Once()

	rec := e.do(http.MethodGet, "/billing/subscription", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Free", decode(t, rec)["data"].(map[string]any)["status"])

	rec = e.do(http.MethodGet, "/billing/plans", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode(t, rec)["data"], 1)
}

func TestConsume(t *testing.T) {
	t.Parallel()

	t.Run("allowed", func(t *testing.T) {
		t.Parallel()
		e := newEnv(t)
		e.usage.On("UseTokens", mock.Anything, e.user, int64(5)).Return(true, nil).Once()
		e.usage.On("Usage", mock.Anything, e.user).Return(&usage.Usage{PlanName: "Free", Used: 5, Limit: 12, Remaining: 7}, nil).Once()

		rec := e.do(http.MethodPost, "/usage/consume", `{"amount":5}`)
		require.Equal(t, http.StatusOK, rec.Code)
		data := decode(t, rec)["data"].(map[string]any)
		assert.Equal(t, true, data["allowed"])
		assert.EqualValues(t, 7, data["usage"].(map[string]any)["remaining"])
	})

	t.Run("quota exceeded", func(t *testing.T) {
		t.Parallel()
		e := newEnv(t)
		e.usage.On("UseTokens", mock.Anything, e.user, int64(13)).Return(false, billing.ErrQuotaExceeded).Once()
		e.usage.On("Usage", mock.Anything, e.user).Return(&usage.Usage{PlanName: "Free", Limit: 12, Remaining: 12}, nil).Once()

		rec := e.do(http.MethodPost, "/usage/consume", `{"amount":13}`)
		require.Equal(t, http.StatusTooManyRequests, rec.Code)
		assert.Equal(t, false, decode(t, rec)["data"].(map[string]any)["allowed"])
	})

	t.Run("invalid amount", func(t *testing.T) {
		t.Parallel()
		e := newEnv(t)
		e.usage.On("UseTokens", mock.Anything, e.user, int64(0)).Return(false, usage.ErrInvalidAmount).Once()

		rec := e.do(http.MethodPost, "/usage/consume", `{"amount":0}`)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("unknown user", func(t *testing.T) {
		t.Parallel()
		e := newEnv(t)
		e.usage.On("UseTokens", mock.Anything, e.user, int64(1)).Return(false, billing.ErrUserNotFound).Once()

		rec := e.do(http.MethodPost, "/usage/consume", `{"amount":1}`)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestAccount(t *testing.T) {
	t.Parallel()

	t.Run("current", func(t *testing.T) {
		t.Parallel()
		e := newEnv(t)
		e.accounts.On("Current", mock.Anything, e.user).Return(&account.Snapshot{
			User:         billing.User{ID: e.user, Email: "ada@example.com"},
			Subscription: billing.SubscriptionData{PlanName: "Free", Status: "Free"},
		}, nil).Once()

		rec := e.do(http.MethodGet, "/account", "")
		require.Equal(t, http.StatusOK, rec.Code)
		data := decode(t, rec)["data"].(map[string]any)
		assert.Equal(t, "ada@example.com", data["user"].(map[string]any)["email"])
	})

	t.Run("delete", func(t *testing.T) {
		t.Parallel()
		e := newEnv(t)
		e.accounts.On("Delete", mock.Anything, e.user).Return(nil).Once()

		rec := e.do(http.MethodDelete, "/account", "")
		assert.Equal(t, http.StatusNoContent, rec.Code)
	})

	t.Run("delete during provider outage", func(t *testing.T) {
		t.Parallel()
		e := newEnv(t)
		e.accounts.On("Delete", mock.Anything, e.user).Return(billing.ErrProviderUnavailable).Once()

		rec := e.do(http.MethodDelete, "/account", "")
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	})
}

func TestHealthAndMetrics(t *testing.T) {
	t.Parallel()
	e := newEnv(t, server.WithHealthChecks(map[string]httpserver.Check{
		"postgres": func(context.Context) error { return errors.New("down") },
	}))

	assert.Equal(t, http.StatusOK, e.do(http.MethodGet, "/livez", "").Code)
	assert.Equal(t, http.StatusServiceUnavailable, e.do(http.MethodGet, "/healthz", "").Code)

	rec := e.do(http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "# metrics", rec.Body.String())
}

func TestObserveUsesRoutePattern(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	e.usage.On("Usage", mock.Anything, e.user).Return(&usage.Usage{PlanName: "Free", Limit: 12}, nil).Once()

	e.do(http.MethodGet, "/usage", "")
	e.do(http.MethodGet, "/nope", "")

	require.Len(t, e.observer.calls, 2)
	assert.Equal(t, "/usage", e.observer.calls[0].route)
	assert.Equal(t, http.StatusOK, e.observer.calls[0].status)
	assert.Equal(t, "unmatched", e.observer.calls[1].route)
	assert.Equal(t, http.StatusNotFound, e.observer.calls[1].status)
}

func TestRequestID(t *testing.T) {
	t.Parallel()

	var seen string
	h := server.RequestID(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		seen = server.RequestIDFromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(server.RequestIDHeader, "req-123")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, "req-123", seen)
	assert.Equal(t, "req-123", rec.Header().Get(server.RequestIDHeader))

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(server.RequestIDHeader, "bad id/with spaces")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	_, err := uuid.Parse(seen)
	assert.NoError(t, err, "malformed id is replaced by a uuid")

	attr, ok := server.RequestIDExtractor()(context.Background())
	assert.False(t, ok)
	assert.Empty(t, attr.Key)
}

func TestNew_PanicsWithoutDeps(t *testing.T) {
	t.Parallel()
	assert.Panics(t, func() { server.New(server.Deps{}) })
}
