package billing_test

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v76/webhook"

	"github.com/dmitrymomot/meterkit/pkg/billing"
	"github.com/dmitrymomot/meterkit/pkg/logger"
)

const testWebhookSecret = "whsec_test_secret"

func newStripe(t *testing.T, handler http.HandlerFunc) *billing.StripeProvider {
	t.Helper()
	cfg := billing.StripeConfig{
		SecretKey:     "sk_test_123",
		WebhookSecret: testWebhookSecret,
		Timeout:       2 * time.Second,
	}
	if handler != nil {
		srv := httptest.NewServer(handler)
		t.Cleanup(srv.Close)
		cfg.BaseURL = srv.URL
	}
	p, err := billing.NewStripeProvider(cfg, logger.Discard())
	require.NoError(t, err)
	return p
}

func stripeError(w http.ResponseWriter, status int, code string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	fmt.Fprintf(w, `{"error":{"type":"invalid_request_error","code":%q,"message":"test error"}}`, code)
}

func sign(payload string) (string, []byte) {
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload: []byte(payload),
		Secret:  testWebhookSecret,
	})
	return signed.Header, signed.Payload
}

func TestNewStripeProvider_RequiresKey(t *testing.T) {
	t.Parallel()
	_, err := billing.NewStripeProvider(billing.StripeConfig{}, nil)
	assert.Error(t, err)
}

func TestStripeProvider_CreateCheckoutSession(t *testing.T) {
	t.Parallel()

	var form url.Values
	p := newStripe(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/checkout/sessions", r.URL.Path)
		body, _ := io.ReadAll(r.Body)
		form, _ = url.ParseQuery(string(body))
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"id":"cs_test_1","object":"checkout.session","url":"https://checkout.stripe.test/cs_test_1"}`)
	})

	sess, err := p.CreateCheckoutSession(context.Background(), billing.CheckoutRequest{
		PriceID:       "price_pro_m",
		CustomerEmail: "ada@example.com",
		SuccessURL:    "https://app.test/success",
		CancelURL:     "https://app.test/cancel",
		Metadata:      map[string]string{billing.MetaUserID: "u-1", billing.MetaPlanName: "Pro"},
	})
	require.NoError(t, err)
	assert.Equal(t, "cs_test_1", sess.ID)
	assert.Equal(t, "https://checkout.stripe.test/cs_test_1", sess.URL)

	assert.Equal(t, "subscription", form.Get("mode"))
	assert.Equal(t, "price_pro_m", form.Get("line_items[0][price]"))
	assert.Equal(t, "ada@example.com", form.Get("customer_email"))
	assert.Equal(t, "Pro", form.Get("metadata[plan_name]"))
	assert.Equal(t, "u-1", form.Get("client_reference_id"))
}

func TestStripeProvider_IdempotencyKey(t *testing.T) {
	t.Parallel()

	t.Run("key from context on every write", func(t *testing.T) {
		t.Parallel()
		var keys []string
		p := newStripe(t, func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			if r.Method == http.MethodGet {
				fmt.Fprint(w, `{"id":"sub_123","object":"subscription","status":"active","items":{"object":"list","data":[{"id":"si_1","price":{"id":"price_pro_m"}}]}}`)
				return
			}
			keys = append(keys, r.Header.Get("Idempotency-Key"))
			switch r.URL.Path {
			case "/v1/checkout/sessions":
				fmt.Fprint(w, `{"id":"cs_test_1","object":"checkout.session","url":"https://checkout.stripe.test/cs_test_1"}`)
			default:
				fmt.Fprint(w, `{"id":"sub_123","object":"subscription","status":"canceled"}`)
			}
		})

		ctx := billing.WithIdempotencyKey(context.Background(), "op-42")
		_, err := p.CreateCheckoutSession(ctx, billing.CheckoutRequest{PriceID: "price_pro_m"})
		require.NoError(t, err)
		_, err = p.UpdateSubscriptionPrice(ctx, "sub_123", "price_premium_m")
		require.NoError(t, err)
		_, err = p.CancelSubscription(ctx, "sub_123")
		require.NoError(t, err)

		assert.Equal(t, []string{"op-42", "op-42", "op-42"}, keys)
	})

	t.Run("fresh key without one in context", func(t *testing.T) {
		t.Parallel()
		var key string
		p := newStripe(t, func(w http.ResponseWriter, r *http.Request) {
			key = r.Header.Get("Idempotency-Key")
			w.Header().Set("Content-Type", "application/json")
			fmt.Fprint(w, `{"id":"sub_123","object":"subscription","status":"canceled"}`)
		})
		_, err := p.CancelSubscription(context.Background(), "sub_123")
		require.NoError(t, err)
		assert.NotEmpty(t, key)
	})
}

func TestStripeProvider_ErrorClassification(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		status int
		code   string
		want   error
	}{
		{"missing subscription", http.StatusNotFound, "resource_missing", billing.ErrNotFound},
		{"rate limited", http.StatusTooManyRequests, "rate_limit", billing.ErrProviderUnavailable},
		{"server error", http.StatusInternalServerError, "", billing.ErrProviderUnavailable},
		{"bad request", http.StatusBadRequest, "parameter_invalid_empty", billing.ErrProviderRejected},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			p := newStripe(t, func(w http.ResponseWriter, _ *http.Request) {
				stripeError(w, tt.status, tt.code)
			})
			_, err := p.GetSubscription(context.Background(), "sub_123")
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestStripeProvider_GetSubscription(t *testing.T) {
	t.Parallel()

	p := newStripe(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/subscriptions/sub_123", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"id":"sub_123","object":"subscription","status":"active","current_period_end":1780000000,
			"items":{"object":"list","data":[{"id":"si_1","object":"subscription_item","price":{"id":"price_pro_m","object":"price"}}]}}`)
	})

	sub, err := p.GetSubscription(context.Background(), "sub_123")
	require.NoError(t, err)
	assert.Equal(t, "active", sub.Status)
	assert.Equal(t, "si_1", sub.ItemID)
	assert.Equal(t, "price_pro_m", sub.PriceID)
	assert.Equal(t, time.Unix(1780000000, 0).UTC(), sub.CurrentPeriodEnd)
}

func TestStripeProvider_ParseWebhook(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	p := newStripe(t, nil)

	t.Run("checkout session completed", func(t *testing.T) {
		t.Parallel()
		header, payload := sign(`{"id":"evt_1","object":"event","type":"checkout.session.completed","created":1778403600,
			"data":{"object":{"id":"cs_1","object":"checkout.session","customer_email":"ada@example.com",
			"subscription":"sub_123","metadata":{"plan_name":"Pro","plan_interval":"monthly"}}}}`)

		ev, err := p.ParseWebhook(ctx, payload, header)
		require.NoError(t, err)
		assert.Equal(t, "evt_1", ev.ID)
		assert.Equal(t, billing.EventCheckoutCompleted, ev.Type)
		assert.Equal(t, "checkout.session.completed", ev.ProviderType)
		assert.Equal(t, time.Unix(1778403600, 0).UTC(), ev.CreatedAt)
		assert.Equal(t, "ada@example.com", ev.CustomerEmail)
		assert.Equal(t, "sub_123", ev.SubscriptionID)
		assert.Equal(t, "Pro", ev.Metadata[billing.MetaPlanName])
	})

	t.Run("invoice payment failed", func(t *testing.T) {
		t.Parallel()
		header, payload := sign(`{"id":"evt_2","object":"event","type":"invoice.payment_failed","created":1778403600,
			"data":{"object":{"id":"in_1","object":"invoice","customer_email":"ada@example.com",
			"lines":{"object":"list","data":[{"id":"il_1","object":"line_item","subscription":"sub_123",
			"period":{"start":1778403600,"end":1781082000},"price":{"id":"price_pro_m","object":"price"}}]}}}}`)

		ev, err := p.ParseWebhook(ctx, payload, header)
		require.NoError(t, err)
		assert.Equal(t, billing.EventInvoicePaymentFailed, ev.Type)
		assert.Equal(t, "sub_123", ev.SubscriptionID)
		assert.Equal(t, "price_pro_m", ev.PriceID)
		assert.Equal(t, time.Unix(1781082000, 0).UTC(), ev.PeriodEnd)
	})

	t.Run("subscription deleted", func(t *testing.T) {
		t.Parallel()
		header, payload := sign(`{"id":"evt_3","object":"event","type":"customer.subscription.deleted","created":1778403600,
			"data":{"object":{"id":"sub_123","object":"subscription","status":"canceled"}}}`)

		ev, err := p.ParseWebhook(ctx, payload, header)
		require.NoError(t, err)
		assert.Equal(t, billing.EventSubscriptionDeleted, ev.Type)
		assert.Equal(t, "sub_123", ev.SubscriptionID)
	})

	t.Run("other types pass through", func(t *testing.T) {
		t.Parallel()
		header, payload := sign(`{"id":"evt_4","object":"event","type":"customer.created","created":1778403600,
			"data":{"object":{"id":"cus_1","object":"customer"}}}`)

		ev, err := p.ParseWebhook(ctx, payload, header)
		require.NoError(t, err)
		assert.Equal(t, billing.EventType("customer.created"), ev.Type)
	})

	t.Run("tampered payload", func(t *testing.T) {
		t.Parallel()
		header, _ := sign(`{"id":"evt_5","object":"event","type":"invoice.paid"}`)
		_, err := p.ParseWebhook(ctx, []byte(`{"id":"evt_6","object":"event","type":"invoice.paid"}`), header)
		assert.ErrorIs(t, err, billing.ErrSignatureInvalid)
	})

	t.Run("missing secret", func(t *testing.T) {
		t.Parallel()
		noSecret, err := billing.NewStripeProvider(billing.StripeConfig{SecretKey: "sk_test"}, logger.Discard())
		require.NoError(t, err)
		_, err = noSecret.ParseWebhook(ctx, []byte("{}"), "t=1,v1=abc")
		assert.ErrorIs(t, err, billing.ErrSignatureInvalid)
	})
}
