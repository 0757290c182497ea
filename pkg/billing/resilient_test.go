package billing_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/meterkit/pkg/billing"
)

func resilienceConfig() billing.ResilienceConfig {
	return billing.ResilienceConfig{
		Timeout:          time.Second,
		MaxAttempts:      3,
		InitialBackoff:   time.Millisecond,
		MaxBackoff:       2 * time.Millisecond,
		BreakerThreshold: 2,
		BreakerCooldown:  time.Hour,
	}
}

func TestResilientProvider_RetriesTransientFailures(t *testing.T) {
	t.Parallel()

	next := new(mockProvider)
	next.On("GetSubscription", mock.Anything, "sub_1").Return(nil, billing.ErrProviderUnavailable).Once()
	next.On("GetSubscription", mock.Anything, "sub_1").Return(&billing.ProviderSubscription{ID: "sub_1"}, nil).Once()

	cfg := resilienceConfig()
	cfg.BreakerThreshold = 5
	sub, err := billing.NewResilientProvider(next, cfg).GetSubscription(context.Background(), "sub_1")
	require.NoError(t, err)
	assert.Equal(t, "sub_1", sub.ID)
	next.AssertExpectations(t)
}

func TestResilientProvider_RetriesShareIdempotencyKey(t *testing.T) {
	t.Parallel()

	var keys []string
	record := func(args mock.Arguments) {
		key, ok := billing.IdempotencyKey(args.Get(0).(context.Context))
		require.True(t, ok)
		keys = append(keys, key)
	}
	next := new(mockProvider)
	next.On("CancelSubscription", mock.Anything, "sub_1").Run(record).Return(nil, billing.ErrProviderUnavailable).Once()
	next.On("CancelSubscription", mock.Anything, "sub_1").Run(record).
		Return(&billing.CancellationResult{ExternalID: "sub_1", Status: "canceled"}, nil).Once()

	cfg := resilienceConfig()
	cfg.BreakerThreshold = 5
	p := billing.NewResilientProvider(next, cfg)
	_, err := p.CancelSubscription(context.Background(), "sub_1")
	require.NoError(t, err)

	require.Len(t, keys, 2)
	assert.NotEmpty(t, keys[0])
	assert.Equal(t, keys[0], keys[1])

	t.Run("caller key wins", func(t *testing.T) {
		keys = nil
		next.On("CancelSubscription", mock.Anything, "sub_1").Run(record).
			Return(&billing.CancellationResult{ExternalID: "sub_1"}, nil).Once()
		_, err := p.CancelSubscription(billing.WithIdempotencyKey(context.Background(), "cancel-u1"), "sub_1")
		require.NoError(t, err)
		assert.Equal(t, []string{"cancel-u1"}, keys)
	})
}

func TestResilientProvider_TerminalErrorsAreNotRetried(t *testing.T) {
	t.Parallel()

	next := new(mockProvider)
	next.On("CancelSubscription", mock.Anything, "sub_1").Return(nil, billing.ErrProviderRejected).Once()

	_, err := billing.NewResilientProvider(next, resilienceConfig()).CancelSubscription(context.Background(), "sub_1")
	assert.ErrorIs(t, err, billing.ErrProviderRejected)
	next.AssertNumberOfCalls(t, "CancelSubscription", 1)
}

func TestResilientProvider_BreakerOpens(t *testing.T) {
	t.Parallel()

	next := new(mockProvider)
	next.On("GetSubscription", mock.Anything, "sub_1").Return(nil, billing.ErrProviderUnavailable)

	p := billing.NewResilientProvider(next, resilienceConfig())
	_, err := p.GetSubscription(context.Background(), "sub_1")
	require.ErrorIs(t, err, billing.ErrProviderUnavailable)

	_, err = p.GetSubscription(context.Background(), "sub_1")
	assert.ErrorIs(t, err, billing.ErrProviderUnavailable)
	assert.True(t, billing.IsRetryable(err))
	next.AssertNumberOfCalls(t, "GetSubscription", 2)
}

func TestResilientProvider_ParseWebhookPassesThrough(t *testing.T) {
	t.Parallel()

	next := new(mockProvider)
	next.On("ParseWebhook", mock.Anything, []byte("p"), "s").Return(&billing.Event{ID: "evt"}, nil).Once()

	ev, err := billing.NewResilientProvider(next, resilienceConfig()).ParseWebhook(context.Background(), []byte("p"), "s")
	require.NoError(t, err)
	assert.Equal(t, "evt", ev.ID)
}
