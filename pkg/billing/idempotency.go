package billing

import (
	"context"

	"github.com/google/uuid"
)

type idempotencyKeyCtx struct{}

// WithIdempotencyKey attaches key to ctx. Provider writes made with ctx send
// it, so a retried request is applied at most once by the provider.
func WithIdempotencyKey(ctx context.Context, key string) context.Context {
	return context.WithValue(ctx, idempotencyKeyCtx{}, key)
}

// IdempotencyKey returns the key attached to ctx, if any.
func IdempotencyKey(ctx context.Context) (string, bool) {
	key, ok := ctx.Value(idempotencyKeyCtx{}).(string)
	return key, ok && key != ""
}

// ensureIdempotencyKey returns ctx unchanged when it already carries a key,
// otherwise a child with a fresh one.
func ensureIdempotencyKey(ctx context.Context) context.Context {
	if _, ok := IdempotencyKey(ctx); ok {
		return ctx
	}
	return WithIdempotencyKey(ctx, uuid.NewString())
}
