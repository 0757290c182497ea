package billing

import "errors"

// Base error kinds. Every domain error returned by this package matches one
// of them with errors.Is.
var (
	ErrNotFound            = errors.New("not found")
	ErrConflict            = errors.New("conflict")
	ErrSignatureInvalid    = errors.New("webhook signature invalid")
	ErrUnhandledEvent      = errors.New("unhandled event type")
	ErrInvalidEvent        = errors.New("invalid webhook event")
	ErrEventInFlight       = errors.New("webhook event is being processed")
	ErrProviderUnavailable = errors.New("billing provider unavailable")
	ErrProviderRejected    = errors.New("billing provider rejected the request")
)

var (
	ErrUserNotFound                 = NewError("user not found", ErrNotFound)
	ErrPlanNotFound                 = NewError("plan not found", ErrNotFound)
	ErrSubscriptionNotFound         = NewError("subscription not found", ErrNotFound)
	ErrProviderSubscriptionNotFound = NewError("provider subscription not found", ErrNotFound)

	ErrActiveSubscriptionExists = NewError("user already has an active subscription", ErrConflict)
	ErrSubscriptionNotActive    = NewError("subscription is not active", ErrConflict)
	ErrSamePlan                 = NewError("subscription is already on this plan", ErrConflict)
	ErrUserExists               = NewError("user already exists", ErrConflict)
	ErrQuotaExceeded            = NewError("token quota exceeded", ErrConflict)

	ErrMissingCustomerEmail  = NewError("event has no customer email", ErrInvalidEvent)
	ErrMissingSubscriptionID = NewError("event has no subscription id", ErrInvalidEvent)
	ErrMissingEventID        = NewError("event has no id", ErrInvalidEvent)

	ErrWebhookSecretMissing = NewError("webhook secret is not configured", ErrSignatureInvalid)
)

// kindError is a specific error that also matches its base kind.
type kindError struct {
	msg  string
	kind error
}

// NewError returns an error with its own identity that also satisfies
// errors.Is(err, kind).
func NewError(msg string, kind error) error {
	return &kindError{msg: msg, kind: kind}
}

func (e *kindError) Error() string { return e.msg }
func (e *kindError) Unwrap() error { return e.kind }

// IsRetryable reports whether a webhook failure should be surfaced to the
// provider for redelivery. Bad signatures, malformed events, ignored event
// types and business conflicts are terminal; everything else, including a
// missing user or subscription that may be created by a later event, is not.
func IsRetryable(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, ErrSignatureInvalid),
		errors.Is(err, ErrUnhandledEvent),
		errors.Is(err, ErrInvalidEvent),
		errors.Is(err, ErrConflict),
		errors.Is(err, ErrProviderRejected):
		return false
	default:
		return true
	}
}
