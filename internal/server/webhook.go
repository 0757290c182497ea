package server

import (
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/dmitrymomot/meterkit/pkg/billing"
	"github.com/dmitrymomot/meterkit/pkg/logger"
)

// handleWebhook acknowledges a delivery unless the provider should retry it.
// Bad signatures get 400, retryable failures get 503 and everything else,
// including terminal failures, gets 200 so the provider stops redelivering.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.cfg.MaxWebhookBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "webhook payload is too large")
			return
		}
		writeError(w, http.StatusBadRequest, "bad_request", "unable to read webhook payload")
		return
	}

	err = s.deps.Webhooks.Process(r.Context(), payload, r.Header.Get(s.cfg.SignatureHeader))
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]bool{"received": true})
	case errors.Is(err, billing.ErrSignatureInvalid):
		s.logger.WarnContext(r.Context(), "webhook signature rejected", logger.Error(err))
		writeError(w, http.StatusBadRequest, "invalid_signature", "webhook signature is invalid")
	case billing.IsRetryable(err):
		s.logger.ErrorContext(r.Context(), "webhook processing failed, asking for redelivery", logger.Error(err))
		writeError(w, http.StatusServiceUnavailable, "retry", "webhook could not be processed, retry later")
	default:
		s.logger.InfoContext(r.Context(), "webhook acknowledged without effect",
			slog.String("reason", err.Error()))
		writeJSON(w, http.StatusOK, map[string]bool{"received": true})
	}
}
