package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/dmitrymomot/meterkit/pkg/billing"
	"github.com/dmitrymomot/meterkit/pkg/usage"
)

type planRequest struct {
	Plan     string `json:"plan"`
	Interval string `json:"interval"`
}

func (p planRequest) parse() (string, billing.Interval, error) {
	name := strings.TrimSpace(p.Plan)
	if name == "" {
		return "", "", badRequest("plan is required")
	}
	interval, err := billing.ParseInterval(p.Interval)
	if err != nil {
		return "", "", badRequest("%v", err)
	}
	return name, interval, nil
}

type checkoutResponse struct {
	URL string `json:"url"`
}

type consumeRequest struct {
	Amount int64 `json:"amount"`
}

type consumeResponse struct {
	Allowed bool         `json:"allowed"`
	Usage   *usage.Usage `json:"usage,omitempty"`
}

func (s *Server) handlePlans(w http.ResponseWriter, r *http.Request) {
	plans, err := s.deps.Billing.Plans(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, plans)
}

func (s *Server) handleSubscription(w http.ResponseWriter, r *http.Request) {
	data, err := s.deps.Billing.GetUserSubscriptionData(r.Context(), userID(r.Context()))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, data)
}

// handleCheckout starts a hosted checkout for the caller. The caller's email
// comes from the account snapshot, never from the request body.
func (s *Server) handleCheckout(w http.ResponseWriter, r *http.Request) {
	var req planRequest
	if err := s.decodeJSON(w, r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	name, interval, err := req.parse()
	if err != nil {
		s.fail(w, r, err)
		return
	}

	snap, err := s.deps.Accounts.Current(r.Context(), userID(r.Context()))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	url, err := s.deps.Billing.CreateCheckoutSession(r.Context(), snap.User.Email, name, interval)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, checkoutResponse{URL: url})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	res, err := s.deps.Billing.CancelSubscription(r.Context(), userID(r.Context()))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleChangePlan(w http.ResponseWriter, r *http.Request) {
	var req planRequest
	if err := s.decodeJSON(w, r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	name, interval, err := req.parse()
	if err != nil {
		s.fail(w, r, err)
		return
	}

	id := userID(r.Context())
	if err := s.deps.Billing.UpdateSubscriptionPlan(r.Context(), id, name, interval); err != nil {
		s.fail(w, r, err)
		return
	}
	data, err := s.deps.Billing.GetUserSubscriptionData(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, data)
}

func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	u, err := s.deps.Usage.Usage(r.Context(), userID(r.Context()))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}

// handleConsume charges tokens against the caller's quota. A refused charge
// is 429 with the current usage so clients can show what is left.
func (s *Server) handleConsume(w http.ResponseWriter, r *http.Request) {
	var req consumeRequest
	if err := s.decodeJSON(w, r, &req); err != nil {
		s.fail(w, r, err)
		return
	}

	id := userID(r.Context())
	_, err := s.deps.Usage.UseTokens(r.Context(), id, req.Amount)
	status := http.StatusOK
	switch {
	case errors.Is(err, usage.ErrInvalidAmount):
		s.fail(w, r, badRequest("%v", err))
		return
	case errors.Is(err, billing.ErrQuotaExceeded):
		status = http.StatusTooManyRequests
	case err != nil:
		s.fail(w, r, err)
		return
	}

	resp := consumeResponse{Allowed: status == http.StatusOK}
	if u, err := s.deps.Usage.Usage(r.Context(), id); err == nil {
		resp.Usage = u
	}
	writeJSON(w, status, resp)
}

func (s *Server) handleAccount(w http.ResponseWriter, r *http.Request) {
	snap, err := s.deps.Accounts.Current(r.Context(), userID(r.Context()))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleDeleteAccount(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Accounts.Delete(r.Context(), userID(r.Context())); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
