package billing

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

type memoryEvent struct {
	done      bool
	claimedAt time.Time
}

// MemoryLedger implements Ledger in process memory. Every method holds one
// mutex, so conditional writes are atomic.
type MemoryLedger struct {
	mu         sync.Mutex
	users      map[uuid.UUID]*User
	plans      map[int64]*Plan
	nextPlanID int64
	subs       map[uuid.UUID]*Subscription
	events     map[string]*memoryEvent
	now        func() time.Time
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		users:  make(map[uuid.UUID]*User),
		plans:  make(map[int64]*Plan),
		subs:   make(map[uuid.UUID]*Subscription),
		events: make(map[string]*memoryEvent),
		now:    time.Now,
	}
}

func (m *MemoryLedger) CreateUser(_ context.Context, u *User) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if u.ID == uuid.Nil {
		u.ID = uuid.New()
	}
	if _, ok := m.users[u.ID]; ok {
		return ErrUserExists
	}
	for _, existing := range m.users {
		if strings.EqualFold(existing.Email, u.Email) {
			return ErrUserExists
		}
	}
	now := m.now()
	if u.CreatedAt.IsZero() {
		u.CreatedAt = now
	}
	u.UpdatedAt = now
	cp := *u
	m.users[u.ID] = &cp
	return nil
}

func (m *MemoryLedger) GetUser(_ context.Context, id uuid.UUID) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return nil, ErrUserNotFound
	}
	cp := *u
	return &cp, nil
}

func (m *MemoryLedger) GetUserByEmail(_ context.Context, email string) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if strings.EqualFold(u.Email, email) {
			cp := *u
			return &cp, nil
		}
	}
	return nil, ErrUserNotFound
}

func (m *MemoryLedger) DeleteUser(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[id]; !ok {
		return ErrUserNotFound
	}
	delete(m.users, id)
	delete(m.subs, id)
	return nil
}

func (m *MemoryLedger) AddTokens(_ context.Context, id uuid.UUID, amount, limit int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return 0, ErrUserNotFound
	}
	if amount > limit-u.TokensUsed {
		return u.TokensUsed, fmt.Errorf("%w: %d used, %d requested, limit %d", ErrQuotaExceeded, u.TokensUsed, amount, limit)
	}
	u.TokensUsed += amount
	u.UpdatedAt = m.now()
	return u.TokensUsed, nil
}

func (m *MemoryLedger) ResetTokens(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return ErrUserNotFound
	}
	u.TokensUsed = 0
	u.UpdatedAt = m.now()
	return nil
}

func (m *MemoryLedger) GetPlan(_ context.Context, name string, interval Interval) (*Plan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.plans {
		if p.Name == name && p.Interval == interval {
			cp := *p
			return &cp, nil
		}
	}
	return nil, ErrPlanNotFound
}

func (m *MemoryLedger) GetPlanByPriceID(_ context.Context, priceID string) (*Plan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if priceID == "" {
		return nil, ErrPlanNotFound
	}
	for _, p := range m.plans {
		if p.PriceID == priceID {
			cp := *p
			return &cp, nil
		}
	}
	return nil, ErrPlanNotFound
}

func (m *MemoryLedger) ListPlans(_ context.Context) ([]Plan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Plan, 0, len(m.plans))
	for _, p := range m.plans {
		out = append(out, *p)
	}
	slices.SortFunc(out, func(a, b Plan) int { return cmp.Compare(a.ID, b.ID) })
	return out, nil
}

func (m *MemoryLedger) SyncPlans(_ context.Context, plans []Plan) error {
	m.mu.Lock()
	defer m.mu.Unlock()

next:
	for _, p := range plans {
		for _, existing := range m.plans {
			if existing.Name == p.Name && existing.Interval == p.Interval {
				existing.TokenAllowance = p.TokenAllowance
				existing.PriceID = p.PriceID
				continue next
			}
		}
		m.nextPlanID++
		p.ID = m.nextPlanID
		m.plans[p.ID] = &p
	}
	return nil
}

func (m *MemoryLedger) GetSubscription(_ context.Context, userID uuid.UUID) (*Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.subs[userID]
	if !ok {
		return nil, ErrSubscriptionNotFound
	}
	return m.withPlan(s), nil
}

func (m *MemoryLedger) GetSubscriptionByExternalID(_ context.Context, externalID string) (*Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s := m.byExternalID(externalID); s != nil {
		return m.withPlan(s), nil
	}
	return nil, ErrSubscriptionNotFound
}

func (m *MemoryLedger) UpsertSubscription(_ context.Context, s *Subscription) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.users[s.UserID]; !ok {
		return false, ErrUserNotFound
	}
	if _, ok := m.plans[s.PlanID]; !ok {
		return false, ErrPlanNotFound
	}

	now := m.now()
	existing, ok := m.subs[s.UserID]
	if ok {
		if s.LastEventAt.Before(existing.LastEventAt) {
			return false, nil
		}
		existing.PlanID = s.PlanID
		existing.ExternalID = s.ExternalID
		existing.Status = s.Status
		existing.CurrentPeriodEnd = s.CurrentPeriodEnd
		existing.LastEventAt = s.LastEventAt
		existing.UpdatedAt = now
		return true, nil
	}

	cp := *s
	cp.Plan = nil
	cp.CreatedAt = now
	cp.UpdatedAt = now
	m.subs[s.UserID] = &cp
	return true, nil
}

func (m *MemoryLedger) UpdateSubscriptionStatus(_ context.Context, externalID string, status Status, periodEnd *time.Time, eventAt time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.byExternalID(externalID)
	if s == nil {
		return false, ErrSubscriptionNotFound
	}
	if eventAt.Before(s.LastEventAt) {
		return false, nil
	}
	s.Status = status
	if periodEnd != nil {
		s.CurrentPeriodEnd = *periodEnd
	}
	s.LastEventAt = eventAt
	s.UpdatedAt = m.now()
	return true, nil
}

func (m *MemoryLedger) SetSubscriptionStatus(_ context.Context, userID uuid.UUID, status Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.subs[userID]
	if !ok {
		return ErrSubscriptionNotFound
	}
	s.Status = status
	s.UpdatedAt = m.now()
	return nil
}

func (m *MemoryLedger) SetSubscriptionPlan(_ context.Context, userID uuid.UUID, planID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.subs[userID]
	if !ok {
		return ErrSubscriptionNotFound
	}
	if _, ok := m.plans[planID]; !ok {
		return ErrPlanNotFound
	}
	s.PlanID = planID
	s.UpdatedAt = m.now()
	return nil
}

func (m *MemoryLedger) DeleteSubscriptionByExternalID(_ context.Context, externalID string, eventAt time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.byExternalID(externalID)
	if s == nil {
		return false, ErrSubscriptionNotFound
	}
	if eventAt.Before(s.LastEventAt) {
		return false, nil
	}
	delete(m.subs, s.UserID)
	return true, nil
}

func (m *MemoryLedger) ClaimEvent(_ context.Context, eventID, _ string, now time.Time, staleAfter time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ev, ok := m.events[eventID]
	switch {
	case !ok:
		m.events[eventID] = &memoryEvent{claimedAt: now}
		return true, nil
	case ev.done:
		return false, nil
	case now.Sub(ev.claimedAt) < staleAfter:
		return false, ErrEventInFlight
	default:
		ev.claimedAt = now
		return true, nil
	}
}

func (m *MemoryLedger) CompleteEvent(_ context.Context, eventID string, _ time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ev, ok := m.events[eventID]
	if !ok {
		ev = &memoryEvent{}
		m.events[eventID] = ev
	}
	ev.done = true
	return nil
}

func (m *MemoryLedger) ReleaseEvent(_ context.Context, eventID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ev, ok := m.events[eventID]; ok && !ev.done {
		delete(m.events, eventID)
	}
	return nil
}

// Must be called with lock held.
func (m *MemoryLedger) byExternalID(externalID string) *Subscription {
	if externalID == "" {
		return nil
	}
	for _, s := range m.subs {
		if s.ExternalID == externalID {
			return s
		}
	}
	return nil
}

// Must be called with lock held.
func (m *MemoryLedger) withPlan(s *Subscription) *Subscription {
	cp := *s
	if p, ok := m.plans[s.PlanID]; ok {
		pc := *p
		cp.Plan = &pc
	}
	return &cp
}
