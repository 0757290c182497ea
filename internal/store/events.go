package store

import (
	"context"
	"fmt"
	"time"

	"github.com/dmitrymomot/meterkit/pkg/billing"
	"github.com/dmitrymomot/meterkit/pkg/pg"
)

// ClaimEvent records the event id as in progress. It returns true when this
// caller owns the claim, false when the event was already processed, and
// billing.ErrEventInFlight when another delivery holds a claim younger than
// staleAfter.
func (s *Store) ClaimEvent(ctx context.Context, eventID, eventType string, now time.Time, staleAfter time.Duration) (bool, error) {
	var id string
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO processed_events (event_id, event_type, claimed_at)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (event_id) DO UPDATE SET claimed_at = EXCLUDED.claimed_at
		 WHERE processed_events.processed_at IS NULL AND processed_events.claimed_at <= $4
		 RETURNING event_id`,
		eventID, eventType, now, now.Add(-staleAfter)).Scan(&id)
	if err == nil {
		return true, nil
	}
	if !pg.IsNotFoundError(err) {
		return false, fmt.Errorf("claim event: %w", err)
	}

	var processed bool
	err = s.db.QueryRowContext(ctx,
		`SELECT processed_at IS NOT NULL FROM processed_events WHERE event_id = $1`, eventID).Scan(&processed)
	switch {
	case pg.IsNotFoundError(err):
		// Released between the two statements.
		return false, billing.ErrEventInFlight
	case err != nil:
		return false, fmt.Errorf("read event claim: %w", err)
	case processed:
		return false, nil
	default:
		return false, billing.ErrEventInFlight
	}
}

func (s *Store) CompleteEvent(ctx context.Context, eventID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO processed_events (event_id, claimed_at, processed_at)
		 VALUES ($1, $2, $2)
		 ON CONFLICT (event_id) DO UPDATE SET processed_at = EXCLUDED.processed_at`,
		eventID, at)
	if err != nil {
		return fmt.Errorf("complete event: %w", err)
	}
	return nil
}

func (s *Store) ReleaseEvent(ctx context.Context, eventID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM processed_events WHERE event_id = $1 AND processed_at IS NULL`, eventID)
	if err != nil {
		return fmt.Errorf("release event: %w", err)
	}
	return nil
}
