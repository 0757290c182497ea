package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/dmitrymomot/meterkit/pkg/billing"
	"github.com/dmitrymomot/meterkit/pkg/pg"
)

const planColumns = `id, name, billing_interval, token_allowance, price_id`

func scanPlan(row rowScanner) (*billing.Plan, error) {
	var p billing.Plan
	if err := row.Scan(&p.ID, &p.Name, &p.Interval, &p.TokenAllowance, &p.PriceID); err != nil {
		if pg.IsNotFoundError(err) {
			return nil, billing.ErrPlanNotFound
		}
		return nil, fmt.Errorf("scan plan: %w", err)
	}
	return &p, nil
}

func (s *Store) GetPlan(ctx context.Context, name string, interval billing.Interval) (*billing.Plan, error) {
	return scanPlan(s.db.QueryRowContext(ctx,
		`SELECT `+planColumns+` FROM plans WHERE name = $1 AND billing_interval = $2`,
		name, string(interval)))
}

func (s *Store) GetPlanByPriceID(ctx context.Context, priceID string) (*billing.Plan, error) {
	if priceID == "" {
		return nil, billing.ErrPlanNotFound
	}
	return scanPlan(s.db.QueryRowContext(ctx,
		`SELECT `+planColumns+` FROM plans WHERE price_id = $1`, priceID))
}

func (s *Store) ListPlans(ctx context.Context) ([]billing.Plan, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+planColumns+` FROM plans ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list plans: %w", err)
	}
	defer rows.Close()

	var out []billing.Plan
	for rows.Next() {
		p, err := scanPlan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list plans: %w", err)
	}
	return out, nil
}

// SyncPlans upserts the catalog by (name, interval) in one transaction.
// Plans missing from the catalog are kept, since subscriptions may still
// reference them.
func (s *Store) SyncPlans(ctx context.Context, plans []billing.Plan) error {
	return withTx(ctx, s.db, func(tx *sql.Tx) error {
		for _, p := range plans {
			_, err := tx.ExecContext(ctx,
				`INSERT INTO plans (name, billing_interval, token_allowance, price_id)
				 VALUES ($1, $2, $3, $4)
				 ON CONFLICT (name, billing_interval) DO UPDATE
				 SET token_allowance = EXCLUDED.token_allowance, price_id = EXCLUDED.price_id`,
				p.Name, string(p.Interval), p.TokenAllowance, p.PriceID)
			if err != nil {
				return fmt.Errorf("sync plan %s/%s: %w", p.Name, p.Interval, err)
			}
		}
		return nil
	})
}
