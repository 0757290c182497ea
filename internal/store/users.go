package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/dmitrymomot/meterkit/pkg/billing"
	"github.com/dmitrymomot/meterkit/pkg/pg"
)

const userColumns = `id, email, name, tokens_used, created_at, updated_at`

func scanUser(row rowScanner) (*billing.User, error) {
	var u billing.User
	if err := row.Scan(&u.ID, &u.Email, &u.Name, &u.TokensUsed, &u.CreatedAt, &u.UpdatedAt); err != nil {
		if pg.IsNotFoundError(err) {
			return nil, billing.ErrUserNotFound
		}
		return nil, fmt.Errorf("scan user: %w", err)
	}
	return &u, nil
}

func (s *Store) CreateUser(ctx context.Context, u *billing.User) error {
	if u.ID == uuid.Nil {
		u.ID = uuid.New()
	}
	now := s.now()
	if u.CreatedAt.IsZero() {
		u.CreatedAt = now
	}
	u.UpdatedAt = now

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (`+userColumns+`) VALUES ($1, $2, $3, $4, $5, $6)`,
		u.ID, u.Email, u.Name, u.TokensUsed, u.CreatedAt, u.UpdatedAt)
	if pg.IsDuplicateKeyError(err) {
		return billing.ErrUserExists
	}
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

func (s *Store) GetUser(ctx context.Context, id uuid.UUID) (*billing.User, error) {
	return scanUser(s.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE id = $1`, id))
}

func (s *Store) GetUserByEmail(ctx context.Context, email string) (*billing.User, error) {
	return scanUser(s.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE lower(email) = lower($1)`, email))
}

// DeleteUser removes the user; the subscription row goes with it.
func (s *Store) DeleteUser(ctx context.Context, id uuid.UUID) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM users WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete user: %w", err)
	}
	n, err := affected(res)
	if err != nil {
		return err
	}
	if n == 0 {
		return billing.ErrUserNotFound
	}
	return nil
}

// AddTokens increments tokens_used only if the result stays within limit.
// The check and the write are one statement, so concurrent calls cannot
// overshoot.
func (s *Store) AddTokens(ctx context.Context, id uuid.UUID, amount, limit int64) (int64, error) {
	var used int64
	err := s.db.QueryRowContext(ctx,
		`UPDATE users SET tokens_used = tokens_used + $2, updated_at = $4
		 WHERE id = $1 AND $2 <= $3 - tokens_used
		 RETURNING tokens_used`,
		id, amount, limit, s.now()).Scan(&used)
	if err == nil {
		return used, nil
	}
	if !pg.IsNotFoundError(err) {
		return 0, fmt.Errorf("add tokens: %w", err)
	}

	err = s.db.QueryRowContext(ctx, `SELECT tokens_used FROM users WHERE id = $1`, id).Scan(&used)
	switch {
	case pg.IsNotFoundError(err):
		return 0, billing.ErrUserNotFound
	case err != nil:
		return 0, fmt.Errorf("read tokens: %w", err)
	}
	return used, fmt.Errorf("%w: %d used, %d requested, limit %d", billing.ErrQuotaExceeded, used, amount, limit)
}

func (s *Store) ResetTokens(ctx context.Context, id uuid.UUID) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE users SET tokens_used = 0, updated_at = $2 WHERE id = $1`, id, s.now())
	if err != nil {
		return fmt.Errorf("reset tokens: %w", err)
	}
	n, err := affected(res)
	if err != nil {
		return err
	}
	if n == 0 {
		return billing.ErrUserNotFound
	}
	return nil
}
