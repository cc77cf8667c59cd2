package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/alanyoungcy/votemarket/internal/domain"
)

// UserStore implements domain.UserStore using PostgreSQL. Balances are
// NUMERIC(18,2) so arithmetic happens in the database.
type UserStore struct {
	db querier
}

// NewUserStore creates a new UserStore.
func NewUserStore(db querier) *UserStore {
	return &UserStore{db: db}
}

const userSelectCols = `id, balance, created_at, updated_at`

func scanUser(row pgx.Row) (domain.User, error) {
	var u domain.User
	if err := row.Scan(&u.ID, &u.Balance, &u.CreatedAt, &u.UpdatedAt); err != nil {
		return domain.User{}, err
	}
	return u, nil
}

// Ensure creates the user with startingBalance unless it already exists,
// and returns the stored row either way.
func (s *UserStore) Ensure(ctx context.Context, id string, startingBalance float64) (domain.User, error) {
	_, err := s.db.Exec(ctx,
		`INSERT INTO users (id, balance) VALUES ($1, $2) ON CONFLICT (id) DO NOTHING`,
		id, startingBalance,
	)
	if err != nil {
		return domain.User{}, fmt.Errorf("postgres: ensure user %s: %w", id, err)
	}
	return s.GetByID(ctx, id)
}

// GetByID returns a user.
func (s *UserStore) GetByID(ctx context.Context, id string) (domain.User, error) {
	return s.get(ctx, `SELECT `+userSelectCols+` FROM users WHERE id = $1`, id)
}

// GetForUpdate returns a user and locks the row.
func (s *UserStore) GetForUpdate(ctx context.Context, id string) (domain.User, error) {
	return s.get(ctx, `SELECT `+userSelectCols+` FROM users WHERE id = $1 FOR UPDATE`, id)
}

func (s *UserStore) get(ctx context.Context, query, id string) (domain.User, error) {
	u, err := scanUser(s.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.User{}, domain.ErrNotFound
		}
		return domain.User{}, fmt.Errorf("postgres: get user %s: %w", id, err)
	}
	return u, nil
}

// AdjustBalance adds delta to the balance and returns the new value. The
// balance column carries a CHECK (balance >= 0); a debit that would break it
// yields domain.ErrInsufficientBalance.
func (s *UserStore) AdjustBalance(ctx context.Context, id string, delta float64) (float64, error) {
	var balance float64
	err := s.db.QueryRow(ctx,
		`UPDATE users SET balance = balance + $2::numeric, updated_at = NOW()
		 WHERE id = $1 RETURNING balance`,
		id, delta,
	).Scan(&balance)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, domain.ErrNotFound
		}
		if isCheckViolation(err) {
			return 0, domain.ErrInsufficientBalance
		}
		return 0, fmt.Errorf("postgres: adjust balance %s: %w", id, err)
	}
	return balance, nil
}

var _ domain.UserStore = (*UserStore)(nil)
