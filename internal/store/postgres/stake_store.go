package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/alanyoungcy/votemarket/internal/domain"
)

// StakeStore implements domain.StakeStore using PostgreSQL.
type StakeStore struct {
	db querier
}

// NewStakeStore creates a new StakeStore backed by the given querier.
func NewStakeStore(db querier) *StakeStore {
	return &StakeStore{db: db}
}

const stakeSelectCols = `id, user_id, market_id, side, quantity, cost_amount,
	potential_reward, is_winner, processed, processed_at, created_at, updated_at`

func scanStake(row pgx.Row) (domain.Stake, error) {
	var s domain.Stake
	var side string
	err := row.Scan(
		&s.ID, &s.UserID, &s.MarketID, &side, &s.Quantity, &s.CostAmount,
		&s.PotentialReward, &s.IsWinner, &s.Processed, &s.ProcessedAt,
		&s.CreatedAt, &s.UpdatedAt,
	)
	if err != nil {
		return domain.Stake{}, err
	}
	s.Side = domain.Side(side)
	return s, nil
}

// Get returns the stake of a user in a market.
func (s *StakeStore) Get(ctx context.Context, userID, marketID string) (domain.Stake, error) {
	return s.one(ctx, `SELECT `+stakeSelectCols+` FROM stakes
		WHERE user_id = $1 AND market_id = $2`, userID, marketID)
}

// GetForUpdate returns the stake of a user in a market and locks its row.
func (s *StakeStore) GetForUpdate(ctx context.Context, userID, marketID string) (domain.Stake, error) {
	return s.one(ctx, `SELECT `+stakeSelectCols+` FROM stakes
		WHERE user_id = $1 AND market_id = $2 FOR UPDATE`, userID, marketID)
}

// GetByID returns a stake by ID.
func (s *StakeStore) GetByID(ctx context.Context, id string) (domain.Stake, error) {
	return s.one(ctx, `SELECT `+stakeSelectCols+` FROM stakes WHERE id = $1`, id)
}

// GetByIDForUpdate returns a stake by ID and locks its row.
func (s *StakeStore) GetByIDForUpdate(ctx context.Context, id string) (domain.Stake, error) {
	return s.one(ctx, `SELECT `+stakeSelectCols+` FROM stakes WHERE id = $1 FOR UPDATE`, id)
}

func (s *StakeStore) one(ctx context.Context, query string, args ...any) (domain.Stake, error) {
	st, err := scanStake(s.db.QueryRow(ctx, query, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Stake{}, domain.ErrNotFound
		}
		return domain.Stake{}, fmt.Errorf("postgres: get stake: %w", err)
	}
	return st, nil
}

// Upsert inserts a stake or replaces the current one for the same
// (user, market) pair. The original ID and created_at are preserved.
func (s *StakeStore) Upsert(ctx context.Context, st domain.Stake) error {
	const query = `
		INSERT INTO stakes (
			id, user_id, market_id, side, quantity, cost_amount,
			potential_reward, is_winner, processed, processed_at,
			created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7, $8, $9, $10,
			$11, $12
		)
		ON CONFLICT (user_id, market_id) DO UPDATE SET
			side             = EXCLUDED.side,
			quantity         = EXCLUDED.quantity,
			cost_amount      = EXCLUDED.cost_amount,
			potential_reward = EXCLUDED.potential_reward,
			is_winner        = EXCLUDED.is_winner,
			processed        = EXCLUDED.processed,
			processed_at     = EXCLUDED.processed_at,
			updated_at       = EXCLUDED.updated_at`

	_, err := s.db.Exec(ctx, query,
		st.ID, st.UserID, st.MarketID, string(st.Side), st.Quantity, st.CostAmount,
		st.PotentialReward, st.IsWinner, st.Processed, st.ProcessedAt,
		st.CreatedAt, st.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: upsert stake %s/%s: %w", st.UserID, st.MarketID, err)
	}
	return nil
}

// ListByMarket returns every stake in a market.
func (s *StakeStore) ListByMarket(ctx context.Context, marketID string) ([]domain.Stake, error) {
	return s.list(ctx, "list stakes by market",
		`SELECT `+stakeSelectCols+` FROM stakes WHERE market_id = $1 ORDER BY created_at`, marketID)
}

// ListByUser returns a user's stakes, most recently changed first.
func (s *StakeStore) ListByUser(ctx context.Context, userID string) ([]domain.Stake, error) {
	return s.list(ctx, "list stakes by user",
		`SELECT `+stakeSelectCols+` FROM stakes WHERE user_id = $1 ORDER BY updated_at DESC`, userID)
}

// ListUnprocessed returns unsettled stakes whose market has ended.
func (s *StakeStore) ListUnprocessed(ctx context.Context, opts domain.ListOpts) ([]domain.Stake, error) {
	query := `SELECT s.id, s.user_id, s.market_id, s.side, s.quantity, s.cost_amount,
			s.potential_reward, s.is_winner, s.processed, s.processed_at,
			s.created_at, s.updated_at
		FROM stakes s
		JOIN markets m ON m.id = s.market_id
		WHERE NOT s.processed AND m.status = 'ended'`
	args := []any{}
	argIdx := 1

	if opts.After != nil {
		query += fmt.Sprintf(" AND (s.created_at, s.id) > ($%d, $%d)", argIdx, argIdx+1)
		args = append(args, opts.After.CreatedAt, opts.After.ID)
		argIdx += 2
	}
	query += " ORDER BY s.created_at, s.id"
	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, opts.Limit)
		argIdx++
	}
	if opts.Offset > 0 && opts.After == nil {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, opts.Offset)
	}
	return s.list(ctx, "list unprocessed stakes", query, args...)
}

// ListUnprocessedByMarket returns the unsettled stakes of one market.
func (s *StakeStore) ListUnprocessedByMarket(ctx context.Context, marketID string) ([]domain.Stake, error) {
	return s.list(ctx, "list unprocessed stakes by market",
		`SELECT `+stakeSelectCols+` FROM stakes
		 WHERE market_id = $1 AND NOT processed ORDER BY created_at, id`, marketID)
}

// CountUnprocessed returns how many stakes of a market are still unsettled.
func (s *StakeStore) CountUnprocessed(ctx context.Context, marketID string) (int64, error) {
	var n int64
	err := s.db.QueryRow(ctx,
		`SELECT count(*) FROM stakes WHERE market_id = $1 AND NOT processed`, marketID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("postgres: count unprocessed stakes %s: %w", marketID, err)
	}
	return n, nil
}

// MarkSettled records the settlement result of a stake. A stake that is
// already processed is left alone and domain.ErrNotFound is returned.
func (s *StakeStore) MarkSettled(ctx context.Context, id string, isWinner bool, at time.Time) error {
	const query = `
		UPDATE stakes SET
			is_winner    = $2,
			processed    = TRUE,
			processed_at = $3,
			updated_at   = $3
		WHERE id = $1 AND NOT processed`

	tag, err := s.db.Exec(ctx, query, id, isWinner, at)
	if err != nil {
		return fmt.Errorf("postgres: settle stake %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// DeleteByMarket removes every stake of a market.
func (s *StakeStore) DeleteByMarket(ctx context.Context, marketID string) (int64, error) {
	tag, err := s.db.Exec(ctx, `DELETE FROM stakes WHERE market_id = $1`, marketID)
	if err != nil {
		return 0, fmt.Errorf("postgres: delete stakes %s: %w", marketID, err)
	}
	return tag.RowsAffected(), nil
}

func (s *StakeStore) list(ctx context.Context, what, query string, args ...any) ([]domain.Stake, error) {
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: %s: %w", what, err)
	}
	defer rows.Close()

	var stakes []domain.Stake
	for rows.Next() {
		st, err := scanStake(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan %s: %w", what, err)
		}
		stakes = append(stakes, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: %s rows: %w", what, err)
	}
	return stakes, nil
}

var _ domain.StakeStore = (*StakeStore)(nil)
