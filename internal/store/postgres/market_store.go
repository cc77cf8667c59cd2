package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/alanyoungcy/votemarket/internal/domain"
)

// MarketStore implements domain.MarketStore using PostgreSQL.
type MarketStore struct {
	db querier
}

// NewMarketStore creates a new MarketStore backed by the given querier.
func NewMarketStore(db querier) *MarketStore {
	return &MarketStore{db: db}
}

const marketSelectCols = `id, question, description, category, creator_id, quantity,
	yes_price, no_price, yes_votes, no_votes, status, outcome,
	created_at, ending_at, ended_at`

func scanMarket(row pgx.Row) (domain.Market, error) {
	var m domain.Market
	var status string
	var outcome *string
	err := row.Scan(
		&m.ID, &m.Question, &m.Description, &m.Category, &m.CreatorID, &m.Quantity,
		&m.YesPrice, &m.NoPrice, &m.YesVotes, &m.NoVotes, &status, &outcome,
		&m.CreatedAt, &m.EndingAt, &m.EndedAt,
	)
	if err != nil {
		return domain.Market{}, err
	}
	m.Status = domain.MarketStatus(status)
	if outcome != nil {
		side := domain.Side(*outcome)
		m.Outcome = &side
	}
	return m, nil
}

func scanMarketRows(rows pgx.Rows) ([]domain.Market, error) {
	var markets []domain.Market
	for rows.Next() {
		m, err := scanMarket(rows)
		if err != nil {
			return nil, err
		}
		markets = append(markets, m)
	}
	return markets, rows.Err()
}

// Create inserts a new market. A duplicate question yields
// domain.ErrAlreadyExists.
func (s *MarketStore) Create(ctx context.Context, m domain.Market) error {
	const query = `
		INSERT INTO markets (
			id, question, description, category, creator_id, quantity,
			yes_price, no_price, yes_votes, no_votes, status,
			created_at, ending_at
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7, $8, $9, $10, $11,
			$12, $13
		)`

	_, err := s.db.Exec(ctx, query,
		m.ID, m.Question, m.Description, m.Category, m.CreatorID, m.Quantity,
		m.YesPrice, m.NoPrice, m.YesVotes, m.NoVotes, string(m.Status),
		m.CreatedAt, m.EndingAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrAlreadyExists
		}
		return fmt.Errorf("postgres: create market %s: %w", m.ID, err)
	}
	return nil
}

// GetByID retrieves a single market.
func (s *MarketStore) GetByID(ctx context.Context, id string) (domain.Market, error) {
	return s.get(ctx, `SELECT `+marketSelectCols+` FROM markets WHERE id = $1`, id)
}

// GetForUpdate retrieves a market and locks its row until the enclosing
// transaction ends.
func (s *MarketStore) GetForUpdate(ctx context.Context, id string) (domain.Market, error) {
	return s.get(ctx, `SELECT `+marketSelectCols+` FROM markets WHERE id = $1 FOR UPDATE`, id)
}

func (s *MarketStore) get(ctx context.Context, query, id string) (domain.Market, error) {
	m, err := scanMarket(s.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Market{}, domain.ErrNotFound
		}
		return domain.Market{}, fmt.Errorf("postgres: get market %s: %w", id, err)
	}
	return m, nil
}

// List returns markets newest first, optionally filtered by category and
// status.
func (s *MarketStore) List(ctx context.Context, f domain.MarketFilter) ([]domain.Market, error) {
	query := `SELECT ` + marketSelectCols + ` FROM markets WHERE 1=1`
	args := []any{}
	argIdx := 1

	if f.Category != "" {
		query += fmt.Sprintf(" AND lower(category) = lower($%d)", argIdx)
		args = append(args, f.Category)
		argIdx++
	}
	if f.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", argIdx)
		args = append(args, string(f.Status))
		argIdx++
	}

	query += " ORDER BY created_at DESC, id DESC"

	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, f.Limit)
		argIdx++
	}
	if f.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, f.Offset)
	}

	return s.list(ctx, "list markets", query, args...)
}

// ListDue returns active markets whose deadline is at or before now.
func (s *MarketStore) ListDue(ctx context.Context, now time.Time) ([]domain.Market, error) {
	return s.list(ctx, "list due markets",
		`SELECT `+marketSelectCols+` FROM markets
		 WHERE status = 'active' AND ending_at <= $1
		 ORDER BY ending_at`, now)
}

// ListEndedBefore returns ended markets whose deadline is before cutoff.
func (s *MarketStore) ListEndedBefore(ctx context.Context, cutoff time.Time) ([]domain.Market, error) {
	return s.list(ctx, "list expired markets",
		`SELECT `+marketSelectCols+` FROM markets
		 WHERE status = 'ended' AND ending_at < $1
		 ORDER BY ending_at`, cutoff)
}

func (s *MarketStore) list(ctx context.Context, what, query string, args ...any) ([]domain.Market, error) {
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: %s: %w", what, err)
	}
	defer rows.Close()

	markets, err := scanMarketRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan %s: %w", what, err)
	}
	return markets, nil
}

// UpdateTally writes the vote tallies and derived prices of a market.
func (s *MarketStore) UpdateTally(ctx context.Context, m domain.Market) error {
	const query = `
		UPDATE markets SET
			yes_votes = $2,
			no_votes  = $3,
			yes_price = $4,
			no_price  = $5
		WHERE id = $1`

	tag, err := s.db.Exec(ctx, query, m.ID, m.YesVotes, m.NoVotes, m.YesPrice, m.NoPrice)
	if err != nil {
		return fmt.Errorf("postgres: update tally %s: %w", m.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// MarkEnded moves an active market to ended with the given outcome. It
// affects no row, and returns domain.ErrNotFound, if the market is already
// ended.
func (s *MarketStore) MarkEnded(ctx context.Context, id string, outcome domain.Side, endedAt time.Time) error {
	const query = `
		UPDATE markets SET
			status   = 'ended',
			outcome  = $2,
			ended_at = $3
		WHERE id = $1 AND status = 'active'`

	tag, err := s.db.Exec(ctx, query, id, string(outcome), endedAt)
	if err != nil {
		return fmt.Errorf("postgres: end market %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// Delete removes a market. Stakes and price history go with it through
// ON DELETE CASCADE.
func (s *MarketStore) Delete(ctx context.Context, id string) error {
	tag, err := s.db.Exec(ctx, `DELETE FROM markets WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("postgres: delete market %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

var _ domain.MarketStore = (*MarketStore)(nil)
