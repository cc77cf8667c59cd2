package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/alanyoungcy/votemarket/internal/domain"
)

// PriceHistoryStore implements domain.PriceHistoryStore using PostgreSQL.
type PriceHistoryStore struct {
	db querier
}

// NewPriceHistoryStore creates a new PriceHistoryStore.
func NewPriceHistoryStore(db querier) *PriceHistoryStore {
	return &PriceHistoryStore{db: db}
}

// Append inserts one price sample.
func (s *PriceHistoryStore) Append(ctx context.Context, p domain.PriceSample) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO price_history (id, market_id, yes_price, no_price, ts) VALUES ($1, $2, $3, $4, $5)`,
		p.ID, p.MarketID, p.YesPrice, p.NoPrice, p.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("postgres: append price sample %s: %w", p.MarketID, err)
	}
	return nil
}

// ListByMarket returns the samples of a market taken at or after since,
// oldest first.
func (s *PriceHistoryStore) ListByMarket(ctx context.Context, marketID string, since time.Time) ([]domain.PriceSample, error) {
	rows, err := s.db.Query(ctx,
		`SELECT id, market_id, yes_price, no_price, ts FROM price_history
		 WHERE market_id = $1 AND ts >= $2 ORDER BY ts, id`,
		marketID, since,
	)
	if err != nil {
		return nil, fmt.Errorf("postgres: list price history %s: %w", marketID, err)
	}
	defer rows.Close()

	var samples []domain.PriceSample
	for rows.Next() {
		var p domain.PriceSample
		if err := rows.Scan(&p.ID, &p.MarketID, &p.YesPrice, &p.NoPrice, &p.Timestamp); err != nil {
			return nil, fmt.Errorf("postgres: scan price sample: %w", err)
		}
		samples = append(samples, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list price history rows: %w", err)
	}
	return samples, nil
}

// DeleteByMarket removes all samples of a market.
func (s *PriceHistoryStore) DeleteByMarket(ctx context.Context, marketID string) (int64, error) {
	tag, err := s.db.Exec(ctx, `DELETE FROM price_history WHERE market_id = $1`, marketID)
	if err != nil {
		return 0, fmt.Errorf("postgres: delete price history %s: %w", marketID, err)
	}
	return tag.RowsAffected(), nil
}

var _ domain.PriceHistoryStore = (*PriceHistoryStore)(nil)
