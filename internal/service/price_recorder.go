package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/votemarket/internal/domain"
)

// PriceRecorder appends a price sample every time a market's tallies
// change and serves the recent history.
type PriceRecorder struct {
	clock Clock
}

// NewPriceRecorder creates a PriceRecorder.
func NewPriceRecorder(clock Clock) *PriceRecorder {
	return &PriceRecorder{clock: clock}
}

// Record appends the market's current prices through the given store, so it
// joins whatever transaction the store is bound to.
func (p *PriceRecorder) Record(ctx context.Context, prices domain.PriceHistoryStore, m domain.Market) (domain.PriceSample, error) {
	sample := domain.PriceSample{
		ID:        uuid.NewString(),
		MarketID:  m.ID,
		YesPrice:  m.YesPrice,
		NoPrice:   m.NoPrice,
		Timestamp: p.clock.Now(),
	}
	if err := prices.Append(ctx, sample); err != nil {
		return domain.PriceSample{}, fmt.Errorf("price_recorder: append %s: %w", m.ID, err)
	}
	return sample, nil
}

// Recent returns the samples of a market since the start of the day window
// ago, oldest first.
func (p *PriceRecorder) Recent(ctx context.Context, prices domain.PriceHistoryStore, marketID string, window time.Duration) ([]domain.PriceSample, error) {
	samples, err := prices.ListByMarket(ctx, marketID, startOfDay(p.clock.Now()).Add(-window))
	if err != nil {
		return nil, fmt.Errorf("price_recorder: list %s: %w", marketID, err)
	}
	return samples, nil
}

func startOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}
