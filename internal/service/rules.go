package service

import (
	"fmt"
	"time"

	"github.com/alanyoungcy/votemarket/internal/pricing"
)

// Rules are the market engine parameters.
type Rules struct {
	Curve           pricing.Curve
	StartingBalance float64
	// Retention is how long an ended market is kept, measured from its
	// deadline, before it is purged.
	Retention time.Duration
	// HistoryWindow bounds the price history returned with a market.
	HistoryWindow time.Duration
	// GatePurge keeps a market until every stake in it is settled.
	GatePurge bool
}

// DefaultRules returns the standard engine parameters.
func DefaultRules() Rules {
	return Rules{
		Curve:           pricing.DefaultCurve(),
		StartingBalance: 10,
		Retention:       24 * time.Hour,
		HistoryWindow:   7 * 24 * time.Hour,
		GatePurge:       true,
	}
}

// Validate checks the parameters.
func (r Rules) Validate() error {
	if err := r.Curve.Validate(); err != nil {
		return err
	}
	if r.StartingBalance < 0 {
		return fmt.Errorf("service: starting balance must be >= 0, got %v", r.StartingBalance)
	}
	if r.Retention <= 0 {
		return fmt.Errorf("service: retention must be > 0, got %s", r.Retention)
	}
	if r.HistoryWindow <= 0 {
		return fmt.Errorf("service: history window must be > 0, got %s", r.HistoryWindow)
	}
	return nil
}
