// Package pricing maps yes/no vote tallies to quoted prices.
//
// Each side is priced on a linear curve between a floor and the base price,
// driven by that side's share of all votes:
//
//	price(side) = base * (floor + (1 - floor) * share(side))
//
// rounded to one decimal place. With no votes both sides sit at the floor.
package pricing

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/votemarket/internal/domain"
)

const (
	DefaultBasePrice  = 10.0
	DefaultFloor      = 0.2
	DefaultRewardRate = 10.0
)

// Curve holds the pricing constants.
type Curve struct {
	BasePrice  float64
	Floor      float64
	RewardRate float64 // flat payout per winning unit
}

// DefaultCurve returns the standard curve: base 10, floor 0.2, reward 10.
func DefaultCurve() Curve {
	return Curve{
		BasePrice:  DefaultBasePrice,
		Floor:      DefaultFloor,
		RewardRate: DefaultRewardRate,
	}
}

// Validate checks the curve constants.
func (c Curve) Validate() error {
	if c.BasePrice <= 0 {
		return fmt.Errorf("pricing: base price must be > 0, got %v", c.BasePrice)
	}
	if c.Floor <= 0 || c.Floor >= 1 {
		return fmt.Errorf("pricing: floor must be in (0, 1), got %v", c.Floor)
	}
	if c.RewardRate <= 0 {
		return fmt.Errorf("pricing: reward rate must be > 0, got %v", c.RewardRate)
	}
	return nil
}

// Prices returns the quoted (yes, no) pair for the given tallies. Negative
// tallies are treated as zero.
func (c Curve) Prices(yesVotes, noVotes int64) (yesPrice, noPrice float64) {
	yesVotes = max(yesVotes, 0)
	noVotes = max(noVotes, 0)

	total := yesVotes + noVotes
	if total == 0 {
		p := c.MinPrice()
		return p, p
	}
	return c.sidePrice(yesVotes, total), c.sidePrice(noVotes, total)
}

// MinPrice is the lowest price the curve quotes (floor * base).
func (c Curve) MinPrice() float64 {
	return round1(decimal.NewFromFloat(c.BasePrice).Mul(decimal.NewFromFloat(c.Floor)))
}

// MaxPrice is the highest price the curve quotes (base).
func (c Curve) MaxPrice() float64 {
	return round1(decimal.NewFromFloat(c.BasePrice))
}

func (c Curve) sidePrice(sideVotes, total int64) float64 {
	floor := decimal.NewFromFloat(c.Floor)
	share := decimal.NewFromInt(sideVotes).DivRound(decimal.NewFromInt(total), 16)
	weight := floor.Add(decimal.NewFromInt(1).Sub(floor).Mul(share))
	return round1(decimal.NewFromFloat(c.BasePrice).Mul(weight))
}

// Cost is the amount debited for staking quantity units at price, rounded
// to cents.
func (c Curve) Cost(price float64, quantity int64) float64 {
	return decimal.NewFromFloat(price).Mul(decimal.NewFromInt(quantity)).Round(2).InexactFloat64()
}

// Reward is the flat payout for quantity winning units. It does not depend
// on the price paid.
func (c Curve) Reward(quantity int64) float64 {
	return decimal.NewFromFloat(c.RewardRate).Mul(decimal.NewFromInt(quantity)).Round(2).InexactFloat64()
}

// Apply recomputes the market's prices from its tallies in place.
func (c Curve) Apply(m *domain.Market) {
	m.YesPrice, m.NoPrice = c.Prices(m.YesVotes, m.NoVotes)
}

// ComputePrices prices tallies on the default curve.
func ComputePrices(yesVotes, noVotes int64) (yesPrice, noPrice float64) {
	return DefaultCurve().Prices(yesVotes, noVotes)
}

func round1(d decimal.Decimal) float64 {
	return d.Round(1).InexactFloat64()
}
