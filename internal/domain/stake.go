package domain

import "time"

// Stake is the single per-(user, market) ledger row. It carries both the
// user's current vote and its settlement state; Vote and Exposure are
// read-side views of the same record, so they cannot drift apart.
type Stake struct {
	ID              string
	UserID          string
	MarketID        string
	Side            Side
	Quantity        int64
	CostAmount      float64
	PotentialReward float64
	IsWinner        *bool // nil until settled
	Processed       bool
	ProcessedAt     *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Vote is the current-stake projection of a Stake.
type Vote struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	MarketID  string    `json:"market_id"`
	Side      Side      `json:"side"`
	Quantity  int64     `json:"quantity"`
	Timestamp time.Time `json:"timestamp"`
}

// Exposure is the settlement projection of a Stake.
type Exposure struct {
	ID              string     `json:"id"`
	UserID          string     `json:"user_id"`
	MarketID        string     `json:"market_id"`
	Side            Side       `json:"side"`
	Quantity        int64      `json:"quantity"`
	CostAmount      float64    `json:"cost_amount"`
	PotentialReward float64    `json:"potential_reward"`
	IsWinner        *bool      `json:"is_winner"`
	Processed       bool       `json:"processed"`
	ProcessedAt     *time.Time `json:"processed_at,omitempty"`
}

// Vote returns the current-stake view.
func (s Stake) Vote() Vote {
	return Vote{
		ID:        s.ID,
		UserID:    s.UserID,
		MarketID:  s.MarketID,
		Side:      s.Side,
		Quantity:  s.Quantity,
		Timestamp: s.UpdatedAt,
	}
}

// Exposure returns the settlement view.
func (s Stake) Exposure() Exposure {
	return Exposure{
		ID:              s.ID,
		UserID:          s.UserID,
		MarketID:        s.MarketID,
		Side:            s.Side,
		Quantity:        s.Quantity,
		CostAmount:      s.CostAmount,
		PotentialReward: s.PotentialReward,
		IsWinner:        s.IsWinner,
		Processed:       s.Processed,
		ProcessedAt:     s.ProcessedAt,
	}
}

// PriceSample is one append-only price snapshot of a market.
type PriceSample struct {
	ID        string    `json:"id"`
	MarketID  string    `json:"market_id"`
	YesPrice  float64   `json:"yes_price"`
	NoPrice   float64   `json:"no_price"`
	Timestamp time.Time `json:"timestamp"`
}

// User is the balance holder. Identity is issued by an external auth
// component; only the balance is owned here.
type User struct {
	ID        string    `json:"id"`
	Balance   float64   `json:"balance"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
