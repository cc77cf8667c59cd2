package domain

import "time"

// MarketStatus represents the lifecycle state of a market. A market only
// moves forward: active -> ended. Purged markets no longer exist.
type MarketStatus string

const (
	MarketStatusActive MarketStatus = "active"
	MarketStatusEnded  MarketStatus = "ended"
)

// Side is one of the two outcomes of a market.
type Side string

const (
	SideYes Side = "yes"
	SideNo  Side = "no"
)

// Valid reports whether s is "yes" or "no".
func (s Side) Valid() bool {
	return s == SideYes || s == SideNo
}

// Market is a single yes/no question with a deadline, vote tallies and the
// prices derived from them.
type Market struct {
	ID          string       `json:"id"`
	Question    string       `json:"question"`
	Description string       `json:"description"`
	Category    string       `json:"category"`
	CreatorID   string       `json:"creator_id"`
	Quantity    int64        `json:"quantity"`
	YesPrice    float64      `json:"yes_price"`
	NoPrice     float64      `json:"no_price"`
	YesVotes    int64        `json:"yes_votes"`
	NoVotes     int64        `json:"no_votes"`
	Status      MarketStatus `json:"status"`
	Outcome     *Side        `json:"outcome,omitempty"` // nil while active
	CreatedAt   time.Time    `json:"created_at"`
	EndingAt    time.Time    `json:"ending_at"`
	EndedAt     *time.Time   `json:"ended_at,omitempty"`
}

// IsActive reports whether the market still accepts votes.
func (m Market) IsActive() bool {
	return m.Status == MarketStatusActive
}

// Due reports whether an active market has reached its deadline.
func (m Market) Due(now time.Time) bool {
	return m.IsActive() && !now.Before(m.EndingAt)
}

// Expired reports whether an ended market has been ended for longer than the
// retention window.
func (m Market) Expired(now time.Time, retention time.Duration) bool {
	return m.Status == MarketStatusEnded && now.Sub(m.EndingAt) > retention
}

// PriceOf returns the current quoted price for the given side.
func (m Market) PriceOf(side Side) float64 {
	if side == SideYes {
		return m.YesPrice
	}
	return m.NoPrice
}

// AddVotes adjusts the tally of side by delta. Tallies never go below zero.
func (m *Market) AddVotes(side Side, delta int64) {
	switch side {
	case SideYes:
		m.YesVotes = max(m.YesVotes+delta, 0)
	case SideNo:
		m.NoVotes = max(m.NoVotes+delta, 0)
	}
}

// DecideOutcome returns the winning side from the current tallies. A tie
// resolves to "no".
func (m Market) DecideOutcome() Side {
	if m.YesVotes > m.NoVotes {
		return SideYes
	}
	return SideNo
}

// MarketFilter narrows a market listing.
type MarketFilter struct {
	Category string
	Status   MarketStatus
	Limit    int
	Offset   int
}
