package domain

import "context"

// Event names emitted to live-update clients.
const (
	EventVoteUpdated        = "voteUpdated"
	EventMarketEnded        = "eventEnded"
	EventBalanceUpdated     = "balanceUpdated"
	EventUserBalanceUpdated = "userBalanceUpdated"
)

// Event is a named notification with a JSON-serialisable payload.
type Event struct {
	Name    string `json:"type"`
	Payload any    `json:"payload"`
}

// VoteUpdated is the payload of EventVoteUpdated.
type VoteUpdated struct {
	MarketID string  `json:"marketId"`
	YesVotes int64   `json:"yesVotes"`
	NoVotes  int64   `json:"noVotes"`
	YesPrice float64 `json:"yesPrice"`
	NoPrice  float64 `json:"noPrice"`
}

// MarketEnded is the payload of EventMarketEnded.
type MarketEnded struct {
	MarketID string `json:"marketId"`
	Outcome  Side   `json:"outcome"`
}

// UserBalanceUpdated is the payload of EventUserBalanceUpdated.
type UserBalanceUpdated struct {
	UserID     string  `json:"userId"`
	NewBalance float64 `json:"newBalance"`
}

// EventSink receives notifications. Emit is best-effort: delivery problems
// are the sink's to log, never the caller's to handle.
type EventSink interface {
	Emit(ctx context.Context, evt Event)
}

// NopSink discards every event.
type NopSink struct{}

// Emit implements EventSink.
func (NopSink) Emit(context.Context, Event) {}
