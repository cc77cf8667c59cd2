package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
	// After resumes a (created_at, id) ordered listing past the given row.
	// Stake listings honour it; Offset is ignored when it is set.
	After *Cursor
}

// Cursor is a keyset position in a listing ordered by (created_at, id).
type Cursor struct {
	CreatedAt time.Time
	ID        string
}

// MarketStore persists markets. The ...ForUpdate variants take a row lock
// when called inside a transaction.
type MarketStore interface {
	Create(ctx context.Context, m Market) error
	GetByID(ctx context.Context, id string) (Market, error)
	GetForUpdate(ctx context.Context, id string) (Market, error)
	List(ctx context.Context, filter MarketFilter) ([]Market, error)
	ListDue(ctx context.Context, now time.Time) ([]Market, error)
	ListEndedBefore(ctx context.Context, cutoff time.Time) ([]Market, error)
	UpdateTally(ctx context.Context, m Market) error
	MarkEnded(ctx context.Context, id string, outcome Side, endedAt time.Time) error
	Delete(ctx context.Context, id string) error
}

// StakeStore persists the per-(user, market) ledger.
type StakeStore interface {
	Get(ctx context.Context, userID, marketID string) (Stake, error)
	GetForUpdate(ctx context.Context, userID, marketID string) (Stake, error)
	GetByID(ctx context.Context, id string) (Stake, error)
	GetByIDForUpdate(ctx context.Context, id string) (Stake, error)
	Upsert(ctx context.Context, s Stake) error
	ListByMarket(ctx context.Context, marketID string) ([]Stake, error)
	ListByUser(ctx context.Context, userID string) ([]Stake, error)
	// ListUnprocessed returns unsettled stakes whose market has ended.
	ListUnprocessed(ctx context.Context, opts ListOpts) ([]Stake, error)
	ListUnprocessedByMarket(ctx context.Context, marketID string) ([]Stake, error)
	CountUnprocessed(ctx context.Context, marketID string) (int64, error)
	MarkSettled(ctx context.Context, id string, isWinner bool, at time.Time) error
	DeleteByMarket(ctx context.Context, marketID string) (int64, error)
}

// PriceHistoryStore persists append-only price samples.
type PriceHistoryStore interface {
	Append(ctx context.Context, sample PriceSample) error
	ListByMarket(ctx context.Context, marketID string, since time.Time) ([]PriceSample, error)
	DeleteByMarket(ctx context.Context, marketID string) (int64, error)
}

// UserStore persists user balances.
type UserStore interface {
	Ensure(ctx context.Context, id string, startingBalance float64) (User, error)
	GetByID(ctx context.Context, id string) (User, error)
	GetForUpdate(ctx context.Context, id string) (User, error)
	AdjustBalance(ctx context.Context, id string, delta float64) (float64, error)
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64
	Event     string
	Detail    map[string]any
	CreatedAt time.Time
}

// AuditStore persists an append-only audit log.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
}

// Repos bundles the stores bound to one unit of work.
type Repos struct {
	Markets MarketStore
	Stakes  StakeStore
	Prices  PriceHistoryStore
	Users   UserStore
	Audit   AuditStore
}

// UnitOfWork runs a function atomically. Stores handed to fn are bound to
// the same transaction; if fn returns an error nothing it wrote is kept.
//
// Row locks must be taken in the order market, user, stake.
type UnitOfWork interface {
	Repos() Repos
	WithinTx(ctx context.Context, fn func(ctx context.Context, r Repos) error) error
}
