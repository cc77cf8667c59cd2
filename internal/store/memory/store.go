// Package memory implements the domain store interfaces in process memory.
// A single mutex serialises every unit of work, which gives the same
// isolation the PostgreSQL row locks give without a database. It backs the
// "memory" store mode and the service tests.
package memory

import (
	"context"
	"maps"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/votemarket/internal/domain"
)

type state struct {
	markets map[string]domain.Market
	stakes  map[string]domain.Stake // by stake ID
	samples []domain.PriceSample
	users   map[string]domain.User
	audit   []domain.AuditEntry
	auditID int64
}

func (s *state) clone() *state {
	return &state{
		markets: maps.Clone(s.markets),
		stakes:  maps.Clone(s.stakes),
		samples: slices.Clone(s.samples),
		users:   maps.Clone(s.users),
		audit:   slices.Clone(s.audit),
		auditID: s.auditID,
	}
}

// Store is an in-memory domain.UnitOfWork.
type Store struct {
	mu  sync.Mutex
	st  *state
	now func() time.Time
}

// New creates an empty Store.
func New() *Store {
	return &Store{
		st: &state{
			markets: make(map[string]domain.Market),
			stakes:  make(map[string]domain.Stake),
			users:   make(map[string]domain.User),
		},
		now: func() time.Time { return time.Now().UTC() },
	}
}

// Repos returns stores that each lock for the duration of a single call.
func (s *Store) Repos() domain.Repos {
	return s.repos(false)
}

// WithinTx runs fn while holding the store lock. If fn fails, every write
// it made is rolled back.
func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context, r domain.Repos) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	snapshot := s.st.clone()
	if err := fn(ctx, s.repos(true)); err != nil {
		s.st = snapshot
		return err
	}
	return nil
}

func (s *Store) repos(inTx bool) domain.Repos {
	v := &view{s: s, inTx: inTx}
	return domain.Repos{
		Markets: (*marketRepo)(v),
		Stakes:  (*stakeRepo)(v),
		Prices:  (*priceRepo)(v),
		Users:   (*userRepo)(v),
		Audit:   (*auditRepo)(v),
	}
}

// view gives repositories access to the state, taking the lock per call
// unless it is already held by an enclosing transaction.
type view struct {
	s    *Store
	inTx bool
}

func (v *view) lock() func() {
	if v.inTx {
		return func() {}
	}
	v.s.mu.Lock()
	return v.s.mu.Unlock
}

// --- markets ---

type marketRepo view

func (r *marketRepo) v() *view { return (*view)(r) }

func (r *marketRepo) Create(_ context.Context, m domain.Market) error {
	defer r.v().lock()()
	st := r.s.st
	if _, ok := st.markets[m.ID]; ok {
		return domain.ErrAlreadyExists
	}
	for _, existing := range st.markets {
		if existing.Question == m.Question {
			return domain.ErrAlreadyExists
		}
	}
	st.markets[m.ID] = m
	return nil
}

func (r *marketRepo) GetByID(_ context.Context, id string) (domain.Market, error) {
	defer r.v().lock()()
	m, ok := r.s.st.markets[id]
	if !ok {
		return domain.Market{}, domain.ErrNotFound
	}
	return m, nil
}

func (r *marketRepo) GetForUpdate(ctx context.Context, id string) (domain.Market, error) {
	return r.GetByID(ctx, id)
}

func (r *marketRepo) List(_ context.Context, f domain.MarketFilter) ([]domain.Market, error) {
	defer r.v().lock()()
	var out []domain.Market
	for _, m := range r.s.st.markets {
		if f.Category != "" && !strings.EqualFold(m.Category, f.Category) {
			continue
		}
		if f.Status != "" && m.Status != f.Status {
			continue
		}
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return page(out, f.Offset, f.Limit), nil
}

func (r *marketRepo) ListDue(_ context.Context, now time.Time) ([]domain.Market, error) {
	defer r.v().lock()()
	var out []domain.Market
	for _, m := range r.s.st.markets {
		if m.Due(now) {
			out = append(out, m)
		}
	}
	sortByEndingAt(out)
	return out, nil
}

func (r *marketRepo) ListEndedBefore(_ context.Context, cutoff time.Time) ([]domain.Market, error) {
	defer r.v().lock()()
	var out []domain.Market
	for _, m := range r.s.st.markets {
		if m.Status == domain.MarketStatusEnded && m.EndingAt.Before(cutoff) {
			out = append(out, m)
		}
	}
	sortByEndingAt(out)
	return out, nil
}

func (r *marketRepo) UpdateTally(_ context.Context, m domain.Market) error {
	defer r.v().lock()()
	cur, ok := r.s.st.markets[m.ID]
	if !ok {
		return domain.ErrNotFound
	}
	cur.YesVotes, cur.NoVotes = m.YesVotes, m.NoVotes
	cur.YesPrice, cur.NoPrice = m.YesPrice, m.NoPrice
	r.s.st.markets[m.ID] = cur
	return nil
}

func (r *marketRepo) MarkEnded(_ context.Context, id string, outcome domain.Side, endedAt time.Time) error {
	defer r.v().lock()()
	m, ok := r.s.st.markets[id]
	if !ok || m.Status != domain.MarketStatusActive {
		return domain.ErrNotFound
	}
	m.Status = domain.MarketStatusEnded
	m.Outcome = &outcome
	m.EndedAt = &endedAt
	r.s.st.markets[id] = m
	return nil
}

func (r *marketRepo) Delete(_ context.Context, id string) error {
	defer r.v().lock()()
	if _, ok := r.s.st.markets[id]; !ok {
		return domain.ErrNotFound
	}
	delete(r.s.st.markets, id)
	return nil
}

// --- stakes ---

type stakeRepo view

func (r *stakeRepo) v() *view { return (*view)(r) }

func (r *stakeRepo) find(userID, marketID string) (domain.Stake, bool) {
	for _, s := range r.s.st.stakes {
		if s.UserID == userID && s.MarketID == marketID {
			return s, true
		}
	}
	return domain.Stake{}, false
}

func (r *stakeRepo) Get(_ context.Context, userID, marketID string) (domain.Stake, error) {
	defer r.v().lock()()
	s, ok := r.find(userID, marketID)
	if !ok {
		return domain.Stake{}, domain.ErrNotFound
	}
	return s, nil
}

func (r *stakeRepo) GetForUpdate(ctx context.Context, userID, marketID string) (domain.Stake, error) {
	return r.Get(ctx, userID, marketID)
}

func (r *stakeRepo) GetByIDForUpdate(ctx context.Context, id string) (domain.Stake, error) {
	return r.GetByID(ctx, id)
}

func (r *stakeRepo) GetByID(_ context.Context, id string) (domain.Stake, error) {
	defer r.v().lock()()
	s, ok := r.s.st.stakes[id]
	if !ok {
		return domain.Stake{}, domain.ErrNotFound
	}
	return s, nil
}

// Upsert keys on (user, market); an existing row keeps its ID and
// creation time.
func (r *stakeRepo) Upsert(_ context.Context, s domain.Stake) error {
	defer r.v().lock()()
	if existing, ok := r.find(s.UserID, s.MarketID); ok {
		s.ID = existing.ID
		s.CreatedAt = existing.CreatedAt
	}
	r.s.st.stakes[s.ID] = s
	return nil
}

func (r *stakeRepo) ListByMarket(_ context.Context, marketID string) ([]domain.Stake, error) {
	defer r.v().lock()()
	return r.filter(func(s domain.Stake) bool { return s.MarketID == marketID }), nil
}

func (r *stakeRepo) ListByUser(_ context.Context, userID string) ([]domain.Stake, error) {
	defer r.v().lock()()
	out := r.filter(func(s domain.Stake) bool { return s.UserID == userID })
	sort.SliceStable(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out, nil
}

func (r *stakeRepo) ListUnprocessed(_ context.Context, opts domain.ListOpts) ([]domain.Stake, error) {
	defer r.v().lock()()
	markets := r.s.st.markets
	out := r.filter(func(s domain.Stake) bool {
		return !s.Processed && markets[s.MarketID].Status == domain.MarketStatusEnded &&
			(opts.After == nil || after(s, *opts.After))
	})
	if opts.After != nil {
		return page(out, 0, opts.Limit), nil
	}
	return page(out, opts.Offset, opts.Limit), nil
}

func (r *stakeRepo) ListUnprocessedByMarket(_ context.Context, marketID string) ([]domain.Stake, error) {
	defer r.v().lock()()
	return r.filter(func(s domain.Stake) bool { return !s.Processed && s.MarketID == marketID }), nil
}

func (r *stakeRepo) CountUnprocessed(_ context.Context, marketID string) (int64, error) {
	defer r.v().lock()()
	n := len(r.filter(func(s domain.Stake) bool { return !s.Processed && s.MarketID == marketID }))
	return int64(n), nil
}

func (r *stakeRepo) MarkSettled(_ context.Context, id string, isWinner bool, at time.Time) error {
	defer r.v().lock()()
	s, ok := r.s.st.stakes[id]
	if !ok || s.Processed {
		return domain.ErrNotFound
	}
	s.IsWinner = &isWinner
	s.Processed = true
	s.ProcessedAt = &at
	r.s.st.stakes[id] = s
	return nil
}

func (r *stakeRepo) DeleteByMarket(_ context.Context, marketID string) (int64, error) {
	defer r.v().lock()()
	var n int64
	for id, s := range r.s.st.stakes {
		if s.MarketID == marketID {
			delete(r.s.st.stakes, id)
			n++
		}
	}
	return n, nil
}

func after(s domain.Stake, c domain.Cursor) bool {
	if s.CreatedAt.Equal(c.CreatedAt) {
		return s.ID > c.ID
	}
	return s.CreatedAt.After(c.CreatedAt)
}

func (r *stakeRepo) filter(keep func(domain.Stake) bool) []domain.Stake {
	var out []domain.Stake
	for _, s := range r.s.st.stakes {
		if keep(s) {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// --- price history ---

type priceRepo view

func (r *priceRepo) v() *view { return (*view)(r) }

func (r *priceRepo) Append(_ context.Context, sample domain.PriceSample) error {
	defer r.v().lock()()
	r.s.st.samples = append(r.s.st.samples, sample)
	return nil
}

func (r *priceRepo) ListByMarket(_ context.Context, marketID string, since time.Time) ([]domain.PriceSample, error) {
	defer r.v().lock()()
	var out []domain.PriceSample
	for _, p := range r.s.st.samples {
		if p.MarketID == marketID && !p.Timestamp.Before(since) {
			out = append(out, p)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

func (r *priceRepo) DeleteByMarket(_ context.Context, marketID string) (int64, error) {
	defer r.v().lock()()
	kept := r.s.st.samples[:0:0]
	var n int64
	for _, p := range r.s.st.samples {
		if p.MarketID == marketID {
			n++
			continue
		}
		kept = append(kept, p)
	}
	r.s.st.samples = kept
	return n, nil
}

// --- users ---

type userRepo view

func (r *userRepo) v() *view { return (*view)(r) }

func (r *userRepo) Ensure(_ context.Context, id string, startingBalance float64) (domain.User, error) {
	defer r.v().lock()()
	if u, ok := r.s.st.users[id]; ok {
		return u, nil
	}
	now := r.s.now()
	u := domain.User{ID: id, Balance: startingBalance, CreatedAt: now, UpdatedAt: now}
	r.s.st.users[id] = u
	return u, nil
}

func (r *userRepo) GetByID(_ context.Context, id string) (domain.User, error) {
	defer r.v().lock()()
	u, ok := r.s.st.users[id]
	if !ok {
		return domain.User{}, domain.ErrNotFound
	}
	return u, nil
}

func (r *userRepo) GetForUpdate(ctx context.Context, id string) (domain.User, error) {
	return r.GetByID(ctx, id)
}

func (r *userRepo) AdjustBalance(_ context.Context, id string, delta float64) (float64, error) {
	defer r.v().lock()()
	u, ok := r.s.st.users[id]
	if !ok {
		return 0, domain.ErrNotFound
	}
	next := decimal.NewFromFloat(u.Balance).Add(decimal.NewFromFloat(delta)).Round(2)
	if next.IsNegative() {
		return 0, domain.ErrInsufficientBalance
	}
	u.Balance = next.InexactFloat64()
	u.UpdatedAt = r.s.now()
	r.s.st.users[id] = u
	return u.Balance, nil
}

// --- audit ---

type auditRepo view

func (r *auditRepo) v() *view { return (*view)(r) }

func (r *auditRepo) Log(_ context.Context, event string, detail map[string]any) error {
	defer r.v().lock()()
	r.s.st.auditID++
	r.s.st.audit = append(r.s.st.audit, domain.AuditEntry{
		ID:        r.s.st.auditID,
		Event:     event,
		Detail:    maps.Clone(detail),
		CreatedAt: r.s.now(),
	})
	return nil
}

func (r *auditRepo) List(_ context.Context, opts domain.ListOpts) ([]domain.AuditEntry, error) {
	defer r.v().lock()()
	out := slices.Clone(r.s.st.audit)
	slices.Reverse(out)
	return page(out, opts.Offset, opts.Limit), nil
}

func page[T any](items []T, offset, limit int) []T {
	if offset > 0 {
		if offset >= len(items) {
			return nil
		}
		items = items[offset:]
	}
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}

func sortByEndingAt(ms []domain.Market) {
	sort.Slice(ms, func(i, j int) bool { return ms[i].EndingAt.Before(ms[j].EndingAt) })
}

var _ domain.UnitOfWork = (*Store)(nil)
