package service

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/votemarket/internal/domain"
	"github.com/alanyoungcy/votemarket/internal/metrics"
	"github.com/alanyoungcy/votemarket/internal/store/memory"
)

var t0 = time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC)

type fixedClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fixedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fixedClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recordingSink struct {
	mu     sync.Mutex
	events []domain.Event
}

func (r *recordingSink) Emit(_ context.Context, evt domain.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
}

func (r *recordingSink) names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, e := range r.events {
		out[i] = e.Name
	}
	return out
}

func (r *recordingSink) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
}

type memArchiver struct {
	mu       sync.Mutex
	archives map[string]domain.MarketArchive
	err      error
}

func (a *memArchiver) ArchiveMarket(_ context.Context, archive domain.MarketArchive) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.err != nil {
		return a.err
	}
	if a.archives == nil {
		a.archives = map[string]domain.MarketArchive{}
	}
	a.archives[archive.Market.ID] = archive
	return nil
}

func (a *memArchiver) GetArchive(_ context.Context, id string) (domain.MarketArchive, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	arc, ok := a.archives[id]
	if !ok {
		return domain.MarketArchive{}, domain.ErrNotFound
	}
	return arc, nil
}

type testEnv struct {
	store      *memory.Store
	clock      *fixedClock
	sink       *recordingSink
	metrics    *metrics.Metrics
	settlement *SettlementService
	markets    *MarketService
	votes      *VoteService
	sweeper    *Sweeper
}

type envOption func(*Rules, *domain.Archiver)

func withRules(f func(*Rules)) envOption {
	return func(r *Rules, _ *domain.Archiver) { f(r) }
}

func withArchiver(a domain.Archiver) envOption {
	return func(_ *Rules, dst *domain.Archiver) { *dst = a }
}

func newTestEnv(t *testing.T, opts ...envOption) *testEnv {
	t.Helper()
	rules := DefaultRules()
	var archiver domain.Archiver
	for _, o := range opts {
		o(&rules, &archiver)
	}
	require.NoError(t, rules.Validate())

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	e := &testEnv{
		store:   memory.New(),
		clock:   &fixedClock{now: t0},
		sink:    &recordingSink{},
		metrics: metrics.New(prometheus.NewRegistry()),
	}
	e.settlement = NewSettlementService(e.store, e.clock, e.sink, e.metrics, logger)
	e.markets = NewMarketService(e.store, nil, archiver, e.settlement, rules, e.clock, e.sink, e.metrics, logger)
	e.votes = NewVoteService(e.store, e.markets, rules, e.clock, e.sink, e.metrics, logger)
	e.sweeper = NewSweeper(e.markets, e.settlement, nil, time.Minute, 0, e.clock, e.metrics, logger)
	return e
}

func (e *testEnv) createMarket(t *testing.T, question string, endingIn time.Duration) domain.Market {
	t.Helper()
	m, err := e.markets.Create(context.Background(), CreateMarketInput{
		Question:    question,
		Description: "test market",
		Category:    "sports",
		EndingAt:    e.clock.Now().Add(endingIn),
		Quantity:    1,
		CreatorID:   "creator",
	})
	require.NoError(t, err)
	return m
}

// fund creates the user if needed and sets the balance.
func (e *testEnv) fund(t *testing.T, userID string, balance float64) {
	t.Helper()
	ctx := context.Background()
	u, err := e.store.Repos().Users.Ensure(ctx, userID, 0)
	require.NoError(t, err)
	_, err = e.store.Repos().Users.AdjustBalance(ctx, userID, balance-u.Balance)
	require.NoError(t, err)
}

func (e *testEnv) balance(t *testing.T, userID string) float64 {
	t.Helper()
	u, err := e.store.Repos().Users.GetByID(context.Background(), userID)
	require.NoError(t, err)
	return u.Balance
}

func (e *testEnv) market(t *testing.T, id string) domain.Market {
	t.Helper()
	m, err := e.store.Repos().Markets.GetByID(context.Background(), id)
	require.NoError(t, err)
	return m
}

func (e *testEnv) stake(t *testing.T, userID, marketID string) domain.Stake {
	t.Helper()
	st, err := e.store.Repos().Stakes.Get(context.Background(), userID, marketID)
	require.NoError(t, err)
	return st
}

func (e *testEnv) vote(t *testing.T, userID, marketID string, side domain.Side, qty int64, update bool) Receipt {
	t.Helper()
	rcpt, err := e.votes.PlaceVote(context.Background(), VoteRequest{
		UserID: userID, MarketID: marketID, Side: side, Quantity: qty, IsUpdate: update,
	})
	require.NoError(t, err)
	return rcpt
}
