package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/votemarket/internal/domain"
)

// Market M, A votes yes 2, B votes no 1, then the deadline passes.
func TestSettlementScenario(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	m := e.createMarket(t, "Will the home team win?", time.Hour)
	assert.Equal(t, 2.0, m.YesPrice)
	assert.Equal(t, 2.0, m.NoPrice)

	a := e.vote(t, "A", m.ID, domain.SideYes, 2, false)
	assert.Equal(t, 4.0, a.Cost)
	assert.Equal(t, 6.0, e.balance(t, "A"))
	assert.Equal(t, int64(2), e.market(t, m.ID).YesVotes)

	e.vote(t, "B", m.ID, domain.SideNo, 1, false)
	assert.Equal(t, 8.0, e.balance(t, "B"))
	got := e.market(t, m.ID)
	assert.Equal(t, int64(2), got.YesVotes)
	assert.Equal(t, int64(1), got.NoVotes)
	assert.Greater(t, got.YesPrice, got.NoPrice)

	e.clock.Advance(2 * time.Hour)
	e.sink.reset()
	rep := e.sweeper.Sweep(ctx)
	assert.Equal(t, 1, rep.Ended)
	assert.Empty(t, rep.Errors)

	ended := e.market(t, m.ID)
	assert.Equal(t, domain.MarketStatusEnded, ended.Status)
	require.NotNil(t, ended.Outcome)
	assert.Equal(t, domain.SideYes, *ended.Outcome)
	require.NotNil(t, ended.EndedAt)

	sa := e.stake(t, "A", m.ID)
	assert.True(t, sa.Processed)
	require.NotNil(t, sa.IsWinner)
	assert.True(t, *sa.IsWinner)
	assert.Equal(t, 26.0, e.balance(t, "A"))

	sb := e.stake(t, "B", m.ID)
	assert.True(t, sb.Processed)
	require.NotNil(t, sb.IsWinner)
	assert.False(t, *sb.IsWinner)
	assert.Equal(t, 8.0, e.balance(t, "B"))

	assert.Equal(t, []string{
		domain.EventUserBalanceUpdated,
		domain.EventMarketEnded,
		domain.EventBalanceUpdated,
	}, e.sink.names())

	audit, err := e.store.Repos().Audit.List(ctx, domain.ListOpts{})
	require.NoError(t, err)
	var settledRows int
	for _, a := range audit {
		if a.Event == "stake.settled" {
			settledRows++
		}
	}
	assert.Equal(t, 2, settledRows)
}

func TestTieResolvesToNo(t *testing.T) {
	e := newTestEnv(t)
	m := e.createMarket(t, "Coin flip?", time.Hour)
	e.fund(t, "u1", 100)
	e.fund(t, "u2", 100)
	e.vote(t, "u1", m.ID, domain.SideYes, 7, false)
	e.vote(t, "u2", m.ID, domain.SideNo, 7, false)

	e.clock.Advance(2 * time.Hour)
	e.sweeper.Sweep(context.Background())

	got := e.market(t, m.ID)
	require.NotNil(t, got.Outcome)
	assert.Equal(t, domain.SideNo, *got.Outcome)
	assert.Equal(t, 86.0, e.balance(t, "u1"))
	assert.Equal(t, 156.0, e.balance(t, "u2"))
}

func TestSettleOneIsIdempotent(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	m := e.createMarket(t, "Will it rain?", time.Hour)
	e.vote(t, "A", m.ID, domain.SideYes, 2, false)
	e.clock.Advance(2 * time.Hour)
	e.sweeper.Sweep(ctx)

	st := e.stake(t, "A", m.ID)
	require.True(t, st.Processed)
	balance := e.balance(t, "A")

	res, err := e.settlement.SettleOne(ctx, st.ID)
	require.NoError(t, err)
	assert.Nil(t, res)
	assert.Equal(t, balance, e.balance(t, "A"))
	assert.Equal(t, st.ProcessedAt, e.stake(t, "A", m.ID).ProcessedAt)
}

func TestSettleOneSkipsActiveMarket(t *testing.T) {
	e := newTestEnv(t)
	m := e.createMarket(t, "Will it rain?", time.Hour)
	e.vote(t, "A", m.ID, domain.SideYes, 1, false)
	st := e.stake(t, "A", m.ID)

	res, err := e.settlement.SettleOne(context.Background(), st.ID)
	require.NoError(t, err)
	assert.Nil(t, res)
	assert.False(t, e.stake(t, "A", m.ID).Processed)
}

func TestSettleOneUnknownStake(t *testing.T) {
	e := newTestEnv(t)
	_, err := e.settlement.SettleOne(context.Background(), "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestSettleAllCatchesLeftovers(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	m := e.createMarket(t, "Will it rain?", time.Hour)
	e.vote(t, "A", m.ID, domain.SideNo, 1, false)
	e.vote(t, "B", m.ID, domain.SideYes, 1, false)

	// End the market without settling, as if the process died right after
	// the transition committed.
	require.NoError(t, e.store.Repos().Markets.MarkEnded(ctx, m.ID, domain.SideNo, e.clock.Now()))

	other := e.createMarket(t, "Still open?", 48*time.Hour)
	e.vote(t, "C", other.ID, domain.SideYes, 1, false)

	settled, err := e.settlement.SettleAll(ctx)
	require.NoError(t, err)
	assert.Len(t, settled, 2)
	assert.Equal(t, 18.0, e.balance(t, "A"))
	assert.Equal(t, 8.0, e.balance(t, "B"))
	assert.False(t, e.stake(t, "C", other.ID).Processed)

	settled, err = e.settlement.SettleAll(ctx)
	require.NoError(t, err)
	assert.Empty(t, settled)
}

// auditFault makes the audit write of one user's settlement fail. That write
// lands after the credit and the processed flag inside the transaction.
type auditFault struct {
	mu     sync.Mutex
	userID string
}

func (f *auditFault) heal() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.userID = ""
}

func (f *auditFault) hits(detail map[string]any) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.userID != "" && detail["user_id"] == f.userID
}

type faultyAudit struct {
	domain.AuditStore
	fault *auditFault
}

func (a faultyAudit) Log(ctx context.Context, event string, detail map[string]any) error {
	if a.fault.hits(detail) {
		return errors.New("audit unavailable")
	}
	return a.AuditStore.Log(ctx, event, detail)
}

type faultyUoW struct {
	domain.UnitOfWork
	fault *auditFault
}

func (u faultyUoW) Repos() domain.Repos {
	r := u.UnitOfWork.Repos()
	r.Audit = faultyAudit{AuditStore: r.Audit, fault: u.fault}
	return r
}

func (u faultyUoW) WithinTx(ctx context.Context, fn func(ctx context.Context, r domain.Repos) error) error {
	return u.UnitOfWork.WithinTx(ctx, func(ctx context.Context, r domain.Repos) error {
		r.Audit = faultyAudit{AuditStore: r.Audit, fault: u.fault}
		return fn(ctx, r)
	})
}

func TestFailedSettlementRollsBackAndRetriesOnce(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	m := e.createMarket(t, "Will it snow?", time.Hour)
	users := []string{"A", "B", "C"}
	before := map[string]float64{}
	for _, u := range users {
		e.fund(t, u, 100)
		e.vote(t, u, m.ID, domain.SideYes, 1, false)
		before[u] = e.balance(t, u)
	}

	fault := &auditFault{userID: "C"}
	e.settlement.uow = faultyUoW{UnitOfWork: e.store, fault: fault}

	e.clock.Advance(2 * time.Hour)
	rep := e.sweeper.Sweep(ctx)
	assert.Equal(t, 1, rep.Ended)
	assert.NotEmpty(t, rep.Errors)

	for _, u := range []string{"A", "B"} {
		assert.True(t, e.stake(t, u, m.ID).Processed, u)
		assert.Equal(t, before[u]+10, e.balance(t, u), u)
	}
	failed := e.stake(t, "C", m.ID)
	assert.False(t, failed.Processed)
	assert.Nil(t, failed.IsWinner)
	assert.Nil(t, failed.ProcessedAt)
	assert.Equal(t, before["C"], e.balance(t, "C"), "the credit is rolled back with the failed audit write")

	fault.heal()
	rep = e.sweeper.Sweep(ctx)
	assert.Empty(t, rep.Errors)
	assert.True(t, e.stake(t, "C", m.ID).Processed)
	assert.Equal(t, before["C"]+10, e.balance(t, "C"))

	rep = e.sweeper.Sweep(ctx)
	assert.Empty(t, rep.Errors)
	assert.Equal(t, before["C"]+10, e.balance(t, "C"), "a settled stake is never credited twice")
}

func TestSettleAllPagesPastFailingStakes(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	e.settlement.batchSize = 2

	m := e.createMarket(t, "Will the bridge open?", time.Hour)
	e.vote(t, "good", m.ID, domain.SideYes, 1, false)

	// Stakes of users that do not exist fail on every attempt. They sort
	// ahead of the good stake and fill several whole batches.
	for i := 0; i < 5; i++ {
		require.NoError(t, e.store.Repos().Stakes.Upsert(ctx, domain.Stake{
			ID:              fmt.Sprintf("orphan-%d", i),
			UserID:          fmt.Sprintf("ghost-%d", i),
			MarketID:        m.ID,
			Side:            domain.SideYes,
			Quantity:        1,
			PotentialReward: 10,
			CreatedAt:       t0.Add(-time.Hour),
			UpdatedAt:       t0.Add(-time.Hour),
		}))
	}
	require.NoError(t, e.store.Repos().Markets.MarkEnded(ctx, m.ID, domain.SideYes, e.clock.Now()))

	settled, err := e.settlement.SettleAll(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	require.Len(t, settled, 1)
	assert.Equal(t, "good", settled[0].UserID)
	assert.True(t, e.stake(t, "good", m.ID).Processed)
	assert.Equal(t, 18.0, e.balance(t, "good"))

	pending, err := e.store.Repos().Stakes.ListUnprocessed(ctx, domain.ListOpts{})
	require.NoError(t, err)
	assert.Len(t, pending, 5)
}
