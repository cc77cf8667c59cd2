package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/alanyoungcy/votemarket/internal/domain"
	"github.com/alanyoungcy/votemarket/internal/metrics"
)

// settleBatchSize bounds how many unprocessed stakes SettleAll loads per
// query.
const settleBatchSize = 500

// Settlement is the result of settling one stake.
type Settlement struct {
	StakeID    string
	UserID     string
	MarketID   string
	IsWinner   bool
	Credited   float64
	NewBalance float64
}

// SettlementService settles stakes of ended markets exactly once.
type SettlementService struct {
	uow       domain.UnitOfWork
	batchSize int
	clock     Clock
	sink      domain.EventSink
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

// NewSettlementService creates a SettlementService.
func NewSettlementService(
	uow domain.UnitOfWork,
	clock Clock,
	sink domain.EventSink,
	m *metrics.Metrics,
	logger *slog.Logger,
) *SettlementService {
	return &SettlementService{
		uow:       uow,
		batchSize: settleBatchSize,
		clock:     clock,
		sink:      sink,
		metrics:   m,
		logger:    logger.With(slog.String("component", "settlement")),
	}
}

// SettleOne settles a single stake. It returns (nil, nil) when there is
// nothing to do: the stake is already processed or its market has not
// ended. The credit, the processed flag and the audit row commit together.
func (s *SettlementService) SettleOne(ctx context.Context, stakeID string) (*Settlement, error) {
	// Unlocked read to learn the market and user, so the locks below can be
	// taken in market, user, stake order.
	probe, err := s.uow.Repos().Stakes.GetByID(ctx, stakeID)
	if err != nil {
		return nil, fmt.Errorf("settlement: find stake %s: %w", stakeID, err)
	}
	if probe.Processed {
		return nil, nil
	}

	var result *Settlement
	err = s.uow.WithinTx(ctx, func(ctx context.Context, r domain.Repos) error {
		m, err := r.Markets.GetForUpdate(ctx, probe.MarketID)
		if err != nil {
			return err
		}
		if m.IsActive() || m.Outcome == nil {
			return nil
		}
		if _, err := r.Users.GetForUpdate(ctx, probe.UserID); err != nil {
			return err
		}
		st, err := r.Stakes.GetByIDForUpdate(ctx, stakeID)
		if err != nil {
			return err
		}
		if st.Processed {
			return nil
		}

		res, err := s.settleLocked(ctx, r, m, st)
		if err != nil {
			return err
		}
		result = &res
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("settlement: settle stake %s: %w", stakeID, err)
	}
	if result != nil {
		s.afterSettle(ctx, *result)
	}
	return result, nil
}

// settleLocked applies the settlement of st. The caller holds the market,
// user and stake locks inside r.
func (s *SettlementService) settleLocked(ctx context.Context, r domain.Repos, m domain.Market, st domain.Stake) (Settlement, error) {
	res := Settlement{
		StakeID:  st.ID,
		UserID:   st.UserID,
		MarketID: st.MarketID,
		IsWinner: st.Side == *m.Outcome,
	}

	if res.IsWinner {
		bal, err := r.Users.AdjustBalance(ctx, st.UserID, st.PotentialReward)
		if err != nil {
			return Settlement{}, fmt.Errorf("credit %s: %w", st.UserID, err)
		}
		res.Credited = st.PotentialReward
		res.NewBalance = bal
	} else {
		u, err := r.Users.GetByID(ctx, st.UserID)
		if err != nil {
			return Settlement{}, err
		}
		res.NewBalance = u.Balance
	}

	if err := r.Stakes.MarkSettled(ctx, st.ID, res.IsWinner, s.clock.Now()); err != nil {
		return Settlement{}, fmt.Errorf("mark settled: %w", err)
	}

	if err := r.Audit.Log(ctx, "stake.settled", map[string]any{
		"stake_id":  st.ID,
		"market_id": st.MarketID,
		"user_id":   st.UserID,
		"side":      string(st.Side),
		"outcome":   string(*m.Outcome),
		"winner":    res.IsWinner,
		"credited":  res.Credited,
	}); err != nil {
		return Settlement{}, fmt.Errorf("audit: %w", err)
	}
	return res, nil
}

func (s *SettlementService) afterSettle(ctx context.Context, res Settlement) {
	s.metrics.StakeSettled(res.IsWinner, res.Credited)
	s.logger.InfoContext(ctx, "stake settled",
		slog.String("stake_id", res.StakeID),
		slog.String("market_id", res.MarketID),
		slog.String("user_id", res.UserID),
		slog.Bool("winner", res.IsWinner),
		slog.Float64("credited", res.Credited),
	)
	if res.IsWinner {
		s.sink.Emit(ctx, domain.Event{
			Name:    domain.EventUserBalanceUpdated,
			Payload: domain.UserBalanceUpdated{UserID: res.UserID, NewBalance: res.NewBalance},
		})
	}
}

// SettleMarket settles every unprocessed stake of one market. Each stake
// is its own transaction; a failure is logged and the rest still settle.
// The returned error joins every failure.
func (s *SettlementService) SettleMarket(ctx context.Context, marketID string) ([]Settlement, error) {
	stakes, err := s.uow.Repos().Stakes.ListUnprocessedByMarket(ctx, marketID)
	if err != nil {
		return nil, fmt.Errorf("settlement: list market %s: %w", marketID, err)
	}
	return s.settleEach(ctx, stakes)
}

// SettleAll settles every unprocessed stake whose market has ended, across
// all markets. Batches are paged by (created_at, id) so stakes that keep
// failing never hide the ones behind them.
func (s *SettlementService) SettleAll(ctx context.Context) ([]Settlement, error) {
	var (
		done []Settlement
		errs []error
		opts = domain.ListOpts{Limit: s.batchSize}
	)
	for {
		batch, err := s.uow.Repos().Stakes.ListUnprocessed(ctx, opts)
		if err != nil {
			return done, errors.Join(append(errs, fmt.Errorf("settlement: list unprocessed: %w", err))...)
		}
		if len(batch) == 0 {
			return done, errors.Join(errs...)
		}

		settled, err := s.settleEach(ctx, batch)
		done = append(done, settled...)
		if err != nil {
			errs = append(errs, err)
		}
		if ctx.Err() != nil {
			return done, errors.Join(append(errs, ctx.Err())...)
		}
		if len(batch) < s.batchSize {
			return done, errors.Join(errs...)
		}
		last := batch[len(batch)-1]
		opts.After = &domain.Cursor{CreatedAt: last.CreatedAt, ID: last.ID}
	}
}

func (s *SettlementService) settleEach(ctx context.Context, stakes []domain.Stake) ([]Settlement, error) {
	var (
		done []Settlement
		errs []error
	)
	for _, st := range stakes {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		res, err := s.SettleOne(ctx, st.ID)
		if err != nil {
			s.logger.ErrorContext(ctx, "settle stake failed",
				slog.String("stake_id", st.ID),
				slog.String("market_id", st.MarketID),
				slog.String("error", err.Error()),
			)
			errs = append(errs, err)
			continue
		}
		if res != nil {
			done = append(done, *res)
		}
	}
	return done, errors.Join(errs...)
}
