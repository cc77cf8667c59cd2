package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/alanyoungcy/votemarket/internal/domain"
	"github.com/alanyoungcy/votemarket/internal/metrics"
)

// VoteRequest is a request to place or replace a stake.
type VoteRequest struct {
	UserID   string
	MarketID string
	Side     domain.Side
	Quantity int64
	IsUpdate bool
}

// Receipt describes an accepted vote.
type Receipt struct {
	Market          domain.Market `json:"market"`
	Cost            float64       `json:"cost"`
	PotentialReward float64       `json:"potential_reward"`
	Side            domain.Side   `json:"side"`
	Quantity        int64         `json:"quantity"`
	IsUpdate        bool          `json:"is_update"`
	NewBalance      float64       `json:"new_balance"`
}

// VoteService places and updates stakes.
type VoteService struct {
	uow     domain.UnitOfWork
	markets *MarketService
	prices  *PriceRecorder
	rules   Rules
	clock   Clock
	sink    domain.EventSink
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewVoteService creates a VoteService.
func NewVoteService(
	uow domain.UnitOfWork,
	markets *MarketService,
	rules Rules,
	clock Clock,
	sink domain.EventSink,
	m *metrics.Metrics,
	logger *slog.Logger,
) *VoteService {
	return &VoteService{
		uow:     uow,
		markets: markets,
		prices:  NewPriceRecorder(clock),
		rules:   rules,
		clock:   clock,
		sink:    sink,
		metrics: m,
		logger:  logger.With(slog.String("component", "vote_service")),
	}
}

// PlaceVote records req. The cost is the side's current price times the
// quantity and is debited in full; an update does not refund the stake it
// replaces. Tallies, prices, balance, stake and price sample are written in
// one transaction holding the market lock then the user lock.
func (s *VoteService) PlaceVote(ctx context.Context, req VoteRequest) (Receipt, error) {
	rcpt, err := s.placeVote(ctx, req)
	if err != nil {
		s.metrics.VoteRejected(string(domain.KindOf(err)))
		return Receipt{}, err
	}
	s.metrics.VotePlaced(string(req.Side), req.IsUpdate)
	return rcpt, nil
}

func (s *VoteService) placeVote(ctx context.Context, req VoteRequest) (Receipt, error) {
	req.Side = domain.Side(strings.ToLower(strings.TrimSpace(string(req.Side))))
	switch {
	case req.UserID == "":
		return Receipt{}, domain.ErrUnauthorized
	case req.MarketID == "":
		return Receipt{}, domain.Invalid("market id is required")
	case !req.Side.Valid():
		return Receipt{}, domain.Invalid("side must be yes or no, got %q", req.Side)
	case req.Quantity <= 0:
		return Receipt{}, domain.Invalid("quantity must be positive, got %d", req.Quantity)
	}

	var rcpt Receipt
	err := s.uow.WithinTx(ctx, func(ctx context.Context, r domain.Repos) error {
		m, err := r.Markets.GetForUpdate(ctx, req.MarketID)
		if err != nil {
			return err
		}
		if !m.IsActive() {
			return domain.ErrMarketClosed
		}

		if _, err := r.Users.Ensure(ctx, req.UserID, s.rules.StartingBalance); err != nil {
			return err
		}
		u, err := r.Users.GetForUpdate(ctx, req.UserID)
		if err != nil {
			return err
		}

		prev, err := r.Stakes.GetForUpdate(ctx, req.UserID, req.MarketID)
		found := err == nil
		if err != nil && !errors.Is(err, domain.ErrNotFound) {
			return err
		}
		if found && !req.IsUpdate {
			return domain.ErrAlreadyVoted
		}
		if !found && req.IsUpdate {
			return domain.ErrNoVote
		}

		cost := s.rules.Curve.Cost(m.PriceOf(req.Side), req.Quantity)
		if u.Balance < cost {
			return fmt.Errorf("%w: cost %.2f, balance %.2f", domain.ErrInsufficientBalance, cost, u.Balance)
		}

		if found {
			m.AddVotes(prev.Side, -prev.Quantity)
		}
		m.AddVotes(req.Side, req.Quantity)
		s.rules.Curve.Apply(&m)
		if err := r.Markets.UpdateTally(ctx, m); err != nil {
			return err
		}

		balance, err := r.Users.AdjustBalance(ctx, req.UserID, -cost)
		if err != nil {
			return err
		}

		now := s.clock.Now()
		st := domain.Stake{
			ID:              uuid.NewString(),
			UserID:          req.UserID,
			MarketID:        req.MarketID,
			Side:            req.Side,
			Quantity:        req.Quantity,
			CostAmount:      cost,
			PotentialReward: s.rules.Curve.Reward(req.Quantity),
			CreatedAt:       now,
			UpdatedAt:       now,
		}
		if found {
			st.ID, st.CreatedAt = prev.ID, prev.CreatedAt
		}
		if err := r.Stakes.Upsert(ctx, st); err != nil {
			return err
		}

		if _, err := s.prices.Record(ctx, r.Prices, m); err != nil {
			return err
		}

		rcpt = Receipt{
			Market:          m,
			Cost:            cost,
			PotentialReward: st.PotentialReward,
			Side:            req.Side,
			Quantity:        req.Quantity,
			IsUpdate:        req.IsUpdate,
			NewBalance:      balance,
		}
		return nil
	})
	if err != nil {
		return Receipt{}, fmt.Errorf("vote_service: place vote on %q: %w", req.MarketID, err)
	}

	s.markets.invalidate(ctx, req.MarketID)
	s.logger.InfoContext(ctx, "vote placed",
		slog.String("market_id", req.MarketID),
		slog.String("user_id", req.UserID),
		slog.String("side", string(req.Side)),
		slog.Int64("quantity", req.Quantity),
		slog.Float64("cost", rcpt.Cost),
		slog.Bool("update", req.IsUpdate),
	)

	m := rcpt.Market
	s.sink.Emit(ctx, domain.Event{
		Name: domain.EventVoteUpdated,
		Payload: domain.VoteUpdated{
			MarketID: m.ID,
			YesVotes: m.YesVotes,
			NoVotes:  m.NoVotes,
			YesPrice: m.YesPrice,
			NoPrice:  m.NoPrice,
		},
	})
	s.sink.Emit(ctx, domain.Event{
		Name:    domain.EventUserBalanceUpdated,
		Payload: domain.UserBalanceUpdated{UserID: req.UserID, NewBalance: rcpt.NewBalance},
	})

	// The deadline may already have passed; the vote itself is kept.
	if fired, err := s.markets.EndIfDue(ctx, req.MarketID); err != nil {
		s.logger.WarnContext(ctx, "end check after vote failed",
			slog.String("market_id", req.MarketID),
			slog.String("error", err.Error()),
		)
	} else if fired {
		if m, err := s.uow.Repos().Markets.GetByID(ctx, req.MarketID); err == nil {
			rcpt.Market = m
		}
	}
	return rcpt, nil
}
