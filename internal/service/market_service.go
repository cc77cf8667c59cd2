package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/votemarket/internal/domain"
	"github.com/alanyoungcy/votemarket/internal/metrics"
)

// CreateMarketInput carries the fields of a new market.
type CreateMarketInput struct {
	Question    string
	Description string
	Category    string
	EndingAt    time.Time
	Quantity    int64
	CreatorID   string
}

// MarketDetail is a market with its recent price history and, when the
// viewer has one, the viewer's stake.
type MarketDetail struct {
	Market       domain.Market        `json:"market"`
	PriceHistory []domain.PriceSample `json:"price_history"`
	MyVote       *domain.Vote         `json:"my_vote,omitempty"`
	MyExposure   *domain.Exposure     `json:"my_exposure,omitempty"`
}

// UserStake pairs a market with the user's stake in it.
type UserStake struct {
	Market   domain.Market   `json:"market"`
	Vote     domain.Vote     `json:"vote"`
	Exposure domain.Exposure `json:"exposure"`
}

// MarketService owns the market lifecycle: creation, reads, the
// active -> ended -> purged transitions and creator-only deletion.
type MarketService struct {
	uow        domain.UnitOfWork
	cache      domain.MarketCache // optional
	archiver   domain.Archiver    // optional
	settlement *SettlementService
	prices     *PriceRecorder
	rules      Rules
	clock      Clock
	sink       domain.EventSink
	metrics    *metrics.Metrics
	logger     *slog.Logger
}

// NewMarketService creates a MarketService. cache and archiver may be nil.
func NewMarketService(
	uow domain.UnitOfWork,
	cache domain.MarketCache,
	archiver domain.Archiver,
	settlement *SettlementService,
	rules Rules,
	clock Clock,
	sink domain.EventSink,
	m *metrics.Metrics,
	logger *slog.Logger,
) *MarketService {
	return &MarketService{
		uow:        uow,
		cache:      cache,
		archiver:   archiver,
		settlement: settlement,
		prices:     NewPriceRecorder(clock),
		rules:      rules,
		clock:      clock,
		sink:       sink,
		metrics:    m,
		logger:     logger.With(slog.String("component", "market_service")),
	}
}

// Create validates in and stores a new active market seeded with the
// curve's no-vote prices. A duplicate question is a conflict.
func (s *MarketService) Create(ctx context.Context, in CreateMarketInput) (domain.Market, error) {
	in.Question = strings.TrimSpace(in.Question)
	in.Description = strings.TrimSpace(in.Description)
	in.Category = strings.TrimSpace(in.Category)

	switch {
	case in.Question == "":
		return domain.Market{}, domain.Invalid("question is required")
	case in.Description == "":
		return domain.Market{}, domain.Invalid("description is required")
	case in.EndingAt.IsZero():
		return domain.Market{}, domain.Invalid("ending_at is required")
	case in.Quantity <= 0:
		return domain.Market{}, domain.Invalid("quantity must be positive")
	case in.Category == "":
		return domain.Market{}, domain.Invalid("category is required")
	case in.CreatorID == "":
		return domain.Market{}, domain.ErrUnauthorized
	}

	now := s.clock.Now()
	m := domain.Market{
		ID:          uuid.NewString(),
		Question:    in.Question,
		Description: in.Description,
		Category:    in.Category,
		CreatorID:   in.CreatorID,
		Quantity:    in.Quantity,
		Status:      domain.MarketStatusActive,
		CreatedAt:   now,
		EndingAt:    in.EndingAt.UTC(),
	}
	s.rules.Curve.Apply(&m)

	err := s.uow.WithinTx(ctx, func(ctx context.Context, r domain.Repos) error {
		if err := r.Markets.Create(ctx, m); err != nil {
			return err
		}
		_, err := s.prices.Record(ctx, r.Prices, m)
		return err
	})
	if err != nil {
		if errors.Is(err, domain.ErrAlreadyExists) {
			return domain.Market{}, fmt.Errorf("market_service: question %q: %w", m.Question, err)
		}
		return domain.Market{}, fmt.Errorf("market_service: create: %w", err)
	}

	s.metrics.MarketCreated()
	s.logger.InfoContext(ctx, "market created",
		slog.String("market_id", m.ID),
		slog.String("category", m.Category),
		slog.Time("ending_at", m.EndingAt),
	)
	return m, nil
}

// List returns markets newest first.
func (s *MarketService) List(ctx context.Context, f domain.MarketFilter) ([]domain.Market, error) {
	markets, err := s.uow.Repos().Markets.List(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("market_service: list: %w", err)
	}
	return markets, nil
}

// GetMarket returns a market, reading through the cache.
func (s *MarketService) GetMarket(ctx context.Context, id string) (domain.Market, error) {
	if s.cache != nil {
		m, err := s.cache.Get(ctx, id)
		if err == nil {
			s.metrics.CacheLookup(true)
			return m, nil
		}
		s.metrics.CacheLookup(false)
		if !errors.Is(err, domain.ErrNotFound) {
			s.logger.WarnContext(ctx, "cache get failed",
				slog.String("market_id", id),
				slog.String("error", err.Error()),
			)
		}
	}

	m, err := s.uow.Repos().Markets.GetByID(ctx, id)
	if err != nil {
		return domain.Market{}, fmt.Errorf("market_service: get %q: %w", id, err)
	}

	if s.cache != nil {
		if err := s.cache.Set(ctx, m); err != nil {
			s.logger.WarnContext(ctx, "cache set failed",
				slog.String("market_id", id),
				slog.String("error", err.Error()),
			)
		}
	}
	return m, nil
}

// Get returns a market with the price history since the start of the day
// HistoryWindow ago, and viewerID's stake when there is one. viewerID may
// be empty.
func (s *MarketService) Get(ctx context.Context, id, viewerID string) (MarketDetail, error) {
	m, err := s.GetMarket(ctx, id)
	if err != nil {
		return MarketDetail{}, err
	}

	repos := s.uow.Repos()
	history, err := s.prices.Recent(ctx, repos.Prices, id, s.rules.HistoryWindow)
	if err != nil {
		return MarketDetail{}, fmt.Errorf("market_service: history %q: %w", id, err)
	}

	detail := MarketDetail{Market: m, PriceHistory: history}
	if detail.PriceHistory == nil {
		detail.PriceHistory = []domain.PriceSample{}
	}
	if viewerID == "" {
		return detail, nil
	}

	st, err := repos.Stakes.Get(ctx, viewerID, id)
	switch {
	case err == nil:
		v, e := st.Vote(), st.Exposure()
		detail.MyVote, detail.MyExposure = &v, &e
	case !errors.Is(err, domain.ErrNotFound):
		return MarketDetail{}, fmt.Errorf("market_service: viewer stake %q: %w", id, err)
	}
	return detail, nil
}

// Delete removes a market with its stakes and price history. Only the
// creator may delete.
func (s *MarketService) Delete(ctx context.Context, requesterID, id string) error {
	var stakes int64
	err := s.uow.WithinTx(ctx, func(ctx context.Context, r domain.Repos) error {
		m, err := r.Markets.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if requesterID == "" || m.CreatorID != requesterID {
			return domain.ErrUnauthorized
		}
		if stakes, err = s.cascade(ctx, r, id); err != nil {
			return err
		}
		return r.Audit.Log(ctx, "market.deleted", map[string]any{
			"market_id":    id,
			"requester_id": requesterID,
			"stakes":       stakes,
		})
	})
	if err != nil {
		return fmt.Errorf("market_service: delete %q: %w", id, err)
	}

	s.invalidate(ctx, id)
	s.logger.InfoContext(ctx, "market deleted",
		slog.String("market_id", id),
		slog.String("requester_id", requesterID),
		slog.Int64("stakes", stakes),
	)
	return nil
}

// cascade deletes everything keyed to a market, then the market.
func (s *MarketService) cascade(ctx context.Context, r domain.Repos, id string) (int64, error) {
	n, err := r.Stakes.DeleteByMarket(ctx, id)
	if err != nil {
		return 0, err
	}
	if _, err := r.Prices.DeleteByMarket(ctx, id); err != nil {
		return 0, err
	}
	if err := r.Markets.Delete(ctx, id); err != nil {
		return 0, err
	}
	return n, nil
}

// RecalculatePrices recomputes every market's prices from its tallies and
// returns how many changed.
func (s *MarketService) RecalculatePrices(ctx context.Context) (int, error) {
	markets, err := s.uow.Repos().Markets.List(ctx, domain.MarketFilter{})
	if err != nil {
		return 0, fmt.Errorf("market_service: recalculate: %w", err)
	}

	changed := 0
	for _, listed := range markets {
		var updated bool
		err := s.uow.WithinTx(ctx, func(ctx context.Context, r domain.Repos) error {
			m, err := r.Markets.GetForUpdate(ctx, listed.ID)
			if err != nil {
				return err
			}
			yes, no := s.rules.Curve.Prices(m.YesVotes, m.NoVotes)
			if yes == m.YesPrice && no == m.NoPrice {
				return nil
			}
			m.YesPrice, m.NoPrice = yes, no
			if err := r.Markets.UpdateTally(ctx, m); err != nil {
				return err
			}
			updated = true
			_, err = s.prices.Record(ctx, r.Prices, m)
			return err
		})
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				continue
			}
			return changed, fmt.Errorf("market_service: recalculate %q: %w", listed.ID, err)
		}
		if updated {
			changed++
			s.invalidate(ctx, listed.ID)
		}
	}
	s.logger.InfoContext(ctx, "prices recalculated",
		slog.Int("markets", len(markets)),
		slog.Int("changed", changed),
	)
	return changed, nil
}

// ListUserStakes returns the markets userID has a stake in, most recently
// changed first. Markets already past their deadline are ended first so the
// caller sees settled results.
func (s *MarketService) ListUserStakes(ctx context.Context, userID string) ([]UserStake, error) {
	repos := s.uow.Repos()
	stakes, err := repos.Stakes.ListByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("market_service: stakes of %q: %w", userID, err)
	}

	now := s.clock.Now()
	out := make([]UserStake, 0, len(stakes))
	for _, st := range stakes {
		m, err := repos.Markets.GetByID(ctx, st.MarketID)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				continue
			}
			return nil, fmt.Errorf("market_service: stake market %q: %w", st.MarketID, err)
		}
		if m.Due(now) {
			if _, err := s.EndIfDue(ctx, m.ID); err != nil {
				s.logger.WarnContext(ctx, "end on read failed",
					slog.String("market_id", m.ID),
					slog.String("error", err.Error()),
				)
			}
			if m, err = repos.Markets.GetByID(ctx, st.MarketID); err != nil {
				return nil, fmt.Errorf("market_service: stake market %q: %w", st.MarketID, err)
			}
			if st, err = repos.Stakes.Get(ctx, userID, st.MarketID); err != nil {
				return nil, fmt.Errorf("market_service: stake %q: %w", st.MarketID, err)
			}
		}
		out = append(out, UserStake{Market: m, Vote: st.Vote(), Exposure: st.Exposure()})
	}
	return out, nil
}

// Balance returns the user's balance record, creating the user with the
// starting balance on first sight.
func (s *MarketService) Balance(ctx context.Context, userID string) (domain.User, error) {
	if userID == "" {
		return domain.User{}, domain.ErrUnauthorized
	}
	u, err := s.uow.Repos().Users.Ensure(ctx, userID, s.rules.StartingBalance)
	if err != nil {
		return domain.User{}, fmt.Errorf("market_service: balance %q: %w", userID, err)
	}
	return u, nil
}

// Archive returns the stored archive of a purged market.
func (s *MarketService) Archive(ctx context.Context, id string) (domain.MarketArchive, error) {
	if s.archiver == nil {
		return domain.MarketArchive{}, fmt.Errorf("market_service: archive %q: %w", id, domain.ErrNotFound)
	}
	a, err := s.archiver.GetArchive(ctx, id)
	if err != nil {
		return domain.MarketArchive{}, fmt.Errorf("market_service: archive %q: %w", id, err)
	}
	return a, nil
}

// EndIfDue fires the active -> ended transition when the market is past its
// deadline, then settles its stakes. The deadline and status are rechecked
// under the market lock, so concurrent callers end a market once. It
// reports whether this call ended the market.
func (s *MarketService) EndIfDue(ctx context.Context, id string) (bool, error) {
	now := s.clock.Now()
	var ended domain.Market
	fired := false

	err := s.uow.WithinTx(ctx, func(ctx context.Context, r domain.Repos) error {
		m, err := r.Markets.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if !m.Due(now) {
			return nil
		}
		outcome := m.DecideOutcome()
		if err := r.Markets.MarkEnded(ctx, id, outcome, now); err != nil {
			return err
		}
		if err := r.Audit.Log(ctx, "market.ended", map[string]any{
			"market_id": id,
			"outcome":   string(outcome),
			"yes_votes": m.YesVotes,
			"no_votes":  m.NoVotes,
		}); err != nil {
			return err
		}
		m.Status = domain.MarketStatusEnded
		m.Outcome = &outcome
		m.EndedAt = &now
		ended, fired = m, true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("market_service: end %q: %w", id, err)
	}
	if !fired {
		return false, nil
	}

	s.invalidate(ctx, id)
	s.metrics.MarketEnded(string(*ended.Outcome))
	s.logger.InfoContext(ctx, "market ended",
		slog.String("market_id", id),
		slog.String("outcome", string(*ended.Outcome)),
		slog.Int64("yes_votes", ended.YesVotes),
		slog.Int64("no_votes", ended.NoVotes),
	)

	// Stakes left unsettled here are picked up by the next sweep.
	settled, err := s.settlement.SettleMarket(ctx, id)
	if err != nil {
		s.logger.ErrorContext(ctx, "inline settlement incomplete",
			slog.String("market_id", id),
			slog.Int("settled", len(settled)),
			slog.String("error", err.Error()),
		)
	}

	s.sink.Emit(ctx, domain.Event{
		Name:    domain.EventMarketEnded,
		Payload: domain.MarketEnded{MarketID: id, Outcome: *ended.Outcome},
	})
	s.sink.Emit(ctx, domain.Event{Name: domain.EventBalanceUpdated, Payload: struct{}{}})
	return true, nil
}

// EndDue ends every active market past its deadline. One failing market
// does not stop the others; the returned error joins every failure.
func (s *MarketService) EndDue(ctx context.Context) (int, error) {
	due, err := s.uow.Repos().Markets.ListDue(ctx, s.clock.Now())
	if err != nil {
		return 0, fmt.Errorf("market_service: list due: %w", err)
	}

	var errs []error
	n := 0
	for _, m := range due {
		fired, err := s.EndIfDue(ctx, m.ID)
		if err != nil {
			s.logger.ErrorContext(ctx, "end market failed",
				slog.String("market_id", m.ID),
				slog.String("error", err.Error()),
			)
			errs = append(errs, err)
			continue
		}
		if fired {
			n++
		}
	}
	return n, errors.Join(errs...)
}

// PurgeExpired removes ended markets whose deadline is older than the
// retention window. A market with unsettled stakes is kept while the purge
// gate is on; with an archiver configured the market is archived first and
// kept if archiving fails.
func (s *MarketService) PurgeExpired(ctx context.Context) (int, error) {
	cutoff := s.clock.Now().Add(-s.rules.Retention)
	expired, err := s.uow.Repos().Markets.ListEndedBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("market_service: list expired: %w", err)
	}

	var errs []error
	n := 0
	for _, m := range expired {
		purged, err := s.purge(ctx, m.ID)
		if err != nil {
			s.logger.ErrorContext(ctx, "purge market failed",
				slog.String("market_id", m.ID),
				slog.String("error", err.Error()),
			)
			errs = append(errs, err)
			continue
		}
		if purged {
			n++
		}
	}
	return n, errors.Join(errs...)
}

func (s *MarketService) purge(ctx context.Context, id string) (bool, error) {
	repos := s.uow.Repos()
	if s.rules.GatePurge {
		open, err := repos.Stakes.CountUnprocessed(ctx, id)
		if err != nil {
			return false, fmt.Errorf("market_service: purge gate %q: %w", id, err)
		}
		if open > 0 {
			s.logger.WarnContext(ctx, "purge deferred, unsettled stakes",
				slog.String("market_id", id),
				slog.Int64("unsettled", open),
			)
			return false, nil
		}
	}

	if s.archiver != nil {
		if err := s.archive(ctx, repos, id); err != nil {
			return false, err
		}
	}

	now := s.clock.Now()
	purged := false
	err := s.uow.WithinTx(ctx, func(ctx context.Context, r domain.Repos) error {
		m, err := r.Markets.GetForUpdate(ctx, id)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				return nil
			}
			return err
		}
		if !m.Expired(now, s.rules.Retention) {
			return nil
		}
		if s.rules.GatePurge {
			open, err := r.Stakes.CountUnprocessed(ctx, id)
			if err != nil {
				return err
			}
			if open > 0 {
				return nil
			}
		}
		stakes, err := s.cascade(ctx, r, id)
		if err != nil {
			return err
		}
		purged = true
		return r.Audit.Log(ctx, "market.purged", map[string]any{
			"market_id": id,
			"stakes":    stakes,
			"archived":  s.archiver != nil,
		})
	})
	if err != nil {
		return false, fmt.Errorf("market_service: purge %q: %w", id, err)
	}
	if purged {
		s.invalidate(ctx, id)
		s.metrics.MarketPurged()
		s.logger.InfoContext(ctx, "market purged", slog.String("market_id", id))
	}
	return purged, nil
}

func (s *MarketService) archive(ctx context.Context, repos domain.Repos, id string) error {
	m, err := repos.Markets.GetByID(ctx, id)
	if err != nil {
		return fmt.Errorf("market_service: archive read %q: %w", id, err)
	}
	stakes, err := repos.Stakes.ListByMarket(ctx, id)
	if err != nil {
		return fmt.Errorf("market_service: archive stakes %q: %w", id, err)
	}
	history, err := repos.Prices.ListByMarket(ctx, id, time.Time{})
	if err != nil {
		return fmt.Errorf("market_service: archive history %q: %w", id, err)
	}

	a := domain.MarketArchive{
		Market:       m,
		Exposures:    make([]domain.Exposure, 0, len(stakes)),
		PriceHistory: history,
		ArchivedAt:   s.clock.Now(),
	}
	for _, st := range stakes {
		a.Exposures = append(a.Exposures, st.Exposure())
	}
	if err := s.archiver.ArchiveMarket(ctx, a); err != nil {
		return fmt.Errorf("market_service: archive %q: %w", id, err)
	}
	return nil
}

func (s *MarketService) invalidate(ctx context.Context, id string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Invalidate(ctx, id); err != nil {
		s.logger.WarnContext(ctx, "cache invalidate failed",
			slog.String("market_id", id),
			slog.String("error", err.Error()),
		)
	}
}
