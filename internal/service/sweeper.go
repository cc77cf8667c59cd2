package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/alanyoungcy/votemarket/internal/domain"
	"github.com/alanyoungcy/votemarket/internal/metrics"
)

const sweepLockKey = "sweeper"

// SweepReport summarises one sweep.
type SweepReport struct {
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
	Ended     int           `json:"ended"`
	Settled   int           `json:"settled"`
	Purged    int           `json:"purged"`
	Errors    []string      `json:"errors,omitempty"`
}

// Sweeper drives markets forward without a request in flight: it ends
// markets past their deadline, settles leftover stakes and purges markets
// past retention. Each phase is idempotent, so overlapping sweeps are safe;
// the optional lock only saves duplicate work across replicas.
type Sweeper struct {
	markets    *MarketService
	settlement *SettlementService
	locks      domain.LockManager // optional
	lockTTL    time.Duration
	interval   time.Duration
	clock      Clock
	metrics    *metrics.Metrics
	logger     *slog.Logger
}

// NewSweeper creates a Sweeper. locks may be nil.
func NewSweeper(
	markets *MarketService,
	settlement *SettlementService,
	locks domain.LockManager,
	interval time.Duration,
	lockTTL time.Duration,
	clock Clock,
	m *metrics.Metrics,
	logger *slog.Logger,
) *Sweeper {
	if interval <= 0 {
		interval = time.Hour
	}
	if lockTTL <= 0 {
		lockTTL = interval
	}
	return &Sweeper{
		markets:    markets,
		settlement: settlement,
		locks:      locks,
		lockTTL:    lockTTL,
		interval:   interval,
		clock:      clock,
		metrics:    m,
		logger:     logger.With(slog.String("component", "sweeper")),
	}
}

// Run sweeps once immediately and then on every tick until ctx is done.
func (s *Sweeper) Run(ctx context.Context) error {
	s.logger.InfoContext(ctx, "sweeper started", slog.Duration("interval", s.interval))
	s.tick(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.logger.InfoContext(ctx, "sweeper stopped")
			return ctx.Err()
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Sweeper) tick(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	if s.locks != nil {
		unlock, err := s.locks.Acquire(ctx, sweepLockKey, s.lockTTL)
		switch {
		case errors.Is(err, domain.ErrLockHeld):
			s.logger.DebugContext(ctx, "sweep skipped, lock held elsewhere")
			return
		case err != nil:
			// The lock is an optimisation; sweep anyway.
			s.logger.WarnContext(ctx, "sweep lock unavailable", slog.String("error", err.Error()))
		default:
			defer unlock()
		}
	}
	s.Sweep(ctx)
}

// Sweep runs the three phases once, in order. A failing phase is logged and
// does not stop the ones after it. It backs both the periodic loop and the
// administrative trigger.
func (s *Sweeper) Sweep(ctx context.Context) SweepReport {
	start := s.clock.Now()
	rep := SweepReport{StartedAt: start}

	ended, err := s.markets.EndDue(ctx)
	rep.Ended = ended
	s.phaseError(ctx, &rep, "end", err)

	settled, err := s.settlement.SettleAll(ctx)
	rep.Settled = len(settled)
	s.phaseError(ctx, &rep, "settle", err)

	purged, err := s.markets.PurgeExpired(ctx)
	rep.Purged = purged
	s.phaseError(ctx, &rep, "purge", err)

	rep.Duration = s.clock.Now().Sub(start)
	s.metrics.SweepFinished(rep.Duration)
	s.logger.InfoContext(ctx, "sweep finished",
		slog.Int("ended", rep.Ended),
		slog.Int("settled", rep.Settled),
		slog.Int("purged", rep.Purged),
		slog.Int("errors", len(rep.Errors)),
		slog.Duration("duration", rep.Duration),
	)
	return rep
}

func (s *Sweeper) phaseError(ctx context.Context, rep *SweepReport, phase string, err error) {
	if err == nil {
		return
	}
	s.metrics.SweepError(phase)
	rep.Errors = append(rep.Errors, phase+": "+err.Error())
	s.logger.ErrorContext(ctx, "sweep phase failed",
		slog.String("phase", phase),
		slog.String("error", err.Error()),
	)
}
