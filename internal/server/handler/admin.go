package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/votemarket/internal/service"
)

// Sweeper runs one lifecycle sweep on demand.
type Sweeper interface {
	Sweep(ctx context.Context) service.SweepReport
}

// PriceRecalculator recomputes every market's prices from its tallies.
type PriceRecalculator interface {
	RecalculatePrices(ctx context.Context) (int, error)
}

// AdminHandler serves operator endpoints. They sit behind the API key.
type AdminHandler struct {
	sweeper Sweeper
	prices  PriceRecalculator
	logger  *slog.Logger
}

// NewAdminHandler creates an AdminHandler.
func NewAdminHandler(sweeper Sweeper, prices PriceRecalculator, logger *slog.Logger) *AdminHandler {
	return &AdminHandler{
		sweeper: sweeper,
		prices:  prices,
		logger:  logger.With(slog.String("handler", "admin")),
	}
}

// Sweep runs the end/settle/purge sweep now and returns its report. The
// report lists per-phase errors; the request itself succeeds.
// POST /api/admin/sweep
func (h *AdminHandler) Sweep(w http.ResponseWriter, r *http.Request) {
	rep := h.sweeper.Sweep(r.Context())
	h.logger.InfoContext(r.Context(), "manual sweep",
		slog.Int("ended", rep.Ended),
		slog.Int("settled", rep.Settled),
		slog.Int("purged", rep.Purged),
		slog.Int("errors", len(rep.Errors)),
	)
	writeJSON(w, http.StatusOK, rep)
}

// Recalculate recomputes prices for all markets.
// POST /api/admin/recalculate
func (h *AdminHandler) Recalculate(w http.ResponseWriter, r *http.Request) {
	n, err := h.prices.RecalculatePrices(r.Context())
	if err != nil {
		writeServiceError(w, r, h.logger, "recalculate prices", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"updated": n})
}
