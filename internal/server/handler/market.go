package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/votemarket/internal/domain"
	"github.com/alanyoungcy/votemarket/internal/server/middleware"
	"github.com/alanyoungcy/votemarket/internal/service"
)

// MarketService is what the market handler needs from the service layer.
type MarketService interface {
	Create(ctx context.Context, in service.CreateMarketInput) (domain.Market, error)
	List(ctx context.Context, f domain.MarketFilter) ([]domain.Market, error)
	Get(ctx context.Context, id, viewerID string) (service.MarketDetail, error)
	Delete(ctx context.Context, requesterID, id string) error
	Archive(ctx context.Context, id string) (domain.MarketArchive, error)
}

// MarketHandler serves the market endpoints.
type MarketHandler struct {
	markets MarketService
	logger  *slog.Logger
}

// NewMarketHandler creates a MarketHandler.
func NewMarketHandler(markets MarketService, logger *slog.Logger) *MarketHandler {
	return &MarketHandler{
		markets: markets,
		logger:  logger.With(slog.String("handler", "market")),
	}
}

type listMarketsResponse struct {
	Markets []domain.Market `json:"markets"`
	Limit   int             `json:"limit"`
	Offset  int             `json:"offset"`
}

// ListMarkets returns markets newest first.
// GET /api/markets?category=sports&status=active&limit=50&offset=0
func (h *MarketHandler) ListMarkets(w http.ResponseWriter, r *http.Request) {
	f, err := parseFilter(r)
	if err != nil {
		writeServiceError(w, r, h.logger, "list markets", err)
		return
	}

	markets, err := h.markets.List(r.Context(), f)
	if err != nil {
		writeServiceError(w, r, h.logger, "list markets", err)
		return
	}
	if markets == nil {
		markets = []domain.Market{}
	}

	writeJSON(w, http.StatusOK, listMarketsResponse{
		Markets: markets,
		Limit:   f.Limit,
		Offset:  f.Offset,
	})
}

type createMarketRequest struct {
	Question    string    `json:"question"`
	Description string    `json:"description"`
	Category    string    `json:"category"`
	EndingAt    time.Time `json:"ending_at"`
	Quantity    int64     `json:"quantity"`
}

// CreateMarket opens a new market owned by the caller.
// POST /api/markets
func (h *MarketHandler) CreateMarket(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}

	var req createMarketRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeServiceError(w, r, h.logger, "create market", err)
		return
	}

	m, err := h.markets.Create(r.Context(), service.CreateMarketInput{
		Question:    req.Question,
		Description: req.Description,
		Category:    req.Category,
		EndingAt:    req.EndingAt,
		Quantity:    req.Quantity,
		CreatorID:   userID,
	})
	if err != nil {
		writeServiceError(w, r, h.logger, "create market", err)
		return
	}

	writeJSON(w, http.StatusCreated, m)
}

// GetMarket returns a market with its recent price history and, for an
// identified caller, the caller's stake.
// GET /api/markets/{id}
func (h *MarketHandler) GetMarket(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	detail, err := h.markets.Get(r.Context(), id, middleware.UserID(r.Context()))
	if err != nil {
		writeServiceError(w, r, h.logger, "get market", err)
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

// DeleteMarket removes a market. Only its creator may do so.
// DELETE /api/markets/{id}
func (h *MarketHandler) DeleteMarket(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	if err := h.markets.Delete(r.Context(), userID, pathParam(r, "id")); err != nil {
		writeServiceError(w, r, h.logger, "delete market", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GetArchive returns the cold-storage record of a purged market.
// GET /api/markets/{id}/archive
func (h *MarketHandler) GetArchive(w http.ResponseWriter, r *http.Request) {
	a, err := h.markets.Archive(r.Context(), pathParam(r, "id"))
	if err != nil {
		writeServiceError(w, r, h.logger, "get archive", err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}
