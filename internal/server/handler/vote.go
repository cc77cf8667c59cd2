package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/alanyoungcy/votemarket/internal/domain"
	"github.com/alanyoungcy/votemarket/internal/service"
)

// VoteService is what the vote handler needs from the service layer.
type VoteService interface {
	PlaceVote(ctx context.Context, req service.VoteRequest) (service.Receipt, error)
}

// VoteHandler serves the vote endpoint.
type VoteHandler struct {
	votes  VoteService
	logger *slog.Logger
}

// NewVoteHandler creates a VoteHandler.
func NewVoteHandler(votes VoteService, logger *slog.Logger) *VoteHandler {
	return &VoteHandler{
		votes:  votes,
		logger: logger.With(slog.String("handler", "vote")),
	}
}

type voteRequest struct {
	Side     string `json:"side"`
	Quantity int64  `json:"quantity"`
	IsUpdate bool   `json:"is_update"`
}

// Vote places the caller's stake, or replaces it when is_update is set.
// PATCH /api/markets/{id}/vote
func (h *VoteHandler) Vote(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}

	var req voteRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeServiceError(w, r, h.logger, "vote", err)
		return
	}

	rcpt, err := h.votes.PlaceVote(r.Context(), service.VoteRequest{
		UserID:   userID,
		MarketID: pathParam(r, "id"),
		Side:     domain.Side(strings.ToLower(strings.TrimSpace(req.Side))),
		Quantity: req.Quantity,
		IsUpdate: req.IsUpdate,
	})
	if err != nil {
		writeServiceError(w, r, h.logger, "vote", err)
		return
	}

	writeJSON(w, http.StatusOK, rcpt)
}
