package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/votemarket/internal/domain"
	"github.com/alanyoungcy/votemarket/internal/service"
)

// AccountService is what the caller-scoped endpoints need.
type AccountService interface {
	Balance(ctx context.Context, userID string) (domain.User, error)
	ListUserStakes(ctx context.Context, userID string) ([]service.UserStake, error)
}

// MeHandler serves the caller's balance and stakes.
type MeHandler struct {
	accounts AccountService
	logger   *slog.Logger
}

// NewMeHandler creates a MeHandler.
func NewMeHandler(accounts AccountService, logger *slog.Logger) *MeHandler {
	return &MeHandler{
		accounts: accounts,
		logger:   logger.With(slog.String("handler", "me")),
	}
}

// Balance returns the caller's balance, opening the account on first use.
// GET /api/me/balance
func (h *MeHandler) Balance(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	u, err := h.accounts.Balance(r.Context(), userID)
	if err != nil {
		writeServiceError(w, r, h.logger, "balance", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"user_id": u.ID,
		"balance": u.Balance,
	})
}

// Stakes lists every market the caller has a stake in.
// GET /api/me/stakes
func (h *MeHandler) Stakes(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	stakes, err := h.accounts.ListUserStakes(r.Context(), userID)
	if err != nil {
		writeServiceError(w, r, h.logger, "list stakes", err)
		return
	}
	if stakes == nil {
		stakes = []service.UserStake{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"stakes": stakes})
}
