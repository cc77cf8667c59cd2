package handler

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/alanyoungcy/votemarket/internal/domain"
	"github.com/alanyoungcy/votemarket/internal/server/middleware"
)

const maxBodyBytes = 1 << 16

// errorBody is the JSON shape of every error response.
type errorBody struct {
	Error string           `json:"error"`
	Kind  domain.ErrorKind `json:"kind,omitempty"`
}

// writeJSON marshals v as JSON and writes it with the given status. If
// marshaling fails, it falls back to a plain 500.
func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	w.Write(data)
}

// statusOf maps an error kind onto an HTTP status code.
func statusOf(kind domain.ErrorKind) int {
	switch kind {
	case domain.KindNotFound:
		return http.StatusNotFound
	case domain.KindValidation:
		return http.StatusBadRequest
	case domain.KindConflict:
		return http.StatusConflict
	case domain.KindInsufficientBalance:
		return http.StatusPaymentRequired
	case domain.KindUnauthorized:
		return http.StatusForbidden
	case domain.KindMarketClosed:
		return http.StatusConflict
	case domain.KindRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// writeServiceError translates a service error into a response. Internal
// errors are logged and their detail is withheld from the client.
func writeServiceError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, op string, err error) {
	kind := domain.KindOf(err)
	status := statusOf(kind)
	if status == http.StatusInternalServerError {
		logger.ErrorContext(r.Context(), "handler: "+op+" failed",
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()),
		)
		writeJSON(w, status, errorBody{Error: op + " failed", Kind: kind})
		return
	}
	writeJSON(w, status, errorBody{Error: err.Error(), Kind: kind})
}

// decodeJSON reads a bounded JSON body into v. Unknown fields are rejected.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: invalid request body: %s", domain.ErrValidation, err.Error())
	}
	return nil
}

// parseFilter extracts the market listing filter from the query string.
// Defaults: limit=50 (max 500), offset=0.
func parseFilter(r *http.Request) (domain.MarketFilter, error) {
	q := r.URL.Query()
	f := domain.MarketFilter{
		Category: strings.TrimSpace(q.Get("category")),
		Limit:    50,
	}

	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return f, domain.Invalid("limit must be a positive integer")
		}
		f.Limit = min(n, 500)
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return f, domain.Invalid("offset must be a non-negative integer")
		}
		f.Offset = n
	}
	switch s := domain.MarketStatus(strings.ToLower(q.Get("status"))); s {
	case "":
	case domain.MarketStatusActive, domain.MarketStatusEnded:
		f.Status = s
	default:
		return f, domain.Invalid("unknown status %q", s)
	}
	return f, nil
}

// requireUser returns the caller id or writes a 401 when there is none.
func requireUser(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := middleware.UserID(r.Context())
	if id == "" {
		writeJSON(w, http.StatusUnauthorized, errorBody{
			Error: "missing " + middleware.UserHeader + " header",
			Kind:  domain.KindUnauthorized,
		})
		return "", false
	}
	return id, true
}

// pathParam extracts a named path parameter (Go 1.22+ routing).
func pathParam(r *http.Request, name string) string {
	return r.PathValue(name)
}
