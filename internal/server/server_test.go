package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/votemarket/internal/domain"
	"github.com/alanyoungcy/votemarket/internal/metrics"
	"github.com/alanyoungcy/votemarket/internal/server/handler"
	"github.com/alanyoungcy/votemarket/internal/server/middleware"
	"github.com/alanyoungcy/votemarket/internal/service"
	"github.com/alanyoungcy/votemarket/internal/store/memory"
)

const apiKey = "test-key"

type stepClock struct{ now time.Time }

func (c *stepClock) Now() time.Time { return c.now }

type api struct {
	t     *testing.T
	h     http.Handler
	clock *stepClock
}

func newAPI(t *testing.T) *api {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	clock := &stepClock{now: time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC)}
	store := memory.New()
	rules := service.DefaultRules()
	sink := domain.NopSink{}

	settlement := service.NewSettlementService(store, clock, sink, m, logger)
	markets := service.NewMarketService(store, nil, nil, settlement, rules, clock, sink, m, logger)
	votes := service.NewVoteService(store, markets, rules, clock, sink, m, logger)
	sweeper := service.NewSweeper(markets, settlement, nil, time.Hour, 0, clock, m, logger)

	srv := NewServer(Config{APIKey: apiKey}, Handlers{
		Health: handler.NewHealthHandler(map[string]handler.HealthCheck{
			"store": func(context.Context) error { return nil },
		}, logger),
		Markets: handler.NewMarketHandler(markets, logger),
		Votes:   handler.NewVoteHandler(votes, logger),
		Me:      handler.NewMeHandler(markets, logger),
		Admin:   handler.NewAdminHandler(sweeper, markets, logger),
		Metrics: promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
	}, Deps{Metrics: m}, logger)

	return &api{t: t, h: srv.Handler(), clock: clock}
}

func (a *api) do(method, path, user string, body any) *httptest.ResponseRecorder {
	a.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(a.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("X-API-Key", apiKey)
	if user != "" {
		req.Header.Set(middleware.UserHeader, user)
	}
	rec := httptest.NewRecorder()
	a.h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func (a *api) createMarket(user, question string) domain.Market {
	a.t.Helper()
	rec := a.do(http.MethodPost, "/api/markets", user, map[string]any{
		"question":    question,
		"description": "resolves on the official result",
		"category":    "sports",
		"ending_at":   a.clock.now.Add(time.Hour).Format(time.RFC3339),
		"quantity":    100,
	})
	require.Equal(a.t, http.StatusCreated, rec.Code, rec.Body.String())
	return decode[domain.Market](a.t, rec)
}

func TestHealthIsPublic(t *testing.T) {
	a := newAPI(t)
	rec := httptest.NewRecorder()
	a.h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", decode[map[string]any](t, rec)["status"])
}

func TestAPIKeyRequired(t *testing.T) {
	a := newAPI(t)
	rec := httptest.NewRecorder()
	a.h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/markets", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestMarketLifecycleOverHTTP(t *testing.T) {
	a := newAPI(t)
	m := a.createMarket("creator", "Will it rain?")
	assert.Equal(t, 2.0, m.YesPrice)
	assert.Equal(t, 2.0, m.NoPrice)

	rec := a.do(http.MethodPatch, "/api/markets/"+m.ID+"/vote", "alice", map[string]any{
		"side": "YES", "quantity": 2,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	rcpt := decode[service.Receipt](t, rec)
	assert.Equal(t, 4.0, rcpt.Cost)
	assert.Equal(t, 6.0, rcpt.NewBalance)
	assert.Equal(t, int64(2), rcpt.Market.YesVotes)

	rec = a.do(http.MethodPatch, "/api/markets/"+m.ID+"/vote", "alice", map[string]any{
		"side": "no", "quantity": 1,
	})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "conflict", decode[map[string]any](t, rec)["kind"])

	rec = a.do(http.MethodGet, "/api/markets/"+m.ID, "alice", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	detail := decode[service.MarketDetail](t, rec)
	require.NotNil(t, detail.MyVote)
	assert.Equal(t, domain.SideYes, detail.MyVote.Side)
	assert.Len(t, detail.PriceHistory, 2)

	rec = a.do(http.MethodGet, "/api/me/balance", "alice", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 6.0, decode[map[string]any](t, rec)["balance"])

	rec = a.do(http.MethodGet, "/api/me/stakes", "alice", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	stakes := decode[struct {
		Stakes []service.UserStake `json:"stakes"`
	}](t, rec)
	require.Len(t, stakes.Stakes, 1)
	assert.Equal(t, m.ID, stakes.Stakes[0].Market.ID)

	a.clock.now = a.clock.now.Add(2 * time.Hour)
	rec = a.do(http.MethodPost, "/api/admin/sweep", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rep := decode[service.SweepReport](t, rec)
	assert.Equal(t, 1, rep.Ended)

	rec = a.do(http.MethodPatch, "/api/markets/"+m.ID+"/vote", "bob", map[string]any{
		"side": "no", "quantity": 1,
	})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "market_closed", decode[map[string]any](t, rec)["kind"])
}

func TestVoteErrors(t *testing.T) {
	a := newAPI(t)
	m := a.createMarket("creator", "Will it snow?")
	path := "/api/markets/" + m.ID + "/vote"

	tests := []struct {
		name string
		user string
		body any
		want int
	}{
		{"anonymous", "", map[string]any{"side": "yes", "quantity": 1}, http.StatusUnauthorized},
		{"bad side", "u1", map[string]any{"side": "maybe", "quantity": 1}, http.StatusBadRequest},
		{"zero quantity", "u1", map[string]any{"side": "yes", "quantity": 0}, http.StatusBadRequest},
		{"unknown field", "u1", map[string]any{"side": "yes", "quantity": 1, "price": 9}, http.StatusBadRequest},
		{"update without vote", "u1", map[string]any{"side": "yes", "quantity": 1, "is_update": true}, http.StatusNotFound},
		{"insufficient balance", "u1", map[string]any{"side": "yes", "quantity": 6}, http.StatusPaymentRequired},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := a.do(http.MethodPatch, path, tt.user, tt.body)
			assert.Equal(t, tt.want, rec.Code, rec.Body.String())
		})
	}

	rec := a.do(http.MethodPatch, "/api/markets/missing/vote", "u1", map[string]any{"side": "yes", "quantity": 1})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCreateMarketValidation(t *testing.T) {
	a := newAPI(t)
	a.createMarket("creator", "Duplicate?")

	rec := a.do(http.MethodPost, "/api/markets", "creator", map[string]any{
		"question":    "Duplicate?",
		"description": "d",
		"category":    "c",
		"ending_at":   a.clock.now.Add(time.Hour).Format(time.RFC3339),
		"quantity":    1,
	})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = a.do(http.MethodPost, "/api/markets", "creator", map[string]any{"question": "No body"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = a.do(http.MethodPost, "/api/markets", "", map[string]any{"question": "Anonymous"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestListMarkets(t *testing.T) {
	a := newAPI(t)
	a.createMarket("creator", "First?")
	a.clock.now = a.clock.now.Add(time.Minute)
	a.createMarket("creator", "Second?")

	rec := a.do(http.MethodGet, "/api/markets?category=SPORTS&limit=10", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[struct {
		Markets []domain.Market `json:"markets"`
		Limit   int             `json:"limit"`
	}](t, rec)
	require.Len(t, list.Markets, 2)
	assert.Equal(t, "Second?", list.Markets[0].Question)
	assert.Equal(t, 10, list.Limit)

	rec = a.do(http.MethodGet, "/api/markets?limit=-1", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = a.do(http.MethodGet, "/api/markets?status=purged", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDeleteMarketCreatorOnly(t *testing.T) {
	a := newAPI(t)
	m := a.createMarket("creator", "Deletable?")

	rec := a.do(http.MethodDelete, "/api/markets/"+m.ID, "mallory", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = a.do(http.MethodDelete, "/api/markets/"+m.ID, "creator", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = a.do(http.MethodGet, "/api/markets/"+m.ID, "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestArchiveWithoutStore(t *testing.T) {
	a := newAPI(t)
	rec := a.do(http.MethodGet, "/api/markets/anything/archive", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRecalculateAndMetrics(t *testing.T) {
	a := newAPI(t)
	a.createMarket("creator", "Recalc?")

	rec := a.do(http.MethodPost, "/api/admin/recalculate", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, decode[map[string]int](t, rec), "updated")

	rec = httptest.NewRecorder()
	a.h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "votemarket_markets_created_total")
}

type failingMarkets struct{ handler.MarketService }

func (failingMarkets) List(context.Context, domain.MarketFilter) ([]domain.Market, error) {
	return nil, errors.New("connection reset")
}

func TestInternalErrorsAreHidden(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := handler.NewMarketHandler(failingMarkets{}, logger)

	rec := httptest.NewRecorder()
	h.ListMarkets(rec, httptest.NewRequest(http.MethodGet, "/api/markets", nil))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "connection reset")
}
