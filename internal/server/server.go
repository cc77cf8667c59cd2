package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/votemarket/internal/domain"
	"github.com/alanyoungcy/votemarket/internal/metrics"
	"github.com/alanyoungcy/votemarket/internal/server/handler"
	"github.com/alanyoungcy/votemarket/internal/server/middleware"
	"github.com/alanyoungcy/votemarket/internal/server/ws"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port           int
	CORSOrigins    []string
	APIKey         string // if empty, authentication is disabled
	VoteRateLimit  int    // votes per window per user; 0 disables
	VoteRateWindow time.Duration
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
}

// Handlers aggregates the HTTP handlers the server registers.
type Handlers struct {
	Health  *handler.HealthHandler
	Markets *handler.MarketHandler
	Votes   *handler.VoteHandler
	Me      *handler.MeHandler
	Admin   *handler.AdminHandler
	Metrics http.Handler // optional
}

// Deps are the optional collaborators of the middleware chain.
type Deps struct {
	Hub     *ws.Hub            // optional
	Limiter domain.RateLimiter // optional
	Metrics *metrics.Metrics   // optional
}

// Server is the HTTP + WebSocket API of the market engine.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer registers every route and wraps the mux in the middleware
// chain: CORS, logging, identity, then API-key auth.
func NewServer(cfg Config, handlers Handlers, deps Deps, logger *slog.Logger) *Server {
	logger = logger.With(slog.String("component", "server"))
	mux := Routes(cfg, handlers, deps, logger)

	var h http.Handler = mux
	h = middleware.Auth(cfg.APIKey, "/api/health", "/metrics")(h)
	h = middleware.Identity()(h)
	h = middleware.Logging(logger, deps.Metrics)(h)
	h = middleware.CORS(cfg.CORSOrigins)(h)

	readTimeout := cfg.ReadTimeout
	if readTimeout <= 0 {
		readTimeout = 15 * time.Second
	}
	writeTimeout := cfg.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = 30 * time.Second
	}

	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      h,
			ReadTimeout:  readTimeout,
			WriteTimeout: writeTimeout,
			IdleTimeout:  60 * time.Second,
		},
		logger: logger,
	}
}

// Routes builds the route table without the outer middleware chain.
func Routes(cfg Config, handlers Handlers, deps Deps, logger *slog.Logger) *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/health", handlers.Health.HealthCheck)

	mux.HandleFunc("GET /api/markets", handlers.Markets.ListMarkets)
	mux.HandleFunc("POST /api/markets", handlers.Markets.CreateMarket)
	mux.HandleFunc("GET /api/markets/{id}", handlers.Markets.GetMarket)
	mux.HandleFunc("DELETE /api/markets/{id}", handlers.Markets.DeleteMarket)
	mux.HandleFunc("GET /api/markets/{id}/archive", handlers.Markets.GetArchive)

	window := cfg.VoteRateWindow
	if window <= 0 {
		window = time.Minute
	}
	vote := middleware.RateLimit(deps.Limiter, "vote", cfg.VoteRateLimit, window, logger)
	mux.Handle("PATCH /api/markets/{id}/vote", vote(http.HandlerFunc(handlers.Votes.Vote)))

	mux.HandleFunc("GET /api/me/balance", handlers.Me.Balance)
	mux.HandleFunc("GET /api/me/stakes", handlers.Me.Stakes)

	mux.HandleFunc("POST /api/admin/sweep", handlers.Admin.Sweep)
	mux.HandleFunc("POST /api/admin/recalculate", handlers.Admin.Recalculate)

	if handlers.Metrics != nil {
		mux.Handle("GET /metrics", handlers.Metrics)
	}
	if deps.Hub != nil {
		mux.HandleFunc("GET /ws", deps.Hub.HandleWS)
	}
	return mux
}

// Handler returns the fully wrapped root handler.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start listens until the server fails or is shut down.
func (s *Server) Start() error {
	s.logger.Info("starting", slog.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Shutdown waits for in-flight requests until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}
