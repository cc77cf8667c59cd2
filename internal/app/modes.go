package app

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/votemarket/internal/notify"
	"github.com/alanyoungcy/votemarket/internal/server"
	"github.com/alanyoungcy/votemarket/internal/server/handler"
	"github.com/alanyoungcy/votemarket/internal/server/ws"
)

const shutdownTimeout = 10 * time.Second

// ServerMode serves the HTTP API and the WebSocket hub. Markets still end
// lazily on reads and votes; nothing sweeps in the background.
func (a *App) ServerMode(ctx context.Context, deps *Dependencies, svcs *Services) error {
	g, ctx := errgroup.WithContext(ctx)
	a.startHTTPServer(ctx, g, deps, svcs)
	return g.Wait()
}

// SweeperMode runs only the lifecycle sweeper.
func (a *App) SweeperMode(ctx context.Context, svcs *Services) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return svcs.Sweeper.Run(ctx)
	})
	return g.Wait()
}

// FullMode runs the HTTP API, the WebSocket hub and, when enabled, the
// sweeper in one process.
func (a *App) FullMode(ctx context.Context, deps *Dependencies, svcs *Services) error {
	g, ctx := errgroup.WithContext(ctx)

	if a.cfg.Sweeper.Enabled {
		g.Go(func() error {
			return svcs.Sweeper.Run(ctx)
		})
	} else {
		a.logger.InfoContext(ctx, "sweeper disabled")
	}

	a.startHTTPServer(ctx, g, deps, svcs)
	return g.Wait()
}

// startHTTPServer adds the WebSocket hub and the HTTP server to g. The server
// is shut down gracefully when ctx is cancelled.
func (a *App) startHTTPServer(ctx context.Context, g *errgroup.Group, deps *Dependencies, svcs *Services) {
	hub := ws.NewHub(deps.SignalBus, []string{notify.MarketChannel}, deps.Metrics, a.logger)
	g.Go(func() error {
		return hub.Run(ctx)
	})

	handlers := server.Handlers{
		Health:  handler.NewHealthHandler(deps.Health, a.logger),
		Markets: handler.NewMarketHandler(svcs.Markets, a.logger),
		Votes:   handler.NewVoteHandler(svcs.Votes, a.logger),
		Me:      handler.NewMeHandler(svcs.Markets, a.logger),
		Admin:   handler.NewAdminHandler(svcs.Sweeper, svcs.Markets, a.logger),
		Metrics: promhttp.HandlerFor(deps.Registry, promhttp.HandlerOpts{}),
	}
	srv := server.NewServer(server.Config{
		Port:           a.cfg.Server.Port,
		CORSOrigins:    a.cfg.Server.CORSOrigins,
		APIKey:         a.cfg.Server.APIKey,
		VoteRateLimit:  a.cfg.Server.VoteRateLimit,
		VoteRateWindow: a.cfg.Server.VoteRateWindow.Duration,
		ReadTimeout:    a.cfg.Server.ReadTimeout.Duration,
		WriteTimeout:   a.cfg.Server.WriteTimeout.Duration,
	}, handlers, server.Deps{
		Hub:     hub,
		Limiter: deps.RateLimiter,
		Metrics: deps.Metrics,
	}, a.logger)

	g.Go(srv.Start)

	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		a.logger.Info("HTTP server shutting down", slog.Duration("timeout", shutdownTimeout))
		return srv.Shutdown(shutCtx)
	})
}
