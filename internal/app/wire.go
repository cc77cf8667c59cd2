package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	s3blob "github.com/alanyoungcy/votemarket/internal/blob/s3"
	"github.com/alanyoungcy/votemarket/internal/cache/redis"
	"github.com/alanyoungcy/votemarket/internal/config"
	"github.com/alanyoungcy/votemarket/internal/domain"
	"github.com/alanyoungcy/votemarket/internal/metrics"
	"github.com/alanyoungcy/votemarket/internal/notify"
	"github.com/alanyoungcy/votemarket/internal/pricing"
	"github.com/alanyoungcy/votemarket/internal/server/handler"
	"github.com/alanyoungcy/votemarket/internal/service"
	"github.com/alanyoungcy/votemarket/internal/store/memory"
	"github.com/alanyoungcy/votemarket/internal/store/postgres"
)

// Dependencies bundles the infrastructure the application modes run on. It
// is constructed by Wire and torn down by the returned cleanup function.
// Optional collaborators are nil when their backend is not configured.
type Dependencies struct {
	Store domain.UnitOfWork

	MarketCache domain.MarketCache // optional
	RateLimiter domain.RateLimiter // optional
	LockManager domain.LockManager // optional
	SignalBus   domain.SignalBus

	Archiver domain.Archiver // optional

	Sink     domain.EventSink
	Registry *prometheus.Registry
	Metrics  *metrics.Metrics
	Health   map[string]handler.HealthCheck
}

// Services are the engine services built on top of Dependencies.
type Services struct {
	Settlement *service.SettlementService
	Markets    *service.MarketService
	Votes      *service.VoteService
	Sweeper    *service.Sweeper
}

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them together with a cleanup function that should
// be called on shutdown to release resources.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	deps := &Dependencies{
		Registry: reg,
		Metrics:  metrics.New(reg),
		Health:   map[string]handler.HealthCheck{},
	}

	// --- Ledger store ---
	switch strings.ToLower(cfg.Store) {
	case "memory":
		logger.WarnContext(ctx, "using in-memory store; state is lost on exit")
		deps.Store = memory.New()
	default:
		pgClient, err := postgres.New(ctx, postgres.ClientConfig{
			DSN:            cfg.Postgres.DSN,
			Host:           cfg.Postgres.Host,
			Port:           cfg.Postgres.Port,
			Database:       cfg.Postgres.Database,
			User:           cfg.Postgres.User,
			Password:       cfg.Postgres.Password,
			SSLMode:        cfg.Postgres.SSLMode,
			MaxConns:       cfg.Postgres.PoolMaxConns,
			MinConns:       cfg.Postgres.PoolMinConns,
			ConnectTimeout: cfg.Postgres.ConnectTimeout.Duration,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: postgres: %w", err)
		}
		closers = append(closers, pgClient.Close)

		if cfg.Postgres.RunMigrations {
			if err := pgClient.RunMigrations(ctx); err != nil {
				cleanup()
				return nil, nil, fmt.Errorf("wire: postgres migrations: %w", err)
			}
		}
		deps.Store = pgClient
		deps.Health["postgres"] = pgClient.Ping
	}

	// --- Redis (cache, locks, rate limiting, event bus) ---
	if cfg.Redis.Enabled {
		redisClient, err := redis.New(ctx, redis.ClientConfig{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			MaxRetries: cfg.Redis.MaxRetries,
			TLSEnabled: cfg.Redis.TLSEnabled,
			KeyPrefix:  cfg.Redis.KeyPrefix,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: redis: %w", err)
		}
		closers = append(closers, func() { _ = redisClient.Close() })

		if ttl := cfg.Redis.MarketCacheTTL.Duration; ttl > 0 {
			deps.MarketCache = redis.NewMarketCache(redisClient, ttl)
		}
		deps.RateLimiter = redis.NewRateLimiter(redisClient)
		deps.LockManager = redis.NewLockManager(redisClient)
		deps.SignalBus = redis.NewSignalBus(redisClient)
		deps.Health["redis"] = redisClient.Ping
	} else {
		deps.SignalBus = notify.NewLocalBus()
	}

	// --- S3 archive of purged markets ---
	if cfg.S3.Enabled {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: s3: %w", err)
		}
		deps.Archiver = s3blob.NewArchiver(
			s3blob.NewWriter(s3Client, cfg.S3.PartSizeMB<<20),
			s3blob.NewReader(s3Client),
			cfg.S3.ArchivePrefix,
		)
		deps.Health["s3"] = s3Client.Health
	}

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(
			cfg.Notify.TelegramToken,
			cfg.Notify.TelegramChatID,
			cfg.Notify.TelegramBaseURL,
		))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	sinks := notify.Fanout{notify.NewBusSink(deps.SignalBus, notify.MarketChannel, logger)}
	if len(senders) > 0 {
		sinks = append(sinks, notify.NewAlertSink(senders, cfg.Notify.Events, logger))
	}
	deps.Sink = sinks

	return deps, cleanup, nil
}

// Rules converts the market section of cfg into engine rules.
func Rules(cfg *config.Config) service.Rules {
	return service.Rules{
		Curve: pricing.Curve{
			BasePrice:  cfg.Market.BasePrice,
			Floor:      cfg.Market.PriceFloor,
			RewardRate: cfg.Market.RewardRate,
		},
		StartingBalance: cfg.Market.StartingBalance,
		Retention:       cfg.Market.Retention.Duration,
		HistoryWindow:   cfg.Market.HistoryWindow.Duration,
		GatePurge:       cfg.Market.GatePurgeOnSettlement,
	}
}

// BuildServices assembles the engine services over deps.
func BuildServices(cfg *config.Config, deps *Dependencies, clock service.Clock, logger *slog.Logger) (*Services, error) {
	rules := Rules(cfg)
	if err := rules.Validate(); err != nil {
		return nil, fmt.Errorf("wire: rules: %w", err)
	}

	settlement := service.NewSettlementService(deps.Store, clock, deps.Sink, deps.Metrics, logger)
	markets := service.NewMarketService(
		deps.Store, deps.MarketCache, deps.Archiver, settlement,
		rules, clock, deps.Sink, deps.Metrics, logger,
	)
	votes := service.NewVoteService(deps.Store, markets, rules, clock, deps.Sink, deps.Metrics, logger)
	sweeper := service.NewSweeper(
		markets, settlement, deps.LockManager,
		cfg.Sweeper.Interval.Duration, cfg.Sweeper.LockTTL.Duration,
		clock, deps.Metrics, logger,
	)

	return &Services{
		Settlement: settlement,
		Markets:    markets,
		Votes:      votes,
		Sweeper:    sweeper,
	}, nil
}
