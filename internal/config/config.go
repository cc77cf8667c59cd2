// Package config defines the top-level configuration of the market engine
// and provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by VOTEMARKET_* environment variables.
type Config struct {
	Postgres PostgresConfig `toml:"postgres"`
	Redis    RedisConfig    `toml:"redis"`
	S3       S3Config       `toml:"s3"`
	Server   ServerConfig   `toml:"server"`
	Market   MarketConfig   `toml:"market"`
	Sweeper  SweeperConfig  `toml:"sweeper"`
	Notify   NotifyConfig   `toml:"notify"`
	Mode     string         `toml:"mode"`
	LogLevel string         `toml:"log_level"`
	// Store selects the ledger backend: "postgres" or "memory".
	Store string `toml:"store"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	DSN            string   `toml:"dsn"`
	Host           string   `toml:"host"`
	Port           int      `toml:"port"`
	Database       string   `toml:"database"`
	User           string   `toml:"user"`
	Password       string   `toml:"password"`
	SSLMode        string   `toml:"ssl_mode"`
	PoolMaxConns   int      `toml:"pool_max_conns"`
	PoolMinConns   int      `toml:"pool_min_conns"`
	ConnectTimeout Duration `toml:"connect_timeout"`
	RunMigrations  bool     `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters. Redis backs the market
// cache, the sweep lock, the vote rate limiter and the event bus; without it
// the process runs single-node with an in-process bus.
type RedisConfig struct {
	Enabled        bool     `toml:"enabled"`
	Addr           string   `toml:"addr"`
	Password       string   `toml:"password"`
	DB             int      `toml:"db"`
	PoolSize       int      `toml:"pool_size"`
	MaxRetries     int      `toml:"max_retries"`
	TLSEnabled     bool     `toml:"tls_enabled"`
	KeyPrefix      string   `toml:"key_prefix"`
	MarketCacheTTL Duration `toml:"market_cache_ttl"`
}

// S3Config holds S3-compatible object storage parameters for the purge
// archive.
type S3Config struct {
	Enabled        bool   `toml:"enabled"`
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
	ArchivePrefix  string `toml:"archive_prefix"`
	PartSizeMB     int64  `toml:"part_size_mb"`
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Port           int      `toml:"port"`
	CORSOrigins    []string `toml:"cors_origins"`
	APIKey         string   `toml:"api_key"`
	VoteRateLimit  int      `toml:"vote_rate_limit"`
	VoteRateWindow Duration `toml:"vote_rate_window"`
	ReadTimeout    Duration `toml:"read_timeout"`
	WriteTimeout   Duration `toml:"write_timeout"`
}

// MarketConfig holds the pricing curve and lifecycle parameters.
type MarketConfig struct {
	BasePrice             float64  `toml:"base_price"`
	PriceFloor            float64  `toml:"price_floor"`
	RewardRate            float64  `toml:"reward_rate"`
	StartingBalance       float64  `toml:"starting_balance"`
	Retention             Duration `toml:"retention"`
	HistoryWindow         Duration `toml:"history_window"`
	GatePurgeOnSettlement bool     `toml:"gate_purge_on_settlement"`
}

// SweeperConfig holds the lifecycle sweeper schedule.
type SweeperConfig struct {
	Enabled  bool     `toml:"enabled"`
	Interval Duration `toml:"interval"`
	LockTTL  Duration `toml:"lock_ttl"`
}

// NotifyConfig holds operator alert channel credentials. Events lists the
// event names forwarded as alerts.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	TelegramBaseURL   string   `toml:"telegram_base_url"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// Duration wraps time.Duration so the TOML decoder can parse strings like
// "5m" or "24h".
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns a Config populated with reasonable default values.
// These match the values in config.example.toml.
func Defaults() Config {
	return Config{
		Postgres: PostgresConfig{
			Host:           "localhost",
			Port:           5432,
			Database:       "votemarket",
			User:           "postgres",
			SSLMode:        "disable",
			PoolMaxConns:   10,
			PoolMinConns:   2,
			ConnectTimeout: Duration{5 * time.Second},
			RunMigrations:  true,
		},
		Redis: RedisConfig{
			Enabled:        false,
			Addr:           "localhost:6379",
			PoolSize:       20,
			MaxRetries:     3,
			KeyPrefix:      "votemarket:",
			MarketCacheTTL: Duration{30 * time.Second},
		},
		S3: S3Config{
			Enabled:        false,
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "votemarket-archive",
			ForcePathStyle: true,
			ArchivePrefix:  "archive/markets",
			PartSizeMB:     5,
		},
		Server: ServerConfig{
			Port:           8000,
			CORSOrigins:    []string{"http://localhost:3000", "http://localhost:5173"},
			VoteRateLimit:  30,
			VoteRateWindow: Duration{time.Minute},
			ReadTimeout:    Duration{15 * time.Second},
			WriteTimeout:   Duration{30 * time.Second},
		},
		Market: MarketConfig{
			BasePrice:             10,
			PriceFloor:            0.2,
			RewardRate:            10,
			StartingBalance:       10,
			Retention:             Duration{24 * time.Hour},
			HistoryWindow:         Duration{7 * 24 * time.Hour},
			GatePurgeOnSettlement: true,
		},
		Sweeper: SweeperConfig{
			Enabled:  true,
			Interval: Duration{time.Hour},
			LockTTL:  Duration{10 * time.Minute},
		},
		Notify: NotifyConfig{
			Events: []string{"eventEnded"},
		},
		Mode:     "full",
		LogLevel: "info",
		Store:    "postgres",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"server":  true,
	"sweeper": true,
	"full":    true,
}

var validStores = map[string]bool{
	"postgres": true,
	"memory":   true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: server, sweeper, full)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}
	if !validStores[strings.ToLower(c.Store)] {
		errs = append(errs, fmt.Sprintf("unknown store %q (valid: postgres, memory)", c.Store))
	}
	if strings.EqualFold(c.Store, "memory") && strings.EqualFold(c.Mode, "sweeper") {
		errs = append(errs, "store: memory cannot be shared with a separate sweeper process; use mode full")
	}

	// Postgres
	if strings.EqualFold(c.Store, "postgres") {
		if strings.TrimSpace(c.Postgres.DSN) == "" {
			if c.Postgres.Host == "" {
				errs = append(errs, "postgres: host must not be empty (or set postgres.dsn)")
			}
			if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
				errs = append(errs, fmt.Sprintf("postgres: port must be 1-65535, got %d", c.Postgres.Port))
			}
			if c.Postgres.Database == "" {
				errs = append(errs, "postgres: database must not be empty")
			}
		}
		if c.Postgres.PoolMaxConns < 1 {
			errs = append(errs, "postgres: pool_max_conns must be >= 1")
		}
		if c.Postgres.PoolMinConns < 0 {
			errs = append(errs, "postgres: pool_min_conns must be >= 0")
		}
		if c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
			errs = append(errs, "postgres: pool_min_conns must not exceed pool_max_conns")
		}
	}

	// Redis
	if c.Redis.Enabled {
		if c.Redis.Addr == "" {
			errs = append(errs, "redis: addr must not be empty")
		}
		if c.Redis.PoolSize < 1 {
			errs = append(errs, "redis: pool_size must be >= 1")
		}
		if c.Redis.MarketCacheTTL.Duration < 0 {
			errs = append(errs, "redis: market_cache_ttl must be >= 0")
		}
	}

	// S3
	if c.S3.Enabled {
		if c.S3.Endpoint == "" {
			errs = append(errs, "s3: endpoint must not be empty")
		}
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty")
		}
		if c.S3.PartSizeMB < 5 {
			errs = append(errs, "s3: part_size_mb must be >= 5")
		}
	}

	// Server
	if c.Mode != "sweeper" {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
		if c.Server.VoteRateLimit < 0 {
			errs = append(errs, "server: vote_rate_limit must be >= 0")
		}
		if c.Server.VoteRateLimit > 0 && c.Server.VoteRateWindow.Duration <= 0 {
			errs = append(errs, "server: vote_rate_window must be > 0 when vote_rate_limit is set")
		}
	}

	// Market
	if c.Market.BasePrice <= 0 {
		errs = append(errs, "market: base_price must be > 0")
	}
	if c.Market.PriceFloor <= 0 || c.Market.PriceFloor >= 1 {
		errs = append(errs, fmt.Sprintf("market: price_floor must be in (0, 1), got %v", c.Market.PriceFloor))
	}
	if c.Market.RewardRate <= 0 {
		errs = append(errs, "market: reward_rate must be > 0")
	}
	if c.Market.StartingBalance < 0 {
		errs = append(errs, "market: starting_balance must be >= 0")
	}
	if c.Market.Retention.Duration <= 0 {
		errs = append(errs, "market: retention must be > 0")
	}
	if c.Market.HistoryWindow.Duration <= 0 {
		errs = append(errs, "market: history_window must be > 0")
	}

	// Sweeper
	if c.Sweeper.Enabled {
		if c.Sweeper.Interval.Duration <= 0 {
			errs = append(errs, "sweeper: interval must be > 0")
		}
		if c.Sweeper.LockTTL.Duration < 0 {
			errs = append(errs, "sweeper: lock_ttl must be >= 0")
		}
	}

	// Notify
	if (c.Notify.TelegramToken == "") != (c.Notify.TelegramChatID == "") {
		errs = append(errs, "notify: telegram_token and telegram_chat_id must be set together")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
