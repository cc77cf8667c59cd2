package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// envPrefix prefixes every environment override.
const envPrefix = "VOTEMARKET_"

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies VOTEMARKET_* environment variable overrides, and
// returns the final Config. A missing file leaves the defaults in place. The
// returned Config has NOT been validated; the caller should invoke
// Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("config: decode %s: %w", path, err)
		}
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known VOTEMARKET_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). This lets operators inject secrets at deploy time without touching
// the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "POSTGRES_DSN")
	setStr(&cfg.Postgres.DSN, "DATABASE_URL") // compatibility alias
	setStr(&cfg.Postgres.Host, "POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "POSTGRES_SSL_MODE")
	setInt(&cfg.Postgres.PoolMaxConns, "POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "POSTGRES_POOL_MIN_CONNS")
	setDuration(&cfg.Postgres.ConnectTimeout, "POSTGRES_CONNECT_TIMEOUT")
	setBool(&cfg.Postgres.RunMigrations, "POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setBool(&cfg.Redis.Enabled, "REDIS_ENABLED")
	setStr(&cfg.Redis.Addr, "REDIS_ADDR")
	setStr(&cfg.Redis.Password, "REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "REDIS_TLS_ENABLED")
	setStr(&cfg.Redis.KeyPrefix, "REDIS_KEY_PREFIX")
	setDuration(&cfg.Redis.MarketCacheTTL, "REDIS_MARKET_CACHE_TTL")

	// ── S3 ──
	setBool(&cfg.S3.Enabled, "S3_ENABLED")
	setStr(&cfg.S3.Endpoint, "S3_ENDPOINT")
	setStr(&cfg.S3.Region, "S3_REGION")
	setStr(&cfg.S3.Bucket, "S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "S3_FORCE_PATH_STYLE")
	setStr(&cfg.S3.ArchivePrefix, "S3_ARCHIVE_PREFIX")
	setInt64(&cfg.S3.PartSizeMB, "S3_PART_SIZE_MB")

	// ── Server ──
	setInt(&cfg.Server.Port, "SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "SERVER_CORS_ORIGINS")
	setStr(&cfg.Server.APIKey, "SERVER_API_KEY")
	setInt(&cfg.Server.VoteRateLimit, "SERVER_VOTE_RATE_LIMIT")
	setDuration(&cfg.Server.VoteRateWindow, "SERVER_VOTE_RATE_WINDOW")

	// ── Market ──
	setFloat64(&cfg.Market.BasePrice, "MARKET_BASE_PRICE")
	setFloat64(&cfg.Market.PriceFloor, "MARKET_PRICE_FLOOR")
	setFloat64(&cfg.Market.RewardRate, "MARKET_REWARD_RATE")
	setFloat64(&cfg.Market.StartingBalance, "MARKET_STARTING_BALANCE")
	setDuration(&cfg.Market.Retention, "MARKET_RETENTION")
	setDuration(&cfg.Market.HistoryWindow, "MARKET_HISTORY_WINDOW")
	setBool(&cfg.Market.GatePurgeOnSettlement, "MARKET_GATE_PURGE_ON_SETTLEMENT")

	// ── Sweeper ──
	setBool(&cfg.Sweeper.Enabled, "SWEEPER_ENABLED")
	setDuration(&cfg.Sweeper.Interval, "SWEEPER_INTERVAL")
	setDuration(&cfg.Sweeper.LockTTL, "SWEEPER_LOCK_TTL")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "NOTIFY_EVENTS")

	// ── Top-level ──
	setStr(&cfg.Mode, "MODE")
	setStr(&cfg.LogLevel, "LOG_LEVEL")
	setStr(&cfg.Store, "STORE")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the prefixed
// environment variable is present and non-empty.
// ---------------------------------------------------------------------------

func getenv(key string) string {
	return os.Getenv(envPrefix + key)
}

func setStr(dst *string, key string) {
	if v := getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *Duration, key string) {
	if v := getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
