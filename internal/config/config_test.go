package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultsAreValid(t *testing.T) {
	cfg := Defaults()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, time.Hour, cfg.Sweeper.Interval.Duration)
	assert.Equal(t, 24*time.Hour, cfg.Market.Retention.Duration)
	assert.Equal(t, 10.0, cfg.Market.StartingBalance)
	assert.True(t, cfg.Market.GatePurgeOnSettlement)
}

func TestLoadMergesFileOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
mode = "server"
store = "memory"

[market]
starting_balance = 25
retention = "48h"

[sweeper]
interval = "15m"
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "server", cfg.Mode)
	assert.Equal(t, "memory", cfg.Store)
	assert.Equal(t, 25.0, cfg.Market.StartingBalance)
	assert.Equal(t, 48*time.Hour, cfg.Market.Retention.Duration)
	assert.Equal(t, 15*time.Minute, cfg.Sweeper.Interval.Duration)
	// untouched keys keep their defaults
	assert.Equal(t, 10.0, cfg.Market.BasePrice)
	assert.Equal(t, 8000, cfg.Server.Port)
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	require.NoError(t, err)
	assert.Equal(t, Defaults().Mode, cfg.Mode)
}

func TestLoadRejectsMalformedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.toml")
	require.NoError(t, os.WriteFile(path, []byte("mode = "), 0o600))
	_, err := Load(path)
	require.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("VOTEMARKET_MODE", "sweeper")
	t.Setenv("VOTEMARKET_SWEEPER_INTERVAL", "90s")
	t.Setenv("VOTEMARKET_SERVER_CORS_ORIGINS", "https://a.example.com, ,https://b.example.com")
	t.Setenv("VOTEMARKET_MARKET_GATE_PURGE_ON_SETTLEMENT", "false")
	t.Setenv("VOTEMARKET_SERVER_PORT", "not-a-number")

	cfg := Defaults()
	applyEnvOverrides(&cfg)

	assert.Equal(t, "sweeper", cfg.Mode)
	assert.Equal(t, 90*time.Second, cfg.Sweeper.Interval.Duration)
	assert.Equal(t, []string{"https://a.example.com", "https://b.example.com"}, cfg.Server.CORSOrigins)
	assert.False(t, cfg.Market.GatePurgeOnSettlement)
	assert.Equal(t, 8000, cfg.Server.Port, "unparsable values are ignored")
}

func TestValidateCollectsEveryProblem(t *testing.T) {
	cfg := Defaults()
	cfg.Mode = "trade"
	cfg.Store = "sqlite"
	cfg.Market.PriceFloor = 1.5
	cfg.Notify.TelegramToken = "token-without-chat"

	err := cfg.Validate()
	require.Error(t, err)
	for _, want := range []string{"unknown mode", "unknown store", "price_floor", "telegram_chat_id"} {
		assert.Contains(t, err.Error(), want)
	}
}

func TestValidateMemoryStoreNeedsSingleProcess(t *testing.T) {
	cfg := Defaults()
	cfg.Store = "memory"
	cfg.Mode = "sweeper"
	require.ErrorContains(t, cfg.Validate(), "store: memory")
}

func TestRedactedConfig(t *testing.T) {
	cfg := Defaults()
	cfg.Postgres.Password = "pw"
	cfg.Server.APIKey = "key"
	cfg.Notify.Events = []string{"eventEnded"}

	out := RedactedConfig(&cfg)
	assert.Equal(t, "***", out.Postgres.Password)
	assert.Equal(t, "***", out.Server.APIKey)
	assert.Empty(t, out.Redis.Password)

	out.Notify.Events[0] = "changed"
	assert.Equal(t, "eventEnded", cfg.Notify.Events[0])
	assert.Equal(t, "pw", cfg.Postgres.Password)
}
