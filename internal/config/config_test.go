package config

import (
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := LoadConfig(t.TempDir(), nil)
	require.NoError(t, err)

	assert.Equal(t, 60*time.Second, cfg.Session.StaleAfter)
	assert.Equal(t, 10*time.Second, cfg.Session.InitWaitTimeout)
	assert.Equal(t, 60*time.Second, cfg.Session.PairingTimeout)
	assert.Equal(t, 60*time.Second, cfg.Sync.ReadinessTimeout)
	assert.Equal(t, 2*time.Minute, cfg.Sync.StaleSyncAfter)
	assert.Equal(t, 3, cfg.Sync.BatchRetryAttempts)
	assert.Equal(t, 50, cfg.Sync.HistoryBatchSize)
	assert.Equal(t, "@c.us", cfg.Outbound.ChatSuffix)
	assert.Equal(t, []string{"nats"}, cfg.Events.Sinks)
	assert.Equal(t, 16, cfg.WorkerPools.Ingest.PoolSize)
}

func TestLoadConfig_EnvOverrides(t *testing.T) {
	t.Setenv("POSTGRES_DSN", "postgres://u:p@db:5432/wa")
	t.Setenv("REDIS_ADDR", "redis:6379")
	t.Setenv("SESSION_STALEAFTER", "90s")
	t.Setenv("SYNC_HISTORYBATCHSIZE", "25")

	cfg, err := LoadConfig(t.TempDir(), nil)
	require.NoError(t, err)

	assert.Equal(t, "postgres://u:p@db:5432/wa", cfg.Database.PostgresDSN)
	assert.Equal(t, "redis:6379", cfg.Redis.Addr)
	assert.Equal(t, 90*time.Second, cfg.Session.StaleAfter)
	assert.Equal(t, 25, cfg.Sync.HistoryBatchSize)
}

func TestLoadConfig_LogLevelFlag(t *testing.T) {
	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.String("log-level", "info", "")
	require.NoError(t, flags.Parse([]string{"--log-level=debug"}))

	cfg, err := LoadConfig(t.TempDir(), flags)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.LogLevel)
}
