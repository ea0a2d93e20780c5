package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, 3, cfg.EventBus.MaxRetriesDefault)
	assert.Equal(t, time.Second, cfg.EventBus.PollInterval())
	assert.Equal(t, 1000, cfg.EventBus.RecoveryBatchSize)
	assert.Equal(t, "auto", cfg.EventBus.WatchMode)
	assert.Equal(t, "postgres", cfg.EventBus.Backend)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 168*time.Hour, cfg.Retention.CompletedTTL)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("EVENTBUS_MAX_RETRIES_DEFAULT", "7")
	t.Setenv("EVENTBUS_WATCH_MODE", "poll")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, 7, cfg.EventBus.MaxRetriesDefault)
	assert.Equal(t, "poll", cfg.EventBus.WatchMode)
}

func TestInvalidWatchModeRejected(t *testing.T) {
	t.Setenv("EVENTBUS_WATCH_MODE", "sometimes")

	_, err := LoadConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid configuration")
}

func TestDatabaseDSN(t *testing.T) {
	cfg := DatabaseConfig{
		Host: "db", Port: 5432, User: "svc", Password: "s3cret",
		Name: "backoffice", SSLMode: "require",
	}
	assert.Equal(t,
		"host=db port=5432 user=svc password=s3cret dbname=backoffice sslmode=require",
		cfg.DSN())
}
