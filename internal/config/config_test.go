package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, []string{"localhost:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, "hftgate", cfg.Kafka.GroupPrefix)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.Equal(t, "hft", cfg.Redis.KeyPrefix)
	assert.Equal(t, 500, cfg.Store.BatchSize)
	assert.Equal(t, 100*time.Millisecond, cfg.Store.FlushInterval)
	assert.Equal(t, 4096, cfg.Janitor.QueueSize)
	assert.Equal(t, 5, cfg.Janitor.MaxAttempts)
}

func TestLoadConfig_EnvOverride(t *testing.T) {
	t.Setenv("HFTGATE_LOG_LEVEL", "debug")
	t.Setenv("HFTGATE_SERVER_PORT", "9090")
	t.Setenv("HFTGATE_REDIS_ADDR", "redis:6379")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "redis:6379", cfg.Redis.Addr)
}

func TestLoadConfig_FileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
log_level: warn
server:
  port: 7000
kafka:
  brokers:
    - broker1:9092
    - broker2:9092
store:
  batch_size: 50
`), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "warn", cfg.LogLevel)
	assert.Equal(t, 7000, cfg.Server.Port)
	assert.Equal(t, []string{"broker1:9092", "broker2:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, 50, cfg.Store.BatchSize)

	// Untouched sections keep their defaults.
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
}

func TestLoadConfig_MissingFileFails(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestLoadConfig_ValidationRejectsBadValues(t *testing.T) {
	t.Setenv("HFTGATE_STORE_BATCH_SIZE", "0")

	_, err := LoadConfig()
	assert.Error(t, err)
}
