package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestLoadFromEnv(t *testing.T) {
	t.Run("Default configuration", func(t *testing.T) {
		cfg := LoadFromEnv()
		require.NotNil(t, cfg)
		assert.NotEmpty(t, cfg.LogLevel)
		assert.NotEmpty(t, cfg.Environment)
		assert.NoError(t, cfg.Validate())
	})

	t.Run("Environment variable override", func(t *testing.T) {
		t.Setenv("LOG_LEVEL", "debug")

		cfg := LoadFromEnv()
		assert.Equal(t, "debug", cfg.LogLevel)
	})

	t.Run("PostgreSQL configuration", func(t *testing.T) {
		t.Setenv("POSTGRES_HOST", "testhost")
		t.Setenv("POSTGRES_PORT", "54321")
		t.Setenv("POSTGRES_USER", "testuser")
		t.Setenv("POSTGRES_PASSWORD", "testpass")
		t.Setenv("POSTGRES_DB", "testdb")

		cfg := LoadFromEnv()
		assert.Equal(t, "testhost", cfg.Postgres.Host)
		assert.Equal(t, 54321, cfg.Postgres.Port)
		assert.Equal(t, "testuser", cfg.Postgres.User)
		assert.Equal(t, "testpass", cfg.Postgres.Password)
		assert.Equal(t, "testdb", cfg.Postgres.Database)
	})

	t.Run("Redis configuration", func(t *testing.T) {
		t.Setenv("REDIS_HOST", "redis-test")
		t.Setenv("REDIS_PORT", "6380")

		cfg := LoadFromEnv()
		assert.Equal(t, "redis-test:6380", cfg.Redis.Addr())
	})

	t.Run("Workflow knobs", func(t *testing.T) {
		t.Setenv("WORKFLOW_POOL_SIZE", "8")
		t.Setenv("WORKFLOW_STARTS_PER_MINUTE", "10")
		t.Setenv("EVENT_POLL_INTERVAL", "50ms")

		cfg := LoadFromEnv()
		assert.Equal(t, 8, cfg.Workflows.PoolSize)
		assert.Equal(t, 10, cfg.Workflows.StartsPerMinute)
		assert.Equal(t, 50*time.Millisecond, cfg.Events.PollInterval)
	})
}

func TestConfigValidation(t *testing.T) {
	t.Run("Valid configuration", func(t *testing.T) {
		cfg := Default()
		assert.NoError(t, cfg.Validate())
	})

	t.Run("Invalid log level", func(t *testing.T) {
		cfg := Default()
		cfg.LogLevel = "chatty"
		assert.Error(t, cfg.Validate())
	})

	t.Run("Missing postgres host", func(t *testing.T) {
		cfg := Default()
		cfg.Postgres.Host = ""
		assert.Error(t, cfg.Validate())
	})

	t.Run("Auth enabled without secret", func(t *testing.T) {
		cfg := Default()
		cfg.Auth.SkipAuth = false
		cfg.Auth.JWTSecret = ""
		assert.Error(t, cfg.Validate())
	})
}

func TestGetConnectionString(t *testing.T) {
	cfg := PostgresConfig{
		Host:     "localhost",
		Port:     5432,
		User:     "testuser",
		Password: "testpass",
		Database: "testdb",
		SSLMode:  "disable",
	}

	connStr := cfg.ConnectionString()
	require.NotEmpty(t, connStr)
	assert.Contains(t, connStr, "localhost")
	assert.Contains(t, connStr, "5432")
	assert.Contains(t, connStr, "testuser")
	assert.Contains(t, connStr, "testdb")
}

func TestLoadFeaturesAndApply(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "features.yaml")
	content := `
observability:
  metrics:
    enabled: true
    port: 9099
  logging:
    level: warn
events:
  queue_capacity: 1024
  poll_interval_ms: 10
streaming:
  ring_capacity: 128
  mirror_enabled: true
workflows:
  pool_size: 16
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	t.Setenv("CONFIG_PATH", path)

	f, err := LoadFeatures()
	require.NoError(t, err)
	assert.True(t, f.Observability.Metrics.Enabled)
	assert.Equal(t, 9099, f.Observability.Metrics.Port)

	cfg := Default()
	ApplyFeatures(cfg, f)
	assert.Equal(t, "warn", cfg.LogLevel)
	assert.Equal(t, 9099, cfg.Service.AdminPort)
	assert.Equal(t, 1024, cfg.Events.QueueCapacity)
	assert.Equal(t, 10*time.Millisecond, cfg.Events.PollInterval)
	assert.Equal(t, 128, cfg.Streaming.RingCapacity)
	assert.True(t, cfg.Streaming.MirrorEnabled)
	assert.Equal(t, 16, cfg.Workflows.PoolSize)
}

func TestMetricsPortEnvOverride(t *testing.T) {
	t.Setenv("METRICS_PORT", "9200")
	assert.Equal(t, 9200, MetricsPort(2112))
}

func TestConfigManagerLoadsAndReloads(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "features.yaml"), []byte("a: 1\n"), 0o644))

	cm, err := NewConfigManager(dir, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, cm.Start(context.Background()))
	defer func() { _ = cm.Stop() }()

	cfg, ok := cm.GetConfig("features.yaml")
	require.True(t, ok)
	assert.EqualValues(t, 1, cfg["a"])

	// Programmatic set notifies handlers
	notified := make(chan ChangeEvent, 1)
	cm.RegisterHandler("features.yaml", func(event ChangeEvent) error {
		notified <- event
		return nil
	})
	require.NoError(t, cm.SetConfig("features.yaml", map[string]interface{}{"a": 2}))

	select {
	case evt := <-notified:
		assert.Equal(t, "programmatic_set", evt.Action)
	case <-time.After(time.Second):
		t.Fatal("handler not notified")
	}
}

func TestConfigManagerValidatorRejectsBadConfig(t *testing.T) {
	dir := t.TempDir()
	cm, err := NewConfigManager(dir, zap.NewNop())
	require.NoError(t, err)

	cm.RegisterValidator("features.yaml", func(cfg map[string]interface{}) error {
		if _, ok := cfg["required_key"]; !ok {
			return assert.AnError
		}
		return nil
	})

	assert.Error(t, cm.SetConfig("features.yaml", map[string]interface{}{"other": 1}))
	assert.NoError(t, cm.SetConfig("features.yaml", map[string]interface{}{"required_key": 1}))
}
