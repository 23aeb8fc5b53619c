package config_test

import (
	"os"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinywideclouds/go-presence-service/presenceservice/config"
)

// newBaseConfig creates a mock "Stage 1" config, simulating what
// NewConfigFromYaml would produce.
func newBaseConfig() *config.AppConfig {
	return &config.AppConfig{
		ProjectID:     "base-project",
		RunMode:       "base-mode",
		APIPort:       "9090",
		WebSocketPort: "9091",
		PushTopicID:   "base-push-topic",
		Redis: config.YamlRedisConfig{
			Addr: "base-redis:6379",
		},
		Cluster: config.ClusterConfig{
			ServerURL:      "http://base-server:9091",
			MaxConnections: 500,
		},
		JWTSecret: "base-secret",
	}
}

func TestUpdateConfigWithEnvOverrides(t *testing.T) {
	logger := zerolog.Nop()

	t.Run("Success - All overrides applied", func(t *testing.T) {
		baseCfg := newBaseConfig()

		t.Setenv("GCP_PROJECT_ID", "env-project")
		t.Setenv("API_PORT", "8000")
		t.Setenv("WEBSOCKET_PORT", "8001")
		t.Setenv("REDIS_ADDR", "env-redis:6379")
		t.Setenv("PUSH_TOPIC_ID", "env-push-topic")
		t.Setenv("SERVER_URL", "http://env-server:8001")
		t.Setenv("JWT_SECRET", "env-secret")
		t.Setenv("JWT_ISSUER", "env-issuer")

		cfg, err := config.UpdateConfigWithEnvOverrides(baseCfg, logger)

		require.NoError(t, err)
		require.NotNil(t, cfg)
		assert.Equal(t, "env-project", cfg.ProjectID)
		assert.Equal(t, "8000", cfg.APIPort)
		assert.Equal(t, "8001", cfg.WebSocketPort)
		assert.Equal(t, "env-redis:6379", cfg.Redis.Addr)
		assert.Equal(t, "env-push-topic", cfg.PushTopicID)
		assert.Equal(t, "http://env-server:8001", cfg.Cluster.ServerURL)
		assert.Equal(t, "env-secret", cfg.JWTSecret)
		assert.Equal(t, "env-issuer", cfg.JWTIssuer)

		// Non-overridden fields remain
		assert.Equal(t, "base-mode", cfg.RunMode)
		assert.Equal(t, 500, cfg.Cluster.MaxConnections)
	})

	t.Run("Failure - Missing required GCP_PROJECT_ID", func(t *testing.T) {
		baseCfg := newBaseConfig()
		baseCfg.ProjectID = ""
		os.Unsetenv("GCP_PROJECT_ID")

		cfg, err := config.UpdateConfigWithEnvOverrides(baseCfg, logger)

		assert.Error(t, err)
		assert.Nil(t, cfg)
		assert.Contains(t, err.Error(), "GCP_PROJECT_ID is not set")
	})

	t.Run("Failure - Missing required REDIS_ADDR", func(t *testing.T) {
		baseCfg := newBaseConfig()
		baseCfg.Redis.Addr = ""
		os.Unsetenv("REDIS_ADDR")

		cfg, err := config.UpdateConfigWithEnvOverrides(baseCfg, logger)

		assert.Error(t, err)
		assert.Nil(t, cfg)
		assert.Contains(t, err.Error(), "REDIS_ADDR is not set")
	})

	t.Run("Failure - JWT_SECRET never satisfied by yaml alone", func(t *testing.T) {
		baseCfg := newBaseConfig()
		baseCfg.JWTSecret = ""
		os.Unsetenv("JWT_SECRET")

		cfg, err := config.UpdateConfigWithEnvOverrides(baseCfg, logger)

		assert.Error(t, err)
		assert.Nil(t, cfg)
		assert.Contains(t, err.Error(), "JWT_SECRET is not set")
	})
}

func TestNewConfigFromYaml(t *testing.T) {
	raw := []byte(`
project_id: "test-project"
run_mode: "local"
api_port: "8080"
websocket_port: "8081"
push_topic_id: "push-notifications"
redis:
  addr: "localhost:6379"
  db: 2
cluster:
  server_url: "http://localhost:8081"
  max_connections: 1000
  heartbeat_interval_seconds: 15
  heartbeat_timeout_seconds: 45
scheduler:
  rate_limits:
    per_minute: 10
    per_hour: 100
    per_day: 500
    high_priority_bypass: true
  batching:
    enabled: true
    window_seconds: 120
    templates:
      - "activity_digest"
  max_retries: 4
  retry_backoff_base_ms: 500
  sweep_interval_seconds: 10
auth:
  issuer: "presence-service"
`)

	yamlCfg, err := config.ParseYamlConfig(raw)
	require.NoError(t, err)

	cfg, err := config.NewConfigFromYaml(yamlCfg)
	require.NoError(t, err)

	assert.Equal(t, "test-project", cfg.ProjectID)
	assert.Equal(t, "local", cfg.RunMode)
	assert.Equal(t, "8080", cfg.APIPort)
	assert.Equal(t, "8081", cfg.WebSocketPort)
	assert.Equal(t, "push-notifications", cfg.PushTopicID)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.Equal(t, 2, cfg.Redis.DB)
	assert.Equal(t, 15*time.Second, cfg.Cluster.HeartbeatInterval)
	assert.Equal(t, 45*time.Second, cfg.Cluster.HeartbeatTimeout)
	assert.Equal(t, 10, cfg.Scheduler.RateLimits.PerMinute)
	assert.True(t, cfg.Scheduler.RateLimits.HighPriorityBypass)
	assert.True(t, cfg.Scheduler.Batching.Enabled)
	assert.Equal(t, 2*time.Minute, cfg.Scheduler.Batching.Window)
	assert.Equal(t, []string{"activity_digest"}, cfg.Scheduler.Batching.Templates)
	assert.Equal(t, 4, cfg.Scheduler.MaxRetries)
	assert.Equal(t, 500*time.Millisecond, cfg.Scheduler.RetryBackoffBase)
	assert.Equal(t, 10*time.Second, cfg.Scheduler.SweepInterval)
	assert.Equal(t, "presence-service", cfg.JWTIssuer)
}

func TestParseYamlConfig_Invalid(t *testing.T) {
	_, err := config.ParseYamlConfig([]byte("not: [valid"))
	assert.Error(t, err)
}
