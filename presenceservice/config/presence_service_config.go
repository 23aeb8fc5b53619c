package config

import (
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/tinywideclouds/go-presence-service/internal/scheduler"
)

// ClusterConfig carries the coordinator tunables with native duration types.
type ClusterConfig struct {
	ServerURL         string
	MaxConnections    int
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
}

// AppConfig is the canonical, validated configuration object used throughout
// the application. It is created by NewConfigFromYaml (Stage 1) and finalized
// by UpdateConfigWithEnvOverrides (Stage 2).
type AppConfig struct {
	ProjectID     string
	RunMode       string
	APIPort       string
	WebSocketPort string
	PushTopicID   string
	Redis         YamlRedisConfig
	Cluster       ClusterConfig
	Scheduler     scheduler.Config
	JWTIssuer     string
	// JWTSecret is never read from yaml; it comes from the JWT_SECRET env var.
	JWTSecret string
}

// UpdateConfigWithEnvOverrides takes the base configuration (created from
// YAML) and completes it by applying environment variables and final
// validation. This function completes "Stage 2" of configuration loading.
func UpdateConfigWithEnvOverrides(cfg *AppConfig, logger zerolog.Logger) (*AppConfig, error) {
	logger.Debug().Msg("Applying environment variable overrides...")

	override := func(env string, target *string) {
		if v := os.Getenv(env); v != "" {
			logger.Debug().Str("key", env).Str("source", "env").Msg("Overriding config value")
			*target = v
		}
	}

	override("GCP_PROJECT_ID", &cfg.ProjectID)
	override("API_PORT", &cfg.APIPort)
	override("WEBSOCKET_PORT", &cfg.WebSocketPort)
	override("REDIS_ADDR", &cfg.Redis.Addr)
	override("REDIS_PASSWORD", &cfg.Redis.Password)
	override("PUSH_TOPIC_ID", &cfg.PushTopicID)
	override("SERVER_URL", &cfg.Cluster.ServerURL)
	override("JWT_ISSUER", &cfg.JWTIssuer)
	override("JWT_SECRET", &cfg.JWTSecret)

	if cfg.ProjectID == "" {
		logger.Error().Str("error", "GCP_PROJECT_ID is not set").Msg("Final config validation failed")
		return nil, fmt.Errorf("GCP_PROJECT_ID is not set in config or env var")
	}
	if cfg.APIPort == "" {
		logger.Error().Str("error", "API_PORT is not set").Msg("Final config validation failed")
		return nil, fmt.Errorf("API_PORT is not set in config or env var")
	}
	if cfg.WebSocketPort == "" {
		logger.Error().Str("error", "WEBSOCKET_PORT is not set").Msg("Final config validation failed")
		return nil, fmt.Errorf("WEBSOCKET_PORT is not set in config or env var")
	}
	if cfg.Redis.Addr == "" {
		logger.Error().Str("error", "REDIS_ADDR is not set").Msg("Final config validation failed")
		return nil, fmt.Errorf("REDIS_ADDR is not set in config or env var")
	}
	if cfg.JWTSecret == "" {
		logger.Error().Str("error", "JWT_SECRET is not set").Msg("Final config validation failed")
		return nil, fmt.Errorf("JWT_SECRET is not set in env var")
	}

	logger.Debug().Msg("Configuration finalized and validated successfully")
	return cfg, nil
}
