package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tinywideclouds/go-presence-service/internal/scheduler"
)

// --- YAML-Specific Structs ---
//
// Durations are expressed as integers (seconds or milliseconds, per field
// name) because yaml.v3 does not unmarshal time.Duration.

type YamlRedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type YamlClusterConfig struct {
	ServerURL                string `yaml:"server_url"`
	MaxConnections           int    `yaml:"max_connections"`
	HeartbeatIntervalSeconds int    `yaml:"heartbeat_interval_seconds"`
	HeartbeatTimeoutSeconds  int    `yaml:"heartbeat_timeout_seconds"`
}

type YamlBatchingConfig struct {
	Enabled       bool     `yaml:"enabled"`
	WindowSeconds int      `yaml:"window_seconds"`
	Templates     []string `yaml:"templates"`
}

type YamlSchedulerConfig struct {
	RateLimits           scheduler.RateLimitConfig `yaml:"rate_limits"`
	Batching             YamlBatchingConfig        `yaml:"batching"`
	MaxRetries           int                       `yaml:"max_retries"`
	RetryBackoffBaseMs   int                       `yaml:"retry_backoff_base_ms"`
	SweepIntervalSeconds int                       `yaml:"sweep_interval_seconds"`
}

type YamlAuthConfig struct {
	Issuer string `yaml:"issuer"`
}

// YamlConfig defines the structure for unmarshaling the embedded config.yaml file.
type YamlConfig struct {
	ProjectID     string              `yaml:"project_id"`
	RunMode       string              `yaml:"run_mode"`
	APIPort       string              `yaml:"api_port"`
	WebSocketPort string              `yaml:"websocket_port"`
	PushTopicID   string              `yaml:"push_topic_id"`
	Redis         YamlRedisConfig     `yaml:"redis"`
	Cluster       YamlClusterConfig   `yaml:"cluster"`
	Scheduler     YamlSchedulerConfig `yaml:"scheduler"`
	Auth          YamlAuthConfig      `yaml:"auth"`
}

// ParseYamlConfig unmarshals raw config.yaml bytes.
func ParseYamlConfig(data []byte) (*YamlConfig, error) {
	var yamlCfg YamlConfig
	if err := yaml.Unmarshal(data, &yamlCfg); err != nil {
		return nil, fmt.Errorf("failed to parse config yaml: %w", err)
	}
	return &yamlCfg, nil
}

// --- Stage 1 Function ---

// NewConfigFromYaml converts the raw unmarshaled data (YamlConfig) into a
// clean, base AppConfig struct with native duration types. Stage 1 complete:
// the AppConfig struct now exists, but without environment overrides.
func NewConfigFromYaml(yamlCfg *YamlConfig) (*AppConfig, error) {
	appCfg := &AppConfig{
		ProjectID:     yamlCfg.ProjectID,
		RunMode:       yamlCfg.RunMode,
		APIPort:       yamlCfg.APIPort,
		WebSocketPort: yamlCfg.WebSocketPort,
		PushTopicID:   yamlCfg.PushTopicID,
		Redis:         yamlCfg.Redis,
		JWTIssuer:     yamlCfg.Auth.Issuer,
		Cluster: ClusterConfig{
			ServerURL:         yamlCfg.Cluster.ServerURL,
			MaxConnections:    yamlCfg.Cluster.MaxConnections,
			HeartbeatInterval: time.Duration(yamlCfg.Cluster.HeartbeatIntervalSeconds) * time.Second,
			HeartbeatTimeout:  time.Duration(yamlCfg.Cluster.HeartbeatTimeoutSeconds) * time.Second,
		},
		Scheduler: scheduler.Config{
			RateLimits: yamlCfg.Scheduler.RateLimits,
			Batching: scheduler.BatchConfig{
				Enabled:   yamlCfg.Scheduler.Batching.Enabled,
				Window:    time.Duration(yamlCfg.Scheduler.Batching.WindowSeconds) * time.Second,
				Templates: yamlCfg.Scheduler.Batching.Templates,
			},
			MaxRetries:       yamlCfg.Scheduler.MaxRetries,
			RetryBackoffBase: time.Duration(yamlCfg.Scheduler.RetryBackoffBaseMs) * time.Millisecond,
			SweepInterval:    time.Duration(yamlCfg.Scheduler.SweepIntervalSeconds) * time.Second,
		},
	}
	return appCfg, nil
}
