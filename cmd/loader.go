package cmd

import (
	_ "embed" // Required for go:embed
	"fmt"

	"github.com/tinywideclouds/go-presence-service/presenceservice/config"
)

//go:embed prod/config.yaml
var configFile []byte

// Load parses the embedded configuration file for the service (Stage 1).
// Environment overrides and validation happen in Stage 2, at startup.
func Load() (*config.AppConfig, error) {
	yamlCfg, err := config.ParseYamlConfig(configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal embedded yaml config: %w", err)
	}
	return config.NewConfigFromYaml(yamlCfg)
}
