package cmd

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/tinywideclouds/go-presence-service/internal/test/fakes"
	"github.com/tinywideclouds/go-presence-service/presenceservice"
	"github.com/tinywideclouds/go-presence-service/presenceservice/config"
)

// NewFakeDependencies creates in-memory fakes for local development: no
// Redis, Firestore, or Pub/Sub required. Cluster coordination degrades to a
// single-instance view.
func NewFakeDependencies(_ context.Context, _ *config.AppConfig, logger zerolog.Logger) (*presenceservice.Dependencies, error) {
	logger.Warn().Msg("Using in-memory fakes for all external dependencies.")
	return &presenceservice.Dependencies{
		Store:       fakes.NewStore(),
		Preferences: fakes.NewPreferences(),
		Push:        fakes.NewDeliveryGateway(),
	}, nil
}
