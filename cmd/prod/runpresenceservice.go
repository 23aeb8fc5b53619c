package main

import (
	"context"
	"fmt"

	"cloud.google.com/go/firestore"
	"cloud.google.com/go/pubsub/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/tinywideclouds/go-presence-service/cmd"
	"github.com/tinywideclouds/go-presence-service/internal/app"
	"github.com/tinywideclouds/go-presence-service/internal/platform/coordstore"
	"github.com/tinywideclouds/go-presence-service/internal/platform/persistence"
	"github.com/tinywideclouds/go-presence-service/internal/platform/push"
	"github.com/tinywideclouds/go-presence-service/presenceservice"
	"github.com/tinywideclouds/go-presence-service/presenceservice/config"
)

func main() {
	// 1. Setup structured logging
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	logger := log.With().Str("service", "go-presence-service").Logger()

	// 2. Load config.yaml (Stage 1), then env overrides and validation (Stage 2)
	cfg, err := cmd.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to load configuration")
	}
	cfg, err = config.UpdateConfigWithEnvOverrides(cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to finalize configuration")
	}

	// 3. Create dependencies
	ctx := context.Background()
	deps, err := newDependencies(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to initialize dependencies")
	}

	// 4. Wire the service
	service, err := presenceservice.New(cfg, deps, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create presence service")
	}

	// 5. Run the application
	app.Run(ctx, logger, service, service.Sockets())
}

// newDependencies builds the service dependency container.
func newDependencies(ctx context.Context, cfg *config.AppConfig, logger zerolog.Logger) (*presenceservice.Dependencies, error) {
	if cfg.RunMode == "local" {
		logger.Warn().Msg("Running in 'local' mode. All external dependencies will be faked.")
		return cmd.NewFakeDependencies(ctx, cfg, logger)
	}
	return newProdDependencies(ctx, cfg, logger)
}

// newProdDependencies creates real, production-ready dependencies.
func newProdDependencies(ctx context.Context, cfg *config.AppConfig, logger zerolog.Logger) (*presenceservice.Dependencies, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Redis.Addr, err)
	}
	store, err := coordstore.NewRedisStore(rdb, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create coordination store: %w", err)
	}

	fsClient, err := firestore.NewClient(ctx, cfg.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to firestore: %w", err)
	}
	prefs, err := persistence.NewFirestoreGateway(fsClient, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create preferences gateway: %w", err)
	}

	psClient, err := pubsub.NewClient(ctx, cfg.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to pubsub: %w", err)
	}
	gateway, err := push.NewGateway(psClient.Publisher(cfg.PushTopicID), logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create push gateway: %w", err)
	}

	return &presenceservice.Dependencies{
		Store:       store,
		Preferences: prefs,
		Push:        gateway,
	}, nil
}
