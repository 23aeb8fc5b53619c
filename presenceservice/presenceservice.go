// Package presenceservice wires the presence service together: the connection
// registry, cluster coordinator, notification scheduler, socket server, and
// HTTP API, configured from a single AppConfig.
package presenceservice

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"

	"github.com/rs/zerolog"

	"github.com/tinywideclouds/go-presence-service/internal/api"
	"github.com/tinywideclouds/go-presence-service/internal/cluster"
	"github.com/tinywideclouds/go-presence-service/internal/platform/auth"
	"github.com/tinywideclouds/go-presence-service/internal/realtime"
	"github.com/tinywideclouds/go-presence-service/internal/registry"
	"github.com/tinywideclouds/go-presence-service/internal/scheduler"
	"github.com/tinywideclouds/go-presence-service/pkg/presence"
	"github.com/tinywideclouds/go-presence-service/presenceservice/config"
)

// Dependencies carries the external collaborators the service needs. The
// composition root in cmd builds the production set (Redis, Firestore,
// Pub/Sub); tests inject fakes.
type Dependencies struct {
	Store       presence.CoordinationStore
	Preferences presence.PreferencesGateway
	Push        presence.DeliveryGateway
}

// deliveryProxy breaks the construction cycle between the coordinator and the
// socket server: the coordinator needs an InAppDeliverer before the socket
// server exists, and the socket server needs the coordinator. The proxy is
// handed to the coordinator first and bound to the socket server once built.
type deliveryProxy struct {
	mu     sync.RWMutex
	target presence.InAppDeliverer
}

func (p *deliveryProxy) bind(target presence.InAppDeliverer) {
	p.mu.Lock()
	p.target = target
	p.mu.Unlock()
}

func (p *deliveryProxy) DeliverToUser(userID, event string, payload []byte) int {
	p.mu.RLock()
	target := p.target
	p.mu.RUnlock()
	if target == nil {
		return 0
	}
	return target.DeliverToUser(userID, event, payload)
}

func (p *deliveryProxy) Broadcast(event string, payload []byte) int {
	p.mu.RLock()
	target := p.target
	p.mu.RUnlock()
	if target == nil {
		return 0
	}
	return target.Broadcast(event, payload)
}

// Service owns the wired components and their lifecycle.
type Service struct {
	cfg         *config.AppConfig
	registry    *registry.Registry
	coordinator *cluster.Coordinator
	scheduler   *scheduler.Scheduler
	sockets     *realtime.Server
	apiServer   *http.Server
	logger      zerolog.Logger

	readyCh chan struct{}
	apiAddr string
}

// New wires up the entire presence service.
func New(cfg *config.AppConfig, deps *Dependencies, logger zerolog.Logger) (*Service, error) {
	if deps == nil || deps.Store == nil || deps.Preferences == nil || deps.Push == nil {
		return nil, errors.New("presenceservice: all dependencies must be provided")
	}

	reg := registry.New(logger)
	proxy := &deliveryProxy{}

	coordinator := cluster.New(cluster.Config{
		ServerURL:         cfg.Cluster.ServerURL,
		MaxConnections:    cfg.Cluster.MaxConnections,
		HeartbeatInterval: cfg.Cluster.HeartbeatInterval,
		HeartbeatTimeout:  cfg.Cluster.HeartbeatTimeout,
	}, reg, deps.Store, proxy, logger)

	sched := scheduler.New(cfg.Scheduler, deps.Store, deps.Preferences, deps.Push, coordinator, logger)

	verifier := auth.NewVerifier([]byte(cfg.JWTSecret), cfg.JWTIssuer, logger)

	sockets := realtime.NewServer(realtime.Config{Port: cfg.WebSocketPort},
		verifier.Middleware, reg, coordinator, logger)
	proxy.bind(sockets)

	apiHandler := api.NewAPI(sched, reg, coordinator, logger)
	apiServer := &http.Server{
		Addr:    ":" + cfg.APIPort,
		Handler: apiHandler.Routes(verifier.Middleware),
	}

	return &Service{
		cfg:         cfg,
		registry:    reg,
		coordinator: coordinator,
		scheduler:   sched,
		sockets:     sockets,
		apiServer:   apiServer,
		logger:      logger.With().Str("component", "presenceservice").Logger(),
		readyCh:     make(chan struct{}),
	}, nil
}

// Sockets exposes the realtime server so the application runner can own its
// listen loop alongside the API's.
func (s *Service) Sockets() *realtime.Server { return s.sockets }

// Ready is closed once the API listener is accepting connections.
func (s *Service) Ready() <-chan struct{} { return s.readyCh }

// APIAddr reports the bound API address. Valid once Ready is closed; useful
// when the configured port is 0.
func (s *Service) APIAddr() string { return s.apiAddr }

// Start launches the coordinator and scheduler, then serves the HTTP API. It
// blocks until the API server stops; http.ErrServerClosed is not an error.
func (s *Service) Start(ctx context.Context) error {
	if err := s.coordinator.Start(ctx); err != nil {
		return fmt.Errorf("failed to start cluster coordinator: %w", err)
	}
	if err := s.scheduler.Start(ctx); err != nil {
		return fmt.Errorf("failed to start scheduler: %w", err)
	}

	listener, err := net.Listen("tcp", s.apiServer.Addr)
	if err != nil {
		return fmt.Errorf("API listener failed: %w", err)
	}
	s.apiAddr = listener.Addr().String()
	s.logger.Info().Str("addr", s.apiAddr).Msg("HTTP listener is active.")
	close(s.readyCh)

	if err := s.apiServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the components in dependency order: stop accepting API
// calls, drain the sockets, stop the scheduler sweeps, then leave the
// cluster.
func (s *Service) Shutdown(ctx context.Context) error {
	s.logger.Info().Msg("Shutting down service components...")
	var finalErr error

	if err := s.apiServer.Shutdown(ctx); err != nil {
		s.logger.Error().Err(err).Msg("API server shutdown failed.")
		finalErr = err
	}
	if err := s.sockets.Shutdown(ctx); err != nil {
		s.logger.Error().Err(err).Msg("Socket server shutdown failed.")
		finalErr = err
	}
	s.scheduler.Stop()
	if err := s.coordinator.GracefulShutdown(ctx); err != nil {
		s.logger.Error().Err(err).Msg("Cluster departure failed.")
		finalErr = err
	}

	s.logger.Info().Msg("All components shut down.")
	return finalErr
}
