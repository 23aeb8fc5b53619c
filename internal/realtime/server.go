// Package realtime runs the WebSocket endpoint. It upgrades authenticated
// clients, feeds connect/disconnect/activity into the connection registry, and
// implements in-app delivery for the cluster coordinator.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/tinywideclouds/go-presence-service/internal/platform/auth"
	"github.com/tinywideclouds/go-presence-service/internal/registry"
	"github.com/tinywideclouds/go-presence-service/pkg/presence"
)

// Coordinator is the slice of the cluster coordinator the socket server needs:
// drain state for admission control and connection state backup for resumes.
type Coordinator interface {
	Draining() bool
	BackupConnectionState(ctx context.Context, socketID string, backup presence.ConnectionBackup) error
	// RestoreConnectionState returns presence.ErrNotFound (and a nil
	// backup) when no backup exists for the socket.
	RestoreConnectionState(ctx context.Context, socketID string) (*presence.ConnectionBackup, error)
}

// Config tunes the socket server. Zero values take the defaults below.
type Config struct {
	Port         string        `yaml:"port"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	PingInterval time.Duration `yaml:"ping_interval"`
	PongTimeout  time.Duration `yaml:"pong_timeout"`
	SendBuffer   int           `yaml:"send_buffer"`
}

func (c *Config) applyDefaults() {
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 25 * time.Second
	}
	if c.PongTimeout <= 0 {
		c.PongTimeout = 60 * time.Second
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = 64
	}
}

// frame is the wire format in both directions: an event name plus its payload.
type frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type client struct {
	socketID string
	userID   string
	conn     *websocket.Conn
	send     chan frame
	closed   chan struct{}
	once     sync.Once
}

func (c *client) shutdown() {
	c.once.Do(func() {
		close(c.closed)
		_ = c.conn.Close()
	})
}

// Server manages all active WebSocket connections on this instance. It runs
// its own dedicated HTTP server and satisfies presence.InAppDeliverer.
type Server struct {
	cfg      Config
	server   *http.Server
	upgrader websocket.Upgrader
	registry *registry.Registry
	coord    Coordinator
	logger   zerolog.Logger

	mu      sync.RWMutex
	clients map[string]*client
	byUser  map[string]map[string]*client
}

// NewServer wires up the socket server. The auth middleware must attach an
// auth.Identity to the request context.
func NewServer(cfg Config, authMiddleware func(http.Handler) http.Handler,
	reg *registry.Registry, coord Coordinator, logger zerolog.Logger) *Server {
	cfg.applyDefaults()

	s := &Server{
		cfg: cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				// TODO: restrict origins once the client domains are fixed.
				return true
			},
		},
		registry: reg,
		coord:    coord,
		logger:   logger.With().Str("component", "realtime").Logger(),
		clients:  make(map[string]*client),
		byUser:   make(map[string]map[string]*client),
	}

	mux := http.NewServeMux()
	mux.Handle("/connect", authMiddleware(http.HandlerFunc(s.connectHandler)))
	s.server = &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: mux,
	}
	return s
}

// Handler exposes the socket routes for embedding in tests.
func (s *Server) Handler() http.Handler { return s.server.Handler }

// Start runs the HTTP server for WebSocket connections. It blocks until the
// server stops.
func (s *Server) Start(_ context.Context) error {
	s.logger.Info().Str("addr", s.server.Addr).Msg("WebSocket server starting...")
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("websocket server failed: %w", err)
	}
	return nil
}

// Shutdown stops accepting connections, sends a close frame to every client,
// and waits for the HTTP server to drain.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info().Msg("Shutting down WebSocket service...")

	s.mu.Lock()
	clients := make([]*client, 0, len(s.clients))
	for _, c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()

	deadline := time.Now().Add(s.cfg.WriteTimeout)
	for _, c := range clients {
		msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down")
		_ = c.conn.WriteControl(websocket.CloseMessage, msg, deadline)
		c.shutdown()
	}

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("websocket server shutdown: %w", err)
	}
	s.logger.Info().Msg("WebSocket service shut down.")
	return nil
}

func (s *Server) connectHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := auth.IdentityFromContext(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	if s.coord != nil && s.coord.Draining() {
		http.Error(w, "Service Unavailable", http.StatusServiceUnavailable)
		return
	}

	resumeID := r.URL.Query().Get("resume")

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to upgrade connection.")
		return
	}

	c := &client{
		socketID: uuid.NewString(),
		userID:   id.UserID,
		conn:     conn,
		send:     make(chan frame, s.cfg.SendBuffer),
		closed:   make(chan struct{}),
	}

	s.mu.Lock()
	s.clients[c.socketID] = c
	sockets, ok := s.byUser[c.userID]
	if !ok {
		sockets = make(map[string]*client)
		s.byUser[c.userID] = sockets
	}
	sockets[c.socketID] = c
	s.mu.Unlock()

	go s.writeLoop(c)
	// Snapshot first so the client sees who was online before it joined.
	s.sendInitialState(r.Context(), c, resumeID)
	s.registry.AddConnection(c.socketID, id.UserID, id.Username)
	s.logger.Info().Str("user_id", id.UserID).Str("socket_id", c.socketID).Msg("User connected via WebSocket.")

	s.readLoop(c)
	s.disconnect(c)
}

// sendInitialState pushes the presence snapshot and, on resume, the restored
// session context to a freshly connected socket.
func (s *Server) sendInitialState(ctx context.Context, c *client, resumeID string) {
	online := s.registry.GetOnlineUsers()
	records := make([]presence.PresenceRecord, 0, len(online))
	for _, userID := range online {
		if rec := s.registry.GetUserPresence(userID); rec != nil {
			records = append(records, *rec)
		}
	}
	s.enqueueJSON(c, presence.EventUserBulkPresence, records)

	if resumeID == "" || s.coord == nil {
		return
	}
	backup, err := s.coord.RestoreConnectionState(ctx, resumeID)
	if err != nil {
		if !errors.Is(err, presence.ErrNotFound) {
			s.logger.Warn().Err(err).Str("socket_id", resumeID).Msg("Could not restore connection state.")
		}
		return
	}
	if backup.UserID != c.userID {
		s.logger.Warn().Str("socket_id", resumeID).Str("user_id", c.userID).
			Msg("Resume rejected: backup belongs to a different user.")
		return
	}
	s.enqueueJSON(c, "session:restore", backup)
}

func (s *Server) readLoop(c *client) {
	c.conn.SetReadLimit(64 * 1024)
	_ = c.conn.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))

		var f frame
		if err := json.Unmarshal(raw, &f); err != nil {
			s.logger.Debug().Err(err).Str("socket_id", c.socketID).Msg("Ignoring malformed client frame.")
			continue
		}
		s.handleClientFrame(c, f)
	}
}

func (s *Server) handleClientFrame(c *client, f frame) {
	switch f.Event {
	case presence.EventUserActivity:
		s.registry.UpdateActivity(c.socketID)
	default:
		s.logger.Debug().Str("event", f.Event).Str("socket_id", c.socketID).Msg("Ignoring unknown client event.")
	}
}

func (s *Server) writeLoop(c *client) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.closed:
			return
		case f := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if err := c.conn.WriteJSON(f); err != nil {
				c.shutdown()
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.shutdown()
				return
			}
		}
	}
}

func (s *Server) disconnect(c *client) {
	c.shutdown()

	s.mu.Lock()
	delete(s.clients, c.socketID)
	if sockets, ok := s.byUser[c.userID]; ok {
		delete(sockets, c.socketID)
		if len(sockets) == 0 {
			delete(s.byUser, c.userID)
		}
	}
	s.mu.Unlock()

	s.registry.RemoveConnection(c.socketID)

	if s.coord != nil {
		backup := presence.ConnectionBackup{UserID: c.userID}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.coord.BackupConnectionState(ctx, c.socketID, backup); err != nil {
			s.logger.Warn().Err(err).Str("socket_id", c.socketID).Msg("Could not back up connection state.")
		}
	}
	s.logger.Info().Str("user_id", c.userID).Str("socket_id", c.socketID).Msg("User disconnected.")
}

// enqueue hands a frame to a client's writer without blocking. A client whose
// send buffer stays full is too slow to keep; it is disconnected.
func (s *Server) enqueue(c *client, f frame) bool {
	select {
	case c.send <- f:
		return true
	case <-c.closed:
		return false
	default:
		s.logger.Warn().Str("socket_id", c.socketID).Msg("Send buffer full, dropping slow client.")
		c.shutdown()
		return false
	}
}

func (s *Server) enqueueJSON(c *client, event string, data any) {
	raw, err := json.Marshal(data)
	if err != nil {
		s.logger.Error().Err(err).Str("event", event).Msg("Could not marshal frame payload.")
		return
	}
	s.enqueue(c, frame{Event: event, Data: raw})
}

// DeliverToUser writes an event to every local socket of the user and reports
// how many sockets received it.
func (s *Server) DeliverToUser(userID, event string, payload []byte) int {
	s.mu.RLock()
	targets := make([]*client, 0, len(s.byUser[userID]))
	for _, c := range s.byUser[userID] {
		targets = append(targets, c)
	}
	s.mu.RUnlock()

	delivered := 0
	f := frame{Event: event, Data: payload}
	for _, c := range targets {
		if s.enqueue(c, f) {
			delivered++
		}
	}
	return delivered
}

// Broadcast writes an event to every local socket.
func (s *Server) Broadcast(event string, payload []byte) int {
	s.mu.RLock()
	targets := make([]*client, 0, len(s.clients))
	for _, c := range s.clients {
		targets = append(targets, c)
	}
	s.mu.RUnlock()

	delivered := 0
	f := frame{Event: event, Data: payload}
	for _, c := range targets {
		if s.enqueue(c, f) {
			delivered++
		}
	}
	return delivered
}
