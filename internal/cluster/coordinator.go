// Package cluster keeps presence and event delivery consistent across server
// instances. Each instance runs one Coordinator: it announces itself on the
// coordination backbone, mirrors local presence into the shared store, routes
// cluster events to the instances holding the relevant sockets, and watches
// the other members' heartbeats.
package cluster

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/tinywideclouds/go-presence-service/internal/registry"
	"github.com/tinywideclouds/go-presence-service/pkg/presence"
)

// Config carries the coordinator's tunables. Zero fields fall back to the
// defaults applied in New.
type Config struct {
	ServerURL         string
	MaxConnections    int
	HeartbeatInterval time.Duration
	// HeartbeatTimeout marks a member failed when its last heartbeat is older
	// than this. Defaults to twice the heartbeat interval.
	HeartbeatTimeout time.Duration
	PresenceTTL      time.Duration
	BackupTTL        time.Duration
}

func (c *Config) applyDefaults() {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = 2 * c.HeartbeatInterval
	}
	if c.PresenceTTL <= 0 {
		c.PresenceTTL = 2 * c.HeartbeatInterval
	}
	if c.BackupTTL <= 0 {
		c.BackupTTL = time.Hour
	}
	if c.MaxConnections <= 0 {
		c.MaxConnections = 10000
	}
}

// presenceEntry is the value stored under presence:<userID>.
type presenceEntry struct {
	ServerID    string    `json:"serverId"`
	Username    string    `json:"username"`
	ConnectedAt time.Time `json:"connectedAt"`
}

// Coordinator makes one instance a member of the cluster. Construct with New,
// then Start; it is not a singleton, the composition root owns it.
type Coordinator struct {
	serverID string
	cfg      Config
	registry *registry.Registry
	store    presence.CoordinationStore
	local    presence.InAppDeliverer
	logger   zerolog.Logger

	mu        sync.RWMutex
	servers   map[string]*presence.ServerRecord
	startedAt time.Time
	draining  bool

	failMu      sync.Mutex
	failureSubs map[int]func(presence.ServerFailure)
	nextFailSub int

	seenMu sync.Mutex
	seen   map[string]time.Time

	cancel  context.CancelFunc
	wg      sync.WaitGroup
	stopped chan struct{}
	now     func() time.Time
}

// New wires a coordinator for this instance. The server ID is generated; it
// identifies this process for the lifetime of the run.
func New(cfg Config, reg *registry.Registry, store presence.CoordinationStore, local presence.InAppDeliverer, logger zerolog.Logger) *Coordinator {
	cfg.applyDefaults()
	serverID := uuid.NewString()
	return &Coordinator{
		serverID:    serverID,
		cfg:         cfg,
		registry:    reg,
		store:       store,
		local:       local,
		logger:      logger.With().Str("component", "ClusterCoordinator").Str("server", serverID).Logger(),
		servers:     make(map[string]*presence.ServerRecord),
		failureSubs: make(map[int]func(presence.ServerFailure)),
		seen:        make(map[string]time.Time),
		stopped:     make(chan struct{}),
		now:         time.Now,
	}
}

// ServerID returns this instance's cluster identity.
func (c *Coordinator) ServerID() string { return c.serverID }

// OnServerFailure registers a failure subscriber. The returned cancel func
// removes it.
func (c *Coordinator) OnServerFailure(fn func(presence.ServerFailure)) func() {
	c.failMu.Lock()
	defer c.failMu.Unlock()
	id := c.nextFailSub
	c.nextFailSub++
	c.failureSubs[id] = fn
	return func() {
		c.failMu.Lock()
		defer c.failMu.Unlock()
		delete(c.failureSubs, id)
	}
}

// Start registers this server, subscribes to the cluster channels, and
// launches the heartbeat, failure-detection, and presence-mirror loops.
func (c *Coordinator) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	c.mu.Lock()
	c.startedAt = c.now()
	c.mu.Unlock()

	controlSub, err := c.store.Subscribe(ctx,
		presence.ChannelServerRegister,
		presence.ChannelServerHeartbeat,
		presence.ChannelServerShutdown,
		presence.ChannelEventBroadcast,
		presence.ChannelEventBatch,
	)
	if err != nil {
		cancel()
		return err
	}
	userSub, err := c.store.PSubscribe(ctx, presence.ChannelEventUserPrefix+"*")
	if err != nil {
		_ = controlSub.Close()
		cancel()
		return err
	}

	if err := c.registerServer(ctx); err != nil {
		// Degraded start: membership recovers on the next heartbeat.
		c.logger.Error().Err(err).Msg("Server registration failed, continuing degraded.")
	}

	presenceCh, presenceCancel := c.registry.Watch(256)

	c.wg.Add(4)
	go c.consumeLoop(ctx, controlSub)
	go c.consumeLoop(ctx, userSub)
	go c.heartbeatLoop(ctx)
	go c.presenceLoop(ctx, presenceCh)

	go func() {
		<-ctx.Done()
		presenceCancel()
		_ = controlSub.Close()
		_ = userSub.Close()
	}()

	c.logger.Info().Msg("Cluster coordinator started.")
	return nil
}

// registerServer announces this instance and writes its server record.
func (c *Coordinator) registerServer(ctx context.Context) error {
	record := c.selfRecord()
	c.mu.Lock()
	c.servers[c.serverID] = record
	c.mu.Unlock()

	payload, err := json.Marshal(record)
	if err != nil {
		return err
	}
	if err := c.store.SetWithTTL(ctx, presence.ServerKey(c.serverID), string(payload), c.cfg.HeartbeatTimeout); err != nil {
		return err
	}
	return c.store.Publish(ctx, presence.ChannelServerRegister, payload)
}

func (c *Coordinator) selfRecord() *presence.ServerRecord {
	stats := c.registry.GetConnectionStats()
	status := presence.ServerHealthy
	ratio := float64(stats.TotalConnections) / float64(c.cfg.MaxConnections)
	switch {
	case ratio >= 1:
		status = presence.ServerUnhealthy
	case ratio >= 0.9:
		status = presence.ServerDegraded
	}
	return &presence.ServerRecord{
		ServerID:       c.serverID,
		ServerURL:      c.cfg.ServerURL,
		CurrentLoad:    stats.TotalConnections,
		MaxConnections: c.cfg.MaxConnections,
		Status:         status,
		LastHeartbeat:  c.now(),
	}
}

// heartbeatLoop publishes this instance's record and refreshes the presence
// mirror for locally-connected users.
func (c *Coordinator) heartbeatLoop(ctx context.Context) {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()

	detect := time.NewTicker(c.cfg.HeartbeatTimeout / 2)
	defer detect.Stop()

	for {
		select {
		case <-ticker.C:
			c.Heartbeat(ctx)
		case <-detect.C:
			c.DetectFailedServers()
		case <-ctx.Done():
			return
		}
	}
}

// Heartbeat publishes a fresh server record and refreshes presence TTLs.
// Store errors degrade to local-only operation and are not fatal.
func (c *Coordinator) Heartbeat(ctx context.Context) {
	record := c.selfRecord()
	c.mu.Lock()
	c.servers[c.serverID] = record
	c.mu.Unlock()

	payload, _ := json.Marshal(record)
	if err := c.store.SetWithTTL(ctx, presence.ServerKey(c.serverID), string(payload), c.cfg.HeartbeatTimeout); err != nil {
		c.logger.Warn().Err(err).Msg("Heartbeat record write failed.")
	}
	if err := c.store.Publish(ctx, presence.ChannelServerHeartbeat, payload); err != nil {
		c.logger.Warn().Err(err).Msg("Heartbeat publish failed, operating degraded.")
		return
	}

	for _, userID := range c.registry.GetOnlineUsers() {
		c.mirrorPresence(ctx, userID, "")
	}
}

func (c *Coordinator) mirrorPresence(ctx context.Context, userID, username string) {
	entry := presenceEntry{ServerID: c.serverID, Username: username, ConnectedAt: c.now()}
	payload, _ := json.Marshal(entry)
	if err := c.store.SetWithTTL(ctx, presence.PresenceKey(userID), string(payload), c.cfg.PresenceTTL); err != nil {
		c.logger.Warn().Err(err).Str("user", userID).Msg("Failed to mirror presence to shared store.")
	}
}

// presenceLoop reacts to local online/offline transitions: it maintains the
// shared presence mirror and fans the transition out to the cluster.
func (c *Coordinator) presenceLoop(ctx context.Context, events <-chan presence.PresenceEvent) {
	defer c.wg.Done()
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			c.handlePresenceEvent(ctx, ev)
		case <-ctx.Done():
			return
		}
	}
}

func (c *Coordinator) handlePresenceEvent(ctx context.Context, ev presence.PresenceEvent) {
	payload := map[string]any{
		"userId":   ev.UserID,
		"username": ev.Username,
		"at":       ev.At,
	}
	switch ev.Status {
	case presence.StatusOnline:
		c.mirrorPresence(ctx, ev.UserID, ev.Username)
		c.DistributeEvent(ctx, presence.ScopeBroadcast, presence.EventUserOnline, payload, "")
	case presence.StatusOffline:
		if err := c.store.Delete(ctx, presence.PresenceKey(ev.UserID)); err != nil {
			c.logger.Warn().Err(err).Str("user", ev.UserID).Msg("Failed to clear presence mirror.")
		}
		payload["lastSeen"] = ev.At
		c.DistributeEvent(ctx, presence.ScopeBroadcast, presence.EventUserOffline, payload, "")
	}
}

// IsUserOnline answers cluster-wide presence: a local socket, or a live
// presence mirror written by any instance.
func (c *Coordinator) IsUserOnline(ctx context.Context, userID string) bool {
	if c.registry.IsUserOnline(userID) {
		return true
	}
	_, err := c.store.Get(ctx, presence.PresenceKey(userID))
	return err == nil
}

// DistributeEvent publishes an event to the channel derived from its scope.
// It never returns an error: on a store outage it logs and falls back to
// delivering to locally-held sockets, per the degraded-mode policy.
func (c *Coordinator) DistributeEvent(ctx context.Context, scope presence.EventScope, name string, payload map[string]any, targetID string) {
	event := presence.ClusterEvent{
		ID:       uuid.NewString(),
		Scope:    scope,
		Name:     name,
		TargetID: targetID,
		Payload:  payload,
		SentAt:   c.now(),
	}
	c.publishEvent(ctx, event)
}

// DistributeBatch publishes independent events as one batch envelope.
func (c *Coordinator) DistributeBatch(ctx context.Context, events []presence.ClusterEvent) {
	batch := presence.ClusterEvent{
		ID:     uuid.NewString(),
		Scope:  presence.ScopeBatch,
		Batch:  events,
		SentAt: c.now(),
	}
	c.publishEvent(ctx, batch)
}

func (c *Coordinator) publishEvent(ctx context.Context, event presence.ClusterEvent) {
	channel := ""
	switch event.Scope {
	case presence.ScopeBroadcast:
		channel = presence.ChannelEventBroadcast
	case presence.ScopeUser:
		channel = presence.ChannelEventUser(event.TargetID)
	case presence.ScopeBatch:
		channel = presence.ChannelEventBatch
	default:
		c.logger.Error().Str("scope", string(event.Scope)).Msg("Unknown event scope, dropping.")
		return
	}

	payload, err := json.Marshal(event)
	if err != nil {
		c.logger.Error().Err(err).Msg("Failed to marshal cluster event.")
		return
	}
	if err := c.store.Publish(ctx, channel, payload); err != nil {
		c.logger.Warn().Err(err).Str("channel", channel).Msg("Cluster publish failed, delivering locally only.")
		c.deliverLocal(event)
	}
}

// consumeLoop forwards matching channel messages to local sockets and keeps
// the membership map current.
func (c *Coordinator) consumeLoop(ctx context.Context, sub presence.Subscription) {
	defer c.wg.Done()
	for {
		select {
		case msg, ok := <-sub.Messages():
			if !ok {
				return
			}
			c.handleMessage(msg)
		case <-ctx.Done():
			return
		}
	}
}

func (c *Coordinator) handleMessage(msg presence.StoreMessage) {
	switch {
	case msg.Channel == presence.ChannelServerRegister, msg.Channel == presence.ChannelServerHeartbeat:
		c.absorbHeartbeat(msg.Payload)
	case msg.Channel == presence.ChannelServerShutdown:
		c.absorbShutdown(msg.Payload)
	case msg.Channel == presence.ChannelEventBroadcast,
		msg.Channel == presence.ChannelEventBatch,
		strings.HasPrefix(msg.Channel, presence.ChannelEventUserPrefix):
		var event presence.ClusterEvent
		if err := json.Unmarshal(msg.Payload, &event); err != nil {
			c.logger.Warn().Err(err).Str("channel", msg.Channel).Msg("Dropping malformed cluster event.")
			return
		}
		if c.alreadySeen(event.ID) {
			return
		}
		c.deliverLocal(event)
	}
}

// alreadySeen dedupes events by ID: after a partition heals, publishes may be
// observed more than once.
func (c *Coordinator) alreadySeen(id string) bool {
	if id == "" {
		return false
	}
	now := c.now()
	c.seenMu.Lock()
	defer c.seenMu.Unlock()
	if _, dup := c.seen[id]; dup {
		return true
	}
	c.seen[id] = now
	if len(c.seen) > 4096 {
		cutoff := now.Add(-5 * time.Minute)
		for k, t := range c.seen {
			if t.Before(cutoff) {
				delete(c.seen, k)
			}
		}
	}
	return false
}

func (c *Coordinator) deliverLocal(event presence.ClusterEvent) {
	switch event.Scope {
	case presence.ScopeBroadcast:
		payload, _ := json.Marshal(event.Payload)
		c.local.Broadcast(event.Name, payload)
	case presence.ScopeUser:
		payload, _ := json.Marshal(event.Payload)
		c.local.DeliverToUser(event.TargetID, event.Name, payload)
	case presence.ScopeBatch:
		for _, inner := range event.Batch {
			c.deliverLocal(inner)
		}
	}
}

func (c *Coordinator) absorbHeartbeat(payload []byte) {
	var record presence.ServerRecord
	if err := json.Unmarshal(payload, &record); err != nil || record.ServerID == "" {
		c.logger.Warn().Err(err).Msg("Dropping malformed server record.")
		return
	}
	// Stamp with the local clock so failure detection is skew-proof.
	record.LastHeartbeat = c.now()
	c.mu.Lock()
	c.servers[record.ServerID] = &record
	c.mu.Unlock()
}

func (c *Coordinator) absorbShutdown(payload []byte) {
	var record presence.ServerRecord
	if err := json.Unmarshal(payload, &record); err != nil || record.ServerID == "" {
		return
	}
	c.mu.Lock()
	delete(c.servers, record.ServerID)
	c.mu.Unlock()
	c.logger.Info().Str("peer", record.ServerID).Msg("Peer announced shutdown.")
}

// KnownServers snapshots the membership map.
func (c *Coordinator) KnownServers() []presence.ServerRecord {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]presence.ServerRecord, 0, len(c.servers))
	for _, r := range c.servers {
		out = append(out, *r)
	}
	return out
}

// DetectFailedServers drops every member whose heartbeat is older than the
// timeout and notifies failure subscribers, once per stale record.
func (c *Coordinator) DetectFailedServers() []presence.ServerFailure {
	cutoff := c.now().Add(-c.cfg.HeartbeatTimeout)

	c.mu.Lock()
	var failures []presence.ServerFailure
	for id, record := range c.servers {
		if id == c.serverID || !record.LastHeartbeat.Before(cutoff) {
			continue
		}
		failures = append(failures, presence.ServerFailure{
			ServerID: id,
			LastSeen: record.LastHeartbeat,
			Reason:   presence.ReasonHeartbeatTimeout,
		})
		delete(c.servers, id)
	}
	c.mu.Unlock()

	if len(failures) == 0 {
		return nil
	}

	c.failMu.Lock()
	subs := make([]func(presence.ServerFailure), 0, len(c.failureSubs))
	for _, fn := range c.failureSubs {
		subs = append(subs, fn)
	}
	c.failMu.Unlock()

	for _, failure := range failures {
		c.logger.Warn().Str("peer", failure.ServerID).Time("lastSeen", failure.LastSeen).Msg("Peer failed heartbeat check.")
		for _, fn := range subs {
			fn(failure)
		}
	}
	return failures
}

// BackupConnectionState persists a socket's reconnect context so the client
// can resume on any instance.
func (c *Coordinator) BackupConnectionState(ctx context.Context, socketID string, backup presence.ConnectionBackup) error {
	backup.SavedAt = c.now()
	payload, err := json.Marshal(backup)
	if err != nil {
		return err
	}
	return c.store.SetWithTTL(ctx, presence.BackupKey(socketID), string(payload), c.cfg.BackupTTL)
}

// RestoreConnectionState fetches a socket's reconnect context. Returns
// presence.ErrNotFound when no backup exists or it has expired.
func (c *Coordinator) RestoreConnectionState(ctx context.Context, socketID string) (*presence.ConnectionBackup, error) {
	raw, err := c.store.Get(ctx, presence.BackupKey(socketID))
	if err != nil {
		return nil, err
	}
	var backup presence.ConnectionBackup
	if err := json.Unmarshal([]byte(raw), &backup); err != nil {
		return nil, err
	}
	return &backup, nil
}

// Draining reports whether graceful shutdown has begun; the socket server
// refuses new connections while draining.
func (c *Coordinator) Draining() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.draining
}

// GracefulShutdown announces departure, stops accepting connections, waits up
// to the context deadline for local sockets to drain, then stops the loops.
func (c *Coordinator) GracefulShutdown(ctx context.Context) error {
	c.mu.Lock()
	c.draining = true
	c.mu.Unlock()
	record := c.selfRecord()

	payload, _ := json.Marshal(record)
	if err := c.store.Publish(ctx, presence.ChannelServerShutdown, payload); err != nil {
		c.logger.Warn().Err(err).Msg("Shutdown notice publish failed.")
	}
	if err := c.store.Delete(ctx, presence.ServerKey(c.serverID)); err != nil {
		c.logger.Warn().Err(err).Msg("Server record cleanup failed.")
	}

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
drain:
	for {
		if c.registry.GetConnectionStats().TotalConnections == 0 {
			break
		}
		select {
		case <-ctx.Done():
			c.logger.Warn().Msg("Drain timeout reached with connections still open.")
			break drain
		case <-ticker.C:
		}
	}

	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
	c.logger.Info().Msg("Cluster coordinator stopped.")
	return nil
}
