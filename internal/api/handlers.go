// Package api defines the HTTP surface of the presence service: notification
// submission, presence queries, and operational stats.
package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/tinywideclouds/go-presence-service/pkg/presence"
)

// Scheduler is the notification pipeline as the API consumes it.
type Scheduler interface {
	ScheduleNotification(ctx context.Context, job presence.NotificationJob) presence.ScheduleResult
	Enqueue(ctx context.Context, job presence.NotificationJob) error
	GetQueueStats(ctx context.Context) (presence.QueueStats, error)
	GetHealthStatus(ctx context.Context) presence.HealthStatus
}

// PresenceReader is the local connection registry as the API consumes it.
type PresenceReader interface {
	GetUserPresence(userID string) *presence.PresenceRecord
	GetOnlineUsers() []string
	GetConnectionStats() presence.ConnectionStats
	GetDetailedStats() []presence.UserSessionSnapshot
}

// Cluster answers cross-instance questions.
type Cluster interface {
	IsUserOnline(ctx context.Context, userID string) bool
	GetServerMetrics() presence.ServerMetrics
	KnownServers() []presence.ServerRecord
	GetScalingMetrics() presence.ScalingReport
}

// API holds the dependencies for the stateless HTTP handlers.
type API struct {
	scheduler Scheduler
	registry  PresenceReader
	cluster   Cluster
	logger    zerolog.Logger
}

// NewAPI creates a new, stateless API handler.
func NewAPI(scheduler Scheduler, registry PresenceReader, cluster Cluster, logger zerolog.Logger) *API {
	return &API{
		scheduler: scheduler,
		registry:  registry,
		cluster:   cluster,
		logger:    logger.With().Str("component", "api").Logger(),
	}
}

// Routes mounts every endpoint. Everything except the health check sits
// behind the auth middleware.
func (a *API) Routes(authMiddleware func(http.Handler) http.Handler) *http.ServeMux {
	mux := http.NewServeMux()
	protected := func(h http.HandlerFunc) http.Handler { return authMiddleware(h) }

	mux.Handle("POST /api/notifications", protected(a.ScheduleNotificationHandler))
	mux.Handle("GET /api/presence", protected(a.OnlineUsersHandler))
	mux.Handle("GET /api/presence/{userID}", protected(a.UserPresenceHandler))
	mux.Handle("GET /api/stats/connections", protected(a.ConnectionStatsHandler))
	mux.Handle("GET /api/stats/queues", protected(a.QueueStatsHandler))
	mux.Handle("GET /api/stats/cluster", protected(a.ClusterStatsHandler))
	mux.HandleFunc("GET /healthz", a.HealthHandler)
	return mux
}

// ScheduleNotificationHandler runs a job through the scheduling pipeline.
// With ?async=true the job is queued and accepted without waiting for an
// outcome; otherwise the structured result is returned.
func (a *API) ScheduleNotificationHandler(w http.ResponseWriter, r *http.Request) {
	var job presence.NotificationJob
	if err := json.NewDecoder(r.Body).Decode(&job); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if job.UserID == "" || job.TemplateID == "" {
		writeJSONError(w, http.StatusBadRequest, "userId and templateId are required")
		return
	}

	if r.URL.Query().Get("async") == "true" {
		if err := a.scheduler.Enqueue(r.Context(), job); err != nil {
			a.logger.Error().Err(err).Str("user_id", job.UserID).Msg("Failed to enqueue notification.")
			writeJSONError(w, http.StatusInternalServerError, "failed to enqueue notification")
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]bool{"accepted": true})
		return
	}

	result := a.scheduler.ScheduleNotification(r.Context(), job)
	writeJSON(w, http.StatusOK, result)
}

// UserPresenceHandler reports one user's presence, consulting the cluster for
// users connected to other instances.
func (a *API) UserPresenceHandler(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("userID")

	record := a.registry.GetUserPresence(userID)
	if record != nil && record.Status == presence.StatusOnline {
		writeJSON(w, http.StatusOK, record)
		return
	}
	if a.cluster.IsUserOnline(r.Context(), userID) {
		writeJSON(w, http.StatusOK, presence.PresenceRecord{UserID: userID, Status: presence.StatusOnline})
		return
	}
	if record != nil {
		writeJSON(w, http.StatusOK, record)
		return
	}
	writeJSONError(w, http.StatusNotFound, "unknown user")
}

// OnlineUsersHandler lists users with live sockets on this instance.
func (a *API) OnlineUsersHandler(w http.ResponseWriter, _ *http.Request) {
	online := a.registry.GetOnlineUsers()
	writeJSON(w, http.StatusOK, map[string]any{
		"online": online,
		"count":  len(online),
	})
}

// ConnectionStatsHandler reports local connection statistics.
func (a *API) ConnectionStatsHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"stats": a.registry.GetConnectionStats(),
		"users": a.registry.GetDetailedStats(),
	})
}

// QueueStatsHandler reports notification lane depths.
func (a *API) QueueStatsHandler(w http.ResponseWriter, r *http.Request) {
	stats, err := a.scheduler.GetQueueStats(r.Context())
	if err != nil {
		a.logger.Warn().Err(err).Msg("Queue stats unavailable.")
		writeJSONError(w, http.StatusServiceUnavailable, "queue stats unavailable")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// ClusterStatsHandler reports cluster membership, this instance's load, and
// the current scaling recommendation.
func (a *API) ClusterStatsHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"self":    a.cluster.GetServerMetrics(),
		"servers": a.cluster.KnownServers(),
		"scaling": a.cluster.GetScalingMetrics(),
	})
}

// HealthHandler is the unauthenticated liveness endpoint.
func (a *API) HealthHandler(w http.ResponseWriter, r *http.Request) {
	health := a.scheduler.GetHealthStatus(r.Context())
	status := http.StatusOK
	if health.Status != "ok" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, health)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
