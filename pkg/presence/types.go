// Package presence contains the public domain models, interfaces, and shared
// key/channel layout for the presence and notification-dispatch service. It
// defines the contract for interacting with the service.
package presence

import "time"

// Status is a user's cluster-wide presence state.
type Status string

const (
	StatusOnline  Status = "online"
	StatusOffline Status = "offline"
)

// Session is the record of a single socket's connection to one user. It is
// owned exclusively by the ConnectionRegistry of the instance that accepted
// the socket.
type Session struct {
	SocketID     string    `json:"socketId"`
	UserID       string    `json:"userId"`
	Username     string    `json:"username"`
	ConnectedAt  time.Time `json:"connectedAt"`
	LastActivity time.Time `json:"lastActivity"`
}

// PresenceRecord is a user's derived presence. LastSeen is set only while the
// user is offline.
type PresenceRecord struct {
	UserID   string     `json:"userId"`
	Username string     `json:"username"`
	Status   Status     `json:"status"`
	LastSeen *time.Time `json:"lastSeen,omitempty"`
}

// PresenceEvent signals a user's transition between online and offline. It
// fires exactly once per transition, never on additional sockets for an
// already-online user.
type PresenceEvent struct {
	UserID   string    `json:"userId"`
	Username string    `json:"username"`
	Status   Status    `json:"status"`
	At       time.Time `json:"at"`
}

// UserSessionSnapshot is the per-user view returned by detailed stats.
type UserSessionSnapshot struct {
	UserID         string    `json:"userId"`
	Username       string    `json:"username"`
	SocketCount    int       `json:"socketCount"`
	ReconnectCount int       `json:"reconnectCount"`
	FirstConnected time.Time `json:"firstConnected"`
	LastActivity   time.Time `json:"lastActivity"`
	Online         bool      `json:"online"`
}

// ConnectionStats summarises the local registry.
type ConnectionStats struct {
	TotalConnections   int     `json:"totalConnections"`
	TotalUsers         int     `json:"totalUsers"`
	AvgSocketsPerUser  float64 `json:"avgSocketsPerUser"`
	MultiSocketUsers   int     `json:"multiSocketUsers"`
	TotalReconnections int     `json:"totalReconnections"`
}

// ServerStatus is the health classification of a cluster member.
type ServerStatus string

const (
	ServerHealthy   ServerStatus = "healthy"
	ServerDegraded  ServerStatus = "degraded"
	ServerUnhealthy ServerStatus = "unhealthy"
)

// ServerRecord describes one server instance in the cluster. Records are
// created on registration and refreshed by heartbeat; a record whose
// LastHeartbeat is older than the configured timeout is considered failed.
type ServerRecord struct {
	ServerID       string       `json:"serverId"`
	ServerURL      string       `json:"serverUrl"`
	CurrentLoad    int          `json:"currentLoad"`
	MaxConnections int          `json:"maxConnections"`
	Status         ServerStatus `json:"status"`
	LastHeartbeat  time.Time    `json:"lastHeartbeat"`
}

// ServerFailure is delivered to failure subscribers when a member misses its
// heartbeat window.
type ServerFailure struct {
	ServerID string    `json:"serverId"`
	LastSeen time.Time `json:"lastSeen"`
	Reason   string    `json:"reason"`
}

// ReasonHeartbeatTimeout is the only failure reason the detector produces.
const ReasonHeartbeatTimeout = "heartbeat_timeout"

// EventScope selects how a cluster event is routed.
type EventScope string

const (
	ScopeBroadcast EventScope = "broadcast"
	ScopeUser      EventScope = "user"
	ScopeBatch     EventScope = "batch"
)

// ClusterEvent is the envelope published on the coordination backbone. ID is
// an idempotency key: consumers may see an event more than once after a
// partition heals and must deduplicate on it.
type ClusterEvent struct {
	ID       string         `json:"id"`
	Scope    EventScope     `json:"scope"`
	Name     string         `json:"name"`
	TargetID string         `json:"targetId,omitempty"`
	Payload  map[string]any `json:"payload,omitempty"`
	Batch    []ClusterEvent `json:"batch,omitempty"`
	SentAt   time.Time      `json:"sentAt"`
}

// ServerMetrics reports this instance's runtime load.
type ServerMetrics struct {
	ServerID      string        `json:"serverId"`
	Connections   int           `json:"connections"`
	CPUPercent    float64       `json:"cpuPercent"`
	MemoryPercent float64       `json:"memoryPercent"`
	Uptime        time.Duration `json:"uptime"`
}

// ScalingAction is the recommendation produced by cluster-wide load analysis.
type ScalingAction string

const (
	ScaleUp   ScalingAction = "scale_up"
	ScaleDown ScalingAction = "scale_down"
	Maintain  ScalingAction = "maintain"
)

// ScalingReport aggregates cluster load and recommends a scaling action.
type ScalingReport struct {
	Servers        int           `json:"servers"`
	HealthyServers int           `json:"healthyServers"`
	TotalLoad      int           `json:"totalLoad"`
	TotalCapacity  int           `json:"totalCapacity"`
	LoadRatio      float64       `json:"loadRatio"`
	Action         ScalingAction `json:"action"`
	Confidence     float64       `json:"confidence"`
}

// MigrationPlan describes, for a failed server, how many of its reconnecting
// users each surviving server should absorb. It is informational: migration
// happens passively when clients reconnect.
type MigrationPlan struct {
	FailedServerID string         `json:"failedServerId"`
	CreatedAt      time.Time      `json:"createdAt"`
	Targets        map[string]int `json:"targets"`
}

// ConnectionBackup is the minimal reconnect context persisted per socket so a
// client resuming on another instance keeps its rooms and session data.
type ConnectionBackup struct {
	UserID      string            `json:"userId"`
	Rooms       []string          `json:"rooms,omitempty"`
	SessionData map[string]string `json:"sessionData,omitempty"`
	SavedAt     time.Time         `json:"savedAt"`
}

// Priority orders notification jobs. High-priority jobs skip batching and may
// bypass rate limits when bypass is enabled.
type Priority string

const (
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
)

// NotificationJob is a request to deliver one notification. It is created by
// a caller and mutated only by the scheduler (RetryCount increments,
// ScheduledFor moves on retry or delay).
type NotificationJob struct {
	ID                 string            `json:"id"`
	UserID             string            `json:"userId"`
	TemplateID         string            `json:"templateId"`
	Variables          map[string]string `json:"variables,omitempty"`
	Priority           Priority          `json:"priority"`
	ScheduledFor       time.Time         `json:"scheduledFor"`
	RetryCount         int               `json:"retryCount"`
	MaxRetries         int               `json:"maxRetries"`
	BatchKey           string            `json:"batchKey,omitempty"`
	OverrideQuietHours bool              `json:"overrideQuietHours,omitempty"`
}

// ScheduleResult is the structured outcome of a schedule call. Exactly one of
// the outcome flags is set on success; Error is populated only for terminal
// delivery failure.
type ScheduleResult struct {
	Success           bool       `json:"success"`
	Skipped           bool       `json:"skipped,omitempty"`
	SkipReason        string     `json:"skipReason,omitempty"`
	Delayed           bool       `json:"delayed,omitempty"`
	DelayReason       string     `json:"delayReason,omitempty"`
	DelayedUntil      *time.Time `json:"delayedUntil,omitempty"`
	Batched           bool       `json:"batched,omitempty"`
	BatchWindowEnd    *time.Time `json:"batchWindowEnd,omitempty"`
	RateLimited       bool       `json:"rateLimited,omitempty"`
	BypassedRateLimit bool       `json:"bypassedRateLimit,omitempty"`
	Delivered         bool       `json:"delivered,omitempty"`
	Channel           string     `json:"channel,omitempty"`
	Error             string     `json:"error,omitempty"`
	FinalAttempt      bool       `json:"finalAttempt,omitempty"`
}

// Schedule outcome reason strings.
const (
	SkipReasonTypeDisabled    = "notification_type_disabled"
	SkipReasonNoActiveDevices = "no_active_devices"
	DelayReasonQuietHours     = "quiet_hours"
	DelayReasonRetryBackoff   = "retry_backoff"
	DelayReasonScheduled      = "scheduled"

	ChannelInApp = "in_app"
	ChannelPush  = "push"
)

// ProcessSummary is returned by the due-notification sweep.
type ProcessSummary struct {
	Processed  int `json:"processed"`
	Successful int `json:"successful"`
	Failed     int `json:"failed"`
}

// QueueStats reports per-lane pending counts.
type QueueStats struct {
	Priority     int64 `json:"priority"`
	Main         int64 `json:"main"`
	Delayed      int64 `json:"delayed"`
	TotalPending int64 `json:"totalPending"`
}

// HealthStatus is the scheduler's liveness report.
type HealthStatus struct {
	Status     string        `json:"status"`
	Running    bool          `json:"running"`
	Uptime     time.Duration `json:"uptime"`
	Processed  int64         `json:"processed"`
	Errors     int64         `json:"errors"`
	QueueStats QueueStats    `json:"queueStats"`
}

// RenderedNotification is what the delivery gateway transports. Content
// templating happens downstream; this carries the template reference and the
// variable sets (one entry for a single job, several for a batch flush).
type RenderedNotification struct {
	ID         string              `json:"id"`
	UserID     string              `json:"userId"`
	TemplateID string              `json:"templateId"`
	Variables  []map[string]string `json:"variables"`
	Batched    bool                `json:"batched,omitempty"`
	Priority   Priority            `json:"priority"`
}

// DeviceToken identifies one push-capable device for a user.
type DeviceToken struct {
	Token    string `json:"token"`
	Platform string `json:"platform"`
	IsActive bool   `json:"isActive"`
}

// DeliveryResult is the outcome of one push attempt.
type DeliveryResult struct {
	Success   bool   `json:"success"`
	MessageID string `json:"messageId,omitempty"`
	Error     string `json:"error,omitempty"`
	Permanent bool   `json:"permanent,omitempty"`
}
