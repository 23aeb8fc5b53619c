package presence

import "fmt"

// Pub/sub channel namespace shared by every instance.
const (
	ChannelServerRegister  = "cluster:server:register"
	ChannelServerHeartbeat = "cluster:server:heartbeat"
	ChannelServerShutdown  = "cluster:server:shutdown"
	ChannelEventBroadcast  = "cluster:event:broadcast"
	ChannelEventBatch      = "cluster:event:batch"
	ChannelEventUserPrefix = "cluster:event:user:"
)

// Socket event names delivered to connected clients.
const (
	EventUserOnline        = "user:online"
	EventUserOffline       = "user:offline"
	EventUserBulkPresence  = "user:bulk_presence"
	EventUserActivity      = "user:activity"
	EventNotificationNew   = "notification:new"
	EventNotificationBatch = "notification:batch"
)

// Persisted lane keys in the coordination store.
const (
	KeyDelayedLane  = "notifications:delayed"
	KeyMainLane     = "notifications:queue"
	KeyPriorityLane = "notifications:priority_queue"
	KeyBatchWindows = "notifications:batch_windows"
)

// ChannelEventUser is the per-user fanout channel.
func ChannelEventUser(userID string) string { return ChannelEventUserPrefix + userID }

// BatchKey identifies one batch accumulator, keyed by user and template.
func BatchKey(userID, templateID string) string {
	return fmt.Sprintf("batch:%s:%s", userID, templateID)
}

// RateLimitKey is the atomic counter for one user/type/window triple.
func RateLimitKey(userID, templateID, window string) string {
	return fmt.Sprintf("freq_limit:%s:%s:%s", userID, templateID, window)
}

// ServerKey holds a member's serialized ServerRecord, refreshed by heartbeat.
func ServerKey(serverID string) string { return fmt.Sprintf("cluster:server:%s", serverID) }

// PresenceKey mirrors a user's online state into the shared store so any
// instance can answer presence queries for users connected elsewhere.
func PresenceKey(userID string) string { return fmt.Sprintf("presence:%s", userID) }

// BackupKey stores a socket's reconnect context.
func BackupKey(socketID string) string { return fmt.Sprintf("cluster:connection:backup:%s", socketID) }
