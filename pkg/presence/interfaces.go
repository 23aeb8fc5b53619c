package presence

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by CoordinationStore reads when a key is absent.
var ErrNotFound = errors.New("presence: key not found")

// StoreMessage is one message received on a subscribed channel.
type StoreMessage struct {
	Channel string
	Payload []byte
}

// Subscription is a live pub/sub subscription. Messages is closed when the
// subscription is closed or the underlying connection is lost for good.
type Subscription interface {
	Messages() <-chan StoreMessage
	Close() error
}

// CoordinationStore is the shared key/value + pub/sub backbone the cluster
// coordinator and scheduler are both clients of. Every method that mutates
// shared cluster state is atomic on the store side; application code must not
// emulate these with read-modify-write.
type CoordinationStore interface {
	// IncrementWithTTL atomically increments a counter and, when the counter
	// is created by this call, sets its expiry to the window.
	IncrementWithTTL(ctx context.Context, key string, window time.Duration) (int64, error)

	SetWithTTL(ctx context.Context, key, value string, ttl time.Duration) error
	Get(ctx context.Context, key string) (string, error)
	// GetDelete atomically reads and deletes a key; at most one caller
	// observes a given value. Returns ErrNotFound when the key is absent.
	GetDelete(ctx context.Context, key string) (string, error)
	Delete(ctx context.Context, keys ...string) error

	SortedAdd(ctx context.Context, key string, score float64, member string) error
	SortedRangeByScore(ctx context.Context, key string, min, max float64) ([]string, error)
	SortedRemove(ctx context.Context, key string, members ...string) error
	SortedCard(ctx context.Context, key string) (int64, error)

	ListPush(ctx context.Context, key string, values ...string) error
	ListPop(ctx context.Context, key string) (string, error)
	ListLen(ctx context.Context, key string) (int64, error)

	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channels ...string) (Subscription, error)
	// PSubscribe subscribes to channel patterns ("cluster:event:user:*").
	PSubscribe(ctx context.Context, patterns ...string) (Subscription, error)

	Close() error
}

// PreferencesGateway answers per-user notification policy questions and looks
// up device tokens. It is an external collaborator; the Firestore adapter in
// internal/platform/persistence is the production implementation.
type PreferencesGateway interface {
	IsNotificationTypeEnabled(ctx context.Context, userID, templateID string) (bool, error)
	IsInQuietHours(ctx context.Context, userID string, at time.Time) (bool, error)
	// QuietHoursEnd reports when the user's current quiet-hours window closes.
	// Only meaningful when IsInQuietHours is true at the same instant.
	QuietHoursEnd(ctx context.Context, userID string, at time.Time) (time.Time, error)
	GetUserDeviceTokens(ctx context.Context, userID string) ([]DeviceToken, error)
}

// DeliveryGateway abstracts the push-notification transport. A failed attempt
// with Permanent set (invalid or unregistered token) must not be retried.
type DeliveryGateway interface {
	SendToDevice(ctx context.Context, token DeviceToken, notification *RenderedNotification) DeliveryResult
}

// InAppDeliverer pushes events to sockets held by this instance. Implemented
// by the realtime socket server; consumed by the cluster coordinator.
type InAppDeliverer interface {
	// DeliverToUser writes an event to every local socket of the user and
	// reports how many sockets received it.
	DeliverToUser(userID, event string, payload []byte) int
	// Broadcast writes an event to every local socket.
	Broadcast(event string, payload []byte) int
}
