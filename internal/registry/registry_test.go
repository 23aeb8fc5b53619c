package registry

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinywideclouds/go-presence-service/pkg/presence"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	return New(zerolog.Nop())
}

func drain(ch <-chan presence.PresenceEvent) []presence.PresenceEvent {
	var events []presence.PresenceEvent
	for {
		select {
		case ev := <-ch:
			events = append(events, ev)
		default:
			return events
		}
	}
}

func TestRegistry_OnlineOfflineTransitions(t *testing.T) {
	r := newTestRegistry(t)
	events, cancel := r.Watch(16)
	defer cancel()

	r.AddConnection("s1", "u1", "alice")

	rec := r.GetUserPresence("u1")
	require.NotNil(t, rec)
	assert.Equal(t, presence.StatusOnline, rec.Status)
	assert.Nil(t, rec.LastSeen)
	assert.True(t, r.IsUserOnline("u1"))

	require.True(t, r.RemoveConnection("s1"))

	rec = r.GetUserPresence("u1")
	require.NotNil(t, rec)
	assert.Equal(t, presence.StatusOffline, rec.Status)
	require.NotNil(t, rec.LastSeen, "lastSeen must be set when offline")
	assert.False(t, r.IsUserOnline("u1"))

	got := drain(events)
	require.Len(t, got, 2)
	assert.Equal(t, presence.StatusOnline, got[0].Status)
	assert.Equal(t, presence.StatusOffline, got[1].Status)
}

func TestRegistry_SecondSocketDoesNotRefireOnline(t *testing.T) {
	r := newTestRegistry(t)
	events, cancel := r.Watch(16)
	defer cancel()

	r.AddConnection("s1", "u1", "alice")
	r.AddConnection("s2", "u1", "alice")

	got := drain(events)
	require.Len(t, got, 1, "online event must fire exactly once")
	assert.Equal(t, presence.StatusOnline, got[0].Status)

	// Removing a non-last socket keeps the user online and stays silent.
	require.True(t, r.RemoveConnection("s1"))
	assert.True(t, r.IsUserOnline("u1"))
	assert.Empty(t, drain(events))

	rec := r.GetUserPresence("u1")
	assert.Equal(t, presence.StatusOnline, rec.Status)
	assert.Nil(t, rec.LastSeen)
	assert.Len(t, r.GetUserSockets("u1"), 1)
}

func TestRegistry_ReconnectCount(t *testing.T) {
	r := newTestRegistry(t)

	r.AddConnection("s1", "u1", "alice")
	stats := r.GetDetailedStats()
	require.Len(t, stats, 1)
	assert.Equal(t, 0, stats[0].ReconnectCount, "first socket is not a reconnect")

	r.AddConnection("s2", "u1", "alice")
	r.AddConnection("s3", "u1", "alice")

	stats = r.GetDetailedStats()
	require.Len(t, stats, 1)
	assert.Equal(t, 2, stats[0].ReconnectCount)
	assert.Equal(t, 3, stats[0].SocketCount)
}

func TestRegistry_OnlineMatchesSocketList(t *testing.T) {
	r := newTestRegistry(t)
	r.AddConnection("s1", "u1", "alice")
	r.AddConnection("s2", "u1", "alice")
	r.AddConnection("s3", "u2", "bob")
	r.RemoveConnection("s3")

	for _, userID := range []string{"u1", "u2", "unknown"} {
		assert.Equal(t, len(r.GetUserSockets(userID)) > 0, r.IsUserOnline(userID), "user %s", userID)
	}
}

func TestRegistry_RemoveUnknownSocket(t *testing.T) {
	r := newTestRegistry(t)
	assert.False(t, r.RemoveConnection("nope"))
}

func TestRegistry_UpdateActivity(t *testing.T) {
	r := newTestRegistry(t)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return base }

	r.AddConnection("s1", "u1", "alice")

	r.now = func() time.Time { return base.Add(time.Minute) }
	r.UpdateActivity("s1")
	r.UpdateActivity("unknown") // no-op, not an error

	stats := r.GetDetailedStats()
	require.Len(t, stats, 1)
	assert.Equal(t, base.Add(time.Minute), stats[0].LastActivity)
	assert.Equal(t, base, stats[0].FirstConnected)
}

func TestRegistry_DisconnectUser(t *testing.T) {
	r := newTestRegistry(t)
	events, cancel := r.Watch(16)
	defer cancel()

	r.AddConnection("s1", "u1", "alice")
	r.AddConnection("s2", "u1", "alice")

	removed := r.DisconnectUser("u1")
	assert.ElementsMatch(t, []string{"s1", "s2"}, removed)
	assert.False(t, r.IsUserOnline("u1"))

	got := drain(events)
	require.Len(t, got, 2) // one online, one offline
	assert.Equal(t, presence.StatusOffline, got[1].Status)

	assert.Empty(t, r.DisconnectUser("unknown"))
}

func TestRegistry_ConnectionStats(t *testing.T) {
	r := newTestRegistry(t)
	r.AddConnection("s1", "u1", "alice")
	r.AddConnection("s2", "u1", "alice")
	r.AddConnection("s3", "u2", "bob")

	stats := r.GetConnectionStats()
	assert.Equal(t, 3, stats.TotalConnections)
	assert.Equal(t, 2, stats.TotalUsers)
	assert.Equal(t, 1, stats.MultiSocketUsers)
	assert.InDelta(t, 1.5, stats.AvgSocketsPerUser, 0.001)
	assert.Equal(t, 1, stats.TotalReconnections)
}

func TestRegistry_GetOnlineUsers(t *testing.T) {
	r := newTestRegistry(t)
	r.AddConnection("s1", "u1", "alice")
	r.AddConnection("s2", "u2", "bob")
	r.RemoveConnection("s2")

	assert.ElementsMatch(t, []string{"u1"}, r.GetOnlineUsers())
}

func TestRegistry_WatchCancelStopsDelivery(t *testing.T) {
	r := newTestRegistry(t)
	events, cancel := r.Watch(1)
	cancel()

	r.AddConnection("s1", "u1", "alice")

	_, open := <-events
	assert.False(t, open, "cancelled watcher channel must be closed")
}
