// Package registry tracks the socket/user/presence state of this server
// instance. It is purely in-process: cluster-wide presence is the
// coordinator's job, built on the events this package emits.
package registry

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tinywideclouds/go-presence-service/pkg/presence"
)

// session is the internal mutable form of presence.Session.
type session struct {
	socketID     string
	userID       string
	username     string
	connectedAt  time.Time
	lastActivity time.Time
}

// userEntry aggregates all live sessions of one user.
type userEntry struct {
	username       string
	sockets        map[string]struct{}
	reconnectCount int
	firstConnected time.Time
	lastSeen       *time.Time
}

// Registry is the in-process connection/presence table. All methods are safe
// for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*session
	users    map[string]*userEntry

	watchMu   sync.Mutex
	watchers  map[int]chan presence.PresenceEvent
	nextWatch int

	logger zerolog.Logger
	now    func() time.Time
}

// New creates an empty registry.
func New(logger zerolog.Logger) *Registry {
	return &Registry{
		sessions: make(map[string]*session),
		users:    make(map[string]*userEntry),
		watchers: make(map[int]chan presence.PresenceEvent),
		logger:   logger.With().Str("component", "ConnectionRegistry").Logger(),
		now:      time.Now,
	}
}

// Watch subscribes to presence transitions. The returned cancel func must be
// called to release the subscription. Events are dropped for a subscriber
// whose buffer is full; watchers must drain promptly.
func (r *Registry) Watch(buffer int) (<-chan presence.PresenceEvent, func()) {
	r.watchMu.Lock()
	defer r.watchMu.Unlock()

	id := r.nextWatch
	r.nextWatch++
	ch := make(chan presence.PresenceEvent, buffer)
	r.watchers[id] = ch

	cancel := func() {
		r.watchMu.Lock()
		defer r.watchMu.Unlock()
		if c, ok := r.watchers[id]; ok {
			delete(r.watchers, id)
			close(c)
		}
	}
	return ch, cancel
}

func (r *Registry) notify(ev presence.PresenceEvent) {
	r.watchMu.Lock()
	defer r.watchMu.Unlock()
	for _, ch := range r.watchers {
		select {
		case ch <- ev:
		default:
			r.logger.Warn().Str("user", ev.UserID).Msg("Dropping presence event for slow watcher.")
		}
	}
}

// AddConnection registers a new socket for a user. The first socket takes the
// user online and fires a single online event; every later socket only
// increments the user's reconnect count.
func (r *Registry) AddConnection(socketID, userID, username string) {
	now := r.now()

	r.mu.Lock()
	r.sessions[socketID] = &session{
		socketID:     socketID,
		userID:       userID,
		username:     username,
		connectedAt:  now,
		lastActivity: now,
	}

	user, known := r.users[userID]
	wasOnline := known && len(user.sockets) > 0
	if !known {
		user = &userEntry{
			sockets:        make(map[string]struct{}),
			firstConnected: now,
		}
		r.users[userID] = user
	}
	user.username = username
	user.sockets[socketID] = struct{}{}
	if wasOnline {
		user.reconnectCount++
	} else {
		user.lastSeen = nil
	}
	r.mu.Unlock()

	if wasOnline {
		r.logger.Debug().Str("user", userID).Str("socket", socketID).Msg("Additional socket for online user.")
		return
	}

	r.logger.Info().Str("user", userID).Str("socket", socketID).Msg("User online.")
	r.notify(presence.PresenceEvent{UserID: userID, Username: username, Status: presence.StatusOnline, At: now})
}

// RemoveConnection drops a socket. It reports false for an unknown socket.
// Removing a user's last socket takes the user offline, stamps lastSeen, and
// fires a single offline event.
func (r *Registry) RemoveConnection(socketID string) bool {
	now := r.now()

	r.mu.Lock()
	sess, ok := r.sessions[socketID]
	if !ok {
		r.mu.Unlock()
		return false
	}
	delete(r.sessions, socketID)

	user := r.users[sess.userID]
	delete(user.sockets, socketID)
	lastSocket := len(user.sockets) == 0
	if lastSocket {
		ts := now
		user.lastSeen = &ts
	}
	username := user.username
	r.mu.Unlock()

	if !lastSocket {
		r.logger.Debug().Str("user", sess.userID).Str("socket", socketID).Msg("Socket removed, user still online.")
		return true
	}

	r.logger.Info().Str("user", sess.userID).Str("socket", socketID).Msg("User offline.")
	r.notify(presence.PresenceEvent{UserID: sess.userID, Username: username, Status: presence.StatusOffline, At: now})
	return true
}

// UpdateActivity stamps a socket's last activity. Unknown sockets are a no-op.
func (r *Registry) UpdateActivity(socketID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if sess, ok := r.sessions[socketID]; ok {
		sess.lastActivity = r.now()
	}
}

// IsUserOnline reports whether the user has at least one live local socket.
func (r *Registry) IsUserOnline(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	user, ok := r.users[userID]
	return ok && len(user.sockets) > 0
}

// GetUserSockets returns the socket IDs currently held for a user.
func (r *Registry) GetUserSockets(userID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	user, ok := r.users[userID]
	if !ok {
		return nil
	}
	sockets := make([]string, 0, len(user.sockets))
	for id := range user.sockets {
		sockets = append(sockets, id)
	}
	return sockets
}

// GetUserPresence returns the derived presence record for a user, or nil for
// a user the registry has never seen.
func (r *Registry) GetUserPresence(userID string) *presence.PresenceRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	user, ok := r.users[userID]
	if !ok {
		return nil
	}
	rec := &presence.PresenceRecord{UserID: userID, Username: user.username}
	if len(user.sockets) > 0 {
		rec.Status = presence.StatusOnline
	} else {
		rec.Status = presence.StatusOffline
		rec.LastSeen = user.lastSeen
	}
	return rec
}

// GetOnlineUsers lists the user IDs with at least one live socket.
func (r *Registry) GetOnlineUsers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	online := make([]string, 0, len(r.users))
	for id, user := range r.users {
		if len(user.sockets) > 0 {
			online = append(online, id)
		}
	}
	return online
}

// Sessions snapshots every live session. Used by the coordinator for
// connection-state backup.
func (r *Registry) Sessions() []presence.Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]presence.Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, presence.Session{
			SocketID:     s.socketID,
			UserID:       s.userID,
			Username:     s.username,
			ConnectedAt:  s.connectedAt,
			LastActivity: s.lastActivity,
		})
	}
	return out
}

// DisconnectUser forcibly removes all of a user's sockets and returns their
// IDs. The offline transition fires as for a normal last-socket removal.
func (r *Registry) DisconnectUser(userID string) []string {
	r.mu.RLock()
	user, ok := r.users[userID]
	if !ok {
		r.mu.RUnlock()
		return []string{}
	}
	sockets := make([]string, 0, len(user.sockets))
	for id := range user.sockets {
		sockets = append(sockets, id)
	}
	r.mu.RUnlock()

	for _, id := range sockets {
		r.RemoveConnection(id)
	}
	return sockets
}

// GetConnectionStats summarises the local registry.
func (r *Registry) GetConnectionStats() presence.ConnectionStats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := presence.ConnectionStats{TotalConnections: len(r.sessions)}
	for _, user := range r.users {
		if len(user.sockets) == 0 {
			continue
		}
		stats.TotalUsers++
		if len(user.sockets) > 1 {
			stats.MultiSocketUsers++
		}
		stats.TotalReconnections += user.reconnectCount
	}
	if stats.TotalUsers > 0 {
		stats.AvgSocketsPerUser = float64(stats.TotalConnections) / float64(stats.TotalUsers)
	}
	return stats
}

// GetDetailedStats returns a per-user session snapshot for every known user,
// online or not.
func (r *Registry) GetDetailedStats() []presence.UserSessionSnapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]presence.UserSessionSnapshot, 0, len(r.users))
	for id, user := range r.users {
		snap := presence.UserSessionSnapshot{
			UserID:         id,
			Username:       user.username,
			SocketCount:    len(user.sockets),
			ReconnectCount: user.reconnectCount,
			FirstConnected: user.firstConnected,
			Online:         len(user.sockets) > 0,
		}
		for sockID := range user.sockets {
			if sess, ok := r.sessions[sockID]; ok && sess.lastActivity.After(snap.LastActivity) {
				snap.LastActivity = sess.lastActivity
			}
		}
		out = append(out, snap)
	}
	return out
}
