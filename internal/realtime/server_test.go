package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinywideclouds/go-presence-service/internal/cluster"
	"github.com/tinywideclouds/go-presence-service/internal/platform/auth"
	"github.com/tinywideclouds/go-presence-service/internal/registry"
	"github.com/tinywideclouds/go-presence-service/pkg/presence"
)

// The production coordinator must keep satisfying the server's view of it.
var _ Coordinator = (*cluster.Coordinator)(nil)

type fakeCoord struct {
	mu       sync.Mutex
	draining bool
	backups  map[string]presence.ConnectionBackup
}

func newFakeCoord() *fakeCoord {
	return &fakeCoord{backups: make(map[string]presence.ConnectionBackup)}
}

func (f *fakeCoord) Draining() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.draining
}

func (f *fakeCoord) SetDraining(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.draining = v
}

func (f *fakeCoord) BackupConnectionState(_ context.Context, socketID string, backup presence.ConnectionBackup) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	backup.SavedAt = time.Now()
	f.backups[socketID] = backup
	return nil
}

func (f *fakeCoord) RestoreConnectionState(_ context.Context, socketID string) (*presence.ConnectionBackup, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	backup, ok := f.backups[socketID]
	if !ok {
		return nil, presence.ErrNotFound
	}
	return &backup, nil
}

func (f *fakeCoord) BackupCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.backups)
}

// queryIdentity authenticates from query parameters so one test server can
// host several distinct users.
func queryIdentity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID := r.URL.Query().Get("user")
		if userID == "" {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		id := auth.Identity{UserID: userID, Username: r.URL.Query().Get("name")}
		next.ServeHTTP(w, r.WithContext(auth.WithIdentity(r.Context(), id)))
	})
}

type realtimeFixture struct {
	srv   *Server
	reg   *registry.Registry
	coord *fakeCoord
	http  *httptest.Server
}

func setup(t *testing.T) *realtimeFixture {
	t.Helper()
	reg := registry.New(zerolog.Nop())
	coord := newFakeCoord()
	srv := NewServer(Config{Port: "0"}, queryIdentity, reg, coord, zerolog.Nop())

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return &realtimeFixture{srv: srv, reg: reg, coord: coord, http: ts}
}

func (fx *realtimeFixture) dial(t *testing.T, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(fx.http.URL, "http") + "/connect?" + query
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) frame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var f frame
	require.NoError(t, conn.ReadJSON(&f))
	return f
}

func TestConnect_SendsBulkPresenceSnapshot(t *testing.T) {
	fx := setup(t)
	fx.reg.AddConnection("existing", "u9", "zoe")

	conn := fx.dial(t, "user=u1&name=alice")
	f := readFrame(t, conn)
	assert.Equal(t, presence.EventUserBulkPresence, f.Event)

	var records []presence.PresenceRecord
	require.NoError(t, json.Unmarshal(f.Data, &records))
	require.Len(t, records, 1)
	assert.Equal(t, "u9", records[0].UserID)

	assert.True(t, fx.reg.IsUserOnline("u1"))
}

func TestConnect_RejectsUnauthenticated(t *testing.T) {
	fx := setup(t)
	url := "ws" + strings.TrimPrefix(fx.http.URL, "http") + "/connect"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestConnect_RejectsWhileDraining(t *testing.T) {
	fx := setup(t)
	fx.coord.SetDraining(true)

	url := "ws" + strings.TrimPrefix(fx.http.URL, "http") + "/connect?user=u1"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestDeliverToUser_ReachesAllUserSockets(t *testing.T) {
	fx := setup(t)
	first := fx.dial(t, "user=u1&name=alice")
	second := fx.dial(t, "user=u1&name=alice")
	other := fx.dial(t, "user=u2&name=bob")
	readFrame(t, first)
	readFrame(t, second)
	readFrame(t, other)

	payload, _ := json.Marshal(map[string]string{"id": "n1"})
	require.Eventually(t, func() bool {
		return fx.srv.DeliverToUser("u1", presence.EventNotificationNew, payload) == 2
	}, 2*time.Second, 10*time.Millisecond)

	for _, conn := range []*websocket.Conn{first, second} {
		f := readFrame(t, conn)
		assert.Equal(t, presence.EventNotificationNew, f.Event)
	}

	require.NoError(t, other.SetReadDeadline(time.Now().Add(100*time.Millisecond)))
	var f frame
	assert.Error(t, other.ReadJSON(&f), "other users must not receive targeted events")
}

func TestBroadcast_ReachesEveryLocalSocket(t *testing.T) {
	fx := setup(t)
	first := fx.dial(t, "user=u1&name=alice")
	second := fx.dial(t, "user=u2&name=bob")
	readFrame(t, first)
	readFrame(t, second)

	payload, _ := json.Marshal(map[string]string{"userId": "u3"})
	require.Eventually(t, func() bool {
		return fx.srv.Broadcast(presence.EventUserOnline, payload) == 2
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, presence.EventUserOnline, readFrame(t, first).Event)
	assert.Equal(t, presence.EventUserOnline, readFrame(t, second).Event)
}

func TestDisconnect_UpdatesRegistryAndBacksUpState(t *testing.T) {
	fx := setup(t)
	conn := fx.dial(t, "user=u1&name=alice")
	readFrame(t, conn)
	require.True(t, fx.reg.IsUserOnline("u1"))

	require.NoError(t, conn.Close())

	require.Eventually(t, func() bool {
		return !fx.reg.IsUserOnline("u1")
	}, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		return fx.coord.BackupCount() == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestActivityFrame_RefreshesSession(t *testing.T) {
	fx := setup(t)
	conn := fx.dial(t, "user=u1&name=alice")
	readFrame(t, conn)

	var socketID string
	require.Eventually(t, func() bool {
		sessions := fx.reg.Sessions()
		if len(sessions) != 1 {
			return false
		}
		socketID = sessions[0].SocketID
		return true
	}, 2*time.Second, 10*time.Millisecond)

	before := fx.reg.Sessions()[0].LastActivity
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, conn.WriteJSON(frame{Event: presence.EventUserActivity}))

	require.Eventually(t, func() bool {
		for _, sess := range fx.reg.Sessions() {
			if sess.SocketID == socketID && sess.LastActivity.After(before) {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)
}

func TestResume_RestoresBackedUpSession(t *testing.T) {
	fx := setup(t)
	require.NoError(t, fx.coord.BackupConnectionState(context.Background(), "old-socket", presence.ConnectionBackup{
		UserID:      "u1",
		Rooms:       []string{"room-1"},
		SessionData: map[string]string{"theme": "dark"},
	}))

	conn := fx.dial(t, "user=u1&name=alice&resume=old-socket")
	require.Equal(t, presence.EventUserBulkPresence, readFrame(t, conn).Event)

	f := readFrame(t, conn)
	require.Equal(t, "session:restore", f.Event)
	var backup presence.ConnectionBackup
	require.NoError(t, json.Unmarshal(f.Data, &backup))
	assert.Equal(t, []string{"room-1"}, backup.Rooms)
	assert.Equal(t, "dark", backup.SessionData["theme"])
}

func TestResume_IgnoresForeignBackup(t *testing.T) {
	fx := setup(t)
	require.NoError(t, fx.coord.BackupConnectionState(context.Background(), "old-socket", presence.ConnectionBackup{
		UserID: "someone-else",
	}))

	conn := fx.dial(t, "user=u1&name=alice&resume=old-socket")
	require.Equal(t, presence.EventUserBulkPresence, readFrame(t, conn).Event)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(200*time.Millisecond)))
	var f frame
	assert.Error(t, conn.ReadJSON(&f), "a backup for another user must not be replayed")
}
