package gateway

import (
	"context"
	"encoding/json"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hub.evalgo.org/auth"
	"hub.evalgo.org/bus"
	"hub.evalgo.org/config"
	"hub.evalgo.org/presence"
	"hub.evalgo.org/ratelimit"
)

type testEnv struct {
	mr       *miniredis.Miniredis
	tokens   *auth.TokenService
	registry *presence.Registry
	rules    map[string]config.RateLimitRule
	logger   *logrus.Logger
}

func newTestEnv(t *testing.T, rules map[string]config.RateLimitRule) *testEnv {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	return &testEnv{
		mr:       mr,
		tokens:   auth.NewTokenService("test-secret", time.Hour),
		registry: presence.NewRegistry(client, 300*time.Second, logger),
		rules:    rules,
		logger:   logger,
	}
}

// newInstance spins up one hub instance with its own cache-store client, the
// way two processes would share one cluster.
func (env *testEnv) newInstance(t *testing.T) (*Hub, *httptest.Server) {
	client := redis.NewClient(&redis.Options{Addr: env.mr.Addr()})
	t.Cleanup(func() { client.Close() })

	registry := presence.NewRegistry(client, 300*time.Second, env.logger)
	messageBus := bus.New(client, env.logger)
	limiter := ratelimit.New(client, env.rules, env.logger)

	hub := NewHub(registry, messageBus, limiter, time.Minute, time.Minute, env.logger)
	t.Cleanup(hub.Shutdown)

	e := echo.New()
	e.GET("/ws", hub.WSHandler(env.tokens))
	srv := httptest.NewServer(e)
	t.Cleanup(srv.Close)

	return hub, srv
}

func (env *testEnv) dial(t *testing.T, srv *httptest.Server, principalID, displayName string) *websocket.Conn {
	token, err := env.tokens.GenerateToken(principalID, displayName)
	require.NoError(t, err)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?token=" + token
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	// Every accepted connection greets with a connected frame.
	frame := readFrame(t, conn)
	require.Equal(t, MsgConnected, frame.Type)

	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) Frame {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var frame Frame
	require.NoError(t, json.Unmarshal(data, &frame))
	return frame
}

// expectNoFrame asserts that no frame arrives within the wait window.
func expectNoFrame(t *testing.T, conn *websocket.Conn, wait time.Duration) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(wait))
	_, data, err := conn.ReadMessage()
	if err == nil {
		t.Fatalf("expected no frame, received %s", data)
	}
}

func sendFrame(t *testing.T, conn *websocket.Conn, frameType string, payload interface{}) {
	t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(Frame{Type: frameType, Data: data}))
}

func joinDocument(t *testing.T, conn *websocket.Conn, documentID string) UsersPayload {
	t.Helper()
	sendFrame(t, conn, MsgJoinDocument, JoinPayload{DocumentID: documentID})

	frame := readFrame(t, conn)
	require.Equal(t, MsgUsersInDocument, frame.Type)

	var users UsersPayload
	require.NoError(t, json.Unmarshal(frame.Data, &users))
	return users
}

func TestHandshake(t *testing.T) {
	env := newTestEnv(t, nil)
	_, srv := env.newInstance(t)

	t.Run("rejects a missing token", func(t *testing.T) {
		url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
		_, resp, err := websocket.DefaultDialer.Dial(url, nil)
		require.Error(t, err)
		require.NotNil(t, resp)
		assert.Equal(t, 401, resp.StatusCode)
	})

	t.Run("rejects an invalid token", func(t *testing.T) {
		url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?token=bogus"
		_, resp, err := websocket.DefaultDialer.Dial(url, nil)
		require.Error(t, err)
		require.NotNil(t, resp)
		assert.Equal(t, 401, resp.StatusCode)
	})

	t.Run("accepts a valid token and greets", func(t *testing.T) {
		env.dial(t, srv, "alice", "Alice")
	})
}

func TestJoinMembership(t *testing.T) {
	env := newTestEnv(t, nil)
	_, srv := env.newInstance(t)
	ctx := context.Background()

	connA := env.dial(t, srv, "alice", "Alice")

	users := joinDocument(t, connA, "doc-1")
	require.Len(t, users.Users, 1)
	assert.Equal(t, "alice", users.Users[0].PrincipalID)

	// The registry reflects the join immediately.
	sessions, err := env.registry.ListSessions(ctx, "doc-1")
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, "alice", sessions[0].PrincipalID)

	// A later joiner sees both, and the earlier one is told.
	connB := env.dial(t, srv, "bob", "Bob")
	users = joinDocument(t, connB, "doc-1")
	assert.Len(t, users.Users, 2)

	frame := readFrame(t, connA)
	require.Equal(t, MsgUserJoined, frame.Type)
	var event UserEventPayload
	require.NoError(t, json.Unmarshal(frame.Data, &event))
	assert.Equal(t, "bob", event.User.PrincipalID)

	// Leaving removes the session and notifies the remaining member.
	sendFrame(t, connB, MsgLeaveDocument, JoinPayload{DocumentID: "doc-1"})

	frame = readFrame(t, connA)
	require.Equal(t, MsgUserLeft, frame.Type)
	require.NoError(t, json.Unmarshal(frame.Data, &event))
	assert.Equal(t, "bob", event.User.PrincipalID)

	require.Eventually(t, func() bool {
		count, err := env.registry.CountSessions(ctx, "doc-1")
		return err == nil && count == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestNoSelfEcho(t *testing.T) {
	env := newTestEnv(t, nil)
	_, srv := env.newInstance(t)

	connA := env.dial(t, srv, "alice", "Alice")
	joinDocument(t, connA, "doc-1")

	connB := env.dial(t, srv, "bob", "Bob")
	joinDocument(t, connB, "doc-1")

	// Drain Alice's user-joined for Bob.
	frame := readFrame(t, connA)
	require.Equal(t, MsgUserJoined, frame.Type)

	sendFrame(t, connA, MsgCRDTUpdate, UpdatePayload{DocumentID: "doc-1", Update: "AAEC"})

	// Bob receives the update byte-for-byte.
	frame = readFrame(t, connB)
	require.Equal(t, MsgCRDTUpdate, frame.Type)
	var update UpdatePayload
	require.NoError(t, json.Unmarshal(frame.Data, &update))
	assert.Equal(t, "doc-1", update.DocumentID)
	assert.Equal(t, "AAEC", update.Update)

	// Alice never sees her own update.
	expectNoFrame(t, connA, 300*time.Millisecond)
}

func TestAwarenessRelay(t *testing.T) {
	env := newTestEnv(t, nil)
	_, srv := env.newInstance(t)

	connA := env.dial(t, srv, "alice", "Alice")
	joinDocument(t, connA, "doc-1")
	connB := env.dial(t, srv, "bob", "Bob")
	joinDocument(t, connB, "doc-1")
	readFrame(t, connA) // user-joined bob

	sendFrame(t, connB, MsgAwarenessUpdate, UpdatePayload{DocumentID: "doc-1", Update: "BBBB"})

	frame := readFrame(t, connA)
	require.Equal(t, MsgAwarenessUpdate, frame.Type)
	expectNoFrame(t, connB, 300*time.Millisecond)
}

func TestCrossInstanceFanout(t *testing.T) {
	env := newTestEnv(t, nil)
	_, srvX := env.newInstance(t)
	_, srvY := env.newInstance(t)

	connA := env.dial(t, srvX, "alice", "Alice")
	joinDocument(t, connA, "doc-1")

	connB := env.dial(t, srvY, "bob", "Bob")
	joinDocument(t, connB, "doc-1")

	frame := readFrame(t, connA)
	require.Equal(t, MsgUserJoined, frame.Type)

	// Updates cross instances in both directions.
	sendFrame(t, connA, MsgCRDTUpdate, UpdatePayload{DocumentID: "doc-1", Update: "AAEC"})
	frame = readFrame(t, connB)
	require.Equal(t, MsgCRDTUpdate, frame.Type)

	sendFrame(t, connB, MsgCRDTUpdate, UpdatePayload{DocumentID: "doc-1", Update: "AQID"})
	frame = readFrame(t, connA)
	require.Equal(t, MsgCRDTUpdate, frame.Type)

	expectNoFrame(t, connA, 300*time.Millisecond)
	expectNoFrame(t, connB, 300*time.Millisecond)
}

func TestSupersede(t *testing.T) {
	env := newTestEnv(t, nil)
	_, srv := env.newInstance(t)
	ctx := context.Background()

	conn1 := env.dial(t, srv, "pat", "Pat")
	joinDocument(t, conn1, "doc-3")

	sessions, err := env.registry.ListSessions(ctx, "doc-3")
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	socket1 := sessions[0].SocketID

	// Same principal joins again on a second connection without leaving.
	conn2 := env.dial(t, srv, "pat", "Pat")
	joinDocument(t, conn2, "doc-3")

	sessions, err = env.registry.ListSessions(ctx, "doc-3")
	require.NoError(t, err)
	require.Len(t, sessions, 1, "a second join must not grow the session count")
	assert.NotEqual(t, socket1, sessions[0].SocketID)

	// The superseded socket's frames are still admitted and fan out to the
	// newer one; suppression keys on socket id, not principal.
	// Drain conn1's user-joined for the second join first.
	frame := readFrame(t, conn1)
	require.Equal(t, MsgUserJoined, frame.Type)

	sendFrame(t, conn1, MsgCRDTUpdate, UpdatePayload{DocumentID: "doc-3", Update: "AAEC"})
	frame = readFrame(t, conn2)
	require.Equal(t, MsgCRDTUpdate, frame.Type)
	expectNoFrame(t, conn1, 300*time.Millisecond)
}

func TestSupersededDisconnectKeepsSession(t *testing.T) {
	env := newTestEnv(t, nil)
	hub, srv := env.newInstance(t)
	ctx := context.Background()

	conn1 := env.dial(t, srv, "pat", "Pat")
	joinDocument(t, conn1, "doc-3")
	conn2 := env.dial(t, srv, "pat", "Pat")
	joinDocument(t, conn2, "doc-3")

	sessions, err := env.registry.ListSessions(ctx, "doc-3")
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	newSocket := sessions[0].SocketID

	// The superseded connection goes away; the newer session survives and
	// no user-left is broadcast for a principal that is still present.
	conn1.Close()
	require.Eventually(t, func() bool {
		return hub.ClientCount() == 1
	}, 2*time.Second, 10*time.Millisecond)

	sessions, err = env.registry.ListSessions(ctx, "doc-3")
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, newSocket, sessions[0].SocketID)

	expectNoFrame(t, conn2, 300*time.Millisecond)
}

func TestRateLimitTrip(t *testing.T) {
	rules := map[string]config.RateLimitRule{
		MsgCRDTUpdate: {MaxMessages: 3, Window: time.Second, Block: 2 * time.Second},
	}
	env := newTestEnv(t, rules)
	_, srv := env.newInstance(t)

	connA := env.dial(t, srv, "alice", "Alice")
	joinDocument(t, connA, "doc-1")
	connB := env.dial(t, srv, "bob", "Bob")
	joinDocument(t, connB, "doc-1")
	readFrame(t, connA) // user-joined bob

	for i := 0; i < 4; i++ {
		sendFrame(t, connA, MsgCRDTUpdate, UpdatePayload{DocumentID: "doc-1", Update: "AAEC"})
	}

	// Alice is told the fourth was rejected.
	frame := readFrame(t, connA)
	require.Equal(t, MsgError, frame.Type)
	var msg MessagePayload
	require.NoError(t, json.Unmarshal(frame.Data, &msg))
	assert.Contains(t, msg.Message, "rate limit")

	// Awareness is not limited by the crdt rule; it arrives at Bob right
	// after the three admitted updates, proving the fourth was dropped.
	sendFrame(t, connA, MsgAwarenessUpdate, UpdatePayload{DocumentID: "doc-1", Update: "BBBB"})

	for i := 0; i < 3; i++ {
		frame := readFrame(t, connB)
		require.Equal(t, MsgCRDTUpdate, frame.Type, "update %d", i+1)
	}
	frame = readFrame(t, connB)
	require.Equal(t, MsgAwarenessUpdate, frame.Type)
	expectNoFrame(t, connB, 300*time.Millisecond)
}

func TestProtocolErrors(t *testing.T) {
	env := newTestEnv(t, nil)
	_, srv := env.newInstance(t)

	t.Run("unknown message type keeps the connection open", func(t *testing.T) {
		conn := env.dial(t, srv, "alice", "Alice")
		sendFrame(t, conn, "make-coffee", map[string]string{})

		frame := readFrame(t, conn)
		require.Equal(t, MsgError, frame.Type)

		// Still functional afterwards.
		joinDocument(t, conn, "doc-1")
	})

	t.Run("updates before join are rejected", func(t *testing.T) {
		conn := env.dial(t, srv, "carol", "Carol")
		sendFrame(t, conn, MsgCRDTUpdate, UpdatePayload{DocumentID: "doc-1", Update: "AAEC"})

		frame := readFrame(t, conn)
		require.Equal(t, MsgError, frame.Type)
	})

	t.Run("updates for another document are rejected", func(t *testing.T) {
		conn := env.dial(t, srv, "dave", "Dave")
		joinDocument(t, conn, "doc-1")
		sendFrame(t, conn, MsgCRDTUpdate, UpdatePayload{DocumentID: "doc-2", Update: "AAEC"})

		frame := readFrame(t, conn)
		require.Equal(t, MsgError, frame.Type)
	})

	t.Run("leave without join is rejected", func(t *testing.T) {
		conn := env.dial(t, srv, "erin", "Erin")
		sendFrame(t, conn, MsgLeaveDocument, JoinPayload{DocumentID: "doc-1"})

		frame := readFrame(t, conn)
		require.Equal(t, MsgError, frame.Type)
	})
}

func TestDisconnectCleansUp(t *testing.T) {
	env := newTestEnv(t, nil)
	hub, srv := env.newInstance(t)
	ctx := context.Background()

	connA := env.dial(t, srv, "alice", "Alice")
	joinDocument(t, connA, "doc-1")
	connB := env.dial(t, srv, "bob", "Bob")
	joinDocument(t, connB, "doc-1")
	readFrame(t, connA) // user-joined bob

	connB.Close()

	// The survivor is told, and the registry converges.
	frame := readFrame(t, connA)
	require.Equal(t, MsgUserLeft, frame.Type)

	require.Eventually(t, func() bool {
		count, err := env.registry.CountSessions(ctx, "doc-1")
		return err == nil && count == 1
	}, 2*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		return hub.ClientCount() == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestJoinSwitchesDocuments(t *testing.T) {
	env := newTestEnv(t, nil)
	_, srv := env.newInstance(t)
	ctx := context.Background()

	conn := env.dial(t, srv, "alice", "Alice")
	joinDocument(t, conn, "doc-1")
	joinDocument(t, conn, "doc-2")

	// The first document's session is gone, the second one exists.
	require.Eventually(t, func() bool {
		count, err := env.registry.CountSessions(ctx, "doc-1")
		return err == nil && count == 0
	}, 2*time.Second, 10*time.Millisecond)

	count, err := env.registry.CountSessions(ctx, "doc-2")
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}
