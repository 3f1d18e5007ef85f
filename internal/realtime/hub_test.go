package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/topupledger/internal/auth"
	"github.com/mbd888/topupledger/internal/events"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func testHub() *Hub {
	return NewHub(slog.Default())
}

func user(id string) *auth.Caller  { return &auth.Caller{ID: id, Role: auth.RoleUser} }
func admin(id string) *auth.Caller { return &auth.Caller{ID: id, Role: auth.RoleAdmin} }

func evt(typ, key, subject string) *events.Event {
	return events.New(typ, key, subject, map[string]string{"k": key})
}

// ---------------------------------------------------------------------------
// shouldSend
// ---------------------------------------------------------------------------

func TestShouldSend_UserSeesOnlyOwnSubject(t *testing.T) {
	h := testHub()
	client := &Client{caller: user("user-1")}

	assert.True(t, h.shouldSend(client, evt(events.TypeOrderCreated, "TU1", "user-1")))
	assert.False(t, h.shouldSend(client, evt(events.TypeOrderCreated, "TU2", "user-2")))
}

func TestShouldSend_UserCannotWidenWithSubjects(t *testing.T) {
	h := testHub()
	client := &Client{caller: user("user-1"), sub: Subscription{Subjects: []string{"user-2"}}}

	assert.False(t, h.shouldSend(client, evt(events.TypeOrderCreated, "TU2", "user-2")))
	assert.True(t, h.shouldSend(client, evt(events.TypeOrderCreated, "TU1", "user-1")))
}

func TestShouldSend_AdminSeesEverything(t *testing.T) {
	h := testHub()
	client := &Client{caller: admin("ops")}

	assert.True(t, h.shouldSend(client, evt(events.TypeRechargeSubmitted, "rr_1", "user-7")))
	assert.True(t, h.shouldSend(client, evt(events.TypeCommissionSettled, "TU9", "agent-3")))
}

func TestShouldSend_Filters(t *testing.T) {
	h := testHub()
	client := &Client{caller: admin("ops"), sub: Subscription{
		EventTypes: []string{events.TypeOrderStatusChanged, events.TypeOrderRefunded},
		Subjects:   []string{"user-1"},
		Keys:       []string{"TU1"},
	}}

	tests := []struct {
		name string
		e    *events.Event
		want bool
	}{
		{"match", evt(events.TypeOrderRefunded, "TU1", "user-1"), true},
		{"wrong type", evt(events.TypeTransactionCreated, "TU1", "user-1"), false},
		{"wrong subject", evt(events.TypeOrderRefunded, "TU1", "user-2"), false},
		{"wrong key", evt(events.TypeOrderRefunded, "TU2", "user-1"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, h.shouldSend(client, tt.e))
		})
	}
}

// ---------------------------------------------------------------------------
// Hub lifecycle
// ---------------------------------------------------------------------------

func TestHub_Stats_Initial(t *testing.T) {
	stats := testHub().Stats()
	assert.Equal(t, 0, stats["connectedClients"])
	assert.Equal(t, int64(0), stats["totalEvents"])
}

func TestHub_RegisterUnregister(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx)

	client := &Client{hub: h, send: make(chan []byte, sendBuffer), caller: user("user-1")}
	h.register <- client
	require.Eventually(t, func() bool { return h.Stats()["connectedClients"] == 1 }, time.Second, 10*time.Millisecond)

	h.unregister <- client
	require.Eventually(t, func() bool { return h.Stats()["connectedClients"] == 0 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, int64(1), h.Stats()["peakClients"])
}

func TestHub_PublishDeliversToMatchingClients(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx)

	mine := &Client{hub: h, send: make(chan []byte, sendBuffer), caller: user("user-1")}
	other := &Client{hub: h, send: make(chan []byte, sendBuffer), caller: user("user-2")}
	h.register <- mine
	h.register <- other

	require.NoError(t, h.Publish(ctx, evt(events.TypeOrderCreated, "TU1", "user-1")))

	select {
	case msg := <-mine.send:
		var got events.Event
		require.NoError(t, json.Unmarshal(msg, &got))
		assert.Equal(t, events.TypeOrderCreated, got.Type)
		assert.Equal(t, "TU1", got.Key)
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}

	select {
	case <-other.send:
		t.Error("other user must not receive the event")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHub_PublishDropsWhenQueueFull(t *testing.T) {
	h := testHub() // Run not started, queue never drains
	for i := 0; i < sendBuffer+5; i++ {
		require.NoError(t, h.Publish(context.Background(), evt(events.TypeOrderCreated, "TU", "u")))
	}
	assert.Equal(t, int64(5), h.Stats()["droppedEvents"])
}

func TestHub_SlowClientIsDropped(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx)

	slow := &Client{hub: h, send: make(chan []byte), caller: admin("ops")} // unbuffered, never read
	h.register <- slow
	require.NoError(t, h.Publish(ctx, evt(events.TypeOrderCreated, "TU1", "user-1")))

	require.Eventually(t, func() bool { return h.Stats()["connectedClients"] == 0 }, time.Second, 10*time.Millisecond)
}

func TestHub_ContextCancellation(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		h.Run(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Error("hub did not stop after context cancellation")
	}
}

// ---------------------------------------------------------------------------
// WebSocket endpoint
// ---------------------------------------------------------------------------

const testToken = "internal-test-token"

func newStreamServer(t *testing.T, h *Hub) *httptest.Server {
	t.Helper()
	r := gin.New()
	r.Use(auth.Middleware(testToken))
	h.RegisterRoutes(r.Group("/v1"))
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func dial(t *testing.T, srv *httptest.Server, callerID, role string) *websocket.Conn {
	t.Helper()
	header := http.Header{}
	header.Set(auth.HeaderInternalToken, testToken)
	header.Set(auth.HeaderCallerID, callerID)
	header.Set(auth.HeaderCallerRole, role)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/stream"
	conn, resp, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func TestHandleWebSocket_RequiresCaller(t *testing.T) {
	srv := newStreamServer(t, testHub())

	resp, err := http.Get(srv.URL + "/v1/stream")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestHandleWebSocket_StreamsOwnEvents(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx)

	srv := newStreamServer(t, h)
	conn := dial(t, srv, "user-1", "user")

	require.NoError(t, conn.WriteJSON(Subscription{EventTypes: []string{events.TypeOrderRefunded}}))
	require.Eventually(t, func() bool { return h.Stats()["connectedClients"] == 1 }, time.Second, 10*time.Millisecond)
	// Give readPump a moment to apply the subscription.
	time.Sleep(50 * time.Millisecond)

	require.NoError(t, h.Publish(ctx,
		evt(events.TypeOrderCreated, "TU1", "user-1"),
		evt(events.TypeOrderRefunded, "TU2", "user-2"),
		evt(events.TypeOrderRefunded, "TU1", "user-1"),
	))

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var got events.Event
	require.NoError(t, conn.ReadJSON(&got))
	assert.Equal(t, events.TypeOrderRefunded, got.Type)
	assert.Equal(t, "TU1", got.Key)
	assert.Equal(t, "user-1", got.Subject)
}

func TestHandleWebSocket_RejectsOverLimit(t *testing.T) {
	h := testHub().WithMaxClients(1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx)

	srv := newStreamServer(t, h)
	dial(t, srv, "user-1", "user")
	require.Eventually(t, func() bool { return h.Stats()["connectedClients"] == 1 }, time.Second, 10*time.Millisecond)

	header := http.Header{}
	header.Set(auth.HeaderInternalToken, testToken)
	header.Set(auth.HeaderCallerID, "user-2")
	header.Set(auth.HeaderCallerRole, "user")
	_, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/v1/stream", header)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}
