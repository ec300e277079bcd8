package events

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestHub(interval time.Duration) *Hub {
	return NewHub(slog.New(slog.NewTextHandler(io.Discard, nil)), interval)
}

func TestProgressThrottleBands(t *testing.T) {
	h := newTestHub(time.Second)
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	h.SetClock(func() time.Time { return now })

	// Start band always passes.
	assert.True(t, h.BroadcastProgress("a", 0.5, "downloading"))
	assert.True(t, h.BroadcastProgress("a", 1, "downloading"))

	// Mid-band within the interval and below the jump is suppressed.
	assert.True(t, h.BroadcastProgress("a", 20, "downloading"), "first mid-band value after a band send")
	assert.False(t, h.BroadcastProgress("a", 22, "downloading"))
	assert.False(t, h.BroadcastProgress("a", 25, "downloading"))

	// A jump of ten points forces the send.
	assert.True(t, h.BroadcastProgress("a", 30, "downloading"))

	// The interval elapsing re-opens the gate.
	now = now.Add(2 * time.Second)
	assert.True(t, h.BroadcastProgress("a", 31, "downloading"))

	// Completion band always passes.
	assert.True(t, h.BroadcastProgress("a", 99, "downloading"))
	assert.True(t, h.BroadcastProgress("a", 100, "downloading"))
}

func TestProgressThrottleIsPerTask(t *testing.T) {
	h := newTestHub(time.Hour)
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	h.SetClock(func() time.Time { return now })

	assert.True(t, h.BroadcastProgress("a", 50, "downloading"))
	assert.True(t, h.BroadcastProgress("b", 50, "downloading"), "unseen task always sends")
	assert.False(t, h.BroadcastProgress("a", 51, "downloading"))
}

func TestForgetProgressResetsGate(t *testing.T) {
	h := newTestHub(time.Hour)
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	h.SetClock(func() time.Time { return now })

	assert.True(t, h.BroadcastProgress("a", 50, "downloading"))
	assert.False(t, h.BroadcastProgress("a", 51, "downloading"))

	h.ForgetProgress("a")
	assert.True(t, h.BroadcastProgress("a", 51, "downloading"))
}

func dialTestHub(t *testing.T, h *Hub) (*websocket.Conn, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(h.ServeWS))
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	return conn, srv
}

func readEnvelope(t *testing.T, conn *websocket.Conn) (string, json.RawMessage) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var e struct {
		Type string          `json:"type"`
		Data json.RawMessage `json:"data"`
	}
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(raw, &e))
	return e.Type, e.Data
}

func TestClientGreetedWithSnapshot(t *testing.T) {
	h := newTestHub(time.Second)
	h.Snapshot = func() any { return map[string]int{"queued": 2} }

	conn, srv := dialTestHub(t, h)
	defer srv.Close()
	defer conn.Close()

	typ, data := readEnvelope(t, conn)
	assert.Equal(t, "status_update", typ)
	assert.JSONEq(t, `{"queued":2}`, string(data))
}

func TestRequestStatusReturnsSnapshot(t *testing.T) {
	h := newTestHub(time.Second)
	h.Snapshot = func() any { return map[string]int{"queued": 1} }

	conn, srv := dialTestHub(t, h)
	defer srv.Close()
	defer conn.Close()

	readEnvelope(t, conn) // greeting

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"request_status"}`)))
	typ, _ := readEnvelope(t, conn)
	assert.Equal(t, "status_update", typ)
}

func TestProgressBroadcastReachesClient(t *testing.T) {
	h := newTestHub(time.Second)
	h.Snapshot = func() any { return map[string]int{} }

	conn, srv := dialTestHub(t, h)
	defer srv.Close()
	defer conn.Close()

	readEnvelope(t, conn) // greeting

	require.True(t, h.BroadcastProgress("task-1", 0.5, "downloading"))
	typ, data := readEnvelope(t, conn)
	assert.Equal(t, "download_progress", typ)

	var p progressPayload
	require.NoError(t, json.Unmarshal(data, &p))
	assert.Equal(t, "task-1", p.BookID)
	assert.Equal(t, 0.5, p.Progress)
	assert.Equal(t, "downloading", p.Status)
}

func TestConnectDisconnectHooks(t *testing.T) {
	h := newTestHub(time.Second)
	h.Snapshot = func() any { return map[string]int{} }

	first := make(chan struct{}, 1)
	last := make(chan struct{}, 1)
	h.OnFirstConnect = func() { first <- struct{}{} }
	h.OnAllDisconnect = func() { last <- struct{}{} }

	conn, srv := dialTestHub(t, h)
	defer srv.Close()

	select {
	case <-first:
	case <-time.After(5 * time.Second):
		t.Fatal("first-connect hook never fired")
	}
	assert.Equal(t, 1, h.ClientCount())

	conn.Close()
	select {
	case <-last:
	case <-time.After(5 * time.Second):
		t.Fatal("all-disconnect hook never fired")
	}
	assert.Equal(t, 0, h.ClientCount())
}

func TestNotifyRateLimited(t *testing.T) {
	h := newTestHub(time.Second)
	h.Snapshot = func() any { return map[string]int{} }

	conn, srv := dialTestHub(t, h)
	defer srv.Close()
	defer conn.Close()

	readEnvelope(t, conn) // greeting

	// Burst past the limiter; only the first five make it through.
	for i := 0; i < 20; i++ {
		h.Notify("disk almost full", "warning")
	}
	for i := 0; i < 5; i++ {
		typ, data := readEnvelope(t, conn)
		assert.Equal(t, "notification", typ)
		var n notificationPayload
		require.NoError(t, json.Unmarshal(data, &n))
		assert.Equal(t, "warning", n.Type)
	}

	conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err, "burst beyond the limiter is dropped")
}
