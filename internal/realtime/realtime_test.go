package realtime

import (
	"context"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lovesync/pulse/internal/telemetry"
)

var upgrader = websocket.Upgrader{}

// scoreServer upgrades /v1/score/ws/{id} connections and pushes the given
// scores, then keeps the connection open until the client closes it.
func scoreServer(t *testing.T, scores []telemetry.InterestScore) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/score/ws/session_test", r.URL.Path)
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()

		for _, s := range scores {
			require.NoError(t, conn.WriteJSON(s))
		}
		// Drain until the client goes away.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
}

func newTestLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

func TestConnectReceivesScores(t *testing.T) {
	pushed := []telemetry.InterestScore{
		{Score: 55, Confidence: 0.4, SessionID: "session_test", Timestamp: 1},
		{Score: 70, Confidence: 0.6, SessionID: "session_test", Timestamp: 2},
	}
	srv := scoreServer(t, pushed)
	defer srv.Close()

	received := make(chan telemetry.InterestScore, len(pushed))
	c := New(srv.URL, newTestLogger())
	require.NoError(t, c.Connect(context.Background(), "session_test", func(s telemetry.InterestScore) {
		received <- s
	}))
	defer c.Close()

	assert.True(t, c.Connected())
	for _, want := range pushed {
		select {
		case got := <-received:
			assert.Equal(t, want, got)
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for score push")
		}
	}
}

func TestMalformedFramesSkipped(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()

		require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("not json")))
		require.NoError(t, conn.WriteJSON(telemetry.InterestScore{Score: 42, SessionID: "session_test"}))
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	received := make(chan telemetry.InterestScore, 1)
	c := New(srv.URL, newTestLogger())
	require.NoError(t, c.Connect(context.Background(), "session_test", func(s telemetry.InterestScore) {
		received <- s
	}))
	defer c.Close()

	select {
	case got := <-received:
		assert.InDelta(t, 42.0, got.Score, 1e-9, "the valid frame after the junk still arrives")
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for score push")
	}
}

func TestServerCloseFlipsConnected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
			time.Now().Add(time.Second))
		conn.Close()
	}))
	defer srv.Close()

	c := New(srv.URL, newTestLogger())
	require.NoError(t, c.Connect(context.Background(), "session_test", nil))

	// No reconnect happens: once the server goes away the client stays down.
	require.Eventually(t, func() bool { return !c.Connected() },
		2*time.Second, 10*time.Millisecond)
}

func TestDialFailure(t *testing.T) {
	c := New("http://127.0.0.1:1", newTestLogger())
	err := c.Connect(context.Background(), "session_test", nil)
	require.Error(t, err)
	assert.False(t, c.Connected())
}

func TestPingRequiresConnection(t *testing.T) {
	c := New("http://127.0.0.1:1", newTestLogger())
	assert.Error(t, c.Ping())
}

func TestCloseIdempotent(t *testing.T) {
	srv := scoreServer(t, nil)
	defer srv.Close()

	c := New(srv.URL, newTestLogger())
	require.NoError(t, c.Connect(context.Background(), "session_test", nil))

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	assert.False(t, c.Connected())
}

func TestWSURLSchemes(t *testing.T) {
	cases := []struct {
		base string
		want string
	}{
		{"http://host:8080", "ws://host:8080/v1/score/ws/s1"},
		{"https://host", "wss://host/v1/score/ws/s1"},
		{"ws://host", "ws://host/v1/score/ws/s1"},
	}
	for _, tc := range cases {
		c := New(tc.base, newTestLogger())
		got, err := c.wsURL("/v1/score/ws/s1")
		require.NoError(t, err)
		assert.Equal(t, tc.want, got)
	}
}
