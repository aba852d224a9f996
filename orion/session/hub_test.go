package session

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func dialSession(t *testing.T, srv *httptest.Server, sessionID string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/" + sessionID
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	return conn
}

func readEnvelope(t *testing.T, conn *websocket.Conn) Envelope {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var env Envelope
	require.NoError(t, conn.ReadJSON(&env))
	return env
}

func TestHubDeliversSessionEvents(t *testing.T) {
	defer goleak.VerifyNone(t)

	hub := NewHub(zerolog.Nop())
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws/{session}", func(w http.ResponseWriter, r *http.Request) {
		hub.ServeWS(w, r, r.PathValue("session"))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()
	defer hub.Close()

	conn := dialSession(t, srv, "s1")
	defer conn.Close()
	other := dialSession(t, srv, "s2")
	defer other.Close()

	hello := readEnvelope(t, conn)
	assert.Equal(t, "s1", hello.SessionID)
	assert.Equal(t, EventConnected, hello.Event.Type)
	assert.Equal(t, "Learning agent ready!", hello.Event.Data["message"])
	assert.NotEmpty(t, hello.Event.Data["connectionId"])
	assert.Equal(t, EventConnected, readEnvelope(t, other).Event.Type)

	require.NoError(t, conn.WriteJSON(map[string]string{"type": "ping"}))
	assert.Equal(t, EventPong, readEnvelope(t, conn).Event.Type)

	require.Eventually(t, func() bool { return hub.Connections("s1") == 1 }, time.Second, 10*time.Millisecond)
	hub.Publish("s1", NewEvent(EventToolStart, map[string]any{"toolName": "check_time_availability"}))
	ev := readEnvelope(t, conn)
	assert.Equal(t, EventToolStart, ev.Event.Type)
	assert.Equal(t, "check_time_availability", ev.Event.Data["toolName"])

	// Events for s1 never reach s2.
	require.NoError(t, other.WriteJSON(map[string]string{"type": "ping"}))
	assert.Equal(t, EventPong, readEnvelope(t, other).Event.Type)
}

func TestHubUnregistersOnClientClose(t *testing.T) {
	defer goleak.VerifyNone(t)

	hub := NewHub(zerolog.Nop())
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hub.ServeWS(w, r, "s1")
	}))
	defer srv.Close()
	defer hub.Close()

	conn := dialSession(t, srv, "")
	readEnvelope(t, conn)
	require.Eventually(t, func() bool { return hub.Connections("s1") == 1 }, time.Second, 10*time.Millisecond)

	require.NoError(t, conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye")))
	conn.Close()
	require.Eventually(t, func() bool { return hub.Connections("s1") == 0 }, 2*time.Second, 10*time.Millisecond)

	// Publishing to a session with no sockets is a no-op.
	hub.Publish("s1", NewEvent(EventPong, nil))
}

func TestHubRejectsAfterClose(t *testing.T) {
	defer goleak.VerifyNone(t)

	hub := NewHub(zerolog.Nop())
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hub.ServeWS(w, r, "s1")
	}))
	defer srv.Close()

	conn := dialSession(t, srv, "")
	readEnvelope(t, conn)
	hub.Close()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err)
	conn.Close()
	assert.Zero(t, hub.Connections("s1"))
}
