package live

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
)

func dialHub(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	u := "ws" + strings.TrimPrefix(srv.URL, "http") + query
	conn, _, err := websocket.DefaultDialer.Dial(u, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readWithin(t *testing.T, conn *websocket.Conn, d time.Duration) []byte {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(d)))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	return msg
}

func waitForClients(t *testing.T, h *Hub, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for h.ClientCount() < n {
		if time.Now().After(deadline) {
			t.Fatalf("expected %d clients, have %d", n, h.ClientCount())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestHub_GlobalClientReceivesPositions(t *testing.T) {
	h := NewHub(nil, zerolog.Nop())
	srv := httptest.NewServer(http.HandlerFunc(h.HandleWS))
	defer srv.Close()

	conn := dialHub(t, srv, "")
	waitForClients(t, h, 1)

	h.dispatch(ChannelPositions, []byte(`{"type":"position"}`))

	msg := readWithin(t, conn, time.Second)
	assert.JSONEq(t, `{"type":"position"}`, string(msg))
}

func TestHub_GlobalClientReceivesStatusChanges(t *testing.T) {
	h := NewHub(nil, zerolog.Nop())
	srv := httptest.NewServer(http.HandlerFunc(h.HandleWS))
	defer srv.Close()

	conn := dialHub(t, srv, "")
	waitForClients(t, h, 1)

	h.dispatch(ChannelStatus, []byte(`{"type":"status"}`))

	msg := readWithin(t, conn, time.Second)
	assert.JSONEq(t, `{"type":"status"}`, string(msg))
}

func TestHub_VehicleScopedClientFiltering(t *testing.T) {
	h := NewHub(nil, zerolog.Nop())
	srv := httptest.NewServer(http.HandlerFunc(h.HandleWS))
	defer srv.Close()

	scoped := dialHub(t, srv, "?vehicle_id=veh-1")
	waitForClients(t, h, 1)

	// A message for another vehicle must not reach the scoped client.
	h.dispatch(VehicleChannel("veh-2"), []byte(`{"v":"other"}`))
	h.dispatch(VehicleChannel("veh-1"), []byte(`{"v":"mine"}`))

	msg := readWithin(t, scoped, time.Second)
	assert.JSONEq(t, `{"v":"mine"}`, string(msg))
}

func TestHub_ScopedClientStillGetsAlerts(t *testing.T) {
	h := NewHub(nil, zerolog.Nop())
	srv := httptest.NewServer(http.HandlerFunc(h.HandleWS))
	defer srv.Close()

	conn := dialHub(t, srv, "?vehicle_id=veh-1")
	waitForClients(t, h, 1)

	h.dispatch(ChannelAlerts, []byte(`{"type":"alert"}`))

	msg := readWithin(t, conn, time.Second)
	assert.JSONEq(t, `{"type":"alert"}`, string(msg))
}
