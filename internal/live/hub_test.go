package live

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startServer(t *testing.T, hub *Hub) string {
	t.Helper()
	gin.SetMode(gin.TestMode)
	r := gin.New()
	hub.RegisterEndpoints(r)

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/live"
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func read(t *testing.T, conn *websocket.Conn) string {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	kind, data, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.TextMessage, kind)
	return string(data)
}

func TestHubSendsLatestThenBroadcasts(t *testing.T) {
	hub := NewHub(prometheus.NewRegistry(), func() []byte { return []byte(`{"seq":0}`) })
	url := startServer(t, hub)

	first := dial(t, url)
	second := dial(t, url)

	assert.Equal(t, `{"seq":0}`, read(t, first))
	assert.Equal(t, `{"seq":0}`, read(t, second))
	require.Eventually(t, func() bool { return hub.Count() == 2 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, 2.0, testutil.ToFloat64(hub.gauge))

	hub.Broadcast([]byte(`{"seq":1}`))

	assert.Equal(t, `{"seq":1}`, read(t, first))
	assert.Equal(t, `{"seq":1}`, read(t, second))
}

func TestHubForgetsClosedClients(t *testing.T) {
	hub := NewHub(prometheus.NewRegistry(), nil)
	url := startServer(t, hub)

	conn := dial(t, url)
	require.Eventually(t, func() bool { return hub.Count() == 1 }, time.Second, 10*time.Millisecond)

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool { return hub.Count() == 0 }, 2*time.Second, 10*time.Millisecond)

	hub.Broadcast([]byte(`{}`))
}

func TestHubCloseDisconnects(t *testing.T) {
	hub := NewHub(prometheus.NewRegistry(), nil)
	url := startServer(t, hub)

	conn := dial(t, url)
	require.Eventually(t, func() bool { return hub.Count() == 1 }, time.Second, 10*time.Millisecond)

	require.NoError(t, hub.Close())
	assert.Equal(t, 0, hub.Count())

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "unexpected error %v", err)
}

func TestHubDropsSlowClient(t *testing.T) {
	hub := NewHub(prometheus.NewRegistry(), nil)
	c := &client{send: make(chan []byte, 1)}
	hub.add(c)

	hub.Broadcast([]byte("a"))
	assert.Equal(t, 1, hub.Count())

	hub.Broadcast([]byte("b"))
	assert.Equal(t, 0, hub.Count())

	payload, ok := <-c.send
	assert.True(t, ok)
	assert.Equal(t, "a", string(payload))
	_, ok = <-c.send
	assert.False(t, ok, "send channel is closed once the client is dropped")
}
