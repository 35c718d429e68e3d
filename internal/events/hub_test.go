package events

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newHubServer(t *testing.T, h *Hub) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.HandleConnection(w, r)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestHubDeliversEventsToSubscriber(t *testing.T) {
	h := NewHub(zap.NewNop())
	defer h.Close()
	srv := newHubServer(t, h)

	conn := dial(t, srv)
	require.Eventually(t, func() bool {
		return h.SubscriberCount() == 1
	}, time.Second, 5*time.Millisecond)

	h.Publish(New(TypeListingCreated, "listing-1", map[string]interface{}{"quantity": 400.0}))

	conn.SetReadDeadline(time.Now().Add(time.Second))
	var got Event
	require.NoError(t, conn.ReadJSON(&got))
	assert.Equal(t, TypeListingCreated, got.Type)
	assert.Equal(t, "listing-1", got.EntityID)
}

func TestHandleConnectionAfterCloseReturns(t *testing.T) {
	h := NewHub(zap.NewNop())
	srv := newHubServer(t, h)
	h.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		conn.Close()
	}

	// The handler must not hang on a stopped run loop, and the closed hub
	// must not accumulate subscribers.
	assert.Equal(t, 0, h.SubscriberCount())
}

func TestCloseDropsSubscribers(t *testing.T) {
	h := NewHub(zap.NewNop())
	srv := newHubServer(t, h)

	dial(t, srv)
	require.Eventually(t, func() bool {
		return h.SubscriberCount() == 1
	}, time.Second, 5*time.Millisecond)

	h.Close()
	require.Eventually(t, func() bool {
		return h.SubscriberCount() == 0
	}, time.Second, 5*time.Millisecond)
}

func TestCloseIsIdempotent(t *testing.T) {
	h := NewHub(zap.NewNop())
	h.Close()
	h.Close()
}
