package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/navcam/dashcam/internal/events"
)

type recordingMirror struct {
	mu  sync.Mutex
	evs []events.Event
}

func (m *recordingMirror) PublishEvent(_ context.Context, ev events.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.evs = append(m.evs, ev)
	return nil
}

func (m *recordingMirror) kinds() []events.Kind {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []events.Kind
	for _, ev := range m.evs {
		out = append(out, ev.Kind)
	}
	return out
}

func newServer(t *testing.T, hub *Hub, hello func() (WSMessage, bool)) *httptest.Server {
	t.Helper()
	gin.SetMode(gin.TestMode)
	r := gin.New()
	validate := func(token string) (string, error) {
		if token != "good" {
			return "", errors.New("bad token")
		}
		return "ui", nil
	}
	r.GET("/ws", ServeWs(hub, zap.NewNop(), validate, hello))
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func dial(t *testing.T, srv *httptest.Server, token string) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?token=" + token
	return websocket.DefaultDialer.Dial(url, nil)
}

func readMessage(t *testing.T, conn *websocket.Conn) WSMessage {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg WSMessage
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func TestBroadcastReachesConnectedClient(t *testing.T) {
	hub := NewHub(zap.NewNop(), nil)
	hello := func() (WSMessage, bool) { return WSMessage{Event: "hello", Data: json.RawMessage(`{"state":"idle"}`)}, true }
	srv := newServer(t, hub, hello)

	conn, _, err := dial(t, srv, "good")
	require.NoError(t, err)
	defer conn.Close()

	first := readMessage(t, conn)
	assert.Equal(t, "hello", first.Event)

	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, 2*time.Second, 5*time.Millisecond)
	hub.Broadcast(events.Event{Kind: events.KindClipFinished, ClipID: "c1"})

	msg := readMessage(t, conn)
	assert.Equal(t, string(events.KindClipFinished), msg.Event)
	var ev events.Event
	require.NoError(t, json.Unmarshal(msg.Data, &ev))
	assert.Equal(t, "c1", ev.ClipID)

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool { return hub.ClientCount() == 0 }, 2*time.Second, 5*time.Millisecond)
}

func TestServeWsRejectsBadToken(t *testing.T) {
	srv := newServer(t, NewHub(nil, nil), nil)

	_, resp, err := dial(t, srv, "bad")
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	_, resp, err = dial(t, srv, "")
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestRunForwardsBusEventsToMirror(t *testing.T) {
	bus := events.NewBus()
	mirror := &recordingMirror{}
	hub := NewHub(zap.NewNop(), mirror)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		hub.Run(ctx, bus)
	}()
	require.Eventually(t, func() bool { return bus.Subscribers() == 1 }, 2*time.Second, 5*time.Millisecond)

	bus.Publish(events.Event{Kind: events.KindUploadQueued, ClipID: "a"})
	bus.Publish(events.Event{Kind: events.KindUploadSucceeded, ClipID: "a"})

	require.Eventually(t, func() bool { return len(mirror.kinds()) == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []events.Kind{events.KindUploadQueued, events.KindUploadSucceeded}, mirror.kinds())

	cancel()
	<-done
	assert.Zero(t, bus.Subscribers())
}
