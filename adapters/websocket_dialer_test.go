package adapters

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	resilientgateway "github.com/opengovern/resilient-gateway"
)

type wsServer struct {
	*httptest.Server
	headers chan http.Header
	frames  chan envelope
	conns   chan *websocket.Conn
}

func newWSServer(t *testing.T) *wsServer {
	t.Helper()
	s := &wsServer{
		headers: make(chan http.Header, 4),
		frames:  make(chan envelope, 16),
		conns:   make(chan *websocket.Conn, 4),
	}
	upgrader := websocket.Upgrader{}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.headers <- r.Header.Clone()
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		s.conns <- ws
		for {
			var env envelope
			if err := ws.ReadJSON(&env); err != nil {
				return
			}
			s.frames <- env
		}
	}))
	t.Cleanup(s.Close)
	return s
}

func (s *wsServer) url() string {
	return "ws" + strings.TrimPrefix(s.URL, "http")
}

func (s *wsServer) nextFrame(t *testing.T) envelope {
	t.Helper()
	select {
	case env := <-s.frames:
		return env
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a client frame")
		return envelope{}
	}
}

func dialTest(t *testing.T, s *wsServer, heartbeat time.Duration) (resilientgateway.RealtimeConn, *websocket.Conn) {
	t.Helper()
	cfg := resilientgateway.DefaultRealtimeConfig()
	cfg.URL = s.url()
	cfg.Heartbeat = heartbeat
	cfg.WritesPerSecond = 0

	conn, err := NewWebSocketDialer(cfg).Dial(context.Background(), "42", "abc")
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn, <-s.conns
}

func TestWebSocketDialer_HandshakeHeaders(t *testing.T) {
	s := newWSServer(t)
	dialTest(t, s, 0)

	h := <-s.headers
	assert.Equal(t, "Bearer abc", h.Get("Authorization"))
	assert.Equal(t, "42", h.Get("X-Identity"))
}

func TestWebSocketDialer_JoinAndLeave(t *testing.T) {
	s := newWSServer(t)
	conn, _ := dialTest(t, s, 0)

	require.NoError(t, conn.Join("notifications/42"))
	join := s.nextFrame(t)
	assert.Equal(t, "notifications/42", join.Topic)
	assert.Equal(t, "phx_join", join.Event)
	assert.NotEmpty(t, join.Ref)

	require.NoError(t, conn.Leave("notifications/42"))
	leave := s.nextFrame(t)
	assert.Equal(t, "phx_leave", leave.Event)
	assert.Equal(t, join.Ref, leave.JoinRef)
}

func TestWebSocketDialer_ReadSkipsProtocolFrames(t *testing.T) {
	s := newWSServer(t)
	conn, server := dialTest(t, s, 0)

	require.NoError(t, server.WriteJSON(envelope{Topic: "phoenix", Event: "phx_reply", Payload: json.RawMessage(`{"status":"ok"}`)}))
	require.NoError(t, server.WriteJSON(envelope{Topic: "notifications/42", Event: "phx_reply", Payload: json.RawMessage(`{}`)}))
	require.NoError(t, server.WriteJSON(envelope{Topic: "notifications/42", Event: "new", Payload: json.RawMessage(`{"id":1}`)}))
	require.NoError(t, server.WriteMessage(websocket.TextMessage, []byte("garbage")))

	raw, err := conn.ReadMessage()
	require.NoError(t, err)
	var ev resilientgateway.RealtimeEvent
	require.NoError(t, json.Unmarshal(raw, &ev))
	assert.Equal(t, "new", ev.Event)

	raw, err = conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, "garbage", string(raw), "unparseable frames are handed up unchanged")
}

func TestWebSocketDialer_Heartbeat(t *testing.T) {
	s := newWSServer(t)
	dialTest(t, s, 20*time.Millisecond)

	hb := s.nextFrame(t)
	assert.Equal(t, phoenixTopic, hb.Topic)
	assert.Equal(t, "heartbeat", hb.Event)
}

func TestWebSocketDialer_ReadFailsAfterServerClose(t *testing.T) {
	s := newWSServer(t)
	conn, server := dialTest(t, s, 0)

	require.NoError(t, server.Close())
	_, err := conn.ReadMessage()
	assert.Error(t, err)
}

func TestWebSocketDialer_WriteAfterClose(t *testing.T) {
	s := newWSServer(t)
	conn, _ := dialTest(t, s, 0)

	require.NoError(t, conn.Close())
	assert.NoError(t, conn.Close())
	assert.Error(t, conn.Join("x"))
}

func TestWebSocketDialer_DialFailure(t *testing.T) {
	cfg := resilientgateway.DefaultRealtimeConfig()
	cfg.URL = "ws://127.0.0.1:1/socket"
	_, err := NewWebSocketDialer(cfg).Dial(context.Background(), "42", "abc")
	assert.Error(t, err)
}
