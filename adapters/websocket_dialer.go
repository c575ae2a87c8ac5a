// websocket_dialer.go
// -------------------
// WebSocketDialer is the production RealtimeDialer. It speaks a Phoenix-style
// JSON envelope over a WebSocket: phx_join / phx_leave to manage topics, a
// periodic heartbeat on the "phoenix" topic, and server pushes of the form
// {"topic": ..., "event": ..., "payload": ...}.
//
// Protocol replies (phx_reply, phx_close, anything on "phoenix") are consumed
// here and never surface to the channel.
package adapters

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	resilientgateway "github.com/opengovern/resilient-gateway"
)

const (
	writeWait        = 10 * time.Second
	handshakeTimeout = 10 * time.Second
	phoenixTopic     = "phoenix"
)

type WebSocketDialer struct {
	URL             string
	Heartbeat       time.Duration
	WritesPerSecond float64
	Dialer          *websocket.Dialer
}

// NewWebSocketDialer builds a dialer from the realtime section of the gateway config.
func NewWebSocketDialer(cfg resilientgateway.RealtimeConfig) *WebSocketDialer {
	return &WebSocketDialer{
		URL:             cfg.URL,
		Heartbeat:       cfg.Heartbeat,
		WritesPerSecond: cfg.WritesPerSecond,
		Dialer:          &websocket.Dialer{HandshakeTimeout: handshakeTimeout},
	}
}

func (d *WebSocketDialer) Dial(ctx context.Context, identity, token string) (resilientgateway.RealtimeConn, error) {
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	header.Set("X-Identity", identity)

	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	ws, _, err := dialer.DialContext(ctx, d.URL, header)
	if err != nil {
		return nil, err
	}

	conn := &wsConn{
		ws:        ws,
		heartbeat: d.Heartbeat,
		done:      make(chan struct{}),
	}
	if d.WritesPerSecond > 0 {
		burst := int(d.WritesPerSecond)
		if burst < 1 {
			burst = 1
		}
		conn.limiter = rate.NewLimiter(rate.Limit(d.WritesPerSecond), burst)
	}
	conn.extendDeadline()
	if conn.heartbeat > 0 {
		go conn.heartbeatLoop()
	}
	return conn, nil
}

type envelope struct {
	Topic   string          `json:"topic"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
	Ref     string          `json:"ref,omitempty"`
	JoinRef string          `json:"join_ref,omitempty"`
}

type wsConn struct {
	ws        *websocket.Conn
	heartbeat time.Duration
	limiter   *rate.Limiter

	writeMu   sync.Mutex
	joinMu    sync.Mutex
	joinRefs  map[string]string
	done      chan struct{}
	closeOnce sync.Once
}

func (c *wsConn) Join(topic string) error {
	ref := uuid.NewString()
	c.joinMu.Lock()
	if c.joinRefs == nil {
		c.joinRefs = make(map[string]string)
	}
	c.joinRefs[topic] = ref
	c.joinMu.Unlock()
	return c.write(envelope{Topic: topic, Event: "phx_join", Payload: json.RawMessage(`{}`), Ref: ref, JoinRef: ref})
}

func (c *wsConn) Leave(topic string) error {
	c.joinMu.Lock()
	joinRef := c.joinRefs[topic]
	delete(c.joinRefs, topic)
	c.joinMu.Unlock()
	return c.write(envelope{Topic: topic, Event: "phx_leave", Payload: json.RawMessage(`{}`), Ref: uuid.NewString(), JoinRef: joinRef})
}

// ReadMessage returns the next application frame, skipping protocol replies.
func (c *wsConn) ReadMessage() ([]byte, error) {
	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			return nil, err
		}
		c.extendDeadline()

		var env envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			// Let the channel log it.
			return raw, nil
		}
		if env.Topic == phoenixTopic || env.Event == "phx_reply" || env.Event == "phx_close" {
			continue
		}
		return raw, nil
	}
}

func (c *wsConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		c.writeMu.Lock()
		_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
		_ = c.ws.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.writeMu.Unlock()
		err = c.ws.Close()
	})
	return err
}

func (c *wsConn) write(env envelope) error {
	select {
	case <-c.done:
		return errors.New("realtime connection closed")
	default:
	}
	if c.limiter != nil {
		ctx, cancel := context.WithTimeout(context.Background(), writeWait)
		err := c.limiter.Wait(ctx)
		cancel()
		if err != nil {
			return err
		}
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return c.ws.WriteJSON(env)
}

func (c *wsConn) extendDeadline() {
	if c.heartbeat > 0 {
		_ = c.ws.SetReadDeadline(time.Now().Add(2 * c.heartbeat))
	}
}

func (c *wsConn) heartbeatLoop() {
	ticker := time.NewTicker(c.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			err := c.write(envelope{Topic: phoenixTopic, Event: "heartbeat", Payload: json.RawMessage(`{}`), Ref: uuid.NewString()})
			if err != nil {
				return
			}
		}
	}
}
