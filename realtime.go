// realtime.go
// -----------
// RealtimeChannel keeps a push subscription alive for an authenticated identity.
//
//	Disconnected -> Connecting -> Connected -> Reconnecting -> (Connected | Failed)
//
// The subscription registry survives reconnects: every successful connect
// replays it against the new transport. Reconnects back off exponentially and
// give up after MaxAttempts, leaving the channel in Failed. Disconnect is safe
// from any state, including mid-backoff.
package resilientgateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"

	"github.com/opengovern/resilient-gateway/internal/clock"
)

// ChannelState is the RealtimeChannel lifecycle state.
type ChannelState int

const (
	StateDisconnected ChannelState = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateFailed
)

func (s ChannelState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// RealtimeConfig tunes the channel.
type RealtimeConfig struct {
	URL             string        `yaml:"url" env:"GATEWAY_REALTIME_URL"`
	BaseDelay       time.Duration `yaml:"base_delay" env:"GATEWAY_REALTIME_BASE_DELAY"`
	MaxDelay        time.Duration `yaml:"max_delay" env:"GATEWAY_REALTIME_MAX_DELAY"`
	MaxAttempts     int           `yaml:"max_attempts" env:"GATEWAY_REALTIME_MAX_ATTEMPTS"`
	RequireAuth     bool          `yaml:"require_auth" env:"GATEWAY_REALTIME_REQUIRE_AUTH"`
	Heartbeat       time.Duration `yaml:"heartbeat" env:"GATEWAY_REALTIME_HEARTBEAT"`
	WritesPerSecond float64       `yaml:"writes_per_second" env:"GATEWAY_REALTIME_WRITES_PER_SECOND"`
}

func DefaultRealtimeConfig() RealtimeConfig {
	return RealtimeConfig{
		BaseDelay:       time.Second,
		MaxDelay:        30 * time.Second,
		MaxAttempts:     5,
		RequireAuth:     true,
		Heartbeat:       30 * time.Second,
		WritesPerSecond: 10,
	}
}

// Topic builds the conventional "<category>/<identity>" topic name.
func Topic(category, identity string) string {
	return category + "/" + identity
}

// RealtimeEvent is one inbound push message.
type RealtimeEvent struct {
	Topic   string          `json:"topic"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
	Ref     string          `json:"ref,omitempty"`
}

// EventHandler consumes events for a subscribed topic. A returned error is
// logged; it never stops the channel.
type EventHandler func(ctx context.Context, ev *RealtimeEvent) error

// Subscription is a registry record. It outlives individual connections.
type Subscription struct {
	ID      string
	Topic   string
	Handler EventHandler
	Active  bool
}

// RealtimeOptions wires a channel to the rest of the gateway.
type RealtimeOptions struct {
	Tokens        *TokenStore
	Clock         clock.Clock
	Log           logrus.FieldLogger
	Metrics       *Metrics
	OnFailure     func(err error)
	OnStateChange func(state ChannelState)
}

var (
	ErrChannelBusy   = errors.New("realtime channel is already connecting or connected")
	ErrChannelFailed = errors.New("realtime channel gave up reconnecting")
)

type RealtimeChannel struct {
	dialer RealtimeDialer
	config RealtimeConfig
	opts   RealtimeOptions

	// ctl orders join and leave frames and is taken before mu. mu guards the
	// fields below and is never held across transport I/O.
	ctl sync.Mutex

	mu       sync.Mutex
	state    ChannelState
	identity string
	conn     RealtimeConn
	subs     map[string]*Subscription
	order    []string // subscription ids in registration order
	cancel   context.CancelFunc
	failErr  error
	pending  []ChannelState
}

func NewRealtimeChannel(dialer RealtimeDialer, config RealtimeConfig, opts RealtimeOptions) *RealtimeChannel {
	def := DefaultRealtimeConfig()
	if config.BaseDelay <= 0 {
		config.BaseDelay = def.BaseDelay
	}
	if config.MaxDelay <= 0 {
		config.MaxDelay = def.MaxDelay
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = def.MaxAttempts
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Log == nil {
		opts.Log = logrus.StandardLogger()
	}
	return &RealtimeChannel{
		dialer: dialer,
		config: config,
		opts:   opts,
		subs:   make(map[string]*Subscription),
	}
}

// State returns the current lifecycle state.
func (c *RealtimeChannel) State() ChannelState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Err returns why the channel entered Failed, or nil.
func (c *RealtimeChannel) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.failErr
}

// Subscriptions returns a snapshot of the registry in registration order.
func (c *RealtimeChannel) Subscriptions() []Subscription {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Subscription, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, *c.subs[id])
	}
	return out
}

// Connect opens the channel for identity. On a failed first dial the channel
// moves to Reconnecting, keeps trying in the background, and the dial error is
// returned. Connect is allowed from Disconnected and Failed only.
func (c *RealtimeChannel) Connect(ctx context.Context, identity string) error {
	c.mu.Lock()
	if c.state != StateDisconnected && c.state != StateFailed {
		c.mu.Unlock()
		return ErrChannelBusy
	}
	if c.cancel != nil {
		c.cancel()
	}
	loopCtx, cancel := context.WithCancel(context.Background())
	c.identity = identity
	c.cancel = cancel
	c.failErr = nil
	c.setState(StateConnecting)
	c.unlockAndNotify()

	token, err := c.credential(ctx)
	if err != nil {
		c.mu.Lock()
		if loopCtx.Err() == nil {
			cancel()
			c.setState(StateDisconnected)
		}
		c.unlockAndNotify()
		return err
	}

	dialCtx, cancelDial := context.WithCancel(ctx)
	stop := context.AfterFunc(loopCtx, cancelDial)
	conn, err := c.dialer.Dial(dialCtx, identity, token)
	stop()
	cancelDial()

	if err != nil {
		c.mu.Lock()
		if loopCtx.Err() != nil {
			c.unlockAndNotify()
			return err
		}
		c.setState(StateReconnecting)
		c.unlockAndNotify()
		c.opts.Log.WithError(err).WithField("identity", identity).Warn("realtime connect failed, scheduling reconnect")
		go c.run(loopCtx, nil)
		return transportError(err)
	}

	if !c.attach(loopCtx, conn) {
		return context.Canceled
	}
	go c.run(loopCtx, conn)
	return nil
}

// Subscribe registers handler for topic. The subscription activates now if
// the channel is connected, otherwise on the next successful connect.
func (c *RealtimeChannel) Subscribe(topic string, handler EventHandler) (string, error) {
	if topic == "" || handler == nil {
		return "", errors.New("subscribe requires a topic and a handler")
	}
	sub := &Subscription{ID: uuid.NewString(), Topic: topic, Handler: handler}

	c.ctl.Lock()
	defer c.ctl.Unlock()

	c.mu.Lock()
	c.subs[sub.ID] = sub
	c.order = append(c.order, sub.ID)
	conn := c.conn
	if c.state != StateConnected || conn == nil {
		c.mu.Unlock()
		return sub.ID, nil
	}
	if c.topicActiveLocked(topic) {
		sub.Active = true
		c.mu.Unlock()
		return sub.ID, nil
	}
	c.mu.Unlock()

	if err := conn.Join(topic); err != nil {
		// Stays registered; the next reconnect replays it.
		return sub.ID, fmt.Errorf("join %s: %w", topic, err)
	}

	c.mu.Lock()
	if c.conn == conn {
		sub.Active = true
	}
	c.mu.Unlock()
	return sub.ID, nil
}

// Unsubscribe removes a subscription, leaving the topic on the transport when
// no other subscription still needs it.
func (c *RealtimeChannel) Unsubscribe(id string) error {
	c.ctl.Lock()
	defer c.ctl.Unlock()

	c.mu.Lock()
	sub, ok := c.subs[id]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("unknown subscription %q", id)
	}
	delete(c.subs, id)
	for i, sid := range c.order {
		if sid == id {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}

	conn := c.conn
	leave := sub.Active && conn != nil && !c.topicActiveLocked(sub.Topic)
	c.mu.Unlock()

	if leave {
		if err := conn.Leave(sub.Topic); err != nil {
			return fmt.Errorf("leave %s: %w", sub.Topic, err)
		}
	}
	return nil
}

// Disconnect leaves every active subscription, closes the transport, stops any
// reconnect loop and destroys the registry. Safe to call in any state, and
// never waits behind a join or leave that is still being written.
func (c *RealtimeChannel) Disconnect() error {
	c.mu.Lock()
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	conn := c.conn
	c.conn = nil

	var leave []string
	left := make(map[string]bool)
	for _, id := range c.order {
		sub := c.subs[id]
		if sub.Active && conn != nil && !left[sub.Topic] {
			leave = append(leave, sub.Topic)
			left[sub.Topic] = true
		}
		sub.Active = false
	}
	c.subs = make(map[string]*Subscription)
	c.order = nil
	c.setState(StateDisconnected)
	c.unlockAndNotify()

	if conn == nil {
		return nil
	}
	var errs error
	for _, topic := range leave {
		if err := conn.Leave(topic); err != nil {
			errs = multierr.Append(errs, err)
		}
	}
	if err := conn.Close(); err != nil {
		errs = multierr.Append(errs, err)
	}
	return errs
}

// run owns the connection after Connect: it reads until the transport drops,
// then reconnects, until the channel is disconnected or fails.
func (c *RealtimeChannel) run(ctx context.Context, conn RealtimeConn) {
	for {
		if conn != nil {
			err := c.readUntilDrop(ctx, conn)
			if ctx.Err() != nil {
				return
			}
			if !c.markDropped(conn, err) {
				return
			}
		}
		conn = c.reconnect(ctx)
		if conn == nil {
			return
		}
	}
}

func (c *RealtimeChannel) readUntilDrop(ctx context.Context, conn RealtimeConn) error {
	for {
		raw, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		c.dispatch(ctx, raw)
	}
}

// markDropped moves a Connected channel whose transport died to Reconnecting.
func (c *RealtimeChannel) markDropped(conn RealtimeConn, cause error) bool {
	c.mu.Lock()
	if c.conn != conn || c.state != StateConnected {
		c.mu.Unlock()
		return false
	}
	c.conn = nil
	for _, sub := range c.subs {
		sub.Active = false
	}
	c.setState(StateReconnecting)
	identity := c.identity
	c.unlockAndNotify()

	conn.Close()
	c.opts.Log.WithError(cause).WithField("identity", identity).Warn("realtime transport dropped, reconnecting")
	return true
}

// reconnect retries the dial with exponential backoff. It returns the attached
// connection, or nil when cancelled or out of attempts.
func (c *RealtimeChannel) reconnect(ctx context.Context) RealtimeConn {
	c.mu.Lock()
	identity := c.identity
	c.mu.Unlock()

	var lastErr error
	for attempt := 0; attempt < c.config.MaxAttempts; attempt++ {
		wait := c.backoff(attempt)
		c.opts.Log.WithFields(logrus.Fields{
			"attempt": attempt + 1,
			"max":     c.config.MaxAttempts,
			"wait":    wait,
		}).Debug("waiting before realtime reconnect")
		if err := c.opts.Clock.Sleep(ctx, wait); err != nil {
			return nil
		}
		c.opts.Metrics.reconnectAttempt()

		token, err := c.credential(ctx)
		if err != nil {
			lastErr = err
			break
		}
		conn, err := c.dialer.Dial(ctx, identity, token)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			lastErr = err
			continue
		}
		if !c.attach(ctx, conn) {
			return nil
		}
		return conn
	}

	c.fail(lastErr)
	return nil
}

// backoff is min(MaxDelay, BaseDelay * 2^attempt).
func (c *RealtimeChannel) backoff(attempt int) time.Duration {
	if attempt > 30 {
		return c.config.MaxDelay
	}
	d := c.config.BaseDelay * time.Duration(int64(1)<<uint(attempt))
	if d > c.config.MaxDelay || d <= 0 {
		return c.config.MaxDelay
	}
	return d
}

// attach installs conn and replays the registry. It reports false (and closes
// conn) if the channel was disconnected in the meantime.
func (c *RealtimeChannel) attach(ctx context.Context, conn RealtimeConn) bool {
	c.ctl.Lock()
	defer c.ctl.Unlock()

	c.mu.Lock()
	if ctx.Err() != nil {
		c.mu.Unlock()
		conn.Close()
		return false
	}
	// Published before the replay so a concurrent Disconnect closes it.
	c.conn = conn
	var topics []string
	seen := make(map[string]bool)
	for _, id := range c.order {
		if topic := c.subs[id].Topic; !seen[topic] {
			seen[topic] = true
			topics = append(topics, topic)
		}
	}
	c.mu.Unlock()

	joined := make(map[string]bool, len(topics))
	for _, topic := range topics {
		if err := conn.Join(topic); err != nil {
			c.opts.Log.WithError(err).WithField("topic", topic).Warn("failed to replay subscription")
			continue
		}
		joined[topic] = true
	}

	c.mu.Lock()
	if ctx.Err() != nil || c.conn != conn {
		c.mu.Unlock()
		conn.Close()
		return false
	}
	for _, sub := range c.subs {
		if joined[sub.Topic] {
			sub.Active = true
		}
	}
	c.setState(StateConnected)
	c.unlockAndNotify()

	c.opts.Log.WithField("topics", len(joined)).Debug("realtime connected")
	return true
}

func (c *RealtimeChannel) fail(cause error) {
	err := &Error{Kind: KindTransport, Message: ErrChannelFailed.Error(), Err: cause}
	var authErr *Error
	if errors.As(cause, &authErr) && authErr.Kind == KindAuth {
		err = authErr
	}

	c.mu.Lock()
	if c.state != StateReconnecting {
		c.mu.Unlock()
		return
	}
	c.failErr = err
	c.setState(StateFailed)
	c.unlockAndNotify()

	c.opts.Log.WithError(err).Error("realtime channel failed")
	if c.opts.OnFailure != nil {
		c.opts.OnFailure(err)
	}
}

func (c *RealtimeChannel) dispatch(ctx context.Context, raw []byte) {
	var ev RealtimeEvent
	if err := json.Unmarshal(raw, &ev); err != nil || ev.Topic == "" {
		c.opts.Log.WithError(err).WithField("bytes", len(raw)).Warn("discarding malformed realtime message")
		return
	}

	c.mu.Lock()
	var handlers []EventHandler
	for _, id := range c.order {
		sub := c.subs[id]
		if sub.Active && sub.Topic == ev.Topic {
			handlers = append(handlers, sub.Handler)
		}
	}
	c.mu.Unlock()

	for _, h := range handlers {
		c.invoke(ctx, h, &ev)
	}
}

func (c *RealtimeChannel) invoke(ctx context.Context, h EventHandler, ev *RealtimeEvent) {
	log := c.opts.Log.WithFields(logrus.Fields{"topic": ev.Topic, "event": ev.Event})
	defer func() {
		if r := recover(); r != nil {
			log.WithField("panic", r).Error("realtime handler panicked")
		}
	}()
	if err := h(ctx, ev); err != nil {
		log.WithError(err).Warn("realtime handler failed")
	}
}

func (c *RealtimeChannel) credential(ctx context.Context) (string, error) {
	if c.opts.Tokens == nil {
		if c.config.RequireAuth {
			return "", &Error{Kind: KindAuth, Message: "realtime channel has no token store"}
		}
		return "", nil
	}
	rec := c.opts.Tokens.Get(ctx)
	if rec == nil {
		if c.config.RequireAuth {
			return "", &Error{Kind: KindAuth, Message: "Please sign in to continue."}
		}
		return "", nil
	}
	return rec.Value, nil
}

func (c *RealtimeChannel) topicActiveLocked(topic string) bool {
	for _, sub := range c.subs {
		if sub.Active && sub.Topic == topic {
			return true
		}
	}
	return false
}

// setState must be called with c.mu held; observers run in unlockAndNotify.
func (c *RealtimeChannel) setState(s ChannelState) {
	if c.state == s {
		return
	}
	c.state = s
	c.pending = append(c.pending, s)
}

func (c *RealtimeChannel) unlockAndNotify() {
	pending := c.pending
	c.pending = nil
	c.mu.Unlock()

	for _, s := range pending {
		c.opts.Metrics.setRealtimeState(s)
		if c.opts.OnStateChange != nil {
			c.opts.OnStateChange(s)
		}
	}
}
