// gateway.go
// ----------
// The gateway.go file contains the core ResilientGateway struct. This is the
// main entry point for callers: every screen's data access goes through Send.
//
// Key functionalities include:
// - Constructing a gateway with its own TokenStore, ResponseCache, RateLimiter
//   and RetryExecutor (no process-wide singletons, so tests build a fresh one).
// - Sending requests via Send / SendBulk.
// - Signing in and out, which drives the token lifecycle.
// - Building RealtimeChannels that share the gateway's TokenStore.
package resilientgateway

import (
	"context"
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"golang.org/x/sync/singleflight"

	"github.com/opengovern/resilient-gateway/internal/clock"
)

type ResilientGateway struct {
	config    *Config
	transport Transport
	tokens    *TokenStore
	cache     *ResponseCache
	limiter   *RateLimiter
	executor  *RetryExecutor
	metrics   *Metrics
	clock     clock.Clock
	logger    *logrus.Logger
	log       logrus.FieldLogger
	flights   singleflight.Group
}

type gatewayOptions struct {
	logger      *logrus.Logger
	clock       clock.Clock
	persister   TokenPersister
	windowStore WindowStore
	registerer  prometheus.Registerer
}

// Option customises NewResilientGateway.
type Option func(*gatewayOptions)

// WithLogger sets the logger. The default logs warnings and above to stderr.
func WithLogger(l *logrus.Logger) Option {
	return func(o *gatewayOptions) { o.logger = l }
}

// WithClock replaces the wall clock, mainly for tests.
func WithClock(c clock.Clock) Option {
	return func(o *gatewayOptions) { o.clock = c }
}

// WithTokenPersister sets the durable credential store.
func WithTokenPersister(p TokenPersister) Option {
	return func(o *gatewayOptions) { o.persister = p }
}

// WithWindowStore sets where rate limit windows live (memory by default).
func WithWindowStore(s WindowStore) Option {
	return func(o *gatewayOptions) { o.windowStore = s }
}

// WithMetrics registers the gateway's collectors on reg.
func WithMetrics(reg prometheus.Registerer) Option {
	return func(o *gatewayOptions) { o.registerer = reg }
}

// NewResilientGateway builds a gateway over transport. A nil cfg uses DefaultConfig.
func NewResilientGateway(transport Transport, cfg *Config, opts ...Option) *ResilientGateway {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	o := gatewayOptions{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = logrus.New()
		o.logger.SetLevel(logrus.WarnLevel)
	}
	if cfg.Debug {
		o.logger.SetLevel(logrus.DebugLevel)
	}
	if o.clock == nil {
		o.clock = clock.Real()
	}

	log := o.logger.WithField("component", "gateway")
	metrics := NewMetrics(o.registerer)

	gw := &ResilientGateway{
		config:    cfg,
		transport: transport,
		tokens:    NewTokenStore(o.persister, o.clock, log.WithField("component", "token_store")),
		cache:     NewResponseCache(cfg.Cache.DefaultTTL, o.clock),
		limiter:   NewRateLimiter(cfg.RateLimits, o.windowStore, o.clock),
		executor:  NewRetryExecutor(cfg.Retry, o.clock, log.WithField("component", "retry"), metrics),
		metrics:   metrics,
		clock:     o.clock,
		logger:    o.logger,
		log:       log,
	}
	gw.tokens.OnClear(gw.cache.Clear)
	return gw
}

// SetDebug enables or disables debug logging.
func (gw *ResilientGateway) SetDebug(enabled bool) {
	if enabled {
		gw.logger.SetLevel(logrus.DebugLevel)
		return
	}
	gw.logger.SetLevel(logrus.WarnLevel)
}

func (gw *ResilientGateway) Tokens() *TokenStore        { return gw.tokens }
func (gw *ResilientGateway) Cache() *ResponseCache      { return gw.cache }
func (gw *ResilientGateway) RateLimiter() *RateLimiter  { return gw.limiter }
func (gw *ResilientGateway) Config() *Config            { return gw.config }
func (gw *ResilientGateway) Logger() logrus.FieldLogger { return gw.log }

// SignIn sends a login or registration request and stores the credential
// found at tokenPath (a gjson path such as "token" or "data.access_token")
// in the response body.
func (gw *ResilientGateway) SignIn(ctx context.Context, desc *RequestDescriptor, tokenPath string) (*Response, error) {
	resp, err := gw.Send(ctx, desc)
	if err != nil {
		return nil, err
	}
	tok := gjson.GetBytes(resp.Data, tokenPath)
	if !tok.Exists() || tok.String() == "" {
		return resp, fmt.Errorf("sign-in response has no token at %q", tokenPath)
	}
	if err := gw.tokens.Set(ctx, tok.String()); err != nil {
		// The session is live in memory; only durability is lost.
		gw.log.WithError(err).Warn("failed to persist session token")
	}
	gw.log.Debug("signed in")
	return resp, nil
}

// SignOut drops the session credential and every cached response.
func (gw *ResilientGateway) SignOut(ctx context.Context) error {
	return gw.tokens.Clear(ctx)
}

// resetSession is the forced session reset after an authentication failure.
func (gw *ResilientGateway) resetSession(ctx context.Context) {
	gw.metrics.sessionReset()
	if err := gw.tokens.Clear(ctx); err != nil {
		gw.log.WithError(err).Warn("failed to clear persisted session token")
	}
}

// NewRealtimeChannel builds a channel that authenticates with this gateway's
// TokenStore.
func (gw *ResilientGateway) NewRealtimeChannel(dialer RealtimeDialer) *RealtimeChannel {
	return NewRealtimeChannel(dialer, gw.config.Realtime, RealtimeOptions{
		Tokens:  gw.tokens,
		Clock:   gw.clock,
		Log:     gw.log.WithField("component", "realtime"),
		Metrics: gw.metrics,
	})
}

var errNilDescriptor = errors.New("request descriptor must not be nil")
