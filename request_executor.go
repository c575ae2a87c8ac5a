package resilientgateway

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opengovern/resilient-gateway/internal/clock"
)

// RetryConfig bounds RetryExecutor.
type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts" env:"GATEWAY_RETRY_MAX_ATTEMPTS"` // total tries including the first
	BaseDelay   time.Duration `yaml:"base_delay" env:"GATEWAY_RETRY_BASE_DELAY"`   // delay before retry k is BaseDelay*k
}

// DefaultRetryConfig is 3 attempts with a 1s base delay.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{MaxAttempts: 3, BaseDelay: time.Second}
}

// RetryState tracks one Execute invocation.
type RetryState struct {
	Attempt     int
	MaxAttempts int
	LastErr     error
}

// RetryExecutor retries transport failures of idempotent operations with a
// linear backoff. Received responses are never retried here.
type RetryExecutor struct {
	config  RetryConfig
	clock   clock.Clock
	log     logrus.FieldLogger
	metrics *Metrics
}

func NewRetryExecutor(config RetryConfig, c clock.Clock, log logrus.FieldLogger, metrics *Metrics) *RetryExecutor {
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = DefaultRetryConfig().MaxAttempts
	}
	if config.BaseDelay <= 0 {
		config.BaseDelay = DefaultRetryConfig().BaseDelay
	}
	if c == nil {
		c = clock.Real()
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &RetryExecutor{config: config, clock: c, log: log, metrics: metrics}
}

// Execute runs operation, retrying while it fails at the transport level and
// idempotent is true. Non-idempotent operations run exactly once.
func (re *RetryExecutor) Execute(ctx context.Context, idempotent bool, operation func(ctx context.Context) (*NormalizedResponse, error)) (*NormalizedResponse, error) {
	state := RetryState{MaxAttempts: re.config.MaxAttempts}
	if !idempotent {
		state.MaxAttempts = 1
	}

	for {
		state.Attempt++
		resp, err := operation(ctx)
		if err == nil {
			if state.Attempt > 1 {
				re.log.WithField("attempt", state.Attempt).Debug("request succeeded after retry")
			}
			return resp, nil
		}
		state.LastErr = err

		if !IsTransport(err) {
			return nil, err
		}
		if state.Attempt >= state.MaxAttempts {
			if idempotent {
				re.log.WithError(err).WithField("attempts", state.Attempt).Debug("max retries reached")
			}
			return nil, err
		}

		wait := re.calculateBackoff(state.Attempt)
		re.log.WithError(err).WithFields(logrus.Fields{
			"attempt": state.Attempt,
			"max":     state.MaxAttempts,
			"wait":    wait,
		}).Debug("transport failure, retrying")
		re.metrics.retried()

		if sleepErr := re.clock.Sleep(ctx, wait); sleepErr != nil {
			return nil, state.LastErr
		}
	}
}

// calculateBackoff returns the wait after the given 1-indexed failed attempt.
func (re *RetryExecutor) calculateBackoff(attempt int) time.Duration {
	return re.config.BaseDelay * time.Duration(attempt)
}
