// rate_limiter.go
// ----------------
// This file defines the RateLimiter type, a sliding-window attempt counter keyed
// by "policy:identifier". Each named policy (login, OTP verification, generic
// API) holds its own windows, so exhausting one never affects another.
//
// Responsibilities:
// - Storing policy limits (max attempts per window).
// - Delegating the atomic prune-then-append step to a WindowStore.
// - Reporting remaining attempts, or the time until the oldest attempt leaves
//   the window when the limit is hit.
package resilientgateway

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/opengovern/resilient-gateway/internal/clock"
)

// Built-in policy names.
const (
	PolicyLogin     = "login"
	PolicyOTPVerify = "otp-verify"
	PolicyAPI       = "api"
)

// RateLimitPolicy bounds attempts inside a trailing window.
type RateLimitPolicy struct {
	MaxAttempts int           `yaml:"max_attempts"`
	Window      time.Duration `yaml:"window"`
}

// DefaultRateLimitPolicies returns the stock policies.
func DefaultRateLimitPolicies() map[string]RateLimitPolicy {
	return map[string]RateLimitPolicy{
		PolicyLogin:     {MaxAttempts: 5, Window: 15 * time.Minute},
		PolicyOTPVerify: {MaxAttempts: 3, Window: 10 * time.Minute},
		PolicyAPI:       {MaxAttempts: 100, Window: time.Minute},
	}
}

// Decision is the outcome of a single check.
type Decision struct {
	Allowed           bool
	RemainingAttempts int           // set when allowed
	RemainingTime     time.Duration // set when not allowed
}

type RateLimiter struct {
	mu       sync.RWMutex
	policies map[string]RateLimitPolicy
	store    WindowStore
	clock    clock.Clock
}

// NewRateLimiter validates policies up front; a policy with a non-positive
// limit or window is a configuration bug and panics.
func NewRateLimiter(policies map[string]RateLimitPolicy, store WindowStore, c clock.Clock) *RateLimiter {
	if store == nil {
		store = NewMemoryWindowStore()
	}
	if c == nil {
		c = clock.Real()
	}
	rl := &RateLimiter{
		policies: make(map[string]RateLimitPolicy, len(policies)),
		store:    store,
		clock:    c,
	}
	for name, p := range policies {
		rl.SetPolicy(name, p)
	}
	return rl
}

// SetPolicy adds or replaces a named policy.
func (r *RateLimiter) SetPolicy(name string, p RateLimitPolicy) {
	if p.MaxAttempts <= 0 || p.Window <= 0 {
		panic(fmt.Sprintf("rate limit policy %q: max attempts and window must be positive", name))
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.policies[name] = p
}

// Policy returns the named policy.
func (r *RateLimiter) Policy(name string) (RateLimitPolicy, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.policies[name]
	return p, ok
}

// Check records an attempt for identifier under policy if the window has room.
func (r *RateLimiter) Check(ctx context.Context, policy, identifier string) (Decision, error) {
	p, ok := r.Policy(policy)
	if !ok {
		return Decision{}, fmt.Errorf("unknown rate limit policy %q", policy)
	}
	return r.store.Check(ctx, windowKey(policy, identifier), r.clock.Now(), p.MaxAttempts, p.Window)
}

// Reset clears one identifier's window under policy.
func (r *RateLimiter) Reset(ctx context.Context, policy, identifier string) error {
	return r.store.Reset(ctx, windowKey(policy, identifier))
}

func windowKey(policy, identifier string) string {
	return policy + ":" + identifier
}

// MemoryWindowStore keeps windows in process memory.
type MemoryWindowStore struct {
	mu      sync.Mutex
	windows map[string][]time.Time
}

func NewMemoryWindowStore() *MemoryWindowStore {
	return &MemoryWindowStore{windows: make(map[string][]time.Time)}
}

func (s *MemoryWindowStore) Check(_ context.Context, key string, now time.Time, maxAttempts int, window time.Duration) (Decision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	attempts := pruneAttempts(s.windows[key], now, window)

	if len(attempts) >= maxAttempts {
		s.windows[key] = attempts
		return Decision{
			Allowed:       false,
			RemainingTime: window - now.Sub(attempts[0]),
		}, nil
	}

	attempts = append(attempts, now)
	s.windows[key] = attempts
	return Decision{
		Allowed:           true,
		RemainingAttempts: maxAttempts - len(attempts),
	}, nil
}

func (s *MemoryWindowStore) Reset(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.windows, key)
	return nil
}

// pruneAttempts drops attempts that are window or more old. attempts is ordered
// oldest first, so the survivors are a suffix.
func pruneAttempts(attempts []time.Time, now time.Time, window time.Duration) []time.Time {
	i := 0
	for i < len(attempts) && now.Sub(attempts[i]) >= window {
		i++
	}
	if i == 0 {
		return attempts
	}
	return append(attempts[:0:0], attempts[i:]...)
}
