// token_store.go
// --------------
// TokenStore owns the session credential. It is the only component allowed to
// mutate the TokenRecord; everything else reads through Get or Token.
//
// Key functionalities include:
// - Persisting the credential through a TokenPersister so restarts resume an
//   authenticated session, and falling back to it when memory is empty.
// - Treating a JWT credential whose exp claim has passed as absent.
// - Running clear hooks (the gateway registers a cache purge) on Clear so
//   session-scoped data never leaks across identities.
// - Acting as an oauth2.TokenSource for callers that already speak oauth2.
package resilientgateway

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"

	"github.com/opengovern/resilient-gateway/internal/clock"
)

// TokenRecord is the stored session credential.
type TokenRecord struct {
	Value      string    `json:"value"`
	ObtainedAt time.Time `json:"obtained_at"`
	ExpiresAt  time.Time `json:"expires_at,omitempty"` // zero when unknown
}

func (r *TokenRecord) expired(now time.Time) bool {
	return !r.ExpiresAt.IsZero() && !now.Before(r.ExpiresAt)
}

// OAuth2 converts the record to an oauth2 bearer token.
func (r *TokenRecord) OAuth2() *oauth2.Token {
	return &oauth2.Token{
		AccessToken: r.Value,
		TokenType:   "Bearer",
		Expiry:      r.ExpiresAt,
	}
}

var errNoToken = errors.New("no session token stored")

var _ oauth2.TokenSource = (*TokenStore)(nil)

type TokenStore struct {
	mu        sync.Mutex
	current   *TokenRecord
	persister TokenPersister
	clock     clock.Clock
	log       logrus.FieldLogger

	hooksMu sync.Mutex
	onClear []func()
}

// NewTokenStore returns a store backed by persister. A nil persister keeps the
// credential in memory only.
func NewTokenStore(persister TokenPersister, c clock.Clock, log logrus.FieldLogger) *TokenStore {
	if c == nil {
		c = clock.Real()
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &TokenStore{persister: persister, clock: c, log: log}
}

// OnClear registers fn to run after every Clear.
func (s *TokenStore) OnClear(fn func()) {
	s.hooksMu.Lock()
	defer s.hooksMu.Unlock()
	s.onClear = append(s.onClear, fn)
}

// Get returns the current credential or nil.
func (s *TokenStore) Get(ctx context.Context) *TokenRecord {
	s.mu.Lock()
	rec := s.current
	if rec == nil && s.persister != nil {
		loaded, err := s.persister.Load(ctx)
		if err != nil {
			s.log.WithError(err).Warn("failed to load persisted session token")
		} else if loaded != nil && loaded.Value != "" {
			s.current = loaded
			rec = loaded
		}
	}
	s.mu.Unlock()

	if rec == nil {
		return nil
	}
	if rec.expired(s.clock.Now()) {
		s.log.WithField("expired_at", rec.ExpiresAt).Debug("session token expired, clearing")
		if err := s.Clear(ctx); err != nil {
			s.log.WithError(err).Warn("failed to clear expired session token")
		}
		return nil
	}
	out := *rec
	return &out
}

// Set stores value as the current credential and persists it.
func (s *TokenStore) Set(ctx context.Context, value string) error {
	if value == "" {
		return errors.New("token value must not be empty")
	}
	rec := &TokenRecord{
		Value:      value,
		ObtainedAt: s.clock.Now(),
		ExpiresAt:  jwtExpiry(value),
	}

	// The durable write stays under mu so a concurrent Clear cannot be
	// overtaken by a Save that started before it.
	s.mu.Lock()
	replaced := s.current != nil && s.current.Value != value
	s.current = rec
	var err error
	if s.persister != nil {
		err = s.persister.Save(ctx, rec)
	}
	s.mu.Unlock()

	// A different credential may belong to a different identity.
	if replaced {
		s.runClearHooks()
	}
	return err
}

// Clear destroys the credential in memory and in durable storage, then runs
// the clear hooks. The hooks run even if the persister fails.
func (s *TokenStore) Clear(ctx context.Context) error {
	s.mu.Lock()
	s.current = nil
	var err error
	if s.persister != nil {
		err = s.persister.Delete(ctx)
	}
	s.mu.Unlock()

	s.runClearHooks()
	return err
}

func (s *TokenStore) runClearHooks() {
	s.hooksMu.Lock()
	hooks := append([]func(){}, s.onClear...)
	s.hooksMu.Unlock()
	for _, fn := range hooks {
		fn()
	}
}

// Token implements oauth2.TokenSource.
func (s *TokenStore) Token() (*oauth2.Token, error) {
	rec := s.Get(context.Background())
	if rec == nil {
		return nil, errNoToken
	}
	return rec.OAuth2(), nil
}

// jwtExpiry reads the exp claim without verifying the signature; the server is
// the authority, this only lets the client drop a credential it knows is dead.
func jwtExpiry(value string) time.Time {
	var claims jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(value, &claims); err != nil {
		return time.Time{}
	}
	if claims.ExpiresAt == nil {
		return time.Time{}
	}
	return claims.ExpiresAt.Time
}
