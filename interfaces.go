package resilientgateway

import (
	"context"
	"time"
)

// Transport executes a single HTTP exchange. It returns an error only when no
// response was received (connection refused, timeout, cancelled context); any
// received response, whatever its status, is returned with a nil error.
// A request that cannot be built is reported by wrapping ErrInvalidRequest.
type Transport interface {
	ExecuteRequest(ctx context.Context, req *NormalizedRequest) (*NormalizedResponse, error)
}

// TransportFunc adapts a function to Transport.
type TransportFunc func(ctx context.Context, req *NormalizedRequest) (*NormalizedResponse, error)

func (f TransportFunc) ExecuteRequest(ctx context.Context, req *NormalizedRequest) (*NormalizedResponse, error) {
	return f(ctx, req)
}

// TokenPersister is the durable backing store for the session credential.
// Load returns (nil, nil) when nothing is stored.
type TokenPersister interface {
	Load(ctx context.Context) (*TokenRecord, error)
	Save(ctx context.Context, rec *TokenRecord) error
	Delete(ctx context.Context) error
}

// WindowStore holds sliding windows. Check must prune, evaluate and (when
// allowed) append as one atomic step per key.
type WindowStore interface {
	Check(ctx context.Context, key string, now time.Time, maxAttempts int, window time.Duration) (Decision, error)
	Reset(ctx context.Context, key string) error
}

// RealtimeDialer opens push connections for a RealtimeChannel.
type RealtimeDialer interface {
	Dial(ctx context.Context, identity, token string) (RealtimeConn, error)
}

// RealtimeConn is one live push connection. ReadMessage blocks until a raw
// frame arrives or the connection drops.
type RealtimeConn interface {
	Join(topic string) error
	Leave(topic string) error
	ReadMessage() ([]byte, error)
	Close() error
}
