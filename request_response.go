package resilientgateway

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// RequestDescriptor describes one logical call through the gateway. It is
// built fresh per call and never persisted.
type RequestDescriptor struct {
	Method  string
	Path    string
	Query   url.Values
	Body    []byte
	Headers map[string]string

	IsIdempotent bool // safe to repeat on transport failure
	RequiresAuth bool
	Cacheable    bool
	CacheTTL     time.Duration // zero uses the gateway default

	RateLimitPolicy string // empty means not rate limited
	RateLimitKey    string // identifier inside the policy (phone, user id, IP)

	Timeout time.Duration // zero uses the gateway default
}

// Get builds an idempotent, cacheable, authenticated read.
func Get(path string, query url.Values) *RequestDescriptor {
	return &RequestDescriptor{
		Method:       http.MethodGet,
		Path:         path,
		Query:        query,
		IsIdempotent: true,
		RequiresAuth: true,
		Cacheable:    true,
	}
}

// Write builds an authenticated mutating call carrying body as JSON.
func Write(method, path string, body any) (*RequestDescriptor, error) {
	var data []byte
	if body != nil {
		var err error
		if data, err = json.Marshal(body); err != nil {
			return nil, err
		}
	}
	return &RequestDescriptor{
		Method:       strings.ToUpper(method),
		Path:         path,
		Body:         data,
		IsIdempotent: false,
		RequiresAuth: true,
	}, nil
}

func (d *RequestDescriptor) method() string {
	if d.Method == "" {
		return http.MethodGet
	}
	return strings.ToUpper(d.Method)
}

func (d *RequestDescriptor) isRead() bool {
	m := d.method()
	return m == http.MethodGet || m == http.MethodHead
}

// NormalizedRequest is what a Transport receives: the descriptor resolved to a
// concrete endpoint with headers (including the credential) applied.
type NormalizedRequest struct {
	Method   string
	Endpoint string // path plus encoded query
	Headers  map[string]string
	Body     []byte
}

// NormalizedResponse is a received response, whatever its status.
type NormalizedResponse struct {
	StatusCode int
	Headers    map[string]string // lowercase keys
	Data       []byte
}

// Response is the successful outcome of Send.
type Response struct {
	StatusCode int
	Headers    map[string]string
	Data       json.RawMessage
	FromCache  bool
}

// Decode unmarshals the response body into v.
func (r *Response) Decode(v any) error {
	return json.Unmarshal(r.Data, v)
}
