// http_adapter.go
// ---------------
// HTTPAdapter is the production Transport: it turns a NormalizedRequest into a
// net/http call against the configured base URL and normalises the response.
//
// Key Points:
// - Any received response is returned with a nil error, whatever its status;
//   only a missing response (dial failure, timeout, cancelled context) is an error,
//   apart from a request that cannot be built, which wraps ErrInvalidRequest.
// - Response header names are lowercased, first value wins.
// - Optional client-side pacing with a token bucket, so bursts from bulk
//   operations do not trip server-side throttling.
package adapters

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	resilientgateway "github.com/opengovern/resilient-gateway"
)

const DefaultHTTPTimeout = 30 * time.Second

type HTTPAdapter struct {
	BaseURL string
	Client  *http.Client
	Limiter *rate.Limiter // nil disables pacing
}

// NewHTTPAdapter builds an adapter for baseURL. requestsPerSecond <= 0
// disables pacing.
func NewHTTPAdapter(baseURL string, requestsPerSecond float64) *HTTPAdapter {
	a := &HTTPAdapter{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Client:  &http.Client{Timeout: DefaultHTTPTimeout},
	}
	if requestsPerSecond > 0 {
		burst := int(requestsPerSecond)
		if burst < 1 {
			burst = 1
		}
		a.Limiter = rate.NewLimiter(rate.Limit(requestsPerSecond), burst)
	}
	return a
}

func (a *HTTPAdapter) ExecuteRequest(ctx context.Context, req *resilientgateway.NormalizedRequest) (*resilientgateway.NormalizedResponse, error) {
	if a.Limiter != nil {
		if err := a.Limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("request pacing: %w", err)
		}
	}

	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, a.BaseURL+req.Endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", resilientgateway.ErrInvalidRequest, err)
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	client := a.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}

	headers := make(map[string]string)
	for k, vals := range resp.Header {
		if len(vals) > 0 {
			headers[strings.ToLower(k)] = vals[0]
		}
	}

	return &resilientgateway.NormalizedResponse{
		StatusCode: resp.StatusCode,
		Headers:    headers,
		Data:       data,
	}, nil
}
