package mock

import (
	"context"
	"errors"
	"sync"

	resilientgateway "github.com/opengovern/resilient-gateway"
)

// ErrConnectionRefused is a ready-made transport failure.
var ErrConnectionRefused = errors.New("dial tcp 127.0.0.1:443: connect: connection refused")

// Step is one scripted transport outcome. A non-nil Err means no response.
type Step struct {
	StatusCode int
	Body       string
	Headers    map[string]string
	Err        error
}

// OK is a 200 with body.
func OK(body string) Step { return Step{StatusCode: 200, Body: body} }

// Status is a response with the given status and body.
func Status(code int, body string) Step { return Step{StatusCode: code, Body: body} }

// Fail is a transport failure.
func Fail(err error) Step { return Step{Err: err} }

// MockAdapter is a scripted Transport. Queued steps are consumed in order;
// once exhausted every call gets Default. Handler, when set, takes precedence
// over both.
type MockAdapter struct {
	mu       sync.Mutex
	steps    []Step
	Default  Step
	Handler  func(req *resilientgateway.NormalizedRequest) Step
	requests []*resilientgateway.NormalizedRequest
}

func NewMockAdapter(steps ...Step) *MockAdapter {
	return &MockAdapter{
		steps:   steps,
		Default: OK(`{"success":true}`),
	}
}

// Enqueue appends steps to the script.
func (m *MockAdapter) Enqueue(steps ...Step) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.steps = append(m.steps, steps...)
}

func (m *MockAdapter) ExecuteRequest(ctx context.Context, req *resilientgateway.NormalizedRequest) (*resilientgateway.NormalizedResponse, error) {
	m.mu.Lock()
	m.requests = append(m.requests, req)
	var step Step
	switch {
	case m.Handler != nil:
		h := m.Handler
		m.mu.Unlock()
		step = h(req)
		m.mu.Lock()
	case len(m.steps) > 0:
		step = m.steps[0]
		m.steps = m.steps[1:]
	default:
		step = m.Default
	}
	m.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if step.Err != nil {
		return nil, step.Err
	}
	headers := map[string]string{}
	for k, v := range step.Headers {
		headers[k] = v
	}
	return &resilientgateway.NormalizedResponse{
		StatusCode: step.StatusCode,
		Headers:    headers,
		Data:       []byte(step.Body),
	}, nil
}

// Calls returns how many requests were executed.
func (m *MockAdapter) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}

// Requests returns every executed request in order.
func (m *MockAdapter) Requests() []*resilientgateway.NormalizedRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*resilientgateway.NormalizedRequest(nil), m.requests...)
}

// LastRequest returns the most recent request, or nil.
func (m *MockAdapter) LastRequest() *resilientgateway.NormalizedRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.requests) == 0 {
		return nil
	}
	return m.requests[len(m.requests)-1]
}
