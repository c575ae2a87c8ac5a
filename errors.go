// errors.go
// ---------
// Typed outcomes for everything that can go wrong on a network-facing call.
// Callers branch on Kind (or errors.Is against the sentinels) instead of
// matching message strings.
package resilientgateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// ErrorKind classifies a gateway failure.
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	KindTransport
	KindAuth
	KindValidation
	KindServer
	KindRateLimit
)

func (k ErrorKind) String() string {
	switch k {
	case KindTransport:
		return "transport"
	case KindAuth:
		return "auth"
	case KindValidation:
		return "validation"
	case KindServer:
		return "server"
	case KindRateLimit:
		return "rate_limit"
	default:
		return "unknown"
	}
}

// Sentinels for errors.Is. Every *Error matches the sentinel of its Kind.
var (
	ErrTransport   = errors.New("transport failure")
	ErrAuth        = errors.New("authentication required")
	ErrValidation  = errors.New("request rejected")
	ErrServer      = errors.New("server error")
	ErrRateLimited = errors.New("rate limited")

	// ErrInvalidRequest is wrapped by a Transport that could not build the
	// request at all. Such failures are never retried.
	ErrInvalidRequest = errors.New("invalid request")
)

const connectionMessage = "Unable to reach the server. Check your connection and try again."

// Error is the concrete error returned by the gateway.
type Error struct {
	Kind          ErrorKind
	StatusCode    int           // zero when no response was received
	Message       string        // server-supplied or computed message
	RemainingTime time.Duration // RateLimit only
	Err           error         // underlying cause, if any
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Kind.String())
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, " (%d)", e.StatusCode)
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	switch target {
	case ErrTransport:
		return e.Kind == KindTransport
	case ErrAuth:
		return e.Kind == KindAuth
	case ErrValidation:
		return e.Kind == KindValidation
	case ErrServer:
		return e.Kind == KindServer
	case ErrRateLimited:
		return e.Kind == KindRateLimit
	}
	return false
}

// UserMessage is the text a UI should render for this failure.
func (e *Error) UserMessage() string {
	switch e.Kind {
	case KindTransport:
		return connectionMessage
	case KindAuth:
		return "Your session has expired. Please sign in again."
	}
	if e.Message != "" {
		return e.Message
	}
	return "Something went wrong. Please try again."
}

// KindOf returns the Kind of err, or KindUnknown if err is not a gateway error.
func KindOf(err error) ErrorKind {
	var gerr *Error
	if errors.As(err, &gerr) {
		return gerr.Kind
	}
	return KindUnknown
}

// IsTransport reports whether err means no response was received.
func IsTransport(err error) bool {
	return KindOf(err) == KindTransport
}

func transportError(err error) *Error {
	return &Error{Kind: KindTransport, Err: err}
}

func rateLimitError(remaining time.Duration) *Error {
	secs := int(remaining.Round(time.Second) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return &Error{
		Kind:          KindRateLimit,
		Message:       fmt.Sprintf("Too many attempts. Please try again in %d seconds.", secs),
		RemainingTime: remaining,
	}
}

// classifyResponse maps a non-2xx response to a typed error.
func classifyResponse(resp *NormalizedResponse) *Error {
	msg := serverMessage(resp.Data)
	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return &Error{Kind: KindAuth, StatusCode: resp.StatusCode, Message: msg}
	case resp.StatusCode >= 500:
		return &Error{Kind: KindServer, StatusCode: resp.StatusCode, Message: msg}
	default:
		return &Error{Kind: KindValidation, StatusCode: resp.StatusCode, Message: msg}
	}
}

// serverMessage extracts a human readable message from a JSON error body,
// falling back to the trimmed raw body.
func serverMessage(data []byte) string {
	if len(data) == 0 {
		return ""
	}
	var body struct {
		Message          string `json:"message"`
		Error            any    `json:"error"`
		ErrorDescription string `json:"error_description"`
		Errors           []struct {
			Message string `json:"message"`
		} `json:"errors"`
	}
	if err := json.Unmarshal(data, &body); err == nil {
		switch {
		case body.Message != "":
			return body.Message
		case body.ErrorDescription != "":
			return body.ErrorDescription
		case len(body.Errors) > 0 && body.Errors[0].Message != "":
			return body.Errors[0].Message
		}
		if s, ok := body.Error.(string); ok && s != "" {
			return s
		}
		if m, ok := body.Error.(map[string]any); ok {
			if s, ok := m["message"].(string); ok {
				return s
			}
		}
		return ""
	}
	s := strings.TrimSpace(string(data))
	if len(s) > 512 {
		s = s[:512]
	}
	return s
}
