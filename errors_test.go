package resilientgateway

import (
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestClassifyResponse(t *testing.T) {
	tests := []struct {
		status  int
		body    string
		kind    ErrorKind
		message string
	}{
		{401, `{"message":"token expired"}`, KindAuth, "token expired"},
		{400, `{"message":"Phone number is invalid"}`, KindValidation, "Phone number is invalid"},
		{404, `{"error":"not_found","error_description":"Order not found"}`, KindValidation, "Order not found"},
		{422, `{"errors":[{"message":"status is required"}]}`, KindValidation, "status is required"},
		{409, `{"error":{"message":"already assigned"}}`, KindValidation, "already assigned"},
		{429, `{"error":"slow down"}`, KindValidation, "slow down"},
		{500, `{"message":"internal error"}`, KindServer, "internal error"},
		{502, `Bad Gateway`, KindServer, "Bad Gateway"},
		{503, ``, KindServer, ""},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%d", tt.status), func(t *testing.T) {
			err := classifyResponse(&NormalizedResponse{StatusCode: tt.status, Data: []byte(tt.body)})
			assert.Equal(t, tt.kind, err.Kind)
			assert.Equal(t, tt.status, err.StatusCode)
			assert.Equal(t, tt.message, err.Message)
		})
	}
}

func TestServerMessage_TruncatesRawBody(t *testing.T) {
	body := strings.Repeat("x", 2000)
	assert.Len(t, serverMessage([]byte(body)), 512)
}

func TestError_IsMatchesKindSentinel(t *testing.T) {
	var err error = &Error{Kind: KindValidation, StatusCode: 400}
	assert.ErrorIs(t, err, ErrValidation)
	assert.NotErrorIs(t, err, ErrServer)

	wrapped := fmt.Errorf("update order: %w", transportError(errors.New("timeout")))
	assert.ErrorIs(t, wrapped, ErrTransport)
	assert.Equal(t, KindTransport, KindOf(wrapped))
	assert.Equal(t, KindUnknown, KindOf(errors.New("plain")))
}

func TestError_UserMessage(t *testing.T) {
	assert.Equal(t, connectionMessage, transportError(errors.New("refused")).UserMessage())
	assert.Contains(t, (&Error{Kind: KindAuth, Message: "jwt expired"}).UserMessage(), "sign in again")
	assert.Equal(t, "Phone number is invalid", (&Error{Kind: KindValidation, Message: "Phone number is invalid"}).UserMessage())
	assert.Equal(t, "Something went wrong. Please try again.", (&Error{Kind: KindServer}).UserMessage())
}

func TestRateLimitError(t *testing.T) {
	err := rateLimitError(4700 * time.Millisecond)
	assert.Equal(t, KindRateLimit, err.Kind)
	assert.Equal(t, 4700*time.Millisecond, err.RemainingTime)
	assert.Equal(t, "Too many attempts. Please try again in 5 seconds.", err.UserMessage())

	assert.Contains(t, rateLimitError(100*time.Millisecond).Message, "in 1 seconds")
}

func TestError_String(t *testing.T) {
	err := &Error{Kind: KindServer, StatusCode: 500, Message: "boom"}
	assert.Equal(t, "server (500): boom", err.Error())
	assert.Equal(t, "transport: refused", transportError(errors.New("refused")).Error())
}
