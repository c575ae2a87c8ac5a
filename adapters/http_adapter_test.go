package adapters

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	resilientgateway "github.com/opengovern/resilient-gateway"
	"github.com/opengovern/resilient-gateway/mock"
)

func TestHTTPAdapter_ExecuteRequest(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/echo", r.URL.Path)
		assert.Equal(t, "1", r.URL.Query().Get("v"))
		assert.Equal(t, "Bearer abc", r.Header.Get("Authorization"))
		assert.JSONEq(t, `{"a":1}`, string(body))

		w.Header().Set("X-Trace", "t-1")
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	a := NewHTTPAdapter(srv.URL+"/", 0)
	resp, err := a.ExecuteRequest(context.Background(), &resilientgateway.NormalizedRequest{
		Method:   http.MethodPost,
		Endpoint: "/echo?v=1",
		Headers:  map[string]string{"Authorization": "Bearer abc"},
		Body:     []byte(`{"a":1}`),
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "t-1", resp.Headers["x-trace"])
	assert.JSONEq(t, `{"ok":true}`, string(resp.Data))
}

func TestHTTPAdapter_ErrorStatusIsNotAnError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	resp, err := NewHTTPAdapter(srv.URL, 0).ExecuteRequest(context.Background(),
		&resilientgateway.NormalizedRequest{Method: http.MethodGet, Endpoint: "/"})
	require.NoError(t, err)
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
}

func TestHTTPAdapter_NoResponseIsAnError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := NewHTTPAdapter(url, 0).ExecuteRequest(context.Background(),
		&resilientgateway.NormalizedRequest{Method: http.MethodGet, Endpoint: "/"})
	assert.Error(t, err)
}

func TestHTTPAdapter_UnbuildableRequest(t *testing.T) {
	_, err := NewHTTPAdapter("http://exa mple.com", 0).ExecuteRequest(context.Background(),
		&resilientgateway.NormalizedRequest{Method: http.MethodGet, Endpoint: "/"})
	require.Error(t, err)
	assert.ErrorIs(t, err, resilientgateway.ErrInvalidRequest)
}

func TestHTTPAdapter_Pacing(t *testing.T) {
	a := NewHTTPAdapter("http://example.invalid", 2)
	require.NotNil(t, a.Limiter)
	assert.Nil(t, NewHTTPAdapter("http://example.invalid", 0).Limiter)

	// Burst is spent, so the next wait cannot fit in the deadline.
	require.True(t, a.Limiter.AllowN(time.Now(), 2))
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := a.ExecuteRequest(ctx, &resilientgateway.NormalizedRequest{Method: http.MethodGet, Endpoint: "/"})
	assert.Error(t, err)
}

// End to end against the fake order backend: sign in, read, update, re-read.
func TestGatewayOverHTTP(t *testing.T) {
	srv := mock.NewServer(3)
	defer srv.Close()

	log, _ := test.NewNullLogger()
	gw := resilientgateway.NewResilientGateway(NewHTTPAdapter(srv.URL, 0), nil, resilientgateway.WithLogger(log))
	ctx := context.Background()

	login, err := resilientgateway.Write(http.MethodPost, "/auth/login", map[string]string{"phone": srv.Phone, "password": srv.Password})
	require.NoError(t, err)
	login.RequiresAuth = false
	_, err = gw.SignIn(ctx, login, "data.token")
	require.NoError(t, err)

	var list struct {
		Orders []mock.Order `json:"orders"`
	}
	resp, err := gw.Send(ctx, resilientgateway.Get("/orders", nil))
	require.NoError(t, err)
	require.NoError(t, resp.Decode(&list))
	require.Len(t, list.Orders, 3)
	assert.Equal(t, "pending", list.Orders[1].Status)

	resp, err = gw.Send(ctx, resilientgateway.Get("/orders", nil))
	require.NoError(t, err)
	assert.True(t, resp.FromCache)
	assert.Equal(t, 1, srv.Hits(http.MethodGet, "/orders"))

	upd, err := resilientgateway.Write(http.MethodPut, "/orders/2/status", map[string]string{"status": "shipped"})
	require.NoError(t, err)
	_, err = gw.Send(ctx, upd)
	require.NoError(t, err)

	resp, err = gw.Send(ctx, resilientgateway.Get("/orders", nil))
	require.NoError(t, err)
	assert.False(t, resp.FromCache)
	require.NoError(t, resp.Decode(&list))
	assert.Equal(t, "shipped", list.Orders[1].Status)
	assert.Equal(t, 2, srv.Hits(http.MethodGet, "/orders"))

	missing, err := resilientgateway.Write(http.MethodPut, "/orders/99/status", map[string]string{"status": "shipped"})
	require.NoError(t, err)
	_, err = gw.Send(ctx, missing)
	assert.ErrorIs(t, err, resilientgateway.ErrValidation)

	_, err = gw.Send(ctx, &resilientgateway.RequestDescriptor{Path: "/boom"})
	assert.ErrorIs(t, err, resilientgateway.ErrServer)

	srv.RevokeToken()
	_, err = gw.Send(ctx, resilientgateway.Get("/orders/1", nil))
	assert.ErrorIs(t, err, resilientgateway.ErrAuth)
	assert.Nil(t, gw.Tokens().Get(ctx))
	assert.Equal(t, 0, gw.Cache().Len())
}

func TestGatewayOverHTTP_WrongPassword(t *testing.T) {
	srv := mock.NewServer(0)
	defer srv.Close()

	log, _ := test.NewNullLogger()
	gw := resilientgateway.NewResilientGateway(NewHTTPAdapter(srv.URL, 0), nil, resilientgateway.WithLogger(log))

	login, err := resilientgateway.Write(http.MethodPost, "/auth/login", map[string]string{"phone": srv.Phone, "password": "nope"})
	require.NoError(t, err)
	login.RequiresAuth = false
	_, err = gw.SignIn(context.Background(), login, "data.token")

	var gerr *resilientgateway.Error
	require.ErrorAs(t, err, &gerr)
	assert.Equal(t, resilientgateway.KindAuth, gerr.Kind)
	assert.Equal(t, "Invalid phone number or password", gerr.Message)
}
