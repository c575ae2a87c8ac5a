package resilientgateway

import (
	"encoding/json"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opengovern/resilient-gateway/internal/clock"
)

var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func TestResponseCache_TTLBoundary(t *testing.T) {
	fc := clock.NewFake(epoch)
	c := NewResponseCache(time.Minute, fc)
	const eps = time.Millisecond

	c.Write("GET /orders", json.RawMessage(`{"v":1}`), 10*time.Second)

	fc.Advance(10*time.Second - eps)
	got, ok := c.Read("GET /orders")
	require.True(t, ok, "read just before expiry should hit")
	assert.JSONEq(t, `{"v":1}`, string(got))

	fc.Advance(2 * eps)
	_, ok = c.Read("GET /orders")
	assert.False(t, ok, "read just after expiry should miss")
	assert.Equal(t, 0, c.Len(), "stale entry should be evicted on read")
}

func TestResponseCache_DefaultTTL(t *testing.T) {
	fc := clock.NewFake(epoch)
	c := NewResponseCache(0, fc)

	c.Write("k", json.RawMessage(`1`), 0)
	fc.Advance(DefaultCacheTTL)
	_, ok := c.Read("k")
	assert.True(t, ok)

	fc.Advance(time.Millisecond)
	_, ok = c.Read("k")
	assert.False(t, ok)
}

func TestResponseCache_WriteCopiesValue(t *testing.T) {
	c := NewResponseCache(time.Minute, clock.NewFake(epoch))
	buf := json.RawMessage(`"abc"`)
	c.Write("k", buf, 0)
	buf[1] = 'z'

	got, ok := c.Read("k")
	require.True(t, ok)
	assert.Equal(t, `"abc"`, string(got))
}

func TestResponseCache_InvalidatePrefix(t *testing.T) {
	c := NewResponseCache(time.Minute, clock.NewFake(epoch))
	c.Write("GET /orders", json.RawMessage(`1`), 0)
	c.Write("GET /orders/7", json.RawMessage(`2`), 0)
	c.Write("GET /profile", json.RawMessage(`3`), 0)

	n := c.Invalidate("GET /orders")
	assert.Equal(t, 2, n)
	_, ok := c.Read("GET /profile")
	assert.True(t, ok)
}

func TestResponseCache_InvalidateResourceBoundaries(t *testing.T) {
	c := NewResponseCache(time.Minute, clock.NewFake(epoch))
	keys := []string{
		CacheKey("GET", "/orders", nil),
		CacheKey("GET", "/orders/7", nil),
		CacheKey("GET", "/orders", url.Values{"page": {"2"}}),
		CacheKey("GET", "/orders-archive", nil),
		CacheKey("GET", "/profile", nil),
	}
	for _, k := range keys {
		c.Write(k, json.RawMessage(`{}`), 0)
	}

	n := c.InvalidateResource("/orders")
	assert.Equal(t, 3, n)

	_, ok := c.Read(CacheKey("GET", "/orders-archive", nil))
	assert.True(t, ok, "sibling resource sharing a prefix must survive")
	_, ok = c.Read(CacheKey("GET", "/profile", nil))
	assert.True(t, ok)
}

func TestResponseCache_GenerationGuardsStaleWrites(t *testing.T) {
	c := NewResponseCache(time.Minute, clock.NewFake(epoch))
	gen := c.Generation()

	c.InvalidateResource("/orders")
	stored := c.writeIfGeneration("GET /orders", json.RawMessage(`"old"`), 0, gen)
	assert.False(t, stored)
	assert.Equal(t, 0, c.Len())

	stored = c.writeIfGeneration("GET /orders", json.RawMessage(`"new"`), 0, c.Generation())
	assert.True(t, stored)
}

func TestResponseCache_ClearAndPrune(t *testing.T) {
	fc := clock.NewFake(epoch)
	c := NewResponseCache(time.Minute, fc)
	c.Write("a", json.RawMessage(`1`), time.Second)
	c.Write("b", json.RawMessage(`2`), time.Hour)

	fc.Advance(2 * time.Second)
	assert.Equal(t, 1, c.Prune())
	assert.Equal(t, 1, c.Len())

	before := c.Generation()
	c.Clear()
	assert.Equal(t, 0, c.Len())
	assert.Greater(t, c.Generation(), before)
}

func TestCacheKey(t *testing.T) {
	tests := []struct {
		name   string
		method string
		path   string
		query  url.Values
		want   string
	}{
		{"no query", "get", "/orders", nil, "GET /orders"},
		{"trailing slash", "GET", "/orders/", nil, "GET /orders"},
		{"missing leading slash", "GET", "orders/7", nil, "GET /orders/7"},
		{"sorted params", "GET", "/orders", url.Values{"status": {"open"}, "page": {"2"}}, "GET /orders?page=2&status=open"},
		{"sorted values", "GET", "/orders", url.Values{"id": {"9", "3"}}, "GET /orders?id=3&id=9"},
		{"escaped", "GET", "/search", url.Values{"q": {"a b&c"}}, "GET /search?q=a+b%26c"},
		{"empty values", "GET", "/orders", url.Values{"x": {}}, "GET /orders"},
		{"query in path", "GET", "/orders?page=3", nil, "GET /orders?page=3"},
		{"query in path merged", "GET", "/orders?status=open&page=2", url.Values{"page": {"1"}}, "GET /orders?page=1&page=2&status=open"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CacheKey(tt.method, tt.path, tt.query))
		})
	}
}

func TestSplitTarget_DoesNotModifyQuery(t *testing.T) {
	extra := url.Values{"a": {"1"}}
	p, q, err := splitTarget("/orders?a=2", extra)
	require.NoError(t, err)
	assert.Equal(t, "/orders", p)
	assert.Equal(t, []string{"2", "1"}, q["a"])
	assert.Equal(t, url.Values{"a": {"1"}}, extra)

	_, _, err = splitTarget("/orders?a=%zz", nil)
	assert.Error(t, err)
}

func TestCacheKey_InsertionOrderIndependent(t *testing.T) {
	a := url.Values{}
	a.Add("b", "2")
	a.Add("a", "1")
	b := url.Values{}
	b.Add("a", "1")
	b.Add("b", "2")
	assert.Equal(t, CacheKey("GET", "/x", a), CacheKey("GET", "/x", b))
}

func TestResourceRoot(t *testing.T) {
	assert.Equal(t, "/orders", resourceRoot("/orders/7/status"))
	assert.Equal(t, "/orders", resourceRoot("/orders"))
	assert.Equal(t, "/orders", resourceRoot("orders/7?x=1"))
	assert.Equal(t, "/", resourceRoot("/"))
}
