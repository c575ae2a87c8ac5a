// response_cache.go
// -----------------
// ResponseCache is the short-TTL in-memory store for GET-style reads.
//
// Entries are immutable once stored; they are replaced on write and evicted
// lazily on read once stale. Every invalidation or clear bumps a generation
// counter so a fetch that started before an invalidation never repopulates the
// cache with pre-write data.
package resilientgateway

import (
	"encoding/json"
	"net/url"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/opengovern/resilient-gateway/internal/clock"
)

// DefaultCacheTTL applies when neither the call site nor the config sets one.
const DefaultCacheTTL = 5 * time.Minute

// CacheEntry is one stored response body.
type CacheEntry struct {
	Key      string
	Value    json.RawMessage
	StoredAt time.Time
	TTL      time.Duration
}

func (e *CacheEntry) expired(now time.Time) bool {
	return now.Sub(e.StoredAt) > e.TTL
}

type ResponseCache struct {
	mu         sync.Mutex
	entries    map[string]*CacheEntry
	defaultTTL time.Duration
	generation uint64
	clock      clock.Clock
}

func NewResponseCache(defaultTTL time.Duration, c clock.Clock) *ResponseCache {
	if defaultTTL <= 0 {
		defaultTTL = DefaultCacheTTL
	}
	if c == nil {
		c = clock.Real()
	}
	return &ResponseCache{
		entries:    make(map[string]*CacheEntry),
		defaultTTL: defaultTTL,
		clock:      c,
	}
}

// Read returns the value stored under key if it is still fresh. A stale entry
// is evicted and reported as a miss.
func (c *ResponseCache) Read(key string) (json.RawMessage, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if entry.expired(c.clock.Now()) {
		delete(c.entries, key)
		return nil, false
	}
	return entry.Value, true
}

// Write stores value under key. A ttl <= 0 uses the cache default.
func (c *ResponseCache) Write(key string, value json.RawMessage, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writeLocked(key, value, ttl)
}

// writeIfGeneration stores value only if no invalidation happened since gen
// was observed. It reports whether the value was stored.
func (c *ResponseCache) writeIfGeneration(key string, value json.RawMessage, ttl time.Duration, gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.generation != gen {
		return false
	}
	c.writeLocked(key, value, ttl)
	return true
}

func (c *ResponseCache) writeLocked(key string, value json.RawMessage, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.defaultTTL
	}
	stored := make(json.RawMessage, len(value))
	copy(stored, value)
	c.entries[key] = &CacheEntry{
		Key:      key,
		Value:    stored,
		StoredAt: c.clock.Now(),
		TTL:      ttl,
	}
}

// Invalidate removes every entry whose key starts with prefix.
func (c *ResponseCache) Invalidate(prefix string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.generation++
	removed := 0
	for key := range c.entries {
		if strings.HasPrefix(key, prefix) {
			delete(c.entries, key)
			removed++
		}
	}
	return removed
}

// InvalidateResource removes every entry, for any method, whose path is root
// or lies below it. "/orders" matches "/orders", "/orders/7" and
// "/orders?page=2" but not "/orders-archive".
func (c *ResponseCache) InvalidateResource(root string) int {
	root = normalizePath(root)

	c.mu.Lock()
	defer c.mu.Unlock()

	c.generation++
	removed := 0
	for key := range c.entries {
		if keyUnderResource(key, root) {
			delete(c.entries, key)
			removed++
		}
	}
	return removed
}

// Clear drops every entry.
func (c *ResponseCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.generation++
	c.entries = make(map[string]*CacheEntry)
}

// Prune physically removes stale entries and returns how many were dropped.
func (c *ResponseCache) Prune() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	removed := 0
	for key, entry := range c.entries {
		if entry.expired(now) {
			delete(c.entries, key)
			removed++
		}
	}
	return removed
}

// Len counts stored entries, stale or not.
func (c *ResponseCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Generation returns the current invalidation generation.
func (c *ResponseCache) Generation() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.generation
}

// CacheKey is the deterministic key for method + normalized path + sorted query.
// A query suffix on p is merged with query.
func CacheKey(method, p string, query url.Values) string {
	p, query, _ = splitTarget(p, query)
	key := strings.ToUpper(method) + " " + normalizePath(p)
	if len(query) == 0 {
		return key
	}
	names := make([]string, 0, len(query))
	for name := range query {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	for _, name := range names {
		values := append([]string(nil), query[name]...)
		sort.Strings(values)
		for _, v := range values {
			if b.Len() > 0 {
				b.WriteByte('&')
			}
			b.WriteString(url.QueryEscape(name))
			b.WriteByte('=')
			b.WriteString(url.QueryEscape(v))
		}
	}
	if b.Len() == 0 {
		return key
	}
	return key + "?" + b.String()
}

// splitTarget cuts a "?query" suffix off p and merges it with extra. extra is
// never modified. On a malformed suffix the well-formed pairs are still
// returned alongside the error.
func splitTarget(p string, extra url.Values) (string, url.Values, error) {
	base, raw, found := strings.Cut(p, "?")
	if !found {
		return p, extra, nil
	}
	query, err := url.ParseQuery(raw)
	for name, values := range extra {
		query[name] = append(query[name], values...)
	}
	return base, query, err
}

// normalizePath cleans p, guarantees a leading slash and drops any trailing slash.
func normalizePath(p string) string {
	if i := strings.IndexByte(p, '?'); i >= 0 {
		p = p[:i]
	}
	if p == "" {
		return "/"
	}
	return path.Clean("/" + p)
}

// resourceRoot reduces a write path to the collection it mutates:
// "/orders/7/status" -> "/orders".
func resourceRoot(p string) string {
	p = normalizePath(p)
	rest := strings.TrimPrefix(p, "/")
	if i := strings.IndexByte(rest, '/'); i >= 0 {
		rest = rest[:i]
	}
	return "/" + rest
}

func keyUnderResource(key, root string) bool {
	sp := strings.IndexByte(key, ' ')
	if sp < 0 {
		return false
	}
	p := key[sp+1:]
	if root == "/" {
		return true
	}
	if !strings.HasPrefix(p, root) {
		return false
	}
	rest := p[len(root):]
	return rest == "" || rest[0] == '/' || rest[0] == '?'
}
