// Package respcache is an in-process, size-bounded, TTL-based cache for
// idempotent API responses, keyed by normalized request identity.
//
// Only successful GET responses belong here. Mutating calls never populate
// the cache; instead they invalidate every entry under the mutated path.
// Expired entries are logically absent even before the background sweeper
// removes them: reads self-heal by deleting stale entries on contact.
package respcache

import (
	"context"
	"log/slog"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"time"
)

const (
	// DefaultTTL applies when Set is called without an explicit TTL.
	DefaultTTL = 5 * time.Minute

	// DefaultCapacity bounds the entry count. Inserting past capacity evicts
	// the single oldest entry by timestamp.
	DefaultCapacity = 100

	// DefaultSweepInterval is how often the background sweeper runs.
	DefaultSweepInterval = time.Minute
)

type entry struct {
	data      any
	timestamp time.Time
	expiresAt time.Time

	// path is the normalized URL path, kept for prefix invalidation after
	// mutating calls (the key itself may be hashed).
	path string
}

// Stats is a point-in-time snapshot of cache effectiveness.
type Stats struct {
	Hits      int64
	Misses    int64
	Evictions int64
	Size      int
	Capacity  int
}

// Option configures a Cache.
type Option func(*Cache)

// WithTTL overrides the default entry TTL.
func WithTTL(ttl time.Duration) Option {
	return func(c *Cache) {
		c.ttl = ttl
	}
}

// WithCapacity overrides the maximum entry count.
func WithCapacity(capacity int) Option {
	return func(c *Cache) {
		c.capacity = capacity
	}
}

// WithSweepInterval overrides the background sweep cadence.
func WithSweepInterval(interval time.Duration) Option {
	return func(c *Cache) {
		c.sweepInterval = interval
	}
}

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Cache) {
		c.logger = logger
	}
}

// WithClock overrides the time source. Intended for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) {
		c.now = now
	}
}

// Cache is a bounded TTL map guarded by a RWMutex. It is never persisted.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]*entry

	ttl           time.Duration
	capacity      int
	sweepInterval time.Duration
	logger        *slog.Logger
	now           func() time.Time

	hits      int64
	misses    int64
	evictions int64
}

// New creates a Cache with the given options.
func New(opts ...Option) *Cache {
	c := &Cache{
		entries:       make(map[string]*entry),
		ttl:           DefaultTTL,
		capacity:      DefaultCapacity,
		sweepInterval: DefaultSweepInterval,
		logger:        slog.Default(),
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get returns the cached response for the request identity, if present and
// unexpired. Stale entries are deleted on contact.
func (c *Cache) Get(method, rawURL string, opts KeyOptions) (any, bool) {
	key := Key(method, rawURL, opts)
	now := c.now()

	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()

	if ok && !now.After(e.expiresAt) {
		c.mu.Lock()
		c.hits++
		c.mu.Unlock()
		return e.data, true
	}

	c.mu.Lock()
	if e, ok := c.entries[key]; ok && now.After(e.expiresAt) {
		delete(c.entries, key)
	}
	c.misses++
	c.mu.Unlock()
	return nil, false
}

// Set inserts or overwrites the entry for the request identity. A zero ttl
// means the default. At capacity, the single oldest entry by timestamp is
// evicted first.
func (c *Cache) Set(method, rawURL string, opts KeyOptions, data any, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.ttl
	}
	key := Key(method, rawURL, opts)
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[key]; !exists && len(c.entries) >= c.capacity {
		c.evictOldestLocked()
	}

	c.entries[key] = &entry{
		data:      data,
		timestamp: now,
		expiresAt: now.Add(ttl),
		path:      requestPath(rawURL),
	}
}

// evictOldestLocked removes the entry with the oldest timestamp. Ties are
// broken arbitrarily.
func (c *Cache) evictOldestLocked() {
	var oldestKey string
	var oldest time.Time
	for key, e := range c.entries {
		if oldestKey == "" || e.timestamp.Before(oldest) {
			oldestKey = key
			oldest = e.timestamp
		}
	}
	if oldestKey != "" {
		delete(c.entries, oldestKey)
		c.evictions++
	}
}

// Invalidate removes the entry for a single request identity.
func (c *Cache) Invalidate(method, rawURL string, opts KeyOptions) {
	key := Key(method, rawURL, opts)

	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}

// InvalidatePattern removes every entry whose key matches the pattern and
// returns the number removed. A full scan is acceptable at the cache's
// bounded size.
func (c *Cache) InvalidatePattern(pattern *regexp.Regexp) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for key := range c.entries {
		if pattern.MatchString(key) {
			delete(c.entries, key)
			removed++
		}
	}
	return removed
}

// InvalidatePathPrefix removes every entry whose request path starts with
// the given path. Called after mutating requests so that stale reads under
// the mutated resource are impossible once the mutation completes.
func (c *Cache) InvalidatePathPrefix(rawURL string) int {
	prefix := requestPath(rawURL)
	if prefix == "" {
		return 0
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for key, e := range c.entries {
		if strings.HasPrefix(e.path, prefix) {
			delete(c.entries, key)
			removed++
		}
	}
	return removed
}

// Clear removes all entries.
func (c *Cache) Clear() {
	c.mu.Lock()
	c.entries = make(map[string]*entry)
	c.mu.Unlock()
}

// Len returns the current entry count, counting entries not yet swept.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Stats returns a snapshot of cache effectiveness counters.
func (c *Cache) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Stats{
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
		Size:      len(c.entries),
		Capacity:  c.capacity,
	}
}

// StartSweeper runs a periodic cleanup goroutine until ctx is cancelled.
// Get/Set already self-heal on stale reads; the sweeper only keeps memory
// bounded between reads.
func (c *Cache) StartSweeper(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(c.sweepInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if removed := c.Cleanup(); removed > 0 {
					c.logger.DebugContext(ctx, "swept expired cache entries", "removed", removed)
				}
			}
		}
	}()
}

// Cleanup removes all expired entries and returns the number removed.
func (c *Cache) Cleanup() int {
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for key, e := range c.entries {
		if now.After(e.expiresAt) {
			delete(c.entries, key)
			removed++
		}
	}
	return removed
}

// requestPath extracts the normalized path component of a request URL.
func requestPath(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	return u.Path
}
