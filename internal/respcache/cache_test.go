package respcache

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestKeyQueryOrderIndependence(t *testing.T) {
	a := Key("GET", "/x?a=1&b=2", KeyOptions{})
	b := Key("GET", "/x?b=2&a=1", KeyOptions{})
	assert.Equal(t, a, b)

	// Repeated values are order-independent within a key too
	c := Key("GET", "/x?tag=beta&tag=alpha", KeyOptions{})
	d := Key("GET", "/x?tag=alpha&tag=beta", KeyOptions{})
	assert.Equal(t, c, d)
}

func TestKeyDistinguishesRequestIdentity(t *testing.T) {
	base := Key("GET", "/x?a=1", KeyOptions{})

	assert.NotEqual(t, base, Key("POST", "/x?a=1", KeyOptions{}))
	assert.NotEqual(t, base, Key("GET", "/y?a=1", KeyOptions{}))
	assert.NotEqual(t, base, Key("GET", "/x?a=2", KeyOptions{}))
	assert.NotEqual(t, base, Key("GET", "/x?a=1", KeyOptions{Accept: "text/csv"}))
	assert.NotEqual(t, base, Key("GET", "/x?a=1", KeyOptions{Body: "payload"}))
}

func TestKeyCanonicalizesJSONBodies(t *testing.T) {
	a := Key("POST", "/x", KeyOptions{Body: json.RawMessage(`{"a":1,"b":2}`)})
	b := Key("POST", "/x", KeyOptions{Body: json.RawMessage(`{"b":2,"a":1}`)})
	assert.Equal(t, a, b)
}

func TestKeyUnserializableBodiesDoNotCollide(t *testing.T) {
	a := Key("POST", "/x", KeyOptions{Body: func() {}})
	b := Key("POST", "/x", KeyOptions{Body: make(chan int)})
	assert.NotEqual(t, a, b)
}

func TestKeyLongKeysAreHashed(t *testing.T) {
	long := "/x?q=" + strings.Repeat("a", 500)
	key := Key("GET", long, KeyOptions{})
	assert.LessOrEqual(t, len(key), maxPlainKeyLen)
	assert.Contains(t, key, "#")
	// Deterministic
	assert.Equal(t, key, Key("GET", long, KeyOptions{}))
}

func TestGetSetRoundtrip(t *testing.T) {
	cache := New()
	cache.Set("GET", "/users/5", KeyOptions{}, "payload", 0)

	data, ok := cache.Get("GET", "/users/5", KeyOptions{})
	require.True(t, ok)
	assert.Equal(t, "payload", data)

	_, ok = cache.Get("GET", "/users/6", KeyOptions{})
	assert.False(t, ok)
}

func TestTTLExpiry(t *testing.T) {
	clock := newTestClock()
	cache := New(WithClock(clock.Now))

	cache.Set("GET", "/x", KeyOptions{}, "payload", time.Second)

	_, ok := cache.Get("GET", "/x", KeyOptions{})
	assert.True(t, ok, "hit inside TTL")

	clock.Advance(time.Second) // exactly at expiry is still a hit
	_, ok = cache.Get("GET", "/x", KeyOptions{})
	assert.True(t, ok)

	clock.Advance(time.Millisecond)
	_, ok = cache.Get("GET", "/x", KeyOptions{})
	assert.False(t, ok, "miss past TTL")
	assert.Equal(t, 0, cache.Len(), "stale entry deleted on contact")
}

func TestCapacityEvictsOldest(t *testing.T) {
	clock := newTestClock()
	cache := New(WithClock(clock.Now), WithCapacity(3))

	for i := 1; i <= 3; i++ {
		cache.Set("GET", fmt.Sprintf("/item/%d", i), KeyOptions{}, i, 0)
		clock.Advance(time.Second)
	}

	cache.Set("GET", "/item/4", KeyOptions{}, 4, 0)

	_, ok := cache.Get("GET", "/item/1", KeyOptions{})
	assert.False(t, ok, "oldest entry must be evicted")
	for i := 2; i <= 4; i++ {
		_, ok := cache.Get("GET", fmt.Sprintf("/item/%d", i), KeyOptions{})
		assert.True(t, ok, "entry %d must survive", i)
	}
	assert.Equal(t, int64(1), cache.Stats().Evictions)
}

func TestOverwriteDoesNotEvict(t *testing.T) {
	clock := newTestClock()
	cache := New(WithClock(clock.Now), WithCapacity(2))

	cache.Set("GET", "/a", KeyOptions{}, 1, 0)
	cache.Set("GET", "/b", KeyOptions{}, 2, 0)
	cache.Set("GET", "/a", KeyOptions{}, 3, 0) // same key, replace in place

	assert.Equal(t, 2, cache.Len())
	data, ok := cache.Get("GET", "/a", KeyOptions{})
	require.True(t, ok)
	assert.Equal(t, 3, data)
}

func TestInvalidate(t *testing.T) {
	cache := New()
	cache.Set("GET", "/x?a=1&b=2", KeyOptions{}, "payload", 0)

	// Key normalization applies to invalidation too
	cache.Invalidate("GET", "/x?b=2&a=1", KeyOptions{})

	_, ok := cache.Get("GET", "/x?a=1&b=2", KeyOptions{})
	assert.False(t, ok)
}

func TestInvalidatePattern(t *testing.T) {
	cache := New()
	cache.Set("GET", "/users/1", KeyOptions{}, 1, 0)
	cache.Set("GET", "/users/2", KeyOptions{}, 2, 0)
	cache.Set("GET", "/orders/1", KeyOptions{}, 3, 0)

	removed := cache.InvalidatePattern(regexp.MustCompile(`/users/`))
	assert.Equal(t, 2, removed)

	_, ok := cache.Get("GET", "/orders/1", KeyOptions{})
	assert.True(t, ok)
}

func TestInvalidatePathPrefix(t *testing.T) {
	cache := New()
	cache.Set("GET", "/users/5", KeyOptions{}, 1, 0)
	cache.Set("GET", "/users/5/settings", KeyOptions{}, 2, 0)
	cache.Set("GET", "/users/50", KeyOptions{}, 3, 0)
	cache.Set("GET", "/orders/5", KeyOptions{}, 4, 0)

	removed := cache.InvalidatePathPrefix("/users/5")
	assert.Equal(t, 3, removed)

	_, ok := cache.Get("GET", "/orders/5", KeyOptions{})
	assert.True(t, ok)
}

func TestCleanupRemovesExpired(t *testing.T) {
	clock := newTestClock()
	cache := New(WithClock(clock.Now))

	cache.Set("GET", "/short", KeyOptions{}, 1, time.Second)
	cache.Set("GET", "/long", KeyOptions{}, 2, time.Hour)

	clock.Advance(time.Minute)

	removed := cache.Cleanup()
	assert.Equal(t, 1, removed)
	assert.Equal(t, 1, cache.Len())

	_, ok := cache.Get("GET", "/long", KeyOptions{})
	assert.True(t, ok)
}

func TestSweeperRemovesExpiredEntriesUntilCancelled(t *testing.T) {
	cache := New(WithSweepInterval(10 * time.Millisecond))
	cache.Set("GET", "/short", KeyOptions{}, 1, time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	cache.StartSweeper(ctx)

	require.Eventually(t, func() bool { return cache.Len() == 0 },
		time.Second, 5*time.Millisecond, "sweeper must remove the expired entry")

	cancel()
	time.Sleep(50 * time.Millisecond) // let the goroutine observe cancellation

	// With the sweeper stopped, expired entries linger until touched
	cache.Set("GET", "/stale", KeyOptions{}, 1, time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, cache.Len())
}

func TestClearAndStats(t *testing.T) {
	cache := New(WithCapacity(10))
	cache.Set("GET", "/a", KeyOptions{}, 1, 0)

	_, _ = cache.Get("GET", "/a", KeyOptions{})
	_, _ = cache.Get("GET", "/missing", KeyOptions{})

	stats := cache.Stats()
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
	assert.Equal(t, 1, stats.Size)
	assert.Equal(t, 10, stats.Capacity)

	cache.Clear()
	assert.Equal(t, 0, cache.Len())
}
