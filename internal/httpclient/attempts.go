package httpclient

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	// DefaultMaxRefreshAttempts is how many refresh attempts one credential
	// gets within the window before the client stops and forces re-login.
	DefaultMaxRefreshAttempts = 5

	// DefaultAttemptWindow is the sliding window for the attempt budget.
	DefaultAttemptWindow = time.Minute

	// attemptKeyLen is how much of the refresh token identifies its attempt
	// record. Enough to distinguish credentials without holding the secret.
	attemptKeyLen = 8

	limiterCleanupInterval = 5 * time.Minute
)

// attemptLimiter rate-limits token refresh attempts per credential, so a
// permanently-invalid refresh token cannot drive an infinite refresh/retry
// loop. One token-bucket limiter per refresh-token prefix.
type attemptLimiter struct {
	limiters sync.Map // map[string]*rate.Limiter
	limit    rate.Limit
	burst    int

	mu          sync.Mutex
	lastCleanup time.Time
}

func newAttemptLimiter(maxAttempts int, window time.Duration) *attemptLimiter {
	return &attemptLimiter{
		limit:       rate.Limit(float64(maxAttempts) / window.Seconds()),
		burst:       maxAttempts,
		lastCleanup: time.Now(),
	}
}

// attemptKey reduces a refresh token to its attempt-record key.
func attemptKey(refreshToken string) string {
	if len(refreshToken) <= attemptKeyLen {
		return refreshToken
	}
	return refreshToken[:attemptKeyLen]
}

// Allow consumes one attempt for the credential, reporting whether the
// budget still had room.
func (l *attemptLimiter) Allow(key string) bool {
	limiter := l.getLimiter(key)
	return limiter.Allow()
}

// Forget drops the attempt record for a credential after authentication
// succeeds again.
func (l *attemptLimiter) Forget(key string) {
	l.limiters.Delete(key)
}

func (l *attemptLimiter) getLimiter(key string) *rate.Limiter {
	// Fast path: limiter already exists
	if limiter, ok := l.limiters.Load(key); ok {
		return limiter.(*rate.Limiter)
	}

	limiter := rate.NewLimiter(l.limit, l.burst)
	actual, _ := l.limiters.LoadOrStore(key, limiter)

	l.maybeCleanup()

	return actual.(*rate.Limiter)
}

// maybeCleanup prunes limiters with full token buckets, which have been idle
// at least a full window. Prevents accumulating records for rotated tokens.
func (l *attemptLimiter) maybeCleanup() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if time.Since(l.lastCleanup) < limiterCleanupInterval {
		return
	}
	l.lastCleanup = time.Now()

	l.limiters.Range(func(key, value any) bool {
		limiter := value.(*rate.Limiter)
		if limiter.Tokens() >= float64(l.burst) {
			l.limiters.Delete(key)
		}
		return true
	})
}
