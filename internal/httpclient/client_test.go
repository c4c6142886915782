package httpclient

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mberan/apilink/internal/respcache"
	"github.com/mberan/apilink/internal/securestore"
	"github.com/mberan/apilink/internal/tokens"
)

// newTestManager builds a token manager over in-memory storage, seeded with
// the given pair. The refresh func may be nil for tests that never refresh.
func newTestManager(t *testing.T, pair *tokens.TokenPair, refresh tokens.RefreshFunc) *tokens.Manager {
	t.Helper()

	if refresh == nil {
		refresh = func(ctx context.Context, refreshToken string) (*tokens.TokenPair, error) {
			return nil, fmt.Errorf("refresh not configured")
		}
	}

	store, err := securestore.New(securestore.NewMemorySink())
	require.NoError(t, err)
	manager, err := tokens.NewManager(store, refresh)
	require.NoError(t, err)
	if pair != nil {
		require.NoError(t, manager.SetTokens(context.Background(), pair))
	}
	return manager
}

func freshPair(access, refresh string) *tokens.TokenPair {
	return &tokens.TokenPair{
		AccessToken:  access,
		RefreshToken: refresh,
		ExpiresAt:    time.Now().Add(time.Hour).UnixMilli(),
	}
}

func TestRequestAttachesBearerToken(t *testing.T) {
	var gotAuth atomic.Value
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth.Store(r.Header.Get("Authorization"))
		fmt.Fprint(w, `{"ok":true}`)
	}))
	defer server.Close()

	manager := newTestManager(t, freshPair("T1", "R1"), nil)
	client, err := New(server.URL, manager)
	require.NoError(t, err)

	raw, err := client.Get(context.Background(), "/resource")
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(raw))
	assert.Equal(t, "Bearer T1", gotAuth.Load())
}

func TestRequestWithoutTokensGoesUnauthenticated(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.Header.Get("Authorization"))
		fmt.Fprint(w, `{"public":true}`)
	}))
	defer server.Close()

	manager := newTestManager(t, nil, nil)
	client, err := New(server.URL, manager)
	require.NoError(t, err)

	_, err = client.Get(context.Background(), "/public")
	require.NoError(t, err)
}

func TestGetServedFromCache(t *testing.T) {
	var hits atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		fmt.Fprint(w, `{"n":1}`)
	}))
	defer server.Close()

	manager := newTestManager(t, freshPair("T1", "R1"), nil)
	client, err := New(server.URL, manager, WithCache(respcache.New()))
	require.NoError(t, err)

	ctx := context.Background()
	for range 3 {
		raw, err := client.Get(ctx, "/users/5")
		require.NoError(t, err)
		assert.JSONEq(t, `{"n":1}`, string(raw))
	}
	assert.Equal(t, int64(1), hits.Load(), "repeat GETs must be served from cache")
}

func TestCacheKeyOrderIndependentQueries(t *testing.T) {
	var hits atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		fmt.Fprint(w, `{}`)
	}))
	defer server.Close()

	manager := newTestManager(t, freshPair("T1", "R1"), nil)
	client, err := New(server.URL, manager, WithCache(respcache.New()))
	require.NoError(t, err)

	ctx := context.Background()
	_, err = client.Get(ctx, "/x?a=1&b=2")
	require.NoError(t, err)
	_, err = client.Get(ctx, "/x?b=2&a=1")
	require.NoError(t, err)

	assert.Equal(t, int64(1), hits.Load())
}

func TestMutationInvalidatesCachedReads(t *testing.T) {
	var getHits atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			getHits.Add(1)
		}
		fmt.Fprint(w, `{"id":5}`)
	}))
	defer server.Close()

	manager := newTestManager(t, freshPair("T1", "R1"), nil)
	client, err := New(server.URL, manager, WithCache(respcache.New()))
	require.NoError(t, err)

	ctx := context.Background()
	_, err = client.Get(ctx, "/users/5")
	require.NoError(t, err)
	_, err = client.Get(ctx, "/users/5")
	require.NoError(t, err)
	require.Equal(t, int64(1), getHits.Load())

	_, err = client.Request(ctx, http.MethodPut, "/users/5", &RequestOptions{
		Body: map[string]string{"name": "updated"},
	})
	require.NoError(t, err)

	_, err = client.Get(ctx, "/users/5")
	require.NoError(t, err)
	assert.Equal(t, int64(2), getHits.Load(), "mutation must force the next GET to the network")
}

func TestMutationsAreNeverCached(t *testing.T) {
	var hits atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		fmt.Fprint(w, `{}`)
	}))
	defer server.Close()

	manager := newTestManager(t, freshPair("T1", "R1"), nil)
	client, err := New(server.URL, manager, WithCache(respcache.New()))
	require.NoError(t, err)

	ctx := context.Background()
	for range 2 {
		_, err = client.Request(ctx, http.MethodPost, "/things", &RequestOptions{Body: "{}"})
		require.NoError(t, err)
	}
	assert.Equal(t, int64(2), hits.Load())
}

func TestRefreshAndRetryOn401(t *testing.T) {
	var refreshCalls atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer T2" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		fmt.Fprint(w, `{"ok":true}`)
	}))
	defer server.Close()

	refresh := func(ctx context.Context, refreshToken string) (*tokens.TokenPair, error) {
		refreshCalls.Add(1)
		assert.Equal(t, "R1", refreshToken)
		return freshPair("T2", "R2"), nil
	}
	manager := newTestManager(t, freshPair("T1", "R1"), refresh)
	client, err := New(server.URL, manager)
	require.NoError(t, err)

	raw, err := client.Get(context.Background(), "/resource")
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(raw))
	assert.Equal(t, int64(1), refreshCalls.Load())

	// The rotated pair is now the stored credential
	pair, err := manager.GetTokens(context.Background())
	require.NoError(t, err)
	require.NotNil(t, pair)
	assert.Equal(t, "T2", pair.AccessToken)
}

func TestRetryFailureSurfacesWithoutRecursion(t *testing.T) {
	var serverHits atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		serverHits.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"message":"still no"}`)
	}))
	defer server.Close()

	refresh := func(ctx context.Context, refreshToken string) (*tokens.TokenPair, error) {
		return freshPair("T2", "R1"), nil
	}
	manager := newTestManager(t, freshPair("T1", "R1"), refresh)
	client, err := New(server.URL, manager)
	require.NoError(t, err)

	_, err = client.Get(context.Background(), "/resource")

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusUnauthorized, apiErr.StatusCode)
	assert.Equal(t, int64(2), serverHits.Load(), "exactly one retry, no recursion")
}

func TestRefreshFailureYieldsAuthExpired(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	refresh := func(ctx context.Context, refreshToken string) (*tokens.TokenPair, error) {
		return nil, fmt.Errorf("refresh token revoked")
	}
	manager := newTestManager(t, freshPair("T1", "R1"), refresh)
	client, err := New(server.URL, manager)
	require.NoError(t, err)

	_, err = client.Get(context.Background(), "/resource")
	assert.ErrorIs(t, err, ErrAuthExpired)
	assert.False(t, manager.IsAuthenticated(context.Background()), "tokens must be cleared")
}

func Test401WithoutRefreshTokenIsPlainAPIError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	manager := newTestManager(t, &tokens.TokenPair{
		AccessToken: "T1",
		ExpiresAt:   time.Now().Add(time.Hour).UnixMilli(),
	}, nil)
	client, err := New(server.URL, manager)
	require.NoError(t, err)

	_, err = client.Get(context.Background(), "/resource")

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusUnauthorized, apiErr.StatusCode)
}

func TestRefreshAttemptCeiling(t *testing.T) {
	const maxAttempts = 3

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	// Refresh "succeeds" every time but the backend keeps rejecting the
	// access token, the pathological loop the attempt window exists for.
	var refreshCalls atomic.Int64
	refresh := func(ctx context.Context, refreshToken string) (*tokens.TokenPair, error) {
		refreshCalls.Add(1)
		return freshPair("T-new", "R1"), nil
	}
	manager := newTestManager(t, freshPair("T1", "R1"), refresh)
	client, err := New(server.URL, manager,
		WithAttemptPolicy(maxAttempts, time.Minute))
	require.NoError(t, err)

	ctx := context.Background()
	for i := 0; i < maxAttempts; i++ {
		_, err := client.Get(ctx, "/resource")
		var apiErr *APIError
		require.ErrorAs(t, err, &apiErr, "attempt %d should still refresh and retry", i+1)
	}
	require.Equal(t, int64(maxAttempts), refreshCalls.Load())

	// Budget exhausted: the client stops before another refresh
	_, err = client.Get(ctx, "/resource")
	assert.ErrorIs(t, err, ErrAuthExpired)
	assert.Equal(t, int64(maxAttempts), refreshCalls.Load(), "no refresh past the ceiling")
	assert.False(t, manager.IsAuthenticated(ctx), "tokens cleared when attempts run out")
}

func TestAttemptRecordDroppedOnRecovery(t *testing.T) {
	var fail atomic.Bool
	fail.Store(true)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if fail.Load() && r.Header.Get("Authorization") == "Bearer T1" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		fmt.Fprint(w, `{}`)
	}))
	defer server.Close()

	refresh := func(ctx context.Context, refreshToken string) (*tokens.TokenPair, error) {
		return freshPair("T2", "R1"), nil
	}
	manager := newTestManager(t, freshPair("T1", "R1"), refresh)
	client, err := New(server.URL, manager, WithAttemptPolicy(1, time.Minute))
	require.NoError(t, err)

	// Recovers via refresh+retry, which should also reset the attempt budget
	_, err = client.Get(context.Background(), "/resource")
	require.NoError(t, err)

	assert.True(t, client.attempts.Allow(attemptKey("R1")), "attempt record forgotten after recovery")
}

func TestNonOKMapsToAPIError(t *testing.T) {
	tests := []struct {
		name        string
		status      int
		body        string
		wantMessage string
	}{
		{
			name:        "json error body",
			status:      http.StatusBadRequest,
			body:        `{"message":"validation failed"}`,
			wantMessage: "validation failed",
		},
		{
			name:        "unparseable error body degrades to empty",
			status:      http.StatusInternalServerError,
			body:        `<html>boom</html>`,
			wantMessage: "",
		},
		{
			name:        "empty body",
			status:      http.StatusNotFound,
			body:        "",
			wantMessage: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				fmt.Fprint(w, tt.body)
			}))
			defer server.Close()

			manager := newTestManager(t, freshPair("T1", "R1"), nil)
			client, err := New(server.URL, manager)
			require.NoError(t, err)

			_, err = client.Get(context.Background(), "/resource")

			var apiErr *APIError
			require.ErrorAs(t, err, &apiErr)
			assert.Equal(t, tt.status, apiErr.StatusCode)
			assert.Equal(t, tt.wantMessage, apiErr.Message)
			assert.Contains(t, apiErr.URL, "/resource")
		})
	}
}

func TestTimeoutMapsToErrTimeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(500 * time.Millisecond)
		fmt.Fprint(w, `{}`)
	}))
	defer server.Close()

	manager := newTestManager(t, freshPair("T1", "R1"), nil)
	client, err := New(server.URL, manager, WithTimeout(50*time.Millisecond))
	require.NoError(t, err)

	_, err = client.Get(context.Background(), "/slow")
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestCallerCancellationIsNotATimeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(500 * time.Millisecond)
	}))
	defer server.Close()

	manager := newTestManager(t, freshPair("T1", "R1"), nil)
	client, err := New(server.URL, manager)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	_, err = client.Request(ctx, http.MethodGet, "/slow", nil)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestInvalidJSONResponseIsAnError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"truncated":`)
	}))
	defer server.Close()

	manager := newTestManager(t, freshPair("T1", "R1"), nil)
	client, err := New(server.URL, manager)
	require.NoError(t, err)

	_, err = client.Get(context.Background(), "/bad")
	assert.Error(t, err)
}

func TestEmptyResponseBodyIsNil(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	manager := newTestManager(t, freshPair("T1", "R1"), nil)
	client, err := New(server.URL, manager)
	require.NoError(t, err)

	raw, err := client.Request(context.Background(), http.MethodDelete, "/users/5", nil)
	require.NoError(t, err)
	assert.Nil(t, raw)
}

func TestRequestBodyEncoding(t *testing.T) {
	var gotBody atomic.Value
	var gotContentType atomic.Value
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		gotBody.Store(string(body))
		gotContentType.Store(r.Header.Get("Content-Type"))
		fmt.Fprint(w, `{}`)
	}))
	defer server.Close()

	manager := newTestManager(t, freshPair("T1", "R1"), nil)
	client, err := New(server.URL, manager)
	require.NoError(t, err)

	_, err = client.Request(context.Background(), http.MethodPost, "/things", &RequestOptions{
		Body: map[string]int{"n": 1},
	})
	require.NoError(t, err)
	assert.JSONEq(t, `{"n":1}`, gotBody.Load().(string))
	assert.Equal(t, "application/json", gotContentType.Load())
}
