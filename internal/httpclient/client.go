// Package httpclient is the single choke point for every authenticated call
// to the backend. It attaches bearer tokens, consults the response cache for
// idempotent reads, detects auth failures, drives the token manager's
// single-flight refresh, retries exactly once, and maps every failure into
// a typed error.
package httpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/mberan/apilink/internal/respcache"
	"github.com/mberan/apilink/internal/tokens"
)

// DefaultRequestTimeout bounds every outbound request, including the retry
// after a refresh. Exceeding it yields ErrTimeout, never an indefinite hang.
const DefaultRequestTimeout = 30 * time.Second

// RequestOptions customize a single request.
type RequestOptions struct {
	// Body is JSON-encoded unless it is a string, []byte, or
	// json.RawMessage, which are sent verbatim.
	Body any

	// Header entries are added to the request. Content-Type defaults to
	// application/json when a body is present.
	Header http.Header

	// NoCache bypasses the response cache for this request.
	NoCache bool

	// CacheTTL overrides the cache's default TTL for this response.
	CacheTTL time.Duration
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets a custom underlying *http.Client.
func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.http = httpClient
	}
}

// WithTimeout overrides the per-request timeout.
func WithTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		c.timeout = timeout
	}
}

// WithCache attaches a response cache. Without one, every GET goes to the
// network.
func WithCache(cache *respcache.Cache) Option {
	return func(c *Client) {
		c.cache = cache
	}
}

// WithAttemptPolicy overrides the refresh attempt budget per credential.
func WithAttemptPolicy(maxAttempts int, window time.Duration) Option {
	return func(c *Client) {
		c.attempts = newAttemptLimiter(maxAttempts, window)
	}
}

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// Client orchestrates authenticated requests against one backend.
type Client struct {
	base     *url.URL
	http     *http.Client
	tokens   *tokens.Manager
	cache    *respcache.Cache
	attempts *attemptLimiter
	timeout  time.Duration
	logger   *slog.Logger
}

// New creates a Client for the given base URL and token manager.
func New(baseURL string, manager *tokens.Manager, opts ...Option) (*Client, error) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base URL: %w", err)
	}
	if manager == nil {
		return nil, fmt.Errorf("missing token manager")
	}

	c := &Client{
		base:     base,
		http:     &http.Client{},
		tokens:   manager,
		attempts: newAttemptLimiter(DefaultMaxRefreshAttempts, DefaultAttemptWindow),
		timeout:  DefaultRequestTimeout,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Get issues an authenticated GET.
func (c *Client) Get(ctx context.Context, path string) (json.RawMessage, error) {
	return c.Request(ctx, http.MethodGet, path, nil)
}

// Request issues an authenticated request and returns the decoded JSON body.
//
// GETs consult the response cache first and populate it on success; mutating
// verbs never cache and invalidate every cached entry under the request
// path. A 401 triggers at most one single-flight refresh followed by exactly
// one retry, bounded by the per-credential attempt window.
func (c *Client) Request(ctx context.Context, method, path string, opts *RequestOptions) (json.RawMessage, error) {
	if opts == nil {
		opts = &RequestOptions{}
	}
	method = strings.ToUpper(method)
	fullURL := c.resolve(path)

	keyOpts := respcache.KeyOptions{
		Body:   opts.Body,
		Accept: opts.Header.Get("Accept"),
	}
	cacheable := method == http.MethodGet && c.cache != nil && !opts.NoCache

	if cacheable {
		if data, ok := c.cache.Get(method, fullURL, keyOpts); ok {
			if raw, isRaw := data.(json.RawMessage); isRaw {
				return raw, nil
			}
		}
	}

	body, err := encodeBody(opts.Body)
	if err != nil {
		return nil, fmt.Errorf("encoding request body: %w", err)
	}

	pair, err := c.tokens.GetTokens(ctx)
	if err != nil {
		return nil, err
	}
	accessToken := ""
	if pair != nil {
		accessToken = pair.AccessToken
	}

	status, respBody, err := c.do(ctx, method, fullURL, body, opts.Header, accessToken)
	if err != nil {
		return nil, err
	}

	if status == http.StatusUnauthorized && pair != nil && pair.RefreshToken != "" {
		status, respBody, err = c.refreshAndRetry(ctx, method, fullURL, body, opts.Header, pair.RefreshToken)
		if err != nil {
			return nil, err
		}
	}

	if status < http.StatusOK || status >= http.StatusMultipleChoices {
		return nil, &APIError{
			StatusCode: status,
			Message:    errorMessage(respBody),
			URL:        fullURL,
		}
	}

	raw, err := decodeBody(respBody)
	if err != nil {
		return nil, err
	}

	if cacheable {
		c.cache.Set(method, fullURL, keyOpts, raw, opts.CacheTTL)
	} else if c.cache != nil && isMutating(method) {
		if removed := c.cache.InvalidatePathPrefix(fullURL); removed > 0 {
			c.logger.DebugContext(ctx, "invalidated cache entries after mutation",
				"method", method, "url", fullURL, "removed", removed)
		}
	}

	return raw, nil
}

// refreshAndRetry handles a 401: consume one attempt from the credential's
// window, run the single-flight refresh, and retry the original request once
// with the new access token. Retry failures surface as-is, no recursion.
func (c *Client) refreshAndRetry(ctx context.Context, method, fullURL string, body []byte, header http.Header, refreshToken string) (int, []byte, error) {
	key := attemptKey(refreshToken)

	if !c.attempts.Allow(key) {
		c.logger.WarnContext(ctx, "refresh attempts exhausted, clearing session", "url", fullURL)
		c.tokens.ClearTokens(ctx)
		return 0, nil, ErrAuthExpired
	}

	fresh, err := c.tokens.RefreshAccessToken(ctx)
	if err != nil {
		return 0, nil, err
	}
	if fresh == nil {
		// Manager already cleared the tokens.
		return 0, nil, ErrAuthExpired
	}

	status, respBody, err := c.do(ctx, method, fullURL, body, header, fresh.AccessToken)
	if err != nil {
		return 0, nil, err
	}
	if status != http.StatusUnauthorized {
		// Authentication recovered, drop the attempt record.
		c.attempts.Forget(key)
	}
	return status, respBody, nil
}

// do performs one network attempt under the hard timeout and reads the full
// response body. Timeouts map to ErrTimeout wherever they occur.
func (c *Client) do(ctx context.Context, method, fullURL string, body []byte, header http.Header, accessToken string) (int, []byte, error) {
	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(reqCtx, method, fullURL, reader)
	if err != nil {
		return 0, nil, fmt.Errorf("building request: %w", err)
	}

	for name, values := range header {
		for _, value := range values {
			req.Header.Add(name, value)
		}
	}
	if body != nil && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if accessToken != "" {
		req.Header.Set("Authorization", "Bearer "+accessToken)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, c.mapTransportError(ctx, err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, c.mapTransportError(ctx, err)
	}
	return resp.StatusCode, respBody, nil
}

// mapTransportError distinguishes our own abort timer from genuine network
// failure and from caller-initiated cancellation.
func (c *Client) mapTransportError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		// The caller's context ended, not our timer.
		return ctx.Err()
	}

	var uerr *url.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &uerr) && uerr.Timeout()) {
		return ErrTimeout
	}
	return fmt.Errorf("request failed: %w", err)
}

func (c *Client) resolve(path string) string {
	ref, err := url.Parse(path)
	if err != nil {
		return c.base.String() + path
	}
	return c.base.ResolveReference(ref).String()
}

func encodeBody(body any) ([]byte, error) {
	switch b := body.(type) {
	case nil:
		return nil, nil
	case []byte:
		return b, nil
	case json.RawMessage:
		return b, nil
	case string:
		return []byte(b), nil
	default:
		return json.Marshal(b)
	}
}

func decodeBody(body []byte) (json.RawMessage, error) {
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, nil
	}
	if !json.Valid(body) {
		return nil, fmt.Errorf("decoding response: invalid JSON")
	}
	return json.RawMessage(body), nil
}

func isMutating(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	default:
		return false
	}
}
