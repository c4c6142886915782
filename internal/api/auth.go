// Package api holds the thin typed facades the rest of the application calls
// instead of touching the HTTP client directly. Facades translate between
// the backend's wire contract and the token manager's records; they carry no
// retry, caching, or auth logic of their own.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/mberan/apilink/internal/httpclient"
	"github.com/mberan/apilink/internal/tokens"
)

const (
	loginPath   = "/auth/login"
	refreshPath = "/auth/refresh"
	logoutPath  = "/auth/logout"
	mePath      = "/auth/me"
)

// tokenResponse is the backend's contract for login and refresh endpoints.
// expires_in is in seconds.
type tokenResponse struct {
	User         json.RawMessage `json:"user"`
	AccessToken  string          `json:"access_token"`
	RefreshToken string          `json:"refresh_token"`
	ExpiresIn    int64           `json:"expires_in"`
}

// pair converts a wire response into a stored TokenPair. When the server
// omits expires_in, a JWT access token's exp claim fills the gap; failing
// that the pair is stored without an expiry and treated as already expired.
func (r *tokenResponse) pair(now time.Time) *tokens.TokenPair {
	p := &tokens.TokenPair{
		AccessToken:  r.AccessToken,
		RefreshToken: r.RefreshToken,
	}
	if r.ExpiresIn > 0 {
		p.ExpiresAt = now.Add(time.Duration(r.ExpiresIn) * time.Second).UnixMilli()
	} else if exp, ok := tokens.ExpiryFromAccessToken(r.AccessToken); ok {
		p.ExpiresAt = exp.UnixMilli()
	}
	return p
}

// AuthAPI wraps the authentication endpoints.
type AuthAPI struct {
	client *httpclient.Client
	tokens *tokens.Manager
	logger *slog.Logger
	now    func() time.Time
}

// NewAuthAPI creates the authentication facade.
func NewAuthAPI(client *httpclient.Client, manager *tokens.Manager) (*AuthAPI, error) {
	if client == nil {
		return nil, fmt.Errorf("missing http client")
	}
	if manager == nil {
		return nil, fmt.Errorf("missing token manager")
	}
	return &AuthAPI{
		client: client,
		tokens: manager,
		logger: slog.Default(),
		now:    time.Now,
	}, nil
}

// Login authenticates with email and password, stores the returned token
// pair, starts a session record, and returns the user payload.
func (a *AuthAPI) Login(ctx context.Context, email, password string) (json.RawMessage, error) {
	raw, err := a.client.Request(ctx, http.MethodPost, loginPath, &httpclient.RequestOptions{
		Body: map[string]string{
			"email":    email,
			"password": password,
		},
	})
	if err != nil {
		return nil, err
	}

	var resp tokenResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("malformed login response: %w", err)
	}
	if resp.AccessToken == "" {
		return nil, fmt.Errorf("login response missing access token")
	}

	if err := a.tokens.SetTokens(ctx, resp.pair(a.now())); err != nil {
		return nil, err
	}
	a.tokens.StartSession(ctx)

	return resp.User, nil
}

// Logout notifies the backend best-effort and unconditionally invalidates
// the local session. The caller always ends up logged out.
func (a *AuthAPI) Logout(ctx context.Context) {
	_, err := a.client.Request(ctx, http.MethodPost, logoutPath, &httpclient.RequestOptions{NoCache: true})
	if err != nil {
		a.logger.DebugContext(ctx, "server logout failed, clearing local session anyway", "error", err)
	}
	a.tokens.InvalidateSession(ctx)
}

// Me fetches the authenticated user's profile.
func (a *AuthAPI) Me(ctx context.Context) (json.RawMessage, error) {
	return a.client.Get(ctx, mePath)
}

// NewRefreshFunc builds the token manager's refresh operation. It posts the
// refresh token as JSON to the refresh endpoint and maps the standard token
// response into a pair.
//
// The exchange deliberately bypasses the authenticated client: a refresh
// must not consult the cache, attach the (stale) access token, or recurse
// into 401 handling.
func NewRefreshFunc(baseURL string, httpClient *http.Client) tokens.RefreshFunc {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: httpclient.DefaultRequestTimeout}
	}

	return func(ctx context.Context, refreshToken string) (*tokens.TokenPair, error) {
		body, err := json.Marshal(map[string]string{"refresh_token": refreshToken})
		if err != nil {
			return nil, err
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+refreshPath, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := httpClient.Do(req)
		if err != nil {
			return nil, fmt.Errorf("refresh request failed: %w", err)
		}
		defer func() { _ = resp.Body.Close() }()

		respBody, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("reading refresh response: %w", err)
		}
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("refresh rejected with status %d", resp.StatusCode)
		}

		var tr tokenResponse
		if err := json.Unmarshal(respBody, &tr); err != nil {
			return nil, fmt.Errorf("malformed refresh response: %w", err)
		}
		if tr.AccessToken == "" {
			return nil, fmt.Errorf("refresh response missing access token")
		}

		pair := tr.pair(time.Now())
		if pair.RefreshToken == "" {
			// Server did not rotate the refresh token, keep the current one.
			pair.RefreshToken = refreshToken
		}
		return pair, nil
	}
}
