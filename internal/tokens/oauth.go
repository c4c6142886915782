package tokens

import (
	"context"
	"fmt"

	"golang.org/x/oauth2"
)

// TokenSource adapts the Manager to oauth2.TokenSource so it can drive an
// oauth2.Transport or any library expecting one. Tokens inside the proactive
// refresh window are refreshed before being handed out.
func (m *Manager) TokenSource() oauth2.TokenSource {
	return &managerTokenSource{manager: m}
}

type managerTokenSource struct {
	manager *Manager
}

// Compile-time check to ensure managerTokenSource implements oauth2.TokenSource
var _ oauth2.TokenSource = (*managerTokenSource)(nil)

// Token returns a valid access token, refreshing proactively if expiring
// soon. The oauth2.TokenSource interface has no context parameter, so the
// background context is used (same limitation the oauth2 package documents).
func (s *managerTokenSource) Token() (*oauth2.Token, error) {
	ctx := context.Background()

	pair, err := s.manager.GetTokens(ctx)
	if err != nil {
		return nil, err
	}

	if pair == nil || pair.ShouldRefresh(s.manager.now(), s.manager.lookahead) {
		pair, err = s.manager.RefreshAccessToken(ctx)
		if err != nil {
			return nil, err
		}
	}
	if pair == nil || pair.AccessToken == "" {
		return nil, fmt.Errorf("re-authentication required")
	}

	return &oauth2.Token{
		AccessToken:  pair.AccessToken,
		RefreshToken: pair.RefreshToken,
		TokenType:    "Bearer",
		Expiry:       pair.Expiry(),
	}, nil
}
