// Package tokens owns the access/refresh token pair: expiry bookkeeping,
// persistence through the secure credential store, and a single-flight
// refresh operation shared by all concurrent callers.
package tokens

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenPair is the persisted credential record. Timestamps are epoch
// milliseconds to keep the stored form platform-neutral.
type TokenPair struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	ExpiresAt    int64  `json:"expiresAt"`
	StoredAt     int64  `json:"storedAt"`
}

// Expiry returns the expiry instant. A record without an expiry is treated
// as already expired.
func (p *TokenPair) Expiry() time.Time {
	if p.ExpiresAt == 0 {
		return time.Time{}
	}
	return time.UnixMilli(p.ExpiresAt)
}

// Expired reports whether the pair is unusable at the given instant.
func (p *TokenPair) Expired(now time.Time) bool {
	return p.ExpiresAt == 0 || now.After(p.Expiry())
}

// ShouldRefresh reports whether the pair is inside the proactive refresh
// window before expiry.
func (p *TokenPair) ShouldRefresh(now time.Time, lookahead time.Duration) bool {
	if p.ExpiresAt == 0 {
		return true
	}
	return now.After(p.Expiry().Add(-lookahead))
}

// ValidationReason is a structured diagnosis for callers that need more than
// a boolean authentication check.
type ValidationReason string

const (
	ReasonValid             ValidationReason = "valid"
	ReasonNoTokens          ValidationReason = "no_tokens"
	ReasonInvalidAccess     ValidationReason = "invalid_access_token"
	ReasonMissingExpiration ValidationReason = "missing_expiration"
	ReasonExpired           ValidationReason = "expired"
	ReasonValidationError   ValidationReason = "validation_error"
)

// ValidationResult carries the outcome of Manager.ValidateToken.
type ValidationResult struct {
	Valid  bool
	Reason ValidationReason
	Pair   *TokenPair
}

// ExpiryFromAccessToken reads the exp claim from a JWT access token without
// verifying the signature. Used when a token response omits expires_in.
// Returns false for opaque tokens or tokens without an exp claim.
func ExpiryFromAccessToken(accessToken string) (time.Time, bool) {
	parser := jwt.NewParser()
	token, _, err := parser.ParseUnverified(accessToken, jwt.MapClaims{})
	if err != nil {
		return time.Time{}, false
	}
	exp, err := token.Claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, false
	}
	return exp.Time, true
}
