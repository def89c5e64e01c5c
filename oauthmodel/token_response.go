package oauthmodel

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/tmihub/go-tmi-auth/internal/utils"
)

// defaultTokenLifetime is assumed when the server omits expires_in and the
// access token carries no readable exp claim.
const defaultTokenLifetime = time.Hour

// TokenResponse represents the response from an OAuth2 token request.
// This is the standard OAuth2 token endpoint response format as defined in
// RFC 6749, returned by both the code-exchange and refresh endpoints.
type TokenResponse struct {
	// AccessToken is the JWT used to access protected resources.
	// Usage: Include in Authorization header: "Bearer <access_token>"
	AccessToken *string `json:"access_token,omitempty"`

	// TokenType indicates how to use the access token (always "bearer").
	TokenType string `json:"token_type,omitempty"`

	// ExpiresIn is the lifetime in seconds of the access token.
	// Note: This is a hint - actual expiration is in the JWT's "exp" claim.
	ExpiresIn *int `json:"expires_in,omitempty"`

	// RefreshToken is an opaque token used to obtain new access tokens.
	// May be absent; a session without one cannot renew silently.
	RefreshToken *string `json:"refresh_token,omitempty"`

	// Scope indicates the access token's granted permissions.
	Scope string `json:"scope,omitempty"`
}

// Token converts the wire response into a domain Token anchored at now.
// When expires_in is missing or zero, expiry falls back to the JWT exp claim
// of the access token, then to a fixed default lifetime.
func (tr *TokenResponse) Token(now time.Time) *Token {
	access := utils.Value(tr.AccessToken)
	expiresIn := utils.Value(tr.ExpiresIn)
	if expiresIn <= 0 {
		expiresIn = lifetimeFromClaims(access, now)
	}
	return &Token{
		AccessToken:  access,
		RefreshToken: utils.Value(tr.RefreshToken),
		ExpiresIn:    expiresIn,
		ExpiresAt:    now.Add(time.Duration(expiresIn) * time.Second),
	}
}

// lifetimeFromClaims reads the unverified exp claim of a JWT access token.
// The token was just issued by the server we trust; signature verification
// belongs to the server, not this client.
func lifetimeFromClaims(accessToken string, now time.Time) int {
	fallback := int(defaultTokenLifetime / time.Second)
	if accessToken == "" {
		return fallback
	}
	parser := jwt.NewParser()
	claims := jwt.MapClaims{}
	if _, _, err := parser.ParseUnverified(accessToken, claims); err != nil {
		return fallback
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return fallback
	}
	secs := int(exp.Time.Sub(now) / time.Second)
	if secs <= 0 {
		return fallback
	}
	return secs
}
