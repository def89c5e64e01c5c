// Package oauthmodel holds the wire and domain types exchanged with the TMI
// identity server and shared across the auth subsystem.
package oauthmodel

import "time"

// PKCE constants per RFC 7636. Only S256 is supported; the server rejects
// plain challenges.
const (
	// CodeChallengeMethodS256 indicates the challenge is
	// BASE64URL(SHA256(code_verifier)).
	CodeChallengeMethodS256 = "S256"

	// VerifierByteLength is the number of random bytes in a code verifier.
	// 32 bytes encode to exactly 43 base64url characters, the RFC minimum.
	VerifierByteLength = 32
)

// Token is the live credential pair for one authenticated session.
// Tokens are immutable: a refresh produces a replacement, never a partial
// update.
type Token struct {
	// AccessToken is the bearer credential attached to API requests.
	AccessToken string `json:"access_token"`

	// RefreshToken renews the session. A token without one cannot be
	// refreshed and forces re-authentication at expiry.
	RefreshToken string `json:"refresh_token,omitempty"`

	// ExpiresIn is the lifetime in seconds at issue time.
	ExpiresIn int `json:"expires_in"`

	// ExpiresAt is the absolute expiry instant: issuedAt + ExpiresIn.
	ExpiresAt time.Time `json:"expires_at"`
}

// Expired reports whether the token is past its expiry at the given instant.
func (t *Token) Expired(now time.Time) bool {
	return !now.Before(t.ExpiresAt)
}

// CanRefresh reports whether the token carries a refresh token.
func (t *Token) CanRefresh() bool {
	return t.RefreshToken != ""
}

// TimeToExpiry returns how long until expiry; negative once expired.
func (t *Token) TimeToExpiry(now time.Time) time.Duration {
	return t.ExpiresAt.Sub(now)
}

// Provider describes one OAuth provider offered by the identity server's
// discovery endpoint.
type Provider struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Icon        string `json:"icon,omitempty"`
	AuthURL     string `json:"auth_url"`
	RedirectURI string `json:"redirect_uri"`
	ClientID    string `json:"client_id"`
}

// LocalProviderID is the offline development provider appended to the
// registry only when the identity server is unreachable.
const LocalProviderID = "local"

// TestProviderID identifies the server-side test identity provider. Logout
// for test identities skips the server round-trip.
const TestProviderID = "test"

// UserProfile is the identity attached to one live Token. Profile and token
// are stored and cleared together.
type UserProfile struct {
	Provider    string   `json:"provider"`
	ProviderID  string   `json:"provider_id"`
	DisplayName string   `json:"display_name"`
	Email       string   `json:"email"`
	Groups      []string `json:"groups,omitempty"`
	IsAdmin     bool     `json:"is_admin,omitempty"`
}

// IsTestIdentity reports whether the profile belongs to the local/test
// provider; server logout is skipped for these.
func (p *UserProfile) IsTestIdentity() bool {
	if p == nil {
		return false
	}
	return p.Provider == TestProviderID || p.Provider == LocalProviderID
}

// CallbackParams carries everything the identity server may hand back on the
// OAuth redirect: an error, an authorization code, or completed tokens.
type CallbackParams struct {
	Code             string `json:"code,omitempty"`
	State            string `json:"state,omitempty"`
	Error            string `json:"error,omitempty"`
	ErrorDescription string `json:"error_description,omitempty"`

	// Direct-token fields, present when the server completed the code
	// exchange itself before redirecting.
	AccessToken  string `json:"access_token,omitempty"`
	RefreshToken string `json:"refresh_token,omitempty"`
	ExpiresIn    int    `json:"expires_in,omitempty"`

	// ReturnURL is the in-app destination captured when login started.
	ReturnURL string `json:"return_url,omitempty"`
}
