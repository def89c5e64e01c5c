package oauthmodel

// ExchangeRequest is the JSON body sent to the token endpoint to trade an
// authorization code for tokens. The provider travels as the `idp` query
// parameter, not in the body.
type ExchangeRequest struct {
	// Code is the authorization code received on the callback.
	// Usage: Exchanged once for tokens, then becomes invalid.
	Code string `json:"code"`

	// CodeVerifier is the PKCE verifier matching the code_challenge sent on
	// the authorization request. The server compares SHA256(code_verifier)
	// with the stored challenge.
	CodeVerifier string `json:"code_verifier"`

	// RedirectURI must equal the redirect_uri used in the authorization
	// request.
	RedirectURI string `json:"redirect_uri,omitempty"`
}

// RefreshRequest is the JSON body sent to the refresh endpoint.
type RefreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}
