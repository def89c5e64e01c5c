// Package idp is the HTTP client for the TMI identity server: provider
// discovery, code exchange, refresh, profile, and logout.
package idp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/tmihub/go-tmi-auth/autherr"
	"github.com/tmihub/go-tmi-auth/oauthmodel"
)

const defaultTimeout = 10 * time.Second

// Identity-server endpoint paths, relative to the API base URL.
const (
	ProvidersPath = "/oauth2/providers"
	AuthorizePath = "/oauth2/authorize"
	TokenPath     = "/oauth2/token"
	RefreshPath   = "/oauth2/refresh"
	CallbackPath  = "/oauth2/callback"
	MePath        = "/me"
	LogoutPath    = "/me/logout"
)

// Config holds the configuration for an identity-server client.
type Config struct {
	BaseURL string
	Timeout time.Duration

	// HTTPClient overrides the default client (primarily for testing).
	HTTPClient *http.Client
}

// Client talks to the identity server. All methods are context-first and
// return autherr values for auth-level failures.
type Client struct {
	baseURL string
	http    *http.Client
	log     zerolog.Logger
}

// New creates an identity-server client.
func New(cfg Config, log zerolog.Logger) *Client {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout == 0 {
			timeout = defaultTimeout
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		http:    httpClient,
		log:     log,
	}
}

// BaseURL returns the configured identity-server base URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Providers fetches the list of configured OAuth providers.
func (c *Client) Providers(ctx context.Context) ([]oauthmodel.Provider, error) {
	var providers []oauthmodel.Provider
	if err := c.doJSON(ctx, http.MethodGet, c.baseURL+ProvidersPath, "", nil, &providers); err != nil {
		return nil, err
	}
	return providers, nil
}

// ExchangeCode trades an authorization code plus PKCE verifier for tokens.
func (c *Client) ExchangeCode(ctx context.Context, providerID, code, codeVerifier, redirectURI string) (*oauthmodel.TokenResponse, error) {
	reqURL := c.baseURL + TokenPath
	if providerID != "" {
		reqURL += "?idp=" + url.QueryEscape(providerID)
	}
	body := oauthmodel.ExchangeRequest{
		Code:         code,
		CodeVerifier: codeVerifier,
		RedirectURI:  redirectURI,
	}
	var tr oauthmodel.TokenResponse
	if err := c.doJSON(ctx, http.MethodPost, reqURL, "", body, &tr); err != nil {
		return nil, err
	}
	return &tr, nil
}

// Refresh exchanges a refresh token for a new token pair.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (*oauthmodel.TokenResponse, error) {
	var tr oauthmodel.TokenResponse
	err := c.doJSON(ctx, http.MethodPost, c.baseURL+RefreshPath, "", oauthmodel.RefreshRequest{RefreshToken: refreshToken}, &tr)
	if err != nil {
		return nil, err
	}
	return &tr, nil
}

// Me fetches the current user's profile. Callers needing a privilege check
// call this directly so the answer never comes from a cache.
func (c *Client) Me(ctx context.Context, accessToken string) (*oauthmodel.UserProfile, error) {
	var profile oauthmodel.UserProfile
	if err := c.doJSON(ctx, http.MethodGet, c.baseURL+MePath, accessToken, nil, &profile); err != nil {
		return nil, err
	}
	return &profile, nil
}

// Logout tells the server to end the session. Best-effort: callers are
// expected to complete local logout regardless of the returned error.
func (c *Client) Logout(ctx context.Context, accessToken string) error {
	return c.doJSON(ctx, http.MethodPost, c.baseURL+LogoutPath, accessToken, nil, nil)
}

func (c *Client) doJSON(ctx context.Context, method, reqURL, bearer string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("[idp doJSON] encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, reqURL, reader)
	if err != nil {
		return fmt.Errorf("[idp doJSON] build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		c.log.Debug().Err(err).Str("url", reqURL).Msg("identity server request failed")
		return fmt.Errorf("[idp doJSON] %s %s: %w", method, reqURL, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return autherr.ErrUnauthorized
	case resp.StatusCode == http.StatusForbidden:
		return autherr.ErrForbidden
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		msg := readErrorMessage(resp.Body)
		return fmt.Errorf("[idp doJSON] %s %s: status %d: %s", method, reqURL, resp.StatusCode, msg)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("[idp doJSON] decode response: %w", err)
	}
	return nil
}

func readErrorMessage(body io.Reader) string {
	var payload struct {
		Error            string `json:"error"`
		ErrorDescription string `json:"error_description"`
		Message          string `json:"message"`
	}
	data, err := io.ReadAll(io.LimitReader(body, 4096))
	if err != nil {
		return "unreadable error body"
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return strings.TrimSpace(string(data))
	}
	switch {
	case payload.ErrorDescription != "":
		return payload.ErrorDescription
	case payload.Error != "":
		return payload.Error
	case payload.Message != "":
		return payload.Message
	}
	return strings.TrimSpace(string(data))
}
