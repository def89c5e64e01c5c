// Package transport attaches bearer tokens to outgoing API requests and
// implements the retry-once-on-401 policy, as an http.RoundTripper the
// application's HTTP client wraps.
package transport

import (
	"context"
	"net/http"
	"net/url"
	"strings"

	"github.com/rs/zerolog"

	"github.com/tmihub/go-tmi-auth/autherr"
	"github.com/tmihub/go-tmi-auth/idp"
	"github.com/tmihub/go-tmi-auth/oauthmodel"
)

// retryHeader marks a request that already survived one refresh-and-resend
// cycle. A marked request is never retried again.
const retryHeader = "X-Tmi-Auth-Retry"

// TokenSource supplies valid bearer tokens; the refresh coordinator
// implements it.
type TokenSource interface {
	GetValidToken(ctx context.Context) (*oauthmodel.Token, error)
	Refresh(ctx context.Context) (*oauthmodel.Token, error)
}

// ErrorReporter receives terminal auth errors; the orchestrator's error
// stream implements it.
type ErrorReporter interface {
	ReportError(err *autherr.AuthError)
}

// publicPaths never require a token. If they did, logging in would be
// impossible.
var publicPaths = []string{
	"/",
	idp.ProvidersPath,
	idp.AuthorizePath,
	idp.TokenPath,
	idp.RefreshPath,
	idp.CallbackPath,
}

// AuthTransport is the auth-aware RoundTripper.
type AuthTransport struct {
	base     http.RoundTripper
	tokens   TokenSource
	reporter ErrorReporter
	apiHost  string
	apiPath  string
	log      zerolog.Logger
}

// Option modifies an AuthTransport.
type Option func(*AuthTransport)

// WithBase sets the underlying RoundTripper (default http.DefaultTransport).
func WithBase(rt http.RoundTripper) Option {
	return func(t *AuthTransport) {
		t.base = rt
	}
}

// WithLogger attaches a logger; the default discards.
func WithLogger(log zerolog.Logger) Option {
	return func(t *AuthTransport) {
		t.log = log
	}
}

// New creates an AuthTransport guarding requests to apiBaseURL.
func New(apiBaseURL string, tokens TokenSource, reporter ErrorReporter, options ...Option) (*AuthTransport, error) {
	parsed, err := url.Parse(apiBaseURL)
	if err != nil {
		return nil, err
	}
	t := &AuthTransport{
		base:     http.DefaultTransport,
		tokens:   tokens,
		reporter: reporter,
		apiHost:  parsed.Host,
		apiPath:  strings.TrimRight(parsed.Path, "/"),
		log:      zerolog.Nop(),
	}
	for _, opt := range options {
		opt(t)
	}
	return t, nil
}

// Client returns an http.Client using this transport.
func (t *AuthTransport) Client() *http.Client {
	return &http.Client{Transport: t}
}

// RoundTrip implements http.RoundTripper.
func (t *AuthTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if !t.isAPIRequest(req.URL) || t.isPublicPath(req.URL.Path) {
		return t.base.RoundTrip(req)
	}

	token, err := t.tokens.GetValidToken(req.Context())
	if err != nil {
		return nil, err
	}

	authed := cloneWithToken(req, token.AccessToken)
	resp, err := t.base.RoundTrip(authed)
	if err != nil {
		return nil, err
	}

	switch resp.StatusCode {
	case http.StatusUnauthorized:
		return t.handleUnauthorized(req, resp)
	case http.StatusForbidden:
		// Never retried; terminal for the request.
		t.reporter.ReportError(autherr.ErrForbidden)
		return resp, nil
	default:
		return resp, nil
	}
}

// handleUnauthorized implements retry-once: an unmarked request gets one
// forced refresh and one resend; a marked request propagates untouched, with
// no forced logout on this path.
func (t *AuthTransport) handleUnauthorized(original *http.Request, resp *http.Response) (*http.Response, error) {
	if original.Header.Get(retryHeader) != "" {
		t.log.Debug().Str("url", original.URL.Path).Msg("401 after retry, propagating")
		return resp, nil
	}
	resp.Body.Close()

	token, err := t.tokens.Refresh(original.Context())
	if err != nil {
		// Surfaced, not forced: logout is the orchestrator's and timer
		// manager's call, not the interceptor's.
		t.reporter.ReportError(autherr.ErrTokenRefreshFailed)
		return nil, autherr.ErrTokenRefreshFailed
	}

	retry := cloneWithToken(original, token.AccessToken)
	retry.Header.Set(retryHeader, "1")
	if original.GetBody != nil {
		body, err := original.GetBody()
		if err != nil {
			return nil, err
		}
		retry.Body = body
	}
	t.log.Debug().Str("url", original.URL.Path).Msg("retrying request with refreshed token")
	return t.base.RoundTrip(retry)
}

func (t *AuthTransport) isAPIRequest(u *url.URL) bool {
	return u.Host == t.apiHost
}

// isPublicPath matches the API-relative path against the endpoints that must
// stay reachable without a token.
func (t *AuthTransport) isPublicPath(path string) bool {
	rel := strings.TrimPrefix(path, t.apiPath)
	if rel == "" {
		rel = "/"
	}
	for _, public := range publicPaths {
		if rel == public {
			return true
		}
	}
	return false
}

func cloneWithToken(req *http.Request, accessToken string) *http.Request {
	clone := req.Clone(req.Context())
	clone.Header.Set("Authorization", "Bearer "+accessToken)
	return clone
}
