// Package auth contains the OAuth flow orchestrator: provider discovery,
// login initiation, callback validation, logout, and the reactive
// authentication state every other component observes.
package auth

import (
	"context"
	"encoding/base64"
	"net/url"
	"time"

	"github.com/google/uuid"
	cache "github.com/patrickmn/go-cache"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"golang.org/x/oauth2"

	"github.com/tmihub/go-tmi-auth/autherr"
	"github.com/tmihub/go-tmi-auth/idp"
	"github.com/tmihub/go-tmi-auth/internal/config"
	"github.com/tmihub/go-tmi-auth/oauthmodel"
	"github.com/tmihub/go-tmi-auth/pkce"
	"github.com/tmihub/go-tmi-auth/storage"
	"github.com/tmihub/go-tmi-auth/tokenstore"
)

// Volatile-store keys owned by the orchestrator. Each is single-use: written
// when login starts, consumed by the callback.
const (
	stateKey         = "oauth_state"
	providerKey      = "oauth_provider"
	loginRedirectKey = "login_redirect"
)

const providerCacheKey = "providers"

// Navigator abstracts the two navigations the subsystem performs: a full
// redirect to the identity provider and in-app route changes. The embedding
// shell implements it; tests fake it.
type Navigator interface {
	// OpenExternal hands the user agent to an absolute URL (the
	// authorization endpoint).
	OpenExternal(url string)

	// Navigate moves to an in-app route.
	Navigate(path string)
}

// Service is the OAuth flow orchestrator. It owns the in-memory token and
// profile state and is the only writer of the reactive signals.
type Service struct {
	cfg       config.Config
	tokens    *tokenstore.Store
	pkce      *pkce.Manager
	idp       *idp.Client
	volatile  storage.VolatileStore
	navigator Navigator
	log       zerolog.Logger
	nowTime   func() time.Time

	providerCache *cache.Cache

	authenticated *Signal[bool]
	profile       *Signal[*oauthmodel.UserProfile]
	errorStream   *Signal[*autherr.AuthError]
	tokenUpdates  *Signal[*oauthmodel.Token]

	refresh *Coordinator
}

// Option modifies a Service.
type Option func(*Service)

// WithNowTime sets the now time function (primarily for testing)
func WithNowTime(nowFunc func() time.Time) Option {
	return func(s *Service) {
		s.nowTime = nowFunc
	}
}

// WithLogger attaches a logger; the default discards.
func WithLogger(log zerolog.Logger) Option {
	return func(s *Service) {
		s.log = log
	}
}

// NewService wires the orchestrator. All dependencies are required.
func NewService(
	cfg config.Config,
	tokens *tokenstore.Store,
	pkceManager *pkce.Manager,
	idpClient *idp.Client,
	volatile storage.VolatileStore,
	navigator Navigator,
	options ...Option,
) (*Service, error) {
	if tokens == nil {
		return nil, errors.New("[NewService] token store is required")
	}
	if pkceManager == nil {
		return nil, errors.New("[NewService] pkce manager is required")
	}
	if idpClient == nil {
		return nil, errors.New("[NewService] idp client is required")
	}
	if volatile == nil {
		return nil, errors.New("[NewService] volatile store is required")
	}
	if navigator == nil {
		return nil, errors.New("[NewService] navigator is required")
	}

	cacheTTL := cfg.ProviderCacheTTL
	if cacheTTL == 0 {
		cacheTTL = config.DefaultProviderCacheTTL
	}

	s := &Service{
		cfg:           cfg,
		tokens:        tokens,
		pkce:          pkceManager,
		idp:           idpClient,
		volatile:      volatile,
		navigator:     navigator,
		log:           zerolog.Nop(),
		nowTime:       time.Now,
		providerCache: cache.New(cacheTTL, cacheTTL),
		authenticated: NewSignal(false),
		profile:       NewSignal[*oauthmodel.UserProfile](nil),
		errorStream:   NewSignal[*autherr.AuthError](nil),
		tokenUpdates:  NewSignal[*oauthmodel.Token](nil),
	}
	for _, opt := range options {
		opt(s)
	}
	s.refresh = newCoordinator(s)
	return s, nil
}

// IsAuthenticated is the reactive authentication flag.
func (s *Service) IsAuthenticated() *Signal[bool] { return s.authenticated }

// Profile is the reactive current-user profile; nil when signed out.
func (s *Service) Profile() *Signal[*oauthmodel.UserProfile] { return s.profile }

// Errors is the shared error stream terminal failures are pushed onto.
func (s *Service) Errors() *Signal[*autherr.AuthError] { return s.errorStream }

// TokenUpdates fires whenever a new token is persisted (login or refresh).
// The session timer manager re-anchors its timers on it.
func (s *Service) TokenUpdates() *Signal[*oauthmodel.Token] { return s.tokenUpdates }

// Refresh returns the token refresh coordinator.
func (s *Service) Refresh() *Coordinator { return s.refresh }

// CurrentToken returns the stored token, decrypted, or nil.
func (s *Service) CurrentToken(ctx context.Context) (*oauthmodel.Token, error) {
	return s.tokens.Retrieve(ctx)
}

// ReportError pushes err onto the shared error stream.
func (s *Service) ReportError(err *autherr.AuthError) {
	s.log.Warn().Str("code", string(err.Code)).Msg(err.Message)
	s.errorStream.Set(err)
}

// Providers returns the provider registry, cached between calls. When the
// identity server is unreachable the local development provider is returned
// instead, so offline development still has a login path.
func (s *Service) Providers(ctx context.Context) ([]oauthmodel.Provider, error) {
	if cached, ok := s.providerCache.Get(providerCacheKey); ok {
		return cached.([]oauthmodel.Provider), nil
	}
	providers, err := s.idp.Providers(ctx)
	if err != nil {
		s.log.Warn().Err(err).Msg("provider discovery failed, falling back to local provider")
		return []oauthmodel.Provider{s.localProvider()}, nil
	}
	s.providerCache.SetDefault(providerCacheKey, providers)
	return providers, nil
}

// localProvider is the offline development identity, never offered while the
// server is reachable.
func (s *Service) localProvider() oauthmodel.Provider {
	return oauthmodel.Provider{
		ID:          oauthmodel.LocalProviderID,
		Name:        "Local Development",
		AuthURL:     s.cfg.APIBaseURL + idp.AuthorizePath,
		RedirectURI: s.cfg.CallbackURL,
		ClientID:    "local-dev",
	}
}

// InitiateLogin starts the authorization flow: resolves the provider,
// persists the CSRF state and PKCE parameters, and redirects the user agent
// to the provider's authorization URL.
func (s *Service) InitiateLogin(ctx context.Context, providerID, returnURL string) error {
	provider, err := s.resolveProvider(ctx, providerID)
	if err != nil {
		s.ReportError(autherr.ProviderNotFound(providerID))
		return err
	}

	// CSRF state, stored alongside the chosen provider. Single use.
	state := newStateNonce()
	s.volatile.Set(stateKey, state)
	s.volatile.Set(providerKey, provider.ID)
	if returnURL != "" {
		s.volatile.Set(loginRedirectKey, returnURL)
	} else {
		s.volatile.Delete(loginRedirectKey)
	}

	params, err := s.pkce.Generate()
	if err != nil {
		return errors.Wrap(err, "[InitiateLogin] pkce generation")
	}

	oauthCfg := oauth2.Config{
		ClientID:    provider.ClientID,
		RedirectURL: s.callbackURL(provider),
		Endpoint:    oauth2.Endpoint{AuthURL: provider.AuthURL},
	}
	authURL := oauthCfg.AuthCodeURL(state,
		oauth2.SetAuthURLParam("code_challenge", params.CodeChallenge),
		oauth2.SetAuthURLParam("code_challenge_method", params.Method),
		oauth2.SetAuthURLParam("idp", provider.ID),
	)

	s.log.Info().Str("provider", provider.ID).Msg("redirecting to identity provider")
	s.navigator.OpenExternal(authURL)
	return nil
}

func (s *Service) resolveProvider(ctx context.Context, providerID string) (*oauthmodel.Provider, error) {
	providers, err := s.Providers(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "[resolveProvider] discovery")
	}
	want := providerID
	if want == "" {
		want = s.cfg.DefaultProvider
	}
	if want == "" && len(providers) > 0 {
		return &providers[0], nil
	}
	for i := range providers {
		if providers[i].ID == want {
			return &providers[i], nil
		}
	}
	return nil, autherr.ProviderNotFound(want)
}

func (s *Service) callbackURL(provider *oauthmodel.Provider) string {
	if provider.RedirectURI != "" {
		return provider.RedirectURI
	}
	return s.cfg.CallbackURL
}

// HandleCallback validates the OAuth callback and completes the login.
// Returns true only when the session is fully established. The stored CSRF
// state and provider id are consumed regardless of outcome.
func (s *Service) HandleCallback(ctx context.Context, params oauthmodel.CallbackParams) (bool, error) {
	// Provider-reported error: the attempt is over before validation.
	if params.Error != "" {
		s.clearLoginState()
		authErr := autherr.CallbackError(params.Error, params.ErrorDescription)
		s.ReportError(authErr)
		return false, authErr
	}

	// Consume the stored state and provider id. Single use: a replayed
	// callback finds nothing.
	storedState, hadState := s.volatile.Get(stateKey)
	providerID, _ := s.volatile.Get(providerKey)
	s.volatile.Delete(stateKey)
	s.volatile.Delete(providerKey)

	if !hadState || !stateMatches(storedState, params.State) {
		// The attempt is abandoned; the redirect target and PKCE
		// parameters must not leak into a later one.
		s.clearLoginState()
		s.ReportError(autherr.ErrInvalidState)
		return false, autherr.ErrInvalidState
	}

	token, err := s.resolveToken(ctx, providerID, params)
	if err != nil {
		var authErr *autherr.AuthError
		if !errors.As(err, &authErr) {
			authErr = autherr.CodeExchangeFailed(err.Error())
		}
		s.ReportError(authErr)
		return false, authErr
	}

	// Establish the session: profile, persistence, reactive state.
	profile, err := s.idp.Me(ctx, token.AccessToken)
	if err != nil {
		authErr := autherr.CodeExchangeFailed("profile fetch failed: " + err.Error())
		s.ReportError(authErr)
		return false, authErr
	}
	if err := s.tokens.Store(ctx, token); err != nil {
		return false, errors.Wrap(err, "[HandleCallback] persist token")
	}
	if err := s.tokens.StoreProfile(ctx, profile); err != nil {
		return false, errors.Wrap(err, "[HandleCallback] persist profile")
	}
	s.pkce.Clear()

	s.authenticated.Set(true)
	s.profile.Set(profile)
	s.tokenUpdates.Set(token)

	s.navigator.Navigate(s.postLoginDestination(params))
	s.log.Info().Str("provider", profile.Provider).Str("user", profile.Email).Msg("login complete")
	return true, nil
}

// resolveToken extracts the token from a callback: directly when the server
// already completed the exchange, otherwise via the code + PKCE verifier.
func (s *Service) resolveToken(ctx context.Context, providerID string, params oauthmodel.CallbackParams) (*oauthmodel.Token, error) {
	switch {
	case params.AccessToken != "":
		tr := oauthmodel.TokenResponse{}
		tr.AccessToken = &params.AccessToken
		if params.RefreshToken != "" {
			tr.RefreshToken = &params.RefreshToken
		}
		if params.ExpiresIn > 0 {
			tr.ExpiresIn = &params.ExpiresIn
		}
		return tr.Token(s.nowTime()), nil

	case params.Code != "":
		verifier, err := s.pkce.RetrieveVerifier()
		if err != nil {
			return nil, err
		}
		tr, err := s.idp.ExchangeCode(ctx, providerID, params.Code, verifier, s.cfg.CallbackURL)
		if err != nil {
			return nil, autherr.CodeExchangeFailed("code exchange failed: " + err.Error())
		}
		return tr.Token(s.nowTime()), nil

	default:
		return nil, autherr.ErrInvalidCallback
	}
}

// postLoginDestination decodes the caller's intended destination, falling
// back to the configured landing page.
func (s *Service) postLoginDestination(params oauthmodel.CallbackParams) string {
	target := params.ReturnURL
	if target == "" {
		if stored, ok := s.volatile.Get(loginRedirectKey); ok {
			target = stored
		}
	}
	s.volatile.Delete(loginRedirectKey)
	if target == "" {
		return s.cfg.DefaultLandingPath
	}
	if decoded, err := url.QueryUnescape(target); err == nil {
		return decoded
	}
	return target
}

// Logout ends the session. The server round-trip is best effort; local
// state is always cleared and the logout is broadcast to other instances.
func (s *Service) Logout(ctx context.Context) error {
	token, _ := s.tokens.Retrieve(ctx)
	profile, _ := s.tokens.RetrieveProfile(ctx)

	if token != nil && !profile.IsTestIdentity() {
		if err := s.idp.Logout(ctx, token.AccessToken); err != nil {
			s.log.Warn().Err(err).Msg("server logout failed, continuing with local logout")
		}
	}

	if err := s.tokens.Clear(ctx); err != nil {
		s.log.Warn().Err(err).Msg("failed to clear token store")
	}
	s.providerCache.Flush()
	s.setUnauthenticated()
	s.tokens.BroadcastLogout()
	s.navigator.Navigate(s.cfg.HomePath)
	s.log.Info().Msg("logged out")
	return nil
}

// ForceUnauthenticated clears local session state without the server
// round-trip or navigation. The refresh coordinator uses it when a failed
// refresh invalidates the session.
func (s *Service) ForceUnauthenticated(ctx context.Context) {
	if err := s.tokens.Clear(ctx); err != nil {
		s.log.Warn().Err(err).Msg("failed to clear token store")
	}
	s.setUnauthenticated()
}

func (s *Service) setUnauthenticated() {
	s.authenticated.Set(false)
	s.profile.Set(nil)
	s.tokenUpdates.Set(nil)
}

// CheckAuthStatus re-derives the authentication flag strictly from whether a
// stored token exists and is unexpired, and reconciles the reactive state.
// The in-memory flag alone is never trusted.
func (s *Service) CheckAuthStatus(ctx context.Context) (bool, error) {
	token, err := s.tokens.Retrieve(ctx)
	if err != nil {
		return false, errors.Wrap(err, "[CheckAuthStatus] token retrieval")
	}
	authed := token != nil && !token.Expired(s.nowTime())

	if !authed {
		if s.authenticated.Get() {
			s.log.Info().Msg("stored token missing or expired, dropping stale authenticated state")
		}
		s.authenticated.Set(false)
		s.profile.Set(nil)
		return false, nil
	}

	if s.profile.Get() == nil {
		if profile, err := s.tokens.RetrieveProfile(ctx); err == nil && profile != nil {
			s.profile.Set(profile)
		}
	}
	s.authenticated.Set(true)
	return true, nil
}

// ValidateAndUpdateAuthState is the validity guard's entry point; identical
// to CheckAuthStatus.
func (s *Service) ValidateAndUpdateAuthState(ctx context.Context) (bool, error) {
	return s.CheckAuthStatus(ctx)
}

// IsAdmin fetches the profile directly from the identity server, bypassing
// every cache, and reports administrative privilege.
func (s *Service) IsAdmin(ctx context.Context) (bool, error) {
	token, err := s.refresh.GetValidToken(ctx)
	if err != nil {
		return false, err
	}
	profile, err := s.idp.Me(ctx, token.AccessToken)
	if err != nil {
		return false, errors.Wrap(err, "[IsAdmin] profile fetch")
	}
	return profile.IsAdmin, nil
}

// newStateNonce mints the single-use CSRF state for one login attempt.
func newStateNonce() string {
	return uuid.New().String()
}

// stateMatches compares the echoed state against the stored nonce,
// tolerating a base64-encoded echo from the identity server.
func stateMatches(stored, echoed string) bool {
	if echoed == "" {
		return false
	}
	if echoed == stored {
		return true
	}
	for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.RawStdEncoding, base64.URLEncoding, base64.RawURLEncoding} {
		if decoded, err := enc.DecodeString(echoed); err == nil && string(decoded) == stored {
			return true
		}
	}
	return false
}

// clearLoginState drops every single-use login artifact.
func (s *Service) clearLoginState() {
	s.volatile.Delete(stateKey)
	s.volatile.Delete(providerKey)
	s.volatile.Delete(loginRedirectKey)
	s.pkce.Clear()
}
