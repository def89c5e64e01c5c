package auth_test

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/tmihub/go-tmi-auth/auth"
	"github.com/tmihub/go-tmi-auth/autherr"
	"github.com/tmihub/go-tmi-auth/idp"
	"github.com/tmihub/go-tmi-auth/internal/config"
	"github.com/tmihub/go-tmi-auth/oauthmodel"
	"github.com/tmihub/go-tmi-auth/pkce"
	"github.com/tmihub/go-tmi-auth/storage"
	"github.com/tmihub/go-tmi-auth/tokenstore"
)

const (
	stateStorageKey    = "oauth_state"
	providerStorageKey = "oauth_provider"

	testProviderID  = "google"
	testUserEmail   = "jane@example.com"
	testCallbackURL = "http://localhost:4200/oauth-callback"
)

// fakeNavigator records navigations instead of performing them.
type fakeNavigator struct {
	mu       sync.Mutex
	external []string
	routes   []string
}

func (n *fakeNavigator) OpenExternal(url string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.external = append(n.external, url)
}

func (n *fakeNavigator) Navigate(path string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.routes = append(n.routes, path)
}

func (n *fakeNavigator) lastRoute() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.routes) == 0 {
		return ""
	}
	return n.routes[len(n.routes)-1]
}

// idpCounters tracks per-endpoint hits on the fake identity server.
type idpCounters struct {
	mu            sync.Mutex
	meCalls       int
	exchangeCalls int
	refreshCalls  int
	logoutCalls   int
}

func (c *idpCounters) me() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.meCalls
}

func (c *idpCounters) exchanges() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.exchangeCalls
}

func (c *idpCounters) refreshes() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.refreshCalls
}

func (c *idpCounters) logouts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.logoutCalls
}

type testFixture struct {
	service   *auth.Service
	navigator *fakeNavigator
	durable   *storage.MemoryStore
	volatile  *storage.MemoryVolatile
	tokens    *tokenstore.Store
	counters  *idpCounters
	server    *httptest.Server
	nowFn     func() time.Time
}

func fixedNow() time.Time {
	return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
}

// newFixture builds a Service against a fake identity server. The server
// serves discovery, exchange, refresh, profile, and logout.
func newFixture(t *testing.T) *testFixture {
	t.Helper()
	counters := &idpCounters{}

	mux := http.NewServeMux()
	mux.HandleFunc(idp.ProvidersPath, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode([]oauthmodel.Provider{{
			ID:          testProviderID,
			Name:        "Google",
			AuthURL:     "https://idp.example/authorize",
			RedirectURI: testCallbackURL,
			ClientID:    "tmi-web",
		}})
	})
	mux.HandleFunc(idp.TokenPath, func(w http.ResponseWriter, r *http.Request) {
		counters.mu.Lock()
		counters.exchangeCalls++
		counters.mu.Unlock()
		json.NewEncoder(w).Encode(map[string]any{
			"access_token":  "exchanged-access",
			"refresh_token": "exchanged-refresh",
			"expires_in":    900,
		})
	})
	mux.HandleFunc(idp.RefreshPath, func(w http.ResponseWriter, r *http.Request) {
		counters.mu.Lock()
		counters.refreshCalls++
		counters.mu.Unlock()
		json.NewEncoder(w).Encode(map[string]any{
			"access_token":  "refreshed-access",
			"refresh_token": "refreshed-refresh",
			"expires_in":    900,
		})
	})
	mux.HandleFunc(idp.MePath, func(w http.ResponseWriter, r *http.Request) {
		counters.mu.Lock()
		counters.meCalls++
		counters.mu.Unlock()
		json.NewEncoder(w).Encode(oauthmodel.UserProfile{
			Provider:    testProviderID,
			ProviderID:  "g-123",
			DisplayName: "Jane Doe",
			Email:       testUserEmail,
		})
	})
	mux.HandleFunc(idp.LogoutPath, func(w http.ResponseWriter, r *http.Request) {
		counters.mu.Lock()
		counters.logoutCalls++
		counters.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	return newFixtureWithServer(t, server, counters)
}

func newFixtureWithServer(t *testing.T, server *httptest.Server, counters *idpCounters) *testFixture {
	t.Helper()
	durable := storage.NewMemoryStore()
	volatile := storage.NewMemoryVolatile()
	tokens := tokenstore.New(durable, volatile)
	navigator := &fakeNavigator{}

	cfg := config.Default()
	cfg.APIBaseURL = server.URL
	cfg.CallbackURL = testCallbackURL

	f := &testFixture{
		navigator: navigator,
		durable:   durable,
		volatile:  volatile,
		tokens:    tokens,
		counters:  counters,
		server:    server,
		nowFn:     fixedNow,
	}
	service, err := auth.NewService(
		cfg,
		tokens,
		pkce.NewManager(volatile),
		idp.New(idp.Config{BaseURL: server.URL}, zerolog.Nop()),
		volatile,
		navigator,
		auth.WithNowTime(func() time.Time { return f.nowFn() }),
	)
	require.NoError(t, err)
	f.service = service
	return f
}

// beginLogin runs InitiateLogin and returns the stored CSRF state.
func (f *testFixture) beginLogin(t *testing.T) string {
	t.Helper()
	require.NoError(t, f.service.InitiateLogin(context.Background(), testProviderID, ""))
	state, ok := f.volatile.Get(stateStorageKey)
	require.True(t, ok)
	return state
}

func TestInitiateLogin_RedirectsWithPKCEAndState(t *testing.T) {
	f := newFixture(t)

	state := f.beginLogin(t)
	require.Len(t, f.navigator.external, 1)

	redirect, err := url.Parse(f.navigator.external[0])
	require.NoError(t, err)
	q := redirect.Query()
	require.Equal(t, state, q.Get("state"))
	require.Equal(t, "S256", q.Get("code_challenge_method"))
	require.Len(t, q.Get("code_challenge"), 43)
	require.Equal(t, testCallbackURL, q.Get("redirect_uri"))
	require.Equal(t, testProviderID, q.Get("idp"))

	provider, ok := f.volatile.Get(providerStorageKey)
	require.True(t, ok)
	require.Equal(t, testProviderID, provider)
}

func TestInitiateLogin_UnknownProvider(t *testing.T) {
	f := newFixture(t)

	var streamed *autherr.AuthError
	f.service.Errors().Subscribe(func(err *autherr.AuthError) { streamed = err })

	err := f.service.InitiateLogin(context.Background(), "nope", "")
	require.ErrorIs(t, err, autherr.ErrProviderNotFound)
	require.NotNil(t, streamed)
	require.Equal(t, autherr.CodeProviderNotFound, streamed.Code)
	require.Empty(t, f.navigator.external)
}

// Scenario A: the provider returns tokens directly, no code exchange. One
// profile call, state and provider removed from storage, authenticated.
func TestHandleCallback_DirectTokens(t *testing.T) {
	f := newFixture(t)
	state := f.beginLogin(t)

	ok, err := f.service.HandleCallback(context.Background(), oauthmodel.CallbackParams{
		State:        state,
		AccessToken:  "direct-access",
		RefreshToken: "direct-refresh",
		ExpiresIn:    600,
	})
	require.NoError(t, err)
	require.True(t, ok)

	require.True(t, f.service.IsAuthenticated().Get())
	profile := f.service.Profile().Get()
	require.NotNil(t, profile)
	require.Equal(t, testUserEmail, profile.Email)
	require.Equal(t, 1, f.counters.me())
	require.Equal(t, 0, f.counters.exchanges())

	_, stateLeft := f.volatile.Get(stateStorageKey)
	require.False(t, stateLeft, "oauth_state must be removed")
	_, providerLeft := f.volatile.Get(providerStorageKey)
	require.False(t, providerLeft, "oauth_provider must be removed")

	stored, err := f.tokens.Retrieve(context.Background())
	require.NoError(t, err)
	require.Equal(t, "direct-access", stored.AccessToken)
	require.True(t, stored.ExpiresAt.Equal(fixedNow().Add(600*time.Second)))

	require.Equal(t, config.Default().DefaultLandingPath, f.navigator.lastRoute())
}

func TestHandleCallback_CodeExchange(t *testing.T) {
	f := newFixture(t)
	state := f.beginLogin(t)

	ok, err := f.service.HandleCallback(context.Background(), oauthmodel.CallbackParams{
		State: state,
		Code:  "auth-code-1",
	})
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 1, f.counters.exchanges())

	stored, err := f.tokens.Retrieve(context.Background())
	require.NoError(t, err)
	require.Equal(t, "exchanged-access", stored.AccessToken)
	require.Equal(t, "exchanged-refresh", stored.RefreshToken)
}

func TestHandleCallback_ExchangeFailure(t *testing.T) {
	counters := &idpCounters{}
	mux := http.NewServeMux()
	mux.HandleFunc(idp.ProvidersPath, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode([]oauthmodel.Provider{{
			ID:       testProviderID,
			Name:     "Google",
			AuthURL:  "https://idp.example/authorize",
			ClientID: "tmi-web",
		}})
	})
	mux.HandleFunc(idp.TokenPath, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"upstream exchange failed"}`, http.StatusBadGateway)
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	f := newFixtureWithServer(t, server, counters)
	state := f.beginLogin(t)

	ok, err := f.service.HandleCallback(context.Background(), oauthmodel.CallbackParams{
		State: state,
		Code:  "auth-code-1",
	})
	require.ErrorIs(t, err, autherr.ErrCodeExchangeFailed)
	require.False(t, ok)
	require.True(t, autherr.IsRetryable(err))
	require.False(t, f.service.IsAuthenticated().Get())
}

func TestHandleCallback_Base64EncodedState(t *testing.T) {
	f := newFixture(t)
	state := f.beginLogin(t)

	ok, err := f.service.HandleCallback(context.Background(), oauthmodel.CallbackParams{
		State:       base64.StdEncoding.EncodeToString([]byte(state)),
		AccessToken: "direct-access",
		ExpiresIn:   600,
	})
	require.NoError(t, err)
	require.True(t, ok)
}

func TestHandleCallback_StateMismatch(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.service.InitiateLogin(context.Background(), testProviderID, url.QueryEscape("/models/42")))

	ok, err := f.service.HandleCallback(context.Background(), oauthmodel.CallbackParams{
		State:       "attacker-controlled",
		AccessToken: "direct-access",
	})
	require.ErrorIs(t, err, autherr.ErrInvalidState)
	require.False(t, ok)
	require.False(t, f.service.IsAuthenticated().Get())

	// Every login artifact is gone, not just the consumed state.
	for _, key := range []string{stateStorageKey, providerStorageKey, "login_redirect", pkce.StorageKey} {
		_, left := f.volatile.Get(key)
		require.False(t, left, "volatile key %s must be cleared", key)
	}
}

// CSRF single-use: the first callback consumes the stored state whatever the
// outcome; replaying the same state must fail.
func TestHandleCallback_StateIsSingleUse(t *testing.T) {
	f := newFixture(t)
	state := f.beginLogin(t)

	ok, err := f.service.HandleCallback(context.Background(), oauthmodel.CallbackParams{
		State:       state,
		AccessToken: "direct-access",
		ExpiresIn:   600,
	})
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = f.service.HandleCallback(context.Background(), oauthmodel.CallbackParams{
		State:       state,
		AccessToken: "direct-access",
		ExpiresIn:   600,
	})
	require.ErrorIs(t, err, autherr.ErrInvalidState)
	require.False(t, ok)
}

func TestHandleCallback_ProviderError(t *testing.T) {
	f := newFixture(t)
	f.beginLogin(t)

	var streamed *autherr.AuthError
	f.service.Errors().Subscribe(func(err *autherr.AuthError) { streamed = err })

	ok, err := f.service.HandleCallback(context.Background(), oauthmodel.CallbackParams{
		Error:            "access_denied",
		ErrorDescription: "user cancelled",
	})
	require.Error(t, err)
	require.False(t, ok)
	require.NotNil(t, streamed)
	require.Equal(t, autherr.Code("access_denied"), streamed.Code)
	require.False(t, streamed.Retryable)

	// The login artifacts are gone: a later replay cannot reuse them.
	_, stateLeft := f.volatile.Get(stateStorageKey)
	require.False(t, stateLeft)
}

func TestHandleCallback_NeitherTokenNorCode(t *testing.T) {
	f := newFixture(t)
	state := f.beginLogin(t)

	ok, err := f.service.HandleCallback(context.Background(), oauthmodel.CallbackParams{State: state})
	require.ErrorIs(t, err, autherr.ErrInvalidCallback)
	require.False(t, ok)
	require.True(t, autherr.IsRetryable(err))
}

func TestHandleCallback_CodeWithoutVerifier(t *testing.T) {
	f := newFixture(t)
	state := f.beginLogin(t)
	// Simulate the verifier having been consumed or lost.
	f.volatile.Delete(pkce.StorageKey)

	ok, err := f.service.HandleCallback(context.Background(), oauthmodel.CallbackParams{
		State: state,
		Code:  "auth-code-1",
	})
	require.ErrorIs(t, err, autherr.ErrVerifierNotFound)
	require.False(t, ok)
}

func TestHandleCallback_NavigatesToReturnURL(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.service.InitiateLogin(context.Background(), testProviderID, url.QueryEscape("/models/42")))
	state, _ := f.volatile.Get(stateStorageKey)

	ok, err := f.service.HandleCallback(context.Background(), oauthmodel.CallbackParams{
		State:       state,
		AccessToken: "direct-access",
		ExpiresIn:   600,
	})
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "/models/42", f.navigator.lastRoute())
}

func TestLogout_ClearsEverythingAndNavigatesHome(t *testing.T) {
	f := newFixture(t)
	state := f.beginLogin(t)
	_, err := f.service.HandleCallback(context.Background(), oauthmodel.CallbackParams{
		State:       state,
		AccessToken: "direct-access",
		ExpiresIn:   600,
	})
	require.NoError(t, err)

	var broadcasts int
	f.durable.Watch(func(ev storage.Event) {
		if ev.Key == tokenstore.LogoutBroadcastKey {
			broadcasts++
		}
	})

	require.NoError(t, f.service.Logout(context.Background()))

	require.False(t, f.service.IsAuthenticated().Get())
	require.Nil(t, f.service.Profile().Get())
	token, err := f.tokens.Retrieve(context.Background())
	require.NoError(t, err)
	require.Nil(t, token)
	require.Equal(t, 1, f.counters.logouts())
	require.Equal(t, 1, broadcasts)
	require.Equal(t, config.Default().HomePath, f.navigator.lastRoute())
}

// Server logout failure must never block client-side logout.
func TestLogout_ServerUnreachable(t *testing.T) {
	f := newFixture(t)
	state := f.beginLogin(t)
	_, err := f.service.HandleCallback(context.Background(), oauthmodel.CallbackParams{
		State:       state,
		AccessToken: "direct-access",
		ExpiresIn:   600,
	})
	require.NoError(t, err)

	f.server.Close()

	require.NoError(t, f.service.Logout(context.Background()))
	require.False(t, f.service.IsAuthenticated().Get())
	require.Equal(t, config.Default().HomePath, f.navigator.lastRoute())
}

func TestCheckAuthStatus_TrustsStorageNotMemory(t *testing.T) {
	f := newFixture(t)
	state := f.beginLogin(t)
	_, err := f.service.HandleCallback(context.Background(), oauthmodel.CallbackParams{
		State:       state,
		AccessToken: "direct-access",
		ExpiresIn:   600,
	})
	require.NoError(t, err)
	require.True(t, f.service.IsAuthenticated().Get())

	// Another instance cleared the store; the in-memory flag is now stale.
	require.NoError(t, f.tokens.Clear(context.Background()))

	authed, err := f.service.CheckAuthStatus(context.Background())
	require.NoError(t, err)
	require.False(t, authed)
	require.False(t, f.service.IsAuthenticated().Get())
}

func TestCheckAuthStatus_ExpiredTokenIsUnauthenticated(t *testing.T) {
	f := newFixture(t)
	state := f.beginLogin(t)
	_, err := f.service.HandleCallback(context.Background(), oauthmodel.CallbackParams{
		State:       state,
		AccessToken: "direct-access",
		ExpiresIn:   600,
	})
	require.NoError(t, err)

	f.nowFn = func() time.Time { return fixedNow().Add(601 * time.Second) }

	authed, err := f.service.CheckAuthStatus(context.Background())
	require.NoError(t, err)
	require.False(t, authed)
}

func TestProviders_CachedBetweenCalls(t *testing.T) {
	f := newFixture(t)

	first, err := f.service.Providers(context.Background())
	require.NoError(t, err)
	second, err := f.service.Providers(context.Background())
	require.NoError(t, err)
	require.Equal(t, first, second)
}

// With the identity server unreachable the registry falls back to the local
// development provider, so offline development still has a login path.
func TestProviders_LocalFallbackWhenUnreachable(t *testing.T) {
	f := newFixture(t)
	f.server.Close()

	providers, err := f.service.Providers(context.Background())
	require.NoError(t, err)
	require.Len(t, providers, 1)
	require.Equal(t, oauthmodel.LocalProviderID, providers[0].ID)
}

// Concurrent setters must not interleave their notifications: whatever order
// the sets win the race in, the subscriber's final observation has to agree
// with the signal's current value, even when the subscriber is slow.
func TestSignal_ConcurrentSetsDeliverSerialized(t *testing.T) {
	sig := auth.NewSignal(0)

	var mu sync.Mutex
	var delivered []int
	sig.Subscribe(func(v int) {
		time.Sleep(time.Millisecond)
		mu.Lock()
		delivered = append(delivered, v)
		mu.Unlock()
	})

	var wg sync.WaitGroup
	for i := 1; i <= 16; i++ {
		wg.Add(1)
		go func(v int) {
			defer wg.Done()
			sig.Set(v)
		}(i)
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, delivered, 17, "initial replay plus one delivery per set")
	require.Equal(t, sig.Get(), delivered[len(delivered)-1])
}

func TestSignal_SubscribersSeeCurrentValueAndUpdatesInOrder(t *testing.T) {
	sig := auth.NewSignal(1)

	var seen []int
	unsubscribe := sig.Subscribe(func(v int) { seen = append(seen, v) })
	sig.Set(2)
	sig.Set(3)
	unsubscribe()
	sig.Set(4)

	require.Equal(t, []int{1, 2, 3}, seen)
	require.Equal(t, 4, sig.Get())
}
