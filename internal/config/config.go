// Package config holds the immutable configuration for the auth subsystem.
// Values are fixed at construction; nothing here mutates at runtime.
package config

import "time"

// Session duration defaults. These mirror the lifecycle the session timer
// manager and validity guard run on.
const (
	DefaultWarningLead           = 5 * time.Minute
	DefaultProactiveRefreshLead  = 15 * time.Minute
	DefaultActivityCheckInterval = 1 * time.Minute
	DefaultActivityWindow        = 2 * time.Minute
	DefaultPostExpiryGrace       = 30 * time.Second
	DefaultHeartbeatInterval     = 30 * time.Second
	DefaultDriftMultiplier       = 3
	DefaultRefreshLead           = 60 * time.Second
	DefaultProviderCacheTTL      = 10 * time.Minute
)

// SessionConfig names every duration the session lifecycle runs on.
type SessionConfig struct {
	// WarningLead is how long before expiry the warning timer fires.
	WarningLead time.Duration

	// ProactiveRefreshLead is the window before expiry within which an
	// active user's token is refreshed silently.
	ProactiveRefreshLead time.Duration

	// ActivityCheckInterval is the period of the recurring activity check.
	ActivityCheckInterval time.Duration

	// ActivityWindow is how recently the user must have interacted to count
	// as active.
	ActivityWindow time.Duration

	// PostExpiryGrace is the slack allowed after expiry before a detected
	// stale session is treated as hard-expired.
	PostExpiryGrace time.Duration

	// HeartbeatInterval is the validity guard's tick period.
	HeartbeatInterval time.Duration

	// DriftMultiplier scales HeartbeatInterval: an observed gap beyond
	// interval*multiplier means timers were suspended.
	DriftMultiplier int

	// RefreshLead is the remaining-lifetime threshold at or below which a
	// token is considered due for refresh.
	RefreshLead time.Duration
}

// Config is the full configuration of the auth client.
type Config struct {
	// APIBaseURL is the identity/API server base, e.g. "https://api.tmi.dev".
	APIBaseURL string

	// CallbackURL is the redirect target registered with the identity
	// server, echoed in authorization and token-exchange requests.
	CallbackURL string

	// HomePath is the in-app route navigated to after logout.
	HomePath string

	// DefaultLandingPath is the post-login destination when the caller did
	// not ask for one.
	DefaultLandingPath string

	// DefaultProvider is used when InitiateLogin is called without a
	// provider id. Empty means "first provider offered by the server".
	DefaultProvider string

	// ProviderCacheTTL bounds how long the discovered provider list is
	// reused before re-fetching.
	ProviderCacheTTL time.Duration

	Session SessionConfig
}

// Default returns a Config with every duration at its default and paths at
// the application's conventional routes.
func Default() Config {
	return Config{
		HomePath:           "/",
		DefaultLandingPath: "/dashboard",
		ProviderCacheTTL:   DefaultProviderCacheTTL,
		Session: SessionConfig{
			WarningLead:           DefaultWarningLead,
			ProactiveRefreshLead:  DefaultProactiveRefreshLead,
			ActivityCheckInterval: DefaultActivityCheckInterval,
			ActivityWindow:        DefaultActivityWindow,
			PostExpiryGrace:       DefaultPostExpiryGrace,
			HeartbeatInterval:     DefaultHeartbeatInterval,
			DriftMultiplier:       DefaultDriftMultiplier,
			RefreshLead:           DefaultRefreshLead,
		},
	}
}
