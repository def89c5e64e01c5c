// Package guard defends against zombie sessions: application instances that
// still believe they are authenticated after their token silently expired,
// typically because timers were suspended while the instance was in the
// background. Three independent defenses all converge on one action:
// re-validate, and if no longer authenticated, go home.
package guard

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tmihub/go-tmi-auth/auth"
	"github.com/tmihub/go-tmi-auth/internal/config"
	"github.com/tmihub/go-tmi-auth/storage"
	"github.com/tmihub/go-tmi-auth/tokenstore"
)

// Validator re-derives the authentication state from storage. The
// orchestrator implements it.
type Validator interface {
	ValidateAndUpdateAuthState(ctx context.Context) (bool, error)
}

// Guard runs the visibility, heartbeat-drift, and storage-broadcast
// defenses. Start and Stop are idempotent; Stop is safe without Start.
type Guard struct {
	validator Validator
	navigator auth.Navigator
	store     storage.Store
	cfg       config.SessionConfig
	homePath  string
	log       zerolog.Logger
	nowTime   func() time.Time

	mu            sync.Mutex
	started       bool
	stopHeartbeat chan struct{}
	unwatch       func()
	lastTick      time.Time
}

// Option modifies a Guard.
type Option func(*Guard)

// WithNowTime sets the now time function (primarily for testing)
func WithNowTime(nowFunc func() time.Time) Option {
	return func(g *Guard) {
		g.nowTime = nowFunc
	}
}

// WithLogger attaches a logger; the default discards.
func WithLogger(log zerolog.Logger) Option {
	return func(g *Guard) {
		g.log = log
	}
}

// New creates a Guard over the durable store the token store writes to.
func New(validator Validator, navigator auth.Navigator, store storage.Store, cfg config.SessionConfig, homePath string, options ...Option) *Guard {
	g := &Guard{
		validator: validator,
		navigator: navigator,
		store:     store,
		cfg:       cfg,
		homePath:  homePath,
		log:       zerolog.Nop(),
		nowTime:   time.Now,
	}
	for _, opt := range options {
		opt(g)
	}
	return g
}

// Start registers the storage listener and starts the heartbeat. Calling
// Start twice is a no-op.
func (g *Guard) Start() {
	g.mu.Lock()
	if g.started {
		g.mu.Unlock()
		return
	}
	g.started = true
	g.lastTick = g.nowTime()
	stop := make(chan struct{})
	g.stopHeartbeat = stop
	g.unwatch = g.store.Watch(g.onStorageEvent)
	g.mu.Unlock()

	go g.heartbeatLoop(stop)
}

// Stop unregisters every listener. Safe to call at any time, including
// before Start and more than once.
func (g *Guard) Stop() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.started {
		return
	}
	g.started = false
	close(g.stopHeartbeat)
	g.stopHeartbeat = nil
	if g.unwatch != nil {
		g.unwatch()
		g.unwatch = nil
	}
}

// NotifyVisible is the visibility defense: the shell calls it whenever the
// instance returns to the foreground, and state is re-validated immediately.
func (g *Guard) NotifyVisible() {
	g.log.Debug().Msg("became visible, revalidating auth state")
	g.revalidate()
}

func (g *Guard) heartbeatLoop(stop chan struct{}) {
	ticker := time.NewTicker(g.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			g.heartbeatTick()
		}
	}
}

// heartbeatTick records wall-clock time per tick. A gap beyond
// interval*driftMultiplier means the process was suspended and every timer
// with it, so the (possibly long-expired) session is re-validated now rather
// than whenever the throttled timers get around to it.
func (g *Guard) heartbeatTick() {
	now := g.nowTime()
	g.mu.Lock()
	previous := g.lastTick
	g.lastTick = now
	g.mu.Unlock()

	threshold := g.cfg.HeartbeatInterval * time.Duration(g.cfg.DriftMultiplier)
	if !previous.IsZero() && now.Sub(previous) > threshold {
		g.log.Info().Dur("gap", now.Sub(previous)).Msg("heartbeat drift detected, revalidating auth state")
		g.revalidate()
	}
}

// onStorageEvent reacts to durable-store changes from other instances: the
// logout broadcast and token removal both trigger re-validation. Token
// removal does not assume logout; the other instance may have logged back
// in, and re-validation settles it either way.
func (g *Guard) onStorageEvent(ev storage.Event) {
	switch {
	case ev.Key == tokenstore.LogoutBroadcastKey:
		g.log.Debug().Msg("logout broadcast received")
		g.revalidate()
	case ev.Key == tokenstore.TokenKey && ev.Removed:
		g.log.Debug().Msg("stored token removed by another instance")
		g.revalidate()
	}
}

func (g *Guard) revalidate() {
	authed, err := g.validator.ValidateAndUpdateAuthState(context.Background())
	if err != nil {
		g.log.Warn().Err(err).Msg("auth revalidation failed")
		return
	}
	if !authed {
		g.navigator.Navigate(g.homePath)
	}
}
