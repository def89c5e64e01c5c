// Package session runs the activity-aware expiry timers for one
// authenticated session: a warning ahead of expiry, proactive refresh for
// active users, and forced logout at expiry.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tmihub/go-tmi-auth/auth"
	"github.com/tmihub/go-tmi-auth/internal/config"
	"github.com/tmihub/go-tmi-auth/oauthmodel"
)

// WarningKind distinguishes the events surfaced on the warning signal.
type WarningKind string

const (
	// WarningExpiry asks the shell to show the "session about to expire"
	// dialog with an extend option.
	WarningExpiry WarningKind = "expiry"

	// WarningRefreshFailed tells the shell a background refresh failed and
	// the user should save work; the session continues until expiry.
	WarningRefreshFailed WarningKind = "refresh_failed"
)

// Warning is one event for the shell to render. A nil value on the signal
// dismisses any open dialog.
type Warning struct {
	Kind      WarningKind
	ExpiresAt time.Time
}

// Authenticator is the slice of the orchestrator the timer manager drives.
type Authenticator interface {
	CurrentToken(ctx context.Context) (*oauthmodel.Token, error)
	RefreshSession(ctx context.Context) (*oauthmodel.Token, error)
	Logout(ctx context.Context) error
	IsAuthenticated() *auth.Signal[bool]
	TokenUpdates() *auth.Signal[*oauthmodel.Token]
}

// TimerManager owns the three cooperative timers of one session. Old timers
// are always cancelled before a replacement set starts; that ordering is the
// race this design exists to avoid.
type TimerManager struct {
	svc     Authenticator
	cfg     config.SessionConfig
	log     zerolog.Logger
	nowTime func() time.Time

	warnings *auth.Signal[*Warning]

	mu           sync.Mutex
	logoutTimer  *time.Timer
	warningTimer *time.Timer
	stopActivity chan struct{}
	lastActivity time.Time
	warningOpen  bool

	unsubAuth   func()
	unsubTokens func()
}

// Option modifies a TimerManager.
type Option func(*TimerManager)

// WithNowTime sets the now time function (primarily for testing)
func WithNowTime(nowFunc func() time.Time) Option {
	return func(m *TimerManager) {
		m.nowTime = nowFunc
	}
}

// WithLogger attaches a logger; the default discards.
func WithLogger(log zerolog.Logger) Option {
	return func(m *TimerManager) {
		m.log = log
	}
}

// NewTimerManager creates the manager and registers it with the
// orchestrator's signals. The orchestrator never references the manager
// directly; the dependency runs one way.
func NewTimerManager(svc Authenticator, cfg config.SessionConfig, options ...Option) *TimerManager {
	m := &TimerManager{
		svc:      svc,
		cfg:      cfg,
		log:      zerolog.Nop(),
		nowTime:  time.Now,
		warnings: auth.NewSignal[*Warning](nil),
	}
	for _, opt := range options {
		opt(m)
	}

	m.unsubAuth = svc.IsAuthenticated().Subscribe(func(authed bool) {
		if authed {
			m.onAuthenticated()
		} else {
			m.StopExpiryTimers()
		}
	})
	m.unsubTokens = svc.TokenUpdates().Subscribe(func(token *oauthmodel.Token) {
		if token != nil {
			m.restartTimers(token)
		}
	})
	return m
}

// Warnings is the signal the shell renders dialogs from.
func (m *TimerManager) Warnings() *auth.Signal[*Warning] { return m.warnings }

// RecordActivity timestamps a user interaction. The shell calls this from
// its input handlers.
func (m *TimerManager) RecordActivity() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastActivity = m.nowTime()
}

// Close stops all timers and detaches from the orchestrator's signals.
func (m *TimerManager) Close() {
	m.StopExpiryTimers()
	if m.unsubAuth != nil {
		m.unsubAuth()
	}
	if m.unsubTokens != nil {
		m.unsubTokens()
	}
}

func (m *TimerManager) onAuthenticated() {
	token, err := m.svc.CurrentToken(context.Background())
	if err != nil || token == nil {
		return
	}
	m.restartTimers(token)
}

// restartTimers cancels any running timers, then starts the logout timer at
// expiry, the warning timer at expiry minus the warning lead, and the
// recurring activity check. Cancel-before-start, always.
//
// A token already past expiry ends the session, with one exception: within
// the post-expiry grace a refreshable token gets one silent refresh attempt
// first, covering sessions resumed moments after their token lapsed.
func (m *TimerManager) restartTimers(token *oauthmodel.Token) {
	now := m.nowTime()
	if token.Expired(now) {
		// Off this goroutine: restartTimers runs inside signal delivery,
		// and both outcomes publish back on the signals that got us here
		// (a refreshed token, or the unauthenticated broadcast).
		withinGrace := now.Sub(token.ExpiresAt) <= m.cfg.PostExpiryGrace && token.CanRefresh()
		go func() {
			if withinGrace {
				if _, err := m.svc.RefreshSession(context.Background()); err == nil {
					// Timers restart via the token-updates subscription.
					return
				}
			}
			m.log.Info().Msg("token expired beyond recovery, forcing logout")
			m.forceLogout()
		}()
		return
	}

	m.mu.Lock()
	m.cancelLocked()

	untilExpiry := token.ExpiresAt.Sub(now)
	m.logoutTimer = time.AfterFunc(untilExpiry, m.onLogoutTimer)

	untilWarning := untilExpiry - m.cfg.WarningLead
	if untilWarning < 0 {
		untilWarning = 0
	}
	expiresAt := token.ExpiresAt
	m.warningTimer = time.AfterFunc(untilWarning, func() { m.onWarningTimer(expiresAt) })

	stop := make(chan struct{})
	m.stopActivity = stop
	m.mu.Unlock()

	go m.activityLoop(stop)

	m.log.Debug().Time("expires_at", token.ExpiresAt).Msg("session timers started")
}

// activityLoop runs the recurring activity check, starting immediately.
func (m *TimerManager) activityLoop(stop chan struct{}) {
	m.activityCheck()
	ticker := time.NewTicker(m.cfg.ActivityCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			m.activityCheck()
		}
	}
}

// activityCheck refreshes silently when the token is near expiry and the
// user has interacted recently. This is the path that keeps an active user
// from ever seeing a dialog.
func (m *TimerManager) activityCheck() {
	token, err := m.svc.CurrentToken(context.Background())
	if err != nil || token == nil {
		return
	}
	now := m.nowTime()
	if token.TimeToExpiry(now) > m.cfg.ProactiveRefreshLead {
		return
	}
	if !m.userActive(now) {
		return
	}

	if _, err := m.svc.RefreshSession(context.Background()); err != nil {
		// Not fatal here: warn so the user can save work, and leave the
		// original logout timer to run its course.
		m.log.Warn().Err(err).Msg("proactive refresh failed")
		m.setWarning(&Warning{Kind: WarningRefreshFailed, ExpiresAt: token.ExpiresAt})
		return
	}
	// The stored token changed; restartTimers runs via the token-updates
	// subscription.
}

// onWarningTimer re-checks activity at the warning point. An active user is
// covered by the proactive path; an inactive one gets the dialog.
func (m *TimerManager) onWarningTimer(expiresAt time.Time) {
	if m.userActive(m.nowTime()) {
		return
	}
	m.setWarning(&Warning{Kind: WarningExpiry, ExpiresAt: expiresAt})
}

func (m *TimerManager) onLogoutTimer() {
	m.log.Info().Msg("session expired, forcing logout")
	m.forceLogout()
}

func (m *TimerManager) forceLogout() {
	m.StopExpiryTimers()
	if err := m.svc.Logout(context.Background()); err != nil {
		m.log.Warn().Err(err).Msg("forced logout failed")
	}
}

// ExtendSession is the warning dialog's "extend" action. All timers are
// cancelled before the refresh call goes out, so a stale logout timer can
// never fire mid-refresh; a failed extension ends the session.
func (m *TimerManager) ExtendSession(ctx context.Context) error {
	m.StopExpiryTimers()
	if _, err := m.svc.RefreshSession(ctx); err != nil {
		m.log.Warn().Err(err).Msg("session extension failed, logging out")
		if logoutErr := m.svc.Logout(ctx); logoutErr != nil {
			m.log.Warn().Err(logoutErr).Msg("logout after failed extension")
		}
		return err
	}
	return nil
}

// StopExpiryTimers cancels all three timers and dismisses any open warning.
// Idempotent and safe to call when nothing is running.
func (m *TimerManager) StopExpiryTimers() {
	m.mu.Lock()
	m.cancelLocked()
	dismiss := m.warningOpen
	m.warningOpen = false
	m.mu.Unlock()
	if dismiss {
		m.warnings.Set(nil)
	}
}

func (m *TimerManager) cancelLocked() {
	if m.logoutTimer != nil {
		m.logoutTimer.Stop()
		m.logoutTimer = nil
	}
	if m.warningTimer != nil {
		m.warningTimer.Stop()
		m.warningTimer = nil
	}
	if m.stopActivity != nil {
		close(m.stopActivity)
		m.stopActivity = nil
	}
}

func (m *TimerManager) userActive(now time.Time) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.lastActivity.IsZero() {
		return false
	}
	return now.Sub(m.lastActivity) <= m.cfg.ActivityWindow
}

func (m *TimerManager) setWarning(w *Warning) {
	m.mu.Lock()
	m.warningOpen = true
	m.mu.Unlock()
	m.warnings.Set(w)
}
