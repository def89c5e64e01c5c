package auth

import (
	"context"

	"github.com/pkg/errors"
	"golang.org/x/sync/singleflight"

	"github.com/tmihub/go-tmi-auth/autherr"
	"github.com/tmihub/go-tmi-auth/oauthmodel"
)

// Coordinator decides when the token needs refreshing and performs the
// refresh call. Every authenticated network request funnels through
// GetValidToken, which makes it the single choke point for refresh.
//
// Concurrent callers during an in-flight refresh share one underlying
// request (singleflight) rather than issuing duplicates. De-duplication is
// per instance only: two application instances may still refresh at the same
// time, and each simply re-persists whatever token it obtained.
type Coordinator struct {
	svc *Service
	sf  singleflight.Group
}

func newCoordinator(svc *Service) *Coordinator {
	return &Coordinator{svc: svc}
}

// ShouldRefresh reports whether the token is due for renewal: it must carry
// a refresh token and be within the refresh lead of expiry. The boundary is
// inclusive: a token with exactly the lead remaining is due.
func (c *Coordinator) ShouldRefresh(token *oauthmodel.Token) bool {
	if token == nil || !token.CanRefresh() {
		return false
	}
	return token.TimeToExpiry(c.svc.nowTime()) <= c.svc.cfg.Session.RefreshLead
}

// Refresh exchanges the stored refresh token for a new token pair. Any
// failure is terminal for the session: local state is forced to
// unauthenticated and the token store cleared, because a session whose only
// renewal path has failed cannot continue silently.
func (c *Coordinator) Refresh(ctx context.Context) (*oauthmodel.Token, error) {
	v, err, _ := c.sf.Do("refresh", func() (any, error) {
		return c.doRefresh(ctx)
	})
	if err != nil {
		return nil, err
	}
	return v.(*oauthmodel.Token), nil
}

func (c *Coordinator) doRefresh(ctx context.Context) (*oauthmodel.Token, error) {
	current, err := c.svc.tokens.Retrieve(ctx)
	if err != nil {
		return nil, err
	}
	if current == nil || !current.CanRefresh() {
		c.svc.ForceUnauthenticated(ctx)
		c.svc.ReportError(autherr.ErrNoRefreshToken)
		return nil, autherr.ErrNoRefreshToken
	}

	resp, err := c.svc.idp.Refresh(ctx, current.RefreshToken)
	if err != nil {
		// The shared call runs under the first caller's context. A caller
		// abandoning its request says nothing about the refresh token, so
		// cancellation must not end the session for every waiter; only a
		// server answer does that.
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		c.svc.log.Warn().Err(err).Msg("token refresh failed, ending session")
		c.svc.ForceUnauthenticated(ctx)
		refreshErr := autherr.New(autherr.CodeRefreshFailed, "token refresh failed: "+err.Error(), false)
		c.svc.ReportError(refreshErr)
		return nil, refreshErr
	}

	token := resp.Token(c.svc.nowTime())
	if err := c.svc.tokens.Store(ctx, token); err != nil {
		return nil, err
	}
	c.svc.authenticated.Set(true)
	c.svc.tokenUpdates.Set(token)
	c.svc.log.Debug().Time("expires_at", token.ExpiresAt).Msg("token refreshed")
	return token, nil
}

// RefreshSession exposes the coordinator's Refresh on the Service for
// collaborators that only need the one call.
func (s *Service) RefreshSession(ctx context.Context) (*oauthmodel.Token, error) {
	return s.refresh.Refresh(ctx)
}

// GetValidToken returns the current token, refreshing it first when due.
// With no token stored at all it fails with no_token_available.
func (c *Coordinator) GetValidToken(ctx context.Context) (*oauthmodel.Token, error) {
	token, err := c.svc.tokens.Retrieve(ctx)
	if err != nil {
		return nil, err
	}
	if token == nil {
		return nil, autherr.ErrNoTokenAvailable
	}
	if !token.Expired(c.svc.nowTime()) && !c.ShouldRefresh(token) {
		return token, nil
	}
	return c.Refresh(ctx)
}
