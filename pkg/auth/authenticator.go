// Package auth resolves bearer tokens and operator identities into
// authenticated principals.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/VancouverCanada/openport/pkg/apierror"
	"github.com/VancouverCanada/openport/pkg/contracts"
	"github.com/VancouverCanada/openport/pkg/ratelimit"
	"github.com/VancouverCanada/openport/pkg/store"
)

// Authenticator turns an agent request into a RequestContext.
type Authenticator struct {
	store   store.Store
	limiter ratelimit.Limiter
	hasher  *TokenHasher
	policy  ratelimit.Policy
	clock   func() time.Time
}

// NewAuthenticator creates an Authenticator using the default per key and
// address rate limit.
func NewAuthenticator(s store.Store, limiter ratelimit.Limiter, hasher *TokenHasher) *Authenticator {
	return &Authenticator{
		store:   s,
		limiter: limiter,
		hasher:  hasher,
		policy:  ratelimit.DefaultAgentPolicy,
		clock:   contracts.Now,
	}
}

// WithRateLimit overrides the per key and address window.
func (a *Authenticator) WithRateLimit(policy ratelimit.Policy) *Authenticator {
	a.policy = policy
	return a
}

// WithClock overrides the time source (for deterministic tests).
func (a *Authenticator) WithClock(clock func() time.Time) *Authenticator {
	a.clock = clock
	return a
}

// ResolveActor returns the user an app acts as, or "" when the app is
// misconfigured.
func ResolveActor(app *contracts.App) string {
	if app.Scope == contracts.AppScopeWorkspace {
		return app.ServiceUserID
	}
	if app.UserID != "" {
		return app.UserID
	}
	return app.CreatedBy
}

// Authenticate validates the bearer token in header and applies the app's
// network policy and the rate limit. remoteAddr is the transport peer.
func (a *Authenticator) Authenticate(ctx context.Context, header http.Header, remoteAddr string) (*contracts.RequestContext, error) {
	token := ReadBearerToken(header.Get("Authorization"))
	if token == "" {
		return nil, apierror.TokenInvalid("Missing agent token")
	}

	key, err := a.store.FindKeyByHash(ctx, a.hasher.Hash(token))
	if errors.Is(err, store.ErrNotFound) {
		return nil, apierror.TokenInvalid("Invalid agent token")
	}
	if err != nil {
		return nil, fmt.Errorf("auth: find key: %w", err)
	}
	if key.RevokedAt != nil {
		return nil, apierror.TokenInvalid("Invalid agent token")
	}
	now := a.clock()
	if key.ExpiresAt != nil && !key.ExpiresAt.After(now) {
		return nil, apierror.TokenExpired("Agent token expired")
	}

	app, err := a.store.GetApp(ctx, key.AppID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apierror.TokenInvalid("Invalid agent token")
	}
	if err != nil {
		return nil, fmt.Errorf("auth: load app: %w", err)
	}
	if app.Status != contracts.AppStatusActive {
		return nil, apierror.TokenInvalid("Invalid agent token")
	}

	actor := ResolveActor(app)
	if actor == "" {
		return nil, apierror.Forbidden("Agent app is misconfigured")
	}

	ip := ClientIP(header.Get("X-Forwarded-For"), remoteAddr)
	if app.Policy.Network != nil && len(app.Policy.Network.AllowedIPs) > 0 {
		if !IPAllowed(ip, app.Policy.Network.AllowedIPs) {
			return nil, apierror.PolicyDenied("IP not allowed for this integration")
		}
	}

	if err := ratelimit.Enforce(ctx, a.limiter, "agent:"+key.ID+":"+ip, a.policy); err != nil {
		return nil, err
	}
	if err := a.store.TouchKey(ctx, key.ID, now); err != nil {
		return nil, fmt.Errorf("auth: touch key: %w", err)
	}
	key.LastUsedAt = &now

	return &contracts.RequestContext{
		App:         app,
		Key:         key,
		ActorUserID: actor,
		IP:          ip,
		UserAgent:   header.Get("User-Agent"),
	}, nil
}
