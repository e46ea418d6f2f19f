// Package auth holds the single source of truth for the session's bearer
// credentials. The REST client and the connection manager share one Context
// instead of reading a package-level token.
package auth

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"

	perrors "github.com/p-blackswan/chatsync/internal/errors"
	"github.com/p-blackswan/chatsync/pkg/tokenstore"
)

// DefaultKey is the credential key used when a client has a single identity.
const DefaultKey = "default"

// expirySkew refreshes slightly before the server would reject the token.
const expirySkew = 10 * time.Second

// Refresher exchanges a refresh token for new credentials.
type Refresher interface {
	RefreshToken(ctx context.Context, refreshToken string) (access, refresh string, err error)
}

type refreshCall struct {
	done  chan struct{}
	token string
	err   error
}

// Context provides and refreshes the bearer token.
type Context struct {
	store  tokenstore.Store
	key    string
	logger zerolog.Logger

	mu        sync.Mutex
	refresher Refresher
	inflight  *refreshCall
}

// New creates an auth context backed by store.
func New(store tokenstore.Store, key string, logger zerolog.Logger) *Context {
	if key == "" {
		key = DefaultKey
	}
	return &Context{
		store:  store,
		key:    key,
		logger: logger.With().Str("component", "auth").Logger(),
	}
}

// SetRefresher installs the refresh-token exchange. It is set after
// construction because the REST client that performs it needs the Context.
func (c *Context) SetRefresher(r Refresher) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.refresher = r
}

// SetCredentials stores a new token pair. The access token's expiry is read
// from its JWT exp claim when it has one.
func (c *Context) SetCredentials(ctx context.Context, access, refresh string) error {
	if access == "" {
		return fmt.Errorf("%w: empty access token", perrors.ErrAuthFailure)
	}
	return c.store.Save(ctx, tokenstore.Credentials{
		Key:          c.key,
		AccessToken:  access,
		RefreshToken: refresh,
		ExpiresAt:    ExpiryOf(access),
	})
}

// Token returns a currently valid access token, refreshing first if the
// stored one has expired.
func (c *Context) Token(ctx context.Context) (string, error) {
	creds, err := c.store.Load(ctx, c.key)
	switch {
	case err == nil:
		return creds.AccessToken, nil
	case errors.Is(err, tokenstore.ErrTokenExpired):
		c.logger.Debug().Msg("access token expired, refreshing")
		return c.Refresh(ctx)
	case errors.Is(err, tokenstore.ErrTokenNotFound):
		return "", fmt.Errorf("%w: no credentials", perrors.ErrAuthFailure)
	default:
		return "", fmt.Errorf("loading credentials: %w", err)
	}
}

// Refresh exchanges the refresh token for a new pair. Concurrent callers
// share one exchange.
func (c *Context) Refresh(ctx context.Context) (string, error) {
	c.mu.Lock()
	if call := c.inflight; call != nil {
		c.mu.Unlock()
		select {
		case <-call.done:
			return call.token, call.err
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	call := &refreshCall{done: make(chan struct{})}
	c.inflight = call
	refresher := c.refresher
	c.mu.Unlock()

	call.token, call.err = c.refresh(ctx, refresher)

	c.mu.Lock()
	c.inflight = nil
	c.mu.Unlock()
	close(call.done)

	return call.token, call.err
}

func (c *Context) refresh(ctx context.Context, refresher Refresher) (string, error) {
	if refresher == nil {
		return "", fmt.Errorf("%w: no refresher configured", perrors.ErrAuthFailure)
	}
	creds, err := c.store.Load(ctx, c.key)
	if err != nil && !errors.Is(err, tokenstore.ErrTokenExpired) {
		return "", fmt.Errorf("%w: %v", perrors.ErrAuthFailure, err)
	}
	if creds.RefreshToken == "" {
		return "", fmt.Errorf("%w: no refresh token", perrors.ErrAuthFailure)
	}

	access, refresh, err := refresher.RefreshToken(ctx, creds.RefreshToken)
	if err != nil {
		c.logger.Warn().Err(err).Msg("token refresh failed")
		return "", fmt.Errorf("%w: refresh: %w", perrors.ErrAuthFailure, err)
	}
	if refresh == "" {
		refresh = creds.RefreshToken
	}
	if err := c.SetCredentials(ctx, access, refresh); err != nil {
		return "", err
	}
	c.logger.Info().Msg("access token refreshed")
	return access, nil
}

// Invalidate drops the stored credentials, e.g. after a final 401.
func (c *Context) Invalidate(ctx context.Context) error {
	return c.store.Delete(ctx, c.key)
}

// ExpiryOf returns the exp claim of a JWT, shifted by a small skew.
// Opaque tokens and tokens without exp yield the zero time.
func ExpiryOf(token string) time.Time {
	claims := jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return time.Time{}
	}
	if claims.ExpiresAt == nil {
		return time.Time{}
	}
	return claims.ExpiresAt.Time.Add(-expirySkew)
}
