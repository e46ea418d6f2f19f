// Package tokenstore keeps the bearer credentials of a chat session.
package tokenstore

import (
	"context"
	"errors"
	"time"
)

var (
	ErrTokenNotFound = errors.New("token not found")
	ErrTokenExpired  = errors.New("token expired")
)

// Credentials is an access/refresh token pair stored under Key.
// A zero ExpiresAt means the expiry is unknown and never enforced here.
type Credentials struct {
	Key          string    `json:"key"`
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	ExpiresAt    time.Time `json:"expires_at,omitempty"`
}

// IsExpired checks if the access token has expired.
func (c *Credentials) IsExpired() bool {
	return !c.ExpiresAt.IsZero() && time.Now().After(c.ExpiresAt)
}

// Store defines the credential storage interface.
type Store interface {
	// Save stores credentials under their key, replacing any previous value.
	Save(ctx context.Context, creds Credentials) error
	// Load returns the credentials for key. An expired access token is still
	// returned, together with ErrTokenExpired, so its refresh token stays usable.
	Load(ctx context.Context, key string) (*Credentials, error)
	// Delete removes the credentials for key.
	Delete(ctx context.Context, key string) error
}
