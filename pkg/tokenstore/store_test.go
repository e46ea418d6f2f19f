package tokenstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore_SaveAndLoad(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	err := store.Save(ctx, Credentials{Key: "default", AccessToken: "a", RefreshToken: "r", ExpiresAt: time.Now().Add(5 * time.Minute)})
	require.NoError(t, err)

	creds, err := store.Load(ctx, "default")
	require.NoError(t, err)
	assert.Equal(t, "a", creds.AccessToken)
	assert.Equal(t, "r", creds.RefreshToken)
	assert.False(t, creds.IsExpired())
}

func TestMemoryStore_LoadNotFound(t *testing.T) {
	_, err := NewMemoryStore().Load(context.Background(), "nonexistent")
	assert.ErrorIs(t, err, ErrTokenNotFound)
}

func TestMemoryStore_LoadExpiredKeepsRefreshToken(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	require.NoError(t, store.Save(ctx, Credentials{Key: "k", AccessToken: "old", RefreshToken: "r", ExpiresAt: time.Now().Add(-time.Second)}))

	creds, err := store.Load(ctx, "k")
	assert.ErrorIs(t, err, ErrTokenExpired)
	require.NotNil(t, creds)
	assert.Equal(t, "r", creds.RefreshToken)
}

func TestMemoryStore_Delete(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	_ = store.Save(ctx, Credentials{Key: "del", AccessToken: "a"})
	require.NoError(t, store.Delete(ctx, "del"))

	_, err := store.Load(ctx, "del")
	assert.ErrorIs(t, err, ErrTokenNotFound)
}

func TestCredentials_IsExpired(t *testing.T) {
	assert.True(t, (&Credentials{ExpiresAt: time.Now().Add(-time.Second)}).IsExpired())
	assert.False(t, (&Credentials{ExpiresAt: time.Now().Add(time.Hour)}).IsExpired())
	assert.False(t, (&Credentials{}).IsExpired(), "unknown expiry is never expired")
}
