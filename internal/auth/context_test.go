package auth

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	perrors "github.com/p-blackswan/chatsync/internal/errors"
	"github.com/p-blackswan/chatsync/pkg/tokenstore"
)

type fakeRefresher struct {
	calls  atomic.Int32
	access string
	err    error
	delay  time.Duration
}

func (f *fakeRefresher) RefreshToken(ctx context.Context, refreshToken string) (string, string, error) {
	f.calls.Add(1)
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if f.err != nil {
		return "", "", f.err
	}
	return f.access, "", nil
}

func signed(t *testing.T, exp time.Time) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "u1",
		ExpiresAt: jwt.NewNumericDate(exp),
	})
	s, err := tok.SignedString([]byte("test-secret"))
	require.NoError(t, err)
	return s
}

func TestContext_TokenWithoutCredentials(t *testing.T) {
	ac := New(tokenstore.NewMemoryStore(), "", zerolog.Nop())
	_, err := ac.Token(context.Background())
	assert.ErrorIs(t, err, perrors.ErrAuthFailure)
}

func TestContext_OpaqueTokenNeverExpires(t *testing.T) {
	ctx := context.Background()
	ac := New(tokenstore.NewMemoryStore(), "", zerolog.Nop())
	require.NoError(t, ac.SetCredentials(ctx, "opaque-token", ""))

	tok, err := ac.Token(ctx)
	require.NoError(t, err)
	assert.Equal(t, "opaque-token", tok)
}

func TestContext_ExpiredJWTRefreshes(t *testing.T) {
	ctx := context.Background()
	ac := New(tokenstore.NewMemoryStore(), "", zerolog.Nop())
	fresh := signed(t, time.Now().Add(time.Hour))
	ref := &fakeRefresher{access: fresh}
	ac.SetRefresher(ref)

	require.NoError(t, ac.SetCredentials(ctx, signed(t, time.Now().Add(-time.Minute)), "refresh-1"))

	tok, err := ac.Token(ctx)
	require.NoError(t, err)
	assert.Equal(t, fresh, tok)
	assert.Equal(t, int32(1), ref.calls.Load())

	// new token is valid, no further refresh
	tok, err = ac.Token(ctx)
	require.NoError(t, err)
	assert.Equal(t, fresh, tok)
	assert.Equal(t, int32(1), ref.calls.Load())
}

func TestContext_RefreshWithoutRefreshToken(t *testing.T) {
	ctx := context.Background()
	ac := New(tokenstore.NewMemoryStore(), "", zerolog.Nop())
	ac.SetRefresher(&fakeRefresher{access: "x"})
	require.NoError(t, ac.SetCredentials(ctx, "a", ""))

	_, err := ac.Refresh(ctx)
	assert.ErrorIs(t, err, perrors.ErrAuthFailure)
}

func TestContext_RefreshFailure(t *testing.T) {
	ctx := context.Background()
	ac := New(tokenstore.NewMemoryStore(), "", zerolog.Nop())
	ac.SetRefresher(&fakeRefresher{err: errors.New("denied")})
	require.NoError(t, ac.SetCredentials(ctx, "a", "r"))

	_, err := ac.Refresh(ctx)
	assert.ErrorIs(t, err, perrors.ErrAuthFailure)
	assert.Contains(t, err.Error(), "denied")

	// old token is kept
	tok, err := ac.Token(ctx)
	require.NoError(t, err)
	assert.Equal(t, "a", tok)
}

func TestContext_ConcurrentRefreshSharesExchange(t *testing.T) {
	ctx := context.Background()
	ac := New(tokenstore.NewMemoryStore(), "", zerolog.Nop())
	ref := &fakeRefresher{access: "new", delay: 50 * time.Millisecond}
	ac.SetRefresher(ref)
	require.NoError(t, ac.SetCredentials(ctx, "old", "r"))

	var wg sync.WaitGroup
	results := make([]string, 5)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			results[idx], _ = ac.Refresh(ctx)
		}(i)
	}
	wg.Wait()

	for _, r := range results {
		assert.Equal(t, "new", r)
	}
	assert.Equal(t, int32(1), ref.calls.Load())
}

func TestContext_Invalidate(t *testing.T) {
	ctx := context.Background()
	ac := New(tokenstore.NewMemoryStore(), "", zerolog.Nop())
	require.NoError(t, ac.SetCredentials(ctx, "a", "r"))
	require.NoError(t, ac.Invalidate(ctx))

	_, err := ac.Token(ctx)
	assert.ErrorIs(t, err, perrors.ErrAuthFailure)
}

func TestSetCredentials_RejectsEmpty(t *testing.T) {
	ac := New(tokenstore.NewMemoryStore(), "", zerolog.Nop())
	assert.ErrorIs(t, ac.SetCredentials(context.Background(), "", "r"), perrors.ErrAuthFailure)
}

func TestExpiryOf(t *testing.T) {
	assert.True(t, ExpiryOf("not-a-jwt").IsZero())

	exp := time.Now().Add(time.Hour).Truncate(time.Second)
	got := ExpiryOf(signed(t, exp))
	assert.WithinDuration(t, exp.Add(-expirySkew), got, time.Second)
}
