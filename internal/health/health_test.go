package health

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"

	"github.com/p-blackswan/chatsync/internal/conn"
)

type fixedState conn.State

func (f fixedState) State() conn.State { return conn.State(f) }

func TestChecker_AllHealthy(t *testing.T) {
	c := NewChecker(zerolog.Nop())
	c.Register("websocket", func(ctx context.Context) Status { return StatusOK })
	c.Register("store", func(ctx context.Context) Status { return StatusOK })

	assert.True(t, c.IsReady(context.Background()))
}

func TestChecker_OneDown(t *testing.T) {
	c := NewChecker(zerolog.Nop())
	c.Register("websocket", func(ctx context.Context) Status { return StatusOK })
	c.Register("store", func(ctx context.Context) Status { return StatusDown })

	assert.False(t, c.IsReady(context.Background()))
}

func TestChecker_Degraded_StillReady(t *testing.T) {
	c := NewChecker(zerolog.Nop())
	c.Register("api", func(ctx context.Context) Status { return StatusDegraded })

	assert.True(t, c.IsReady(context.Background()))
}

func TestChecker_NoChecks(t *testing.T) {
	c := NewChecker(zerolog.Nop())
	assert.True(t, c.IsReady(context.Background()))
}

func TestChecker_LastCachesResults(t *testing.T) {
	c := NewChecker(zerolog.Nop())
	c.Register("store", func(ctx context.Context) Status { return StatusDown })

	assert.Empty(t, c.Last())
	c.RunAll(context.Background())
	assert.Equal(t, map[string]Status{"store": StatusDown}, c.Last())
}

func TestConnectionCheck(t *testing.T) {
	ctx := context.Background()
	assert.Equal(t, StatusOK, ConnectionCheck(fixedState(conn.StateConnected))(ctx))
	assert.Equal(t, StatusDegraded, ConnectionCheck(fixedState(conn.StateConnecting))(ctx))
	assert.Equal(t, StatusDown, ConnectionCheck(fixedState(conn.StateDisconnected))(ctx))
}

func TestPingAndProbeChecks(t *testing.T) {
	ctx := context.Background()
	ok := func(context.Context) error { return nil }
	fail := func(context.Context) error { return errors.New("boom") }

	assert.Equal(t, StatusOK, PingCheck(ok)(ctx))
	assert.Equal(t, StatusDown, PingCheck(fail)(ctx))
	assert.Equal(t, StatusOK, ProbeCheck(ok)(ctx))
	assert.Equal(t, StatusDegraded, ProbeCheck(fail)(ctx))
}
