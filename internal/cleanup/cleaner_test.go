package cleanup

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePruner struct {
	mu      sync.Mutex
	calls   int
	maxAges []time.Duration
	removed int64
	err     error
}

func (f *fakePruner) Prune(_ context.Context, maxAge time.Duration) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.maxAges = append(f.maxAges, maxAge)
	return f.removed, f.err
}

func (f *fakePruner) DBSizeBytes() (int64, error) { return 4096, nil }

func (f *fakePruner) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func TestDefaultConfig(t *testing.T) {
	c := NewCleaner(Config{}, &fakePruner{}, zerolog.Nop())
	assert.Equal(t, DefaultConfig(), c.cfg)
}

func TestRunOnce(t *testing.T) {
	p := &fakePruner{removed: 3}
	c := NewCleaner(Config{MaxAge: 48 * time.Hour}, p, zerolog.Nop())

	n, err := c.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
	assert.Equal(t, []time.Duration{48 * time.Hour}, p.maxAges)
}

func TestRunOnce_Error(t *testing.T) {
	p := &fakePruner{err: errors.New("disk I/O error")}
	c := NewCleaner(Config{}, p, zerolog.Nop())

	_, err := c.RunOnce(context.Background())
	assert.ErrorContains(t, err, "disk I/O error")
}

func TestRun_TicksUntilCancelled(t *testing.T) {
	p := &fakePruner{}
	c := NewCleaner(Config{CheckInterval: 10 * time.Millisecond}, p, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return p.count() >= 3 }, 2*time.Second, 5*time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
