// Package cleanup keeps the local history cache bounded by periodically
// pruning conversations the backend has not refreshed in a while.
package cleanup

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// Config holds configuration for the cache cleanup loop.
type Config struct {
	MaxAge        time.Duration // default 30 days
	CheckInterval time.Duration // default 1h
}

// DefaultConfig returns sane defaults.
func DefaultConfig() Config {
	return Config{
		MaxAge:        30 * 24 * time.Hour,
		CheckInterval: time.Hour,
	}
}

// Pruner is the cache being cleaned. *store.Store implements it.
type Pruner interface {
	Prune(ctx context.Context, maxAge time.Duration) (int64, error)
	DBSizeBytes() (int64, error)
}

// Cleaner runs the prune pass on a schedule.
type Cleaner struct {
	cfg    Config
	cache  Pruner
	logger zerolog.Logger
}

// NewCleaner creates a new Cleaner.
func NewCleaner(cfg Config, cache Pruner, logger zerolog.Logger) *Cleaner {
	def := DefaultConfig()
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = def.MaxAge
	}
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = def.CheckInterval
	}
	return &Cleaner{
		cfg:    cfg,
		cache:  cache,
		logger: logger.With().Str("component", "cleanup").Logger(),
	}
}

// RunOnce prunes stale conversations and returns how many were removed.
func (c *Cleaner) RunOnce(ctx context.Context) (int64, error) {
	n, err := c.cache.Prune(ctx, c.cfg.MaxAge)
	if err != nil {
		return 0, fmt.Errorf("pruning history cache: %w", err)
	}

	size, err := c.cache.DBSizeBytes()
	if err != nil {
		c.logger.Warn().Err(err).Msg("failed to read cache size")
	} else {
		c.logger.Debug().Int64("removed", n).Int64("size_bytes", size).Msg("cache cleanup pass")
	}
	return n, nil
}

// Run prunes immediately and then every CheckInterval until ctx is done.
func (c *Cleaner) Run(ctx context.Context) {
	if _, err := c.RunOnce(ctx); err != nil {
		c.logger.Warn().Err(err).Msg("cache cleanup failed")
	}

	ticker := time.NewTicker(c.cfg.CheckInterval)
	defer ticker.Stop()

	c.logger.Info().Dur("interval", c.cfg.CheckInterval).Dur("max_age", c.cfg.MaxAge).Msg("cache cleanup started")

	for {
		select {
		case <-ctx.Done():
			c.logger.Info().Msg("cache cleanup stopped")
			return
		case <-ticker.C:
			if _, err := c.RunOnce(ctx); err != nil {
				c.logger.Warn().Err(err).Msg("cache cleanup failed")
			}
		}
	}
}
