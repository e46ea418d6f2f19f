// Command chatsync is a terminal client for the chat backend: it keeps a
// real-time connection, joins the selected conversation and renders
// streamed responses as they arrive.
//
// Usage:
//
//	CHAT_ACCESS_TOKEN=... CHAT_WS_URL=wss://chat.example/ws chatsync
package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/p-blackswan/chatsync/internal/api"
	"github.com/p-blackswan/chatsync/internal/auth"
	"github.com/p-blackswan/chatsync/internal/chat"
	"github.com/p-blackswan/chatsync/internal/cleanup"
	"github.com/p-blackswan/chatsync/internal/config"
	"github.com/p-blackswan/chatsync/internal/conn"
	"github.com/p-blackswan/chatsync/internal/health"
	"github.com/p-blackswan/chatsync/internal/metrics"
	"github.com/p-blackswan/chatsync/internal/status"
	"github.com/p-blackswan/chatsync/internal/store"
	"github.com/p-blackswan/chatsync/pkg/tokenstore"
)

func main() {
	// Logs go to stderr so they don't interleave with the conversation.
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	logger := zerolog.New(os.Stderr).With().Timestamp().Caller().Logger()
	log.Logger = logger

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}

	if cfg.IsDevelopment() {
		logger = logger.Output(zerolog.ConsoleWriter{Out: os.Stderr})
		log.Logger = logger
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err == nil {
		zerolog.SetGlobalLevel(level)
	}

	logger.Info().
		Str("environment", cfg.Environment).
		Str("ws_url", cfg.WSURL).
		Str("api_url", cfg.APIURL).
		Bool("cache_enabled", cfg.CacheEnabled()).
		Bool("status_enabled", cfg.StatusEnabled()).
		Msg("starting chatsync")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	m := metrics.New()
	checker := health.NewChecker(logger)

	// Credentials
	authCtx := auth.New(tokenstore.NewMemoryStore(), "", logger)
	if cfg.AccessToken == "" {
		logger.Fatal().Msg("CHAT_ACCESS_TOKEN is required")
	}
	if err := authCtx.SetCredentials(ctx, cfg.AccessToken, cfg.RefreshToken); err != nil {
		logger.Fatal().Err(err).Msg("invalid credentials")
	}

	// REST collaborator
	client := api.New(api.Config{
		BaseURL:   cfg.APIURL,
		Timeout:   cfg.RequestTimeout,
		CacheSize: cfg.CacheSize,
	}, authCtx, logger, m)
	authCtx.SetRefresher(client)

	checker.Register("api", health.ProbeCheck(func(ctx context.Context) error {
		_, err := client.ListModels(ctx)
		return err
	}))

	// Local history cache (optional)
	if cfg.CacheEnabled() {
		db, err := store.New(cfg.CacheDSN, logger)
		if err != nil {
			logger.Warn().Err(err).Msg("history cache unavailable (non-fatal)")
		} else {
			defer db.Close()
			client.SetHistoryCache(db)
			checker.Register("cache", health.PingCheck(db.Ping))
			cleaner := cleanup.NewCleaner(cleanup.Config{MaxAge: cfg.CacheMaxAge}, db, logger)
			go cleaner.Run(ctx)
		}
	} else {
		logger.Info().Msg("history cache not configured, skipping")
	}

	// Real-time connection
	manager := conn.New(conn.Config{
		URL:                  cfg.WSURL,
		HandshakeTimeout:     cfg.HandshakeTimeout,
		ReconnectDelay:       cfg.ReconnectDelay,
		MaxReconnectAttempts: cfg.MaxReconnectAttempts,
		PingInterval:         cfg.PingInterval,
		PongTimeout:          cfg.PongTimeout,
	}, authCtx, logger, m)
	checker.Register("websocket", health.ConnectionCheck(manager))

	session := chat.New(chat.Config{
		Stream:         cfg.Stream,
		JoinAckTimeout: cfg.JoinAckTimeout,
		SendAckTimeout: cfg.SendAckTimeout,
		RejoinTimeout:  cfg.RejoinTimeout,
	}, manager, client, logger, m)
	session.Start()

	var wg sync.WaitGroup

	// Local status server (optional)
	var statusServer *status.Server
	if cfg.StatusEnabled() {
		statusServer = status.New(status.Config{ListenAddr: cfg.StatusAddr}, checker, session, m, logger)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := statusServer.Start(); err != nil {
				logger.Error().Err(err).Msg("status server error")
			}
		}()
	}

	if err := manager.Connect(ctx); err != nil {
		// The manager keeps no retry loop after exhaustion; commands will be
		// rejected until /reconnect succeeds.
		logger.Error().Err(err).Msg("initial connection failed")
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		r := newREPL(session, manager, os.Stdin, os.Stdout, logger)
		r.run(ctx)
	}()

	select {
	case sig := <-sigCh:
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
	case <-done:
		logger.Info().Msg("input closed, shutting down")
	}
	cancel()

	session.Close()
	if err := manager.Disconnect(); err != nil {
		logger.Warn().Err(err).Msg("disconnect error")
	}

	if statusServer != nil {
		if err := statusServer.Shutdown(); err != nil {
			logger.Error().Err(err).Msg("status server shutdown error")
		}
	}

	waitCh := make(chan struct{})
	go func() {
		wg.Wait()
		close(waitCh)
	}()

	select {
	case <-waitCh:
		logger.Info().Msg("shutdown complete")
	case <-time.After(10 * time.Second):
		logger.Warn().Msg("shutdown timed out")
	}
}
