// Package api is the REST client for the chat backend. Every call carries
// the session bearer token and an X-Request-ID; a 401 triggers one token
// refresh and one retry. Nothing else is retried.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"

	perrors "github.com/p-blackswan/chatsync/internal/errors"
	"github.com/p-blackswan/chatsync/internal/metrics"
	"github.com/p-blackswan/chatsync/internal/models"
	"github.com/p-blackswan/chatsync/internal/requestid"
	"github.com/p-blackswan/chatsync/lru"
)

const serviceName = "chat"

// TokenSource supplies bearer tokens. *auth.Context implements it.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
	Refresh(ctx context.Context) (string, error)
}

// HistoryCache is the local copy of conversations and history used when
// the backend is unreachable. *store.Store implements it.
type HistoryCache interface {
	SaveConversations(ctx context.Context, convs ...models.Conversation) error
	Conversations(ctx context.Context) ([]models.Conversation, error)
	Conversation(ctx context.Context, id string) (models.Conversation, error)
	SaveHistory(ctx context.Context, conversationID string, msgs []models.Message) error
	History(ctx context.Context, conversationID string) ([]models.Message, error)
	DeleteConversation(ctx context.Context, id string) error
}

// Config holds REST client configuration.
type Config struct {
	BaseURL string
	// Timeout bounds each request. Zero keeps the transport default.
	Timeout time.Duration
	// CacheSize is the number of conversations kept in memory.
	CacheSize int
	// CacheTTL bounds how stale a cached conversation may be.
	CacheTTL time.Duration
}

// Client talks to the chat backend's REST surface.
type Client struct {
	http    *resty.Client
	auth    TokenSource
	history HistoryCache
	convs   *lru.Cache[string, models.Conversation]
	logger  zerolog.Logger
	metrics *metrics.Metrics
}

// errorBody covers the error shapes the backend returns.
type errorBody struct {
	Detail  string `json:"detail"`
	Message string `json:"message"`
	Error   string `json:"error"`
}

func (b *errorBody) text() string {
	switch {
	case b == nil:
		return ""
	case b.Detail != "":
		return b.Detail
	case b.Message != "":
		return b.Message
	default:
		return b.Error
	}
}

// New creates a REST client.
func New(cfg Config, auth TokenSource, logger zerolog.Logger, m *metrics.Metrics) *Client {
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = 128
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 5 * time.Minute
	}

	hc := resty.New().
		SetBaseURL(strings.TrimSuffix(cfg.BaseURL, "/")).
		SetHeader("Accept", "application/json").
		SetHeader("User-Agent", "chatsync/1.0")
	if cfg.Timeout > 0 {
		hc.SetTimeout(cfg.Timeout)
	}

	return &Client{
		http:    hc,
		auth:    auth,
		convs:   lru.New[string, models.Conversation](cfg.CacheSize, lru.WithTTL[string, models.Conversation](cfg.CacheTTL)),
		logger:  logger.With().Str("component", "api").Logger(),
		metrics: m,
	}
}

// SetHistoryCache enables the offline history cache.
func (c *Client) SetHistoryCache(h HistoryCache) {
	c.history = h
}

// CacheMetrics reports the in-memory conversation cache counters.
func (c *Client) CacheMetrics() lru.Metrics {
	return c.convs.Metrics()
}

// RefreshToken exchanges a refresh token for a new token pair. It is
// unauthenticated and never retried, so it can back auth.Context.
func (c *Client) RefreshToken(ctx context.Context, refreshToken string) (string, string, error) {
	var out struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader(requestid.Header, requestid.FromContext(ctx)).
		SetBody(map[string]string{"refresh_token": refreshToken}).
		SetResult(&out).
		SetError(&errorBody{}).
		Post("/auth/refresh")
	if err != nil {
		return "", "", c.transportError(ctx, "refresh", err)
	}
	if resp.IsError() {
		return "", "", c.responseError("refresh", resp)
	}
	if out.AccessToken == "" {
		return "", "", fmt.Errorf("%w: refresh response without access token", perrors.ErrAuthFailure)
	}
	return out.AccessToken, out.RefreshToken, nil
}

// do executes an authenticated request. prep is applied on every attempt so
// request bodies can be rebuilt for the post-refresh retry.
func (c *Client) do(ctx context.Context, op, method, path string, prep func(*resty.Request), out any) (*resty.Response, error) {
	start := time.Now()
	defer func() { c.metrics.ObserveRequest(op, time.Since(start).Seconds()) }()

	reqID := requestid.FromContext(ctx)
	ctx = requestid.WithRequestID(ctx, reqID)

	send := func(token string) (*resty.Response, error) {
		req := c.http.R().
			SetContext(ctx).
			SetAuthToken(token).
			SetHeader(requestid.Header, reqID).
			SetError(&errorBody{})
		if out != nil {
			req.SetResult(out)
		}
		if prep != nil {
			prep(req)
		}
		return req.Execute(method, path)
	}

	token, err := c.auth.Token(ctx)
	if err != nil {
		return nil, err
	}

	resp, err := send(token)
	if err == nil && resp.StatusCode() == http.StatusUnauthorized {
		c.logger.Debug().Str("op", op).Str("request_id", reqID).Msg("401, refreshing token")
		fresh, rerr := c.auth.Refresh(ctx)
		if rerr != nil {
			c.metrics.RecordError("api", op)
			return nil, errors.Join(c.responseError(op, resp), rerr)
		}
		resp, err = send(fresh)
	}
	if err != nil {
		c.metrics.RecordError("api", op)
		return nil, c.transportError(ctx, op, err)
	}
	if resp.IsError() {
		c.metrics.RecordError("api", op)
		return nil, c.responseError(op, resp)
	}

	c.logger.Debug().
		Str("op", op).
		Str("request_id", reqID).
		Int("status", resp.StatusCode()).
		Dur("took", time.Since(start)).
		Msg("api call")
	return resp, nil
}

func (c *Client) transportError(ctx context.Context, op string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%s: %w", op, ctxErr)
	}
	return fmt.Errorf("%w: %s: %v", perrors.ErrUnavailable, op, err)
}

func (c *Client) responseError(op string, resp *resty.Response) error {
	msg := ""
	if body, ok := resp.Error().(*errorBody); ok {
		msg = body.text()
	}
	if msg == "" {
		msg = strings.TrimSpace(resp.String())
	}
	if msg == "" {
		msg = http.StatusText(resp.StatusCode())
	}
	return perrors.NewAPIError(serviceName, resp.StatusCode(), op+": "+msg)
}

// offline reports whether err means the backend could not serve the call,
// so cached data may stand in.
func offline(err error) bool {
	return perrors.IsRetryable(err)
}
