package status

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/p-blackswan/chatsync/internal/chat"
	"github.com/p-blackswan/chatsync/internal/conn"
	"github.com/p-blackswan/chatsync/internal/health"
	"github.com/p-blackswan/chatsync/internal/metrics"
	"github.com/p-blackswan/chatsync/internal/models"
	"github.com/p-blackswan/chatsync/internal/stream"
)

type fakeSession struct {
	snap chat.Snapshot
}

func (f *fakeSession) Snapshot() chat.Snapshot { return f.snap }

func testApp(t *testing.T, checks map[string]health.Status, sess SessionView) *fiber.App {
	t.Helper()
	logger := zerolog.Nop()
	checker := health.NewChecker(logger)
	for name, st := range checks {
		st := st
		checker.Register(name, func(context.Context) health.Status { return st })
	}

	m := metrics.New()
	m.RecordCommand("send", "ok")

	return New(Config{ListenAddr: ":0"}, checker, sess, m, logger).App()
}

func get(t *testing.T, app *fiber.App, path string) *http.Response {
	t.Helper()
	req, _ := http.NewRequest(http.MethodGet, path, nil)
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	return resp
}

func TestServer_Healthz(t *testing.T) {
	app := testApp(t, nil, nil)

	resp := get(t, app, "/healthz")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))

	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body["status"])
}

func TestServer_RequestIDEchoed(t *testing.T) {
	app := testApp(t, nil, nil)

	req, _ := http.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-ID", "abc-123")
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	assert.Equal(t, "abc-123", resp.Header.Get("X-Request-ID"))
}

func TestServer_Readyz(t *testing.T) {
	app := testApp(t, map[string]health.Status{"websocket": health.StatusOK, "api": health.StatusDegraded}, nil)

	resp := get(t, app, "/readyz")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Status string                   `json:"status"`
		Checks map[string]health.Status `json:"checks"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ready", body.Status)
	assert.Equal(t, health.StatusDegraded, body.Checks["api"])
}

func TestServer_ReadyzNotReady(t *testing.T) {
	app := testApp(t, map[string]health.Status{"websocket": health.StatusDown}, nil)

	resp := get(t, app, "/readyz")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestServer_Metrics(t *testing.T) {
	app := testApp(t, nil, nil)

	resp := get(t, app, "/metrics")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body, _ := io.ReadAll(resp.Body)
	assert.Contains(t, string(body), "chatsync_commands_total")
}

func TestServer_Session(t *testing.T) {
	started := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	sess := &fakeSession{snap: chat.Snapshot{
		State:          conn.StateConnected,
		ConversationID: "c1",
		Conversation:   &models.Conversation{ID: "c1", Title: "Trip"},
		JoinedRoom:     "c1",
		Messages: []models.Message{
			{ID: "m1"},
			{ID: "temp-1", Status: models.StatusPending},
			{ID: "temp-2", Status: models.StatusFailed},
		},
		StreamState: stream.Streaming,
		Streaming:   &stream.Buffer{ConversationID: "c1", Content: "Hel", StartedAt: started},
	}}
	app := testApp(t, nil, sess)

	resp := get(t, app, "/v1/session")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body SessionResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "connected", body.State)
	assert.Equal(t, "Trip", body.Title)
	assert.Equal(t, 3, body.Messages)
	assert.Equal(t, 1, body.Pending)
	assert.Equal(t, 1, body.Failed)
	assert.Equal(t, "streaming", body.Stream.State)
	assert.Equal(t, 3, body.Stream.Bytes)
	require.NotNil(t, body.Stream.StartedAt)
	assert.True(t, started.Equal(*body.Stream.StartedAt))
}

func TestServer_SessionMissing(t *testing.T) {
	app := testApp(t, nil, nil)

	resp := get(t, app, "/v1/session")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	var body ProblemDetail
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, http.StatusNotFound, body.Status)
	assert.Equal(t, "/v1/session", body.Instance)
}
