package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_New(t *testing.T) {
	m := New()
	assert.NotNil(t, m.ConnectionState)
	assert.NotNil(t, m.ReconnectAttempts)
	assert.NotNil(t, m.EventsReceived)
	assert.NotNil(t, m.CommandsTotal)
	assert.NotNil(t, m.StreamChunks)
	assert.NotNil(t, m.ErrorsTotal)
}

func TestMetrics_RecordCommand(t *testing.T) {
	m := New()
	m.RecordCommand("send", "ok")
	m.RecordCommand("send", "ok")
	m.RecordCommand("edit", "rejected")

	body := getMetricsBody(t, m)
	assert.Contains(t, body, `chatsync_commands_total{command="send",status="ok"} 2`)
	assert.Contains(t, body, `chatsync_commands_total{command="edit",status="rejected"} 1`)
}

func TestMetrics_RecordEventAndChunks(t *testing.T) {
	m := New()
	m.RecordEvent("stream_chunk")
	m.RecordChunk()
	m.RecordChunk()

	body := getMetricsBody(t, m)
	assert.Contains(t, body, `chatsync_events_received_total{event="stream_chunk"} 1`)
	assert.Contains(t, body, "chatsync_stream_chunks_total 2")
}

func TestMetrics_ConnectionState(t *testing.T) {
	m := New()
	m.SetConnectionState(2)
	m.RecordReconnect()

	body := getMetricsBody(t, m)
	assert.Contains(t, body, "chatsync_connection_state 2")
	assert.Contains(t, body, "chatsync_reconnect_attempts_total 1")
}

func TestMetrics_Durations(t *testing.T) {
	m := New()
	m.ObserveStream(0.5)
	m.ObserveRequest("list_messages", 0.1)

	body := getMetricsBody(t, m)
	assert.Contains(t, body, "chatsync_stream_duration_seconds")
	assert.Contains(t, body, `chatsync_api_request_duration_seconds_count{operation="list_messages"} 1`)
}

func TestMetrics_RecordError(t *testing.T) {
	m := New()
	m.RecordError("conn", "handshake")

	body := getMetricsBody(t, m)
	assert.Contains(t, body, `chatsync_errors_total{module="conn",type="handshake"} 1`)
}

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.SetConnectionState(1)
		m.RecordReconnect()
		m.RecordEvent("x")
		m.RecordCommand("send", "ok")
		m.RecordChunk()
		m.ObserveStream(1)
		m.ObserveRequest("x", 1)
		m.RecordError("a", "b")
	})
	assert.NotNil(t, m.Handler())
}

func getMetricsBody(t *testing.T, m *Metrics) string {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rr := httptest.NewRecorder()
	m.Handler().ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code)
	body, _ := io.ReadAll(rr.Body)
	return strings.TrimSpace(string(body))
}
