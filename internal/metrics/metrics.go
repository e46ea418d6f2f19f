// Package metrics provides Prometheus metrics for the chat client.
// All recording methods are safe on a nil *Metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the client.
type Metrics struct {
	ConnectionState   prometheus.Gauge
	ReconnectAttempts prometheus.Counter
	EventsReceived    *prometheus.CounterVec
	CommandsTotal     *prometheus.CounterVec
	StreamChunks      prometheus.Counter
	StreamDuration    prometheus.Histogram
	RequestDuration   *prometheus.HistogramVec
	ErrorsTotal       *prometheus.CounterVec

	registry *prometheus.Registry
}

// New creates and registers all metrics.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		ConnectionState: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "chatsync_connection_state",
				Help: "Real-time connection state: 0 disconnected, 1 connecting, 2 connected.",
			},
		),
		ReconnectAttempts: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "chatsync_reconnect_attempts_total",
				Help: "Total connection attempts made after a failure.",
			},
		),
		EventsReceived: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chatsync_events_received_total",
				Help: "Inbound protocol events by name.",
			},
			[]string{"event"},
		),
		CommandsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chatsync_commands_total",
				Help: "Dispatched user commands by command and status.",
			},
			[]string{"command", "status"},
		),
		StreamChunks: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "chatsync_stream_chunks_total",
				Help: "Streaming chunks folded into the active buffer.",
			},
		),
		StreamDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "chatsync_stream_duration_seconds",
				Help:    "Time from stream_start to stream_end or stop.",
				Buckets: prometheus.DefBuckets,
			},
		),
		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "chatsync_api_request_duration_seconds",
				Help:    "REST call duration by operation.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation"},
		),
		ErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chatsync_errors_total",
				Help: "Total errors by module and type.",
			},
			[]string{"module", "type"},
		),
		registry: reg,
	}

	reg.MustRegister(m.ConnectionState)
	reg.MustRegister(m.ReconnectAttempts)
	reg.MustRegister(m.EventsReceived)
	reg.MustRegister(m.CommandsTotal)
	reg.MustRegister(m.StreamChunks)
	reg.MustRegister(m.StreamDuration)
	reg.MustRegister(m.RequestDuration)
	reg.MustRegister(m.ErrorsTotal)

	return m
}

// Handler returns an http.Handler for the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.HandlerFor(prometheus.NewRegistry(), promhttp.HandlerOpts{})
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// SetConnectionState records the numeric connection state.
func (m *Metrics) SetConnectionState(v float64) {
	if m == nil {
		return
	}
	m.ConnectionState.Set(v)
}

// RecordReconnect increments the reconnect attempt counter.
func (m *Metrics) RecordReconnect() {
	if m == nil {
		return
	}
	m.ReconnectAttempts.Inc()
}

// RecordEvent increments the inbound event counter.
func (m *Metrics) RecordEvent(event string) {
	if m == nil {
		return
	}
	m.EventsReceived.WithLabelValues(event).Inc()
}

// RecordCommand increments the command counter.
func (m *Metrics) RecordCommand(command, status string) {
	if m == nil {
		return
	}
	m.CommandsTotal.WithLabelValues(command, status).Inc()
}

// RecordChunk increments the stream chunk counter.
func (m *Metrics) RecordChunk() {
	if m == nil {
		return
	}
	m.StreamChunks.Inc()
}

// ObserveStream records how long a streamed response took.
func (m *Metrics) ObserveStream(seconds float64) {
	if m == nil {
		return
	}
	m.StreamDuration.Observe(seconds)
}

// ObserveRequest records REST call duration.
func (m *Metrics) ObserveRequest(operation string, seconds float64) {
	if m == nil {
		return
	}
	m.RequestDuration.WithLabelValues(operation).Observe(seconds)
}

// RecordError increments the error counter.
func (m *Metrics) RecordError(module, errType string) {
	if m == nil {
		return
	}
	m.ErrorsTotal.WithLabelValues(module, errType).Inc()
}
