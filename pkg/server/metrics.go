package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Frame and delivery drop reasons
const (
	dropOversized   = "oversized"
	dropMalformed   = "malformed"
	dropWriteFailed = "write_failed"
)

// Metrics holds all Prometheus metrics for the server.
// Each server registers into its own registry, so several can coexist in one process.
// All Record methods are no-ops on a nil *Metrics.
type Metrics struct {
	registry *prometheus.Registry

	// Session metrics
	activeSessions        prometheus.Gauge
	authenticatedSessions prometheus.Gauge
	sessionsCreated       prometheus.Counter
	sessionsDisconnected  prometheus.Counter

	// Request metrics
	requestsReceived *prometheus.CounterVec // by action
	responsesSent    *prometheus.CounterVec // by action
	requestDuration  *prometheus.HistogramVec

	// Message metrics
	messagesPersisted *prometheus.CounterVec // by kind (text, file)
	messagesRouted    prometheus.Counter
	framesDropped     *prometheus.CounterVec // by reason
	deliveriesDropped *prometheus.CounterVec // by reason

	listenOverflows prometheus.Counter
}

// NewMetrics creates a new metrics instance
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,
		activeSessions: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "pairchat_active_sessions",
				Help: "Current number of open connections",
			},
		),
		authenticatedSessions: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "pairchat_authenticated_sessions",
				Help: "Current number of connections bound to an identity",
			},
		),
		sessionsCreated: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "pairchat_sessions_created_total",
				Help: "Total number of sessions created",
			},
		),
		sessionsDisconnected: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "pairchat_sessions_disconnected_total",
				Help: "Total number of sessions disconnected",
			},
		),
		requestsReceived: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pairchat_requests_received_total",
				Help: "Total number of decoded requests by action",
			},
			[]string{"action"},
		),
		responsesSent: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pairchat_responses_sent_total",
				Help: "Total number of frames written to clients by action",
			},
			[]string{"action"},
		),
		requestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pairchat_request_duration_seconds",
				Help:    "Time taken to handle a request",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"action"},
		),
		messagesPersisted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pairchat_messages_persisted_total",
				Help: "Total number of messages stored",
			},
			[]string{"kind"},
		),
		messagesRouted: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "pairchat_messages_routed_total",
				Help: "Total number of messages forwarded to an online receiver",
			},
		),
		framesDropped: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pairchat_frames_dropped_total",
				Help: "Total number of inbound frames dropped without a response",
			},
			[]string{"reason"},
		),
		deliveriesDropped: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pairchat_deliveries_dropped_total",
				Help: "Total number of stored messages that could not be forwarded to an online receiver",
			},
			[]string{"reason"},
		),
		listenOverflows: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "pairchat_listen_overflows_total",
				Help: "Connections rejected by the kernel because the listen backlog was full",
			},
		),
	}
}

// Handler serves this instance's registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// RecordActiveSessions updates the active session count
func (m *Metrics) RecordActiveSessions(count int) {
	if m == nil {
		return
	}
	m.activeSessions.Set(float64(count))
}

// RecordAuthenticatedSessions updates the authenticated session count
func (m *Metrics) RecordAuthenticatedSessions(count int) {
	if m == nil {
		return
	}
	m.authenticatedSessions.Set(float64(count))
}

// RecordSessionCreated increments the session creation counter
func (m *Metrics) RecordSessionCreated() {
	if m == nil {
		return
	}
	m.sessionsCreated.Inc()
}

// RecordSessionDisconnected increments the session disconnection counter
func (m *Metrics) RecordSessionDisconnected() {
	if m == nil {
		return
	}
	m.sessionsDisconnected.Inc()
}

// RecordRequest records one handled request and how long it took
func (m *Metrics) RecordRequest(action string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.requestsReceived.WithLabelValues(action).Inc()
	m.requestDuration.WithLabelValues(action).Observe(durationSeconds)
}

// RecordResponseSent increments the response counter for an action
func (m *Metrics) RecordResponseSent(action string) {
	if m == nil {
		return
	}
	m.responsesSent.WithLabelValues(action).Inc()
}

// RecordMessagePersisted increments the stored message counter
func (m *Metrics) RecordMessagePersisted(kind string) {
	if m == nil {
		return
	}
	m.messagesPersisted.WithLabelValues(kind).Inc()
}

// RecordMessageRouted increments the live delivery counter
func (m *Metrics) RecordMessageRouted() {
	if m == nil {
		return
	}
	m.messagesRouted.Inc()
}

// RecordFrameDropped increments the dropped frame counter for a reason
func (m *Metrics) RecordFrameDropped(reason string) {
	if m == nil {
		return
	}
	m.framesDropped.WithLabelValues(reason).Inc()
}

// RecordDeliveryDropped increments the failed forward counter for a reason
func (m *Metrics) RecordDeliveryDropped(reason string) {
	if m == nil {
		return
	}
	m.deliveriesDropped.WithLabelValues(reason).Inc()
}

// RecordListenOverflows adds newly observed listen queue overflows
func (m *Metrics) RecordListenOverflows(delta uint64) {
	if m == nil {
		return
	}
	m.listenOverflows.Add(float64(delta))
}
