// Package metrics exposes fleet and transport counters to Prometheus.
//
// A nil *Metrics is valid and records nothing, so components can take one
// unconditionally.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "fleet"

// Metrics holds the collectors registered for one server instance.
type Metrics struct {
	registry *prometheus.Registry

	activeConnections  prometheus.Gauge
	totalConnections   prometheus.Counter
	connectionDuration prometheus.Histogram
	messagesReceived   *prometheus.CounterVec
	messageErrors      *prometheus.CounterVec
	droppedMessages    prometheus.Counter

	registeredDevices prometheus.Gauge
	registrations     prometheus.Counter
	heartbeats        prometheus.Counter
	reports           *prometheus.CounterVec

	transportRetries prometheus.Counter
	licenseChecks    *prometheus.CounterVec
}

// New creates collectors on a private registry, including Go runtime and
// process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		activeConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "websocket", Name: "active_connections",
			Help: "Currently open realtime connections.",
		}),
		totalConnections: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "websocket", Name: "connections_total",
			Help: "Realtime connections accepted.",
		}),
		connectionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "websocket", Name: "connection_duration_seconds",
			Help:    "Lifetime of closed realtime connections.",
			Buckets: prometheus.ExponentialBuckets(1, 4, 8),
		}),
		messagesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "websocket", Name: "messages_received_total",
			Help: "Inbound frames by type.",
		}, []string{"type"}),
		messageErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "websocket", Name: "message_errors_total",
			Help: "Inbound frames rejected, by error code.",
		}, []string{"code"}),
		droppedMessages: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "websocket", Name: "dropped_messages_total",
			Help: "Outbound messages dropped because a receiver was not keeping up.",
		}),
		registeredDevices: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "registry", Name: "devices",
			Help: "Devices currently registered.",
		}),
		registrations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "registry", Name: "registrations_total",
			Help: "Successful device registrations.",
		}),
		heartbeats: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "registry", Name: "heartbeats_total",
			Help: "Heartbeats applied to registered devices.",
		}),
		reports: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "audit", Name: "reports_total",
			Help: "Execution reports by outcome.",
		}, []string{"outcome"}),
		transportRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "transport", Name: "retries_total",
			Help: "Outbound request retries.",
		}),
		licenseChecks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "license", Name: "verifications_total",
			Help: "License verifications by result code.",
		}, []string{"result"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.activeConnections,
		m.totalConnections,
		m.connectionDuration,
		m.messagesReceived,
		m.messageErrors,
		m.droppedMessages,
		m.registeredDevices,
		m.registrations,
		m.heartbeats,
		m.reports,
		m.transportRetries,
		m.licenseChecks,
	)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RecordConnection records a new connection
func (m *Metrics) RecordConnection() {
	if m == nil {
		return
	}
	m.totalConnections.Inc()
	m.activeConnections.Inc()
}

// RecordDisconnection records a closed connection and its lifetime
func (m *Metrics) RecordDisconnection(duration time.Duration) {
	if m == nil {
		return
	}
	m.activeConnections.Dec()
	m.connectionDuration.Observe(duration.Seconds())
}

// RecordMessage counts an inbound frame
func (m *Metrics) RecordMessage(msgType string) {
	if m == nil {
		return
	}
	m.messagesReceived.WithLabelValues(msgType).Inc()
}

// RecordError counts a rejected frame
func (m *Metrics) RecordError(code string) {
	if m == nil {
		return
	}
	m.messageErrors.WithLabelValues(code).Inc()
}

// RecordDroppedMessage records a dropped message
func (m *Metrics) RecordDroppedMessage() {
	if m == nil {
		return
	}
	m.droppedMessages.Inc()
}

// SetRegisteredDevices sets the registry size gauge
func (m *Metrics) SetRegisteredDevices(n int) {
	if m == nil {
		return
	}
	m.registeredDevices.Set(float64(n))
}

// RecordRegistration counts a successful registration
func (m *Metrics) RecordRegistration() {
	if m == nil {
		return
	}
	m.registrations.Inc()
}

// RecordHeartbeat counts an applied heartbeat
func (m *Metrics) RecordHeartbeat() {
	if m == nil {
		return
	}
	m.heartbeats.Inc()
}

// RecordReport counts an execution report by outcome
func (m *Metrics) RecordReport(outcome string) {
	if m == nil {
		return
	}
	m.reports.WithLabelValues(outcome).Inc()
}

// RecordRetry implements resilient.RetryObserver
func (m *Metrics) RecordRetry(_ int, _ time.Duration) {
	if m == nil {
		return
	}
	m.transportRetries.Inc()
}

// RecordLicenseCheck counts a verification by result ("ok" or an error code)
func (m *Metrics) RecordLicenseCheck(result string) {
	if m == nil {
		return
	}
	m.licenseChecks.WithLabelValues(result).Inc()
}
