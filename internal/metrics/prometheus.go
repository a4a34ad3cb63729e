package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains all Prometheus metrics for the audio endpoint bridge
type Metrics struct {
	// Apartment operation metrics
	OperationsSubmitted *prometheus.CounterVec
	OperationsCompleted *prometheus.CounterVec
	OperationDuration   *prometheus.HistogramVec
	QueueDepth          prometheus.Gauge

	// Endpoint metrics
	ControlsOpen    prometheus.Gauge
	ControlsOpened  prometheus.Counter
	ControlsDropped prometheus.Counter

	// Notification metrics
	ActiveSubscriptions   prometheus.Gauge
	EventsDelivered       *prometheus.CounterVec
	EventsDiscarded       *prometheus.CounterVec
	CallbackRegistrations prometheus.Counter

	// HTTP API metrics
	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPErrors          *prometheus.CounterVec
}

// NewMetrics creates and registers all Prometheus metrics. Tests pass a
// private registry; main passes prometheus.DefaultRegisterer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		// Apartment operation metrics
		OperationsSubmitted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "wae_operations_submitted_total",
			Help: "Total number of operations submitted to the apartment thread",
		}, []string{"operation"}),
		OperationsCompleted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "wae_operations_completed_total",
			Help: "Total number of completed operations by outcome",
		}, []string{"operation", "status"}),
		OperationDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "wae_operation_duration_seconds",
			Help:    "Time from submission to completion of apartment operations",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 14), // 100µs to ~1.6s
		}, []string{"operation"}),
		QueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Name: "wae_apartment_queue_depth",
			Help: "Current number of operations waiting for the apartment thread",
		}),

		// Endpoint metrics
		ControlsOpen: factory.NewGauge(prometheus.GaugeOpts{
			Name: "wae_endpoint_controls_open",
			Help: "Current number of open endpoint control handles",
		}),
		ControlsOpened: factory.NewCounter(prometheus.CounterOpts{
			Name: "wae_endpoint_controls_opened_total",
			Help: "Total number of endpoint control handles opened",
		}),
		ControlsDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "wae_endpoint_controls_dropped_total",
			Help: "Total number of control handles invalidated by device removal",
		}),

		// Notification metrics
		ActiveSubscriptions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "wae_active_subscriptions",
			Help: "Current number of live event subscriptions",
		}),
		EventsDelivered: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "wae_events_delivered_total",
			Help: "Total number of events delivered to subscriber queues",
		}, []string{"category"}),
		EventsDiscarded: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "wae_events_discarded_total",
			Help: "Total number of events discarded for lack of an active subscriber",
		}, []string{"category"}),
		CallbackRegistrations: factory.NewCounter(prometheus.CounterOpts{
			Name: "wae_callback_registrations_total",
			Help: "Total number of native callback registrations installed",
		}),

		// HTTP API metrics
		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "wae_http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "endpoint", "status_code"}),
		HTTPRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "wae_http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "endpoint"}),
		HTTPErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "wae_http_errors_total",
			Help: "Total number of HTTP errors by taxonomy kind",
		}, []string{"method", "endpoint", "error_kind"}),
	}
}

// RecordOperationSubmitted increments the submitted counter for an operation
func (m *Metrics) RecordOperationSubmitted(operation string) {
	m.OperationsSubmitted.WithLabelValues(operation).Inc()
}

// RecordOperationCompleted records an operation outcome and its duration.
// Status is "ok", "abandoned" or a taxonomy kind such as "device_gone".
func (m *Metrics) RecordOperationCompleted(operation, status string, durationSeconds float64) {
	m.OperationsCompleted.WithLabelValues(operation, status).Inc()
	m.OperationDuration.WithLabelValues(operation).Observe(durationSeconds)
}

// SetQueueDepth sets the apartment queue depth gauge
func (m *Metrics) SetQueueDepth(depth int) {
	m.QueueDepth.Set(float64(depth))
}

// RecordControlOpened increments open-handle accounting
func (m *Metrics) RecordControlOpened() {
	m.ControlsOpened.Inc()
	m.ControlsOpen.Inc()
}

// RecordControlReleased decrements the open-handle gauge
func (m *Metrics) RecordControlReleased() {
	m.ControlsOpen.Dec()
}

// RecordControlsDropped counts handles invalidated by device removal
func (m *Metrics) RecordControlsDropped(count int) {
	m.ControlsDropped.Add(float64(count))
	m.ControlsOpen.Sub(float64(count))
}

// SetActiveSubscriptions sets the live subscription gauge
func (m *Metrics) SetActiveSubscriptions(count int) {
	m.ActiveSubscriptions.Set(float64(count))
}

// RecordEventDelivered counts one event placed on a subscriber queue
func (m *Metrics) RecordEventDelivered(category string) {
	m.EventsDelivered.WithLabelValues(category).Inc()
}

// RecordEventDiscarded counts one event dropped without a subscriber
func (m *Metrics) RecordEventDiscarded(category string) {
	m.EventsDiscarded.WithLabelValues(category).Inc()
}

// RecordCallbackRegistration counts one native callback install
func (m *Metrics) RecordCallbackRegistration() {
	m.CallbackRegistrations.Inc()
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, durationSeconds float64) {
	m.HTTPRequests.WithLabelValues(method, endpoint, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(durationSeconds)
}

// RecordHTTPError records an HTTP error
func (m *Metrics) RecordHTTPError(method, endpoint, errorKind string) {
	m.HTTPErrors.WithLabelValues(method, endpoint, errorKind).Inc()
}
