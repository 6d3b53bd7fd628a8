// Package metrics provides Prometheus metrics collection
package metrics

import (
	"os"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/tachyon-beep/lighthouse-sub002/infrastructure/runtime"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// HTTP metrics
	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge

	// Error metrics
	ErrorsTotal *prometheus.CounterVec

	// Event store metrics
	EventsAppendedTotal *prometheus.CounterVec
	EventAppendDuration prometheus.Histogram
	SegmentRotations    prometheus.Counter

	// Dispatcher metrics
	DispatchTierDuration *prometheus.HistogramVec
	DispatchTierTotal    *prometheus.CounterVec
	DispatchBreakerState *prometheus.GaugeVec

	// Expert coordinator metrics
	ElicitationsOutstanding prometheus.Gauge
	ElicitationsTotal       *prometheus.CounterVec

	// Service health
	ServiceUptime prometheus.Gauge
	ServiceInfo   *prometheus.GaugeVec
}

// New creates a new Metrics instance with all collectors registered
func New(serviceName string) *Metrics {
	return NewWithRegistry(serviceName, prometheus.DefaultRegisterer)
}

// NewWithRegistry creates a new Metrics instance with a custom registry
func NewWithRegistry(serviceName string, registerer prometheus.Registerer) *Metrics {
	m := &Metrics{
		// HTTP metrics
		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"service", "method", "path", "status"},
		),
		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"service", "method", "path"},
		),
		RequestsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "http_requests_in_flight",
				Help: "Current number of HTTP requests being processed",
			},
		),

		// Error metrics
		ErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "errors_total",
				Help: "Total number of errors",
			},
			[]string{"service", "type", "operation"},
		),

		// Event store metrics
		EventsAppendedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lighthouse_events_appended_total",
				Help: "Total number of events appended to the event store, by type",
			},
			[]string{"service", "event_type"},
		),
		EventAppendDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "lighthouse_event_append_duration_seconds",
				Help:    "Time spent appending a single event, including fsync",
				Buckets: []float64{.0001, .0005, .001, .005, .01, .025, .05, .1, .25},
			},
		),
		SegmentRotations: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "lighthouse_segment_rotations_total",
				Help: "Total number of log segment rotations",
			},
		),

		// Dispatcher metrics
		DispatchTierDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "lighthouse_dispatch_tier_duration_seconds",
				Help:    "Time spent evaluating a command at each speed-layer tier",
				Buckets: []float64{.0001, .0005, .001, .005, .01, .025, .05, .1, .25, .5, 1},
			},
			[]string{"tier", "outcome"},
		),
		DispatchTierTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lighthouse_dispatch_tier_total",
				Help: "Total number of dispatch decisions resolved at each tier",
			},
			[]string{"tier", "outcome"},
		),
		DispatchBreakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "lighthouse_dispatch_breaker_state",
				Help: "Circuit breaker state per downstream tier (0=closed, 1=half_open, 2=open)",
			},
			[]string{"tier"},
		),

		// Expert coordinator metrics
		ElicitationsOutstanding: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "lighthouse_elicitations_outstanding",
				Help: "Current number of elicitations awaiting a response",
			},
		),
		ElicitationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lighthouse_elicitations_total",
				Help: "Total number of elicitations, by terminal outcome",
			},
			[]string{"outcome"},
		),

		// Service health
		ServiceUptime: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "service_uptime_seconds",
				Help: "Service uptime in seconds",
			},
		),
		ServiceInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "service_info",
				Help: "Service information",
			},
			[]string{"service", "version", "environment"},
		),
	}

	// Register all collectors
	if registerer != nil {
		registerer.MustRegister(
			m.RequestsTotal,
			m.RequestDuration,
			m.RequestsInFlight,
			m.ErrorsTotal,
			m.EventsAppendedTotal,
			m.EventAppendDuration,
			m.SegmentRotations,
			m.DispatchTierDuration,
			m.DispatchTierTotal,
			m.DispatchBreakerState,
			m.ElicitationsOutstanding,
			m.ElicitationsTotal,
			m.ServiceUptime,
			m.ServiceInfo,
		)
	}

	// Set service info
	m.ServiceInfo.WithLabelValues(serviceName, "1.0.0", getEnvironment()).Set(1)

	return m
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(service, method, path, status string, duration time.Duration) {
	m.RequestsTotal.WithLabelValues(service, method, path, status).Inc()
	m.RequestDuration.WithLabelValues(service, method, path).Observe(duration.Seconds())
}

// RecordError records an error
func (m *Metrics) RecordError(service, errorType, operation string) {
	m.ErrorsTotal.WithLabelValues(service, errorType, operation).Inc()
}

// RecordEventAppended records a single event append to the event store.
func (m *Metrics) RecordEventAppended(service, eventType string, duration time.Duration) {
	m.EventsAppendedTotal.WithLabelValues(service, eventType).Inc()
	m.EventAppendDuration.Observe(duration.Seconds())
}

// RecordSegmentRotation records a log segment rotation.
func (m *Metrics) RecordSegmentRotation() {
	m.SegmentRotations.Inc()
}

// RecordDispatchTier records the outcome and latency of a single tier
// evaluation in the speed-layer dispatcher.
func (m *Metrics) RecordDispatchTier(tier, outcome string, duration time.Duration) {
	m.DispatchTierTotal.WithLabelValues(tier, outcome).Inc()
	m.DispatchTierDuration.WithLabelValues(tier, outcome).Observe(duration.Seconds())
}

// SetDispatchBreakerState records the circuit breaker state for a downstream
// tier: 0 closed, 1 half-open, 2 open.
func (m *Metrics) SetDispatchBreakerState(tier string, state float64) {
	m.DispatchBreakerState.WithLabelValues(tier).Set(state)
}

// SetElicitationsOutstanding sets the current count of in-flight elicitations.
func (m *Metrics) SetElicitationsOutstanding(count int) {
	m.ElicitationsOutstanding.Set(float64(count))
}

// RecordElicitationOutcome records a terminal elicitation outcome
// (responded, timeout, cancelled).
func (m *Metrics) RecordElicitationOutcome(outcome string) {
	m.ElicitationsTotal.WithLabelValues(outcome).Inc()
}

// UpdateUptime updates the service uptime
func (m *Metrics) UpdateUptime(startTime time.Time) {
	m.ServiceUptime.Set(time.Since(startTime).Seconds())
}

// IncrementInFlight increments the in-flight requests counter
func (m *Metrics) IncrementInFlight() {
	m.RequestsInFlight.Inc()
}

// DecrementInFlight decrements the in-flight requests counter
func (m *Metrics) DecrementInFlight() {
	m.RequestsInFlight.Dec()
}

// Helper functions

func getEnvironment() string {
	return string(runtime.Env())
}

// Enabled returns whether Prometheus metrics should be exposed.
//
// Defaults:
// - production: disabled unless explicitly enabled via METRICS_ENABLED
// - non-production: enabled unless explicitly disabled via METRICS_ENABLED
func Enabled() bool {
	raw := strings.ToLower(strings.TrimSpace(os.Getenv("METRICS_ENABLED")))
	if raw == "" {
		return !runtime.IsProduction()
	}
	switch raw {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

// Global metrics instance
var (
	globalMetrics *Metrics
	globalMu      sync.Mutex
)

// Init initializes the global metrics instance
func Init(serviceName string) *Metrics {
	globalMu.Lock()
	defer globalMu.Unlock()

	if globalMetrics == nil {
		globalMetrics = New(serviceName)
	}
	return globalMetrics
}

// Global returns the global metrics instance
func Global() *Metrics {
	globalMu.Lock()
	defer globalMu.Unlock()

	if globalMetrics == nil {
		globalMetrics = New("unknown")
	}
	return globalMetrics
}
