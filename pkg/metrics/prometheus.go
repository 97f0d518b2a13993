// Package metrics provides Prometheus metrics for the divscore service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Manager owns every Prometheus collector exported by divscore.
type Manager struct {
	namespace        string
	subsystem        string
	histogramBuckets []float64
	constLabels      prometheus.Labels
	registry         prometheus.Registerer

	// Session store
	sessionInits       *prometheus.CounterVec
	scoreWrites        prometheus.Counter
	scoreResets        prometheus.Counter
	currentScore       prometheus.Gauge
	hasScore           prometheus.Gauge
	allocationEntries  prometheus.Gauge
	malformedValues    *prometheus.CounterVec
	sessionSubscribers prometheus.Gauge

	// Calculator
	calculations      prometheus.Counter
	calculationErrors *prometheus.CounterVec

	// Storage backends
	storageOps       *prometheus.CounterVec
	storageErrors    *prometheus.CounterVec
	storageOpLatency *prometheus.HistogramVec

	// HTTP
	httpRequests        *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
	errorRateByEndpoint *prometheus.CounterVec

	// Process
	systemMemoryUsage    prometheus.Gauge
	systemGoroutineCount prometheus.Gauge
	systemGCPauseTime    prometheus.Histogram
}

//nolint:gochecknoglobals // process-wide metrics, one registry per binary
var (
	customRegistry = prometheus.NewRegistry()
	globalManager  = NewManager(WithPrometheusRegistry(customRegistry))
)

// NewManager creates a metrics manager and registers its collectors.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		namespace:        "divscore",
		subsystem:        "session",
		histogramBuckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 25, 50, 100, 250},
		constLabels:      prometheus.Labels{},
		registry:         prometheus.DefaultRegisterer,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.initializeMetrics()
	return m
}

// Subsystems other than the manager-wide one.
const (
	subsystemCalculator = "calculator"
	subsystemStorage    = "storage"
	subsystemHTTP       = "http"
	subsystemSystem     = "system"
)

func (m *Manager) counter(name, help string) prometheus.CounterOpts {
	return m.counterIn(m.subsystem, name, help)
}

func (m *Manager) counterIn(subsystem, name, help string) prometheus.CounterOpts {
	return prometheus.CounterOpts{
		Namespace:   m.namespace,
		Subsystem:   subsystem,
		Name:        name,
		Help:        help,
		ConstLabels: m.constLabels,
	}
}

func (m *Manager) gauge(name, help string) prometheus.GaugeOpts {
	return m.gaugeIn(m.subsystem, name, help)
}

func (m *Manager) gaugeIn(subsystem, name, help string) prometheus.GaugeOpts {
	return prometheus.GaugeOpts{
		Namespace:   m.namespace,
		Subsystem:   subsystem,
		Name:        name,
		Help:        help,
		ConstLabels: m.constLabels,
	}
}

func (m *Manager) histogramIn(subsystem, name, help string) prometheus.HistogramOpts {
	return prometheus.HistogramOpts{
		Namespace:   m.namespace,
		Subsystem:   subsystem,
		Name:        name,
		Help:        help,
		ConstLabels: m.constLabels,
		Buckets:     m.histogramBuckets,
	}
}

func (m *Manager) initializeMetrics() {
	auto := promauto.With(m.registry)

	m.sessionInits = auto.NewCounterVec(
		m.counter("initializations_total", "Session initializations from storage by outcome (restored, empty)"),
		[]string{"outcome"},
	)
	m.scoreWrites = auto.NewCounter(m.counter("score_writes_total", "Total number of SetScoreData calls"))
	m.scoreResets = auto.NewCounter(m.counter("score_resets_total", "Total number of ResetScore calls"))
	m.currentScore = auto.NewGauge(m.gauge("current_score", "Most recently stored diversification score"))
	m.hasScore = auto.NewGauge(m.gauge("has_score", "1 when a score is held in the session, 0 otherwise"))
	m.allocationEntries = auto.NewGauge(m.gauge("allocation_entries", "Number of asset labels in the stored allocations"))
	m.malformedValues = auto.NewCounterVec(
		m.counter("malformed_values_total", "Persisted values that failed to parse, by storage key"),
		[]string{"key"},
	)
	m.sessionSubscribers = auto.NewGauge(m.gauge("subscribers", "Number of active snapshot subscribers"))

	m.calculations = auto.NewCounter(m.counterIn(subsystemCalculator, "calculations_total", "Total number of score calculations"))
	m.calculationErrors = auto.NewCounterVec(
		m.counterIn(subsystemCalculator, "errors_total", "Rejected score calculations by reason"),
		[]string{"reason"},
	)

	m.storageOps = auto.NewCounterVec(
		m.counterIn(subsystemStorage, "operations_total", "Storage operations by backend, op and result"),
		[]string{"backend", "op", "result"},
	)
	m.storageErrors = auto.NewCounterVec(
		m.counterIn(subsystemStorage, "errors_total", "Storage errors by backend and kind"),
		[]string{"backend", "kind"},
	)
	m.storageOpLatency = auto.NewHistogramVec(
		m.histogramIn(subsystemStorage, "operation_latency_milliseconds", "Storage operation latency in milliseconds"),
		[]string{"backend", "op"},
	)

	m.httpRequests = auto.NewCounterVec(
		m.counterIn(subsystemHTTP, "requests_total", "Total number of HTTP requests by endpoint and method"),
		[]string{"endpoint", "method", "status_code"},
	)
	m.httpRequestDuration = auto.NewHistogramVec(
		m.histogramIn(subsystemHTTP, "request_duration_milliseconds", "HTTP request duration in milliseconds"),
		[]string{"endpoint", "method", "status_code"},
	)
	m.errorRateByEndpoint = auto.NewCounterVec(
		m.counterIn(subsystemHTTP, "errors_by_endpoint_total", "Total number of errors by endpoint"),
		[]string{"endpoint", "method", "error_type"},
	)

	m.systemMemoryUsage = auto.NewGauge(m.gaugeIn(subsystemSystem, "memory_usage_bytes", "Heap bytes allocated by the process"))
	m.systemGoroutineCount = auto.NewGauge(m.gaugeIn(subsystemSystem, "goroutines", "Number of live goroutines"))
	m.systemGCPauseTime = auto.NewHistogram(
		m.histogramIn(subsystemSystem, "gc_pause_milliseconds", "Average GC pause per cycle in milliseconds"),
	)
}

// RecordSessionInit counts a session initialization and sets the score gauges
// from the loaded session. score is ignored unless hasScore is true.
func RecordSessionInit(hasScore bool, score, allocationEntries int) {
	outcome := "empty"
	if hasScore {
		outcome = "restored"
	}
	globalManager.sessionInits.WithLabelValues(outcome).Inc()
	setScoreGauges(hasScore, score, allocationEntries)
}

func setScoreGauges(hasScore bool, score, allocationEntries int) {
	if !hasScore {
		globalManager.currentScore.Set(0)
		globalManager.hasScore.Set(0)
	} else {
		globalManager.currentScore.Set(float64(score))
		globalManager.hasScore.Set(1)
	}
	if allocationEntries >= 0 {
		globalManager.allocationEntries.Set(float64(allocationEntries))
	}
}

// RecordScoreWrite counts a write and updates the score gauges.
func RecordScoreWrite(score, allocationEntries int) {
	globalManager.scoreWrites.Inc()
	setScoreGauges(true, score, allocationEntries)
}

// RecordScoreReset counts a reset and clears the score gauges.
func RecordScoreReset() {
	globalManager.scoreResets.Inc()
	setScoreGauges(false, 0, 0)
}

// RecordMalformedValue counts a persisted value that failed to parse.
func RecordMalformedValue(key string) {
	globalManager.malformedValues.WithLabelValues(key).Inc()
}

// UpdateSubscribers sets the active subscriber count.
func UpdateSubscribers(count int) {
	globalManager.sessionSubscribers.Set(float64(count))
}

// RecordCalculation counts a successful calculation.
func RecordCalculation() {
	globalManager.calculations.Inc()
}

// RecordCalculationError counts a rejected calculation.
func RecordCalculationError(reason string) {
	globalManager.calculationErrors.WithLabelValues(reason).Inc()
}

// RecordStorageOp records one storage operation and its latency.
func RecordStorageOp(backend, op, result string, latencyMs float64) {
	globalManager.storageOps.WithLabelValues(backend, op, result).Inc()
	globalManager.storageOpLatency.WithLabelValues(backend, op).Observe(latencyMs)
}

// RecordStorageError counts a storage error of the given kind.
func RecordStorageError(backend, kind string) {
	globalManager.storageErrors.WithLabelValues(backend, kind).Inc()
}

// RecordHTTPRequest records an HTTP request.
func RecordHTTPRequest(endpoint, method, statusCode string) {
	globalManager.httpRequests.WithLabelValues(endpoint, method, statusCode).Inc()
}

// RecordHTTPRequestDuration records HTTP request duration.
func RecordHTTPRequestDuration(endpoint, method, statusCode string, duration float64) {
	globalManager.httpRequestDuration.WithLabelValues(endpoint, method, statusCode).Observe(duration)
}

// RecordErrorByEndpoint records an error with endpoint, method, and error type labels.
func RecordErrorByEndpoint(endpoint, method, errorType string) {
	globalManager.errorRateByEndpoint.WithLabelValues(endpoint, method, errorType).Inc()
}

// UpdateSystemMemoryUsage sets the heap allocation gauge.
func UpdateSystemMemoryUsage(bytes uint64) {
	globalManager.systemMemoryUsage.Set(float64(bytes))
}

// UpdateSystemGoroutineCount sets the goroutine gauge.
func UpdateSystemGoroutineCount(count int) {
	globalManager.systemGoroutineCount.Set(float64(count))
}

// RecordSystemGCPauseTime observes the average GC pause.
func RecordSystemGCPauseTime(ms float64) {
	globalManager.systemGCPauseTime.Observe(ms)
}

// GetRegistry returns the registry backing the package-level record functions.
func GetRegistry() *prometheus.Registry {
	return customRegistry
}
