package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains all Prometheus metrics for the per-CPU receiver
type Metrics struct {
	// Datagram metrics, labelled by cpu
	DatagramsReceived *prometheus.CounterVec
	RepliesSent       *prometheus.CounterVec
	BytesReceived     *prometheus.CounterVec
	ReceiveErrors     *prometheus.CounterVec
	SendErrors        *prometheus.CounterVec

	// Pool lifecycle metrics
	WorkerState      *prometheus.GaugeVec
	WorkersServing   prometheus.Gauge
	StartupFailures  *prometheus.CounterVec
	ClassifierAttach prometheus.Counter
	StartupDuration  prometheus.Histogram

	// HTTP API metrics
	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPErrors          *prometheus.CounterVec
}

// NewMetrics creates all metrics and registers them with reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		DatagramsReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "reuseport_datagrams_received_total",
			Help: "Total number of datagrams received per worker CPU",
		}, []string{"cpu"}),
		RepliesSent: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "reuseport_replies_sent_total",
			Help: "Total number of echo replies sent per worker CPU",
		}, []string{"cpu"}),
		BytesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "reuseport_bytes_received_total",
			Help: "Total payload bytes received per worker CPU",
		}, []string{"cpu"}),
		ReceiveErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "reuseport_receive_errors_total",
			Help: "Total number of failed receives per worker CPU",
		}, []string{"cpu"}),
		SendErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "reuseport_send_errors_total",
			Help: "Total number of failed echo replies per worker CPU",
		}, []string{"cpu"}),

		WorkerState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "reuseport_worker_state",
			Help: "1 for the current lifecycle state of each worker, 0 otherwise",
		}, []string{"cpu", "state"}),
		WorkersServing: factory.NewGauge(prometheus.GaugeOpts{
			Name: "reuseport_workers_serving",
			Help: "Current number of workers in the serving state",
		}),
		StartupFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "reuseport_startup_failures_total",
			Help: "Total number of worker startup failures by phase",
		}, []string{"phase"}),
		ClassifierAttach: factory.NewCounter(prometheus.CounterOpts{
			Name: "reuseport_classifier_attach_total",
			Help: "Total number of successful classifier attachments",
		}),
		StartupDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "reuseport_pool_startup_duration_seconds",
			Help:    "Time from table publication until every worker reported its startup outcome",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~4s
		}),

		// HTTP API metrics
		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "reuseport_http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "endpoint", "status_code"}),
		HTTPRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "reuseport_http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "endpoint"}),
		HTTPErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "reuseport_http_errors_total",
			Help: "Total number of HTTP errors",
		}, []string{"method", "endpoint", "error_type"}),
	}
}

// CPU holds the counters of one worker, resolved once so the serve loop
// does not look up label values per datagram.
type CPU struct {
	Received      prometheus.Counter
	Replied       prometheus.Counter
	Bytes         prometheus.Counter
	ReceiveErrors prometheus.Counter
	SendErrors    prometheus.Counter
}

// ForCPU returns the counters labelled with cpu
func (m *Metrics) ForCPU(cpu int) *CPU {
	label := strconv.Itoa(cpu)
	return &CPU{
		Received:      m.DatagramsReceived.WithLabelValues(label),
		Replied:       m.RepliesSent.WithLabelValues(label),
		Bytes:         m.BytesReceived.WithLabelValues(label),
		ReceiveErrors: m.ReceiveErrors.WithLabelValues(label),
		SendErrors:    m.SendErrors.WithLabelValues(label),
	}
}

// SetWorkerState marks state as the current state of the worker on cpu
func (m *Metrics) SetWorkerState(cpu int, previous, current string) {
	label := strconv.Itoa(cpu)
	if previous != "" {
		m.WorkerState.WithLabelValues(label, previous).Set(0)
	}
	m.WorkerState.WithLabelValues(label, current).Set(1)
}

// SetWorkersServing sets the current number of serving workers
func (m *Metrics) SetWorkersServing(count int) {
	m.WorkersServing.Set(float64(count))
}

// RecordStartupFailure increments the startup failure counter for phase
func (m *Metrics) RecordStartupFailure(phase string) {
	m.StartupFailures.WithLabelValues(phase).Inc()
}

// RecordClassifierAttach increments the classifier attach counter
func (m *Metrics) RecordClassifierAttach() {
	m.ClassifierAttach.Inc()
}

// RecordStartupDuration records how long the pool took to come up
func (m *Metrics) RecordStartupDuration(durationSeconds float64) {
	m.StartupDuration.Observe(durationSeconds)
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, durationSeconds float64) {
	m.HTTPRequests.WithLabelValues(method, endpoint, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(durationSeconds)
}

// RecordHTTPError records an HTTP error
func (m *Metrics) RecordHTTPError(method, endpoint, errorType string) {
	m.HTTPErrors.WithLabelValues(method, endpoint, errorType).Inc()
}
