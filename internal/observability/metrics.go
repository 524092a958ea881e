// Package observability provides Prometheus metrics for monitoring.
package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the application.
type Metrics struct {
	// Engine metrics
	OperationsTotal      *prometheus.CounterVec
	OperationDuration    *prometheus.HistogramVec
	ValueMoved           *prometheus.CounterVec
	ReentrancyRejections prometheus.Counter
	PoolsCreated         prometheus.Counter

	// Notification metrics
	NotificationsPublished *prometheus.CounterVec
	WSSubscribers          prometheus.Gauge

	// Sequencer metrics
	SequencerQueueDepth prometheus.Gauge

	// Medium metrics
	RPCCallLatency *prometheus.HistogramVec

	// Database metrics
	DBQueryDuration *prometheus.HistogramVec
	DBQueryErrors   *prometheus.CounterVec

	// HTTP metrics
	HTTPRequests *prometheus.CounterVec
}

// NewMetrics creates a new Metrics instance with all metrics registered.
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "group_escrow"
	}

	return &Metrics{
		// Engine metrics
		OperationsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "operations_total",
			Help:      "Total number of engine mutations by operation and outcome",
		}, []string{"operation", "outcome"}),
		OperationDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "operation_duration_seconds",
			Help:      "Engine mutation latency in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),
		ValueMoved: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "value_moved_total",
			Help:      "Total value moved through the engine by direction",
		}, []string{"direction"}),
		ReentrancyRejections: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "reentrancy_rejections_total",
			Help:      "Total number of nested calls rejected by the reentrancy guard",
		}),
		PoolsCreated: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "pools_created_total",
			Help:      "Total number of pools created",
		}),

		// Notification metrics
		NotificationsPublished: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "notify",
			Name:      "notifications_published_total",
			Help:      "Total number of notifications published by kind",
		}, []string{"kind"}),
		WSSubscribers: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "notify",
			Name:      "ws_subscribers",
			Help:      "Current number of WebSocket subscribers",
		}),

		// Sequencer metrics
		SequencerQueueDepth: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "sequencer",
			Name:      "queue_depth",
			Help:      "Number of commands waiting for admission",
		}),

		// Medium metrics
		RPCCallLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "token",
			Name:      "rpc_call_latency_seconds",
			Help:      "Token service RPC call latency in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method"}),

		// Database metrics
		DBQueryDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "database",
			Name:      "query_duration_seconds",
			Help:      "Database query duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"database", "operation"}),
		DBQueryErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "database",
			Name:      "query_errors_total",
			Help:      "Total number of database query errors",
		}, []string{"database", "operation"}),

		// HTTP metrics
		HTTPRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests by route and status",
		}, []string{"route", "status"}),
	}
}

// Handler returns an HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// DefaultMetrics is the default metrics instance.
var DefaultMetrics = NewMetrics("")

// RecordOperation records an engine mutation and its latency.
func RecordOperation(operation, outcome string, seconds float64) {
	DefaultMetrics.OperationsTotal.WithLabelValues(operation, outcome).Inc()
	DefaultMetrics.OperationDuration.WithLabelValues(operation).Observe(seconds)
}

// RecordValueMoved adds amount to the value counter for direction
// ("in", "exit", "payout", "refund").
func RecordValueMoved(direction string, amount uint64) {
	DefaultMetrics.ValueMoved.WithLabelValues(direction).Add(float64(amount))
}

// RecordReentrancyRejected increments the reentrancy rejection counter.
func RecordReentrancyRejected() {
	DefaultMetrics.ReentrancyRejections.Inc()
}

// RecordPoolCreated increments the pools created counter.
func RecordPoolCreated() {
	DefaultMetrics.PoolsCreated.Inc()
}

// RecordNotification increments the notifications counter for kind.
func RecordNotification(kind string) {
	DefaultMetrics.NotificationsPublished.WithLabelValues(kind).Inc()
}

// UpdateWSSubscribers sets the WebSocket subscriber gauge.
func UpdateWSSubscribers(n int) {
	DefaultMetrics.WSSubscribers.Set(float64(n))
}

// UpdateQueueDepth sets the sequencer queue depth gauge.
func UpdateQueueDepth(n int) {
	DefaultMetrics.SequencerQueueDepth.Set(float64(n))
}

// RecordRPCLatency records RPC call latency.
func RecordRPCLatency(method string, seconds float64) {
	DefaultMetrics.RPCCallLatency.WithLabelValues(method).Observe(seconds)
}

// RecordDBQuery records database query metrics.
func RecordDBQuery(database, operation string, seconds float64, err error) {
	DefaultMetrics.DBQueryDuration.WithLabelValues(database, operation).Observe(seconds)
	if err != nil {
		DefaultMetrics.DBQueryErrors.WithLabelValues(database, operation).Inc()
	}
}

// RecordHTTPRequest increments the HTTP request counter.
func RecordHTTPRequest(route string, status int) {
	DefaultMetrics.HTTPRequests.WithLabelValues(route, httpStatusLabel(status)).Inc()
}

func httpStatusLabel(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
