package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Request broker metrics
	requestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "remoting_requests_total",
			Help: "Total number of resolved requests by outcome",
		},
		[]string{"outcome"},
	)

	requestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "remoting_request_duration_seconds",
			Help:    "Time from request issue to resolution in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"outcome"},
	)

	retriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "remoting_task_retries_total",
			Help: "Total number of calculator tasks re-enqueued after a failure",
		},
		[]string{"op"},
	)

	downNotificationsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "remoting_down_notifications_total",
			Help: "Total number of Down notifications delivered to watchers",
		},
	)

	agentsAlive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "remoting_agents_alive",
			Help: "Number of live agents",
		},
	)

	// Transport metrics
	framesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "remoting_frames_total",
			Help: "Total number of exchange frames by direction and kind",
		},
		[]string{"direction", "kind"},
	)

	grpcRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "remoting_grpc_requests_total",
			Help: "Total number of gRPC calls served",
		},
		[]string{"method", "status"},
	)

	grpcRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "remoting_grpc_request_duration_seconds",
			Help:    "gRPC call duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	activeConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "remoting_active_connections",
			Help: "Number of outbound peer connections",
		},
	)

	publishedEndpoints = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "remoting_published_endpoints",
			Help: "Number of ports with a published agent",
		},
	)

	initOnce sync.Once
)

// InitMetrics registers the collectors with the default registry
func InitMetrics() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			requestsTotal,
			requestDuration,
			retriesTotal,
			downNotificationsTotal,
			agentsAlive,
			framesTotal,
			grpcRequestsTotal,
			grpcRequestDuration,
			activeConnections,
			publishedEndpoints,
		)
	})
}

// MetricsHandler returns an HTTP handler for Prometheus metrics
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

// RecordRequest records the resolution of one request
func RecordRequest(outcome string, duration time.Duration) {
	requestsTotal.WithLabelValues(outcome).Inc()
	requestDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}

// RecordRetry records a task re-enqueued after a failed request
func RecordRetry(op string) {
	retriesTotal.WithLabelValues(op).Inc()
}

// RecordDownNotification records a Down delivered to a watcher
func RecordDownNotification() {
	downNotificationsTotal.Inc()
}

// SetAgentsAlive sets the live agents gauge
func SetAgentsAlive(count int) {
	agentsAlive.Set(float64(count))
}

// RecordFrame records an exchange frame; direction is "in" or "out"
func RecordFrame(direction, kind string) {
	framesTotal.WithLabelValues(direction, kind).Inc()
}

// RecordGRPCRequest records gRPC request metrics
func RecordGRPCRequest(method, status string, duration time.Duration) {
	grpcRequestsTotal.WithLabelValues(method, status).Inc()
	grpcRequestDuration.WithLabelValues(method).Observe(duration.Seconds())
}

// SetActiveConnections sets the active connections gauge
func SetActiveConnections(count int) {
	activeConnections.Set(float64(count))
}

// SetPublishedEndpoints sets the published endpoints gauge
func SetPublishedEndpoints(count int) {
	publishedEndpoints.Set(float64(count))
}
