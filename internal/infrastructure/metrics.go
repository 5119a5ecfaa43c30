package infrastructure

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const metricsNamespace = "stream_gateway"

var (
	DependencyUp = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: metricsNamespace,
		Name:      "dependency_up",
		Help:      "Whether a backing dependency answered its last health check",
	}, []string{"dependency"})

	ConnectedClients = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: metricsNamespace,
		Name:      "connected_clients",
		Help:      "Currently connected stream clients per server",
	}, []string{"server"})

	AdmissionTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "admission_total",
		Help:      "Admission decisions by outcome",
	}, []string{"outcome"})

	DispatchTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "dispatch_total",
		Help:      "Dispatched capability invocations by provider and result",
	}, []string{"provider", "capability", "result"})

	DispatchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: metricsNamespace,
		Name:      "dispatch_duration_seconds",
		Help:      "Capability invocation latency",
		Buckets:   prometheus.DefBuckets,
	}, []string{"provider", "capability"})

	PoolHandles = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: metricsNamespace,
		Name:      "pool_handles",
		Help:      "Upstream pool handles by provider and state",
	}, []string{"provider", "state"})

	PoolEvictions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "pool_evictions_total",
		Help:      "Upstream handles evicted after failing health checks",
	}, []string{"provider"})

	BroadcastTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "broadcast_total",
		Help:      "Room broadcasts by origin and result",
	}, []string{"source", "result"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: metricsNamespace,
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request duration in seconds",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "status"})
)

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
