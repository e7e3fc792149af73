// Package metrics provides Prometheus instrumentation for telemock.
// Collectors are registered with the default registry by Init and exposed
// through Handler for scraping.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// RequestsTotal counts requests answered by the mock endpoint or the
	// interceptor, by mode, method and HTTP status code.
	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "telemock_requests_total",
			Help: "Total telemetry requests answered with the canned response",
		},
		[]string{"mode", "method", "status"},
	)

	// RequestDuration observes time spent handling a telemetry request,
	// including the capture write.
	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "telemock_request_duration_seconds",
			Help:    "Telemetry request handling latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"mode"},
	)

	// CaptureWrites counts recorder operations by op (write, amend) and
	// result (ok, error, throttled).
	CaptureWrites = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "telemock_capture_writes_total",
			Help: "Capture file operations by outcome",
		},
		[]string{"op", "result"},
	)

	// ProxyRequests counts requests seen by the forward proxy by outcome
	// (intercepted, forwarded, tunneled, error).
	ProxyRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "telemock_proxy_requests_total",
			Help: "Requests handled by the intercepting proxy",
		},
		[]string{"outcome"},
	)

	// ActiveConnections tracks in-flight proxied requests and tunnels.
	ActiveConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "telemock_proxy_active_connections",
			Help: "Number of in-flight proxied requests and open tunnels",
		},
	)

	// AuthFailures counts admin API authentication failures by reason.
	AuthFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "telemock_admin_auth_failures_total",
			Help: "Total admin API authentication failures",
		},
		[]string{"reason"},
	)

	// StreamSubscribers tracks open live capture stream connections.
	StreamSubscribers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "telemock_stream_subscribers",
			Help: "Number of connected live capture stream clients",
		},
	)
)

// Collectors returns every telemock collector.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		RequestsTotal,
		RequestDuration,
		CaptureWrites,
		ProxyRequests,
		ActiveConnections,
		AuthFailures,
		StreamSubscribers,
	}
}

var initOnce sync.Once

// Init registers all collectors with the default Prometheus registry.
// Calls after the first are no-ops.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(Collectors()...)
	})
}

// Handler returns an http.Handler that serves the Prometheus metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
