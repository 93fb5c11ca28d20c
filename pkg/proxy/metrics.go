package proxy

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
)

// Middleware defines the signature for middleware functions
type Middleware func(http.Handler) http.Handler

// Metrics holds Prometheus metrics for the emulation proxy
type Metrics struct {
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	ErrorsTotal     *prometheus.CounterVec
}

// StatusRecorder is a custom ResponseWriter to capture the status code and implement Flusher
type StatusRecorder struct {
	http.ResponseWriter
	StatusCode int
}

// WriteHeader captures the status code for logging and metrics
func (rec *StatusRecorder) WriteHeader(code int) {
	rec.StatusCode = code
	rec.ResponseWriter.WriteHeader(code)
}

// Flush Implement Flusher interface
func (rec *StatusRecorder) Flush() {
	if flusher, ok := rec.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

// NewProxyMetrics initializes Prometheus metrics for the proxy and registers
// them with reg, or the default registerer when reg is nil.
func NewProxyMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "edgesigner_proxy_requests_total",
				Help: "Total number of proxied requests",
			},
			[]string{"method", "status"},
		),
		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "edgesigner_proxy_request_duration_seconds",
				Help:    "Duration of proxied requests in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method"},
		),
		ErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "edgesigner_proxy_errors_total",
				Help: "Total number of proxy errors",
			},
			[]string{"method", "error"},
		),
	}

	// Register metrics
	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.ErrorsTotal,
	)

	return m
}
