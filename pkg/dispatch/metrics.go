package dispatch

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/robertprast/edgesigner/pkg/edge"
)

// Outcome labels.
const (
	OutcomePassthrough = "passthrough"
	OutcomeSigned      = "signed"
	OutcomeRejected    = "rejected"
	OutcomeFailOpen    = "fail_open"
)

// Metrics holds Prometheus metrics for the dispatcher. A nil *Metrics records
// nothing.
type Metrics struct {
	RequestsTotal   *prometheus.CounterVec
	ErrorsTotal     *prometheus.CounterVec
	SigningDuration prometheus.Histogram
}

// NewMetrics creates the dispatcher metrics and registers them with reg, or
// the default registerer when reg is nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "edgesigner_requests_total",
				Help: "Total number of origin requests by outcome",
			},
			[]string{"outcome"},
		),
		ErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "edgesigner_errors_total",
				Help: "Total number of protected-route failures by error code",
			},
			[]string{"code"},
		),
		SigningDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "edgesigner_signing_duration_seconds",
				Help:    "Time spent verifying the session and signing the request",
				Buckets: []float64{.0001, .00025, .0005, .001, .0025, .005, .01, .025, .05},
			},
		),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.ErrorsTotal,
		m.SigningDuration,
	)

	return m
}

func (m *Metrics) outcome(outcome string) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) failure(code edge.Code) {
	if m == nil {
		return
	}
	m.ErrorsTotal.WithLabelValues(string(code)).Inc()
}

func (m *Metrics) signing(d time.Duration) {
	if m == nil {
		return
	}
	m.SigningDuration.Observe(d.Seconds())
}
