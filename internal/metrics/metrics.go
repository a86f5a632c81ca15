// Package metrics holds the gateway's Prometheus collectors. Collectors are
// created and registered by New; nothing registers at package init.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "vxlgateway"

// Metrics is the set of collectors shared by the gateway components.
type Metrics struct {
	Requests        *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec

	ProxyRequests *prometheus.CounterVec
	ProxyDuration *prometheus.HistogramVec

	RateLimitDecisions *prometheus.CounterVec
	GateRejections     *prometheus.CounterVec

	BreakerState       *prometheus.GaugeVec
	BreakerTransitions *prometheus.CounterVec

	AuditWriteFailures prometheus.Counter
}

// New builds the collectors and registers them with reg. A nil reg leaves
// them unregistered, which is what most tests want.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled by the gateway.",
		}, []string{"method", "route", "status"}),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "End-to-end request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),

		ProxyRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "proxy_requests_total",
			Help:      "Proxied requests per upstream and outcome.",
		}, []string{"service", "outcome"}),

		ProxyDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "proxy_duration_seconds",
			Help:      "Upstream round-trip time in seconds.",
			Buckets:   []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}, []string{"service"}),

		RateLimitDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ratelimit_decisions_total",
			Help:      "Rate limit decisions by limiter and outcome.",
		}, []string{"limiter", "outcome"}),

		GateRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gate_rejections_total",
			Help:      "Requests rejected by an admission gate, by error code.",
		}, []string{"code"}),

		BreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "breaker_state",
			Help:      "Circuit breaker state per upstream: 0=closed, 1=half_open, 2=open.",
		}, []string{"service"}),

		BreakerTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "breaker_transitions_total",
			Help:      "Circuit breaker state transitions per upstream.",
		}, []string{"service", "to"}),

		AuditWriteFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audit_write_failures_total",
			Help:      "Audit events that could not be persisted.",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.Requests, m.RequestDuration,
			m.ProxyRequests, m.ProxyDuration,
			m.RateLimitDecisions, m.GateRejections,
			m.BreakerState, m.BreakerTransitions,
			m.AuditWriteFailures,
		)
	}
	return m
}
