package gateway

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every Prometheus metric the gateway records.
type Metrics struct {
	RequestsTotal     *prometheus.CounterVec
	RequestDuration   *prometheus.HistogramVec
	ActiveIdentities  prometheus.GaugeFunc
	PolicyEvaluations *prometheus.CounterVec
	AuditDropsTotal   prometheus.CounterFunc
	RateLimitDenied   *prometheus.CounterVec
}

// NewMetrics registers every gateway metric with reg. activeIdentities is
// polled lazily at scrape time from the rate limiter's tracked-key count
// (spec: "the active-identities gauge is refreshed at render time from
// C8"); auditDropped is polled the same way from the audit pipeline.
func NewMetrics(reg prometheus.Registerer, activeIdentities func() float64, auditDropped func() float64) *Metrics {
	return &Metrics{
		RequestsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "sentinelgate",
				Name:      "requests_total",
				Help:      "Total number of MCP requests processed",
			},
			[]string{"method", "status"},
		),
		RequestDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "sentinelgate",
				Name:      "request_duration_seconds",
				Help:      "Request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method"},
		),
		ActiveIdentities: promauto.With(reg).NewGaugeFunc(
			prometheus.GaugeOpts{
				Namespace: "sentinelgate",
				Name:      "active_identities",
				Help:      "Number of identities currently tracked by the rate limiter",
			},
			activeIdentities,
		),
		PolicyEvaluations: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "sentinelgate",
				Name:      "policy_evaluations_total",
				Help:      "Total authorization decisions",
			},
			[]string{"result"},
		),
		AuditDropsTotal: promauto.With(reg).NewCounterFunc(
			prometheus.CounterOpts{
				Namespace: "sentinelgate",
				Name:      "audit_drops_total",
				Help:      "Total audit records dropped due to backpressure",
			},
			auditDropped,
		),
		RateLimitDenied: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "sentinelgate",
				Name:      "rate_limit_denied_total",
				Help:      "Total requests denied by the rate limiter",
			},
			[]string{"key_type"},
		),
	}
}
