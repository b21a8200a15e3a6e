package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "companion"

// Metrics holds the service collectors. Each instance is bound to its own
// registry; components receive it through their constructors.
type Metrics struct {
	reg *prometheus.Registry

	// MemoryServiceRequests counts calls to the external memory service by operation and outcome.
	MemoryServiceRequests *prometheus.CounterVec
	MemoryServiceDuration *prometheus.HistogramVec
	IdentityProvisions    *prometheus.CounterVec
	// SaveOutcomes counts save operations by status (fully_succeeded, partially_succeeded, failed).
	SaveOutcomes *prometheus.CounterVec
	// BookkeepingFailures counts absorbed failures after a successful external write.
	BookkeepingFailures  *prometheus.CounterVec
	QuotaRejections      *prometheus.CounterVec
	PlanFallbacks        prometheus.Counter
	ReconcileAuthorities *prometheus.CounterVec
	HTTPRequests         *prometheus.HistogramVec
}

// New registers the collectors on reg. A nil reg gets a fresh private registry.
func New(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)
	return &Metrics{
		reg: reg,
		MemoryServiceRequests: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "memory_service",
				Name:      "requests_total",
				Help:      "Calls to the external memory service.",
			},
			[]string{"op", "outcome"},
		),
		MemoryServiceDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "memory_service",
				Name:      "request_duration_seconds",
				Help:      "External memory service call latency.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"op"},
		),
		IdentityProvisions: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "identity",
				Name:      "provisions_total",
				Help:      "External identity provisioning attempts.",
			},
			[]string{"outcome"},
		),
		SaveOutcomes: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "memories",
				Name:      "save_total",
				Help:      "Memory save operations by outcome.",
			},
			[]string{"status"},
		),
		BookkeepingFailures: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "memories",
				Name:      "bookkeeping_failures_total",
				Help:      "Local link or usage writes that failed after the external write succeeded.",
			},
			[]string{"step"},
		),
		QuotaRejections: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "usage",
				Name:      "quota_rejections_total",
				Help:      "Operations refused because the plan limit was reached.",
			},
			[]string{"metric"},
		),
		PlanFallbacks: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "usage",
				Name:      "plan_fallbacks_total",
				Help:      "Plan lookups that degraded to the free plan.",
			},
		),
		ReconcileAuthorities: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "usage",
				Name:      "reconcile_authority_total",
				Help:      "Reconcile authority runs by outcome.",
			},
			[]string{"authority", "outcome"},
		),
		HTTPRequests: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "request_duration_seconds",
				Help:      "HTTP request latency by route and status.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"route", "method", "status"},
		),
	}
}

// NewProcess builds the metrics a running service exposes, including Go
// runtime and process collectors.
func NewProcess() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return New(reg)
}

// Registry returns the registry the collectors are bound to.
func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

// Handler exposes this instance's registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

// Outcome maps an error to the "ok"/"error" label value.
func Outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
