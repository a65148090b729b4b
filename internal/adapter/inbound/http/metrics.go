package http

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/guardpost/guardpost/internal/service"
)

// Metrics holds the gateway's Prometheus metrics. Everything registers
// against an explicit registry; there are no default-registry singletons.
type Metrics struct {
	RequestsTotal       *prometheus.CounterVec
	RequestDuration     *prometheus.HistogramVec
	AuthTotal           *prometheus.CounterVec
	AuthzDenialsTotal   prometheus.Counter
	RateLimitTotal      *prometheus.CounterVec
	UpstreamErrorsTotal *prometheus.CounterVec
}

// NewMetrics creates and registers the request-path metrics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		RequestsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "guardpost",
				Name:      "requests_total",
				Help:      "Total MCP requests processed",
			},
			[]string{"method", "status"}, // method=POST, status=ok/error
		),
		RequestDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "guardpost",
				Name:      "request_duration_seconds",
				Help:      "Request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method"},
		),
		AuthTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "guardpost",
				Name:      "auth_total",
				Help:      "Authentication attempts by provider and outcome",
			},
			[]string{"provider", "success"},
		),
		AuthzDenialsTotal: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: "guardpost",
				Name:      "authz_denials_total",
				Help:      "Tool calls denied by authorization",
			},
		),
		RateLimitTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "guardpost",
				Name:      "rate_limit_total",
				Help:      "Rate limit checks by outcome",
			},
			[]string{"allowed"},
		),
		UpstreamErrorsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "guardpost",
				Name:      "upstream_errors_total",
				Help:      "Upstream transport failures by route",
			},
			[]string{"route"},
		),
	}
}

// StateFuncs provides the live values behind the state gauges. Nil
// functions register nothing.
type StateFuncs struct {
	// TrackedIdentities reports the rate limiter's live bucket count.
	TrackedIdentities func() int
	// TokenCacheEntries reports the OAuth token cache size.
	TokenCacheEntries func() int
	// AuditDrops reports the total audit entries dropped so far.
	AuditDrops func() int64
}

// RegisterStateMetrics registers gauges that read their value at scrape
// time instead of being pushed from the hot path.
func RegisterStateMetrics(reg prometheus.Registerer, state StateFuncs) {
	if state.TrackedIdentities != nil {
		reg.MustRegister(prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{
				Namespace: "guardpost",
				Name:      "rate_limit_identities",
				Help:      "Identities with a live rate-limit bucket",
			},
			func() float64 { return float64(state.TrackedIdentities()) },
		))
	}
	if state.TokenCacheEntries != nil {
		reg.MustRegister(prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{
				Namespace: "guardpost",
				Name:      "token_cache_entries",
				Help:      "Cached validated OAuth tokens",
			},
			func() float64 { return float64(state.TokenCacheEntries()) },
		))
	}
	if state.AuditDrops != nil {
		reg.MustRegister(prometheus.NewCounterFunc(
			prometheus.CounterOpts{
				Namespace: "guardpost",
				Name:      "audit_drops_total",
				Help:      "Audit entries dropped due to backpressure",
			},
			func() float64 { return float64(state.AuditDrops()) },
		))
	}
}

// Instrumentation adapts the metrics to the pipeline's callback hooks.
func (m *Metrics) Instrumentation() *service.Instrumentation {
	return &service.Instrumentation{
		OnAuth: func(provider string, success bool) {
			if provider == "" {
				provider = "unknown"
			}
			m.AuthTotal.WithLabelValues(provider, boolLabel(success)).Inc()
		},
		OnAuthzDeny: func() {
			m.AuthzDenialsTotal.Inc()
		},
		OnRateLimit: func(allowed bool) {
			m.RateLimitTotal.WithLabelValues(boolLabel(allowed)).Inc()
		},
		OnUpstreamError: func(routeName string) {
			m.UpstreamErrorsTotal.WithLabelValues(routeName).Inc()
		},
	}
}

func boolLabel(v bool) string {
	if v {
		return "true"
	}
	return "false"
}
