package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	KeySetFetch = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tripp_jwks_fetch_total",
			Help: "Remote key set fetches by result (ok/error/breaker_open)",
		},
		[]string{"result"},
	)
	KeySetCacheHit = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tripp_jwks_cache_hit_total",
			Help: "Key set lookups served from cache",
		},
	)
	KeySetBreakerState = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "tripp_jwks_breaker_state",
			Help: "Key set fetch circuit state (0=closed, 1=open, 2=half-open)",
		},
	)
	TokenVerify = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tripp_token_verify_total",
			Help: "Identity token verifications by outcome (ok or failure reason)",
		},
		[]string{"outcome"},
	)
	TokenRotationRetry = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tripp_token_rotation_retry_total",
			Help: "Verifications that refetched the key set to tolerate rotation",
		},
	)
	SessionExchange = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tripp_session_exchange_total",
			Help: "Session exchanges by result (created/reused/rejected/error)",
		},
		[]string{"result"},
	)
	SessionsRevoked = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tripp_sessions_revoked_total",
			Help: "Sessions revoked by the per-user cap or logout",
		},
	)
	RateLimitDecision = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tripp_rate_limit_decision_total",
			Help: "Rate limiter decisions by route and result",
		},
		[]string{"route", "result"},
	)
	GateDecision = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tripp_gate_decision_total",
			Help: "Request gate outcomes (allow/rate_limited/screened/error)",
		},
		[]string{"action"},
	)
	GateDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "tripp_gate_duration_seconds",
			Help:    "Latency of the request gate before the downstream handler",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 3},
		},
	)
	AuditDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tripp_audit_dropped_total",
			Help: "Audit records that failed to persist",
		},
	)
	UpstreamErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tripp_upstream_errors_total",
			Help: "Errors proxying to the chat backend",
		},
		[]string{"kind"},
	)
	BuildInfo = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name:        "tripp_gateway_build_info",
			Help:        "Build info gauge with const labels",
			ConstLabels: prometheus.Labels{"version": "0.1.0"},
		},
	)
)

// MustRegister registers every collector with the default registry. Call once.
func MustRegister() {
	prometheus.MustRegister(
		KeySetFetch, KeySetCacheHit, KeySetBreakerState,
		TokenVerify, TokenRotationRetry,
		SessionExchange, SessionsRevoked,
		RateLimitDecision, GateDecision, GateDuration,
		AuditDropped, UpstreamErrors, BuildInfo,
	)
}
