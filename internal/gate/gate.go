// Package gate admits or rejects inbound requests before they reach chat
// handlers: identity resolution, rate limiting, then screening.
package gate

import (
	"net/http"
	"strconv"
	"time"

	"tripp/gateway/internal/httputil"
	"tripp/gateway/internal/identity"
	"tripp/gateway/internal/metrics"
	"tripp/gateway/internal/rate"
)

// Resolver identifies the caller. It must not fail; unknown callers are anonymous.
type Resolver interface {
	Resolve(r *http.Request) identity.Identity
}

// Limiter counts one request against key.
type Limiter interface {
	Check(key string, limit int, window time.Duration) rate.Decision
}

// LimitFunc returns the budget for a route.
type LimitFunc func(route string) (int, time.Duration)

// Gate is the admission middleware shared by every gated route.
type Gate struct {
	resolver Resolver
	limiter  Limiter
	screener Screener
	limits   LimitFunc
	nowFunc  func() time.Time
}

// New builds a Gate. A nil screener admits everything; nil limits uses
// the limiter defaults.
func New(resolver Resolver, limiter Limiter, screener Screener, limits LimitFunc) *Gate {
	if screener == nil {
		screener = Nop
	}
	if limits == nil {
		limits = func(string) (int, time.Duration) { return rate.DefaultLimit, rate.DefaultWindow }
	}
	return &Gate{
		resolver: resolver,
		limiter:  limiter,
		screener: screener,
		limits:   limits,
		nowFunc:  time.Now,
	}
}

// Middleware gates route with the full identity tuple as limiter key and
// stores the resolved identity in the request context.
func (g *Gate) Middleware(route string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			id := g.resolver.Resolve(r)
			ip := httputil.ClientIP(r)

			if !g.admit(w, rate.Key(id.ClientID, ip, id.UserID, id.SessionID, route), route) {
				metrics.GateDuration.Observe(time.Since(start).Seconds())
				return
			}
			if v := g.screener.Screen(r, id); v.Blocked {
				metrics.GateDecision.WithLabelValues("screened").Inc()
				metrics.GateDuration.Observe(time.Since(start).Seconds())
				status := v.Status
				if status == 0 {
					status = http.StatusForbidden
				}
				httputil.GetLogger(r.Context()).Info().Str("route", route).Str("reason", v.Reason).Msg("request screened")
				httputil.WriteError(w, status, v.Reason)
				return
			}

			metrics.GateDecision.WithLabelValues("allow").Inc()
			metrics.GateDuration.Observe(time.Since(start).Seconds())
			next.ServeHTTP(w, r.WithContext(identity.WithIdentity(r.Context(), id)))
		})
	}
}

// ByIP limits route per caller address only. Used in front of the session
// exchange, where the identity is what is being established.
func (g *Gate) ByIP(route string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !g.admit(w, rate.Key("", httputil.ClientIP(r), "", "", route), route) {
				return
			}
			metrics.GateDecision.WithLabelValues("allow").Inc()
			next.ServeHTTP(w, r)
		})
	}
}

// admit counts the request and writes the rate-limit headers. On rejection
// it writes the 429 response and returns false.
func (g *Gate) admit(w http.ResponseWriter, key, route string) bool {
	limit, window := g.limits(route)
	d := g.limiter.Check(key, limit, window)
	for k, v := range d.Headers() {
		w.Header().Set(k, v)
	}
	if d.Allowed {
		metrics.RateLimitDecision.WithLabelValues(route, "allow").Inc()
		return true
	}

	metrics.RateLimitDecision.WithLabelValues(route, "deny").Inc()
	metrics.GateDecision.WithLabelValues("rate_limited").Inc()
	retry := d.RetryAfter(g.nowFunc())
	w.Header().Set("Retry-After", strconv.Itoa(retry))
	httputil.WriteJSON(w, http.StatusTooManyRequests, map[string]any{
		"error":       "rate_limited",
		"retry_after": retry,
	})
	return false
}
