package api

import (
	"context"
	"net/http"
	"time"

	"tripp/gateway/internal/httputil"
)

// Pinger is a dependency readiness depends on.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// Healthz reports liveness only.
func Healthz(w http.ResponseWriter, _ *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Readyz reports 503 while any named dependency fails its ping.
func Readyz(deps map[string]Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		failed := map[string]string{}
		for name, p := range deps {
			if err := p.PingContext(ctx); err != nil {
				httputil.GetLogger(r.Context()).Warn().Err(err).Str("dependency", name).Msg("readiness check failed")
				failed[name] = "unavailable"
			}
		}
		if len(failed) > 0 {
			httputil.WriteJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "unavailable", "failed": failed})
			return
		}
		httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "ready"})
	}
}
