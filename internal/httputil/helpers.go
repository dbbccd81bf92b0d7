package httputil

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"tripp/gateway/internal/config"
)

type contextKey int

const (
	requestIDKey contextKey = iota
	loggerKey
	trustedProxiesKey
)

var bufferPool = sync.Pool{
	New: func() interface{} {
		return &bytes.Buffer{}
	},
}

// WithRequestID stores the request id in ctx.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

// GetRequestID returns the request id, or "" if none was set.
func GetRequestID(ctx context.Context) string {
	if reqID, ok := ctx.Value(requestIDKey).(string); ok {
		return reqID
	}
	return ""
}

// WithLogger stores the request-scoped logger in ctx.
func WithLogger(ctx context.Context, logger *zerolog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey, logger)
}

// GetLogger returns the request logger, or a disabled one outside a request.
func GetLogger(ctx context.Context) *zerolog.Logger {
	if logger, ok := ctx.Value(loggerKey).(*zerolog.Logger); ok {
		return logger
	}
	nopLogger := zerolog.Nop()
	return &nopLogger
}

// WithTrustedProxies stores the trusted proxy ranges ClientIP consults.
func WithTrustedProxies(ctx context.Context, trustedProxies []*net.IPNet) context.Context {
	return context.WithValue(ctx, trustedProxiesKey, trustedProxies)
}

// GetTrustedProxies returns the ranges stored by WithTrustedProxies.
func GetTrustedProxies(ctx context.Context) []*net.IPNet {
	if proxies, ok := ctx.Value(trustedProxiesKey).([]*net.IPNet); ok {
		return proxies
	}
	return nil
}

// RequestIDMiddleware propagates or assigns X-Request-ID and attaches a
// request-scoped logger and the trusted proxy list to the context.
func RequestIDMiddleware(logger zerolog.Logger, trustedProxies []*net.IPNet) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			requestID := r.Header.Get("X-Request-ID")
			if requestID == "" || len(requestID) > 128 {
				requestID = uuid.NewString()
			}
			w.Header().Set("X-Request-ID", requestID)

			// No remote address here: raw IPs stay out of the logs.
			reqLogger := logger.With().
				Str("request_id", requestID).
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Logger()

			ctx := WithRequestID(r.Context(), requestID)
			ctx = WithLogger(ctx, &reqLogger)
			ctx = WithTrustedProxies(ctx, trustedProxies)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// SanitizeReturnURL restricts redirect targets to same-origin paths.
// Accepts "/", "/path", "/path?query"; rejects "//host" and absolute URLs.
func SanitizeReturnURL(in string) string {
	if in == "" {
		return "/"
	}
	// Check the decoded form so %2F%2Fevil.com cannot slip through.
	decoded, err := url.QueryUnescape(in)
	if err != nil {
		return "/"
	}
	if strings.Contains(decoded, "://") || strings.HasPrefix(decoded, "//") || strings.HasPrefix(decoded, `/\`) {
		return "/"
	}
	u, err := url.ParseRequestURI(in)
	if err != nil {
		return "/"
	}
	if u.Host != "" || u.Scheme != "" || !strings.HasPrefix(u.Path, "/") {
		return "/"
	}
	out := u.Path
	if u.RawQuery != "" {
		out += "?" + u.RawQuery
	}
	return out
}

// ClientIP returns the caller address. X-Forwarded-For is honoured only when
// the immediate peer is a trusted proxy; with no trusted proxies configured
// it is ignored entirely.
func ClientIP(r *http.Request) string {
	return ClientIPWithTrustedProxies(r, GetTrustedProxies(r.Context()))
}

func ClientIPWithTrustedProxies(r *http.Request, trustedProxies []*net.IPNet) string {
	remoteHost, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		remoteHost = r.RemoteAddr
	}
	remoteIP := net.ParseIP(remoteHost)
	if remoteIP == nil {
		return ""
	}

	trusted := false
	for _, ipNet := range trustedProxies {
		if ipNet.Contains(remoteIP) {
			trusted = true
			break
		}
	}
	if trusted {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			cand, _, _ := strings.Cut(xff, ",")
			if ip := net.ParseIP(strings.TrimSpace(cand)); ip != nil {
				return ip.String()
			}
		}
	}
	return remoteIP.String()
}

// WriteJSON encodes v into a pooled buffer before writing headers, so an
// encoding failure yields a 500 rather than a truncated body.
func WriteJSON(w http.ResponseWriter, code int, v any) {
	buf := bufferPool.Get().(*bytes.Buffer)
	defer func() {
		buf.Reset()
		bufferPool.Put(buf)
	}()

	enc := json.NewEncoder(buf)
	enc.SetEscapeHTML(true)
	if err := enc.Encode(v); err != nil {
		log.Error().Err(err).Msg("json encode failed")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_, _ = w.Write(buf.Bytes())
}

// WriteError writes the short machine-readable error body used by every endpoint.
func WriteError(w http.ResponseWriter, code int, errCode string) {
	WriteJSON(w, code, map[string]string{"error": errCode})
}

// BuildCookie creates a cookie with the configured security settings that
// expires at expires.
func BuildCookie(cfg config.CookieCfg, name, value string, expires time.Time) *http.Cookie {
	c := &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     cfg.Path,
		Domain:   cfg.Domain,
		Expires:  expires.UTC(),
		Secure:   !cfg.Insecure,
		HttpOnly: true,
	}
	if maxAge := int(time.Until(expires).Seconds()); maxAge > 0 {
		c.MaxAge = maxAge
	} else {
		c.MaxAge = -1
	}
	switch strings.ToLower(cfg.SameSite) {
	case "none":
		c.SameSite = http.SameSiteNoneMode
	case "strict":
		c.SameSite = http.SameSiteStrictMode
	default:
		c.SameSite = http.SameSiteLaxMode
	}
	return c
}

// ClearCookie expires name on the client.
func ClearCookie(cfg config.CookieCfg, name string) *http.Cookie {
	return BuildCookie(cfg, name, "", time.Unix(0, 0))
}
