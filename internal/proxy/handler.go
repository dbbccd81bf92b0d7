// Package proxy forwards gated requests to the chat backend with the
// resolved identity attached.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/go-cleanhttp"
	"github.com/rs/zerolog/log"

	internalhttp "tripp/gateway/internal/httputil"
	"tripp/gateway/internal/identity"
	"tripp/gateway/internal/metrics"
)

const maxProxyBodySize = 10 * 1024 * 1024

// Identity headers set for the backend. Client-supplied copies are dropped.
const (
	HeaderUserID    = "X-Tripp-User-Id"
	HeaderClientID  = "X-Tripp-Client-Id"
	HeaderSessionID = "X-Tripp-Session-Id"
	HeaderTier      = "X-Tripp-Tier"
)

// Handler is a single-origin reverse proxy.
type Handler struct {
	origin    *url.URL
	proxy     *httputil.ReverseProxy
	transport *http.Transport
}

// NewHandler builds a proxy to origin. timeout bounds the wait for
// response headers; streamed bodies are not cut off.
func NewHandler(origin string, timeout time.Duration) (*Handler, error) {
	target, err := url.Parse(origin)
	if err != nil {
		return nil, fmt.Errorf("parse upstream origin: %w", err)
	}
	if (target.Scheme != "http" && target.Scheme != "https") || target.Host == "" {
		return nil, fmt.Errorf("upstream origin must be an absolute http(s) url, got %q", origin)
	}

	transport := cleanhttp.DefaultPooledTransport()
	if timeout > 0 {
		transport.ResponseHeaderTimeout = timeout
	}

	h := &Handler{origin: target, transport: transport}
	h.proxy = &httputil.ReverseProxy{
		Rewrite:       h.rewrite,
		Transport:     transport,
		FlushInterval: -1, // chat responses stream
		ErrorHandler:  h.errorHandler,
	}
	return h, nil
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxProxyBodySize)

	if r.Header.Get("Content-Length") != "" && r.Header.Get("Transfer-Encoding") != "" {
		internalhttp.GetLogger(r.Context()).Warn().
			Msg("both Content-Length and Transfer-Encoding present; dropping Content-Length")
		r.Header.Del("Content-Length")
	}
	h.proxy.ServeHTTP(w, r)
}

func (h *Handler) rewrite(pr *httputil.ProxyRequest) {
	pr.SetURL(h.origin)
	pr.SetXForwarded()

	out := pr.Out.Header
	for _, k := range []string{HeaderUserID, HeaderClientID, HeaderSessionID, HeaderTier} {
		out.Del(k)
	}
	if id, ok := identity.FromContext(pr.In.Context()); ok {
		if id.UserID != "" {
			out.Set(HeaderUserID, id.UserID)
		}
		if id.Tier != "" {
			out.Set(HeaderTier, id.Tier)
		}
		if id.SessionID != "" {
			out.Set(HeaderSessionID, id.SessionID)
		}
		out.Set(HeaderClientID, id.ClientID)
	}
	if requestID := internalhttp.GetRequestID(pr.In.Context()); requestID != "" {
		out.Set("X-Request-ID", requestID)
	}
	// The client's X-Forwarded-For was never trusted; use the address we resolved.
	if ip := internalhttp.ClientIP(pr.In); ip != "" {
		out.Set("X-Forwarded-For", ip)
	}
}

func (h *Handler) errorHandler(w http.ResponseWriter, r *http.Request, err error) {
	kind := "upstream"
	status := http.StatusBadGateway
	var maxErr *http.MaxBytesError
	switch {
	case errors.As(err, &maxErr):
		kind, status = "body_too_large", http.StatusRequestEntityTooLarge
	case errors.Is(err, context.Canceled):
		kind, status = "client_gone", 499
	case errors.Is(err, context.DeadlineExceeded) || strings.Contains(err.Error(), "timeout awaiting response headers"):
		kind, status = "timeout", http.StatusGatewayTimeout
	}
	metrics.UpstreamErrors.WithLabelValues(kind).Inc()
	internalhttp.GetLogger(r.Context()).Warn().Err(err).Str("kind", kind).Msg("upstream request failed")
	internalhttp.WriteError(w, status, "upstream_unavailable")
}

// Shutdown closes idle upstream connections.
func (h *Handler) Shutdown(context.Context) error {
	h.transport.CloseIdleConnections()
	log.Debug().Str("origin", h.origin.String()).Msg("upstream proxy closed")
	return nil
}
