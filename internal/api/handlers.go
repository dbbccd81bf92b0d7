// Package api serves the session exchange, logout and identity endpoints.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"time"

	"tripp/gateway/internal/config"
	"tripp/gateway/internal/httputil"
	"tripp/gateway/internal/identity"
	"tripp/gateway/internal/session"
)

const (
	RouteExchange = "/api/session/exchange"
	RouteLogout   = "/api/session/logout"
	RouteIdentity = "/api/identity"

	maxExchangeBody = 4 << 10
)

// Sessions is the session manager as seen by the handlers.
type Sessions interface {
	Exchange(ctx context.Context, req session.Request) (*session.Result, error)
	Logout(ctx context.Context, route, idToken, sessionID string) error
}

// Handlers serves the session endpoints.
type Handlers struct {
	sessions   Sessions
	clientIDOf func(*http.Request) string
	cookie     config.CookieCfg
	names      config.CookieNamesCfg
	refreshURL string
}

// NewHandlers wires the handlers. clientIDOf extracts the caller's client id
// and refreshURL is where clients go to renew an identity token.
func NewHandlers(sessions Sessions, clientIDOf func(*http.Request) string, cookie config.CookieCfg, names config.CookieNamesCfg, refreshURL string) *Handlers {
	return &Handlers{
		sessions:   sessions,
		clientIDOf: clientIDOf,
		cookie:     cookie,
		names:      names,
		refreshURL: refreshURL,
	}
}

type exchangeResponse struct {
	SessionID string `json:"session_id"`
	UserID    string `json:"user_id"`
	ExpiresAt string `json:"expires_at"`
	Reused    bool   `json:"reused"`
}

type authErrorResponse struct {
	Error   string `json:"error"`
	Reason  string `json:"reason,omitempty"`
	Refresh string `json:"refresh,omitempty"`
}

// Exchange handles POST /api/session/exchange. The body must be empty or
// a JSON object; its fields are ignored.
func (h *Handlers) Exchange(w http.ResponseWriter, r *http.Request) {
	if !readEmptyObject(w, r) {
		return
	}

	res, err := h.sessions.Exchange(r.Context(), session.Request{
		Route:     RouteExchange,
		IDToken:   cookieValue(r, h.names.IDToken),
		UserAgent: r.UserAgent(),
		IP:        httputil.ClientIP(r),
		ClientID:  h.clientIDOf(r),
	})
	if err != nil {
		h.writeAuthError(w, r, err)
		return
	}

	s := res.Session
	http.SetCookie(w, httputil.BuildCookie(h.cookie, h.names.Session, s.ID, s.ExpiresAt))
	w.Header().Set("Cache-Control", "no-store")
	httputil.WriteJSON(w, http.StatusOK, exchangeResponse{
		SessionID: s.ID,
		UserID:    s.UserID,
		ExpiresAt: s.ExpiresAt.UTC().Format(time.RFC3339),
		Reused:    res.Reused,
	})
}

// Logout handles POST /api/session/logout.
func (h *Handlers) Logout(w http.ResponseWriter, r *http.Request) {
	err := h.sessions.Logout(r.Context(), RouteLogout, cookieValue(r, h.names.IDToken), cookieValue(r, h.names.Session))
	switch {
	case err == nil:
	case errors.Is(err, session.ErrNotFound):
		http.SetCookie(w, httputil.ClearCookie(h.cookie, h.names.Session))
		httputil.WriteError(w, http.StatusNotFound, "session_not_found")
		return
	default:
		h.writeAuthError(w, r, err)
		return
	}
	http.SetCookie(w, httputil.ClearCookie(h.cookie, h.names.Session))
	httputil.WriteJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

type identityResponse struct {
	UserID    *string `json:"user_id"`
	ClientID  string  `json:"client_id"`
	SessionID *string `json:"session_id"`
	Anon      bool    `json:"anon"`
}

// Identity handles GET /api/identity behind the request gate.
func (h *Handlers) Identity(w http.ResponseWriter, r *http.Request) {
	id, ok := identity.FromContext(r.Context())
	if !ok {
		httputil.WriteError(w, http.StatusInternalServerError, "identity_unavailable")
		return
	}
	resp := identityResponse{ClientID: id.ClientID, Anon: id.Anon}
	if id.UserID != "" {
		resp.UserID = &id.UserID
	}
	if id.SessionID != "" {
		resp.SessionID = &id.SessionID
	}
	w.Header().Set("Cache-Control", "no-store")
	httputil.WriteJSON(w, http.StatusOK, resp)
}

func (h *Handlers) writeAuthError(w http.ResponseWriter, r *http.Request, err error) {
	var ae *session.AuthError
	if !errors.As(err, &ae) {
		httputil.GetLogger(r.Context()).Error().Err(err).Msg("unexpected session error")
		httputil.WriteError(w, http.StatusInternalServerError, "internal")
		return
	}
	if ae.Code == session.CodeSessionStore {
		httputil.GetLogger(r.Context()).Error().Err(ae.Err).Msg("session store failure")
	} else {
		httputil.GetLogger(r.Context()).Info().Str("code", ae.Code).Str("reason", ae.Reason).Msg("exchange rejected")
	}

	resp := authErrorResponse{Error: ae.Code, Reason: ae.Reason}
	if ae.Code != session.CodeSessionStore {
		resp.Refresh = h.refreshLink(r)
	}
	w.Header().Set("Cache-Control", "no-store")
	httputil.WriteJSON(w, http.StatusUnauthorized, resp)
}

// refreshLink points the client at the identity provider, carrying a
// same-origin return path.
func (h *Handlers) refreshLink(r *http.Request) string {
	if h.refreshURL == "" {
		return ""
	}
	u, err := url.Parse(h.refreshURL)
	if err != nil {
		return ""
	}
	q := u.Query()
	q.Set("return_to", httputil.SanitizeReturnURL(r.URL.Query().Get("return_to")))
	u.RawQuery = q.Encode()
	return u.String()
}

// readEmptyObject accepts an empty body or any JSON object up to
// maxExchangeBody bytes, writing a 400 or 413 otherwise.
func readEmptyObject(w http.ResponseWriter, r *http.Request) bool {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxExchangeBody))
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			httputil.WriteError(w, http.StatusRequestEntityTooLarge, "body_too_large")
			return false
		}
		httputil.WriteError(w, http.StatusBadRequest, "bad_request")
		return false
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return true
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(body, &obj); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "bad_request")
		return false
	}
	return true
}

func cookieValue(r *http.Request, name string) string {
	if name == "" {
		return ""
	}
	c, err := r.Cookie(name)
	if err != nil {
		return ""
	}
	return c.Value
}
