// Package identity resolves who is calling from cookies, headers and query
// parameters. Resolution is soft: token problems read as an anonymous caller.
package identity

import (
	"context"
	"net/http"
	"strings"

	"tripp/gateway/internal/httputil"
	"tripp/gateway/internal/token"
)

// Sources a user id can come from.
const (
	SourceNone    = ""
	SourceIDToken = "id_token"
	SourceLegacy  = "legacy"
)

// Identity is the resolved caller. UserID is empty when the caller is anonymous.
type Identity struct {
	UserID    string
	ClientID  string
	SessionID string
	Tier      string
	Anon      bool
	Source    string
}

// User reports the user id and whether one was resolved.
func (id Identity) User() (string, bool) {
	return id.UserID, id.UserID != ""
}

// TokenVerifier verifies identity token cookies.
type TokenVerifier interface {
	Verify(ctx context.Context, raw string) (*token.Verified, error)
}

// AppSessionVerifier verifies legacy app-session cookies.
type AppSessionVerifier interface {
	Verify(tok string) (*token.AppClaims, error)
}

// Options names the cookies, header and query parameter the resolver reads.
type Options struct {
	Verifier TokenVerifier
	// Legacy is optional.
	Legacy AppSessionVerifier

	IDTokenCookie      string
	SessionCookie      string
	SoftSessionCookies []string
	LegacyCookie       string

	ClientIDHeader  string
	ClientIDQuery   string
	DefaultClientID string
}

// Resolver maps a request to an Identity. It is safe for concurrent use.
type Resolver struct {
	opts Options
}

// NewResolver returns a Resolver. Empty cookie names disable that source.
func NewResolver(opts Options) *Resolver {
	return &Resolver{opts: opts}
}

// ClientID returns the first non-blank candidate. Callers pass the sources
// in priority order, ending with the default.
func ClientID(candidates ...string) string {
	for _, c := range candidates {
		if c = strings.TrimSpace(c); c != "" {
			return c
		}
	}
	return ""
}

// ClientIDOf applies the header, query, default chain to req.
func (r *Resolver) ClientIDOf(req *http.Request) string {
	return ClientID(
		req.Header.Get(r.opts.ClientIDHeader),
		req.URL.Query().Get(r.opts.ClientIDQuery),
		r.opts.DefaultClientID,
	)
}

// Resolve reads the request. It never fails.
func (r *Resolver) Resolve(req *http.Request) Identity {
	id := Identity{
		ClientID:  r.ClientIDOf(req),
		SessionID: r.sessionID(req),
	}

	if user, tier, ok := r.fromIDToken(req); ok {
		id.UserID, id.Tier, id.Source = user, tier, SourceIDToken
	} else if user, tier, ok := r.fromLegacy(req); ok {
		id.UserID, id.Tier, id.Source = user, tier, SourceLegacy
	}
	id.Anon = id.UserID == ""
	return id
}

func (r *Resolver) fromIDToken(req *http.Request) (string, string, bool) {
	raw := cookieValue(req, r.opts.IDTokenCookie)
	if raw == "" || r.opts.Verifier == nil {
		return "", "", false
	}
	v, err := r.opts.Verifier.Verify(req.Context(), raw)
	if err != nil {
		httputil.GetLogger(req.Context()).Debug().
			Str("reason", token.ReasonOf(err)).
			Msg("identity token ignored")
		return "", "", false
	}
	if v.Claims.Subject == "" {
		return "", "", false
	}
	return v.Claims.Subject, v.Claims.Tier, true
}

func (r *Resolver) fromLegacy(req *http.Request) (string, string, bool) {
	if r.opts.Legacy == nil {
		return "", "", false
	}
	raw := cookieValue(req, r.opts.LegacyCookie)
	if raw == "" {
		return "", "", false
	}
	c, err := r.opts.Legacy.Verify(raw)
	if err != nil {
		httputil.GetLogger(req.Context()).Debug().Err(err).Msg("app session cookie ignored")
		return "", "", false
	}
	return c.Subject, c.Tier, true
}

func (r *Resolver) sessionID(req *http.Request) string {
	if v := cookieValue(req, r.opts.SessionCookie); v != "" {
		return v
	}
	for _, name := range r.opts.SoftSessionCookies {
		if v := cookieValue(req, name); v != "" {
			return v
		}
	}
	return ""
}

func cookieValue(req *http.Request, name string) string {
	if name == "" {
		return ""
	}
	c, err := req.Cookie(name)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(c.Value)
}
