package proxy

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"tripp/gateway/internal/identity"
)

func TestHandler_ForwardsIdentity(t *testing.T) {
	var got http.Header
	var path string
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()
		path = r.URL.Path
		io.WriteString(w, "hello")
	}))
	defer backend.Close()

	h, err := NewHandler(backend.URL, time.Second)
	if err != nil {
		t.Fatalf("NewHandler: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, "/api/chat", strings.NewReader(`{"m":"hi"}`))
	req.Header.Set(HeaderUserID, "spoofed-admin")
	req.Header.Set("X-Forwarded-For", "6.6.6.6")
	req.RemoteAddr = "198.51.100.9:4000"
	req = req.WithContext(identity.WithIdentity(req.Context(), identity.Identity{
		UserID: "user-1", ClientID: "tripp-web", SessionID: "s-1", Tier: "plus",
	}))

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK || rr.Body.String() != "hello" {
		t.Fatalf("unexpected response %d %q", rr.Code, rr.Body.String())
	}
	if path != "/api/chat" {
		t.Errorf("path = %q", path)
	}
	if got.Get(HeaderUserID) != "user-1" {
		t.Errorf("user header = %q, want user-1", got.Get(HeaderUserID))
	}
	if got.Get(HeaderClientID) != "tripp-web" || got.Get(HeaderSessionID) != "s-1" || got.Get(HeaderTier) != "plus" {
		t.Errorf("identity headers not forwarded: %v", got)
	}
	if got.Get("X-Forwarded-For") != "198.51.100.9" {
		t.Errorf("X-Forwarded-For = %q", got.Get("X-Forwarded-For"))
	}
}

func TestHandler_AnonymousStripsSpoofedUser(t *testing.T) {
	var got http.Header
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()
	}))
	defer backend.Close()

	h, _ := NewHandler(backend.URL, time.Second)
	req := httptest.NewRequest(http.MethodGet, "/api/preferences", nil)
	req.Header.Set(HeaderUserID, "spoofed")
	req = req.WithContext(identity.WithIdentity(req.Context(), identity.Identity{ClientID: "c", Anon: true}))

	h.ServeHTTP(httptest.NewRecorder(), req)
	if v := got.Get(HeaderUserID); v != "" {
		t.Errorf("spoofed user header reached backend: %q", v)
	}
}

func TestHandler_UpstreamDown(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := backend.URL
	backend.Close()

	h, _ := NewHandler(url, time.Second)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/chat", nil))
	if rr.Code != http.StatusBadGateway {
		t.Errorf("status = %d, want 502", rr.Code)
	}
}

func TestNewHandler_RejectsBadOrigin(t *testing.T) {
	for _, o := range []string{"", "not a url", "ftp://x", "/relative"} {
		if _, err := NewHandler(o, 0); err == nil {
			t.Errorf("origin %q should be rejected", o)
		}
	}
}
