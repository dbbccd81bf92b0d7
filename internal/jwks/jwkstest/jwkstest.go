// Package jwkstest provides an in-process key set server and RSA signing
// keys for tests.
package jwkstest

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/golang-jwt/jwt/v5"
)

// Key is an RSA signing key published under KID.
type Key struct {
	KID     string
	Private *rsa.PrivateKey
}

func NewKey(t testing.TB, kid string) *Key {
	t.Helper()
	pk, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate rsa key: %v", err)
	}
	return &Key{KID: kid, Private: pk}
}

// JWK renders the public half as a JWKS entry.
func (k *Key) JWK() map[string]string {
	pub := k.Private.PublicKey
	return map[string]string{
		"kty": "RSA",
		"kid": k.KID,
		"alg": "RS256",
		"use": "sig",
		"n":   base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
		"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes()),
	}
}

// Sign mints an RS256 token with the kid header set.
func (k *Key) Sign(t testing.TB, claims jwt.Claims) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = k.KID
	s, err := tok.SignedString(k.Private)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return s
}

// Server serves a mutable key set.
type Server struct {
	*httptest.Server

	mu     sync.Mutex
	keys   []*Key
	status int
	hits   atomic.Int64
}

func NewServer(t testing.TB, keys ...*Key) *Server {
	t.Helper()
	s := &Server{keys: keys, status: http.StatusOK}
	s.Server = httptest.NewServer(http.HandlerFunc(s.serve))
	t.Cleanup(s.Close)
	return s
}

func (s *Server) serve(w http.ResponseWriter, r *http.Request) {
	s.hits.Add(1)
	s.mu.Lock()
	status := s.status
	entries := make([]map[string]string, 0, len(s.keys))
	for _, k := range s.keys {
		entries = append(entries, k.JWK())
	}
	s.mu.Unlock()

	if status != http.StatusOK {
		w.WriteHeader(status)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"keys": entries})
}

// SetKeys replaces the published set (simulates rotation).
func (s *Server) SetKeys(keys ...*Key) {
	s.mu.Lock()
	s.keys = keys
	s.mu.Unlock()
}

// SetStatus makes the server answer with code and no body.
func (s *Server) SetStatus(code int) {
	s.mu.Lock()
	s.status = code
	s.mu.Unlock()
}

// Hits is the number of requests served so far.
func (s *Server) Hits() int { return int(s.hits.Load()) }
