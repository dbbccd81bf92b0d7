package session

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"net/http"
	"strings"
	"time"

	"tripp/gateway/internal/audit"
	"tripp/gateway/internal/httputil"
	"tripp/gateway/internal/metrics"
	"tripp/gateway/internal/token"
)

// TokenVerifier verifies the identity token presented at exchange.
type TokenVerifier interface {
	Verify(ctx context.Context, raw string) (*token.Verified, error)
}

// Auditor receives one record per exchange or logout attempt.
type Auditor interface {
	Log(ctx context.Context, rec audit.Record)
}

// Config bounds sessions. Zero values take DefaultMaxPerUser, DefaultTTL
// and DefaultTier.
type Config struct {
	MaxPerUser  int
	TTL         time.Duration
	DefaultTier string
}

// Request carries what Exchange needs from the HTTP request.
type Request struct {
	Route     string
	IDToken   string
	UserAgent string
	IP        string
	ClientID  string
}

// Result is the outcome of an exchange.
type Result struct {
	Session *Session
	Reused  bool
	// Revoked counts sessions revoked by the cap on creation.
	Revoked int
}

// Manager runs session exchange and logout against a Store.
type Manager struct {
	verifier TokenVerifier
	store    Store
	auditor  Auditor
	cfg      Config

	nowFunc func() time.Time
	newID   func() (string, error)
}

// NewManager builds a Manager. auditor may be nil.
func NewManager(v TokenVerifier, store Store, auditor Auditor, cfg Config) *Manager {
	if cfg.MaxPerUser <= 0 {
		cfg.MaxPerUser = DefaultMaxPerUser
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.DefaultTier == "" {
		cfg.DefaultTier = DefaultTier
	}
	return &Manager{
		verifier: v,
		store:    store,
		auditor:  auditor,
		cfg:      cfg,
		nowFunc:  time.Now,
		newID:    newSessionID,
	}
}

// Exchange trades a verified identity token for a session, reusing the
// session already bound to the same device.
func (m *Manager) Exchange(ctx context.Context, req Request) (*Result, error) {
	start := time.Now()
	res, err := m.exchange(ctx, req)

	rec := audit.Record{
		Route:     req.Route,
		Status:    http.StatusOK,
		ClientID:  req.ClientID,
		LatencyMs: time.Since(start).Milliseconds(),
	}
	switch {
	case err != nil:
		rec.Status = http.StatusUnauthorized
		rec.Error = auditError(err)
		metrics.SessionExchange.WithLabelValues("rejected").Inc()
	case res.Reused:
		rec.UserID, rec.SessionID = res.Session.UserID, res.Session.ID
		metrics.SessionExchange.WithLabelValues("reused").Inc()
	default:
		rec.UserID, rec.SessionID = res.Session.UserID, res.Session.ID
		metrics.SessionExchange.WithLabelValues("created").Inc()
	}
	if m.auditor != nil {
		m.auditor.Log(ctx, rec)
	}
	return res, err
}

func (m *Manager) exchange(ctx context.Context, req Request) (*Result, error) {
	claims, err := m.authenticate(ctx, req.IDToken)
	if err != nil {
		return nil, err
	}
	logger := httputil.GetLogger(ctx)

	fp := NewFingerprint(req.UserAgent, req.IP)
	now := m.nowFunc().UTC()
	expires := now.Add(m.cfg.TTL)

	existing, err := m.store.FindActiveByDevice(ctx, claims.Subject, fp.DeviceHash)
	switch {
	case err == nil:
		if err := m.store.Touch(ctx, existing.ID, now, expires); err != nil {
			return nil, storeError(err)
		}
		existing.LastSeen, existing.UpdatedAt, existing.ExpiresAt = now, now, expires
		logger.Debug().Str("user_id", claims.Subject).Msg("session reused")
		return &Result{Session: existing, Reused: true}, nil
	case !errors.Is(err, ErrNotFound):
		return nil, storeError(err)
	}

	id, err := m.newID()
	if err != nil {
		return nil, storeError(err)
	}
	tier := claims.Tier
	if tier == "" {
		tier = m.cfg.DefaultTier
	}
	s := &Session{
		ID:         id,
		UserID:     claims.Subject,
		ClientID:   req.ClientID,
		Tier:       tier,
		DeviceHash: fp.DeviceHash,
		UAHash:     fp.UAHash,
		IPHash:     fp.IPHash,
		JTI:        claims.ID,
		KID:        claims.kid,
		Issuer:     claims.Issuer,
		Audience:   strings.Join(claims.Audience, " "),
		CreatedAt:  now,
		UpdatedAt:  now,
		LastSeen:   now,
		ExpiresAt:  expires,
	}
	res, err := m.store.CreateWithCap(ctx, s, m.cfg.MaxPerUser)
	if err != nil {
		return nil, storeError(err)
	}
	if res.Reused {
		// Another exchange for this device won the per-user lock.
		logger.Debug().Str("user_id", s.UserID).Msg("session reused")
		return res, nil
	}
	if res.Revoked > 0 {
		metrics.SessionsRevoked.Add(float64(res.Revoked))
		logger.Info().Str("user_id", s.UserID).Int("revoked", res.Revoked).Msg("session cap enforced")
	}
	return res, nil
}

// Logout revokes sessionID if it belongs to the token's subject.
func (m *Manager) Logout(ctx context.Context, route, idToken, sessionID string) error {
	start := time.Now()
	err := m.logout(ctx, idToken, sessionID)
	if m.auditor != nil {
		rec := audit.Record{
			Route:     route,
			Status:    http.StatusOK,
			SessionID: sessionID,
			LatencyMs: time.Since(start).Milliseconds(),
		}
		if err != nil {
			rec.Status = http.StatusUnauthorized
			if errors.Is(err, ErrNotFound) {
				rec.Status = http.StatusNotFound
			}
			rec.Error = auditError(err)
		}
		m.auditor.Log(ctx, rec)
	}
	return err
}

func (m *Manager) logout(ctx context.Context, idToken, sessionID string) error {
	claims, err := m.authenticate(ctx, idToken)
	if err != nil {
		return err
	}
	if sessionID == "" {
		return ErrNotFound
	}
	s, err := m.store.Get(ctx, sessionID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return err
		}
		return storeError(err)
	}
	if s.UserID != claims.Subject || s.Revoked() {
		return ErrNotFound
	}
	if err := m.store.Revoke(ctx, sessionID, m.nowFunc().UTC()); err != nil {
		if errors.Is(err, ErrNotFound) {
			return err
		}
		return storeError(err)
	}
	metrics.SessionsRevoked.Inc()
	return nil
}

type verifiedClaims struct {
	*token.Claims
	kid string
}

func (m *Manager) authenticate(ctx context.Context, raw string) (*verifiedClaims, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, &AuthError{Code: CodeMissingIDToken}
	}
	v, err := m.verifier.Verify(ctx, raw)
	if err != nil {
		return nil, &AuthError{Code: CodeJWTInvalid, Reason: token.ReasonOf(err), Err: err}
	}
	if strings.TrimSpace(v.Claims.Subject) == "" {
		return nil, &AuthError{Code: CodeSubMissing}
	}
	return &verifiedClaims{Claims: v.Claims, kid: v.KID}, nil
}

func storeError(err error) error {
	return &AuthError{Code: CodeSessionStore, Err: err}
}

func auditError(err error) string {
	var ae *AuthError
	if errors.As(err, &ae) {
		if ae.Reason != "" {
			return ae.Code + ":" + ae.Reason
		}
		return ae.Code
	}
	if errors.Is(err, ErrNotFound) {
		return "not_found"
	}
	return "internal"
}

// newSessionID returns 256 random bits, base64url encoded.
func newSessionID() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
