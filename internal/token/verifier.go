package token

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"tripp/gateway/internal/jwks"
	"tripp/gateway/internal/metrics"
)

// Failure reasons reported by Verify.
const (
	ReasonMalformed    = "malformed"
	ReasonAlgMismatch  = "alg_mismatch"
	ReasonKIDMissing   = "kid_missing"
	ReasonKIDNotFound  = "kid_not_found"
	ReasonKIDNotFound2 = "kid_not_found_2"
	ReasonSigFail      = "sig_fail"
	ReasonIssuer       = "iss"
	ReasonAudience     = "aud"
	ReasonNotBefore    = "nbf"
	ReasonExpired      = "exp"
	ReasonKeySetFetch  = "jwks_unavailable"
)

const (
	DefaultSkew = 120 * time.Second
	// DefaultMinRefresh is how old a cached key set must be before an
	// unknown kid may trigger a refetch.
	DefaultMinRefresh = 30 * time.Second

	expectedAlg = "RS256"
)

// Error is a terminal verification failure.
type Error struct {
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("token invalid (%s): %v", e.Reason, e.Err)
	}
	return "token invalid (" + e.Reason + ")"
}

func (e *Error) Unwrap() error { return e.Err }

// ReasonOf returns the verification reason carried by err, or "" if none.
func ReasonOf(err error) string {
	var te *Error
	if errors.As(err, &te) {
		return te.Reason
	}
	return ""
}

// KeySource is the key cache the verifier reads from.
type KeySource interface {
	Get(ctx context.Context) (*jwks.KeySet, error)
	Invalidate()
}

// Claims are the identity token claims this service reads.
type Claims struct {
	Tier string `json:"tier,omitempty"`
	jwt.RegisteredClaims
}

// Verified is a token that passed every check.
type Verified struct {
	Header map[string]any
	Claims *Claims
	KID    string
}

// VerifierConfig holds the expected claims and time tolerances.
type VerifierConfig struct {
	Issuer   string
	Audience string
	// Skew defaults to DefaultSkew.
	Skew time.Duration
	// MinRefresh defaults to DefaultMinRefresh.
	MinRefresh time.Duration
}

// Verifier checks RS256 identity tokens against a rotating remote key set.
type Verifier struct {
	keys       KeySource
	issuer     string
	audience   string
	skew       time.Duration
	minRefresh time.Duration
	parser     *jwt.Parser
	nowFunc    func() time.Time
}

// NewVerifier returns a Verifier reading keys from keys.
func NewVerifier(keys KeySource, cfg VerifierConfig) *Verifier {
	if cfg.Skew <= 0 {
		cfg.Skew = DefaultSkew
	}
	if cfg.MinRefresh <= 0 {
		cfg.MinRefresh = DefaultMinRefresh
	}
	return &Verifier{
		keys:       keys,
		issuer:     cfg.Issuer,
		audience:   cfg.Audience,
		skew:       cfg.Skew,
		minRefresh: cfg.MinRefresh,
		parser:     jwt.NewParser(),
		nowFunc:    time.Now,
	}
}

// Verify validates signature, issuer, audience and time window of raw.
// A signature failure invalidates the key cache and is retried exactly once.
func (v *Verifier) Verify(ctx context.Context, raw string) (*Verified, error) {
	out, err := v.verify(ctx, raw)
	if err != nil {
		metrics.TokenVerify.WithLabelValues(ReasonOf(err)).Inc()
		return nil, err
	}
	metrics.TokenVerify.WithLabelValues("ok").Inc()
	return out, nil
}

func (v *Verifier) verify(ctx context.Context, raw string) (*Verified, error) {
	start := time.Now()

	parts := strings.Split(raw, ".")
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return nil, &Error{Reason: ReasonMalformed}
	}

	var claims Claims
	tok, _, err := v.parser.ParseUnverified(raw, &claims)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenUnverifiable) {
			return nil, &Error{Reason: ReasonAlgMismatch, Err: err}
		}
		return nil, &Error{Reason: ReasonMalformed, Err: err}
	}
	if alg, _ := tok.Header["alg"].(string); alg != expectedAlg {
		return nil, &Error{Reason: ReasonAlgMismatch}
	}
	kid, _ := tok.Header["kid"].(string)
	if kid == "" {
		return nil, &Error{Reason: ReasonKIDMissing}
	}
	sig, err := v.parser.DecodeSegment(parts[2])
	if err != nil {
		return nil, &Error{Reason: ReasonMalformed, Err: err}
	}
	signed := parts[0] + "." + parts[1]

	ks, err := v.keys.Get(ctx)
	if err != nil {
		return nil, &Error{Reason: ReasonKeySetFetch, Err: err}
	}

	retried := false
	entry := ks.Lookup(kid, expectedAlg)
	if entry == nil && ks.FetchedAt.Before(start) && start.Sub(ks.FetchedAt) >= v.minRefresh {
		// An unknown kid may be a rotation. Refetch for it at most once per minRefresh.
		retried = true
		if ks, err = v.refetch(ctx); err != nil {
			return nil, err
		}
		entry = ks.Lookup(kid, expectedAlg)
	}
	if entry == nil {
		return nil, &Error{Reason: ReasonKIDNotFound}
	}

	if !checkSig(signed, sig, entry) {
		if retried {
			return nil, &Error{Reason: ReasonSigFail}
		}
		if ks, err = v.refetch(ctx); err != nil {
			return nil, err
		}
		entry = ks.Lookup(kid, expectedAlg)
		if entry == nil {
			return nil, &Error{Reason: ReasonKIDNotFound2}
		}
		if !checkSig(signed, sig, entry) {
			return nil, &Error{Reason: ReasonSigFail}
		}
	}

	if err := v.checkClaims(&claims); err != nil {
		return nil, err
	}
	return &Verified{Header: tok.Header, Claims: &claims, KID: kid}, nil
}

func (v *Verifier) refetch(ctx context.Context) (*jwks.KeySet, error) {
	metrics.TokenRotationRetry.Inc()
	v.keys.Invalidate()
	ks, err := v.keys.Get(ctx)
	if err != nil {
		return nil, &Error{Reason: ReasonKeySetFetch, Err: err}
	}
	return ks, nil
}

func checkSig(signed string, sig []byte, entry *jwks.Entry) bool {
	return jwt.SigningMethodRS256.Verify(signed, sig, entry.Key) == nil
}

func (v *Verifier) checkClaims(c *Claims) error {
	if subtle.ConstantTimeCompare([]byte(c.Issuer), []byte(v.issuer)) != 1 {
		return &Error{Reason: ReasonIssuer}
	}
	if !slices.Contains(c.Audience, v.audience) {
		return &Error{Reason: ReasonAudience}
	}
	now := v.nowFunc()
	if c.NotBefore != nil && c.NotBefore.Time.After(now.Add(v.skew)) {
		return &Error{Reason: ReasonNotBefore}
	}
	if c.ExpiresAt != nil && c.ExpiresAt.Time.Before(now.Add(-v.skew)) {
		return &Error{Reason: ReasonExpired}
	}
	return nil
}
