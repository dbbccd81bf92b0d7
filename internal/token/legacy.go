package token

import (
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// AppClaims are carried by the legacy app-session cookie.
type AppClaims struct {
	Tier string `json:"tier,omitempty"`
	jwt.RegisteredClaims
}

// Keyring verifies HMAC app-session tokens minted by the app backend,
// selecting the secret by kid.
type Keyring struct {
	Alg        string
	Keys       map[string][]byte // kid -> secret
	CurrentKID string
	Issuer     string
	Skew       time.Duration
	MaxTTL     time.Duration

	nowFunc func() time.Time
}

var (
	ErrEmptyToken     = errors.New("empty token")
	ErrMissingKID     = errors.New("missing kid")
	ErrUnknownKID     = errors.New("unknown kid")
	ErrIssuerMismatch = errors.New("issuer mismatch")
	ErrSubjectMissing = errors.New("sub missing")
	ErrExpMissing     = errors.New("exp missing")
	ErrExpired        = errors.New("token expired")
	ErrNbfInFuture    = errors.New("nbf in the future")
	ErrTTLTooLarge    = errors.New("token lifetime exceeds max")
)

// NewKeyring decodes base64url secrets. alg must be an HMAC algorithm.
func NewKeyring(alg string, keys map[string]string, current, iss string, skew time.Duration) (*Keyring, error) {
	switch alg {
	case "HS256", "HS384", "HS512":
	default:
		return nil, errors.New("unsupported alg (expected HS256/384/512)")
	}
	kr := &Keyring{
		Alg:     alg,
		Keys:    make(map[string][]byte, len(keys)),
		Issuer:  iss,
		Skew:    skew,
		MaxTTL:  30 * 24 * time.Hour,
		nowFunc: time.Now,
	}
	for kid, b64 := range keys {
		dec, err := base64.RawURLEncoding.DecodeString(b64)
		if err != nil {
			return nil, err
		}
		if len(dec) < 16 {
			return nil, errors.New("signing key too short; need >=16 bytes")
		}
		kr.Keys[kid] = dec
	}
	if _, ok := kr.Keys[current]; !ok {
		return nil, errors.New("current_kid not found in keys")
	}
	kr.CurrentKID = current
	if kr.Issuer == "" {
		kr.Issuer = "tripp-app"
	}
	return kr, nil
}

// Verify checks signature, issuer, subject and time window.
func (k *Keyring) Verify(tok string) (*AppClaims, error) {
	if tok == "" {
		return nil, ErrEmptyToken
	}
	// Time claims are checked below with our own clock and skew.
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{k.Alg}),
		jwt.WithStrictDecoding(),
		jwt.WithoutClaimsValidation(),
	)
	var claims AppClaims
	_, err := parser.ParseWithClaims(tok, &claims, func(t *jwt.Token) (interface{}, error) {
		kid, _ := t.Header["kid"].(string)
		if kid == "" {
			return nil, ErrMissingKID
		}
		secret, ok := k.Keys[kid]
		if !ok {
			return nil, ErrUnknownKID
		}
		return secret, nil
	})
	if err != nil {
		return nil, err
	}

	if subtle.ConstantTimeCompare([]byte(claims.Issuer), []byte(k.Issuer)) != 1 {
		return nil, ErrIssuerMismatch
	}
	if claims.Subject == "" {
		return nil, ErrSubjectMissing
	}

	now := k.nowFunc()
	if claims.NotBefore != nil && now.Add(k.Skew).Before(claims.NotBefore.Time) {
		return nil, ErrNbfInFuture
	}
	if claims.ExpiresAt == nil {
		return nil, ErrExpMissing
	}
	if claims.ExpiresAt.Time.Before(now.Add(-k.Skew)) {
		return nil, ErrExpired
	}
	if claims.IssuedAt != nil {
		if claims.ExpiresAt.Time.Sub(claims.IssuedAt.Time) > k.MaxTTL+k.Skew {
			return nil, ErrTTLTooLarge
		}
	}
	return &claims, nil
}
