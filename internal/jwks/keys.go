package jwks

import (
	"crypto"
	"crypto/rsa"
	"encoding/base64"
	"errors"
	"fmt"
	"math/big"
)

var ErrUnsupportedKeyType = errors.New("unsupported key type")

// KeyFromComponents builds a public key from the raw JWK fields.
// Only RSA ("kty":"RSA") is supported; n and e are base64url without padding.
func KeyFromComponents(kty, n, e string) (crypto.PublicKey, error) {
	if kty != "RSA" {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedKeyType, kty)
	}
	nb, err := base64.RawURLEncoding.DecodeString(n)
	if err != nil {
		return nil, fmt.Errorf("decode modulus: %w", err)
	}
	eb, err := base64.RawURLEncoding.DecodeString(e)
	if err != nil {
		return nil, fmt.Errorf("decode exponent: %w", err)
	}
	if len(nb) == 0 || len(eb) == 0 {
		return nil, errors.New("empty modulus or exponent")
	}
	if len(eb) > 4 {
		return nil, errors.New("exponent too large")
	}
	exp := new(big.Int).SetBytes(eb)
	if exp.Int64() < 3 {
		return nil, errors.New("exponent too small")
	}
	return &rsa.PublicKey{
		N: new(big.Int).SetBytes(nb),
		E: int(exp.Int64()),
	}, nil
}
