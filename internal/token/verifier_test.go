package token

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"tripp/gateway/internal/jwks"
	"tripp/gateway/internal/jwks/jwkstest"
)

const (
	testIssuer   = "https://id.tripp.test"
	testAudience = "tripp-chat"
)

func newTestVerifier(t *testing.T, srv *jwkstest.Server) *Verifier {
	t.Helper()
	return newTestVerifierRefresh(t, srv, 0)
}

func newTestVerifierRefresh(t *testing.T, srv *jwkstest.Server, minRefresh time.Duration) *Verifier {
	t.Helper()
	cache := jwks.New(jwks.Options{URL: srv.URL})
	return NewVerifier(cache, VerifierConfig{Issuer: testIssuer, Audience: testAudience, MinRefresh: minRefresh})
}

func validClaims(now time.Time) *Claims {
	return &Claims{
		Tier: "plus",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "user-1",
			Issuer:    testIssuer,
			Audience:  jwt.ClaimStrings{testAudience},
			ID:        "jti-1",
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now.Add(-time.Minute)),
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
		},
	}
}

func requireReason(t *testing.T, err error, reason string) {
	t.Helper()
	require.Error(t, err)
	var te *Error
	require.True(t, errors.As(err, &te), "expected *token.Error, got %T", err)
	require.Equal(t, reason, te.Reason)
}

func TestVerify_ValidToken(t *testing.T) {
	k := jwkstest.NewKey(t, "k1")
	srv := jwkstest.NewServer(t, k)
	v := newTestVerifier(t, srv)

	out, err := v.Verify(context.Background(), k.Sign(t, validClaims(time.Now())))
	require.NoError(t, err)
	require.Equal(t, "user-1", out.Claims.Subject)
	require.Equal(t, "plus", out.Claims.Tier)
	require.Equal(t, "k1", out.KID)
	require.Equal(t, "RS256", out.Header["alg"])
	require.Equal(t, 1, srv.Hits())
}

func TestVerify_MalformedNeverFetches(t *testing.T) {
	srv := jwkstest.NewServer(t, jwkstest.NewKey(t, "k1"))
	v := newTestVerifier(t, srv)

	for _, raw := range []string{"", "abc", "a.b", "a..c", ".b.c", "a.b.c.d", "!!.??.xx"} {
		_, err := v.Verify(context.Background(), raw)
		requireReason(t, err, ReasonMalformed)
	}
	require.Equal(t, 0, srv.Hits())
}

func TestVerify_AlgMismatch(t *testing.T) {
	srv := jwkstest.NewServer(t, jwkstest.NewKey(t, "k1"))
	v := newTestVerifier(t, srv)

	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, validClaims(time.Now()))
	tok.Header["kid"] = "k1"
	raw, err := tok.SignedString([]byte("not-an-rsa-key-but-long-enough"))
	require.NoError(t, err)

	_, err = v.Verify(context.Background(), raw)
	requireReason(t, err, ReasonAlgMismatch)
	require.Equal(t, 0, srv.Hits())
}

func TestVerify_KIDMissing(t *testing.T) {
	k := jwkstest.NewKey(t, "k1")
	srv := jwkstest.NewServer(t, k)
	v := newTestVerifier(t, srv)

	raw, err := jwt.NewWithClaims(jwt.SigningMethodRS256, validClaims(time.Now())).SignedString(k.Private)
	require.NoError(t, err)

	_, err = v.Verify(context.Background(), raw)
	requireReason(t, err, ReasonKIDMissing)
}

func TestVerify_UnknownKID(t *testing.T) {
	srv := jwkstest.NewServer(t, jwkstest.NewKey(t, "k1"))
	v := newTestVerifierRefresh(t, srv, time.Nanosecond)
	stranger := jwkstest.NewKey(t, "k-unknown")
	raw := stranger.Sign(t, validClaims(time.Now()))

	// Fresh fetch: no refetch for a kid the just-fetched set lacks.
	_, err := v.Verify(context.Background(), raw)
	requireReason(t, err, ReasonKIDNotFound)
	require.Equal(t, 1, srv.Hits())

	// Cached set older than the refresh interval: one refetch, then give up.
	_, err = v.Verify(context.Background(), raw)
	requireReason(t, err, ReasonKIDNotFound)
	require.Equal(t, 2, srv.Hits())
}

func TestVerify_UnknownKIDRefetchIsBounded(t *testing.T) {
	k1 := jwkstest.NewKey(t, "k1")
	srv := jwkstest.NewServer(t, k1)
	v := newTestVerifier(t, srv)

	_, err := v.Verify(context.Background(), k1.Sign(t, validClaims(time.Now())))
	require.NoError(t, err)
	require.Equal(t, 1, srv.Hits())

	forged := jwkstest.NewKey(t, "")
	for i := 0; i < 50; i++ {
		forged.KID = fmt.Sprintf("random-%d", i)
		_, err := v.Verify(context.Background(), forged.Sign(t, validClaims(time.Now())))
		requireReason(t, err, ReasonKIDNotFound)
	}
	require.Equal(t, 1, srv.Hits(), "unknown kids inside the refresh interval must not reach the key server")

	// The cached set is untouched, so known kids still verify without a fetch.
	_, err = v.Verify(context.Background(), k1.Sign(t, validClaims(time.Now())))
	require.NoError(t, err)
	require.Equal(t, 1, srv.Hits())
}

func TestVerify_NewKIDAfterRotation(t *testing.T) {
	k1 := jwkstest.NewKey(t, "k1")
	k2 := jwkstest.NewKey(t, "k2")
	first := k1.Sign(t, validClaims(time.Now()))
	raw := k2.Sign(t, validClaims(time.Now()))
	srv := jwkstest.NewServer(t, k1)
	v := newTestVerifierRefresh(t, srv, 200*time.Millisecond)

	_, err := v.Verify(context.Background(), first)
	require.NoError(t, err)
	srv.SetKeys(k2)

	// Inside the refresh interval the new kid is not looked up remotely.
	_, err = v.Verify(context.Background(), raw)
	requireReason(t, err, ReasonKIDNotFound)
	require.Equal(t, 1, srv.Hits())

	time.Sleep(250 * time.Millisecond)
	out, err := v.Verify(context.Background(), raw)
	require.NoError(t, err)
	require.Equal(t, "k2", out.KID)
	require.Equal(t, 2, srv.Hits())
}

func TestVerify_SameKIDNewMaterialAfterRotation(t *testing.T) {
	before := jwkstest.NewKey(t, "k1")
	srv := jwkstest.NewServer(t, before)
	v := newTestVerifier(t, srv)

	_, err := v.Verify(context.Background(), before.Sign(t, validClaims(time.Now())))
	require.NoError(t, err)

	after := jwkstest.NewKey(t, "k1")
	srv.SetKeys(after)

	out, err := v.Verify(context.Background(), after.Sign(t, validClaims(time.Now())))
	require.NoError(t, err)
	require.Equal(t, "user-1", out.Claims.Subject)
	require.Equal(t, 2, srv.Hits())
}

func TestVerify_SigFailRetriesExactlyOnce(t *testing.T) {
	published := jwkstest.NewKey(t, "k1")
	srv := jwkstest.NewServer(t, published)
	v := newTestVerifier(t, srv)

	forger := jwkstest.NewKey(t, "k1")
	_, err := v.Verify(context.Background(), forger.Sign(t, validClaims(time.Now())))
	requireReason(t, err, ReasonSigFail)
	require.Equal(t, 2, srv.Hits())
}

func TestVerify_TamperedPayload(t *testing.T) {
	k := jwkstest.NewKey(t, "k1")
	srv := jwkstest.NewServer(t, k)
	v := newTestVerifier(t, srv)

	raw := k.Sign(t, validClaims(time.Now()))
	other := k.Sign(t, &Claims{RegisteredClaims: jwt.RegisteredClaims{
		Subject:  "admin",
		Issuer:   testIssuer,
		Audience: jwt.ClaimStrings{testAudience},
	}})
	parts := strings.Split(raw, ".")
	forged := parts[0] + "." + strings.Split(other, ".")[1] + "." + parts[2]

	_, err := v.Verify(context.Background(), forged)
	requireReason(t, err, ReasonSigFail)
}

func TestVerify_KIDGoneOnRetry(t *testing.T) {
	published := jwkstest.NewKey(t, "k1")
	srv := jwkstest.NewServer(t, published)
	v := newTestVerifier(t, srv)

	_, err := v.Verify(context.Background(), published.Sign(t, validClaims(time.Now())))
	require.NoError(t, err)

	srv.SetKeys(jwkstest.NewKey(t, "k9"))
	forger := jwkstest.NewKey(t, "k1")
	_, err = v.Verify(context.Background(), forger.Sign(t, validClaims(time.Now())))
	requireReason(t, err, ReasonKIDNotFound2)
	require.Equal(t, 2, srv.Hits())
}

func TestVerify_KeySetUnavailable(t *testing.T) {
	k := jwkstest.NewKey(t, "k1")
	srv := jwkstest.NewServer(t, k)
	srv.SetStatus(http.StatusBadGateway)
	v := newTestVerifier(t, srv)

	_, err := v.Verify(context.Background(), k.Sign(t, validClaims(time.Now())))
	requireReason(t, err, ReasonKeySetFetch)
	var fe *jwks.FetchError
	require.True(t, errors.As(err, &fe))
	require.Equal(t, http.StatusBadGateway, fe.Status)
}

func TestVerify_ExpiryBoundary(t *testing.T) {
	k := jwkstest.NewKey(t, "k1")
	srv := jwkstest.NewServer(t, k)
	v := newTestVerifier(t, srv)
	now := time.Unix(1_800_000_000, 0)
	v.nowFunc = func() time.Time { return now }

	c := validClaims(now)
	c.NotBefore = nil
	c.ExpiresAt = jwt.NewNumericDate(now.Add(-119 * time.Second))
	_, err := v.Verify(context.Background(), k.Sign(t, c))
	require.NoError(t, err)

	c.ExpiresAt = jwt.NewNumericDate(now.Add(-120 * time.Second))
	_, err = v.Verify(context.Background(), k.Sign(t, c))
	require.NoError(t, err)

	c.ExpiresAt = jwt.NewNumericDate(now.Add(-121 * time.Second))
	_, err = v.Verify(context.Background(), k.Sign(t, c))
	requireReason(t, err, ReasonExpired)
}

func TestVerify_NotBeforeBoundary(t *testing.T) {
	k := jwkstest.NewKey(t, "k1")
	srv := jwkstest.NewServer(t, k)
	v := newTestVerifier(t, srv)
	now := time.Unix(1_800_000_000, 0)
	v.nowFunc = func() time.Time { return now }

	c := validClaims(now)
	c.NotBefore = jwt.NewNumericDate(now.Add(119 * time.Second))
	_, err := v.Verify(context.Background(), k.Sign(t, c))
	require.NoError(t, err)

	c.NotBefore = jwt.NewNumericDate(now.Add(121 * time.Second))
	_, err = v.Verify(context.Background(), k.Sign(t, c))
	requireReason(t, err, ReasonNotBefore)
}

func TestVerify_IssuerAndAudience(t *testing.T) {
	k := jwkstest.NewKey(t, "k1")
	srv := jwkstest.NewServer(t, k)
	v := newTestVerifier(t, srv)

	c := validClaims(time.Now())
	c.Issuer = "https://evil.test"
	_, err := v.Verify(context.Background(), k.Sign(t, c))
	requireReason(t, err, ReasonIssuer)

	c = validClaims(time.Now())
	c.Audience = jwt.ClaimStrings{"someone-else"}
	_, err = v.Verify(context.Background(), k.Sign(t, c))
	requireReason(t, err, ReasonAudience)

	c = validClaims(time.Now())
	c.Audience = jwt.ClaimStrings{"other", testAudience}
	_, err = v.Verify(context.Background(), k.Sign(t, c))
	require.NoError(t, err)
}

func TestReasonOf(t *testing.T) {
	require.Equal(t, "", ReasonOf(nil))
	require.Equal(t, "", ReasonOf(errors.New("x")))
	require.Equal(t, ReasonIssuer, ReasonOf(&Error{Reason: ReasonIssuer}))
}
