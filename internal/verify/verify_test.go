package verify

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"net/http"
	"strconv"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/reconciler/internal/resilience"
)

func assertInvalid(t *testing.T, err error) {
	t.Helper()
	require.Error(t, err)
	assert.True(t, eris.Is(err, resilience.ErrSignatureInvalid), "got %v", err)
}

func TestSharedSecret(t *testing.T) {
	v := SharedSecret{Header: "X-Goog-Channel-Token", Secret: "s3cret"}

	h := http.Header{}
	h.Set("X-Goog-Channel-Token", "s3cret")
	assert.NoError(t, v.Verify(h, nil))

	h.Set("X-Goog-Channel-Token", "wrong")
	assertInvalid(t, v.Verify(h, nil))

	assertInvalid(t, v.Verify(http.Header{}, nil))
	assertInvalid(t, SharedSecret{Header: "X"}.Verify(h, nil))
}

func TestHMAC_HexWithTimestamp(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	v := HMAC{
		Header:          "X-Signature",
		Secret:          "key",
		Encoding:        EncodingHex,
		TimestampHeader: "X-Timestamp",
		MaxSkew:         time.Minute,
		nowFunc:         func() time.Time { return now },
	}
	body := []byte(`{"event":"contact.updated"}`)
	ts := strconv.FormatInt(now.Unix(), 10)

	h := http.Header{}
	h.Set("X-Timestamp", ts)
	h.Set("X-Signature", v.Sign(body, ts))
	assert.NoError(t, v.Verify(h, body))

	t.Run("tampered body", func(t *testing.T) {
		assertInvalid(t, v.Verify(h, []byte(`{"event":"contact.deleted"}`)))
	})

	t.Run("replayed outside window", func(t *testing.T) {
		old := strconv.FormatInt(now.Add(-2*time.Minute).Unix(), 10)
		stale := http.Header{}
		stale.Set("X-Timestamp", old)
		stale.Set("X-Signature", v.Sign(body, old))
		assertInvalid(t, v.Verify(stale, body))
	})

	t.Run("missing timestamp", func(t *testing.T) {
		noTS := http.Header{}
		noTS.Set("X-Signature", v.Sign(body, ts))
		assertInvalid(t, v.Verify(noTS, body))
	})
}

func TestHMAC_Base64(t *testing.T) {
	v := HMAC{Header: "X-Ledger-Signature", Secret: "key", Encoding: EncodingBase64}
	body := []byte(`{"id":"INV-1"}`)

	h := http.Header{}
	h.Set("X-Ledger-Signature", v.Sign(body, ""))
	assert.NoError(t, v.Verify(h, body))

	h.Set("X-Ledger-Signature", "AAAA")
	assertInvalid(t, v.Verify(h, body))
}

func TestHMAC_Prefix(t *testing.T) {
	v := HMAC{Header: "X-Notion-Signature", Secret: "key", Prefix: "sha256="}
	body := []byte(`{"page_id":"p1"}`)

	h := http.Header{}
	sig := v.Sign(body, "")
	require.Contains(t, sig, "sha256=")
	h.Set("X-Notion-Signature", sig)
	assert.NoError(t, v.Verify(h, body))

	h.Set("X-Notion-Signature", sig[len("sha256="):])
	assertInvalid(t, v.Verify(h, body))
}

func TestHMAC_NoSecret(t *testing.T) {
	h := http.Header{}
	h.Set("X-Signature", "abc")
	assertInvalid(t, HMAC{Header: "X-Signature"}.Verify(h, nil))
}

func TestChallenge(t *testing.T) {
	// Deterministic and keyed.
	assert.Equal(t, Challenge("k", "abc"), Challenge("k", "abc"))
	assert.NotEqual(t, Challenge("k", "abc"), Challenge("other", "abc"))
	assert.Len(t, Challenge("k", "abc"), 64)
}

func TestHeaders_RoundTrip(t *testing.T) {
	h := http.Header{}
	h.Set("x-signature", "abc")
	flat := Flatten(h)
	assert.Equal(t, "abc", flat["X-Signature"])
	assert.Equal(t, "abc", Headers(flat).Get("X-SIGNATURE"))
}

func signRS256(t *testing.T, key *rsa.PrivateKey, claims jwt.MapClaims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(key)
	require.NoError(t, err)
	return s
}

func TestJWT_RS256(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	v := JWT{Key: &key.PublicKey, Audience: "https://reconciler.example.com/webhooks/email", Issuer: "https://accounts.google.com"}

	good := jwt.MapClaims{
		"aud": v.Audience,
		"iss": v.Issuer,
		"exp": time.Now().Add(time.Hour).Unix(),
	}

	h := http.Header{}
	h.Set("Authorization", "Bearer "+signRS256(t, key, good))
	assert.NoError(t, v.Verify(h, nil))

	t.Run("wrong audience", func(t *testing.T) {
		bad := jwt.MapClaims{"aud": "other", "iss": v.Issuer, "exp": time.Now().Add(time.Hour).Unix()}
		h := http.Header{}
		h.Set("Authorization", "Bearer "+signRS256(t, key, bad))
		assertInvalid(t, v.Verify(h, nil))
	})

	t.Run("expired", func(t *testing.T) {
		bad := jwt.MapClaims{"aud": v.Audience, "iss": v.Issuer, "exp": time.Now().Add(-time.Hour).Unix()}
		h := http.Header{}
		h.Set("Authorization", "Bearer "+signRS256(t, key, bad))
		assertInvalid(t, v.Verify(h, nil))
	})

	t.Run("missing exp", func(t *testing.T) {
		bad := jwt.MapClaims{"aud": v.Audience, "iss": v.Issuer}
		h := http.Header{}
		h.Set("Authorization", "Bearer "+signRS256(t, key, bad))
		assertInvalid(t, v.Verify(h, nil))
	})

	t.Run("other key", func(t *testing.T) {
		other, err := rsa.GenerateKey(rand.Reader, 2048)
		require.NoError(t, err)
		h := http.Header{}
		h.Set("Authorization", "Bearer "+signRS256(t, other, good))
		assertInvalid(t, v.Verify(h, nil))
	})

	t.Run("hmac token rejected", func(t *testing.T) {
		s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, good).SignedString([]byte("secret"))
		require.NoError(t, err)
		h := http.Header{}
		h.Set("Authorization", "Bearer "+s)
		assertInvalid(t, v.Verify(h, nil))
	})

	t.Run("no bearer", func(t *testing.T) {
		assertInvalid(t, v.Verify(http.Header{}, nil))
	})
}

func TestParsePublicKey(t *testing.T) {
	rsaKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	der, err := x509.MarshalPKIXPublicKey(&rsaKey.PublicKey)
	require.NoError(t, err)
	got, err := ParsePublicKey(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}))
	require.NoError(t, err)
	assert.IsType(t, &rsa.PublicKey{}, got)

	ecKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	der, err = x509.MarshalPKIXPublicKey(&ecKey.PublicKey)
	require.NoError(t, err)
	got, err = ParsePublicKey(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}))
	require.NoError(t, err)
	assert.IsType(t, &ecdsa.PublicKey{}, got)

	_, err = ParsePublicKey([]byte("not a key"))
	assert.Error(t, err)
}
