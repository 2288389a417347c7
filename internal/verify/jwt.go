package verify

import (
	"crypto"
	"net/http"
	"os"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rotisserie/eris"
)

// JWT verifies an asymmetrically signed bearer token, as sent by push
// services that authenticate with a service account.
type JWT struct {
	// Header defaults to Authorization.
	Header   string
	Key      crypto.PublicKey
	Audience string
	Issuer   string
}

// Verify implements Verifier. The body is not covered by the token.
func (j JWT) Verify(headers http.Header, _ []byte) error {
	if j.Key == nil {
		return invalid("verify: no jwt key configured")
	}
	header := j.Header
	if header == "" {
		header = "Authorization"
	}
	raw := headers.Get(header)
	if !strings.HasPrefix(raw, "Bearer ") {
		return invalid("verify: missing bearer token")
	}
	raw = strings.TrimSpace(strings.TrimPrefix(raw, "Bearer "))

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{"RS256", "ES256"}),
		jwt.WithExpirationRequired(),
	}
	if j.Audience != "" {
		opts = append(opts, jwt.WithAudience(j.Audience))
	}
	if j.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(j.Issuer))
	}

	_, err := jwt.Parse(raw, func(*jwt.Token) (any, error) { return j.Key, nil }, opts...)
	if err != nil {
		return invalid("verify: jwt: %v", err)
	}
	return nil
}

// LoadPublicKey reads an RSA or EC public key from a PEM file.
func LoadPublicKey(path string) (crypto.PublicKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "verify: read public key %s", path)
	}
	return ParsePublicKey(data)
}

// ParsePublicKey parses an RSA or EC public key in PEM form.
func ParsePublicKey(data []byte) (crypto.PublicKey, error) {
	if key, err := jwt.ParseRSAPublicKeyFromPEM(data); err == nil {
		return key, nil
	}
	key, err := jwt.ParseECPublicKeyFromPEM(data)
	if err != nil {
		return nil, eris.Wrap(err, "verify: parse public key")
	}
	return key, nil
}
