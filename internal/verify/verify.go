// Package verify checks that inbound notifications came from the source they
// claim. Every failure wraps resilience.ErrSignatureInvalid.
package verify

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/reconciler/internal/resilience"
)

// Verifier validates a raw request against a source's signing contract.
type Verifier interface {
	Verify(headers http.Header, body []byte) error
}

func invalid(format string, args ...any) error {
	return eris.Wrapf(resilience.ErrSignatureInvalid, format, args...)
}

// SharedSecret compares a header value against a configured secret.
type SharedSecret struct {
	Header string
	Secret string
}

// Verify implements Verifier.
func (s SharedSecret) Verify(headers http.Header, _ []byte) error {
	if s.Secret == "" {
		return invalid("verify: no shared secret configured")
	}
	got := headers.Get(s.Header)
	if got == "" {
		return invalid("verify: missing %s header", s.Header)
	}
	if !Equal(got, s.Secret) {
		return invalid("verify: %s mismatch", s.Header)
	}
	return nil
}

// Equal compares two secrets in constant time.
func Equal(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// Encoding names how a signature digest is rendered in its header.
type Encoding string

// Supported digest encodings.
const (
	EncodingHex    Encoding = "hex"
	EncodingBase64 Encoding = "base64"
)

// HMAC verifies an HMAC-SHA256 signature over the raw body. When
// TimestampHeader is set the signed message is "<timestamp>.<body>" and the
// timestamp must be within MaxSkew of now.
type HMAC struct {
	Header          string
	Secret          string
	Encoding        Encoding
	Prefix          string
	TimestampHeader string
	MaxSkew         time.Duration

	nowFunc func() time.Time
}

const defaultMaxSkew = 5 * time.Minute

func (h HMAC) now() time.Time {
	if h.nowFunc != nil {
		return h.nowFunc()
	}
	return time.Now()
}

// Sign returns the header value a correct sender would attach. timestamp is
// ignored unless TimestampHeader is set.
func (h HMAC) Sign(body []byte, timestamp string) string {
	mac := hmac.New(sha256.New, []byte(h.Secret))
	if h.TimestampHeader != "" {
		_, _ = mac.Write([]byte(timestamp))
		_, _ = mac.Write([]byte("."))
	}
	_, _ = mac.Write(body)
	sum := mac.Sum(nil)
	if h.Encoding == EncodingBase64 {
		return h.Prefix + base64.StdEncoding.EncodeToString(sum)
	}
	return h.Prefix + hex.EncodeToString(sum)
}

// Verify implements Verifier.
func (h HMAC) Verify(headers http.Header, body []byte) error {
	if h.Secret == "" {
		return invalid("verify: no hmac secret configured")
	}
	sig := strings.TrimSpace(headers.Get(h.Header))
	if sig == "" {
		return invalid("verify: missing %s header", h.Header)
	}
	if h.Prefix != "" && !strings.HasPrefix(sig, h.Prefix) {
		return invalid("verify: %s missing %q prefix", h.Header, h.Prefix)
	}

	var ts string
	if h.TimestampHeader != "" {
		ts = headers.Get(h.TimestampHeader)
		if ts == "" {
			return invalid("verify: missing %s header", h.TimestampHeader)
		}
		at, err := parseTimestamp(ts)
		if err != nil {
			return invalid("verify: invalid timestamp %q", ts)
		}
		skew := h.MaxSkew
		if skew <= 0 {
			skew = defaultMaxSkew
		}
		delta := h.now().Sub(at)
		if delta < 0 {
			delta = -delta
		}
		if delta > skew {
			return invalid("verify: timestamp outside replay window")
		}
	}

	expected := h.Sign(body, ts)
	if h.Encoding != EncodingBase64 {
		sig = strings.ToLower(sig)
	}
	if !hmac.Equal([]byte(sig), []byte(expected)) {
		return invalid("verify: %s mismatch", h.Header)
	}
	return nil
}

// parseTimestamp accepts unix seconds or RFC 3339.
func parseTimestamp(s string) (time.Time, error) {
	if secs, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Unix(secs, 0), nil
	}
	return time.Parse(time.RFC3339, s)
}

// Challenge computes the registration handshake answer: the hex HMAC-SHA256
// of the challenge value keyed by the source secret.
func Challenge(secret, challenge string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(challenge))
	return hex.EncodeToString(mac.Sum(nil))
}

// Headers converts a flattened header map, as persisted on a delivery, back
// into an http.Header.
func Headers(m map[string]string) http.Header {
	h := make(http.Header, len(m))
	for k, v := range m {
		h.Set(k, v)
	}
	return h
}

// Flatten keeps the first value of every header.
func Flatten(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k, v := range h {
		if len(v) > 0 {
			out[k] = v[0]
		}
	}
	return out
}
