package resilience

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"syscall"

	"github.com/rotisserie/eris"

	"github.com/sells-group/reconciler/internal/model"
)

// Non-retryable failures. Each is dead-lettered on first occurrence.
var (
	// ErrSignatureInvalid means an inbound notification failed authentication.
	ErrSignatureInvalid = eris.New("signature invalid")
	// ErrMalformedPayload means a verified payload could not be normalized.
	ErrMalformedPayload = eris.New("malformed payload")
	// ErrDomainValidationRejected means a write violated a domain rule such as
	// a redaction policy in reject mode.
	ErrDomainValidationRejected = eris.New("domain validation rejected")
)

// Malformed wraps a parse failure as ErrMalformedPayload.
func Malformed(format string, args ...any) error {
	return eris.Wrap(ErrMalformedPayload, fmt.Sprintf(format, args...))
}

// IncompleteReferenceError reports a payload that names an entity but carries
// none of its data. The caller must fetch the entity by id before applying.
type IncompleteReferenceError struct {
	Key model.RecordKey
}

func (e *IncompleteReferenceError) Error() string {
	return "incomplete reference: " + e.Key.String()
}

// TransientError wraps an error that is safe to retry (e.g., 429, 5xx, network timeout).
type TransientError struct {
	Err        error
	StatusCode int
}

func (e *TransientError) Error() string {
	return e.Err.Error()
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// NewTransientError wraps an error as transient with an optional HTTP status code.
func NewTransientError(err error, statusCode int) *TransientError {
	return &TransientError{Err: err, StatusCode: statusCode}
}

// IsTransient returns true if the error (or any error in its chain) is a
// TransientError, or if it matches common transient error patterns (network
// timeouts, connection resets, DNS failures).
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	// Check for explicit TransientError in chain.
	var te *TransientError
	if errors.As(err, &te) {
		return true
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	// Check for network-level transient errors.
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	// Connection reset / refused / DNS.
	if errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNABORTED) {
		return true
	}

	// String-based heuristics for wrapped errors from HTTP clients.
	msg := strings.ToLower(err.Error())
	transientPatterns := []string{
		"connection reset by peer",
		"broken pipe",
		"temporary failure in name resolution",
		"no such host",
		"tls handshake timeout",
		"i/o timeout",
		"server closed idle connection",
		"transport connection broken",
	}
	for _, p := range transientPatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}

	return false
}

// IsTransientHTTPStatus returns true if the HTTP status code indicates a
// transient server-side issue that is safe to retry.
func IsTransientHTTPStatus(statusCode int) bool {
	switch statusCode {
	case 408, // Request Timeout
		429, // Too Many Requests
		500, // Internal Server Error
		502, // Bad Gateway
		503, // Service Unavailable
		504: // Gateway Timeout
		return true
	default:
		return false
	}
}
