package resilience

import (
	"errors"
)

// Disposition is what the retry scheduler does with a failed delivery.
type Disposition int

const (
	// DispositionRetry reschedules with backoff and consumes one attempt.
	DispositionRetry Disposition = iota
	// DispositionDeadLetter is terminal and never consumes retry budget.
	DispositionDeadLetter
	// DispositionDefer reschedules for after the circuit cooldown without
	// consuming an attempt.
	DispositionDefer
)

func (d Disposition) String() string {
	switch d {
	case DispositionRetry:
		return "retry"
	case DispositionDeadLetter:
		return "dead_letter"
	case DispositionDefer:
		return "defer"
	default:
		return "unknown"
	}
}

// Classify maps an error onto its disposition. Errors outside the taxonomy
// (store failures, crashes mid-write) are retried: the attempt budget still
// bounds them and dropping them would lose the update.
func Classify(err error) Disposition {
	var inc *IncompleteReferenceError
	switch {
	case errors.Is(err, ErrCircuitOpen):
		return DispositionDefer
	case errors.Is(err, ErrSignatureInvalid),
		errors.Is(err, ErrMalformedPayload),
		errors.Is(err, ErrDomainValidationRejected):
		return DispositionDeadLetter
	case errors.As(err, &inc):
		// Reaching here means no fetch-by-id was possible for the source.
		return DispositionDeadLetter
	default:
		return DispositionRetry
	}
}

// Error kinds returned by Kind.
const (
	KindSignatureInvalid         = "signature_invalid"
	KindMalformedPayload         = "malformed_payload"
	KindDomainValidationRejected = "domain_validation_rejected"
	KindCircuitOpen              = "circuit_open"
	KindIncompleteReference      = "incomplete_reference"
	KindTransientSourceError     = "transient_source_error"
	KindInternal                 = "internal"
)

// Kind returns a short label for an error, used in logs, metrics and the
// delivery error column.
func Kind(err error) string {
	var inc *IncompleteReferenceError
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrSignatureInvalid):
		return KindSignatureInvalid
	case errors.Is(err, ErrMalformedPayload):
		return KindMalformedPayload
	case errors.Is(err, ErrDomainValidationRejected):
		return KindDomainValidationRejected
	case errors.Is(err, ErrCircuitOpen):
		return KindCircuitOpen
	case errors.As(err, &inc):
		return KindIncompleteReference
	case IsTransient(err):
		return KindTransientSourceError
	default:
		return KindInternal
	}
}
