// Package source defines the per-source processor capability and the
// registry the pipeline, poller and reconciler use to reach each source.
package source

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/reconciler/internal/model"
	"github.com/sells-group/reconciler/internal/resilience"
	"github.com/sells-group/reconciler/internal/verify"
)

// RawDelivery is a verified notification as stored in the delivery ledger.
type RawDelivery struct {
	DeliveryID  string
	Headers     http.Header
	Body        []byte
	TriggeredBy model.TriggeredBy
	ReceivedAt  time.Time
}

// Identity is what the HTTP layer needs before the body is processed.
type Identity struct {
	// DeliveryID is the source's own delivery id, used for dedupe. Empty
	// when the source has none.
	DeliveryID string
	EventType  string
}

// Processor adapts one external source to the canonical model.
type Processor interface {
	// Source returns the source this processor serves.
	Source() model.Source
	// EntityTypes lists the entity types the source polls and reconciles.
	EntityTypes() []string
	// Verifier authenticates inbound notifications.
	Verifier() verify.Verifier
	// Identify extracts the dedupe id and event type without failing; a
	// malformed body is reported later by Normalize.
	Identify(headers http.Header, body []byte) Identity
	// Normalize converts a verified payload into envelopes. Envelopes that
	// report Incomplete are enriched through Fetcher by the caller. Errors
	// wrap resilience.ErrMalformedPayload.
	Normalize(ctx context.Context, raw RawDelivery) ([]model.Envelope, error)
}

// Fetcher loads one entity by id. It returns nil when the source has no
// such entity, and a tombstone envelope when the source reports it deleted.
type Fetcher interface {
	Fetch(ctx context.Context, entityType, externalID string) (*model.Envelope, error)
}

// PollResult is one incremental read.
type PollResult struct {
	Envelopes []model.Envelope
	// NextCursor replaces the stored cursor once every envelope is applied.
	// Empty keeps the current cursor.
	NextCursor string
}

// Poller reads changes since a cursor.
type Poller interface {
	Poll(ctx context.Context, entityType, cursor string) (*PollResult, error)
}

// Snapshot is the external state used by reconciliation.
type Snapshot struct {
	Records []model.Envelope
	// Complete is true when Records is the whole entity set, which is what
	// allows absent records to be flagged as possible deletions.
	Complete bool
}

// Snapshotter reads the full or recently changed external state.
type Snapshotter interface {
	Snapshot(ctx context.Context, entityType string) (*Snapshot, error)
}

// ChallengeRequest carries a registration handshake.
type ChallengeRequest struct {
	Query   url.Values
	Headers http.Header
	Body    []byte
}

// ChallengeResponse is written back verbatim.
type ChallengeResponse struct {
	ContentType string
	Body        []byte
}

// ChallengeResponder answers a source's one-time registration handshake.
type ChallengeResponder interface {
	Challenge(req ChallengeRequest) (*ChallengeResponse, error)
}

// PollTrigger is implemented by sources whose notifications carry no data
// and only announce that something changed. PollTriggers returns the entity
// types that should be polled immediately.
type PollTrigger interface {
	PollTriggers(ctx context.Context, raw RawDelivery) ([]string, error)
}

// Summarizer picks the fields copied into an event's summary payload.
type Summarizer interface {
	SummaryFields(entityType string) []string
}

// DefaultSummaryFields is used for processors without a Summarizer.
var DefaultSummaryFields = []string{"name", "email", "status", "title", "amount"}

// SummaryFields returns the summary field set for p.
func SummaryFields(p Processor, entityType string) []string {
	if s, ok := p.(Summarizer); ok {
		if f := s.SummaryFields(entityType); len(f) > 0 {
			return f
		}
	}
	return DefaultSummaryFields
}

// EncodeEnvelope serializes an envelope discovered by polling so it can be
// stored as a delivery body and replayed.
func EncodeEnvelope(env model.Envelope) ([]byte, error) {
	b, err := json.Marshal(env)
	if err != nil {
		return nil, eris.Wrap(err, "source: encode envelope")
	}
	return b, nil
}

// DecodeEnvelope is the inverse of EncodeEnvelope.
func DecodeEnvelope(body []byte) (model.Envelope, error) {
	var env model.Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return env, resilience.Malformed("source: decode envelope: %v", err)
	}
	if env.ExternalID == "" || env.EntityType == "" {
		return env, resilience.Malformed("source: envelope missing entity reference")
	}
	return env, nil
}
