// Package ledger adapts accounting ledger invoices and transactions.
package ledger

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/reconciler/internal/model"
	"github.com/sells-group/reconciler/internal/resilience"
	"github.com/sells-group/reconciler/internal/source"
	"github.com/sells-group/reconciler/internal/verify"
	"github.com/sells-group/reconciler/pkg/ledgerapi"
)

// Header names set by the ledger's webhook sender.
const (
	SignatureHeader  = "X-Ledger-Signature"
	DeliveryIDHeader = "X-Ledger-Delivery"
)

const pageSize = 100

var entityTypes = []string{model.EntityInvoice, model.EntityTransaction}

type notification struct {
	Type     string         `json:"type"`
	ID       string         `json:"id"`
	Revision int64          `json:"revision"`
	Entity   string         `json:"entity"`
	Deleted  bool           `json:"deleted"`
	Data     map[string]any `json:"data,omitempty"`
}

// Processor implements source.Processor for the ledger.
type Processor struct {
	client   ledgerapi.Client
	verifier verify.HMAC
}

// New creates a ledger processor.
func New(client ledgerapi.Client, secret string) *Processor {
	return &Processor{
		client: client,
		verifier: verify.HMAC{
			Header:   SignatureHeader,
			Secret:   secret,
			Encoding: verify.EncodingBase64,
		},
	}
}

// Source implements source.Processor.
func (p *Processor) Source() model.Source { return model.SourceLedger }

// EntityTypes implements source.Processor.
func (p *Processor) EntityTypes() []string { return entityTypes }

// Verifier implements source.Processor.
func (p *Processor) Verifier() verify.Verifier { return p.verifier }

// Identify implements source.Processor.
func (p *Processor) Identify(headers http.Header, body []byte) source.Identity {
	id := source.Identity{DeliveryID: headers.Get(DeliveryIDHeader)}
	var n notification
	if json.Unmarshal(body, &n) == nil {
		id.EventType = n.Type
	}
	return id
}

func supported(entity string) bool {
	for _, e := range entityTypes {
		if e == entity {
			return true
		}
	}
	return false
}

// Normalize implements source.Processor.
func (p *Processor) Normalize(_ context.Context, raw source.RawDelivery) ([]model.Envelope, error) {
	var n notification
	if err := json.Unmarshal(raw.Body, &n); err != nil {
		return nil, resilience.Malformed("ledger: decode body: %v", err)
	}
	if !supported(n.Entity) {
		return nil, resilience.Malformed("ledger: unsupported entity %q", n.Entity)
	}
	if n.ID == "" {
		return nil, resilience.Malformed("ledger: missing id")
	}
	if n.Revision <= 0 {
		return nil, resilience.Malformed("ledger: %s %s has no revision", n.Entity, n.ID)
	}

	env := model.Envelope{
		Source:       model.SourceLedger,
		EventType:    n.Type,
		EntityType:   n.Entity,
		ExternalID:   n.ID,
		VersionToken: model.VersionToken(n.Revision),
		Tombstone:    n.Deleted,
		TriggeredBy:  raw.TriggeredBy,
		DeliveryID:   raw.DeliveryID,
		ReceivedAt:   raw.ReceivedAt,
	}
	if !n.Deleted && n.Data != nil {
		env.Fields = source.SnakeKeys(n.Data)
	}
	return []model.Envelope{env}, nil
}

// Fetch implements source.Fetcher.
func (p *Processor) Fetch(ctx context.Context, entityType, externalID string) (*model.Envelope, error) {
	if !supported(entityType) {
		return nil, resilience.Malformed("ledger: cannot fetch %s", entityType)
	}
	rec, err := p.client.Get(ctx, entityType, externalID)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, nil
	}
	env := recordEnvelope(entityType, *rec, entityType+".fetched")
	return &env, nil
}

// Poll implements source.Poller. The cursor is the newest updated_at seen.
func (p *Processor) Poll(ctx context.Context, entityType, cursor string) (*source.PollResult, error) {
	since, _ := source.ParseTimeCursor(cursor)
	recs, err := p.listAll(ctx, entityType, since)
	if err != nil {
		return nil, err
	}

	res := &source.PollResult{}
	var newest time.Time
	for _, r := range recs {
		env := recordEnvelope(entityType, r, entityType+".polled")
		env.TriggeredBy = model.TriggeredByPoll
		newest = source.MaxTime(newest, r.UpdatedAt)
		res.Envelopes = append(res.Envelopes, env)
	}
	res.NextCursor = source.TimeCursor(newest)
	return res, nil
}

// Snapshot implements source.Snapshotter. Deleted records are returned as
// tombstones so they are not flagged as missing.
func (p *Processor) Snapshot(ctx context.Context, entityType string) (*source.Snapshot, error) {
	recs, err := p.listAll(ctx, entityType, time.Time{})
	if err != nil {
		return nil, err
	}
	snap := &source.Snapshot{Complete: true}
	for _, r := range recs {
		env := recordEnvelope(entityType, r, entityType+".reconciled")
		env.TriggeredBy = model.TriggeredByReconciliation
		snap.Records = append(snap.Records, env)
	}
	return snap, nil
}

func (p *Processor) listAll(ctx context.Context, entityType string, since time.Time) ([]ledgerapi.Record, error) {
	if !supported(entityType) {
		return nil, eris.Errorf("ledger: unsupported entity %q", entityType)
	}
	var out []ledgerapi.Record
	opts := ledgerapi.ListOptions{UpdatedSince: since, Limit: pageSize}
	for {
		page, err := p.client.List(ctx, entityType, opts)
		if err != nil {
			return nil, err
		}
		out = append(out, page.Records...)
		if page.NextPageToken == "" {
			return out, nil
		}
		opts.PageToken = page.NextPageToken
	}
}

// SummaryFields implements source.Summarizer.
func (p *Processor) SummaryFields(entityType string) []string {
	if entityType == model.EntityTransaction {
		return []string{"amount", "currency", "status", "counterparty"}
	}
	return []string{"number", "amount", "currency", "status", "due_date"}
}

func recordEnvelope(entityType string, r ledgerapi.Record, event string) model.Envelope {
	changed := r.UpdatedAt.UTC()
	env := model.Envelope{
		Source:       model.SourceLedger,
		EventType:    event,
		EntityType:   entityType,
		ExternalID:   r.ID,
		VersionToken: model.VersionToken(r.Revision),
		Tombstone:    r.Deleted,
	}
	if !changed.IsZero() {
		env.SourceChangedAt = &changed
	}
	if !r.Deleted {
		env.Fields = source.SnakeKeys(r.Data)
		if env.Fields == nil {
			env.Fields = map[string]any{}
		}
	}
	return env
}
