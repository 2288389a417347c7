// Package crm adapts Salesforce contact notifications to canonical records.
package crm

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/reconciler/internal/model"
	"github.com/sells-group/reconciler/internal/resilience"
	"github.com/sells-group/reconciler/internal/source"
	"github.com/sells-group/reconciler/internal/verify"
	"github.com/sells-group/reconciler/pkg/salesforce"
)

// Header names used by the outbound message relay.
const (
	SignatureHeader  = "X-Signature"
	TimestampHeader  = "X-Timestamp"
	DeliveryIDHeader = "X-Delivery-Id"
)

const defaultPollLimit = 200

// notification is one relayed change. Data is absent for id-only pings.
type notification struct {
	Event        string         `json:"event"`
	ObjectID     string         `json:"object_id"`
	LastModified string         `json:"last_modified"`
	Data         map[string]any `json:"data,omitempty"`
}

// Processor implements source.Processor for the CRM.
type Processor struct {
	client    salesforce.Client
	verifier  verify.HMAC
	secret    string
	pollLimit int
}

// Option configures a Processor.
type Option func(*Processor)

// WithPollLimit caps the rows returned by one poll.
func WithPollLimit(n int) Option {
	return func(p *Processor) {
		if n > 0 {
			p.pollLimit = n
		}
	}
}

// New creates a CRM processor. client may be nil when only webhooks carrying
// full data are expected; fetch, poll and snapshot then fail.
func New(client salesforce.Client, secret string, opts ...Option) *Processor {
	p := &Processor{
		client: client,
		secret: secret,
		verifier: verify.HMAC{
			Header:          SignatureHeader,
			Secret:          secret,
			Encoding:        verify.EncodingHex,
			TimestampHeader: TimestampHeader,
		},
		pollLimit: defaultPollLimit,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Source implements source.Processor.
func (p *Processor) Source() model.Source { return model.SourceCRM }

// EntityTypes implements source.Processor.
func (p *Processor) EntityTypes() []string { return []string{model.EntityContact} }

// Verifier implements source.Processor.
func (p *Processor) Verifier() verify.Verifier { return p.verifier }

// Identify implements source.Processor.
func (p *Processor) Identify(headers http.Header, body []byte) source.Identity {
	id := source.Identity{DeliveryID: headers.Get(DeliveryIDHeader)}
	if ns, err := decode(body); err == nil && len(ns) > 0 {
		id.EventType = ns[0].Event
	}
	return id
}

// decode accepts a single notification or a batch.
func decode(body []byte) ([]notification, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var ns []notification
		if err := json.Unmarshal(trimmed, &ns); err != nil {
			return nil, err
		}
		return ns, nil
	}
	var n notification
	if err := json.Unmarshal(trimmed, &n); err != nil {
		return nil, err
	}
	return []notification{n}, nil
}

// Normalize implements source.Processor.
func (p *Processor) Normalize(_ context.Context, raw source.RawDelivery) ([]model.Envelope, error) {
	ns, err := decode(raw.Body)
	if err != nil {
		return nil, resilience.Malformed("crm: decode body: %v", err)
	}
	if len(ns) == 0 {
		return nil, resilience.Malformed("crm: empty batch")
	}

	out := make([]model.Envelope, 0, len(ns))
	for i, n := range ns {
		env, err := n.envelope()
		if err != nil {
			return nil, eris.Wrapf(err, "crm: notification %d", i)
		}
		env.TriggeredBy = raw.TriggeredBy
		env.DeliveryID = raw.DeliveryID
		env.ReceivedAt = raw.ReceivedAt
		out = append(out, env)
	}
	return out, nil
}

func (n notification) envelope() (model.Envelope, error) {
	entity, action, ok := strings.Cut(n.Event, ".")
	if !ok || entity != model.EntityContact {
		return model.Envelope{}, resilience.Malformed("unsupported event %q", n.Event)
	}
	if n.ObjectID == "" {
		return model.Envelope{}, resilience.Malformed("missing object_id")
	}

	modified := n.LastModified
	if modified == "" {
		if s, ok := n.Data["LastModifiedDate"].(string); ok {
			modified = s
		}
	}
	if modified == "" {
		return model.Envelope{}, resilience.Malformed("missing last_modified for %s", n.ObjectID)
	}
	changed, err := salesforce.ParseTime(modified)
	if err != nil {
		return model.Envelope{}, resilience.Malformed("bad last_modified %q", modified)
	}
	changed = changed.UTC()

	env := model.Envelope{
		Source:          model.SourceCRM,
		EventType:       n.Event,
		EntityType:      entity,
		ExternalID:      n.ObjectID,
		VersionToken:    model.VersionFromTime(changed),
		SourceChangedAt: &changed,
		Tombstone:       action == "deleted",
	}
	if !env.Tombstone && n.Data != nil {
		env.Fields = source.SnakeKeys(n.Data, "Id", "LastModifiedDate", "attributes")
	}
	return env, nil
}

func (p *Processor) requireClient() error {
	if p.client == nil {
		return eris.New("crm: no salesforce client configured")
	}
	return nil
}

// Fetch implements source.Fetcher.
func (p *Processor) Fetch(ctx context.Context, entityType, externalID string) (*model.Envelope, error) {
	if err := p.requireClient(); err != nil {
		return nil, err
	}
	if entityType != model.EntityContact {
		return nil, resilience.Malformed("crm: cannot fetch %s", entityType)
	}
	c, err := salesforce.GetContact(ctx, p.client, externalID)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, nil
	}
	env, err := contactEnvelope(*c, "contact.fetched")
	if err != nil {
		return nil, err
	}
	return &env, nil
}

// Poll implements source.Poller. The cursor is the newest LastModifiedDate
// already applied. It pages by (LastModifiedDate, Id) until a short page so
// a bulk update larger than one page cannot pin the cursor in place.
func (p *Processor) Poll(ctx context.Context, entityType, cursor string) (*source.PollResult, error) {
	if err := p.requireClient(); err != nil {
		return nil, err
	}
	if entityType != model.EntityContact {
		return nil, eris.Errorf("crm: cannot poll %s", entityType)
	}

	since, ok := source.ParseTimeCursor(cursor)
	if !ok {
		since = time.Unix(0, 0)
	}

	res := &source.PollResult{}
	var newest time.Time
	var after *salesforce.ContactKey
	for {
		contacts, err := salesforce.ContactsModifiedSince(ctx, p.client, since, after, p.pollLimit)
		if err != nil {
			return nil, err
		}
		for _, c := range contacts {
			env, err := contactEnvelope(c, "contact.polled")
			if err != nil {
				return nil, err
			}
			env.TriggeredBy = model.TriggeredByPoll
			newest = source.MaxTime(newest, *env.SourceChangedAt)
			res.Envelopes = append(res.Envelopes, env)
		}
		if len(contacts) < p.pollLimit {
			break
		}
		last := res.Envelopes[len(res.Envelopes)-1]
		after = &salesforce.ContactKey{Modified: *last.SourceChangedAt, ID: last.ExternalID}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}
	res.NextCursor = source.TimeCursor(newest)
	return res, nil
}

// Snapshot implements source.Snapshotter.
func (p *Processor) Snapshot(ctx context.Context, entityType string) (*source.Snapshot, error) {
	if err := p.requireClient(); err != nil {
		return nil, err
	}
	if entityType != model.EntityContact {
		return nil, eris.Errorf("crm: cannot snapshot %s", entityType)
	}
	contacts, err := salesforce.AllContacts(ctx, p.client)
	if err != nil {
		return nil, err
	}
	snap := &source.Snapshot{Complete: true}
	for _, c := range contacts {
		env, err := contactEnvelope(c, "contact.reconciled")
		if err != nil {
			return nil, err
		}
		env.TriggeredBy = model.TriggeredByReconciliation
		snap.Records = append(snap.Records, env)
	}
	return snap, nil
}

// Challenge implements source.ChallengeResponder. The relay sends
// ?challenge=<nonce> and expects the keyed hash back as plain text.
func (p *Processor) Challenge(req source.ChallengeRequest) (*source.ChallengeResponse, error) {
	nonce := req.Query.Get("challenge")
	if nonce == "" {
		return nil, resilience.Malformed("crm: missing challenge parameter")
	}
	return &source.ChallengeResponse{
		ContentType: "text/plain",
		Body:        []byte(verify.Challenge(p.secret, nonce)),
	}, nil
}

// SummaryFields implements source.Summarizer.
func (p *Processor) SummaryFields(string) []string {
	return []string{"name", "email", "title", "account_id"}
}

func contactEnvelope(c salesforce.Contact, event string) (model.Envelope, error) {
	changed, err := c.LastModified()
	if err != nil {
		return model.Envelope{}, resilience.Malformed("crm: contact %s: %v", c.ID, err)
	}
	changed = changed.UTC()
	return model.Envelope{
		Source:          model.SourceCRM,
		EventType:       event,
		EntityType:      model.EntityContact,
		ExternalID:      c.ID,
		VersionToken:    model.VersionFromTime(changed),
		Fields:          c.Fields(),
		SourceChangedAt: &changed,
	}, nil
}
