// Package workspace adapts document workspace (Notion) page notifications.
// Notifications carry only a page reference; content is always fetched.
package workspace

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/jomei/notionapi"
	"github.com/rotisserie/eris"

	"github.com/sells-group/reconciler/internal/model"
	"github.com/sells-group/reconciler/internal/resilience"
	"github.com/sells-group/reconciler/internal/source"
	"github.com/sells-group/reconciler/internal/verify"
	"github.com/sells-group/reconciler/pkg/notion"
)

// SignatureHeader carries "sha256=<hex hmac>" of the raw body.
const SignatureHeader = "X-Notion-Signature"

type notification struct {
	ID             string `json:"id"`
	Type           string `json:"type"`
	PageID         string `json:"page_id"`
	LastEditedTime string `json:"last_edited_time"`
}

// Processor implements source.Processor for the workspace.
type Processor struct {
	client            notion.Client
	databaseID        string
	verificationToken string
	verifier          verify.HMAC
}

// New creates a workspace processor tracking pages of databaseID.
func New(client notion.Client, databaseID, secret, verificationToken string) *Processor {
	return &Processor{
		client:            client,
		databaseID:        databaseID,
		verificationToken: verificationToken,
		verifier: verify.HMAC{
			Header:   SignatureHeader,
			Secret:   secret,
			Encoding: verify.EncodingHex,
			Prefix:   "sha256=",
		},
	}
}

// Source implements source.Processor.
func (p *Processor) Source() model.Source { return model.SourceWorkspace }

// EntityTypes implements source.Processor.
func (p *Processor) EntityTypes() []string { return []string{model.EntityDocument} }

// Verifier implements source.Processor.
func (p *Processor) Verifier() verify.Verifier { return p.verifier }

// Identify implements source.Processor.
func (p *Processor) Identify(_ http.Header, body []byte) source.Identity {
	var n notification
	if json.Unmarshal(body, &n) != nil {
		return source.Identity{}
	}
	return source.Identity{DeliveryID: n.ID, EventType: n.Type}
}

// Normalize implements source.Processor. The envelope is a reference only,
// except for deletions which need no content.
func (p *Processor) Normalize(_ context.Context, raw source.RawDelivery) ([]model.Envelope, error) {
	var n notification
	if err := json.Unmarshal(raw.Body, &n); err != nil {
		return nil, resilience.Malformed("workspace: decode body: %v", err)
	}
	if !strings.HasPrefix(n.Type, "page.") {
		return nil, resilience.Malformed("workspace: unsupported event %q", n.Type)
	}
	if n.PageID == "" {
		return nil, resilience.Malformed("workspace: missing page_id")
	}
	edited, err := time.Parse(time.RFC3339Nano, n.LastEditedTime)
	if err != nil {
		return nil, resilience.Malformed("workspace: bad last_edited_time %q", n.LastEditedTime)
	}
	edited = edited.UTC()

	return []model.Envelope{{
		Source:          model.SourceWorkspace,
		EventType:       n.Type,
		EntityType:      model.EntityDocument,
		ExternalID:      n.PageID,
		VersionToken:    model.VersionFromTime(edited),
		Tombstone:       n.Type == "page.deleted",
		SourceChangedAt: &edited,
		TriggeredBy:     raw.TriggeredBy,
		DeliveryID:      raw.DeliveryID,
		ReceivedAt:      raw.ReceivedAt,
	}}, nil
}

// Fetch implements source.Fetcher. Archived pages come back as tombstones.
func (p *Processor) Fetch(ctx context.Context, entityType, externalID string) (*model.Envelope, error) {
	if entityType != model.EntityDocument {
		return nil, resilience.Malformed("workspace: cannot fetch %s", entityType)
	}
	page, err := p.client.GetPage(ctx, externalID)
	if err != nil {
		return nil, err
	}
	if page == nil {
		return nil, nil
	}
	env := pageEnvelope(page, "page.fetched")
	return &env, nil
}

// Poll implements source.Poller over the database's last_edited_time.
func (p *Processor) Poll(ctx context.Context, entityType, cursor string) (*source.PollResult, error) {
	if entityType != model.EntityDocument {
		return nil, eris.Errorf("workspace: cannot poll %s", entityType)
	}
	since, ok := source.ParseTimeCursor(cursor)
	if !ok {
		since = time.Unix(0, 0)
	}
	pages, err := notion.QueryEditedSince(ctx, p.client, p.databaseID, since)
	if err != nil {
		return nil, err
	}

	res := &source.PollResult{}
	var newest time.Time
	for i := range pages {
		env := pageEnvelope(&pages[i], "page.polled")
		env.TriggeredBy = model.TriggeredByPoll
		newest = source.MaxTime(newest, pages[i].LastEditedTime)
		res.Envelopes = append(res.Envelopes, env)
	}
	res.NextCursor = source.TimeCursor(newest)
	return res, nil
}

// Snapshot implements source.Snapshotter.
func (p *Processor) Snapshot(ctx context.Context, entityType string) (*source.Snapshot, error) {
	if entityType != model.EntityDocument {
		return nil, eris.Errorf("workspace: cannot snapshot %s", entityType)
	}
	pages, err := notion.QueryAll(ctx, p.client, p.databaseID, nil)
	if err != nil {
		return nil, err
	}
	snap := &source.Snapshot{Complete: true}
	for i := range pages {
		env := pageEnvelope(&pages[i], "page.reconciled")
		env.TriggeredBy = model.TriggeredByReconciliation
		snap.Records = append(snap.Records, env)
	}
	return snap, nil
}

type challengeBody struct {
	VerificationToken string `json:"verification_token"`
}

// Challenge implements source.ChallengeResponder. The workspace posts a
// verification_token once when the subscription is created.
func (p *Processor) Challenge(req source.ChallengeRequest) (*source.ChallengeResponse, error) {
	var b challengeBody
	if err := json.Unmarshal(req.Body, &b); err != nil || b.VerificationToken == "" {
		return nil, resilience.Malformed("workspace: missing verification_token")
	}
	if p.verificationToken != "" && !verify.Equal(b.VerificationToken, p.verificationToken) {
		return nil, eris.Wrap(resilience.ErrSignatureInvalid, "workspace: verification_token mismatch")
	}
	out, err := json.Marshal(map[string]bool{"verified": true})
	if err != nil {
		return nil, eris.Wrap(err, "workspace: encode challenge response")
	}
	return &source.ChallengeResponse{ContentType: "application/json", Body: out}, nil
}

// SummaryFields implements source.Summarizer.
func (p *Processor) SummaryFields(string) []string {
	return []string{"title", "status", "owner", "url"}
}

func pageEnvelope(page *notionapi.Page, event string) model.Envelope {
	edited := page.LastEditedTime.UTC()
	env := model.Envelope{
		Source:          model.SourceWorkspace,
		EventType:       event,
		EntityType:      model.EntityDocument,
		ExternalID:      string(page.ID),
		VersionToken:    model.VersionFromTime(edited),
		SourceChangedAt: &edited,
	}
	if page.Archived {
		env.Tombstone = true
		return env
	}
	env.Fields = notion.PageFields(page)
	return env
}
