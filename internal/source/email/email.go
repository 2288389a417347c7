// Package email adapts Gmail push notifications and mailbox history.
//
// Push notifications only announce a new history id, so they trigger an
// immediate poll instead of producing envelopes.
package email

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/reconciler/internal/model"
	"github.com/sells-group/reconciler/internal/resilience"
	"github.com/sells-group/reconciler/internal/source"
	"github.com/sells-group/reconciler/internal/verify"
	"github.com/sells-group/reconciler/pkg/gworkspace"
)

const (
	defaultLookback = 24 * time.Hour
	defaultLimit    = 200
)

// pushEnvelope is the Pub/Sub push request body.
type pushEnvelope struct {
	Message struct {
		Data        string `json:"data"`
		MessageID   string `json:"messageId"`
		PublishTime string `json:"publishTime"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

// mailboxChange is the decoded Pub/Sub message data.
type mailboxChange struct {
	EmailAddress string `json:"emailAddress"`
	HistoryID    uint64 `json:"historyId"`
}

// Processor implements source.Processor for Gmail.
type Processor struct {
	mail     gworkspace.Mail
	mailbox  string
	verifier verify.Verifier
	lookback time.Duration
	limit    int
	nowFunc  func() time.Time
}

// Option configures a Processor.
type Option func(*Processor)

// WithLookback sets how far back a poll reads when no usable history id
// exists.
func WithLookback(d time.Duration) Option {
	return func(p *Processor) {
		if d > 0 {
			p.lookback = d
		}
	}
}

// New creates a Gmail processor. v normally is a verify.JWT for the push
// subscription's service account.
func New(mail gworkspace.Mail, mailbox string, v verify.Verifier, opts ...Option) *Processor {
	if mailbox == "" {
		mailbox = "me"
	}
	p := &Processor{
		mail:     mail,
		mailbox:  mailbox,
		verifier: v,
		lookback: defaultLookback,
		limit:    defaultLimit,
		nowFunc:  time.Now,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Source implements source.Processor.
func (p *Processor) Source() model.Source { return model.SourceEmail }

// EntityTypes implements source.Processor.
func (p *Processor) EntityTypes() []string { return []string{model.EntityMessage} }

// Verifier implements source.Processor.
func (p *Processor) Verifier() verify.Verifier { return p.verifier }

// Identify implements source.Processor.
func (p *Processor) Identify(_ http.Header, body []byte) source.Identity {
	var push pushEnvelope
	if json.Unmarshal(body, &push) != nil {
		return source.Identity{}
	}
	return source.Identity{DeliveryID: push.Message.MessageID, EventType: "mailbox.changed"}
}

func decodePush(body []byte) (*mailboxChange, error) {
	var push pushEnvelope
	if err := json.Unmarshal(body, &push); err != nil {
		return nil, resilience.Malformed("email: decode push: %v", err)
	}
	data, err := base64.StdEncoding.DecodeString(push.Message.Data)
	if err != nil {
		data, err = base64.URLEncoding.DecodeString(push.Message.Data)
		if err != nil {
			return nil, resilience.Malformed("email: decode message data: %v", err)
		}
	}
	var change mailboxChange
	if err := json.Unmarshal(data, &change); err != nil {
		return nil, resilience.Malformed("email: decode mailbox change: %v", err)
	}
	if change.HistoryID == 0 {
		return nil, resilience.Malformed("email: push without historyId")
	}
	return &change, nil
}

// Normalize implements source.Processor. A push carries no entity data, so
// it validates the payload and yields no envelopes.
func (p *Processor) Normalize(_ context.Context, raw source.RawDelivery) ([]model.Envelope, error) {
	if _, err := decodePush(raw.Body); err != nil {
		return nil, err
	}
	return nil, nil
}

// PollTriggers implements source.PollTrigger.
func (p *Processor) PollTriggers(_ context.Context, raw source.RawDelivery) ([]string, error) {
	change, err := decodePush(raw.Body)
	if err != nil {
		return nil, err
	}
	zap.L().Debug("email: mailbox changed",
		zap.String("mailbox", change.EmailAddress),
		zap.Uint64("history_id", change.HistoryID),
	)
	return []string{model.EntityMessage}, nil
}

// Poll implements source.Poller. The cursor is a Gmail history id.
func (p *Processor) Poll(ctx context.Context, entityType, cursor string) (*source.PollResult, error) {
	if entityType != model.EntityMessage {
		return nil, eris.Errorf("email: cannot poll %s", entityType)
	}

	start, err := strconv.ParseUint(cursor, 10, 64)
	if cursor == "" || err != nil {
		return p.pollWindow(ctx)
	}

	changes, err := p.mail.Changes(ctx, p.mailbox, start)
	if errors.Is(err, gworkspace.ErrCursorExpired) {
		zap.L().Warn("email: history expired, falling back to time window",
			zap.Uint64("history_id", start),
			zap.Duration("lookback", p.lookback),
		)
		return p.pollWindow(ctx)
	}
	if err != nil {
		return nil, err
	}

	res := &source.PollResult{NextCursor: strconv.FormatUint(changes.HistoryID, 10)}
	latest := model.VersionToken(changes.HistoryID)
	for _, id := range changes.Changed {
		env, err := p.message(ctx, id, latest)
		if err != nil {
			return nil, err
		}
		env.TriggeredBy = model.TriggeredByPoll
		res.Envelopes = append(res.Envelopes, *env)
	}
	for _, id := range changes.Deleted {
		env := tombstone(id, latest)
		env.TriggeredBy = model.TriggeredByPoll
		res.Envelopes = append(res.Envelopes, env)
	}
	return res, nil
}

// pollWindow reads recent messages and restarts history from the mailbox's
// current id.
func (p *Processor) pollWindow(ctx context.Context) (*source.PollResult, error) {
	historyID, err := p.mail.Profile(ctx, p.mailbox)
	if err != nil {
		return nil, err
	}
	envs, err := p.recent(ctx, model.VersionToken(historyID))
	if err != nil {
		return nil, err
	}
	for i := range envs {
		envs[i].TriggeredBy = model.TriggeredByPoll
	}
	return &source.PollResult{Envelopes: envs, NextCursor: strconv.FormatUint(historyID, 10)}, nil
}

func (p *Processor) recent(ctx context.Context, latest model.VersionToken) ([]model.Envelope, error) {
	ids, err := p.mail.Recent(ctx, p.mailbox, p.nowFunc().Add(-p.lookback), p.limit)
	if err != nil {
		return nil, err
	}
	out := make([]model.Envelope, 0, len(ids))
	for _, id := range ids {
		env, err := p.message(ctx, id, latest)
		if err != nil {
			return nil, err
		}
		out = append(out, *env)
	}
	return out, nil
}

// message loads one message. A message deleted before it could be read is
// returned as a tombstone at the latest history id.
func (p *Processor) message(ctx context.Context, id string, latest model.VersionToken) (*model.Envelope, error) {
	msg, err := p.mail.Message(ctx, p.mailbox, id)
	if err != nil {
		return nil, err
	}
	if msg == nil {
		env := tombstone(id, latest)
		return &env, nil
	}
	env := messageEnvelope(msg)
	return &env, nil
}

// Fetch implements source.Fetcher.
func (p *Processor) Fetch(ctx context.Context, entityType, externalID string) (*model.Envelope, error) {
	if entityType != model.EntityMessage {
		return nil, resilience.Malformed("email: cannot fetch %s", entityType)
	}
	msg, err := p.mail.Message(ctx, p.mailbox, externalID)
	if err != nil || msg == nil {
		return nil, err
	}
	env := messageEnvelope(msg)
	return &env, nil
}

// Snapshot implements source.Snapshotter. Only the lookback window is read,
// so the snapshot is never complete and absences are not flagged.
func (p *Processor) Snapshot(ctx context.Context, entityType string) (*source.Snapshot, error) {
	if entityType != model.EntityMessage {
		return nil, eris.Errorf("email: cannot snapshot %s", entityType)
	}
	historyID, err := p.mail.Profile(ctx, p.mailbox)
	if err != nil {
		return nil, err
	}
	envs, err := p.recent(ctx, model.VersionToken(historyID))
	if err != nil {
		return nil, err
	}
	for i := range envs {
		envs[i].TriggeredBy = model.TriggeredByReconciliation
	}
	return &source.Snapshot{Records: envs}, nil
}

// SummaryFields implements source.Summarizer.
func (p *Processor) SummaryFields(string) []string {
	return []string{"subject", "from", "thread_id"}
}

func messageEnvelope(m *gworkspace.Message) model.Envelope {
	received := m.InternalDate
	return model.Envelope{
		Source:          model.SourceEmail,
		EventType:       "message.changed",
		EntityType:      model.EntityMessage,
		ExternalID:      m.ID,
		VersionToken:    model.VersionToken(m.HistoryID),
		SourceChangedAt: &received,
		Fields: map[string]any{
			"thread_id":     m.ThreadID,
			"from":          m.From,
			"to":            m.To,
			"subject":       m.Subject,
			"snippet":       m.Snippet,
			"labels":        m.Labels,
			"internal_date": m.InternalDate.Format(time.RFC3339),
		},
	}
}

func tombstone(id string, version model.VersionToken) model.Envelope {
	return model.Envelope{
		Source:       model.SourceEmail,
		EventType:    "message.deleted",
		EntityType:   model.EntityMessage,
		ExternalID:   id,
		VersionToken: version,
		Tombstone:    true,
	}
}
