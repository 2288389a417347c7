// Package calendar adapts Google Calendar push channels and incremental
// event sync.
package calendar

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/reconciler/internal/model"
	"github.com/sells-group/reconciler/internal/resilience"
	"github.com/sells-group/reconciler/internal/source"
	"github.com/sells-group/reconciler/internal/verify"
	"github.com/sells-group/reconciler/pkg/gworkspace"
)

// Push channel headers.
const (
	ChannelIDHeader     = "X-Goog-Channel-Id"
	ChannelTokenHeader  = "X-Goog-Channel-Token"
	ResourceStateHeader = "X-Goog-Resource-State"
	MessageNumberHeader = "X-Goog-Message-Number"
)

const defaultLookback = 30 * 24 * time.Hour

// Processor implements source.Processor for Google Calendar.
type Processor struct {
	cal        gworkspace.Calendar
	calendarID string
	verifier   verify.SharedSecret
	lookback   time.Duration
	nowFunc    func() time.Time
}

// New creates a calendar processor. secret is the token given to the push
// channel when it was opened.
func New(cal gworkspace.Calendar, calendarID, secret string) *Processor {
	if calendarID == "" {
		calendarID = "primary"
	}
	return &Processor{
		cal:        cal,
		calendarID: calendarID,
		verifier:   verify.SharedSecret{Header: ChannelTokenHeader, Secret: secret},
		lookback:   defaultLookback,
		nowFunc:    time.Now,
	}
}

// Source implements source.Processor.
func (p *Processor) Source() model.Source { return model.SourceCalendar }

// EntityTypes implements source.Processor.
func (p *Processor) EntityTypes() []string { return []string{model.EntityCalendarEvent} }

// Verifier implements source.Processor.
func (p *Processor) Verifier() verify.Verifier { return p.verifier }

// Identify implements source.Processor. Message numbers are only unique
// within a channel.
func (p *Processor) Identify(headers http.Header, _ []byte) source.Identity {
	id := source.Identity{EventType: "channel." + headers.Get(ResourceStateHeader)}
	if ch, n := headers.Get(ChannelIDHeader), headers.Get(MessageNumberHeader); ch != "" && n != "" {
		id.DeliveryID = ch + ":" + n
	}
	return id
}

func resourceState(headers http.Header) (string, error) {
	state := headers.Get(ResourceStateHeader)
	switch state {
	case "sync", "exists", "not_exists":
		return state, nil
	case "":
		return "", resilience.Malformed("calendar: missing %s", ResourceStateHeader)
	default:
		return "", resilience.Malformed("calendar: unknown resource state %q", state)
	}
}

// Normalize implements source.Processor. Channel pings carry no event data.
func (p *Processor) Normalize(_ context.Context, raw source.RawDelivery) ([]model.Envelope, error) {
	if _, err := resourceState(raw.Headers); err != nil {
		return nil, err
	}
	return nil, nil
}

// PollTriggers implements source.PollTrigger. The initial "sync" message
// only confirms the channel.
func (p *Processor) PollTriggers(_ context.Context, raw source.RawDelivery) ([]string, error) {
	state, err := resourceState(raw.Headers)
	if err != nil {
		return nil, err
	}
	if state == "sync" {
		return nil, nil
	}
	return []string{model.EntityCalendarEvent}, nil
}

// Poll implements source.Poller. The cursor is the Calendar sync token; a
// 410 Gone restarts from a time window.
func (p *Processor) Poll(ctx context.Context, entityType, cursor string) (*source.PollResult, error) {
	if entityType != model.EntityCalendarEvent {
		return nil, eris.Errorf("calendar: cannot poll %s", entityType)
	}

	var updatedMin time.Time
	if cursor == "" {
		updatedMin = p.nowFunc().Add(-p.lookback)
	}
	page, err := p.cal.Changes(ctx, p.calendarID, cursor, updatedMin)
	if errors.Is(err, gworkspace.ErrCursorExpired) {
		zap.L().Warn("calendar: sync token expired, falling back to time window",
			zap.String("calendar_id", p.calendarID),
			zap.Duration("lookback", p.lookback),
		)
		page, err = p.cal.Changes(ctx, p.calendarID, "", p.nowFunc().Add(-p.lookback))
	}
	if err != nil {
		return nil, err
	}

	res := &source.PollResult{NextCursor: page.NextSyncToken}
	for _, ev := range page.Events {
		env := p.eventEnvelope(ev)
		env.TriggeredBy = model.TriggeredByPoll
		res.Envelopes = append(res.Envelopes, env)
	}
	return res, nil
}

// Fetch implements source.Fetcher.
func (p *Processor) Fetch(ctx context.Context, entityType, externalID string) (*model.Envelope, error) {
	if entityType != model.EntityCalendarEvent {
		return nil, resilience.Malformed("calendar: cannot fetch %s", entityType)
	}
	ev, err := p.cal.Event(ctx, p.calendarID, externalID)
	if err != nil || ev == nil {
		return nil, err
	}
	env := p.eventEnvelope(*ev)
	return &env, nil
}

// Snapshot implements source.Snapshotter by listing the whole calendar,
// cancelled events included.
func (p *Processor) Snapshot(ctx context.Context, entityType string) (*source.Snapshot, error) {
	if entityType != model.EntityCalendarEvent {
		return nil, eris.Errorf("calendar: cannot snapshot %s", entityType)
	}
	page, err := p.cal.Changes(ctx, p.calendarID, "", time.Time{})
	if err != nil {
		return nil, err
	}
	snap := &source.Snapshot{Complete: true}
	for _, ev := range page.Events {
		env := p.eventEnvelope(ev)
		env.TriggeredBy = model.TriggeredByReconciliation
		snap.Records = append(snap.Records, env)
	}
	return snap, nil
}

// SummaryFields implements source.Summarizer.
func (p *Processor) SummaryFields(string) []string {
	return []string{"summary", "start", "organizer", "status"}
}

func (p *Processor) eventEnvelope(ev gworkspace.Event) model.Envelope {
	updated := ev.Updated
	if updated.IsZero() {
		// Cancelled instances may omit updated; order them at observation.
		updated = p.nowFunc().UTC()
	}
	env := model.Envelope{
		Source:          model.SourceCalendar,
		EventType:       "event." + ev.Status,
		EntityType:      model.EntityCalendarEvent,
		ExternalID:      ev.ID,
		VersionToken:    model.VersionFromTime(updated),
		SourceChangedAt: &updated,
		Tombstone:       ev.Cancelled(),
	}
	if !env.Tombstone {
		env.Fields = map[string]any{
			"summary":     ev.Summary,
			"description": ev.Description,
			"location":    ev.Location,
			"start":       ev.Start,
			"end":         ev.End,
			"organizer":   ev.Organizer,
			"attendees":   ev.Attendees,
			"status":      ev.Status,
		}
	}
	return env
}
