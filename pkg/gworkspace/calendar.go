package gworkspace

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"google.golang.org/api/calendar/v3"
)

const maxCalendarResults = 250 // Google Calendar API max per page

// Calendar is the Google Calendar surface used by the calendar source.
type Calendar interface {
	// Changes lists events changed since syncToken, or since updatedMin when
	// syncToken is empty. It returns ErrCursorExpired on 410 Gone.
	Changes(ctx context.Context, calendarID, syncToken string, updatedMin time.Time) (*EventsPage, error)
	// Event returns nil when the event does not exist.
	Event(ctx context.Context, calendarID, id string) (*Event, error)
}

// EventsPage holds every changed event and the token for the next sync.
type EventsPage struct {
	Events        []Event
	NextSyncToken string
}

// Event is a calendar event flattened to the fields we track.
type Event struct {
	ID          string
	Status      string
	Summary     string
	Description string
	Location    string
	Start       string
	End         string
	Organizer   string
	Attendees   []string
	Updated     time.Time
}

// Cancelled reports whether the event was deleted or cancelled.
func (e Event) Cancelled() bool { return e.Status == "cancelled" }

type calendarClient struct {
	svc *calendar.Service
}

// NewCalendar creates a Calendar client. endpoint overrides the API base
// URL and is empty outside tests.
func NewCalendar(ctx context.Context, hc *http.Client, endpoint string) (Calendar, error) {
	svc, err := calendar.NewService(ctx, serviceOptions(hc, endpoint)...)
	if err != nil {
		return nil, eris.Wrap(err, "gworkspace: create calendar service")
	}
	return &calendarClient{svc: svc}, nil
}

func (c *calendarClient) Changes(ctx context.Context, calendarID, syncToken string, updatedMin time.Time) (*EventsPage, error) {
	out := &EventsPage{}
	pageToken := ""
	for {
		call := c.svc.Events.List(calendarID).
			MaxResults(maxCalendarResults).
			ShowDeleted(true).
			SingleEvents(true).
			Context(ctx)
		if syncToken != "" {
			call = call.SyncToken(syncToken)
		} else if !updatedMin.IsZero() {
			call = call.UpdatedMin(updatedMin.UTC().Format(time.RFC3339))
		}
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}

		resp, err := call.Do()
		if err != nil {
			if statusOf(err) == http.StatusGone {
				return nil, eris.Wrap(ErrCursorExpired, "calendar: sync token")
			}
			return nil, classify(err, "calendar: list events")
		}

		for _, ev := range resp.Items {
			out.Events = append(out.Events, convertEvent(ev))
		}
		pageToken = resp.NextPageToken
		if pageToken == "" {
			out.NextSyncToken = resp.NextSyncToken
			return out, nil
		}
	}
}

func (c *calendarClient) Event(ctx context.Context, calendarID, id string) (*Event, error) {
	ev, err := c.svc.Events.Get(calendarID, id).Context(ctx).Do()
	if err != nil {
		if statusOf(err) == http.StatusNotFound {
			return nil, nil
		}
		return nil, classify(err, fmt.Sprintf("calendar: get event %s", id))
	}
	out := convertEvent(ev)
	return &out, nil
}

func convertEvent(ev *calendar.Event) Event {
	out := Event{
		ID:          ev.Id,
		Status:      ev.Status,
		Summary:     ev.Summary,
		Description: ev.Description,
		Location:    ev.Location,
		Start:       eventTime(ev.Start),
		End:         eventTime(ev.End),
	}
	if ev.Organizer != nil {
		out.Organizer = ev.Organizer.Email
	}
	for _, a := range ev.Attendees {
		if a != nil && a.Email != "" {
			out.Attendees = append(out.Attendees, a.Email)
		}
	}
	if t, err := time.Parse(time.RFC3339Nano, ev.Updated); err == nil {
		out.Updated = t.UTC()
	}
	return out
}

// eventTime prefers the timed start and falls back to the all-day date.
func eventTime(t *calendar.EventDateTime) string {
	if t == nil {
		return ""
	}
	if t.DateTime != "" {
		return t.DateTime
	}
	return t.Date
}
