package gworkspace

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"google.golang.org/api/gmail/v1"
)

const maxGmailResults = 500

// Mail is the Gmail surface used by the email source.
type Mail interface {
	// Profile returns the mailbox's current history id.
	Profile(ctx context.Context, user string) (uint64, error)
	// Changes lists messages touched since startHistoryID. It returns
	// ErrCursorExpired when Gmail no longer holds that history.
	Changes(ctx context.Context, user string, startHistoryID uint64) (*MailChanges, error)
	// Recent lists message ids received after since, newest first.
	Recent(ctx context.Context, user string, since time.Time, limit int) ([]string, error)
	// Message returns nil when the message no longer exists.
	Message(ctx context.Context, user, id string) (*Message, error)
}

// MailChanges is the net effect of a history range.
type MailChanges struct {
	Changed   []string
	Deleted   []string
	HistoryID uint64
}

// Message is the metadata view of a Gmail message.
type Message struct {
	ID           string
	ThreadID     string
	HistoryID    uint64
	InternalDate time.Time
	From         string
	To           string
	Subject      string
	Snippet      string
	Labels       []string
}

type gmailClient struct {
	svc *gmail.Service
}

// NewMail creates a Mail client. endpoint overrides the API base URL and
// is empty outside tests.
func NewMail(ctx context.Context, hc *http.Client, endpoint string) (Mail, error) {
	svc, err := gmail.NewService(ctx, serviceOptions(hc, endpoint)...)
	if err != nil {
		return nil, eris.Wrap(err, "gworkspace: create gmail service")
	}
	return &gmailClient{svc: svc}, nil
}

func (c *gmailClient) Profile(ctx context.Context, user string) (uint64, error) {
	p, err := c.svc.Users.GetProfile(user).Context(ctx).Do()
	if err != nil {
		return 0, classify(err, "gmail: get profile")
	}
	return p.HistoryId, nil
}

func (c *gmailClient) Changes(ctx context.Context, user string, startHistoryID uint64) (*MailChanges, error) {
	out := &MailChanges{HistoryID: startHistoryID}
	changed := make(map[string]bool)
	deleted := make(map[string]bool)
	pageToken := ""

	for {
		call := c.svc.Users.History.List(user).
			StartHistoryId(startHistoryID).
			MaxResults(maxGmailResults).
			HistoryTypes("messageAdded", "messageDeleted", "labelAdded", "labelRemoved").
			Context(ctx)
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}

		resp, err := call.Do()
		if err != nil {
			if statusOf(err) == http.StatusNotFound {
				return nil, eris.Wrapf(ErrCursorExpired, "gmail: history %d", startHistoryID)
			}
			return nil, classify(err, "gmail: list history")
		}

		for _, h := range resp.History {
			for _, m := range h.MessagesAdded {
				if m.Message != nil {
					changed[m.Message.Id] = true
				}
			}
			for _, m := range h.LabelsAdded {
				if m.Message != nil {
					changed[m.Message.Id] = true
				}
			}
			for _, m := range h.LabelsRemoved {
				if m.Message != nil {
					changed[m.Message.Id] = true
				}
			}
			for _, m := range h.MessagesDeleted {
				if m.Message != nil {
					deleted[m.Message.Id] = true
				}
			}
		}
		if resp.HistoryId > out.HistoryID {
			out.HistoryID = resp.HistoryId
		}

		pageToken = resp.NextPageToken
		if pageToken == "" {
			break
		}
	}

	for id := range changed {
		if !deleted[id] {
			out.Changed = append(out.Changed, id)
		}
	}
	for id := range deleted {
		out.Deleted = append(out.Deleted, id)
	}
	return out, nil
}

func (c *gmailClient) Recent(ctx context.Context, user string, since time.Time, limit int) ([]string, error) {
	var ids []string
	pageToken := ""
	for {
		call := c.svc.Users.Messages.List(user).
			Q(fmt.Sprintf("after:%d", since.Unix())).
			MaxResults(maxGmailResults).
			Context(ctx)
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}
		resp, err := call.Do()
		if err != nil {
			return nil, classify(err, "gmail: list messages")
		}
		for _, m := range resp.Messages {
			ids = append(ids, m.Id)
			if limit > 0 && len(ids) >= limit {
				return ids, nil
			}
		}
		pageToken = resp.NextPageToken
		if pageToken == "" {
			return ids, nil
		}
	}
}

func (c *gmailClient) Message(ctx context.Context, user, id string) (*Message, error) {
	m, err := c.svc.Users.Messages.Get(user, id).
		Format("metadata").
		MetadataHeaders("From", "To", "Subject").
		Context(ctx).
		Do()
	if err != nil {
		if statusOf(err) == http.StatusNotFound {
			return nil, nil
		}
		return nil, classify(err, fmt.Sprintf("gmail: get message %s", id))
	}

	out := &Message{
		ID:           m.Id,
		ThreadID:     m.ThreadId,
		HistoryID:    m.HistoryId,
		InternalDate: time.UnixMilli(m.InternalDate).UTC(),
		Snippet:      m.Snippet,
		Labels:       m.LabelIds,
	}
	if m.Payload != nil {
		for _, h := range m.Payload.Headers {
			switch h.Name {
			case "From":
				out.From = h.Value
			case "To":
				out.To = h.Value
			case "Subject":
				out.Subject = h.Value
			}
		}
	}
	return out, nil
}
