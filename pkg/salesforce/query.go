package salesforce

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rotisserie/eris"
)

// Contact represents a Salesforce Contact record.
type Contact struct {
	ID               string `json:"Id" salesforce:"Id"`
	FirstName        string `json:"FirstName" salesforce:"FirstName"`
	LastName         string `json:"LastName" salesforce:"LastName"`
	Name             string `json:"Name" salesforce:"Name"`
	Email            string `json:"Email" salesforce:"Email"`
	Phone            string `json:"Phone" salesforce:"Phone"`
	Title            string `json:"Title" salesforce:"Title"`
	AccountID        string `json:"AccountId" salesforce:"AccountId"`
	LeadSource       string `json:"LeadSource" salesforce:"LeadSource"`
	LastModifiedDate string `json:"LastModifiedDate" salesforce:"LastModifiedDate"`
}

// LastModified parses LastModifiedDate. Salesforce renders it as
// 2006-01-02T15:04:05.000+0000.
func (c Contact) LastModified() (time.Time, error) {
	return ParseTime(c.LastModifiedDate)
}

// Fields returns the contact as a canonical field map.
func (c Contact) Fields() map[string]any {
	return map[string]any{
		"first_name":  c.FirstName,
		"last_name":   c.LastName,
		"name":        c.Name,
		"email":       c.Email,
		"phone":       c.Phone,
		"title":       c.Title,
		"account_id":  c.AccountID,
		"lead_source": c.LeadSource,
	}
}

// contactFields are the SOQL fields selected for Contact queries.
var contactFields = []string{
	"Id", "FirstName", "LastName", "Name", "Email", "Phone", "Title",
	"AccountId", "LeadSource", "LastModifiedDate",
}

const sfTimeLayout = "2006-01-02T15:04:05.000-0700"

// ParseTime parses a Salesforce datetime, falling back to RFC 3339.
func ParseTime(s string) (time.Time, error) {
	if t, err := time.Parse(sfTimeLayout, s); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, eris.Wrapf(err, "sf: parse time %q", s)
	}
	return t, nil
}

// FormatTime renders t as a SOQL datetime literal.
func FormatTime(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05Z")
}

// GetContact queries Salesforce for a Contact by its ID.
// Returns nil if no contact is found.
func GetContact(ctx context.Context, c Client, id string) (*Contact, error) {
	soql := fmt.Sprintf(
		"SELECT %s FROM Contact WHERE Id = '%s' LIMIT 1",
		strings.Join(contactFields, ", "),
		escapeSoql(id),
	)

	var contacts []Contact
	if err := c.Query(ctx, soql, &contacts); err != nil {
		return nil, eris.Wrap(err, fmt.Sprintf("sf: get contact %s", id))
	}
	if len(contacts) == 0 {
		return nil, nil
	}
	return &contacts[0], nil
}

// ContactKey is a position in (LastModifiedDate, Id) order.
type ContactKey struct {
	Modified time.Time
	ID       string
}

// ContactsModifiedSince returns up to limit contacts with LastModifiedDate
// >= since, ordered by (LastModifiedDate, Id). A non-nil after resumes
// strictly past that key so rows sharing one timestamp page cleanly.
func ContactsModifiedSince(ctx context.Context, c Client, since time.Time, after *ContactKey, limit int) ([]Contact, error) {
	where := "LastModifiedDate >= " + FormatTime(since)
	if after != nil {
		at := FormatTime(after.Modified)
		where += fmt.Sprintf(" AND (LastModifiedDate > %s OR (LastModifiedDate = %s AND Id > '%s'))",
			at, at, escapeSoql(after.ID))
	}
	soql := fmt.Sprintf(
		"SELECT %s FROM Contact WHERE %s ORDER BY LastModifiedDate ASC, Id ASC LIMIT %d",
		strings.Join(contactFields, ", "),
		where,
		limit,
	)

	var contacts []Contact
	if err := c.Query(ctx, soql, &contacts); err != nil {
		return nil, eris.Wrap(err, "sf: contacts modified since")
	}
	return contacts, nil
}

// AllContacts returns every contact visible to the integration user.
func AllContacts(ctx context.Context, c Client) ([]Contact, error) {
	soql := fmt.Sprintf("SELECT %s FROM Contact ORDER BY Id", strings.Join(contactFields, ", "))

	var contacts []Contact
	if err := c.Query(ctx, soql, &contacts); err != nil {
		return nil, eris.Wrap(err, "sf: all contacts")
	}
	return contacts, nil
}

// escapeSoql escapes single quotes in SOQL string literals to prevent injection.
func escapeSoql(s string) string {
	return strings.ReplaceAll(s, "'", "\\'")
}
