// Package model defines the persisted entities of the reconciliation layer.
package model

// Source identifies an external system of record.
type Source string

// Supported sources.
const (
	SourceCRM       Source = "crm"
	SourceLedger    Source = "ledger"
	SourceWorkspace Source = "workspace"
	SourceEmail     Source = "email"
	SourceCalendar  Source = "calendar"
)

// AllSources lists every known source in a stable order.
var AllSources = []Source{SourceCRM, SourceLedger, SourceWorkspace, SourceEmail, SourceCalendar}

// Valid reports whether s is a known source.
func (s Source) Valid() bool {
	for _, known := range AllSources {
		if s == known {
			return true
		}
	}
	return false
}

func (s Source) String() string { return string(s) }

// TriggeredBy records which entry point produced an envelope.
type TriggeredBy string

// Entry points.
const (
	TriggeredByWebhook        TriggeredBy = "webhook"
	TriggeredByPoll           TriggeredBy = "poll"
	TriggeredByReconciliation TriggeredBy = "reconciliation"
)

// Direction is the flow of a field write relative to the canonical store.
type Direction string

// Directions.
const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// Entity types tracked by the canonical store.
const (
	EntityContact       = "contact"
	EntityInvoice       = "invoice"
	EntityTransaction   = "transaction"
	EntityDocument      = "document"
	EntityMessage       = "message"
	EntityCalendarEvent = "calendar_event"
)
