package model

import "time"

// Envelope is one normalized change notification, independent of source wire format.
type Envelope struct {
	Source          Source         `json:"source"`
	EventType       string         `json:"event_type"`
	EntityType      string         `json:"entity_type"`
	ExternalID      string         `json:"external_id"`
	VersionToken    VersionToken   `json:"version_token"`
	Fields          map[string]any `json:"fields,omitempty"`
	Tombstone       bool           `json:"tombstone,omitempty"`
	TriggeredBy     TriggeredBy    `json:"triggered_by"`
	DeliveryID      string         `json:"delivery_id,omitempty"`
	SourceChangedAt *time.Time     `json:"source_changed_at,omitempty"`
	ReceivedAt      time.Time      `json:"received_at"`
}

// Key returns the identity of the entity the envelope changes.
func (e *Envelope) Key() RecordKey {
	return RecordKey{Source: e.Source, EntityType: e.EntityType, ExternalID: e.ExternalID}
}

// Incomplete reports whether the envelope carries only a reference and must be
// enriched by a fetch-by-id before it can be applied.
func (e *Envelope) Incomplete() bool {
	return !e.Tombstone && e.Fields == nil
}
