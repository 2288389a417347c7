package model

import "time"

// UpsertAction is the outcome of applying an envelope.
type UpsertAction string

// Upsert outcomes. Only created, updated and tombstoned emit an event.
const (
	ActionCreated      UpsertAction = "created"
	ActionUpdated      UpsertAction = "updated"
	ActionTombstoned   UpsertAction = "tombstoned"
	ActionSkippedStale UpsertAction = "skipped_stale"
)

// Changed reports whether the action mutated the canonical store.
func (a UpsertAction) Changed() bool {
	return a == ActionCreated || a == ActionUpdated || a == ActionTombstoned
}

// IntegrationEvent is an immutable record of one applied change.
type IntegrationEvent struct {
	ID                string         `json:"id"`
	Seq               int64          `json:"seq"`
	Source            Source         `json:"source"`
	EventType         string         `json:"event_type"`
	EntityType        string         `json:"entity_type"`
	EntityExternalID  string         `json:"entity_external_id"`
	CanonicalRecordID string         `json:"canonical_record_id"`
	Action            UpsertAction   `json:"action"`
	SummaryPayload    map[string]any `json:"summary_payload"`
	TriggeredBy       TriggeredBy    `json:"triggered_by"`
	LatencyMS         int64          `json:"latency_ms"`
	CreatedAt         time.Time      `json:"created_at"`
}
