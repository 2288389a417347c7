package model

import "time"

// PollStatus is the outcome of the most recent poll for a watermark.
type PollStatus string

// Poll outcomes.
const (
	PollPending PollStatus = "pending"
	PollOK      PollStatus = "ok"
	PollFailed  PollStatus = "failed"
)

// SyncWatermark tracks incremental poll progress for one (source, entity_type).
type SyncWatermark struct {
	Source         Source     `json:"source"`
	EntityType     string     `json:"entity_type"`
	Cursor         string     `json:"cursor"`
	LastPollAt     *time.Time `json:"last_poll_at,omitempty"`
	LastPollStatus PollStatus `json:"last_poll_status"`
	LastError      string     `json:"last_error,omitempty"`
	LeaseOwner     string     `json:"lease_owner,omitempty"`
	LeaseUntil     *time.Time `json:"lease_until,omitempty"`
	NextPollAt     time.Time  `json:"next_poll_at"`
}

// CircuitBreakerState is the persisted snapshot of one breaker.
type CircuitBreakerState struct {
	Name                string     `json:"name"`
	State               string     `json:"state"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	OpenedAt            *time.Time `json:"opened_at,omitempty"`
	NextProbeAt         *time.Time `json:"next_probe_at,omitempty"`
	UpdatedAt           time.Time  `json:"updated_at"`
}

// ReconciliationSummary reports one reconciliation pass.
type ReconciliationSummary struct {
	Source     Source    `json:"source"`
	EntityType string    `json:"entity_type"`
	Checked    int       `json:"checked"`
	Matched    int       `json:"matched"`
	Healed     int       `json:"healed"`
	Flagged    int       `json:"flagged"`
	Failed     int       `json:"failed"`
	DryRun     bool      `json:"dry_run"`
	Complete   bool      `json:"complete"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}
