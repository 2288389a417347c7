package model

import "time"

// DeliveryStatus is the lifecycle state of a Delivery.
type DeliveryStatus string

// Delivery statuses.
const (
	DeliveryReceived     DeliveryStatus = "received"
	DeliveryProcessing   DeliveryStatus = "processing"
	DeliveryApplied      DeliveryStatus = "applied"
	DeliveryFailed       DeliveryStatus = "failed"
	DeliveryDeadLettered DeliveryStatus = "dead_lettered"
)

// transitions holds every legal status change. processing -> received is the
// stale-claim reclaim and dead_lettered -> received is an operator replay.
var transitions = map[DeliveryStatus][]DeliveryStatus{
	DeliveryReceived:     {DeliveryProcessing, DeliveryFailed},
	DeliveryProcessing:   {DeliveryApplied, DeliveryFailed, DeliveryReceived},
	DeliveryFailed:       {DeliveryProcessing, DeliveryDeadLettered},
	DeliveryDeadLettered: {DeliveryReceived},
}

// CanTransition reports whether a delivery may move from one status to another.
func CanTransition(from, to DeliveryStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Terminal reports whether no automatic transition leaves s.
func (s DeliveryStatus) Terminal() bool {
	return s == DeliveryApplied || s == DeliveryDeadLettered
}

// Valid reports whether s is a known status.
func (s DeliveryStatus) Valid() bool {
	switch s {
	case DeliveryReceived, DeliveryProcessing, DeliveryApplied, DeliveryFailed, DeliveryDeadLettered:
		return true
	}
	return false
}

// Delivery is one inbound notification attempt, webhook or poll discovered.
type Delivery struct {
	ID                 string            `json:"id"`
	Source             Source            `json:"source"`
	ExternalDeliveryID *string           `json:"external_delivery_id,omitempty"`
	EventType          string            `json:"event_type"`
	TriggeredBy        TriggeredBy       `json:"triggered_by"`
	Status             DeliveryStatus    `json:"status"`
	AttemptCount       int               `json:"attempt_count"`
	RawHeaders         map[string]string `json:"raw_headers,omitempty"`
	RawBody            []byte            `json:"raw_body,omitempty"`
	EntityType         string            `json:"entity_type,omitempty"`
	ExternalID         string            `json:"external_id,omitempty"`
	ReceivedAt         time.Time         `json:"received_at"`
	ClaimedAt          *time.Time        `json:"claimed_at,omitempty"`
	NextAttemptAt      *time.Time        `json:"next_attempt_at,omitempty"`
	ProcessedAt        *time.Time        `json:"processed_at,omitempty"`
	Error              string            `json:"error,omitempty"`
}

// DeliveryFilter selects deliveries for listing.
type DeliveryFilter struct {
	Status DeliveryStatus
	Source Source
	Limit  int
}
