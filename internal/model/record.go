package model

import "time"

// VersionToken orders writes for one entity. It is either a monotonic revision
// number or the source last_modified time in unix nanoseconds.
type VersionToken int64

// VersionFromTime converts a source modification time into a token.
func VersionFromTime(t time.Time) VersionToken {
	return VersionToken(t.UTC().UnixNano())
}

// RecordKey uniquely identifies a canonical record.
type RecordKey struct {
	Source     Source `json:"source"`
	EntityType string `json:"entity_type"`
	ExternalID string `json:"external_id"`
}

func (k RecordKey) String() string {
	return string(k.Source) + "/" + k.EntityType + "/" + k.ExternalID
}

// CanonicalRecord is the merged internal state of one external entity.
type CanonicalRecord struct {
	ID                 string         `json:"id"`
	Source             Source         `json:"source"`
	EntityType         string         `json:"entity_type"`
	ExternalID         string         `json:"external_id"`
	VersionToken       VersionToken   `json:"version_token"`
	Fields             map[string]any `json:"fields"`
	CreatedAt          time.Time      `json:"created_at"`
	UpdatedAt          time.Time      `json:"updated_at"`
	DeletedAt          *time.Time     `json:"deleted_at,omitempty"`
	PossibleDeletionAt *time.Time     `json:"possible_deletion_at,omitempty"`
}

// Key returns the record's identity.
func (r *CanonicalRecord) Key() RecordKey {
	return RecordKey{Source: r.Source, EntityType: r.EntityType, ExternalID: r.ExternalID}
}

// Deleted reports whether the record carries a tombstone.
func (r *CanonicalRecord) Deleted() bool { return r.DeletedAt != nil }
