// Package store persists deliveries, canonical records, integration events,
// sync watermarks and circuit breaker state.
package store

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/reconciler/internal/model"
)

// ErrNotFound is returned when a lookup by id or key matches nothing.
var ErrNotFound = eris.New("store: not found")

// RecordTx is the transactional view used by the upsert engine. Everything
// written through it commits together or not at all.
type RecordTx interface {
	// GetRecord returns the locked record, or nil if it does not exist yet.
	GetRecord(ctx context.Context, key model.RecordKey) (*model.CanonicalRecord, error)
	// SaveRecord inserts or updates the record by key.
	SaveRecord(ctx context.Context, rec *model.CanonicalRecord) error
	// InsertEvent appends an event and fills in its Seq.
	InsertEvent(ctx context.Context, ev *model.IntegrationEvent) error
}

// Store defines the persistence interface for the reconciliation layer.
type Store interface {
	// Deliveries
	InsertDelivery(ctx context.Context, d *model.Delivery) (*model.Delivery, bool, error)
	GetDelivery(ctx context.Context, id string) (*model.Delivery, error)
	// SwapDelivery writes d only if the stored row still has the expected
	// status and attempt count. It reports whether the write happened.
	SwapDelivery(ctx context.Context, d *model.Delivery, expect model.DeliveryStatus, expectAttempts int) (bool, error)
	ListDeliveries(ctx context.Context, filter model.DeliveryFilter) ([]model.Delivery, error)
	ListDueDeliveries(ctx context.Context, now time.Time, limit int) ([]model.Delivery, error)
	ReclaimStaleDeliveries(ctx context.Context, claimedBefore time.Time) ([]string, error)
	CountDeliveries(ctx context.Context) (map[model.DeliveryStatus]int, error)

	// Canonical records
	WithRecordLock(ctx context.Context, key model.RecordKey, fn func(tx RecordTx) error) error
	GetRecord(ctx context.Context, key model.RecordKey) (*model.CanonicalRecord, error)
	ListRecords(ctx context.Context, source model.Source, entityType string) ([]model.CanonicalRecord, error)
	MarkPossibleDeletion(ctx context.Context, key model.RecordKey, at *time.Time) error

	// Integration events
	ListEvents(ctx context.Context, afterSeq int64, limit int) ([]model.IntegrationEvent, error)
	PruneEvents(ctx context.Context, before time.Time, archive bool) (int64, error)

	// Sync watermarks
	EnsureWatermark(ctx context.Context, source model.Source, entityType string, nextPollAt time.Time) error
	ClaimWatermark(ctx context.Context, source model.Source, entityType, owner string, now, leaseUntil time.Time) (*model.SyncWatermark, error)
	ReleaseWatermark(ctx context.Context, w *model.SyncWatermark, owner string) error
	TriggerWatermark(ctx context.Context, source model.Source, entityType string, at time.Time) error
	GetWatermark(ctx context.Context, source model.Source, entityType string) (*model.SyncWatermark, error)
	ListWatermarks(ctx context.Context) ([]model.SyncWatermark, error)

	// Circuit breakers
	SaveCircuitState(ctx context.Context, s model.CircuitBreakerState) error
	ListCircuitStates(ctx context.Context) ([]model.CircuitBreakerState, error)

	// Reconciliation runs
	SaveReconciliation(ctx context.Context, s *model.ReconciliationSummary) error
	LatestReconciliations(ctx context.Context) ([]model.ReconciliationSummary, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}

const defaultListLimit = 100

func listLimit(n int) int {
	if n <= 0 || n > 1000 {
		return defaultListLimit
	}
	return n
}
