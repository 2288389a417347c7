package monitoring

import (
	"context"
	"sort"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/reconciler/internal/model"
	"github.com/sells-group/reconciler/internal/resilience"
	"github.com/sells-group/reconciler/internal/store"
)

// MetricsSnapshot holds a point-in-time view of integration health.
type MetricsSnapshot struct {
	// Delivery ledger depth by status.
	Deliveries   map[model.DeliveryStatus]int `json:"deliveries"`
	DeadLettered int                          `json:"dead_lettered"`
	Retrying     int                          `json:"retrying"`

	// Circuit breakers currently rejecting calls.
	OpenCircuits []string `json:"open_circuits"`

	// Watermarks whose last poll failed.
	FailingPolls []model.SyncWatermark `json:"failing_polls"`

	// Latest non-dry-run reconciliation per pair with flagged or failed records.
	Drift []model.ReconciliationSummary `json:"drift"`

	CollectedAt time.Time `json:"collected_at"`
}

// BreakerStates abstracts the breaker registry read by the collector.
type BreakerStates interface {
	States() map[string]resilience.CircuitState
}

// Collector gathers health data from the store and the breaker registry.
type Collector struct {
	store    store.Store
	breakers BreakerStates
}

// NewCollector creates a new health collector. breakers may be nil.
func NewCollector(st store.Store, breakers BreakerStates) *Collector {
	return &Collector{store: st, breakers: breakers}
}

// Collect gathers a snapshot of integration health.
func (c *Collector) Collect(ctx context.Context) (*MetricsSnapshot, error) {
	snap := &MetricsSnapshot{CollectedAt: time.Now().UTC()}

	counts, err := c.store.CountDeliveries(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: count deliveries")
	}
	snap.Deliveries = counts
	snap.DeadLettered = counts[model.DeliveryDeadLettered]
	snap.Retrying = counts[model.DeliveryFailed]

	if c.breakers != nil {
		for name, st := range c.breakers.States() {
			if st == resilience.CircuitOpen {
				snap.OpenCircuits = append(snap.OpenCircuits, name)
			}
		}
		sort.Strings(snap.OpenCircuits)
	}

	marks, err := c.store.ListWatermarks(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list watermarks")
	}
	for _, w := range marks {
		if w.LastPollStatus == model.PollFailed {
			snap.FailingPolls = append(snap.FailingPolls, w)
		}
	}

	recs, err := c.store.LatestReconciliations(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: latest reconciliations")
	}
	for _, r := range recs {
		if r.DryRun {
			continue
		}
		if r.Flagged > 0 || r.Failed > 0 {
			snap.Drift = append(snap.Drift, r)
		}
	}

	return snap, nil
}
