// Package reconcile compares each source's external state against the
// canonical store, heals drift through the upsert engine, and flags records
// the source no longer returns.
package reconcile

import (
	"context"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/reconciler/internal/metrics"
	"github.com/sells-group/reconciler/internal/model"
	"github.com/sells-group/reconciler/internal/resilience"
	"github.com/sells-group/reconciler/internal/source"
	"github.com/sells-group/reconciler/internal/store"
	"github.com/sells-group/reconciler/internal/upsert"
)

// Applier writes one envelope to the canonical store.
type Applier interface {
	Apply(ctx context.Context, env model.Envelope) (*upsert.Result, error)
}

// Options controls one reconciliation pass.
type Options struct {
	// DryRun counts what would be healed or flagged without writing.
	DryRun bool
}

// Engine runs reconciliation passes.
type Engine struct {
	store    store.Store
	registry *source.Registry
	guard    *source.Guard
	applier  Applier
	log      *zap.Logger
	nowFunc  func() time.Time
}

// NewEngine creates a reconciliation engine.
func NewEngine(st store.Store, reg *source.Registry, g *source.Guard, a Applier) *Engine {
	return &Engine{
		store:    st,
		registry: reg,
		guard:    g,
		applier:  a,
		log:      zap.L().With(zap.String("component", "reconcile")),
		nowFunc:  time.Now,
	}
}

// Run reconciles one (source, entity_type) and saves the summary.
func (e *Engine) Run(ctx context.Context, src model.Source, entityType string, opts Options) (*model.ReconciliationSummary, error) {
	proc, err := e.registry.Get(src)
	if err != nil {
		return nil, err
	}
	snapper, ok := proc.(source.Snapshotter)
	if !ok {
		return nil, eris.Errorf("reconcile: source %s has no snapshot", src)
	}
	fetcher, _ := proc.(source.Fetcher)

	sum := &model.ReconciliationSummary{
		Source:     src,
		EntityType: entityType,
		DryRun:     opts.DryRun,
		StartedAt:  e.nowFunc().UTC(),
	}
	log := e.log.With(
		zap.String("source", string(src)),
		zap.String("entity_type", entityType),
		zap.Bool("dry_run", opts.DryRun),
	)

	snap, err := e.guard.Snapshot(ctx, src, snapper, entityType)
	if err != nil {
		return nil, eris.Wrapf(err, "reconcile: snapshot %s/%s", src, entityType)
	}
	sum.Complete = snap.Complete

	local, err := e.store.ListRecords(ctx, src, entityType)
	if err != nil {
		return nil, eris.Wrap(err, "reconcile: list records")
	}
	byID := make(map[string]*model.CanonicalRecord, len(local))
	for i := range local {
		byID[local[i].ExternalID] = &local[i]
	}

	seen := make(map[string]bool, len(snap.Records))
	for _, env := range snap.Records {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		env.Source = src
		if env.EntityType == "" {
			env.EntityType = entityType
		}
		env.TriggeredBy = model.TriggeredByReconciliation
		if env.ReceivedAt.IsZero() {
			env.ReceivedAt = e.nowFunc().UTC()
		}
		if env.EventType == "" {
			env.EventType = "reconcile"
		}
		seen[env.ExternalID] = true
		sum.Checked++

		rec := byID[env.ExternalID]
		if rec != nil && env.VersionToken <= rec.VersionToken {
			sum.Matched++
			if rec.PossibleDeletionAt != nil && !opts.DryRun {
				if err := e.store.MarkPossibleDeletion(ctx, rec.Key(), nil); err != nil {
					return nil, err
				}
			}
			continue
		}

		if opts.DryRun {
			sum.Healed++
			continue
		}
		action, err := e.heal(ctx, src, fetcher, env)
		switch {
		case err != nil:
			sum.Failed++
			log.Warn("heal failed", zap.String("external_id", env.ExternalID), zap.Error(err))
			if errors.Is(err, resilience.ErrCircuitOpen) {
				return nil, eris.Wrap(err, "reconcile: source unavailable")
			}
		case action.Changed():
			sum.Healed++
		default:
			sum.Matched++
		}
	}

	if snap.Complete {
		now := e.nowFunc().UTC()
		for _, rec := range local {
			if seen[rec.ExternalID] || rec.Deleted() {
				continue
			}
			sum.Flagged++
			if opts.DryRun || rec.PossibleDeletionAt != nil {
				continue
			}
			if err := e.store.MarkPossibleDeletion(ctx, rec.Key(), &now); err != nil {
				return nil, err
			}
			log.Info("flagged possible deletion", zap.String("external_id", rec.ExternalID))
		}
	}

	sum.FinishedAt = e.nowFunc().UTC()
	if err := e.store.SaveReconciliation(ctx, sum); err != nil {
		return nil, err
	}
	observe(sum)
	log.Info("reconciliation complete",
		zap.Int("checked", sum.Checked),
		zap.Int("matched", sum.Matched),
		zap.Int("healed", sum.Healed),
		zap.Int("flagged", sum.Flagged),
		zap.Int("failed", sum.Failed),
		zap.Bool("complete", sum.Complete),
	)
	return sum, nil
}

func (e *Engine) heal(ctx context.Context, src model.Source, f source.Fetcher, env model.Envelope) (model.UpsertAction, error) {
	if env.Incomplete() {
		if f == nil {
			return "", &resilience.IncompleteReferenceError{Key: env.Key()}
		}
		fetched, err := e.guard.Fetch(ctx, src, f, env.EntityType, env.ExternalID)
		if err != nil {
			return "", err
		}
		if fetched == nil {
			return "", resilience.Malformed("reconcile: %s vanished during fetch", env.Key())
		}
		fetched.TriggeredBy = env.TriggeredBy
		fetched.ReceivedAt = env.ReceivedAt
		fetched.EventType = env.EventType
		env = *fetched
	}
	res, err := e.applier.Apply(ctx, env)
	if err != nil {
		return "", err
	}
	return res.Action, nil
}

func observe(s *model.ReconciliationSummary) {
	src, et := string(s.Source), s.EntityType
	metrics.Reconciled.WithLabelValues(src, et, "checked").Set(float64(s.Checked))
	metrics.Reconciled.WithLabelValues(src, et, "matched").Set(float64(s.Matched))
	metrics.Reconciled.WithLabelValues(src, et, "healed").Set(float64(s.Healed))
	metrics.Reconciled.WithLabelValues(src, et, "flagged").Set(float64(s.Flagged))
	metrics.Reconciled.WithLabelValues(src, et, "failed").Set(float64(s.Failed))
}
