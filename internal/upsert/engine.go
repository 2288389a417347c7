// Package upsert applies envelopes to the canonical store. It is the only
// writer of canonical records and the single redaction enforcement point.
package upsert

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/reconciler/internal/metrics"
	"github.com/sells-group/reconciler/internal/model"
	"github.com/sells-group/reconciler/internal/resilience"
	"github.com/sells-group/reconciler/internal/source"
	"github.com/sells-group/reconciler/internal/store"
)

const (
	maxSummaryKeys = 8
	redactedKey    = "redacted"
)

// Publisher receives events after their transaction commits.
type Publisher interface {
	Publish(events ...model.IntegrationEvent)
}

// SummaryFunc returns the fields copied into an event summary.
type SummaryFunc func(src model.Source, entityType string) []string

// Result is the outcome of one Apply.
type Result struct {
	Action   model.UpsertAction
	Record   *model.CanonicalRecord
	Event    *model.IntegrationEvent
	Redacted []string
}

// Engine applies envelopes under per-entity serialization.
type Engine struct {
	store     store.Store
	policy    *Policy
	publisher Publisher
	summary   SummaryFunc
	locks     *keyedMutex
	log       *zap.Logger
	nowFunc   func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithPolicy sets the redaction policy.
func WithPolicy(p *Policy) Option { return func(e *Engine) { e.policy = p } }

// WithPublisher sets the post-commit event publisher.
func WithPublisher(p Publisher) Option { return func(e *Engine) { e.publisher = p } }

// WithSummaryFields sets the per-source summary field lookup.
func WithSummaryFields(f SummaryFunc) Option { return func(e *Engine) { e.summary = f } }

// New creates an upsert engine over st.
func New(st store.Store, opts ...Option) *Engine {
	e := &Engine{
		store:   st,
		locks:   newKeyedMutex(),
		log:     zap.L().With(zap.String("component", "upsert")),
		nowFunc: time.Now,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

func validate(env *model.Envelope) error {
	if !env.Source.Valid() {
		return resilience.Malformed("upsert: unknown source %q", env.Source)
	}
	if env.EntityType == "" || env.ExternalID == "" {
		return resilience.Malformed("upsert: envelope missing entity reference")
	}
	if env.Incomplete() {
		return &resilience.IncompleteReferenceError{Key: env.Key()}
	}
	return nil
}

// Apply writes env if its version token is newer than the stored record.
// An equal or older token yields ActionSkippedStale and no event.
func (e *Engine) Apply(ctx context.Context, env model.Envelope) (*Result, error) {
	if err := validate(&env); err != nil {
		return nil, err
	}

	fields, redacted, err := e.policy.Filter(env.Source, env.EntityType, model.DirectionInbound, env.Fields)
	if err != nil {
		return nil, err
	}

	key := env.Key()
	unlock := e.locks.Lock(key.String())
	defer unlock()

	var res *Result
	err = e.store.WithRecordLock(ctx, key, func(tx store.RecordTx) error {
		existing, err := tx.GetRecord(ctx, key)
		if err != nil {
			return err
		}
		if existing != nil && env.VersionToken <= existing.VersionToken {
			res = &Result{Action: model.ActionSkippedStale, Record: existing}
			return nil
		}

		now := e.nowFunc().UTC()
		rec, action := e.merge(existing, &env, fields, now)
		if err := tx.SaveRecord(ctx, rec); err != nil {
			return err
		}

		ev := e.event(&env, rec, action, redacted, now)
		if err := tx.InsertEvent(ctx, ev); err != nil {
			return err
		}
		res = &Result{Action: action, Record: rec, Event: ev, Redacted: redacted}
		return nil
	})
	if err != nil {
		return nil, eris.Wrapf(err, "upsert: apply %s", key)
	}

	e.observe(&env, res)
	if res.Event != nil && e.publisher != nil {
		e.publisher.Publish(*res.Event)
	}
	return res, nil
}

// merge builds the new record state. Incoming fields overwrite, absent
// fields are retained, and tombstones keep the fields as they were.
func (e *Engine) merge(existing *model.CanonicalRecord, env *model.Envelope, fields map[string]any, now time.Time) (*model.CanonicalRecord, model.UpsertAction) {
	var rec model.CanonicalRecord
	action := model.ActionUpdated
	if existing == nil {
		action = model.ActionCreated
		rec = model.CanonicalRecord{
			ID:         uuid.NewString(),
			Source:     env.Source,
			EntityType: env.EntityType,
			ExternalID: env.ExternalID,
			CreatedAt:  now,
			Fields:     map[string]any{},
		}
	} else {
		rec = *existing
		rec.Fields = make(map[string]any, len(existing.Fields)+len(fields))
		for k, v := range existing.Fields {
			rec.Fields[k] = v
		}
	}

	rec.VersionToken = env.VersionToken
	rec.UpdatedAt = now
	// A newer write proves the entity still exists at the source.
	rec.PossibleDeletionAt = nil

	if env.Tombstone {
		if rec.DeletedAt == nil {
			rec.DeletedAt = &now
		}
		return &rec, model.ActionTombstoned
	}

	rec.DeletedAt = nil
	for k, v := range fields {
		rec.Fields[k] = v
	}
	return &rec, action
}

func (e *Engine) event(env *model.Envelope, rec *model.CanonicalRecord, action model.UpsertAction, redacted []string, now time.Time) *model.IntegrationEvent {
	summaryFields := source.DefaultSummaryFields
	if e.summary != nil {
		if f := e.summary(env.Source, env.EntityType); len(f) > 0 {
			summaryFields = f
		}
	}
	return &model.IntegrationEvent{
		ID:                ulid.Make().String(),
		Source:            env.Source,
		EventType:         env.EventType,
		EntityType:        env.EntityType,
		EntityExternalID:  env.ExternalID,
		CanonicalRecordID: rec.ID,
		Action:            action,
		SummaryPayload:    summarize(rec.Fields, summaryFields, redacted),
		TriggeredBy:       env.TriggeredBy,
		LatencyMS:         latency(env, now).Milliseconds(),
		CreatedAt:         now,
	}
}

// summarize copies at most maxSummaryKeys keys, counting the redacted list.
func summarize(fields map[string]any, keys []string, redacted []string) map[string]any {
	limit := maxSummaryKeys
	out := make(map[string]any, limit)
	if len(redacted) > 0 {
		out[redactedKey] = redacted
		limit--
	}
	n := 0
	for _, k := range keys {
		if n >= limit {
			break
		}
		v, ok := fields[k]
		if !ok || k == redactedKey {
			continue
		}
		out[k] = v
		n++
	}
	return out
}

// latency measures from the source change when known, else from receipt.
func latency(env *model.Envelope, now time.Time) time.Duration {
	from := env.ReceivedAt
	if env.SourceChangedAt != nil {
		from = *env.SourceChangedAt
	}
	if from.IsZero() {
		return 0
	}
	if d := now.Sub(from); d > 0 {
		return d
	}
	return 0
}

func (e *Engine) observe(env *model.Envelope, res *Result) {
	metrics.Upserts.WithLabelValues(string(env.Source), env.EntityType, string(res.Action)).Inc()
	if len(res.Redacted) > 0 {
		metrics.Redactions.WithLabelValues(string(env.Source), env.EntityType).Add(float64(len(res.Redacted)))
	}

	fields := []zap.Field{
		zap.String("source", string(env.Source)),
		zap.String("entity_type", env.EntityType),
		zap.String("external_id", env.ExternalID),
		zap.String("action", string(res.Action)),
		zap.Int64("version_token", int64(env.VersionToken)),
		zap.String("triggered_by", string(env.TriggeredBy)),
	}
	if env.DeliveryID != "" {
		fields = append(fields, zap.String("delivery_id", env.DeliveryID))
	}
	if res.Action == model.ActionSkippedStale {
		e.log.Info("skipped stale envelope",
			append(fields, zap.Int64("stored_version", int64(res.Record.VersionToken)))...)
		return
	}
	if res.Event != nil {
		metrics.ApplyLatency.WithLabelValues(string(env.Source)).Observe(float64(res.Event.LatencyMS) / 1000)
	}
	if len(res.Redacted) > 0 {
		fields = append(fields, zap.Strings("redacted", res.Redacted))
	}
	e.log.Info("applied envelope", fields...)
}
