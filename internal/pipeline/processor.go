// Package pipeline turns recorded deliveries into applied canonical writes.
// The Processor handles one delivery end to end, the Dispatcher feeds it from
// a queue plus a due-retry scan, and the Sweeper reclaims abandoned claims.
package pipeline

import (
	"context"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/reconciler/internal/ledger"
	"github.com/sells-group/reconciler/internal/model"
	"github.com/sells-group/reconciler/internal/resilience"
	"github.com/sells-group/reconciler/internal/source"
	"github.com/sells-group/reconciler/internal/upsert"
	"github.com/sells-group/reconciler/internal/verify"
)

const defaultBudget = 30 * time.Second

// Applier writes one envelope to the canonical store.
type Applier interface {
	Apply(ctx context.Context, env model.Envelope) (*upsert.Result, error)
}

// Triggerer makes a (source, entity_type) poll due immediately.
type Triggerer interface {
	Trigger(ctx context.Context, src model.Source, entityType string) error
}

// Outcome is the settled state of one processed delivery.
type Outcome struct {
	Delivery *model.Delivery
	Results  []*upsert.Result
	// Err is the failure that settled the delivery, nil when applied.
	Err error
}

// Processor claims, normalizes, enriches, applies and settles deliveries.
type Processor struct {
	ledger   *ledger.Ledger
	registry *source.Registry
	guard    *source.Guard
	applier  Applier
	trigger  Triggerer
	budget   time.Duration
	log      *zap.Logger
}

// Option configures a Processor.
type Option func(*Processor)

// WithBudget bounds the wall-clock time of one attempt.
func WithBudget(d time.Duration) Option {
	return func(p *Processor) {
		if d > 0 {
			p.budget = d
		}
	}
}

// WithTriggerer routes push-to-poll notifications.
func WithTriggerer(t Triggerer) Option { return func(p *Processor) { p.trigger = t } }

// NewProcessor creates a delivery processor.
func NewProcessor(l *ledger.Ledger, reg *source.Registry, g *source.Guard, a Applier, opts ...Option) *Processor {
	p := &Processor{
		ledger:   l,
		registry: reg,
		guard:    g,
		applier:  a,
		budget:   defaultBudget,
		log:      zap.L().With(zap.String("component", "pipeline")),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Process claims the delivery by id and runs it.
func (p *Processor) Process(ctx context.Context, id string) (*Outcome, error) {
	d, err := p.ledger.Claim(ctx, id)
	if err != nil {
		return nil, err
	}
	return p.Run(ctx, d)
}

// Run processes a delivery already claimed by the caller and settles its
// status. The returned error is non-nil only when settling itself failed.
func (p *Processor) Run(ctx context.Context, d *model.Delivery) (*Outcome, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, p.budget)
	results, procErr := p.handle(attemptCtx, d)
	cancel()

	// Settle even when the attempt ran out of budget.
	settleCtx := context.WithoutCancel(ctx)
	out := &Outcome{Results: results, Err: procErr}

	if procErr == nil {
		settled, err := p.ledger.MarkApplied(settleCtx, d)
		if err != nil {
			return nil, eris.Wrapf(err, "pipeline: settle %s", d.ID)
		}
		out.Delivery = settled
		p.log.Debug("delivery applied",
			zap.String("delivery_id", d.ID),
			zap.String("source", string(d.Source)),
			zap.String("event_type", d.EventType),
			zap.Int("envelopes", len(results)),
		)
		return out, nil
	}

	if errors.Is(procErr, context.DeadlineExceeded) && ctx.Err() == nil {
		procErr = resilience.NewTransientError(eris.Wrapf(procErr, "processing budget %s exceeded", p.budget), 0)
		out.Err = procErr
	}
	settled, _, err := p.ledger.MarkFailed(settleCtx, d, procErr)
	if err != nil {
		return nil, eris.Wrapf(err, "pipeline: settle %s", d.ID)
	}
	out.Delivery = settled
	return out, nil
}

func (p *Processor) handle(ctx context.Context, d *model.Delivery) ([]*upsert.Result, error) {
	proc, err := p.registry.Get(d.Source)
	if err != nil {
		return nil, eris.Wrap(resilience.ErrMalformedPayload, err.Error())
	}

	envs, err := p.envelopes(ctx, proc, d)
	if err != nil {
		return nil, err
	}

	results := make([]*upsert.Result, 0, len(envs))
	for i := range envs {
		env := envs[i]
		env.DeliveryID = d.ID
		if env.TriggeredBy == "" {
			env.TriggeredBy = d.TriggeredBy
		}
		if env.ReceivedAt.IsZero() {
			env.ReceivedAt = d.ReceivedAt
		}

		if env.Incomplete() {
			env, err = p.enrich(ctx, proc, env)
			if err != nil {
				return results, err
			}
		}

		res, err := p.applier.Apply(ctx, env)
		if err != nil {
			return results, err
		}
		results = append(results, res)
		d.EntityType = env.EntityType
		d.ExternalID = env.ExternalID
	}
	return results, nil
}

// envelopes decodes the delivery body. Webhook bodies go through the source
// normalizer. Poll and reconciliation deliveries carry an encoded envelope.
func (p *Processor) envelopes(ctx context.Context, proc source.Processor, d *model.Delivery) ([]model.Envelope, error) {
	if d.TriggeredBy != model.TriggeredByWebhook {
		env, err := source.DecodeEnvelope(d.RawBody)
		if err != nil {
			return nil, err
		}
		return []model.Envelope{env}, nil
	}

	raw := source.RawDelivery{
		DeliveryID:  d.ID,
		Headers:     verify.Headers(d.RawHeaders),
		Body:        d.RawBody,
		TriggeredBy: d.TriggeredBy,
		ReceivedAt:  d.ReceivedAt,
	}
	envs, err := proc.Normalize(ctx, raw)
	if err != nil {
		return nil, err
	}

	if pt, ok := proc.(source.PollTrigger); ok {
		types, err := pt.PollTriggers(ctx, raw)
		if err != nil {
			return nil, err
		}
		if len(types) > 0 && p.trigger == nil {
			return nil, eris.New("pipeline: poll trigger received but no poller is running")
		}
		for _, et := range types {
			if err := p.trigger.Trigger(ctx, d.Source, et); err != nil {
				return nil, eris.Wrapf(err, "pipeline: trigger poll %s/%s", d.Source, et)
			}
		}
	}
	return envs, nil
}

// enrich replaces a reference-only envelope with the entity fetched by id.
func (p *Processor) enrich(ctx context.Context, proc source.Processor, env model.Envelope) (model.Envelope, error) {
	f, ok := proc.(source.Fetcher)
	if !ok {
		return env, &resilience.IncompleteReferenceError{Key: env.Key()}
	}
	fetched, err := p.guard.Fetch(ctx, env.Source, f, env.EntityType, env.ExternalID)
	if err != nil {
		return env, eris.Wrapf(err, "pipeline: fetch %s", env.Key())
	}
	if fetched == nil {
		return env, resilience.Malformed("pipeline: referenced entity %s not found at source", env.Key())
	}

	out := *fetched
	out.DeliveryID = env.DeliveryID
	out.TriggeredBy = env.TriggeredBy
	out.ReceivedAt = env.ReceivedAt
	if out.EventType == "" {
		out.EventType = env.EventType
	}
	if out.SourceChangedAt == nil {
		out.SourceChangedAt = env.SourceChangedAt
	}
	if out.Incomplete() {
		return env, resilience.Malformed("pipeline: fetch of %s returned no fields", env.Key())
	}
	return out, nil
}
