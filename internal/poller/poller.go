// Package poller runs incremental polls against each source's change feed.
// Watermark rows are leased with a conditional update so several scheduler
// instances never poll the same (source, entity_type) at once.
package poller

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/reconciler/internal/ledger"
	"github.com/sells-group/reconciler/internal/metrics"
	"github.com/sells-group/reconciler/internal/model"
	"github.com/sells-group/reconciler/internal/pipeline"
	"github.com/sells-group/reconciler/internal/source"
	"github.com/sells-group/reconciler/internal/store"
)

const (
	defaultInterval = 5 * time.Minute
	defaultOverlap  = 5 * time.Minute
	defaultLease    = 2 * time.Minute
	defaultTick     = 15 * time.Second
)

// Runner processes one recorded delivery synchronously.
type Runner interface {
	Process(ctx context.Context, id string) (*pipeline.Outcome, error)
}

// Scheduler owns every SyncWatermark. Nothing else reads or writes them.
type Scheduler struct {
	store     store.Store
	registry  *source.Registry
	guard     *source.Guard
	ledger    *ledger.Ledger
	runner    Runner
	owner     string
	interval  time.Duration
	intervals map[model.Source]time.Duration
	overlap   time.Duration
	lease     time.Duration
	tick      time.Duration
	log       *zap.Logger
	nowFunc   func() time.Time
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithInterval sets the poll interval for one source.
func WithInterval(src model.Source, d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.intervals[src] = d
		}
	}
}

// WithDefaultInterval sets the interval for sources without their own.
func WithDefaultInterval(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithOverlap sets how far timestamp cursors are rewound on each poll.
func WithOverlap(d time.Duration) Option {
	return func(s *Scheduler) {
		if d >= 0 {
			s.overlap = d
		}
	}
}

// WithLease sets how long a claimed watermark stays leased.
func WithLease(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.lease = d
		}
	}
}

// WithTick sets how often Run looks for due watermarks.
func WithTick(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.tick = d
		}
	}
}

// WithOwner sets the lease owner name. It defaults to host plus a random id.
func WithOwner(owner string) Option { return func(s *Scheduler) { s.owner = owner } }

// New creates a poll scheduler.
func New(st store.Store, reg *source.Registry, g *source.Guard, l *ledger.Ledger, r Runner, opts ...Option) *Scheduler {
	host, _ := os.Hostname()
	s := &Scheduler{
		store:     st,
		registry:  reg,
		guard:     g,
		ledger:    l,
		runner:    r,
		owner:     fmt.Sprintf("%s/%s", host, uuid.NewString()[:8]),
		interval:  defaultInterval,
		intervals: make(map[model.Source]time.Duration),
		overlap:   defaultOverlap,
		lease:     defaultLease,
		tick:      defaultTick,
		log:       zap.L().With(zap.String("component", "poller")),
		nowFunc:   time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Scheduler) intervalFor(src model.Source) time.Duration {
	if d, ok := s.intervals[src]; ok {
		return d
	}
	return s.interval
}

// Ensure creates a watermark, due now, for every pollable (source,
// entity_type) that does not have one yet.
func (s *Scheduler) Ensure(ctx context.Context) error {
	now := s.nowFunc().UTC()
	for _, src := range s.registry.Sources() {
		proc, err := s.registry.Get(src)
		if err != nil {
			return err
		}
		if _, ok := proc.(source.Poller); !ok {
			continue
		}
		for _, et := range proc.EntityTypes() {
			if err := s.store.EnsureWatermark(ctx, src, et, now); err != nil {
				return err
			}
		}
	}
	return nil
}

// Trigger makes the watermark due immediately. Push notifications that only
// announce a change arrive here.
func (s *Scheduler) Trigger(ctx context.Context, src model.Source, entityType string) error {
	now := s.nowFunc().UTC()
	if err := s.store.EnsureWatermark(ctx, src, entityType, now); err != nil {
		return err
	}
	return s.store.TriggerWatermark(ctx, src, entityType, now)
}

// Tick polls every due watermark this instance can lease and returns how
// many it polled.
func (s *Scheduler) Tick(ctx context.Context) (int, error) {
	marks, err := s.store.ListWatermarks(ctx)
	if err != nil {
		return 0, eris.Wrap(err, "poller: list watermarks")
	}
	now := s.nowFunc().UTC()
	polled := 0
	for _, w := range marks {
		if w.NextPollAt.After(now) {
			continue
		}
		claimed, err := s.store.ClaimWatermark(ctx, w.Source, w.EntityType, s.owner, now, now.Add(s.lease))
		if err != nil {
			return polled, err
		}
		if claimed == nil {
			continue
		}
		polled++
		if err := s.poll(ctx, claimed); err != nil {
			s.log.Warn("poll failed",
				zap.String("source", string(claimed.Source)),
				zap.String("entity_type", claimed.EntityType),
				zap.Error(err),
			)
		}
		if ctx.Err() != nil {
			return polled, ctx.Err()
		}
	}
	return polled, nil
}

// poll runs one incremental query for a leased watermark and releases it.
// The cursor advances only when every returned envelope settled.
func (s *Scheduler) poll(ctx context.Context, w *model.SyncWatermark) error {
	log := s.log.With(zap.String("source", string(w.Source)), zap.String("entity_type", w.EntityType))
	started := s.nowFunc().UTC()

	pollErr := s.pollBatch(ctx, w, log)

	now := s.nowFunc().UTC()
	w.LastPollAt = &now
	w.NextPollAt = now.Add(s.intervalFor(w.Source))
	status := model.PollOK
	w.LastError = ""
	if pollErr != nil {
		status = model.PollFailed
		w.LastError = pollErr.Error()
	}
	w.LastPollStatus = status
	metrics.PollRuns.WithLabelValues(string(w.Source), w.EntityType, string(status)).Inc()

	if err := s.store.ReleaseWatermark(context.WithoutCancel(ctx), w, s.owner); err != nil {
		return eris.Wrap(err, "poller: release watermark")
	}
	log.Debug("poll complete",
		zap.String("status", string(status)),
		zap.String("cursor", w.Cursor),
		zap.Duration("elapsed", now.Sub(started)),
	)
	return pollErr
}

func (s *Scheduler) pollBatch(ctx context.Context, w *model.SyncWatermark, log *zap.Logger) error {
	proc, err := s.registry.Get(w.Source)
	if err != nil {
		return err
	}
	p, ok := proc.(source.Poller)
	if !ok {
		return eris.Errorf("poller: source %s cannot poll", w.Source)
	}

	res, err := s.guard.Poll(ctx, w.Source, p, w.EntityType, source.Rewind(w.Cursor, s.overlap))
	if err != nil {
		return eris.Wrap(err, "poller: poll")
	}

	unsettled := 0
	for _, env := range res.Envelopes {
		settled, err := s.apply(ctx, w, env)
		if err != nil {
			return err
		}
		if !settled {
			unsettled++
		}
	}
	if unsettled > 0 {
		return eris.Errorf("poller: %d of %d envelopes not applied, cursor held at %q",
			unsettled, len(res.Envelopes), w.Cursor)
	}

	w.Cursor = source.LaterCursor(w.Cursor, res.NextCursor)
	if len(res.Envelopes) > 0 {
		log.Info("polled changes", zap.Int("envelopes", len(res.Envelopes)), zap.String("cursor", w.Cursor))
	}
	return nil
}

// apply records env as a poll delivery and processes it. It reports whether
// the delivery reached a terminal status.
func (s *Scheduler) apply(ctx context.Context, w *model.SyncWatermark, env model.Envelope) (bool, error) {
	if env.Source == "" {
		env.Source = w.Source
	}
	if env.EntityType == "" {
		env.EntityType = w.EntityType
	}
	env.TriggeredBy = model.TriggeredByPoll
	if env.ReceivedAt.IsZero() {
		env.ReceivedAt = s.nowFunc().UTC()
	}
	if env.EventType == "" {
		env.EventType = "poll"
	}

	body, err := source.EncodeEnvelope(env)
	if err != nil {
		return false, err
	}
	dedupe := DeliveryID(env)
	d, created, err := s.ledger.Record(ctx, &model.Delivery{
		Source:             env.Source,
		ExternalDeliveryID: &dedupe,
		EventType:          env.EventType,
		TriggeredBy:        model.TriggeredByPoll,
		RawBody:            body,
		EntityType:         env.EntityType,
		ExternalID:         env.ExternalID,
		ReceivedAt:         env.ReceivedAt,
	})
	if err != nil {
		return false, err
	}
	if !created && d.Status.Terminal() {
		return true, nil
	}
	if !created && d.Status == model.DeliveryFailed && d.NextAttemptAt != nil && d.NextAttemptAt.After(s.nowFunc()) {
		// Backing off. The dispatcher's due scan owns the next attempt.
		return false, nil
	}

	out, err := s.runner.Process(ctx, d.ID)
	if err != nil {
		// Most often another worker claimed it first. The next poll sees it.
		s.log.Debug("process poll delivery", zap.String("delivery_id", d.ID), zap.Error(err))
		return false, nil
	}
	return out.Delivery.Status.Terminal(), nil
}

// DeliveryID is the dedupe key of a poll-discovered change. Overlapping
// windows that return the same version collapse into one delivery.
func DeliveryID(env model.Envelope) string {
	return fmt.Sprintf("poll:%s:%s:%d", env.EntityType, env.ExternalID, env.VersionToken)
}

// Run ensures watermarks and ticks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	if err := s.Ensure(ctx); err != nil {
		return err
	}
	s.log.Info("starting poll scheduler",
		zap.String("owner", s.owner),
		zap.Duration("tick", s.tick),
		zap.Duration("overlap", s.overlap),
	)
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()
	for {
		if _, err := s.Tick(ctx); err != nil && ctx.Err() == nil {
			s.log.Error("poll tick", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			s.log.Info("poll scheduler stopped")
			return nil
		case <-ticker.C:
		}
	}
}
