// Package ledger owns the delivery lifecycle. Every status change goes
// through a compare-and-swap on (status, attempt_count) and is checked
// against the model transition table.
package ledger

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/reconciler/internal/metrics"
	"github.com/sells-group/reconciler/internal/model"
	"github.com/sells-group/reconciler/internal/resilience"
	"github.com/sells-group/reconciler/internal/store"
)

var (
	// ErrConflict means another worker changed the delivery first.
	ErrConflict = eris.New("ledger: delivery changed concurrently")
	// ErrIllegalTransition means the requested status change is not allowed
	// from the delivery's current status.
	ErrIllegalTransition = eris.New("ledger: illegal status transition")
	// ErrNotReplayable means the delivery failed authentication. Processing
	// trusts the receipt check, so it never runs for such a delivery.
	ErrNotReplayable = eris.New("ledger: unverified delivery cannot be replayed")
)

const (
	maxErrorLen       = 2000
	defaultDeferDelay = 30 * time.Second
)

// Ledger records and settles deliveries.
type Ledger struct {
	store      store.Store
	retry      resilience.RetryConfig
	deferDelay time.Duration
	log        *zap.Logger
	nowFunc    func() time.Time
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithDeferDelay sets how long a delivery waits after a circuit-open
// failure. It should match the breaker cooldown.
func WithDeferDelay(d time.Duration) Option {
	return func(l *Ledger) {
		if d > 0 {
			l.deferDelay = d
		}
	}
}

// New creates a Ledger. retry bounds attempts and spaces reschedules.
func New(st store.Store, retry resilience.RetryConfig, opts ...Option) *Ledger {
	if retry.MaxAttempts <= 0 {
		retry = resilience.DefaultRetryConfig()
	}
	l := &Ledger{
		store:      st,
		retry:      retry,
		deferDelay: defaultDeferDelay,
		log:        zap.L().With(zap.String("component", "ledger")),
		nowFunc:    time.Now,
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// MaxAttempts is the attempt budget for retryable failures.
func (l *Ledger) MaxAttempts() int { return l.retry.MaxAttempts }

// Record durably stores a new delivery in received status. A delivery whose
// (source, external_delivery_id) was already seen is returned as stored with
// created false.
func (l *Ledger) Record(ctx context.Context, d *model.Delivery) (*model.Delivery, bool, error) {
	if !d.Source.Valid() {
		return nil, false, resilience.Malformed("ledger: unknown source %q", d.Source)
	}
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	if d.ExternalDeliveryID != nil && *d.ExternalDeliveryID == "" {
		d.ExternalDeliveryID = nil
	}
	if d.TriggeredBy == "" {
		d.TriggeredBy = model.TriggeredByWebhook
	}
	if d.ReceivedAt.IsZero() {
		d.ReceivedAt = l.nowFunc().UTC()
	}
	d.Status = model.DeliveryReceived
	d.AttemptCount = 0

	stored, created, err := l.store.InsertDelivery(ctx, d)
	if err != nil {
		return nil, false, eris.Wrap(err, "ledger: record delivery")
	}
	if created {
		metrics.DeliveriesReceived.WithLabelValues(string(d.Source), string(d.TriggeredBy)).Inc()
	} else {
		l.log.Debug("duplicate delivery",
			zap.String("delivery_id", stored.ID),
			zap.String("source", string(stored.Source)),
			zap.String("status", string(stored.Status)),
		)
	}
	return stored, created, nil
}

// Get returns a delivery by id.
func (l *Ledger) Get(ctx context.Context, id string) (*model.Delivery, error) {
	return l.store.GetDelivery(ctx, id)
}

// List returns deliveries matching filter, newest first.
func (l *Ledger) List(ctx context.Context, filter model.DeliveryFilter) ([]model.Delivery, error) {
	return l.store.ListDeliveries(ctx, filter)
}

// ListDeadLetters returns dead-lettered deliveries, optionally for one source.
func (l *Ledger) ListDeadLetters(ctx context.Context, source model.Source, limit int) ([]model.Delivery, error) {
	return l.store.ListDeliveries(ctx, model.DeliveryFilter{
		Status: model.DeliveryDeadLettered,
		Source: source,
		Limit:  limit,
	})
}

// Counts returns the number of deliveries per status.
func (l *Ledger) Counts(ctx context.Context) (map[model.DeliveryStatus]int, error) {
	return l.store.CountDeliveries(ctx)
}

// swap moves d to status to after applying mutate to a copy.
func (l *Ledger) swap(ctx context.Context, d *model.Delivery, to model.DeliveryStatus, mutate func(*model.Delivery)) (*model.Delivery, error) {
	if !model.CanTransition(d.Status, to) {
		return nil, eris.Wrapf(ErrIllegalTransition, "delivery %s: %s -> %s", d.ID, d.Status, to)
	}
	next := *d
	next.Status = to
	if mutate != nil {
		mutate(&next)
	}
	ok, err := l.store.SwapDelivery(ctx, &next, d.Status, d.AttemptCount)
	if err != nil {
		return nil, eris.Wrapf(err, "ledger: %s -> %s", d.Status, to)
	}
	if !ok {
		return nil, eris.Wrapf(ErrConflict, "delivery %s", d.ID)
	}
	return &next, nil
}

// Claim moves a received or failed delivery to processing and consumes one
// attempt.
func (l *Ledger) Claim(ctx context.Context, id string) (*model.Delivery, error) {
	d, err := l.store.GetDelivery(ctx, id)
	if err != nil {
		return nil, err
	}
	return l.claim(ctx, d)
}

func (l *Ledger) claim(ctx context.Context, d *model.Delivery) (*model.Delivery, error) {
	now := l.nowFunc().UTC()
	return l.swap(ctx, d, model.DeliveryProcessing, func(n *model.Delivery) {
		n.AttemptCount++
		n.ClaimedAt = &now
		n.NextAttemptAt = nil
	})
}

// ClaimDue claims up to limit deliveries whose next attempt time has come.
// Deliveries another worker claimed first are skipped.
func (l *Ledger) ClaimDue(ctx context.Context, limit int) ([]*model.Delivery, error) {
	due, err := l.store.ListDueDeliveries(ctx, l.nowFunc().UTC(), limit)
	if err != nil {
		return nil, eris.Wrap(err, "ledger: list due")
	}
	var out []*model.Delivery
	for i := range due {
		d, err := l.claim(ctx, &due[i])
		if errors.Is(err, ErrConflict) {
			continue
		}
		if err != nil {
			return out, err
		}
		out = append(out, d)
	}
	return out, nil
}

// MarkApplied settles a processing delivery as applied.
func (l *Ledger) MarkApplied(ctx context.Context, d *model.Delivery) (*model.Delivery, error) {
	now := l.nowFunc().UTC()
	next, err := l.swap(ctx, d, model.DeliveryApplied, func(n *model.Delivery) {
		n.ProcessedAt = &now
		n.Error = ""
	})
	if err != nil {
		return nil, err
	}
	metrics.DeliveryOutcomes.WithLabelValues(string(d.Source), string(model.DeliveryApplied)).Inc()
	return next, nil
}

// MarkFailed settles a failed attempt by the error's disposition. Retryable
// errors are rescheduled with backoff until the attempt budget runs out.
// Non-retryable errors are dead-lettered at once. A circuit-open error is
// deferred without consuming the attempt.
func (l *Ledger) MarkFailed(ctx context.Context, d *model.Delivery, cause error) (*model.Delivery, resilience.Disposition, error) {
	disp := resilience.Classify(cause)
	kind := resilience.Kind(cause)
	metrics.DeliveryErrors.WithLabelValues(string(d.Source), kind).Inc()

	fields := []zap.Field{
		zap.String("delivery_id", d.ID),
		zap.String("source", string(d.Source)),
		zap.String("event_type", d.EventType),
		zap.Int("attempt", d.AttemptCount),
		zap.String("kind", kind),
		zap.String("disposition", disp.String()),
		zap.Error(cause),
	}
	if errors.Is(cause, resilience.ErrSignatureInvalid) {
		l.log.Warn("delivery rejected", append(fields, zap.Bool("security_event", true))...)
	} else {
		l.log.Warn("delivery failed", fields...)
	}

	now := l.nowFunc().UTC()
	msg := truncate(kind + ": " + cause.Error())

	switch {
	case disp == resilience.DispositionDefer:
		next, err := l.Defer(ctx, d, now.Add(l.deferDelay), msg)
		return next, disp, err

	case disp == resilience.DispositionRetry && !l.retry.Exhausted(d.AttemptCount):
		retryAt := l.retry.NextAttemptAt(now, d.AttemptCount)
		next, err := l.swap(ctx, d, model.DeliveryFailed, func(n *model.Delivery) {
			n.NextAttemptAt = &retryAt
			n.Error = msg
		})
		if err != nil {
			return nil, disp, err
		}
		metrics.DeliveryOutcomes.WithLabelValues(string(d.Source), string(model.DeliveryFailed)).Inc()
		return next, disp, nil

	default:
		next, err := l.deadLetter(ctx, d, msg, now)
		return next, resilience.DispositionDeadLetter, err
	}
}

// deadLetter walks d through failed to dead_lettered.
func (l *Ledger) deadLetter(ctx context.Context, d *model.Delivery, msg string, now time.Time) (*model.Delivery, error) {
	cur := d
	if cur.Status != model.DeliveryFailed {
		var err error
		cur, err = l.swap(ctx, cur, model.DeliveryFailed, func(n *model.Delivery) {
			n.Error = msg
			n.NextAttemptAt = nil
		})
		if err != nil {
			return nil, err
		}
	}
	next, err := l.swap(ctx, cur, model.DeliveryDeadLettered, func(n *model.Delivery) {
		n.Error = msg
		n.NextAttemptAt = nil
		n.ProcessedAt = &now
	})
	if err != nil {
		return nil, err
	}
	metrics.DeliveryOutcomes.WithLabelValues(string(d.Source), string(model.DeliveryDeadLettered)).Inc()
	return next, nil
}

// Defer reschedules a processing delivery for until and refunds the attempt
// the claim consumed.
func (l *Ledger) Defer(ctx context.Context, d *model.Delivery, until time.Time, reason string) (*model.Delivery, error) {
	next, err := l.swap(ctx, d, model.DeliveryFailed, func(n *model.Delivery) {
		if n.AttemptCount > 0 {
			n.AttemptCount--
		}
		u := until.UTC()
		n.NextAttemptAt = &u
		n.Error = reason
	})
	if err != nil {
		return nil, err
	}
	metrics.DeliveryOutcomes.WithLabelValues(string(d.Source), "deferred").Inc()
	return next, nil
}

// ReclaimStale returns deliveries stuck in processing longer than olderThan
// to received.
func (l *Ledger) ReclaimStale(ctx context.Context, olderThan time.Duration) ([]string, error) {
	ids, err := l.store.ReclaimStaleDeliveries(ctx, l.nowFunc().UTC().Add(-olderThan))
	if err != nil {
		return nil, eris.Wrap(err, "ledger: reclaim stale")
	}
	if len(ids) > 0 {
		l.log.Warn("reclaimed stale deliveries", zap.Int("count", len(ids)), zap.Strings("delivery_ids", ids))
	}
	return ids, nil
}

// Replay returns a dead-lettered delivery to received with a fresh attempt
// budget.
func (l *Ledger) Replay(ctx context.Context, id string) (*model.Delivery, error) {
	d, err := l.store.GetDelivery(ctx, id)
	if err != nil {
		return nil, err
	}
	if ErrorKind(d) == resilience.KindSignatureInvalid {
		return nil, eris.Wrapf(ErrNotReplayable, "delivery %s", id)
	}
	next, err := l.swap(ctx, d, model.DeliveryReceived, func(n *model.Delivery) {
		n.AttemptCount = 0
		n.Error = ""
		n.ClaimedAt = nil
		n.NextAttemptAt = nil
		n.ProcessedAt = nil
	})
	if err != nil {
		return nil, err
	}
	l.log.Info("replayed delivery", zap.String("delivery_id", id), zap.String("source", string(d.Source)))
	return next, nil
}

// ErrorKind returns the resilience kind recorded with d's last failure, or
// "" when it has none.
func ErrorKind(d *model.Delivery) string {
	kind, _, ok := strings.Cut(d.Error, ": ")
	if !ok || strings.ContainsAny(kind, " \t") {
		return ""
	}
	return kind
}

func truncate(s string) string {
	if len(s) <= maxErrorLen {
		return s
	}
	return s[:maxErrorLen]
}
