// Package eventbus fans applied integration events out to live subscribers
// and external sinks, and prunes the event log past its retention window.
//
// Live delivery is best effort. The durable log in the store is the source
// of truth, and consumers catch up from it by sequence number.
package eventbus

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/sells-group/reconciler/internal/metrics"
	"github.com/sells-group/reconciler/internal/model"
)

const defaultBuffer = 64

// Sink receives every published event, in batches.
type Sink interface {
	Write(ctx context.Context, events []model.IntegrationEvent) error
	Close() error
}

// Bus is an in-process fan-out of integration events.
type Bus struct {
	mu     sync.RWMutex
	subs   map[chan model.IntegrationEvent]struct{}
	buffer int

	sinks   []Sink
	pending chan model.IntegrationEvent
	log     *zap.Logger
}

// New creates a bus. buffer sizes each subscriber channel and the sink queue.
func New(buffer int, sinks ...Sink) *Bus {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	b := &Bus{
		subs:   make(map[chan model.IntegrationEvent]struct{}),
		buffer: buffer,
		sinks:  sinks,
		log:    zap.L().With(zap.String("component", "eventbus")),
	}
	if len(sinks) > 0 {
		b.pending = make(chan model.IntegrationEvent, buffer*16)
	}
	return b
}

// Subscribe returns a channel of newly published events. A subscriber that
// falls behind by more than its buffer is dropped and its channel closed.
func (b *Bus) Subscribe(buffer int) <-chan model.IntegrationEvent {
	if buffer <= 0 {
		buffer = b.buffer
	}
	ch := make(chan model.IntegrationEvent, buffer)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	n := len(b.subs)
	b.mu.Unlock()
	metrics.Subscribers.Set(float64(n))
	return ch
}

// Unsubscribe removes a subscriber. It is a no-op for one already dropped.
func (b *Bus) Unsubscribe(sub <-chan model.IntegrationEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs {
		if ch == sub {
			delete(b.subs, ch)
			close(ch)
			break
		}
	}
	metrics.Subscribers.Set(float64(len(b.subs)))
}

// Publish never blocks the writer.
func (b *Bus) Publish(events ...model.IntegrationEvent) {
	b.mu.Lock()
	for _, ev := range events {
		for ch := range b.subs {
			select {
			case ch <- ev:
			default:
				delete(b.subs, ch)
				close(ch)
				metrics.EventsDropped.Inc()
				b.log.Warn("dropped slow subscriber", zap.String("event_id", ev.ID))
			}
		}
	}
	metrics.Subscribers.Set(float64(len(b.subs)))
	b.mu.Unlock()

	for _, ev := range events {
		metrics.EventsPublished.Inc()
		if b.pending == nil {
			continue
		}
		select {
		case b.pending <- ev:
		default:
			metrics.EventsDropped.Inc()
			b.log.Warn("sink queue full, event left to log catch-up", zap.String("event_id", ev.ID))
		}
	}
}

// Run drains the sink queue until ctx is cancelled, then closes the sinks.
func (b *Bus) Run(ctx context.Context) {
	if b.pending == nil {
		<-ctx.Done()
		return
	}
	defer func() {
		for _, s := range b.sinks {
			if err := s.Close(); err != nil {
				b.log.Warn("close sink", zap.Error(err))
			}
		}
	}()

	batch := make([]model.IntegrationEvent, 0, 100)
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-b.pending:
			batch = append(batch[:0], ev)
		drain:
			for len(batch) < cap(batch) {
				select {
				case ev := <-b.pending:
					batch = append(batch, ev)
				default:
					break drain
				}
			}
			b.flush(ctx, batch)
		}
	}
}

func (b *Bus) flush(ctx context.Context, batch []model.IntegrationEvent) {
	for _, s := range b.sinks {
		if err := s.Write(ctx, batch); err != nil {
			metrics.EventsDropped.Add(float64(len(batch)))
			b.log.Error("sink write failed", zap.Int("events", len(batch)), zap.Error(err))
		}
	}
}
