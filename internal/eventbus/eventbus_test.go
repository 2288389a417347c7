package eventbus

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/reconciler/internal/model"
	"github.com/sells-group/reconciler/internal/store"
)

func event(id string) model.IntegrationEvent {
	return model.IntegrationEvent{
		ID:               id,
		Source:           model.SourceCRM,
		EventType:        "contact.updated",
		EntityType:       model.EntityContact,
		EntityExternalID: "C1",
		Action:           model.ActionUpdated,
		CreatedAt:        time.Unix(1700000000, 0).UTC(),
	}
}

func TestBus_FanOut(t *testing.T) {
	b := New(4)
	a := b.Subscribe(0)
	c := b.Subscribe(0)

	b.Publish(event("e1"), event("e2"))

	for _, sub := range []<-chan model.IntegrationEvent{a, c} {
		assert.Equal(t, "e1", (<-sub).ID)
		assert.Equal(t, "e2", (<-sub).ID)
	}
}

func TestBus_DropsSlowSubscriber(t *testing.T) {
	b := New(4)
	slow := b.Subscribe(1)
	fast := b.Subscribe(8)

	b.Publish(event("e1"), event("e2"), event("e3"))

	got := <-slow
	assert.Equal(t, "e1", got.ID)
	_, open := <-slow
	assert.False(t, open, "slow subscriber should be closed")

	for _, id := range []string{"e1", "e2", "e3"} {
		assert.Equal(t, id, (<-fast).ID)
	}

	// A dropped subscriber can still be unsubscribed safely.
	b.Unsubscribe(slow)
}

func TestBus_Unsubscribe(t *testing.T) {
	b := New(4)
	sub := b.Subscribe(0)
	b.Unsubscribe(sub)

	_, open := <-sub
	assert.False(t, open)
	b.Publish(event("e1"))
}

type recordingSink struct {
	mu     sync.Mutex
	events []model.IntegrationEvent
	err    error
	closed bool
	wrote  chan struct{}
}

func (s *recordingSink) Write(_ context.Context, evs []model.IntegrationEvent) error {
	s.mu.Lock()
	s.events = append(s.events, evs...)
	s.mu.Unlock()
	s.wrote <- struct{}{}
	return s.err
}

func (s *recordingSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func TestBus_Sinks(t *testing.T) {
	sink := &recordingSink{wrote: make(chan struct{}, 10)}
	b := New(4, sink)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		b.Run(ctx)
		close(done)
	}()

	b.Publish(event("e1"))
	select {
	case <-sink.wrote:
	case <-time.After(2 * time.Second):
		t.Fatal("sink never written")
	}

	cancel()
	<-done

	sink.mu.Lock()
	defer sink.mu.Unlock()
	require.Len(t, sink.events, 1)
	assert.Equal(t, "e1", sink.events[0].ID)
	assert.True(t, sink.closed)
}

func TestBus_SinkErrorDoesNotStopRun(t *testing.T) {
	sink := &recordingSink{wrote: make(chan struct{}, 10), err: errors.New("broker down")}
	b := New(4, sink)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go b.Run(ctx)

	b.Publish(event("e1"))
	<-sink.wrote
	b.Publish(event("e2"))
	select {
	case <-sink.wrote:
	case <-time.After(2 * time.Second):
		t.Fatal("run loop stopped after sink error")
	}
}

type fakeWriter struct {
	msgs   []kafka.Message
	err    error
	closed bool
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.msgs = append(w.msgs, msgs...)
	return w.err
}

func (w *fakeWriter) Close() error {
	w.closed = true
	return nil
}

func TestKafkaSink_Write(t *testing.T) {
	w := &fakeWriter{}
	k := &KafkaSink{w: w, timeout: time.Second}

	require.NoError(t, k.Write(context.Background(), []model.IntegrationEvent{event("e1")}))
	require.Len(t, w.msgs, 1)

	msg := w.msgs[0]
	assert.Equal(t, "crm/contact/C1", string(msg.Key))
	assert.Equal(t, "event_id", msg.Headers[0].Key)
	assert.Equal(t, "e1", string(msg.Headers[0].Value))

	var decoded model.IntegrationEvent
	require.NoError(t, json.Unmarshal(msg.Value, &decoded))
	assert.Equal(t, "e1", decoded.ID)
	assert.Equal(t, model.ActionUpdated, decoded.Action)

	require.NoError(t, k.Close())
	assert.True(t, w.closed)
}

func TestKafkaSink_WriteError(t *testing.T) {
	k := &KafkaSink{w: &fakeWriter{err: errors.New("leader not available")}, timeout: time.Second}
	err := k.Write(context.Background(), []model.IntegrationEvent{event("e1")})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "kafka: write 1 events")
}

type pruneStore struct {
	store.Store
	pruneFn func(ctx context.Context, before time.Time, archive bool) (int64, error)
}

func (s *pruneStore) PruneEvents(ctx context.Context, before time.Time, archive bool) (int64, error) {
	return s.pruneFn(ctx, before, archive)
}

func TestPruner_Prune(t *testing.T) {
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	var gotBefore time.Time
	var gotArchive bool
	st := &pruneStore{pruneFn: func(_ context.Context, before time.Time, archive bool) (int64, error) {
		gotBefore, gotArchive = before, archive
		return 7, nil
	}}

	p := NewPruner(st, 720*time.Hour, time.Hour, true)
	p.nowFunc = func() time.Time { return now }

	n, err := p.Prune(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(7), n)
	assert.Equal(t, now.Add(-720*time.Hour), gotBefore)
	assert.True(t, gotArchive)
}

func TestPruner_ZeroRetentionKeepsEverything(t *testing.T) {
	st := &pruneStore{pruneFn: func(context.Context, time.Time, bool) (int64, error) {
		t.Fatal("prune should not be called")
		return 0, nil
	}}
	n, err := NewPruner(st, 0, time.Hour, false).Prune(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestPruner_Error(t *testing.T) {
	st := &pruneStore{pruneFn: func(context.Context, time.Time, bool) (int64, error) {
		return 0, errors.New("disk full")
	}}
	_, err := NewPruner(st, time.Hour, time.Hour, false).Prune(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
}
