package upsert

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/reconciler/internal/model"
	"github.com/sells-group/reconciler/internal/resilience"
	"github.com/sells-group/reconciler/internal/source"
	"github.com/sells-group/reconciler/internal/store"
)

func newTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "upsert.db"))
	require.NoError(t, err)
	require.NoError(t, st.Migrate(context.Background()))
	t.Cleanup(func() { _ = st.Close() })
	return st
}

type capture struct {
	mu     sync.Mutex
	events []model.IntegrationEvent
}

func (c *capture) Publish(events ...model.IntegrationEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, events...)
}

func contact(version int64, fields map[string]any, by model.TriggeredBy) model.Envelope {
	return model.Envelope{
		Source:       model.SourceCRM,
		EventType:    "contact.updated",
		EntityType:   model.EntityContact,
		ExternalID:   "C1",
		VersionToken: model.VersionToken(version),
		Fields:       fields,
		TriggeredBy:  by,
	}
}

var c1 = model.RecordKey{Source: model.SourceCRM, EntityType: model.EntityContact, ExternalID: "C1"}

func events(t *testing.T, st store.Store) []model.IntegrationEvent {
	t.Helper()
	evs, err := st.ListEvents(context.Background(), 0, 1000)
	require.NoError(t, err)
	return evs
}

func TestApply_Idempotent(t *testing.T) {
	st := newTestStore(t)
	pub := &capture{}
	e := New(st, WithPublisher(pub))
	ctx := context.Background()
	env := contact(100, map[string]any{"email": "a@x.com"}, model.TriggeredByWebhook)

	first, err := e.Apply(ctx, env)
	require.NoError(t, err)
	assert.Equal(t, model.ActionCreated, first.Action)
	require.NotNil(t, first.Event)

	second, err := e.Apply(ctx, env)
	require.NoError(t, err)
	assert.Equal(t, model.ActionSkippedStale, second.Action)
	assert.Nil(t, second.Event)

	rec, err := st.GetRecord(ctx, c1)
	require.NoError(t, err)
	assert.Equal(t, first.Record.ID, rec.ID)
	assert.Equal(t, "a@x.com", rec.Fields["email"])
	assert.Len(t, events(t, st), 1)
	assert.Len(t, pub.events, 1)
	assert.Equal(t, first.Event.ID, pub.events[0].ID)
}

func TestApply_CausalOrderingConverges(t *testing.T) {
	older := contact(1, map[string]any{"email": "old@x.com", "title": "CTO"}, model.TriggeredByWebhook)
	newer := contact(2, map[string]any{"email": "new@x.com"}, model.TriggeredByWebhook)

	for name, order := range map[string][]model.Envelope{
		"in order":     {older, newer},
		"out of order": {newer, older},
	} {
		t.Run(name, func(t *testing.T) {
			st := newTestStore(t)
			e := New(st)
			for _, env := range order {
				_, err := e.Apply(context.Background(), env)
				require.NoError(t, err)
			}
			rec, err := st.GetRecord(context.Background(), c1)
			require.NoError(t, err)
			assert.Equal(t, model.VersionToken(2), rec.VersionToken)
			assert.Equal(t, "new@x.com", rec.Fields["email"])
		})
	}
}

func TestApply_StalePollAfterWebhook(t *testing.T) {
	st := newTestStore(t)
	e := New(st)
	ctx := context.Background()

	_, err := e.Apply(ctx, contact(100, map[string]any{"email": "a@x.com"}, model.TriggeredByWebhook))
	require.NoError(t, err)

	res, err := e.Apply(ctx, contact(95, map[string]any{"email": "stale@x.com"}, model.TriggeredByPoll))
	require.NoError(t, err)
	assert.Equal(t, model.ActionSkippedStale, res.Action)

	rec, err := st.GetRecord(ctx, c1)
	require.NoError(t, err)
	assert.Equal(t, model.VersionToken(100), rec.VersionToken)
	assert.Equal(t, "a@x.com", rec.Fields["email"])
	assert.Len(t, events(t, st), 1)
}

func TestApply_MergeRetainsAbsentFields(t *testing.T) {
	st := newTestStore(t)
	e := New(st)
	ctx := context.Background()

	_, err := e.Apply(ctx, contact(1, map[string]any{"email": "a@x.com", "title": "CTO"}, model.TriggeredByWebhook))
	require.NoError(t, err)
	res, err := e.Apply(ctx, contact(2, map[string]any{"title": "CEO"}, model.TriggeredByWebhook))
	require.NoError(t, err)

	assert.Equal(t, model.ActionUpdated, res.Action)
	assert.Equal(t, map[string]any{"email": "a@x.com", "title": "CEO"}, res.Record.Fields)
}

func TestApply_TombstoneLifecycle(t *testing.T) {
	st := newTestStore(t)
	e := New(st)
	ctx := context.Background()

	_, err := e.Apply(ctx, contact(1, map[string]any{"email": "a@x.com"}, model.TriggeredByWebhook))
	require.NoError(t, err)

	del := contact(2, nil, model.TriggeredByWebhook)
	del.Tombstone = true
	res, err := e.Apply(ctx, del)
	require.NoError(t, err)
	assert.Equal(t, model.ActionTombstoned, res.Action)
	require.NotNil(t, res.Record.DeletedAt)
	assert.Equal(t, "a@x.com", res.Record.Fields["email"], "tombstones keep the last known fields")

	// A late update older than the tombstone does not resurrect.
	res, err = e.Apply(ctx, contact(1, map[string]any{"email": "zombie@x.com"}, model.TriggeredByPoll))
	require.NoError(t, err)
	assert.Equal(t, model.ActionSkippedStale, res.Action)

	// A newer write does.
	res, err = e.Apply(ctx, contact(3, map[string]any{"email": "back@x.com"}, model.TriggeredByWebhook))
	require.NoError(t, err)
	assert.Equal(t, model.ActionUpdated, res.Action)
	assert.Nil(t, res.Record.DeletedAt)
}

func TestApply_TombstoneUnseenCreatesDeletedRecord(t *testing.T) {
	st := newTestStore(t)
	env := contact(5, nil, model.TriggeredByWebhook)
	env.Tombstone = true

	res, err := New(st).Apply(context.Background(), env)
	require.NoError(t, err)
	assert.Equal(t, model.ActionTombstoned, res.Action)

	rec, err := st.GetRecord(context.Background(), c1)
	require.NoError(t, err)
	assert.True(t, rec.Deleted())
	assert.Equal(t, model.VersionToken(5), rec.VersionToken)
}

func TestApply_ClearsPossibleDeletion(t *testing.T) {
	st := newTestStore(t)
	e := New(st)
	ctx := context.Background()

	_, err := e.Apply(ctx, contact(1, map[string]any{"email": "a@x.com"}, model.TriggeredByWebhook))
	require.NoError(t, err)
	flagged := time.Now()
	require.NoError(t, st.MarkPossibleDeletion(ctx, c1, &flagged))

	res, err := e.Apply(ctx, contact(2, map[string]any{"email": "b@x.com"}, model.TriggeredByReconciliation))
	require.NoError(t, err)
	assert.Nil(t, res.Record.PossibleDeletionAt)
}

func TestApply_RedactedFieldNeverChanges(t *testing.T) {
	st := newTestStore(t)
	policy := NewPolicy(Rule{
		Source:     model.SourceCRM,
		EntityType: model.EntityContact,
		Direction:  model.DirectionInbound,
		Mode:       ModeDeny,
		Fields:     []string{"owner_notes"},
	})
	e := New(st, WithPolicy(policy))
	ctx := context.Background()

	version := int64(0)
	for _, by := range []model.TriggeredBy{model.TriggeredByWebhook, model.TriggeredByPoll, model.TriggeredByReconciliation} {
		version++
		res, err := e.Apply(ctx, contact(version, map[string]any{
			"email":       fmt.Sprintf("%s@x.com", by),
			"owner_notes": "overwritten by " + string(by),
		}, by))
		require.NoError(t, err)
		assert.Equal(t, []string{"owner_notes"}, res.Redacted)
		assert.Equal(t, []string{"owner_notes"}, res.Event.SummaryPayload["redacted"])
	}

	rec, err := st.GetRecord(ctx, c1)
	require.NoError(t, err)
	_, present := rec.Fields["owner_notes"]
	assert.False(t, present)
	assert.Equal(t, "reconciliation@x.com", rec.Fields["email"])
}

func TestApply_PrivacyWall(t *testing.T) {
	st := newTestStore(t)
	policy := NewPolicy(Rule{
		Source:     model.SourceCRM,
		EntityType: Wildcard,
		Direction:  model.DirectionInbound,
		Mode:       ModeDeny,
		Fields:     []string{Wildcard},
	})
	res, err := New(st, WithPolicy(policy)).Apply(context.Background(),
		contact(1, map[string]any{"email": "a@x.com", "name": "Ada"}, model.TriggeredByWebhook))
	require.NoError(t, err)
	assert.Empty(t, res.Record.Fields)
	assert.Equal(t, []string{"email", "name"}, res.Redacted)
}

func TestApply_RejectWritesNothing(t *testing.T) {
	st := newTestStore(t)
	policy := NewPolicy(Rule{
		Source:      model.SourceCRM,
		EntityType:  model.EntityContact,
		Direction:   model.DirectionInbound,
		Mode:        ModeDeny,
		Fields:      []string{"ssn"},
		OnViolation: ViolationReject,
	})
	_, err := New(st, WithPolicy(policy)).Apply(context.Background(),
		contact(1, map[string]any{"ssn": "123"}, model.TriggeredByWebhook))
	require.Error(t, err)
	assert.ErrorIs(t, err, resilience.ErrDomainValidationRejected)
	assert.Equal(t, resilience.DispositionDeadLetter, resilience.Classify(err))

	_, err = st.GetRecord(context.Background(), c1)
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.Empty(t, events(t, st))
}

func TestApply_InvalidEnvelopes(t *testing.T) {
	e := New(newTestStore(t))
	ctx := context.Background()

	_, err := e.Apply(ctx, model.Envelope{Source: "fax", EntityType: "x", ExternalID: "1", Fields: map[string]any{}})
	assert.ErrorIs(t, err, resilience.ErrMalformedPayload)

	_, err = e.Apply(ctx, model.Envelope{Source: model.SourceCRM, Fields: map[string]any{}})
	assert.ErrorIs(t, err, resilience.ErrMalformedPayload)

	var inc *resilience.IncompleteReferenceError
	_, err = e.Apply(ctx, contact(1, nil, model.TriggeredByWebhook))
	require.ErrorAs(t, err, &inc)
	assert.Equal(t, c1, inc.Key)
}

func TestApply_SummaryLimit(t *testing.T) {
	fields := map[string]any{}
	keys := make([]string, 0, 12)
	for i := 0; i < 12; i++ {
		k := fmt.Sprintf("f%02d", i)
		fields[k] = i
		keys = append(keys, k)
	}
	e := New(newTestStore(t), WithSummaryFields(func(model.Source, string) []string { return keys }))

	res, err := e.Apply(context.Background(), contact(1, fields, model.TriggeredByWebhook))
	require.NoError(t, err)
	assert.Len(t, res.Event.SummaryPayload, maxSummaryKeys)
	assert.Contains(t, res.Event.SummaryPayload, "f00")
	assert.NotContains(t, res.Event.SummaryPayload, "f08")
}

func TestApply_ConcurrentSameEntity(t *testing.T) {
	st := newTestStore(t)
	e := New(st)

	var wg sync.WaitGroup
	for v := 1; v <= 20; v++ {
		wg.Add(1)
		go func(v int) {
			defer wg.Done()
			_, err := e.Apply(context.Background(), contact(int64(v), map[string]any{"n": v}, model.TriggeredByWebhook))
			assert.NoError(t, err)
		}(v)
	}
	wg.Wait()

	rec, err := st.GetRecord(context.Background(), c1)
	require.NoError(t, err)
	assert.Equal(t, model.VersionToken(20), rec.VersionToken)
	assert.EqualValues(t, 20, rec.Fields["n"])
	assert.Equal(t, 0, e.locks.size())

	// Writes that lost the race to a newer version emit nothing.
	evs := events(t, st)
	assert.NotEmpty(t, evs)
	assert.LessOrEqual(t, len(evs), 20)
	for i := 1; i < len(evs); i++ {
		assert.Greater(t, evs[i].Seq, evs[i-1].Seq)
	}
}

func TestSummarize(t *testing.T) {
	got := summarize(map[string]any{"name": "Ada", "email": "a@x.com"}, []string{"name", "missing"}, nil)
	assert.Equal(t, map[string]any{"name": "Ada"}, got)

	got = summarize(map[string]any{"name": "Ada"}, source.DefaultSummaryFields, []string{"ssn"})
	assert.Equal(t, map[string]any{"name": "Ada", "redacted": []string{"ssn"}}, got)
}

func TestApply_DefaultSummaryFieldsWithoutSummarizer(t *testing.T) {
	st := newTestStore(t)
	e := New(st)
	res, err := e.Apply(context.Background(), model.Envelope{
		Source: model.SourceCRM, EventType: "contact.updated", EntityType: model.EntityContact,
		ExternalID: "C1", VersionToken: 1, TriggeredBy: model.TriggeredByWebhook,
		Fields: map[string]any{"name": "Ada", "email": "a@x.com", "phone": "555"},
	})
	require.NoError(t, err)
	require.NotNil(t, res.Event)
	for k := range res.Event.SummaryPayload {
		assert.Contains(t, source.DefaultSummaryFields, k)
	}
	assert.Equal(t, "Ada", res.Event.SummaryPayload["name"])
	assert.NotContains(t, res.Event.SummaryPayload, "phone")
}

func TestLatency(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 10, 0, time.UTC)
	changed := now.Add(-4 * time.Second)

	assert.Equal(t, 4*time.Second, latency(&model.Envelope{SourceChangedAt: &changed, ReceivedAt: now.Add(-time.Second)}, now))
	assert.Equal(t, time.Second, latency(&model.Envelope{ReceivedAt: now.Add(-time.Second)}, now))
	assert.Zero(t, latency(&model.Envelope{}, now))

	future := now.Add(time.Minute)
	assert.Zero(t, latency(&model.Envelope{SourceChangedAt: &future}, now))
}
