package ledger

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/reconciler/internal/model"
	"github.com/sells-group/reconciler/internal/resilience"
	"github.com/sells-group/reconciler/internal/store"
)

type clock struct{ now time.Time }

func (c *clock) Now() time.Time          { return c.now }
func (c *clock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newClock() *clock {
	return &clock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func strPtr(s string) *string { return &s }

func transient(msg string) error {
	return resilience.NewTransientError(errors.New(msg), 503)
}

func newTestLedger(t *testing.T, maxAttempts int) (*Ledger, *clock) {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	require.NoError(t, st.Migrate(context.Background()))
	t.Cleanup(func() { _ = st.Close() })

	c := newClock()
	l := New(st, resilience.RetryConfig{
		MaxAttempts:    maxAttempts,
		InitialBackoff: time.Second,
		MaxBackoff:     time.Minute,
		Multiplier:     2,
	}, WithDeferDelay(30*time.Second))
	l.nowFunc = c.Now
	return l, c
}

func record(t *testing.T, l *Ledger, externalID string) *model.Delivery {
	t.Helper()
	d := &model.Delivery{Source: model.SourceCRM, EventType: "contact.updated", RawBody: []byte(`{}`)}
	if externalID != "" {
		d.ExternalDeliveryID = strPtr(externalID)
	}
	stored, created, err := l.Record(context.Background(), d)
	require.NoError(t, err)
	require.True(t, created)
	return stored
}

func TestRecord_DedupesByExternalDeliveryID(t *testing.T) {
	l, _ := newTestLedger(t, 3)
	ctx := context.Background()

	first := record(t, l, "evt-1")
	assert.Equal(t, model.DeliveryReceived, first.Status)
	assert.Equal(t, model.TriggeredByWebhook, first.TriggeredBy)

	dup, created, err := l.Record(ctx, &model.Delivery{
		Source:             model.SourceCRM,
		EventType:          "contact.updated",
		ExternalDeliveryID: strPtr("evt-1"),
	})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, dup.ID)

	// The same id from another source is a different delivery.
	_, created, err = l.Record(ctx, &model.Delivery{
		Source:             model.SourceLedger,
		EventType:          "invoice.updated",
		ExternalDeliveryID: strPtr("evt-1"),
	})
	require.NoError(t, err)
	assert.True(t, created)
}

func TestRecord_WithoutExternalIDNeverDedupes(t *testing.T) {
	l, _ := newTestLedger(t, 3)
	a := record(t, l, "")
	b := record(t, l, "")
	assert.NotEqual(t, a.ID, b.ID)
}

func TestRecord_UnknownSource(t *testing.T) {
	l, _ := newTestLedger(t, 3)
	_, _, err := l.Record(context.Background(), &model.Delivery{Source: "fax"})
	assert.ErrorIs(t, err, resilience.ErrMalformedPayload)
}

func TestClaimAndApply(t *testing.T) {
	l, _ := newTestLedger(t, 3)
	ctx := context.Background()
	d := record(t, l, "evt-1")

	claimed, err := l.Claim(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, model.DeliveryProcessing, claimed.Status)
	assert.Equal(t, 1, claimed.AttemptCount)
	require.NotNil(t, claimed.ClaimedAt)

	_, err = l.Claim(ctx, d.ID)
	assert.ErrorIs(t, err, ErrIllegalTransition)

	applied, err := l.MarkApplied(ctx, claimed)
	require.NoError(t, err)
	assert.Equal(t, model.DeliveryApplied, applied.Status)
	require.NotNil(t, applied.ProcessedAt)

	stored, err := l.Get(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, model.DeliveryApplied, stored.Status)
}

func TestClaim_ConflictWithConcurrentWorker(t *testing.T) {
	l, _ := newTestLedger(t, 3)
	ctx := context.Background()
	d := record(t, l, "evt-1")

	_, err := l.claim(ctx, d)
	require.NoError(t, err)
	_, err = l.claim(ctx, d)
	assert.ErrorIs(t, err, ErrConflict)
}

func TestMarkFailed_RetriesWithBackoffThenDeadLetters(t *testing.T) {
	l, c := newTestLedger(t, 2)
	ctx := context.Background()
	d := record(t, l, "evt-1")

	claimed, err := l.Claim(ctx, d.ID)
	require.NoError(t, err)

	failed, disp, err := l.MarkFailed(ctx, claimed, transient("upstream 503"))
	require.NoError(t, err)
	assert.Equal(t, resilience.DispositionRetry, disp)
	assert.Equal(t, model.DeliveryFailed, failed.Status)
	require.NotNil(t, failed.NextAttemptAt)
	assert.Equal(t, c.now.Add(time.Second), *failed.NextAttemptAt)
	assert.Equal(t, "transient_source_error: upstream 503", failed.Error)
	assert.Equal(t, resilience.KindTransientSourceError, ErrorKind(failed))

	due, err := l.ClaimDue(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, due, "not due before backoff elapses")

	c.Advance(2 * time.Second)
	due, err = l.ClaimDue(ctx, 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, 2, due[0].AttemptCount)

	final, disp, err := l.MarkFailed(ctx, due[0], transient("still 503"))
	require.NoError(t, err)
	assert.Equal(t, resilience.DispositionDeadLetter, disp)
	assert.Equal(t, model.DeliveryDeadLettered, final.Status)
	assert.Equal(t, 2, final.AttemptCount)

	dead, err := l.ListDeadLetters(ctx, model.SourceCRM, 10)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, d.ID, dead[0].ID)
}

func TestMarkFailed_NonRetryableDeadLettersAtOnce(t *testing.T) {
	l, _ := newTestLedger(t, 5)
	ctx := context.Background()

	for name, cause := range map[string]error{
		"malformed":  resilience.Malformed("bad json"),
		"rejected":   eris.Wrap(resilience.ErrDomainValidationRejected, "ssn"),
		"incomplete": &resilience.IncompleteReferenceError{Key: model.RecordKey{Source: model.SourceCRM, EntityType: "contact", ExternalID: "C1"}},
	} {
		t.Run(name, func(t *testing.T) {
			d := record(t, l, "")
			claimed, err := l.Claim(ctx, d.ID)
			require.NoError(t, err)

			final, disp, err := l.MarkFailed(ctx, claimed, cause)
			require.NoError(t, err)
			assert.Equal(t, resilience.DispositionDeadLetter, disp)
			assert.Equal(t, model.DeliveryDeadLettered, final.Status)
			assert.Equal(t, 1, final.AttemptCount)
		})
	}
}

func TestMarkFailed_SignatureInvalidFromReceived(t *testing.T) {
	l, _ := newTestLedger(t, 5)
	d := record(t, l, "evt-1")

	final, disp, err := l.MarkFailed(context.Background(), d, eris.Wrap(resilience.ErrSignatureInvalid, "hmac mismatch"))
	require.NoError(t, err)
	assert.Equal(t, resilience.DispositionDeadLetter, disp)
	assert.Equal(t, model.DeliveryDeadLettered, final.Status)
	assert.Zero(t, final.AttemptCount)
	assert.Equal(t, resilience.KindSignatureInvalid, ErrorKind(final))

	_, err = l.Replay(context.Background(), d.ID)
	assert.ErrorIs(t, err, ErrNotReplayable)
}

func TestMarkFailed_CircuitOpenRefundsAttempt(t *testing.T) {
	l, c := newTestLedger(t, 3)
	ctx := context.Background()
	d := record(t, l, "evt-1")

	claimed, err := l.Claim(ctx, d.ID)
	require.NoError(t, err)

	deferred, disp, err := l.MarkFailed(ctx, claimed, eris.Wrap(resilience.ErrCircuitOpen, "crm"))
	require.NoError(t, err)
	assert.Equal(t, resilience.DispositionDefer, disp)
	assert.Equal(t, model.DeliveryFailed, deferred.Status)
	assert.Zero(t, deferred.AttemptCount)
	require.NotNil(t, deferred.NextAttemptAt)
	assert.Equal(t, c.now.Add(30*time.Second), *deferred.NextAttemptAt)

	c.Advance(31 * time.Second)
	due, err := l.ClaimDue(ctx, 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, 1, due[0].AttemptCount)
}

func TestReclaimStale(t *testing.T) {
	l, c := newTestLedger(t, 3)
	ctx := context.Background()
	d := record(t, l, "evt-1")

	_, err := l.Claim(ctx, d.ID)
	require.NoError(t, err)

	ids, err := l.ReclaimStale(ctx, 2*time.Minute)
	require.NoError(t, err)
	assert.Empty(t, ids)

	c.Advance(5 * time.Minute)
	ids, err = l.ReclaimStale(ctx, 2*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, []string{d.ID}, ids)

	stored, err := l.Get(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, model.DeliveryReceived, stored.Status)

	due, err := l.ClaimDue(ctx, 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, 2, due[0].AttemptCount)
}

func TestReplay(t *testing.T) {
	l, _ := newTestLedger(t, 3)
	ctx := context.Background()
	d := record(t, l, "evt-1")

	claimed, err := l.Claim(ctx, d.ID)
	require.NoError(t, err)
	_, _, err = l.MarkFailed(ctx, claimed, resilience.Malformed("bad"))
	require.NoError(t, err)

	replayed, err := l.Replay(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, model.DeliveryReceived, replayed.Status)
	assert.Zero(t, replayed.AttemptCount)
	assert.Empty(t, replayed.Error)
	assert.Nil(t, replayed.ProcessedAt)

	counts, err := l.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts[model.DeliveryReceived])
}

func TestReplay_MalformedTextMentioningSignatureIsReplayable(t *testing.T) {
	l, _ := newTestLedger(t, 3)
	ctx := context.Background()
	d := record(t, l, "evt-1")

	claimed, err := l.Claim(ctx, d.ID)
	require.NoError(t, err)
	dead, _, err := l.MarkFailed(ctx, claimed, resilience.Malformed("field note: signature invalid in memo"))
	require.NoError(t, err)
	require.Equal(t, model.DeliveryDeadLettered, dead.Status)
	assert.Equal(t, resilience.KindMalformedPayload, ErrorKind(dead))

	replayed, err := l.Replay(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, model.DeliveryReceived, replayed.Status)
}

func TestErrorKind(t *testing.T) {
	assert.Equal(t, resilience.KindSignatureInvalid, ErrorKind(&model.Delivery{Error: "signature_invalid: hmac mismatch"}))
	assert.Empty(t, ErrorKind(&model.Delivery{Error: "legacy free text: signature invalid"}))
	assert.Empty(t, ErrorKind(&model.Delivery{}))
}

func TestReplay_OnlyDeadLetters(t *testing.T) {
	l, _ := newTestLedger(t, 3)
	d := record(t, l, "evt-1")

	_, err := l.Replay(context.Background(), d.ID)
	assert.ErrorIs(t, err, ErrIllegalTransition)

	_, err = l.Replay(context.Background(), "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestTruncate(t *testing.T) {
	long := make([]byte, maxErrorLen+10)
	for i := range long {
		long[i] = 'x'
	}
	assert.Len(t, truncate(string(long)), maxErrorLen)
	assert.Equal(t, "short", truncate("short"))
}
