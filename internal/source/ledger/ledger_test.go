package ledger

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/reconciler/internal/model"
	"github.com/sells-group/reconciler/internal/resilience"
	"github.com/sells-group/reconciler/internal/source"
	"github.com/sells-group/reconciler/pkg/ledgerapi"
	"github.com/sells-group/reconciler/pkg/ledgerapi/mocks"
)

func sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write(body)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func TestVerifier(t *testing.T) {
	p := New(nil, "k")
	body := []byte(`{"type":"invoice.paid"}`)
	h := http.Header{}
	h.Set(SignatureHeader, sign("k", body))
	require.NoError(t, p.Verifier().Verify(h, body))

	h.Set(SignatureHeader, sign("other", body))
	assert.ErrorIs(t, p.Verifier().Verify(h, body), resilience.ErrSignatureInvalid)
}

func TestNormalize(t *testing.T) {
	p := New(nil, "k")
	envs, err := p.Normalize(context.Background(), source.RawDelivery{
		DeliveryID:  "d-1",
		TriggeredBy: model.TriggeredByWebhook,
		Body:        []byte(`{"type":"invoice.paid","id":"INV-1","revision":12,"entity":"invoice","data":{"Status":"paid","amount":10}}`),
	})
	require.NoError(t, err)
	require.Len(t, envs, 1)
	assert.Equal(t, model.VersionToken(12), envs[0].VersionToken)
	assert.Equal(t, map[string]any{"status": "paid", "amount": float64(10)}, envs[0].Fields)
	assert.Equal(t, "d-1", envs[0].DeliveryID)
}

func TestNormalize_DeletedAndIncomplete(t *testing.T) {
	p := New(nil, "k")
	envs, err := p.Normalize(context.Background(), source.RawDelivery{
		Body: []byte(`{"type":"transaction.voided","id":"T1","revision":3,"entity":"transaction","deleted":true}`),
	})
	require.NoError(t, err)
	assert.True(t, envs[0].Tombstone)

	envs, err = p.Normalize(context.Background(), source.RawDelivery{
		Body: []byte(`{"type":"invoice.updated","id":"INV-1","revision":4,"entity":"invoice"}`),
	})
	require.NoError(t, err)
	assert.True(t, envs[0].Incomplete())
}

func TestNormalize_Malformed(t *testing.T) {
	p := New(nil, "k")
	for name, body := range map[string]string{
		"json":        `nope`,
		"entity":      `{"id":"X","revision":1,"entity":"vendor"}`,
		"id":          `{"revision":1,"entity":"invoice"}`,
		"no revision": `{"id":"INV-1","entity":"invoice"}`,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := p.Normalize(context.Background(), source.RawDelivery{Body: []byte(body)})
			assert.ErrorIs(t, err, resilience.ErrMalformedPayload)
		})
	}
}

func TestIdentify(t *testing.T) {
	h := http.Header{}
	h.Set(DeliveryIDHeader, "wh-1")
	id := New(nil, "k").Identify(h, []byte(`{"type":"invoice.paid"}`))
	assert.Equal(t, source.Identity{DeliveryID: "wh-1", EventType: "invoice.paid"}, id)
}

func TestFetch_Deleted(t *testing.T) {
	client := mocks.NewMockClient(t)
	client.On("Get", mock.Anything, "invoice", "INV-1").
		Return(&ledgerapi.Record{ID: "INV-1", Revision: 9, Deleted: true}, nil)

	env, err := New(client, "k").Fetch(context.Background(), model.EntityInvoice, "INV-1")
	require.NoError(t, err)
	require.NotNil(t, env)
	assert.True(t, env.Tombstone)
	assert.Equal(t, model.VersionToken(9), env.VersionToken)
}

func TestFetch_Missing(t *testing.T) {
	client := mocks.NewMockClient(t)
	client.On("Get", mock.Anything, "invoice", "nope").Return(nil, nil)

	env, err := New(client, "k").Fetch(context.Background(), model.EntityInvoice, "nope")
	require.NoError(t, err)
	assert.Nil(t, env)
}

func TestPoll_PagesAndCursor(t *testing.T) {
	since := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	t1 := since.Add(time.Minute)
	t2 := since.Add(2 * time.Minute)

	client := mocks.NewMockClient(t)
	client.On("List", mock.Anything, "invoice", ledgerapi.ListOptions{UpdatedSince: since, Limit: pageSize}).
		Return(&ledgerapi.ListResponse{Records: []ledgerapi.Record{{ID: "A", Revision: 1, UpdatedAt: t2}}, NextPageToken: "p2"}, nil)
	client.On("List", mock.Anything, "invoice", ledgerapi.ListOptions{UpdatedSince: since, Limit: pageSize, PageToken: "p2"}).
		Return(&ledgerapi.ListResponse{Records: []ledgerapi.Record{{ID: "B", Revision: 5, UpdatedAt: t1}}}, nil)

	res, err := New(client, "k").Poll(context.Background(), model.EntityInvoice, source.TimeCursor(since))
	require.NoError(t, err)
	require.Len(t, res.Envelopes, 2)
	assert.Equal(t, source.TimeCursor(t2), res.NextCursor)
	assert.Equal(t, model.TriggeredByPoll, res.Envelopes[0].TriggeredBy)
	assert.NotNil(t, res.Envelopes[1].Fields, "polled records are never incomplete")
}

func TestSnapshot(t *testing.T) {
	client := mocks.NewMockClient(t)
	client.On("List", mock.Anything, "transaction", ledgerapi.ListOptions{Limit: pageSize}).
		Return(&ledgerapi.ListResponse{Records: []ledgerapi.Record{{ID: "T1", Revision: 2}}}, nil)

	snap, err := New(client, "k").Snapshot(context.Background(), model.EntityTransaction)
	require.NoError(t, err)
	assert.True(t, snap.Complete)
	assert.Len(t, snap.Records, 1)

	_, err = New(client, "k").Snapshot(context.Background(), "vendor")
	assert.Error(t, err)
}

func TestSummaryFields(t *testing.T) {
	p := New(nil, "k")
	assert.Contains(t, p.SummaryFields(model.EntityInvoice), "due_date")
	assert.Contains(t, p.SummaryFields(model.EntityTransaction), "counterparty")
}
