package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/sells-group/reconciler/internal/config"
	"github.com/sells-group/reconciler/internal/eventbus"
	"github.com/sells-group/reconciler/internal/ledger"
	"github.com/sells-group/reconciler/internal/model"
	"github.com/sells-group/reconciler/internal/reconcile"
	"github.com/sells-group/reconciler/internal/resilience"
	"github.com/sells-group/reconciler/internal/source"
	"github.com/sells-group/reconciler/internal/store"
	"github.com/sells-group/reconciler/internal/upsert"
	"github.com/sells-group/reconciler/internal/verify"
)

type stubProc struct{}

func (stubProc) Source() model.Source  { return model.SourceCRM }
func (stubProc) EntityTypes() []string { return []string{model.EntityContact} }
func (stubProc) Verifier() verify.Verifier {
	return verify.SharedSecret{Header: "X-Token", Secret: "s3cret"}
}

func (stubProc) Identify(headers http.Header, _ []byte) source.Identity {
	return source.Identity{DeliveryID: headers.Get("X-Delivery"), EventType: "contact.updated"}
}

func (stubProc) Normalize(context.Context, source.RawDelivery) ([]model.Envelope, error) {
	return nil, nil
}

func (stubProc) Challenge(req source.ChallengeRequest) (*source.ChallengeResponse, error) {
	nonce := req.Query.Get("challenge")
	if nonce == "" {
		return nil, resilience.Malformed("missing challenge")
	}
	return &source.ChallengeResponse{ContentType: "text/plain", Body: []byte("echo:" + nonce)}, nil
}

type fakeQueue struct {
	mu  sync.Mutex
	ids []string
}

func (q *fakeQueue) Enqueue(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.ids = append(q.ids, id)
	return true
}

func (q *fakeQueue) queued() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]string(nil), q.ids...)
}

type fakeReconciler struct {
	got  reconcile.Options
	sum  *model.ReconciliationSummary
	err  error
	runs int
}

func (f *fakeReconciler) Run(_ context.Context, src model.Source, et string, opts reconcile.Options) (*model.ReconciliationSummary, error) {
	f.runs++
	f.got = opts
	if f.err != nil {
		return nil, f.err
	}
	s := *f.sum
	s.Source, s.EntityType, s.DryRun = src, et, opts.DryRun
	return &s, nil
}

type fakeBreakers []model.CircuitBreakerState

func (f fakeBreakers) Snapshots() []model.CircuitBreakerState { return f }

type harness struct {
	srv    *Server
	store  *store.SQLiteStore
	ledger *ledger.Ledger
	queue  *fakeQueue
	rec    *fakeReconciler
	bus    *eventbus.Bus
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "server.db"))
	require.NoError(t, err)
	require.NoError(t, st.Migrate(context.Background()))
	t.Cleanup(func() { _ = st.Close() })

	h := &harness{
		store:  st,
		ledger: ledger.New(st, resilience.RetryConfig{MaxAttempts: 3, InitialBackoff: time.Second, Multiplier: 2}),
		queue:  &fakeQueue{},
		rec:    &fakeReconciler{sum: &model.ReconciliationSummary{Checked: 3, Matched: 3, Complete: true}},
		bus:    eventbus.New(8),
	}
	h.srv = New(Deps{
		Store:      st,
		Ledger:     h.ledger,
		Registry:   source.NewRegistry(stubProc{}),
		Queue:      h.queue,
		Reconciler: h.rec,
		Events:     h.bus,
		Breakers:   fakeBreakers{{Name: "crm", State: "open"}},
	}, config.ServerConfig{MaxBodySize: 1024})
	return h
}

func (h *harness) do(method, target, body string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.srv.Router().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v))
}

func TestWebhook_AcceptedAndEnqueued(t *testing.T) {
	h := newHarness(t)
	rec := h.do(http.MethodPost, "/webhooks/crm", `{"id":"C1"}`, map[string]string{"X-Token": "s3cret", "X-Delivery": "d-1"})
	require.Equal(t, http.StatusAccepted, rec.Code)

	var resp webhookResponse
	decode(t, rec, &resp)
	assert.Equal(t, "received", resp.Status)
	assert.Equal(t, []string{resp.DeliveryID}, h.queue.queued())

	d, err := h.ledger.Get(context.Background(), resp.DeliveryID)
	require.NoError(t, err)
	assert.Equal(t, `{"id":"C1"}`, string(d.RawBody))
	assert.Equal(t, "s3cret", d.RawHeaders["X-Token"])
}

func TestWebhook_DuplicateDeliveryIsAcknowledged(t *testing.T) {
	h := newHarness(t)
	hdr := map[string]string{"X-Token": "s3cret", "X-Delivery": "d-1"}
	first := h.do(http.MethodPost, "/webhooks/crm", `{}`, hdr)
	require.Equal(t, http.StatusAccepted, first.Code)

	second := h.do(http.MethodPost, "/webhooks/crm", `{}`, hdr)
	require.Equal(t, http.StatusOK, second.Code)
	var resp webhookResponse
	decode(t, second, &resp)
	assert.Equal(t, "duplicate", resp.Status)
	assert.Len(t, h.queue.queued(), 1)
}

func TestWebhook_InvalidSignatureDeadLetters(t *testing.T) {
	h := newHarness(t)
	rec := h.do(http.MethodPost, "/webhooks/crm", `{}`, map[string]string{"X-Token": "wrong", "X-Delivery": "d-9"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Empty(t, h.queue.queued())

	dead, err := h.ledger.List(context.Background(), model.DeliveryFilter{Status: model.DeliveryDeadLettered})
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Contains(t, dead[0].Error, "signature invalid")

	replay := h.do(http.MethodPost, "/v1/deliveries/"+dead[0].ID+"/replay", "", nil)
	assert.Equal(t, http.StatusConflict, replay.Code)
}

func TestWebhook_UnknownSource(t *testing.T) {
	h := newHarness(t)
	rec := h.do(http.MethodPost, "/webhooks/ledger", `{}`, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestWebhook_BodyTooLarge(t *testing.T) {
	h := newHarness(t)
	rec := h.do(http.MethodPost, "/webhooks/crm", strings.Repeat("x", 2048), map[string]string{"X-Token": "s3cret"})
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestChallenge(t *testing.T) {
	h := newHarness(t)
	rec := h.do(http.MethodGet, "/webhooks/crm/challenge?challenge=abc", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/plain", rec.Header().Get("Content-Type"))
	assert.Equal(t, "echo:abc", rec.Body.String())

	bad := h.do(http.MethodGet, "/webhooks/crm/challenge", "", nil)
	assert.Equal(t, http.StatusBadRequest, bad.Code)
}

func TestHealth(t *testing.T) {
	h := newHarness(t)
	rec := h.do(http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestMetrics(t *testing.T) {
	h := newHarness(t)
	rec := h.do(http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestListDeliveriesAndReplay(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	d, _, err := h.ledger.Record(ctx, &model.Delivery{Source: model.SourceCRM, EventType: "contact.updated", RawBody: []byte(`{}`)})
	require.NoError(t, err)
	got, _, err := h.ledger.MarkFailed(ctx, d, resilience.Malformed("bad json"))
	require.NoError(t, err)
	require.Equal(t, model.DeliveryDeadLettered, got.Status)

	rec := h.do(http.MethodGet, "/v1/deliveries?status=dead_lettered", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Deliveries []model.Delivery `json:"deliveries"`
	}
	decode(t, rec, &list)
	require.Len(t, list.Deliveries, 1)
	assert.Nil(t, list.Deliveries[0].RawBody)

	bad := h.do(http.MethodGet, "/v1/deliveries?status=bogus", "", nil)
	assert.Equal(t, http.StatusBadRequest, bad.Code)

	replay := h.do(http.MethodPost, "/v1/deliveries/"+d.ID+"/replay", "", nil)
	require.Equal(t, http.StatusAccepted, replay.Code)
	assert.Equal(t, []string{d.ID}, h.queue.queued())

	again := h.do(http.MethodPost, "/v1/deliveries/"+d.ID+"/replay", "", nil)
	assert.Equal(t, http.StatusConflict, again.Code)

	missing := h.do(http.MethodGet, "/v1/deliveries/nope", "", nil)
	assert.Equal(t, http.StatusNotFound, missing.Code)
}

func apply(t *testing.T, h *harness, id string, version int64) {
	t.Helper()
	e := upsert.New(h.store, upsert.WithPublisher(h.bus))
	_, err := e.Apply(context.Background(), model.Envelope{
		Source:       model.SourceCRM,
		EventType:    "contact.updated",
		EntityType:   model.EntityContact,
		ExternalID:   id,
		VersionToken: model.VersionToken(version),
		Fields:       map[string]any{"email": id + "@x.com"},
		TriggeredBy:  model.TriggeredByWebhook,
	})
	require.NoError(t, err)
}

func TestListEvents(t *testing.T) {
	h := newHarness(t)
	apply(t, h, "C1", 1)
	apply(t, h, "C2", 1)

	rec := h.do(http.MethodGet, "/v1/events?after=0&limit=1", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var page struct {
		Events    []model.IntegrationEvent `json:"events"`
		NextAfter int64                    `json:"next_after"`
	}
	decode(t, rec, &page)
	require.Len(t, page.Events, 1)
	assert.Equal(t, "C1", page.Events[0].EntityExternalID)

	rec = h.do(http.MethodGet, "/v1/events?after="+strconv.FormatInt(page.NextAfter, 10), "", nil)
	decode(t, rec, &page)
	require.Len(t, page.Events, 1)
	assert.Equal(t, "C2", page.Events[0].EntityExternalID)

	bad := h.do(http.MethodGet, "/v1/events?after=x", "", nil)
	assert.Equal(t, http.StatusBadRequest, bad.Code)
}

func TestCircuits(t *testing.T) {
	h := newHarness(t)
	rec := h.do(http.MethodGet, "/v1/circuits", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"name":"crm"`)
}

func TestReconcileOnDemand(t *testing.T) {
	h := newHarness(t)
	rec := h.do(http.MethodPost, "/v1/reconcile/crm/contact?dry_run=true", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, h.rec.got.DryRun)

	var sum model.ReconciliationSummary
	decode(t, rec, &sum)
	assert.Equal(t, 3, sum.Checked)
	assert.True(t, sum.DryRun)

	unknown := h.do(http.MethodPost, "/v1/reconcile/ledger/invoice", "", nil)
	assert.Equal(t, http.StatusNotFound, unknown.Code)
	assert.Equal(t, 1, h.rec.runs)

	h.rec.err = resilience.ErrCircuitOpen
	open := h.do(http.MethodPost, "/v1/reconcile/crm/contact", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, open.Code)
}

func TestStream_CatchUpThenLive(t *testing.T) {
	h := newHarness(t)
	apply(t, h, "C1", 1)

	ts := httptest.NewServer(h.srv.Router())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(ts.URL, "http")+"/v1/events/stream?after=0", nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "done") //nolint:errcheck

	var f streamFrame
	require.NoError(t, wsjson.Read(ctx, conn, &f))
	assert.Equal(t, "event", f.Type)
	require.NotNil(t, f.Event)
	assert.Equal(t, "C1", f.Event.EntityExternalID)

	require.NoError(t, wsjson.Read(ctx, conn, &f))
	assert.Equal(t, "ready", f.Type)

	apply(t, h, "C2", 1)
	require.NoError(t, wsjson.Read(ctx, conn, &f))
	assert.Equal(t, "event", f.Type)
	assert.Equal(t, "C2", f.Event.EntityExternalID)
}

func dialStream(t *testing.T, h *harness, query string) (*websocket.Conn, context.Context) {
	t.Helper()
	ts := httptest.NewServer(h.srv.Router())
	t.Cleanup(ts.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(ts.URL, "http")+"/v1/events/stream"+query, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "done") })
	return conn, ctx
}

func readEventID(t *testing.T, ctx context.Context, conn *websocket.Conn) string {
	t.Helper()
	var f streamFrame
	require.NoError(t, wsjson.Read(ctx, conn, &f))
	require.Equal(t, "event", f.Type)
	require.NotNil(t, f.Event)
	return f.Event.ID
}

func TestStream_OutOfOrderPublishIsDelivered(t *testing.T) {
	h := newHarness(t)
	conn, ctx := dialStream(t, h, "")

	var f streamFrame
	require.NoError(t, wsjson.Read(ctx, conn, &f))
	require.Equal(t, "ready", f.Type)

	// Two workers committed 10 then 11 but published in the other order.
	h.bus.Publish(
		model.IntegrationEvent{ID: "ev-b", Seq: 11, EntityExternalID: "B"},
		model.IntegrationEvent{ID: "ev-a", Seq: 10, EntityExternalID: "A"},
	)
	got := []string{readEventID(t, ctx, conn), readEventID(t, ctx, conn)}
	assert.ElementsMatch(t, []string{"ev-a", "ev-b"}, got)

	// A republished event is not sent twice.
	h.bus.Publish(
		model.IntegrationEvent{ID: "ev-b", Seq: 11, EntityExternalID: "B"},
		model.IntegrationEvent{ID: "ev-c", Seq: 12, EntityExternalID: "C"},
	)
	assert.Equal(t, "ev-c", readEventID(t, ctx, conn))
}

func TestStream_SeqGapFilledFromLog(t *testing.T) {
	h := newHarness(t)
	conn, ctx := dialStream(t, h, "?after=0")

	var f streamFrame
	require.NoError(t, wsjson.Read(ctx, conn, &f))
	require.Equal(t, "ready", f.Type)

	// Committed but not yet published when the next live event arrives.
	quiet := upsert.New(h.store)
	for _, id := range []string{"C1", "C2"} {
		_, err := quiet.Apply(context.Background(), model.Envelope{
			Source: model.SourceCRM, EventType: "contact.updated", EntityType: model.EntityContact,
			ExternalID: id, VersionToken: 1, Fields: map[string]any{"email": id + "@x.com"},
			TriggeredBy: model.TriggeredByWebhook,
		})
		require.NoError(t, err)
	}
	logged, err := h.store.ListEvents(context.Background(), 0, 10)
	require.NoError(t, err)
	require.Len(t, logged, 2)

	h.bus.Publish(model.IntegrationEvent{ID: "ev-live", Seq: logged[1].Seq + 1, EntityExternalID: "C3"})

	assert.Equal(t, logged[0].ID, readEventID(t, ctx, conn))
	assert.Equal(t, logged[1].ID, readEventID(t, ctx, conn))
	assert.Equal(t, "ev-live", readEventID(t, ctx, conn))

	// The late publish of a filled event is deduplicated.
	h.bus.Publish(logged[1], model.IntegrationEvent{ID: "ev-next", Seq: logged[1].Seq + 2})
	assert.Equal(t, "ev-next", readEventID(t, ctx, conn))
}
