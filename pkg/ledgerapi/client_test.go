package ledgerapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/reconciler/internal/resilience"
)

func TestGet_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/invoices/INV-1", r.URL.Path)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(Record{
			ID:       "INV-1",
			Revision: 7,
			Data:     map[string]any{"amount": 1200.5, "status": "paid"},
		})
	}))
	defer srv.Close()

	client := NewClient("tok", WithBaseURL(srv.URL))
	rec, err := client.Get(context.Background(), "invoice", "INV-1")

	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, int64(7), rec.Revision)
	assert.Equal(t, "invoice", rec.Entity)
	assert.Equal(t, "paid", rec.Data["status"])
}

func TestGet_NotFound(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	rec, err := NewClient("tok", WithBaseURL(srv.URL)).Get(context.Background(), "invoice", "missing")
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestGet_ServerErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := NewClient("tok", WithBaseURL(srv.URL)).Get(context.Background(), "invoice", "INV-1")
	require.Error(t, err)
	assert.True(t, resilience.IsTransient(err))
	assert.Contains(t, err.Error(), "502")
}

func TestGet_ClientErrorIsPermanent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"error":"forbidden"}`))
	}))
	defer srv.Close()

	_, err := NewClient("tok", WithBaseURL(srv.URL)).Get(context.Background(), "invoice", "INV-1")
	require.Error(t, err)
	assert.False(t, resilience.IsTransient(err))
	assert.Contains(t, err.Error(), "403")
}

func TestList_QueryParameters(t *testing.T) {
	since := time.Date(2026, 2, 3, 4, 5, 6, 0, time.UTC)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/transactions", r.URL.Path)
		assert.Equal(t, "2026-02-03T04:05:06Z", r.URL.Query().Get("updated_since"))
		assert.Equal(t, "p2", r.URL.Query().Get("page_token"))
		assert.Equal(t, "50", r.URL.Query().Get("limit"))

		_ = json.NewEncoder(w).Encode(ListResponse{
			Records:       []Record{{ID: "T1", Revision: 1}, {ID: "T2", Revision: 3, Deleted: true}},
			NextPageToken: "p3",
		})
	}))
	defer srv.Close()

	resp, err := NewClient("tok", WithBaseURL(srv.URL)).List(context.Background(), "transaction",
		ListOptions{UpdatedSince: since, PageToken: "p2", Limit: 50})
	require.NoError(t, err)
	require.Len(t, resp.Records, 2)
	assert.Equal(t, "transaction", resp.Records[0].Entity)
	assert.True(t, resp.Records[1].Deleted)
	assert.Equal(t, "p3", resp.NextPageToken)
}

func TestList_ContextCanceled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := NewClient("tok", WithBaseURL(srv.URL)).List(ctx, "invoice", ListOptions{})
	require.Error(t, err)
	assert.True(t, resilience.IsTransient(err))
}
