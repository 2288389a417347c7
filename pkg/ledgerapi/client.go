// Package ledgerapi is a client for the accounting ledger's REST API.
package ledgerapi

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"

	"github.com/sells-group/reconciler/internal/resilience"
)

const defaultBaseURL = "https://ledger.example.com/api/v1"

// Client performs ledger API operations.
type Client interface {
	// Get returns nil when the record does not exist.
	Get(ctx context.Context, entity, id string) (*Record, error)
	// List returns one page of records. A zero since lists everything.
	List(ctx context.Context, entity string, opts ListOptions) (*ListResponse, error)
}

// Record is one ledger entity (invoice or transaction) at a revision.
type Record struct {
	ID        string         `json:"id"`
	Entity    string         `json:"entity"`
	Revision  int64          `json:"revision"`
	UpdatedAt time.Time      `json:"updated_at"`
	Deleted   bool           `json:"deleted"`
	Data      map[string]any `json:"data"`
}

// ListOptions filters a list request.
type ListOptions struct {
	UpdatedSince time.Time
	PageToken    string
	Limit        int
}

// ListResponse is a page of records.
type ListResponse struct {
	Records       []Record `json:"records"`
	NextPageToken string   `json:"next_page_token"`
}

// Option configures the client.
type Option func(*httpClient)

// WithBaseURL overrides the default API base URL.
func WithBaseURL(url string) Option {
	return func(c *httpClient) {
		if url != "" {
			c.baseURL = url
		}
	}
}

// WithHTTPClient overrides the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) {
		c.http = hc
	}
}

// WithRateLimit sets a per-second request limit.
func WithRateLimit(rps float64) Option {
	return func(c *httpClient) {
		if rps > 0 {
			c.limiter = rate.NewLimiter(rate.Limit(rps), max(int(rps), 1))
		}
	}
}

type httpClient struct {
	token   string
	baseURL string
	http    *http.Client
	limiter *rate.Limiter
}

// NewClient creates a ledger API client authenticated with a bearer token.
func NewClient(token string, opts ...Option) Client {
	c := &httpClient{
		token:   token,
		baseURL: defaultBaseURL,
		http: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *httpClient) Get(ctx context.Context, entity, id string) (*Record, error) {
	var rec Record
	found, err := c.get(ctx, "/"+url.PathEscape(entity)+"s/"+url.PathEscape(id), nil, &rec)
	if err != nil {
		return nil, eris.Wrapf(err, "ledger: get %s %s", entity, id)
	}
	if !found {
		return nil, nil
	}
	if rec.Entity == "" {
		rec.Entity = entity
	}
	return &rec, nil
}

func (c *httpClient) List(ctx context.Context, entity string, opts ListOptions) (*ListResponse, error) {
	q := url.Values{}
	if !opts.UpdatedSince.IsZero() {
		q.Set("updated_since", opts.UpdatedSince.UTC().Format(time.RFC3339Nano))
	}
	if opts.PageToken != "" {
		q.Set("page_token", opts.PageToken)
	}
	if opts.Limit > 0 {
		q.Set("limit", strconv.Itoa(opts.Limit))
	}

	var resp ListResponse
	if _, err := c.get(ctx, "/"+url.PathEscape(entity)+"s", q, &resp); err != nil {
		return nil, eris.Wrapf(err, "ledger: list %s", entity)
	}
	for i := range resp.Records {
		if resp.Records[i].Entity == "" {
			resp.Records[i].Entity = entity
		}
	}
	return &resp, nil
}

// get issues a GET and decodes the body into out. It reports false on 404.
func (c *httpClient) get(ctx context.Context, path string, q url.Values, out any) (bool, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return false, eris.Wrap(err, "rate limit")
		}
	}

	u := c.baseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return false, eris.Wrap(err, "create request")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.http.Do(req)
	if err != nil {
		return false, resilience.NewTransientError(eris.Wrap(err, "send request"), 0)
	}
	defer resp.Body.Close() //nolint:errcheck

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return false, resilience.NewTransientError(eris.Wrap(err, "read response"), resp.StatusCode)
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return false, nil
	case resilience.IsTransientHTTPStatus(resp.StatusCode):
		return false, resilience.NewTransientError(eris.Errorf("unexpected status %d: %s", resp.StatusCode, string(body)), resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return false, eris.Errorf("unexpected status %d: %s", resp.StatusCode, string(body))
	}

	if err := json.Unmarshal(body, out); err != nil {
		return false, eris.Wrap(err, "unmarshal response")
	}
	return true, nil
}
