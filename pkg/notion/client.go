// Package notion wraps the Notion API for database queries and page reads.
package notion

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/jomei/notionapi"
	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"

	"github.com/sells-group/reconciler/internal/resilience"
)

// Client defines the Notion API operations used by the workspace source.
type Client interface {
	QueryDatabase(ctx context.Context, dbID string, req *notionapi.DatabaseQueryRequest) (*notionapi.DatabaseQueryResponse, error)
	// GetPage returns nil when the page does not exist or is not shared
	// with the integration.
	GetPage(ctx context.Context, pageID string) (*notionapi.Page, error)
}

// ClientOption configures the Notion client.
type ClientOption func(*notionClient)

// WithRateLimit overrides the default Notion rate limit (3 req/s).
func WithRateLimit(rps float64) ClientOption {
	return func(c *notionClient) {
		if rps > 0 {
			c.limiter = rate.NewLimiter(rate.Limit(rps), max(int(rps), 1))
		} else {
			c.limiter = nil
		}
	}
}

// notionClient implements Client by wrapping a *notionapi.Client.
type notionClient struct {
	inner   *notionapi.Client
	limiter *rate.Limiter
}

// NewClient creates a new Notion client with the given integration token.
// By default, API calls are throttled to 3 req/s (Notion's rate limit).
func NewClient(token string, opts ...ClientOption) Client {
	c := &notionClient{
		inner:   notionapi.NewClient(notionapi.Token(token)),
		limiter: rate.NewLimiter(3, 1),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// wait blocks until the rate limiter allows one event, or ctx is cancelled.
func (c *notionClient) wait(ctx context.Context) error {
	if c.limiter == nil {
		return nil
	}
	return c.limiter.Wait(ctx)
}

func (c *notionClient) QueryDatabase(ctx context.Context, dbID string, req *notionapi.DatabaseQueryRequest) (*notionapi.DatabaseQueryResponse, error) {
	if err := c.wait(ctx); err != nil {
		return nil, eris.Wrap(err, "notion: rate limit")
	}
	resp, err := c.inner.Database.Query(ctx, notionapi.DatabaseID(dbID), req)
	if err != nil {
		return nil, classify(eris.Wrap(err, fmt.Sprintf("notion: query database %s", dbID)), err)
	}
	return resp, nil
}

func (c *notionClient) GetPage(ctx context.Context, pageID string) (*notionapi.Page, error) {
	if err := c.wait(ctx); err != nil {
		return nil, eris.Wrap(err, "notion: rate limit")
	}
	page, err := c.inner.Page.Get(ctx, notionapi.PageID(pageID))
	if err != nil {
		if statusOf(err) == http.StatusNotFound {
			return nil, nil
		}
		return nil, classify(eris.Wrap(err, fmt.Sprintf("notion: get page %s", pageID)), err)
	}
	return page, nil
}

func statusOf(err error) int {
	var apiErr *notionapi.Error
	if errors.As(err, &apiErr) {
		return apiErr.Status
	}
	return 0
}

// classify marks rate limits, server errors and network failures as
// transient so the circuit breaker counts them.
func classify(wrapped, cause error) error {
	status := statusOf(cause)
	if status == 0 || resilience.IsTransientHTTPStatus(status) {
		return resilience.NewTransientError(wrapped, status)
	}
	return wrapped
}
