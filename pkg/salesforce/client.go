// Package salesforce provides JWT-authenticated REST API access to Salesforce.
package salesforce

import (
	"context"
	"os"
	"strings"

	"github.com/k-capehart/go-salesforce/v3"
	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"

	"github.com/sells-group/reconciler/internal/resilience"
)

// Client defines the Salesforce API operations used by the CRM source.
type Client interface {
	Query(ctx context.Context, soql string, out any) error
}

// Creds are the JWT bearer flow settings for a connected app.
type Creds struct {
	LoginURL string
	Username string
	ClientID string
	KeyPath  string
}

// ClientOption configures the Salesforce client.
type ClientOption func(*sfClient)

// WithRateLimit sets a per-second rate limit for SF API calls.
// A burst equal to the integer portion of rps is allowed.
func WithRateLimit(rps float64) ClientOption {
	return func(c *sfClient) {
		if rps > 0 {
			c.limiter = rate.NewLimiter(rate.Limit(rps), max(int(rps), 1))
		}
	}
}

// sfClient wraps the go-salesforce/v3 Salesforce struct.
//
// NOTE: The underlying go-salesforce/v3 library does not accept context.Context,
// so all methods discard the ctx parameter for the SF call itself. However, the
// ctx is used for rate limiter waiting, so callers can still cancel that wait.
type sfClient struct {
	sf      *salesforce.Salesforce
	limiter *rate.Limiter
}

// NewClient creates a new Salesforce Client wrapping the given go-salesforce instance.
func NewClient(sf *salesforce.Salesforce, opts ...ClientOption) Client {
	c := &sfClient{sf: sf}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Connect authenticates with the JWT bearer flow and returns a Client.
func Connect(creds Creds, opts ...ClientOption) (Client, error) {
	if creds.ClientID == "" {
		return nil, eris.New("sf: client id is required")
	}
	pemData, err := os.ReadFile(creds.KeyPath)
	if err != nil {
		return nil, eris.Wrap(err, "sf: read jwt private key")
	}
	sf, err := salesforce.Init(salesforce.Creds{
		Domain:         creds.LoginURL,
		Username:       creds.Username,
		ConsumerKey:    creds.ClientID,
		ConsumerRSAPem: string(pemData),
	})
	if err != nil {
		return nil, eris.Wrap(err, "sf: init")
	}
	return NewClient(sf, opts...), nil
}

// wait blocks until the rate limiter allows one event, or ctx is cancelled.
func (c *sfClient) wait(ctx context.Context) error {
	if c.limiter == nil {
		return nil
	}
	return c.limiter.Wait(ctx)
}

func (c *sfClient) Query(ctx context.Context, soql string, out any) error {
	if err := c.wait(ctx); err != nil {
		return eris.Wrap(err, "sf: rate limit")
	}
	if err := c.sf.Query(soql, out); err != nil {
		return classify(eris.Wrap(err, "sf: query"))
	}
	return nil
}

// Salesforce REST error codes that retrying will not fix.
var permanentCodes = []string{
	"MALFORMED_QUERY",
	"INVALID_FIELD",
	"INVALID_TYPE",
	"INVALID_SESSION_ID",
	"INSUFFICIENT_ACCESS",
}

// classify marks query failures as transient unless the response carried a
// permanent error code. go-salesforce does not expose the status code.
func classify(err error) error {
	msg := err.Error()
	for _, code := range permanentCodes {
		if strings.Contains(msg, code) {
			return err
		}
	}
	return resilience.NewTransientError(err, 0)
}
