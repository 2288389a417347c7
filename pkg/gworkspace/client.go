// Package gworkspace wraps the Gmail and Google Calendar APIs used by the
// email and calendar sources.
package gworkspace

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"

	"github.com/rotisserie/eris"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/sells-group/reconciler/internal/resilience"
)

// ErrCursorExpired means the stored history id or sync token is no longer
// accepted and the caller must fall back to a time window.
var ErrCursorExpired = eris.New("gworkspace: cursor expired")

// HTTPClient builds an OAuth2 client from an installed-app credentials file
// and a previously saved token file.
func HTTPClient(ctx context.Context, credentialsFile, tokenFile string) (*http.Client, error) {
	creds, err := os.ReadFile(credentialsFile)
	if err != nil {
		return nil, eris.Wrap(err, "gworkspace: read credentials")
	}
	conf, err := google.ConfigFromJSON(creds, gmail.GmailReadonlyScope, calendar.CalendarReadonlyScope)
	if err != nil {
		return nil, eris.Wrap(err, "gworkspace: parse credentials")
	}

	f, err := os.Open(tokenFile)
	if err != nil {
		return nil, eris.Wrap(err, "gworkspace: open token file")
	}
	defer func() { _ = f.Close() }()

	var tok oauth2.Token
	if err := json.NewDecoder(f).Decode(&tok); err != nil {
		return nil, eris.Wrap(err, "gworkspace: decode token")
	}
	return conf.Client(ctx, &tok), nil
}

func serviceOptions(hc *http.Client, endpoint string) []option.ClientOption {
	opts := []option.ClientOption{option.WithHTTPClient(hc)}
	if endpoint != "" {
		opts = append(opts, option.WithEndpoint(endpoint))
	}
	return opts
}

func statusOf(err error) int {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		return apiErr.Code
	}
	return 0
}

// classify marks rate limits, server errors and network failures as
// transient so the circuit breaker counts them.
func classify(err error, msg string) error {
	wrapped := eris.Wrap(err, msg)
	status := statusOf(err)
	if status == 0 || resilience.IsTransientHTTPStatus(status) {
		return resilience.NewTransientError(wrapped, status)
	}
	return wrapped
}
