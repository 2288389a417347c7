package main

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/reconciler/internal/config"
	"github.com/sells-group/reconciler/internal/model"
	"github.com/sells-group/reconciler/internal/source"
	"github.com/sells-group/reconciler/internal/source/calendar"
	"github.com/sells-group/reconciler/internal/source/crm"
	"github.com/sells-group/reconciler/internal/source/email"
	"github.com/sells-group/reconciler/internal/source/ledger"
	"github.com/sells-group/reconciler/internal/source/workspace"
	"github.com/sells-group/reconciler/internal/verify"
	"github.com/sells-group/reconciler/pkg/gworkspace"
	"github.com/sells-group/reconciler/pkg/ledgerapi"
	"github.com/sells-group/reconciler/pkg/notion"
	"github.com/sells-group/reconciler/pkg/salesforce"
)

// buildRegistry constructs a processor for every enabled source.
func buildRegistry(ctx context.Context, sc config.SourcesConfig) (*source.Registry, error) {
	reg := source.NewRegistry()

	if c := sc.CRM; c.Enabled {
		client, err := salesforce.Connect(salesforce.Creds{
			LoginURL: c.LoginURL,
			Username: c.Username,
			ClientID: c.ClientID,
			KeyPath:  c.KeyPath,
		}, salesforce.WithRateLimit(c.RateLimit))
		if err != nil {
			return nil, eris.Wrap(err, "source crm")
		}
		reg.Register(crm.New(client, c.Secret))
	}

	if c := sc.Ledger; c.Enabled {
		opts := []ledgerapi.Option{ledgerapi.WithRateLimit(c.RateLimit)}
		if c.BaseURL != "" {
			opts = append(opts, ledgerapi.WithBaseURL(c.BaseURL))
		}
		reg.Register(ledger.New(ledgerapi.NewClient(c.Token, opts...), c.Secret))
	}

	if c := sc.Workspace; c.Enabled {
		client := notion.NewClient(c.Token, notion.WithRateLimit(c.RateLimit))
		reg.Register(workspace.New(client, c.DatabaseID, c.Secret, c.VerificationToken))
	}

	if c := sc.Email; c.Enabled {
		hc, err := gworkspace.HTTPClient(ctx, c.Google.CredentialsFile, c.Google.TokenFile)
		if err != nil {
			return nil, eris.Wrap(err, "source email")
		}
		mail, err := gworkspace.NewMail(ctx, hc, c.BaseURL)
		if err != nil {
			return nil, eris.Wrap(err, "source email")
		}
		key, err := verify.LoadPublicKey(c.PublicKeyPath)
		if err != nil {
			return nil, eris.Wrap(err, "source email")
		}
		v := verify.JWT{Key: key, Audience: c.Audience, Issuer: c.Issuer}
		reg.Register(email.New(mail, c.Mailbox, v))
	}

	if c := sc.Calendar; c.Enabled {
		hc, err := gworkspace.HTTPClient(ctx, c.Google.CredentialsFile, c.Google.TokenFile)
		if err != nil {
			return nil, eris.Wrap(err, "source calendar")
		}
		cal, err := gworkspace.NewCalendar(ctx, hc, c.BaseURL)
		if err != nil {
			return nil, eris.Wrap(err, "source calendar")
		}
		reg.Register(calendar.New(cal, c.CalendarID, c.Secret))
	}

	zap.L().Info("sources registered", zap.Strings("sources", sc.Enabled()))
	return reg, nil
}

// pollIntervals returns the per-source poll interval overrides.
func pollIntervals(sc config.SourcesConfig) map[model.Source]time.Duration {
	out := make(map[model.Source]time.Duration)
	for src, c := range map[model.Source]config.SourceCommon{
		model.SourceCRM:       sc.CRM.SourceCommon,
		model.SourceLedger:    sc.Ledger.SourceCommon,
		model.SourceWorkspace: sc.Workspace.SourceCommon,
		model.SourceEmail:     sc.Email.SourceCommon,
		model.SourceCalendar:  sc.Calendar.SourceCommon,
	} {
		if c.Enabled && c.PollInterval > 0 {
			out[src] = c.PollInterval
		}
	}
	return out
}
