package config

import (
	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"
)

const masked = "****"

// Redacted returns a copy with credentials replaced, safe to print.
func (c *Config) Redacted() Config {
	out := *c
	mask := func(s *string) {
		if *s != "" {
			*s = masked
		}
	}
	mask(&out.Store.DatabaseURL)
	mask(&out.Sources.CRM.Secret)
	mask(&out.Sources.Ledger.Secret)
	mask(&out.Sources.Ledger.Token)
	mask(&out.Sources.Workspace.Secret)
	mask(&out.Sources.Workspace.Token)
	mask(&out.Sources.Workspace.VerificationToken)
	mask(&out.Sources.Email.Secret)
	mask(&out.Sources.Calendar.Secret)
	out.Redaction = append([]RedactionRule(nil), c.Redaction...)
	return out
}

// YAML renders the resolved configuration with credentials masked.
func (c *Config) YAML() ([]byte, error) {
	r := c.Redacted()
	b, err := yaml.Marshal(&r)
	if err != nil {
		return nil, eris.Wrap(err, "config: marshal yaml")
	}
	return b, nil
}
