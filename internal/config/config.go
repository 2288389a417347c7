package config

import (
	"sort"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
	Sources    SourcesConfig    `yaml:"sources" mapstructure:"sources"`
	Retry      RetryConfig      `yaml:"retry" mapstructure:"retry"`
	Circuit    CircuitConfig    `yaml:"circuit" mapstructure:"circuit"`
	Pipeline   PipelineConfig   `yaml:"pipeline" mapstructure:"pipeline"`
	Poll       PollConfig       `yaml:"poll" mapstructure:"poll"`
	Reconcile  ReconcileConfig  `yaml:"reconcile" mapstructure:"reconcile"`
	Events     EventsConfig     `yaml:"events" mapstructure:"events"`
	Monitoring MonitoringConfig `yaml:"monitoring" mapstructure:"monitoring"`
	Redaction  []RedactionRule  `yaml:"redaction" mapstructure:"redaction"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string     `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string     `yaml:"database_url" mapstructure:"database_url"`
	SQLitePath  string     `yaml:"sqlite_path" mapstructure:"sqlite_path"`
	Pool        PoolConfig `yaml:"pool" mapstructure:"pool"`
}

// PoolConfig configures the Postgres connection pool.
type PoolConfig struct {
	MaxConns        int32         `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns        int32         `yaml:"min_conns" mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `yaml:"max_conn_lifetime" mapstructure:"max_conn_lifetime"`
	MaxConnIdleTime time.Duration `yaml:"max_conn_idle_time" mapstructure:"max_conn_idle_time"`
}

// ServerConfig configures the inbound HTTP server.
type ServerConfig struct {
	Port         int           `yaml:"port" mapstructure:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout" mapstructure:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout" mapstructure:"write_timeout"`
	// AckBudget bounds the webhook handler so the source sees a 2xx before
	// its own retry fires.
	AckBudget   time.Duration `yaml:"ack_budget" mapstructure:"ack_budget"`
	MaxBodySize int64         `yaml:"max_body_size" mapstructure:"max_body_size"`
	CORSOrigins []string      `yaml:"cors_origins" mapstructure:"cors_origins"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// SourceCommon holds the settings every source shares.
type SourceCommon struct {
	Enabled      bool          `yaml:"enabled" mapstructure:"enabled"`
	Secret       string        `yaml:"secret" mapstructure:"secret"`
	BaseURL      string        `yaml:"base_url" mapstructure:"base_url"`
	PollInterval time.Duration `yaml:"poll_interval" mapstructure:"poll_interval"`
	RateLimit    float64       `yaml:"rate_limit" mapstructure:"rate_limit"`
}

// SourcesConfig configures each external system of record.
type SourcesConfig struct {
	CRM       CRMConfig       `yaml:"crm" mapstructure:"crm"`
	Ledger    LedgerConfig    `yaml:"ledger" mapstructure:"ledger"`
	Workspace WorkspaceConfig `yaml:"workspace" mapstructure:"workspace"`
	Email     EmailConfig     `yaml:"email" mapstructure:"email"`
	Calendar  CalendarConfig  `yaml:"calendar" mapstructure:"calendar"`
}

// CRMConfig holds Salesforce JWT auth settings and the webhook secret.
type CRMConfig struct {
	SourceCommon `yaml:",inline" mapstructure:",squash"`
	ClientID     string `yaml:"client_id" mapstructure:"client_id"`
	Username     string `yaml:"username" mapstructure:"username"`
	KeyPath      string `yaml:"key_path" mapstructure:"key_path"`
	LoginURL     string `yaml:"login_url" mapstructure:"login_url"`
}

// LedgerConfig holds the accounting API settings.
type LedgerConfig struct {
	SourceCommon `yaml:",inline" mapstructure:",squash"`
	Token        string `yaml:"token" mapstructure:"token"`
}

// WorkspaceConfig holds Notion credentials and the tracked database.
type WorkspaceConfig struct {
	SourceCommon      `yaml:",inline" mapstructure:",squash"`
	Token             string `yaml:"token" mapstructure:"token"`
	DatabaseID        string `yaml:"database_id" mapstructure:"database_id"`
	VerificationToken string `yaml:"verification_token" mapstructure:"verification_token"`
}

// GoogleConfig holds OAuth settings shared by Gmail and Calendar.
type GoogleConfig struct {
	CredentialsFile string `yaml:"credentials_file" mapstructure:"credentials_file"`
	TokenFile       string `yaml:"token_file" mapstructure:"token_file"`
}

// EmailConfig configures the Gmail source. Push notifications arrive through
// Pub/Sub with a signed bearer token.
type EmailConfig struct {
	SourceCommon  `yaml:",inline" mapstructure:",squash"`
	Google        GoogleConfig `yaml:"google" mapstructure:"google"`
	Mailbox       string       `yaml:"mailbox" mapstructure:"mailbox"`
	Audience      string       `yaml:"audience" mapstructure:"audience"`
	Issuer        string       `yaml:"issuer" mapstructure:"issuer"`
	PublicKeyPath string       `yaml:"public_key_path" mapstructure:"public_key_path"`
}

// CalendarConfig configures the Google Calendar source.
type CalendarConfig struct {
	SourceCommon `yaml:",inline" mapstructure:",squash"`
	Google       GoogleConfig `yaml:"google" mapstructure:"google"`
	CalendarID   string       `yaml:"calendar_id" mapstructure:"calendar_id"`
}

// RetryConfig controls delivery retry backoff.
type RetryConfig struct {
	MaxAttempts    int           `yaml:"max_attempts" mapstructure:"max_attempts"`
	InitialBackoff time.Duration `yaml:"initial_backoff" mapstructure:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff" mapstructure:"max_backoff"`
	Multiplier     float64       `yaml:"multiplier" mapstructure:"multiplier"`
	JitterFraction float64       `yaml:"jitter_fraction" mapstructure:"jitter_fraction"`
}

// CircuitConfig controls per-source circuit breakers.
type CircuitConfig struct {
	FailureThreshold int           `yaml:"failure_threshold" mapstructure:"failure_threshold"`
	FailureWindow    time.Duration `yaml:"failure_window" mapstructure:"failure_window"`
	Cooldown         time.Duration `yaml:"cooldown" mapstructure:"cooldown"`
}

// PipelineConfig configures delivery processing.
type PipelineConfig struct {
	Workers          int           `yaml:"workers" mapstructure:"workers"`
	QueueSize        int           `yaml:"queue_size" mapstructure:"queue_size"`
	ProcessingBudget time.Duration `yaml:"processing_budget" mapstructure:"processing_budget"`
	StaleAfter       time.Duration `yaml:"stale_after" mapstructure:"stale_after"`
	SweepInterval    time.Duration `yaml:"sweep_interval" mapstructure:"sweep_interval"`
	RetryScan        time.Duration `yaml:"retry_scan" mapstructure:"retry_scan"`
	OutboundTimeout  time.Duration `yaml:"outbound_timeout" mapstructure:"outbound_timeout"`
}

// PollConfig configures the poll scheduler.
type PollConfig struct {
	DefaultInterval time.Duration `yaml:"default_interval" mapstructure:"default_interval"`
	Overlap         time.Duration `yaml:"overlap" mapstructure:"overlap"`
	Lease           time.Duration `yaml:"lease" mapstructure:"lease"`
	Tick            time.Duration `yaml:"tick" mapstructure:"tick"`
}

// ReconcileConfig configures the reconciliation engine.
type ReconcileConfig struct {
	Interval     time.Duration `yaml:"interval" mapstructure:"interval"`
	OverdueAfter time.Duration `yaml:"overdue_after" mapstructure:"overdue_after"`
	Concurrency  int           `yaml:"concurrency" mapstructure:"concurrency"`
	DryRun       bool          `yaml:"dry_run" mapstructure:"dry_run"`
}

// EventsConfig configures the event bus and its retention.
type EventsConfig struct {
	Retention     time.Duration `yaml:"retention" mapstructure:"retention"`
	PruneInterval time.Duration `yaml:"prune_interval" mapstructure:"prune_interval"`
	Archive       bool          `yaml:"archive" mapstructure:"archive"`
	BufferSize    int           `yaml:"buffer_size" mapstructure:"buffer_size"`
	Kafka         KafkaConfig   `yaml:"kafka" mapstructure:"kafka"`
}

// KafkaConfig configures the optional Kafka event sink.
type KafkaConfig struct {
	Brokers []string `yaml:"brokers" mapstructure:"brokers"`
	Topic   string   `yaml:"topic" mapstructure:"topic"`
}

// MonitoringConfig configures health alerting.
type MonitoringConfig struct {
	WebhookURL          string        `yaml:"webhook_url" mapstructure:"webhook_url"`
	CheckInterval       time.Duration `yaml:"check_interval" mapstructure:"check_interval"`
	DeadLetterThreshold int           `yaml:"dead_letter_threshold" mapstructure:"dead_letter_threshold"`
	DriftThreshold      int           `yaml:"drift_threshold" mapstructure:"drift_threshold"`
}

// RedactionRule restricts which fields a (source, entity_type, direction)
// may write. Fields may contain "*" to match every field.
type RedactionRule struct {
	Source     string   `yaml:"source" mapstructure:"source"`
	EntityType string   `yaml:"entity_type" mapstructure:"entity_type"`
	Direction  string   `yaml:"direction" mapstructure:"direction"`
	Mode       string   `yaml:"mode" mapstructure:"mode"`
	Fields     []string `yaml:"fields" mapstructure:"fields"`
	// OnViolation is "drop" (strip the field) or "reject" (fail the envelope).
	OnViolation string `yaml:"on_violation" mapstructure:"on_violation"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("RECONCILER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "postgres")
	v.SetDefault("store.sqlite_path", "reconciler.db")
	v.SetDefault("store.pool.max_conns", 10)
	v.SetDefault("store.pool.min_conns", 2)
	v.SetDefault("store.pool.max_conn_lifetime", time.Hour)
	v.SetDefault("store.pool.max_conn_idle_time", 30*time.Minute)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 10*time.Second)
	v.SetDefault("server.write_timeout", 30*time.Second)
	v.SetDefault("server.ack_budget", 5*time.Second)
	v.SetDefault("server.max_body_size", 1<<20)
	v.SetDefault("retry.max_attempts", 5)
	v.SetDefault("retry.initial_backoff", time.Second)
	v.SetDefault("retry.max_backoff", 5*time.Minute)
	v.SetDefault("retry.multiplier", 2.0)
	v.SetDefault("retry.jitter_fraction", 0.25)
	v.SetDefault("circuit.failure_threshold", 4)
	v.SetDefault("circuit.failure_window", time.Minute)
	v.SetDefault("circuit.cooldown", 30*time.Second)
	v.SetDefault("pipeline.workers", 8)
	v.SetDefault("pipeline.queue_size", 256)
	v.SetDefault("pipeline.processing_budget", 30*time.Second)
	v.SetDefault("pipeline.stale_after", 2*time.Minute)
	v.SetDefault("pipeline.sweep_interval", 30*time.Second)
	v.SetDefault("pipeline.retry_scan", 5*time.Second)
	v.SetDefault("pipeline.outbound_timeout", 10*time.Second)
	v.SetDefault("poll.default_interval", 5*time.Minute)
	v.SetDefault("poll.overlap", 5*time.Minute)
	v.SetDefault("poll.lease", 2*time.Minute)
	v.SetDefault("poll.tick", 15*time.Second)
	v.SetDefault("reconcile.interval", 24*time.Hour)
	v.SetDefault("reconcile.overdue_after", 2*time.Hour)
	v.SetDefault("reconcile.concurrency", 2)
	v.SetDefault("events.retention", 30*24*time.Hour)
	v.SetDefault("events.prune_interval", time.Hour)
	v.SetDefault("events.archive", true)
	v.SetDefault("events.buffer_size", 64)
	v.SetDefault("events.kafka.topic", "integration-events")
	v.SetDefault("monitoring.check_interval", time.Minute)
	v.SetDefault("monitoring.dead_letter_threshold", 10)
	v.SetDefault("monitoring.drift_threshold", 25)
	v.SetDefault("sources.crm.login_url", "https://login.salesforce.com")
	v.SetDefault("sources.ledger.base_url", "https://ledger.example.com/api/v1")
	v.SetDefault("sources.email.mailbox", "me")
	v.SetDefault("sources.email.issuer", "https://accounts.google.com")
	v.SetDefault("sources.calendar.calendar_id", "primary")
	for _, name := range []string{"crm", "ledger", "workspace", "email", "calendar"} {
		v.SetDefault("sources."+name+".enabled", false)
		v.SetDefault("sources."+name+".secret", "")
		v.SetDefault("sources."+name+".rate_limit", 5.0)
	}

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Enabled returns the names of enabled sources.
func (s SourcesConfig) Enabled() []string {
	var out []string
	for name, c := range map[string]SourceCommon{
		"crm":       s.CRM.SourceCommon,
		"ledger":    s.Ledger.SourceCommon,
		"workspace": s.Workspace.SourceCommon,
		"email":     s.Email.SourceCommon,
		"calendar":  s.Calendar.SourceCommon,
	} {
		if c.Enabled {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// Validate checks the settings a command needs. mode is "serve" for the
// long-running server or "cli" for operator commands that only touch the store.
func (c *Config) Validate(mode string) error {
	var errs []string

	switch c.Store.Driver {
	case "postgres":
		if c.Store.DatabaseURL == "" {
			errs = append(errs, "store.database_url is required for postgres")
		}
	case "sqlite":
		if c.Store.SQLitePath == "" {
			errs = append(errs, "store.sqlite_path is required for sqlite")
		}
	default:
		errs = append(errs, "store.driver must be postgres or sqlite")
	}

	switch mode {
	case "cli":
	case "serve":
		if c.Server.Port <= 0 {
			errs = append(errs, "server.port must be > 0")
		}
		if c.Retry.MaxAttempts < 1 || c.Retry.MaxAttempts > 20 {
			errs = append(errs, "retry.max_attempts must be between 1 and 20")
		}
		if c.Retry.JitterFraction < 0 || c.Retry.JitterFraction > 1 {
			errs = append(errs, "retry.jitter_fraction must be between 0 and 1")
		}
		if c.Circuit.FailureThreshold < 1 {
			errs = append(errs, "circuit.failure_threshold must be >= 1")
		}
		if c.Pipeline.Workers < 1 {
			errs = append(errs, "pipeline.workers must be >= 1")
		}
		if c.Events.Retention <= 0 {
			errs = append(errs, "events.retention must be > 0")
		}
		if c.Sources.CRM.Enabled && c.Sources.CRM.Secret == "" {
			errs = append(errs, "sources.crm.secret is required")
		}
		if c.Sources.Ledger.Enabled && c.Sources.Ledger.Secret == "" {
			errs = append(errs, "sources.ledger.secret is required")
		}
		if c.Sources.Workspace.Enabled && c.Sources.Workspace.Secret == "" {
			errs = append(errs, "sources.workspace.secret is required")
		}
		if c.Sources.Email.Enabled && c.Sources.Email.PublicKeyPath == "" {
			errs = append(errs, "sources.email.public_key_path is required")
		}
		if c.Sources.Calendar.Enabled && c.Sources.Calendar.Secret == "" {
			errs = append(errs, "sources.calendar.secret is required")
		}
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	for i, r := range c.Redaction {
		if r.Mode != "allow" && r.Mode != "deny" {
			errs = append(errs, eris.Errorf("redaction[%d].mode must be allow or deny", i).Error())
		}
		if r.Direction != "inbound" && r.Direction != "outbound" {
			errs = append(errs, eris.Errorf("redaction[%d].direction must be inbound or outbound", i).Error())
		}
		if r.OnViolation != "" && r.OnViolation != "drop" && r.OnViolation != "reject" {
			errs = append(errs, eris.Errorf("redaction[%d].on_violation must be drop or reject", i).Error())
		}
	}

	if len(errs) > 0 {
		return eris.New("config: " + strings.Join(errs, "; "))
	}
	return nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
