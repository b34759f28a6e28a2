package server

import (
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"github.com/openjobspec/ojs-campaigns/internal/core"
)

// DotEnvFile is loaded, when present, before the environment is parsed.
const DotEnvFile = ".env"

// Store and dispatch choices.
const (
	StoreSQLite   = "sqlite"
	StoreDynamoDB = "dynamodb"

	DispatchPool = "pool"
	DispatchSQS  = "sqs"

	DelivererLog     = "log"
	DelivererWebhook = "webhook"
)

// Config holds server configuration from environment variables.
type Config struct {
	Port           string `env:"OJS_PORT" envDefault:"8080"`
	GRPCPort       string `env:"OJS_GRPC_PORT" envDefault:"9090"`
	AWSRegion      string `env:"AWS_REGION" envDefault:"us-east-1"`
	AWSEndpointURL string `env:"AWS_ENDPOINT_URL"` // For LocalStack
	NodeID         string `env:"OJS_NODE_ID"`
	LogLevel       string `env:"OJS_LOG_LEVEL" envDefault:"info"`

	Store         string `env:"OJS_STORE" envDefault:"sqlite"`
	SQLitePath    string `env:"OJS_SQLITE_PATH" envDefault:"ojs-campaigns.db"`
	DynamoDBTable string `env:"DYNAMODB_TABLE" envDefault:"ojs-campaigns"`

	Dispatch          string        `env:"OJS_DISPATCH" envDefault:"pool"`
	SQSQueuePrefix    string        `env:"SQS_QUEUE_PREFIX" envDefault:"ojs"`
	SQSVisibility     time.Duration `env:"SQS_VISIBILITY_TIMEOUT" envDefault:"30s"`
	Workers           int           `env:"OJS_WORKERS" envDefault:"16"`
	RedisURL          string        `env:"OJS_REDIS_URL"`
	RedisChannel      string        `env:"OJS_REDIS_CHANNEL" envDefault:"ojs:campaign-events"`
	Deliverer         string        `env:"OJS_DELIVERER" envDefault:"log"`
	WebhookURL        string        `env:"OJS_WEBHOOK_URL"`
	RetryLevel        string        `env:"OJS_RETRY_LEVEL" envDefault:"durable"`
	EffectGate        bool          `env:"OJS_EFFECT_GATE" envDefault:"true"`
	CampaignWait      time.Duration `env:"OJS_CAMPAIGN_WAIT" envDefault:"5s"`
	RetryInterval     time.Duration `env:"OJS_RETRY_INTERVAL" envDefault:"5s"`
	AttemptTimeout    time.Duration `env:"OJS_ATTEMPT_TIMEOUT" envDefault:"1s"`
	LeaseTTL          time.Duration `env:"OJS_LEASE_TTL" envDefault:"30s"`
	PromoteInterval   time.Duration `env:"OJS_PROMOTE_INTERVAL" envDefault:"200ms"`
	AwaitPollInterval time.Duration `env:"OJS_AWAIT_POLL_INTERVAL" envDefault:"1s"`
	SweepSchedule     string        `env:"OJS_SWEEP_SCHEDULE" envDefault:"@every 1m"`
	Retention         time.Duration `env:"OJS_RETENTION" envDefault:"24h"`

	OTelEnabled  bool   `env:"OJS_OTEL_ENABLED" envDefault:"false"`
	OTelEndpoint string `env:"OJS_OTEL_ENDPOINT"`
}

// LoadConfig reads configuration from the environment, after loading
// DotEnvFile if one exists.
func LoadConfig() (Config, error) {
	_ = godotenv.Load(DotEnvFile) // a missing .env is not an error

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the choices and bounds that env parsing cannot.
func (c Config) Validate() error {
	var errs []error
	switch c.Store {
	case StoreSQLite, StoreDynamoDB:
	default:
		errs = append(errs, fmt.Errorf("OJS_STORE must be %q or %q, got %q", StoreSQLite, StoreDynamoDB, c.Store))
	}
	switch c.Dispatch {
	case DispatchPool, DispatchSQS:
	default:
		errs = append(errs, fmt.Errorf("OJS_DISPATCH must be %q or %q, got %q", DispatchPool, DispatchSQS, c.Dispatch))
	}
	switch c.Deliverer {
	case DelivererLog:
	case DelivererWebhook:
		if c.WebhookURL == "" {
			errs = append(errs, errors.New("OJS_WEBHOOK_URL is required for the webhook deliverer"))
		}
	default:
		errs = append(errs, fmt.Errorf("OJS_DELIVERER must be %q or %q, got %q", DelivererLog, DelivererWebhook, c.Deliverer))
	}
	if _, err := core.ParseRetryLevel(c.RetryLevel); err != nil {
		errs = append(errs, fmt.Errorf("OJS_RETRY_LEVEL: %w", err))
	}
	for name, d := range map[string]time.Duration{
		"OJS_CAMPAIGN_WAIT":       c.CampaignWait,
		"OJS_RETRY_INTERVAL":      c.RetryInterval,
		"OJS_ATTEMPT_TIMEOUT":     c.AttemptTimeout,
		"OJS_LEASE_TTL":           c.LeaseTTL,
		"OJS_PROMOTE_INTERVAL":    c.PromoteInterval,
		"OJS_AWAIT_POLL_INTERVAL": c.AwaitPollInterval,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", name, d))
		}
	}
	if c.Retention < 0 {
		errs = append(errs, fmt.Errorf("OJS_RETENTION must not be negative, got %s", c.Retention))
	}
	if c.Workers <= 0 {
		errs = append(errs, fmt.Errorf("OJS_WORKERS must be positive, got %d", c.Workers))
	}
	if c.OTelEnabled && c.OTelEndpoint == "" {
		errs = append(errs, errors.New("OJS_OTEL_ENDPOINT is required when tracing is enabled"))
	}
	return errors.Join(errs...)
}

// Level returns the parsed initial retry level.
func (c Config) Level() core.RetryLevel {
	level, err := core.ParseRetryLevel(c.RetryLevel)
	if err != nil {
		return core.RetryDurable
	}
	return level
}
