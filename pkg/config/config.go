package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// EnvPrefix namespaces every environment variable read by the service.
const EnvPrefix = "voyagio"

const (
	AppEnvDev  = "development"
	AppEnvProd = "production"
)

// Environment variable names shared with tests and deploy manifests.
const (
	EnvAppEnv    = "VOYAGIO_APP_ENV"
	EnvPort      = "VOYAGIO_APP_PORT"
	EnvJWTSecret = "VOYAGIO_JWT_SECRET"
	EnvDBDSN     = "VOYAGIO_DB_DSN"
)

type Config struct {
	App      AppConfig
	Store    StoreConfig
	Redis    RedisConfig
	JWT      JWTConfig
	Eventing EventingConfig
	Webhook  WebhookConfig
	DLQ      DLQConfig
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.Store.validate(); err != nil {
		return nil, err
	}
	if err := cfg.Eventing.validate(); err != nil {
		return nil, err
	}
	if err := cfg.DLQ.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

type AppConfig struct {
	Env          string `envconfig:"VOYAGIO_APP_ENV" required:"true"`
	Port         string `envconfig:"VOYAGIO_APP_PORT" required:"true"`
	LogLevel     string `envconfig:"VOYAGIO_LOG_LEVEL" default:"info"`
	LogWarnStack bool   `envconfig:"VOYAGIO_LOG_WARN_STACK" default:"false"`
}

func (a AppConfig) IsDev() bool {
	return strings.EqualFold(a.Env, AppEnvDev)
}

func (a AppConfig) IsProd() bool {
	return strings.EqualFold(a.Env, AppEnvProd)
}

const (
	StoreDriverMemory   = "memory"
	StoreDriverPostgres = "postgres"
)

// StoreConfig selects and configures the event store backend.
type StoreConfig struct {
	Driver string `envconfig:"VOYAGIO_STORE_DRIVER" default:"memory"`

	DSN             string        `envconfig:"VOYAGIO_DB_DSN"`
	MaxOpenConns    int           `envconfig:"VOYAGIO_DB_MAX_OPEN_CONNS" default:"20"`
	MaxIdleConns    int           `envconfig:"VOYAGIO_DB_MAX_IDLE_CONNS" default:"10"`
	ConnMaxLifetime time.Duration `envconfig:"VOYAGIO_DB_CONN_MAX_LIFETIME" default:"1h"`
	ConnMaxIdleTime time.Duration `envconfig:"VOYAGIO_DB_CONN_MAX_IDLE_TIME" default:"10m"`
}

func (s StoreConfig) validate() error {
	switch s.Driver {
	case StoreDriverMemory:
		return nil
	case StoreDriverPostgres:
		if strings.TrimSpace(s.DSN) == "" {
			return fmt.Errorf("postgres store driver requires %s", EnvDBDSN)
		}
		return nil
	default:
		return fmt.Errorf("unknown store driver %q", s.Driver)
	}
}

type RedisConfig struct {
	URL          string        `envconfig:"VOYAGIO_REDIS_URL"`
	PoolSize     int           `envconfig:"VOYAGIO_REDIS_POOL_SIZE" default:"10"`
	MinIdleConns int           `envconfig:"VOYAGIO_REDIS_MIN_IDLE_CONNS" default:"2"`
	DialTimeout  time.Duration `envconfig:"VOYAGIO_REDIS_DIAL_TIMEOUT" default:"5s"`
	ReadTimeout  time.Duration `envconfig:"VOYAGIO_REDIS_READ_TIMEOUT" default:"5s"`
	WriteTimeout time.Duration `envconfig:"VOYAGIO_REDIS_WRITE_TIMEOUT" default:"5s"`
}

// Enabled reports whether the optional Redis features (publish idempotency)
// should be wired.
func (r RedisConfig) Enabled() bool {
	return strings.TrimSpace(r.URL) != ""
}

type JWTConfig struct {
	Secret string `envconfig:"VOYAGIO_JWT_SECRET"`
	Issuer string `envconfig:"VOYAGIO_JWT_ISSUER" default:"voyagio-platform"`
}

// EventingConfig bounds pull consumption and publish batches.
type EventingConfig struct {
	DefaultBatchSize  int           `envconfig:"VOYAGIO_EVENTING_DEFAULT_BATCH_SIZE" default:"50"`
	MaxBatchSize      int           `envconfig:"VOYAGIO_EVENTING_MAX_BATCH_SIZE" default:"500"`
	AckTimeout        time.Duration `envconfig:"VOYAGIO_EVENTING_ACK_TIMEOUT" default:"30s"`
	PublishBatchLimit int           `envconfig:"VOYAGIO_EVENTING_PUBLISH_BATCH_LIMIT" default:"100"`
}

func (e EventingConfig) validate() error {
	if e.DefaultBatchSize < 1 {
		return fmt.Errorf("default batch size must be positive, got %d", e.DefaultBatchSize)
	}
	if e.MaxBatchSize < e.DefaultBatchSize {
		return fmt.Errorf("max batch size %d below default %d", e.MaxBatchSize, e.DefaultBatchSize)
	}
	if e.AckTimeout <= 0 {
		return fmt.Errorf("ack timeout must be positive, got %v", e.AckTimeout)
	}
	if e.PublishBatchLimit < 1 {
		return fmt.Errorf("publish batch limit must be positive, got %d", e.PublishBatchLimit)
	}
	return nil
}

// WebhookConfig bounds the in-flight push delivery loop.
type WebhookConfig struct {
	Timeout        time.Duration `envconfig:"VOYAGIO_WEBHOOK_TIMEOUT" default:"10s"`
	MaxRetries     int           `envconfig:"VOYAGIO_WEBHOOK_MAX_RETRIES" default:"3"`
	RetryDelayBase time.Duration `envconfig:"VOYAGIO_WEBHOOK_RETRY_DELAY_BASE" default:"1s"`
}

// DLQConfig owns the rescheduled retry policy and retention.
type DLQConfig struct {
	MaxRetries        int           `envconfig:"VOYAGIO_DLQ_MAX_RETRIES" default:"5"`
	InitialDelay      time.Duration `envconfig:"VOYAGIO_DLQ_INITIAL_DELAY" default:"1s"`
	BackoffMultiplier float64       `envconfig:"VOYAGIO_DLQ_BACKOFF_MULTIPLIER" default:"2.0"`
	MaxDelay          time.Duration `envconfig:"VOYAGIO_DLQ_MAX_DELAY" default:"5m"`
	Retention         time.Duration `envconfig:"VOYAGIO_DLQ_RETENTION" default:"168h"`
	CleanupInterval   time.Duration `envconfig:"VOYAGIO_DLQ_CLEANUP_INTERVAL" default:"1h"`
}

func (d DLQConfig) validate() error {
	if d.MaxRetries < 1 {
		return fmt.Errorf("dlq max retries must be positive, got %d", d.MaxRetries)
	}
	if d.InitialDelay <= 0 {
		return fmt.Errorf("dlq initial delay must be positive, got %v", d.InitialDelay)
	}
	if d.BackoffMultiplier < 1 {
		return fmt.Errorf("dlq backoff multiplier must be >= 1, got %v", d.BackoffMultiplier)
	}
	if d.MaxDelay < d.InitialDelay {
		return fmt.Errorf("dlq max delay %v below initial delay %v", d.MaxDelay, d.InitialDelay)
	}
	return nil
}
