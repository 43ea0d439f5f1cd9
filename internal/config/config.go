package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"

	"ledger-opqueue/internal/opqueue"
)

// Config holds runtime configuration for the operation queue service.
type Config struct {
	Env         string `env:"APP_ENV" envDefault:"dev"`
	HTTPPort    string `env:"HTTP_PORT" envDefault:"8080"`
	MetricsAddr string `env:"METRICS_ADDR" envDefault:":9090"`

	MaxAttempts        int           `env:"MAX_ATTEMPTS" envDefault:"5"`
	BackoffInitial     time.Duration `env:"BACKOFF_INITIAL" envDefault:"1s"`
	BackoffMax         time.Duration `env:"BACKOFF_MAX" envDefault:"5m"`
	BackoffMultiplier  float64       `env:"BACKOFF_MULTIPLIER" envDefault:"2"`
	ProcessingTimeout  time.Duration `env:"PROCESSING_TIMEOUT" envDefault:"60s"`
	DrainConcurrency   int           `env:"DRAIN_CONCURRENCY" envDefault:"1"`
	PollInterval       time.Duration `env:"POLL_INTERVAL" envDefault:"5s"`
	PruneInterval      time.Duration `env:"PRUNE_INTERVAL" envDefault:"10m"`
	CompletedRetention time.Duration `env:"COMPLETED_RETENTION" envDefault:"24h"`
	ShutdownTimeout    time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"90s"`

	RedisAddr     string `env:"REDIS_ADDR"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB" envDefault:"0"`
	DLQName       string `env:"DLQ_NAME" envDefault:"opqueue:dlq"`

	PostgresDSN string `env:"POSTGRES_DSN"`

	RateLimitCapacity int     `env:"RATE_LIMIT_CAPACITY" envDefault:"50"`
	RateLimitRefill   float64 `env:"RATE_LIMIT_REFILL_PER_SEC" envDefault:"20"`

	LedgerRPCURL     string        `env:"LEDGER_RPC_URL" envDefault:"http://localhost:8545"`
	LedgerRPCTimeout time.Duration `env:"LEDGER_RPC_TIMEOUT" envDefault:"30s"`

	ReceiptS3Bucket    string `env:"RECEIPT_S3_BUCKET"`
	ReceiptS3Region    string `env:"RECEIPT_S3_REGION" envDefault:"us-east-1"`
	ReceiptS3Endpoint  string `env:"RECEIPT_S3_ENDPOINT"`
	ReceiptS3PathStyle bool   `env:"RECEIPT_S3_PATH_STYLE" envDefault:"false"`
	ReceiptOutputDir   string `env:"RECEIPT_OUTPUT_DIR"`
}

// Load reads configuration from environment variables with defaults for local development.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	return cfg, nil
}

// Queue returns the queue policy portion of the configuration.
func (c Config) Queue() opqueue.Config {
	return opqueue.Config{
		MaxAttempts:       c.MaxAttempts,
		InitialDelay:      c.BackoffInitial,
		MaxDelay:          c.BackoffMax,
		BackoffMultiplier: c.BackoffMultiplier,
		ProcessingTimeout: c.ProcessingTimeout,
		Concurrency:       c.DrainConcurrency,
		PollInterval:      c.PollInterval,
	}
}
