// Package config loads runtime settings from the environment.
package config

import (
	"fmt"
	"log"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/spf13/pflag"

	"github.com/unclebandit/smsleopard-crm/internal/db"
)

// Config holds every runtime setting. Flags registered by Flags override
// the environment.
type Config struct {
	DatabaseURL string `env:"DATABASE_URL"`
	DBUser      string `env:"DB_USER" envDefault:"postgres"`
	DBPassword  string `env:"DB_PASSWORD"`
	DBHost      string `env:"DB_HOST" envDefault:"localhost"`
	DBPort      string `env:"DB_PORT" envDefault:"5432"`
	DBName      string `env:"DB_NAME" envDefault:"crm"`
	StoreDriver string `env:"STORE_DRIVER" envDefault:"postgres"`

	HTTPAddr string `env:"HTTP_ADDR" envDefault:":8080"`

	AMQPURL   string `env:"AMQP_URL"`
	AMQPQueue string `env:"AMQP_QUEUE" envDefault:"crm_jobs"`

	QueueWorkers       int           `env:"QUEUE_WORKERS" envDefault:"8"`
	QueuePollInterval  time.Duration `env:"QUEUE_POLL_INTERVAL" envDefault:"1s"`
	QueueMaxAttempts   int           `env:"QUEUE_MAX_ATTEMPTS" envDefault:"5"`
	QueueRetryBackoff  time.Duration `env:"QUEUE_RETRY_BACKOFF" envDefault:"5s"`
	QueueRetryMaxDelay time.Duration `env:"QUEUE_RETRY_MAX_DELAY" envDefault:"5m"`
	QueueDrainTimeout  time.Duration `env:"QUEUE_DRAIN_TIMEOUT" envDefault:"30s"`

	DripSweepInterval time.Duration `env:"DRIP_SWEEP_INTERVAL" envDefault:"1m"`
	DripBatchSize     int           `env:"DRIP_BATCH_SIZE" envDefault:"100"`
	SLASweepInterval  time.Duration `env:"SLA_SWEEP_INTERVAL" envDefault:"5m"`
	SLAPolicyFile     string        `env:"SLA_POLICY_FILE"`

	SendTimeout time.Duration `env:"SEND_TIMEOUT" envDefault:"30s"`

	WebhookSecret      string `env:"WEBHOOK_SECRET"`
	WebhookVerifyToken string `env:"WEBHOOK_VERIFY_TOKEN"`

	OTELEndpoint string `env:"OTEL_ENDPOINT"`
	OTELEnabled  bool   `env:"OTEL_ENABLED" envDefault:"true"`
}

// Load reads an optional .env file and parses the environment.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Println("⚠️ could not read .env:", err)
	}
	return Parse()
}

// Parse reads the process environment into a Config.
func Parse() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	return cfg, nil
}

// Flags registers overrides for the settings operators change most.
func (c *Config) Flags(fs *pflag.FlagSet) {
	fs.StringVar(&c.HTTPAddr, "addr", c.HTTPAddr, "HTTP listen address")
	fs.StringVar(&c.DatabaseURL, "database-url", c.DatabaseURL, "PostgreSQL DSN")
	fs.StringVar(&c.StoreDriver, "store", c.StoreDriver, "storage driver: postgres or memory")
	fs.StringVar(&c.AMQPURL, "amqp-url", c.AMQPURL, "RabbitMQ URL; empty runs jobs in-process")
	fs.IntVar(&c.QueueWorkers, "workers", c.QueueWorkers, "job worker pool size")
	fs.StringVar(&c.SLAPolicyFile, "sla-policy", c.SLAPolicyFile, "YAML file with per-tenant SLA policies")
	fs.StringVar(&c.OTELEndpoint, "otel-endpoint", c.OTELEndpoint, "OTLP/HTTP trace endpoint")
}

// DSN returns DATABASE_URL, or one assembled from the DB_* parts.
func (c Config) DSN() string {
	if c.DatabaseURL != "" {
		return c.DatabaseURL
	}
	return db.Params{
		User:     c.DBUser,
		Password: c.DBPassword,
		Host:     c.DBHost,
		Port:     c.DBPort,
		Name:     c.DBName,
	}.DSN()
}

// Validate checks values env tags cannot express.
func (c Config) Validate() error {
	switch c.StoreDriver {
	case "postgres", "memory":
	default:
		return fmt.Errorf("unknown STORE_DRIVER %q", c.StoreDriver)
	}
	if c.DripBatchSize <= 0 {
		return fmt.Errorf("DRIP_BATCH_SIZE must be positive")
	}
	if c.DripSweepInterval <= 0 || c.SLASweepInterval <= 0 {
		return fmt.Errorf("sweep intervals must be positive")
	}
	if c.SendTimeout <= 0 {
		return fmt.Errorf("SEND_TIMEOUT must be positive")
	}
	return nil
}
