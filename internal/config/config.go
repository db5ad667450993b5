// Package config loads service configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

type Postgres struct {
	Host     string `env:"HOST" envDefault:"localhost"`
	Port     int    `env:"PORT" envDefault:"5432"`
	User     string `env:"USER" envDefault:"postgres"`
	Password string `env:"PASSWORD" envDefault:"postgres"`
	DBName   string `env:"DB" envDefault:"tableorder"`
	SSLMode  string `env:"SSLMODE" envDefault:"disable"`
}

type Redis struct {
	Addr     string `env:"ADDR" envDefault:"localhost:6379"`
	Password string `env:"PASSWORD"`
	DB       int    `env:"DB" envDefault:"0"`
}

type Breaker struct {
	ConsecutiveFailures uint32        `env:"CONSECUTIVE_FAILURES" envDefault:"5"`
	OpenTimeout         time.Duration `env:"OPEN_TIMEOUT" envDefault:"10s"`
	HalfOpenRequests    uint32        `env:"HALF_OPEN_REQUESTS" envDefault:"1"`
}

type Config struct {
	HTTPPort string `env:"HTTP_PORT" envDefault:"8080"`

	Postgres      Postgres `envPrefix:"POSTGRES_"`
	CatalogDBPath string   `env:"CATALOG_DB_PATH" envDefault:"catalog.db"`

	Redis          Redis         `envPrefix:"REDIS_"`
	CacheTTL       time.Duration `env:"CACHE_TTL" envDefault:"15m"`
	CacheNamespace string        `env:"CACHE_NAMESPACE" envDefault:"tableorder:"`
	Breaker        Breaker       `envPrefix:"BREAKER_"`

	KafkaBrokers []string `env:"KAFKA_BROKERS" envSeparator:","`
	OrderTopic   string   `env:"ORDER_TOPIC" envDefault:"order-placed"`
	MenuTopic    string   `env:"MENU_TOPIC" envDefault:"menu-updated"`
	MenuGroupID  string   `env:"MENU_GROUP_ID" envDefault:"tableorder-menu"`

	StoreTimeout         time.Duration `env:"STORE_TIMEOUT" envDefault:"2s"`
	CacheTimeout         time.Duration `env:"CACHE_TIMEOUT" envDefault:"300ms"`
	LockTimeout          time.Duration `env:"LOCK_TIMEOUT" envDefault:"5s"`
	SessionIdleTimeout   time.Duration `env:"SESSION_IDLE_TIMEOUT" envDefault:"2h"`
	SessionSweepInterval time.Duration `env:"SESSION_SWEEP_INTERVAL" envDefault:"1m"`
	OutboxInterval       time.Duration `env:"OUTBOX_INTERVAL" envDefault:"2s"`
	RequestTimeout       time.Duration `env:"REQUEST_TIMEOUT" envDefault:"10s"`
	ShutdownTimeout      time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"5s"`

	MaxItemQuantity int    `env:"MAX_ITEM_QUANTITY" envDefault:"99"`
	Currency        string `env:"CURRENCY" envDefault:"TWD"`

	LogLevel     string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat    string `env:"LOG_FORMAT" envDefault:"json"`
	OTLPEndpoint string `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	ServiceName  string `env:"OTEL_SERVICE_NAME" envDefault:"tableorder"`
}

// Load parses the environment and validates the result.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	var errs []error
	positive := map[string]time.Duration{
		"STORE_TIMEOUT":          c.StoreTimeout,
		"CACHE_TIMEOUT":          c.CacheTimeout,
		"LOCK_TIMEOUT":           c.LockTimeout,
		"SESSION_IDLE_TIMEOUT":   c.SessionIdleTimeout,
		"SESSION_SWEEP_INTERVAL": c.SessionSweepInterval,
		"OUTBOX_INTERVAL":        c.OutboxInterval,
		"REQUEST_TIMEOUT":        c.RequestTimeout,
		"SHUTDOWN_TIMEOUT":       c.ShutdownTimeout,
		"CACHE_TTL":              c.CacheTTL,
	}
	for name, d := range positive {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", name, d))
		}
	}
	if c.MaxItemQuantity < 1 {
		errs = append(errs, fmt.Errorf("MAX_ITEM_QUANTITY must be at least 1, got %d", c.MaxItemQuantity))
	}
	if c.Currency == "" {
		errs = append(errs, errors.New("CURRENCY must not be empty"))
	}
	return errors.Join(errs...)
}

// KafkaEnabled is false when no brokers are configured.
func (c Config) KafkaEnabled() bool {
	return len(c.KafkaBrokers) > 0
}
