package config

import (
	"context"
	"fmt"
	"time"

	"github.com/sethvargo/go-envconfig"
)

// Config holds all runtime configuration, sourced from the environment.
type Config struct {
	AppEnv    string `env:"APP_ENV,default=dev"`
	LogLevel  string `env:"LOG_LEVEL,default=info"`
	LogFormat string `env:"LOG_FORMAT,default=text"`

	HTTPListenAddr   string `env:"HTTP_LISTEN_ADDR,default=:8080"`
	HTTPBasePath     string `env:"HTTP_BASE_PATH"`
	MetricsNamespace string `env:"METRICS_NAMESPACE,default=msghub"`

	// Database: "postgres" uses DatabaseURL, "sqlite" uses SQLitePath.
	DatabaseDriver string `env:"DATABASE_DRIVER,default=sqlite"`
	DatabaseURL    string `env:"DATABASE_URL"`
	DatabaseSchema string `env:"DATABASE_SCHEMA"`
	SQLitePath     string `env:"SQLITE_PATH,default=data/msghub.db"`

	RedisAddr     string `env:"REDIS_ADDR"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB,default=0"`
	RedisTLS      bool   `env:"REDIS_TLS,default=false"`

	AMQPURL      string `env:"AMQP_URL"`
	AMQPExchange string `env:"AMQP_EXCHANGE,default=msghub.events"`

	ProviderTimeout     time.Duration `env:"PROVIDER_TIMEOUT,default=15s"`
	HealthCheckInterval time.Duration `env:"HEALTH_CHECK_INTERVAL,default=5m"`
	WebhookQueueSize    int           `env:"WEBHOOK_QUEUE_SIZE,default=256"`
	WebhookWorkers      int           `env:"WEBHOOK_WORKERS,default=4"`
	DedupeTTL           time.Duration `env:"DEDUPE_TTL,default=24h"`

	// A non-empty store path enables the WhatsApp Web provider; the
	// account id names the channel account its traffic belongs to.
	WhatsAppStorePath string `env:"WHATSAPP_STORE_PATH"`
	WhatsAppLogLevel  string `env:"WHATSAPP_LOG_LEVEL,default=WARN"`
	WhatsAppAccountID string `env:"WHATSAPP_ACCOUNT_ID"`
}

// Load reads configuration from the environment.
func Load(ctx context.Context) (*Config, error) {
	var cfg Config
	if err := envconfig.Process(ctx, &cfg); err != nil {
		return nil, fmt.Errorf("parse env config: %w", err)
	}
	if cfg.DatabaseDriver == "postgres" && cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required with the postgres driver")
	}
	return &cfg, nil
}
