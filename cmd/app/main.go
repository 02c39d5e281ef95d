package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"msghub/internal/assign"
	"msghub/internal/cache"
	"msghub/internal/channel"
	"msghub/internal/config"
	"msghub/internal/dedupe"
	"msghub/internal/event"
	"msghub/internal/httpserver"
	"msghub/internal/logging"
	"msghub/internal/metrics"
	"msghub/internal/model"
	"msghub/internal/providers/httpapi"
	"msghub/internal/providers/wameow"
	"msghub/internal/ratelimit"
	"msghub/internal/repo"
	"msghub/internal/wallet"
	"msghub/migrations"

	"github.com/joho/godotenv"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(ctx)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := logging.NewLogger(cfg.LogLevel, cfg.LogFormat)
	logger.Info("starting msghub", "env", cfg.AppEnv, "database", cfg.DatabaseDriver)

	metricRegistry := metrics.Registry(cfg.MetricsNamespace)

	var repository repo.Repository
	switch cfg.DatabaseDriver {
	case "postgres":
		repository, err = repo.NewPostgres(ctx, cfg.DatabaseURL, cfg.DatabaseSchema, logger)
	default:
		repository, err = repo.NewSQLite(ctx, cfg.SQLitePath, logger)
	}
	if err != nil {
		return fmt.Errorf("init repository: %w", err)
	}
	defer repository.Close()

	if err := repository.RunMigrations(ctx, migrations.Files); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	logger.Info("database migrated")

	// Redis backs rate-limit counters and webhook dedupe when configured;
	// otherwise both fall back to in-process stores.
	var counterStore ratelimit.CounterStore = ratelimit.NewMemoryStore()
	var dedupeStore dedupe.Store = dedupe.NewMemoryStore(cfg.DedupeTTL)
	if cfg.RedisAddr != "" {
		redisClient := cache.New(cache.Config{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			UseTLS:   cfg.RedisTLS,
		}, logger)
		defer func() {
			if err := redisClient.Close(); err != nil {
				logger.Warn("failed closing redis", "error", err)
			}
		}()
		if err := redisClient.Ping(ctx); err != nil {
			return fmt.Errorf("redis ping: %w", err)
		}
		counterStore = ratelimit.NewRedisStore(redisClient)
		dedupeStore = dedupe.NewRedisStore(redisClient, cfg.DedupeTTL)
		logger.Info("redis connected", "addr", cfg.RedisAddr)
	}

	var publisher event.Publisher = event.LogPublisher{Logger: logger}
	if cfg.AMQPURL != "" {
		amqpPublisher, err := event.NewAMQPPublisher(cfg.AMQPURL, cfg.AMQPExchange, logger)
		if err != nil {
			return fmt.Errorf("init event publisher: %w", err)
		}
		publisher = amqpPublisher
		logger.Info("event bus connected", "exchange", cfg.AMQPExchange)
	}
	defer func() {
		if err := publisher.Close(); err != nil {
			logger.Warn("failed closing event publisher", "error", err)
		}
	}()

	limiter := ratelimit.New(counterStore, ratelimit.DefaultLimits(), logger)
	meter := wallet.NewMeter(repository, wallet.DefaultCostTable(), metricRegistry, logger)
	pipeline := channel.NewPipeline(limiter, meter, repository, metricRegistry, logger, cfg.ProviderTimeout)

	var whatsappClient channel.ProviderClient
	var waCloser func()
	if cfg.WhatsAppStorePath != "" {
		wameowClient, err := wameow.New(ctx, wameow.Config{
			StorePath: cfg.WhatsAppStorePath,
			LogLevel:  cfg.WhatsAppLogLevel,
			AccountID: cfg.WhatsAppAccountID,
		}, logger)
		if err != nil {
			return fmt.Errorf("init whatsapp client: %w", err)
		}
		whatsappClient = wameowClient
		waCloser = wameowClient.Close
	} else {
		whatsappClient = httpapi.New(model.ChannelWhatsApp, cfg.ProviderTimeout, logger)
	}

	registry := channel.NewRegistry(
		channel.NewWhatsAppAdapter(pipeline, whatsappClient),
		channel.NewSMSAdapter(pipeline, httpapi.New(model.ChannelSMS, cfg.ProviderTimeout, logger)),
		channel.NewEmailAdapter(pipeline, httpapi.New(model.ChannelEmail, cfg.ProviderTimeout, logger)),
		channel.NewVoiceAdapter(pipeline, httpapi.New(model.ChannelVoice, cfg.ProviderTimeout, logger)),
	)

	engine := assign.NewEngine(repository, metricRegistry, logger, assign.BusinessHours{})

	processor := httpserver.NewWebhookProcessor(
		repository, registry, dedupeStore, engine, publisher,
		metricRegistry, logger, cfg.WebhookQueueSize, cfg.WebhookWorkers,
	)
	go processor.Run(ctx)

	poller := channel.NewHealthPoller(repository, registry, metricRegistry, logger, cfg.HealthCheckInterval)
	go poller.Run(ctx)

	if cfg.WhatsAppStorePath != "" {
		wameowClient := whatsappClient.(*wameow.Client)
		wameowClient.SetSink(processor)
		go func() {
			if err := wameowClient.Start(ctx); err != nil {
				logger.Error("whatsapp client stopped", "error", err)
				stop()
			}
		}()
	}
	if waCloser != nil {
		defer waCloser()
	}

	httpSrv := httpserver.New(cfg.HTTPListenAddr, logger, metricRegistry, processor, repository, cfg.HTTPBasePath)

	errCh := make(chan error, 1)
	go func() {
		if err := httpSrv.Start(); err != nil {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "error", err)
	}

	return nil
}
