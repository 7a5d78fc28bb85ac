/**
 * @description
 * This is the main entry point for the wallet-service. It is responsible for
 * initializing all components of the service, including configuration, the
 * ledger store, the hub client, the message broker, the idempotency cache,
 * the core application service and the HTTP server. It wires everything
 * together and starts the service.
 *
 * @dependencies
 * - github.com/jackc/pgx/v5: PostgreSQL driver.
 * - github.com/redis/go-redis/v9: rate limiting and idempotency cache.
 * - github.com/prometheus/client_golang: metrics endpoint.
 * - internal/api, internal/app, internal/config, internal/store: Internal packages for the service.
 * - pkg/hubclient: Client for the interoperability hub.
 * - pkg/rabbitmq: Client for RabbitMQ.
 */

package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/khipu/wallet-service/internal/api"
	"github.com/khipu/wallet-service/internal/app"
	"github.com/khipu/wallet-service/internal/config"
	"github.com/khipu/wallet-service/internal/domain"
	"github.com/khipu/wallet-service/internal/identity"
	"github.com/khipu/wallet-service/internal/logging"
	"github.com/khipu/wallet-service/internal/store"
	"github.com/khipu/wallet-service/pkg/hubclient"
	rmrabbit "github.com/khipu/wallet-service/pkg/rabbitmq"
)

func main() {
	// A local .env is optional; real deployments use the environment.
	_ = godotenv.Load()

	cfg, err := config.LoadConfig(".")
	if err != nil {
		logrus.WithError(err).Fatal("config load failed")
	}
	logger := logging.NewLoggerWithService("wallet-service", cfg.LogLevel)
	if err := cfg.Validate(); err != nil {
		logger.WithError(err).Fatal("invalid configuration")
	}
	logger.WithFields(logrus.Fields{
		"port":           cfg.ServerPort,
		"store_driver":   cfg.StoreDriver,
		"local_provider": cfg.LocalProviderName,
	}).Info("starting wallet-service")

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Ledger and identity storage.
	var (
		repository store.Repository
		accounts   identity.AccountStore
	)
	switch cfg.StoreDriver {
	case config.StoreDriverMemory:
		logger.Warn("using in-memory store; balances are lost on restart")
		repository = store.NewMemoryRepository()
		accounts = identity.NewMemoryAccountStore()
	default:
		dbpool := connectPostgres(rootCtx, cfg, logger)
		defer dbpool.Close()

		pgRepo := store.NewPostgresRepository(dbpool, logger)
		if err := pgRepo.EnsureSchema(rootCtx); err != nil {
			logger.WithError(err).Fatal("ledger schema migration failed")
		}
		pgAccounts := identity.NewPostgresAccountStore(dbpool)
		if err := pgAccounts.EnsureSchema(rootCtx); err != nil {
			logger.WithError(err).Fatal("identity schema migration failed")
		}
		go func() {
			if err := pgRepo.ChangeFeed().Run(rootCtx); err != nil && !errors.Is(err, context.Canceled) {
				logger.WithError(err).Error("ledger change feed stopped")
			}
		}()
		repository = pgRepo
		accounts = pgAccounts
	}

	// Redis is optional: without it the idempotency cache is process-local and
	// identifier lookups are not rate limited.
	var redisClient *redis.Client
	if cfg.RedisURL == "" {
		logger.Warn("redis url missing; idempotency cache is process-local and resolve rate limiting is disabled")
	} else {
		redisClient = connectRedis(rootCtx, cfg, logger)
		if redisClient != nil {
			defer redisClient.Close()
		}
	}

	// Initialize the RabbitMQ producer. Events fall back to the log when the
	// broker is unreachable.
	var events rmrabbit.Publisher = &rmrabbit.EventProducerFallback{Logger: logger}
	if cfg.RabbitMQURL == "" {
		logger.Warn("rabbitmq url missing; events are logged only and inbound transfers are not consumed")
	} else {
		producer, err := rmrabbit.NewEventProducer(cfg.RabbitMQURL, cfg.EventsExchange, logger)
		if err != nil {
			logger.WithError(err).Warn("rabbitmq producer unavailable; using fallback")
		} else {
			defer producer.Close()
			events = producer
			logger.Info("rabbitmq producer connected")
		}
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := app.NewMetrics(registry)

	hub := hubclient.NewClient(hubclient.Config{
		BaseURL:          cfg.HubAPIBaseURL,
		APIToken:         cfg.HubAPIToken,
		Timeout:          cfg.HubTimeout(),
		LookupMaxRetries: cfg.HubLookupMaxRetries,
		Logger:           logger,
	})

	identityService := identity.NewService(accounts, cfg.JWTSecret, cfg.JWTTTL())

	resolver := app.NewResolver(hub, cfg.LocalProviderName, logger).WithMetrics(metrics)
	engine := app.NewEngine(repository, hub, events, cfg.LocalProviderName, logger).WithMetrics(metrics)
	if redisClient != nil {
		resolver.WithRateLimit(app.NewRedisRateLimiter(redisClient, cfg.RedisKeyPrefix), cfg.ResolveRateLimitPerMinute)
		engine.WithIdempotency(app.NewRedisIdempotencyStore(redisClient, cfg.RedisKeyPrefix, cfg.IdempotencyTTL()))
	} else {
		engine.WithIdempotency(app.NewMemoryIdempotencyStore())
	}
	registrar := app.NewRegistrar(repository, identityService, hub, events, logger).WithMetrics(metrics)
	walletService := app.NewService(repository, resolver, engine, registrar, logger)

	// Inbound transfers settled by the hub arrive over RabbitMQ.
	if cfg.RabbitMQURL != "" {
		consumer, err := rmrabbit.NewConsumer(cfg.RabbitMQURL, logger)
		if err != nil {
			logger.WithError(err).Warn("rabbitmq consumer unavailable; inbound transfers will not be credited")
		} else {
			defer consumer.Close()
			inbound := app.NewInboundTransferConsumer(repository, logger).WithMetrics(metrics)
			err = consumer.ConsumeWithBindings(cfg.EventsExchange, cfg.InboundTransferQueue, map[string]func([]byte) bool{
				domain.EventInboundTransfer: inbound.HandleMessage,
			})
			if err != nil {
				logger.WithError(err).Fatal("failed to start inbound transfer consumer")
			}
			logger.WithField("queue", cfg.InboundTransferQueue).Info("inbound transfer consumer started")
		}
	}

	jobs := app.NewJobs(repository, events, metrics, logger)
	scheduler := app.NewScheduler(jobs, logger, cfg.EscalationSchedule)
	if err := scheduler.Start(); err != nil {
		logger.WithError(err).Fatal("failed to start scheduler")
	}

	app.RegisterHubBreaker(registry, hub)
	handlers := api.NewHandlers(walletService, identityService, logger).WithHubStatus(hub)
	router := api.NewRouter(handlers, identityService, promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	server := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.WithField("addr", server.Addr).Info("http server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Fatal("http server failed")
		}
	}()

	<-rootCtx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("http server shutdown incomplete")
	}
	select {
	case <-scheduler.Stop().Done():
	case <-shutdownCtx.Done():
		logger.Warn("scheduler jobs still running at shutdown")
	}
	logger.Info("wallet-service stopped")
}

func connectPostgres(ctx context.Context, cfg config.Config, logger *logrus.Entry) *pgxpool.Pool {
	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		logger.WithError(err).Fatal("database url parse failed")
	}
	poolConfig.MaxConns = 50
	poolConfig.MinConns = 5
	poolConfig.MaxConnLifetime = 30 * time.Minute
	poolConfig.MaxConnIdleTime = 5 * time.Minute
	// Disable prepared statement caching to prevent conflicts behind poolers.
	poolConfig.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	var dbpool *pgxpool.Pool
	for attempt := 1; attempt <= 5; attempt++ {
		dbpool, err = pgxpool.NewWithConfig(ctx, poolConfig)
		if err == nil {
			pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err = dbpool.Ping(pingCtx)
			cancel()
			if err == nil {
				logger.Info("database connected")
				return dbpool
			}
			dbpool.Close()
		}
		logger.WithError(err).WithField("attempt", attempt).Warn("database connection failed; retrying")
		select {
		case <-ctx.Done():
			logger.Fatal("interrupted while connecting to database")
		case <-time.After(time.Duration(attempt) * 2 * time.Second):
		}
	}
	logger.WithError(err).Fatal("database connection failed")
	return nil
}

func connectRedis(ctx context.Context, cfg config.Config, logger *logrus.Entry) *redis.Client {
	options, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		logger.WithError(err).Warn("redis url parse failed; falling back to process-local state")
		return nil
	}
	client := redis.NewClient(options)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		logger.WithError(err).Warn("redis ping failed; falling back to process-local state")
		_ = client.Close()
		return nil
	}
	logger.Info("redis connected")
	return client
}
