package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/andt14111999/test-exchange-sub001/libs/health"
	"github.com/andt14111999/test-exchange-sub001/libs/httpmiddleware"
	"github.com/andt14111999/test-exchange-sub001/libs/kafka"
	"github.com/andt14111999/test-exchange-sub001/libs/logging"
	"github.com/andt14111999/test-exchange-sub001/libs/metrics"
	"github.com/andt14111999/test-exchange-sub001/libs/trace"
	"github.com/andt14111999/test-exchange-sub001/services/custody/internal/config"
	"github.com/andt14111999/test-exchange-sub001/services/custody/internal/gateway"
	"github.com/andt14111999/test-exchange-sub001/services/custody/internal/ledger"
	"github.com/andt14111999/test-exchange-sub001/services/custody/internal/locks"
	"github.com/andt14111999/test-exchange-sub001/services/custody/internal/operations"
	"github.com/andt14111999/test-exchange-sub001/services/custody/internal/relay"
	"github.com/andt14111999/test-exchange-sub001/services/custody/internal/service"
	"github.com/andt14111999/test-exchange-sub001/services/custody/internal/storage"
	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}

	logger := logging.NewLogger(cfg.App.LogLevel, cfg.App.ServiceName, cfg.App.Env)
	if err := run(cfg, logger); err != nil {
		logger.Error("custody service stopped", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracer, err := trace.InitTracer(ctx, cfg.App.ServiceName, cfg.App.Env, cfg.OTLP)
	if err != nil {
		logger.Error("tracer init failed", "error", err)
	} else {
		defer func() {
			_ = shutdownTracer(context.Background())
		}()
	}

	if cfg.App.Env == "dev" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	registry := metrics.NewRegistry()
	custodyMetrics := service.NewMetrics(registry)
	ready := health.NewManager(false)

	pool, err := connectDB(ctx, cfg)
	if err != nil {
		return fmt.Errorf("db connection: %w", err)
	}
	defer pool.Close()

	store := storage.New(pool, logging.Component(logger, "storage"))
	if err := store.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	ready.AddCheck("postgres", store.Ping)

	l := ledger.New(logging.Component(logger, "ledger"), custodyMetrics)
	ops := operations.New(store, l, custodyMetrics, logging.Component(logger, "operations"), operations.Config{
		FiatMaxRetries: cfg.Withdrawal.FiatMaxRetries,
	})
	gw := gateway.New(store, logging.Component(logger, "gateway"), custodyMetrics)
	ops.Register(gw)
	lockManager := locks.New(store, l, custodyMetrics, logging.Component(logger, "locks"))
	custody := service.New(store, ops, lockManager, custodyMetrics, logger)

	g, gctx := errgroup.WithContext(ctx)

	var publisher kafka.Publisher
	if cfg.Kafka.Enabled {
		producer, err := kafka.NewSyncProducer(cfg.Kafka.Brokers, cfg.Kafka.ClientID, logger, kafka.NewProducerMetrics(registry))
		if err != nil {
			return fmt.Errorf("kafka producer: %w", err)
		}
		defer producer.Close()
		publisher = kafka.NewDLQPublisher(producer, producer, cfg.Kafka.Topics.DeadLetter, logger)

		consumerGroup, err := kafka.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.ConsumerGroup, logging.Component(logger, "consumer"))
		if err != nil {
			return fmt.Errorf("kafka consumer: %w", err)
		}
		consumerGroup.WithDLQ(producer, cfg.Kafka.Topics.DeadLetter).WithRetry(cfg.Kafka.MaxAttempts, cfg.Kafka.RetryBackoff)
		defer consumerGroup.Close()

		topics := []string{cfg.Kafka.Topics.Events}
		if cfg.Kafka.Topics.Completions != "" {
			topics = append(topics, cfg.Kafka.Topics.Completions)
		}
		handler := gateway.NewConsumer(gw, logging.Component(logger, "consumer"), operations.IsRejection)
		g.Go(func() error {
			logger.Info("custody consumer starting", "topics", topics)
			return consumerGroup.Consume(gctx, topics, handler)
		})
	}

	if cfg.Relay.Endpoint != "" {
		dispatcher, closeQueue, err := buildDispatcher(cfg, ops, gw, publisher, ready, custodyMetrics, logger)
		if err != nil {
			return err
		}
		defer closeQueue()
		ops.SetScheduler(dispatcher)
		g.Go(func() error {
			return dispatcher.Run(gctx)
		})
	} else {
		logger.Warn("relay endpoint not configured; withdrawals wait for external completion events")
	}

	httpServer := buildHTTPServer(cfg, ready, registry, custody, logger)
	g.Go(func() error {
		logger.Info("custody http starting", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutdown started")
		ready.SetReady(false)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.App.ShutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	ready.SetReady(true)

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("shutdown complete")
	return nil
}

func buildDispatcher(cfg *config.Config, ops *operations.Service, gw *gateway.Gateway, publisher kafka.Publisher, ready *health.Manager, m *service.Metrics, logger *slog.Logger) (*relay.Dispatcher, func(), error) {
	var queue relay.Queue = relay.NewMemoryQueue()
	closeQueue := func() {}
	if cfg.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, nil, fmt.Errorf("redis ping: %w", err)
		}
		queue = relay.NewRedisQueue(client, cfg.Redis.KeyPrefix)
		ready.AddCheck("redis", func(ctx context.Context) error {
			return client.Ping(ctx).Err()
		})
		closeQueue = func() { _ = client.Close() }
	}

	var reporter relay.Reporter = relay.NewGatewayReporter(gw, "custody.relay")
	if publisher != nil && cfg.Kafka.Topics.Completions != "" {
		reporter = relay.NewKafkaReporter(publisher, cfg.Kafka.Topics.Completions)
	}

	submitter := relay.NewBreakerSubmitter("relay", relay.NewHTTPSubmitter(cfg.Relay.Endpoint, nil), cfg.Relay.JobTimeout, relay.BreakerConfig{
		MaxRequests:         cfg.Relay.Breaker.MaxRequests,
		Interval:            cfg.Relay.Breaker.Interval,
		Timeout:             cfg.Relay.Breaker.Timeout,
		ConsecutiveFailures: cfg.Relay.Breaker.ConsecutiveFailures,
	}, logging.Component(logger, "relay"))

	dispatcher := relay.NewDispatcher(queue, ops, submitter, reporter, m, logging.Component(logger, "relay"), relay.Config{
		Workers:       cfg.Relay.Workers,
		MaxAttempts:   cfg.Relay.MaxAttempts,
		BaseBackoff:   cfg.Relay.BaseBackoff,
		MaxBackoff:    cfg.Relay.MaxBackoff,
		JobTimeout:    cfg.Relay.JobTimeout,
		PollInterval:  cfg.Relay.PollInterval,
		Lease:         cfg.Relay.Lease,
		SweepInterval: cfg.Relay.SweepInterval,
	})
	return dispatcher, closeQueue, nil
}

func connectDB(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, cfg.DB.DSN())
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}

func buildHTTPServer(cfg *config.Config, ready *health.Manager, registry *prometheus.Registry, custody *service.Custody, logger *slog.Logger) *http.Server {
	router := gin.New()
	router.Use(httpmiddleware.RequestID())
	router.Use(httpmiddleware.Logger(logger))
	router.Use(httpmiddleware.Recovery(logger))
	router.Use(trace.Middleware(cfg.App.ServiceName))

	router.GET("/healthz", health.LivenessHandler)
	router.GET("/readyz", health.ReadinessHandler(ready))
	router.GET(cfg.App.MetricsPath, gin.WrapH(metrics.Handler(registry)))
	registerOpsRoutes(router, custody)

	addr := fmt.Sprintf("%s:%d", cfg.App.HTTP.Host, cfg.App.HTTP.Port)
	return &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  cfg.App.HTTP.ReadTimeout,
		WriteTimeout: cfg.App.HTTP.WriteTimeout,
		IdleTimeout:  cfg.App.HTTP.IdleTimeout,
	}
}
