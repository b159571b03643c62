package main

import (
	"context"
	"fmt"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/buildrelay/buildrelay/internal/channel"
	"github.com/buildrelay/buildrelay/internal/config"
	"github.com/buildrelay/buildrelay/internal/dispatcher"
	"github.com/buildrelay/buildrelay/internal/domain"
	"github.com/buildrelay/buildrelay/internal/eventsource"
	"github.com/buildrelay/buildrelay/internal/handler"
	"github.com/buildrelay/buildrelay/internal/infra/postgresql"
	"github.com/buildrelay/buildrelay/internal/infra/postgresql/migrations"
	infraredis "github.com/buildrelay/buildrelay/internal/infra/redis"
	"github.com/buildrelay/buildrelay/internal/observability"
	"github.com/buildrelay/buildrelay/internal/registry"
	"github.com/buildrelay/buildrelay/internal/repository"
	"github.com/buildrelay/buildrelay/internal/transport"
)

const shutdownTimeout = 10 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger, err := observability.NewLogger(cfg.LogLevel)
	if err != nil {
		log.Fatalf("failed to initialize logger: %v", err)
	}
	defer logger.Sync() //nolint:errcheck

	db, err := postgresql.NewPostgres(cfg.DatabaseDSN)
	if err != nil {
		logger.Fatal("postgres initialization failed", zap.Error(err))
	}

	if err := migrations.Migrate(db); err != nil {
		logger.Fatal("database migrations failed", zap.Error(err))
	}

	sqlDB, err := db.DB()
	if err != nil {
		logger.Fatal("postgres underlying db init failed", zap.Error(err))
	}
	defer sqlDB.Close()

	rdb, err := infraredis.NewRedis(cfg.RedisURL)
	if err != nil {
		logger.Fatal("redis initialization failed", zap.Error(err))
	}
	defer rdb.Close()

	limiter, err := infraredis.NewRedisRateLimiter(rdb, cfg.RateLimitPerSec)
	if err != nil {
		logger.Fatal("rate limiter initialization failed", zap.Error(err))
	}

	amqpClient, err := eventsource.NewClient(cfg.RabbitMQURL)
	if err != nil {
		logger.Fatal("rabbitmq initialization failed", zap.Error(err))
	}
	defer amqpClient.Close()

	source, err := eventsource.NewSource(amqpClient, cfg.EventPrefetch, logger)
	if err != nil {
		logger.Fatal("event source initialization failed", zap.Error(err))
	}

	plugins, err := channel.NewTable(
		channel.NewWebhookPlugin(),
		channel.NewEmailPlugin(),
		channel.NewChatPlugin(),
	)
	if err != nil {
		logger.Fatal("channel table initialization failed", zap.Error(err))
	}

	configRepo := repository.NewGormConfigRepo(db)
	attemptRepo := repository.NewGormAttemptRepo(db)

	reg, err := registry.NewRegistry(configRepo, plugins, logger)
	if err != nil {
		logger.Fatal("registry initialization failed", zap.Error(err))
	}

	metrics := observability.NewMetrics()

	disp, err := dispatcher.New(
		eventSourceAdapter{source: source},
		reg,
		attemptRepo,
		pluginTableAdapter{table: plugins},
		limiter,
		dispatcher.Options{
			MaxAttempts: cfg.MaxDeliveryAttempts,
			RetryBase:   cfg.RetryBase(),
			RetryCap:    cfg.RetryCap(),
			DrainGrace:  cfg.DrainGrace(),
		},
		logger,
	)
	if err != nil {
		logger.Fatal("dispatcher initialization failed", zap.Error(err))
	}
	disp.SetMetrics(metrics)

	app := fiber.New(fiber.Config{
		ErrorHandler:          transport.ErrorHandler(logger),
		DisableStartupMessage: true,
	})
	app.Use(recover.New())
	app.Use(requestid.New())
	app.Use(metrics.HTTPMiddleware())

	handler.RegisterHealthRoutes(app, sqlDB, rdb, func() string { return disp.State().String() })
	app.Get("/metrics", adaptor.HTTPHandler(metrics.Handler()))
	if err := handler.RegisterNotificationRoutes(app, reg, attemptRepo); err != nil {
		logger.Fatal("route registration failed", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("buildrelay api listening", zap.Int("port", cfg.APIPort))
		return app.Listen(fmt.Sprintf(":%d", cfg.APIPort))
	})

	g.Go(func() error {
		return disp.Run(gctx)
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		return app.ShutdownWithTimeout(shutdownTimeout)
	})

	if err := g.Wait(); err != nil && ctx.Err() == nil {
		logger.Fatal("relay terminated", zap.Error(err))
	}

	logger.Info("relay stopped")
}

// eventSourceAdapter narrows *eventsource.Source to the dispatcher's port.
type eventSourceAdapter struct {
	source *eventsource.Source
}

func (a eventSourceAdapter) Subscribe(ctx context.Context) (dispatcher.Subscription, error) {
	sub, err := a.source.Subscribe(ctx)
	if err != nil {
		return nil, err
	}
	return sub, nil
}

// pluginTableAdapter narrows *channel.Table to the dispatcher's port.
type pluginTableAdapter struct {
	table *channel.Table
}

func (a pluginTableAdapter) Lookup(kind domain.ChannelKind) (dispatcher.Plugin, error) {
	plugin, err := a.table.Lookup(kind)
	if err != nil {
		return nil, err
	}
	return plugin, nil
}
