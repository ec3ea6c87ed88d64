package main

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/Aidin1998/swapflow/api"
	"github.com/Aidin1998/swapflow/internal/database"
	"github.com/Aidin1998/swapflow/internal/eventbus"
	"github.com/Aidin1998/swapflow/internal/infrastructure/config"
	"github.com/Aidin1998/swapflow/internal/infrastructure/health"
	"github.com/Aidin1998/swapflow/internal/infrastructure/messaging"
	"github.com/Aidin1998/swapflow/internal/infrastructure/ws"
	"github.com/Aidin1998/swapflow/internal/orders"
	"github.com/Aidin1998/swapflow/internal/queue"
	"github.com/Aidin1998/swapflow/internal/swap"
	"github.com/Aidin1998/swapflow/internal/venue"
)

// app holds the process wide clients. Each is built once and handed to the
// components that need it.
type app struct {
	logger *zap.Logger
	db     *gorm.DB
	redis  *redis.Client
	bus    eventbus.Bus
	mirror *messaging.LifecycleMirror
	queue  queue.Queue
	router *venue.Router

	relay  *ws.Relay
	api    *api.Server
	worker *swap.Worker
}

func newApp(ctx context.Context, cfg *config.Config, r role, logger *zap.Logger) (_ *app, err error) {
	a := &app{logger: logger}
	defer func() {
		if err != nil {
			a.close()
		}
	}()

	a.db, err = database.Open(cfg.Database)
	if err != nil {
		return nil, err
	}
	store := orders.NewGormStore(a.db, logger.Named("orders"))
	if err := store.Migrate(ctx); err != nil {
		return nil, fmt.Errorf("migrate orders: %w", err)
	}

	if cfg.Queue.Driver == "redis" || cfg.EventBus.Driver == "redis" {
		a.redis, err = database.NewRedisClient(ctx, cfg.Redis)
		if err != nil {
			return nil, err
		}
	}
	if r != roleAll && (cfg.Queue.Driver == "memory" || cfg.EventBus.Driver == "memory") {
		logger.Warn("In-memory queue or event bus is not shared between processes",
			zap.String("role", string(r)))
	}

	switch cfg.EventBus.Driver {
	case "redis":
		a.bus = eventbus.NewRedisBus(a.redis, cfg.EventBus.ChannelPrefix, logger.Named("eventbus"))
	default:
		a.bus = eventbus.NewMemoryBus(logger.Named("eventbus"))
	}

	switch cfg.Queue.Driver {
	case "redis":
		a.queue = queue.NewRedisQueue(a.redis, cfg.Queue.Config, logger.Named("queue"))
	default:
		a.queue = queue.NewMemoryQueue(cfg.Queue.Config, logger.Named("queue"))
	}

	if r.runsWorker() {
		a.router, err = venue.NewSimulatedRouter(logger.Named("router"), cfg.Router.Venues)
		if err != nil {
			return nil, fmt.Errorf("build venue router: %w", err)
		}
		var events eventbus.Publisher = a.bus
		if cfg.Kafka.Enabled {
			a.mirror = messaging.NewLifecycleMirror(a.bus, cfg.Kafka, logger.Named("kafka"))
			events = a.mirror
		}
		proc := swap.NewProcessor(store, a.router, events, cfg.Router.BuildDelay, logger.Named("swap"))
		a.worker = swap.NewWorker(a.queue, proc, cfg.Queue.Concurrency, logger.Named("worker"))
	}

	if r.runsAPI() {
		readiness := health.NewChecker(logger.Named("health"), 2*time.Second)
		readiness.Register("database", health.Database(a.db))
		readiness.Register("queue", health.Queue(a.queue))
		if a.redis != nil {
			readiness.Register("redis", health.Redis(a.redis))
		}
		a.relay = ws.NewRelay(a.bus, cfg.WebSocket, logger.Named("ws"))
		a.api = api.NewServer(logger.Named("api"), store, a.queue, a.relay, api.Options{
			ServiceName:    cfg.Tracing.ServiceName,
			AllowedOrigins: cfg.Server.AllowedOrigins,
			Attempts:       cfg.Queue.Attempts,
			Backoff:        cfg.Queue.Backoff,
			RateLimit:      cfg.Server.RateLimit,
			Readiness:      readiness,
		})
	}
	return a, nil
}

// close releases clients in reverse order of construction
func (a *app) close() {
	if a.mirror != nil {
		if err := a.mirror.Close(); err != nil {
			a.logger.Warn("Failed to close Kafka writer", zap.Error(err))
		}
	}
	if a.queue != nil {
		_ = a.queue.Close()
	}
	if a.bus != nil {
		_ = a.bus.Close()
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Warn("Failed to close Redis client", zap.Error(err))
		}
	}
	if a.db != nil {
		if sqlDB, err := a.db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	}
}
