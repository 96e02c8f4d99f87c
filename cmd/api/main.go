package main

import (
	"context"
	"errors"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/voyagio/eventbus/api/routes"
	"github.com/voyagio/eventbus/internal/bus"
	"github.com/voyagio/eventbus/internal/consumer"
	"github.com/voyagio/eventbus/internal/dlq"
	"github.com/voyagio/eventbus/internal/eventstore"
	"github.com/voyagio/eventbus/internal/schema"
	"github.com/voyagio/eventbus/pkg/authz"
	"github.com/voyagio/eventbus/pkg/config"
	"github.com/voyagio/eventbus/pkg/db"
	"github.com/voyagio/eventbus/pkg/logger"
	"github.com/voyagio/eventbus/pkg/metrics"
	"github.com/voyagio/eventbus/pkg/migrate"
	pkgredis "github.com/voyagio/eventbus/pkg/redis"
)

const shutdownGrace = 15 * time.Second

func main() {
	logg := logger.New(logger.Options{ServiceName: "eventbus-api"})

	if err := godotenv.Load(); err != nil {
		logg.Warn(context.Background(), ".env file not found, relying on environment")
	}

	cfg, err := config.Load()
	if err != nil {
		logg.Error(context.Background(), "failed to load config", err)
		os.Exit(1)
	}

	logg = logger.New(logger.Options{
		ServiceName: "eventbus-api",
		Level:       logger.ParseLevel(cfg.App.LogLevel),
		WarnStack:   cfg.App.LogWarnStack,
	})

	busMetrics := metrics.NewBusMetrics(prometheus.DefaultRegisterer)

	var (
		storeBackend eventstore.Backend
		closers      []io.Closer
	)
	switch cfg.Store.Driver {
	case config.StoreDriverPostgres:
		dbClient, dbErr := db.New(context.Background(), cfg.Store, logg)
		if dbErr != nil {
			logg.Error(context.Background(), "failed to bootstrap database", dbErr)
			os.Exit(1)
		}
		closers = append(closers, dbClient)

		if migErr := migrate.MaybeRunDev(context.Background(), cfg, logg, dbClient); migErr != nil {
			logg.Error(context.Background(), "failed to run dev migrations", migErr)
			os.Exit(1)
		}

		backend, beErr := eventstore.NewGormBackend(dbClient.DB())
		if beErr != nil {
			logg.Error(context.Background(), "failed to build event store backend", beErr)
			os.Exit(1)
		}
		storeBackend = backend
	default:
		storeBackend = eventstore.NewMemoryBackend()
	}

	store, err := eventstore.NewStore(storeBackend, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to build event store", err)
		os.Exit(1)
	}

	registry := schema.NewRegistry(logg)
	if err := schema.RegisterCatalog(registry); err != nil {
		logg.Error(context.Background(), "failed to register schema catalog", err)
		os.Exit(1)
	}

	queue, err := dlq.NewQueue(dlq.NewMemoryBackend(), cfg.DLQ, logg, busMetrics)
	if err != nil {
		logg.Error(context.Background(), "failed to build dead-letter queue", err)
		os.Exit(1)
	}

	dispatcher := consumer.NewDispatcher(cfg.Webhook, queue, logg, busMetrics)
	manager, err := consumer.NewManager(consumer.NewMemoryBackend(), store, queue, dispatcher, cfg.Eventing, logg, busMetrics)
	if err != nil {
		logg.Error(context.Background(), "failed to build consumer manager", err)
		os.Exit(1)
	}

	var (
		idempotencyStore pkgredis.IdempotencyStore
		redisPinger      db.Pinger
	)
	if cfg.Redis.Enabled() {
		redisClient, redisErr := pkgredis.New(context.Background(), cfg.Redis)
		if redisErr != nil {
			logg.Error(context.Background(), "failed to bootstrap redis", redisErr)
			os.Exit(1)
		}
		closers = append(closers, redisClient)
		idempotencyStore = redisClient
		redisPinger = redisClient
	}

	engine, err := bus.New(bus.Deps{
		Store:     store,
		Registry:  registry,
		Consumers: manager,
		Queue:     queue,
		Rules:     authz.Default(),
		Config:    cfg.Eventing,
		Logger:    logg,
		Metrics:   busMetrics,
		Closers:   closers,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to build engine", err)
		os.Exit(1)
	}

	port := os.Getenv("PORT")
	if port == "" {
		port = cfg.App.Port
	}
	addr := ":" + port
	ctx := logg.WithFields(context.Background(), map[string]any{
		"env":   cfg.App.Env,
		"addr":  addr,
		"store": cfg.Store.Driver,
	})
	logg.Info(ctx, "starting event bus server")

	server := &http.Server{
		Addr: addr,
		Handler: routes.NewRouter(routes.RouterDeps{
			Config:           cfg,
			Logger:           logg,
			Engine:           engine,
			IdempotencyStore: idempotencyStore,
			RedisPinger:      redisPinger,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	cleanupCtx, stopCleanup := context.WithCancel(context.Background())
	defer stopCleanup()
	go runDLQCleanup(cleanupCtx, logg, queue, cfg.DLQ.CleanupInterval, metrics.NewJobMetrics(prometheus.DefaultRegisterer))

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ListenAndServe()
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logg.Error(ctx, "server stopped unexpectedly", err)
			os.Exit(1)
		}
	case sig := <-stop:
		logg.Info(logg.WithField(ctx, "signal", sig.String()), "shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logg.Error(ctx, "http shutdown failed", err)
		}
		stopCleanup()
		if err := engine.Shutdown(); err != nil {
			logg.Error(ctx, "engine shutdown failed", err)
		}
	}
}

// runDLQCleanup sweeps settled dead-letter entries past retention.
func runDLQCleanup(ctx context.Context, logg *logger.Logger, queue *dlq.Queue, interval time.Duration, jobMetrics *metrics.JobMetrics) {
	const jobName = "dlq-cleanup"

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			start := time.Now()
			purged, err := queue.Cleanup(ctx)
			jobMetrics.ObserveDuration(jobName, time.Since(start))
			if err != nil {
				jobMetrics.IncFailure(jobName)
				logg.Error(ctx, "dlq cleanup failed", err)
				continue
			}
			jobMetrics.IncSuccess(jobName)
			logg.Info(logg.WithField(ctx, "purged", purged), "dlq cleanup finished")
		}
	}
}
