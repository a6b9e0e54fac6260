package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/austindbirch/tidehook/internal/config"
	"github.com/austindbirch/tidehook/internal/db"
	"github.com/austindbirch/tidehook/internal/dispatcher"
	"github.com/austindbirch/tidehook/internal/health"
	"github.com/austindbirch/tidehook/internal/httpdeliver"
	"github.com/austindbirch/tidehook/internal/logging"
	"github.com/austindbirch/tidehook/internal/metrics"
	"github.com/austindbirch/tidehook/internal/recorder"
	"github.com/austindbirch/tidehook/internal/registry"
	"github.com/austindbirch/tidehook/internal/scheduler"
	"github.com/austindbirch/tidehook/internal/store"
	"github.com/austindbirch/tidehook/internal/stream"
	"github.com/austindbirch/tidehook/internal/tracing"
)

func main() {
	cfg := config.Load()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	logger := logging.New("dispatcher")

	shutdownTracing, err := tracing.InitTracing(ctx, "tidehook-dispatcher")
	if err != nil {
		log.Printf("tracing init: %v (continuing without)", err)
	} else {
		defer shutdownTracing()
	}

	checker := health.NewChecker()

	var (
		events    store.EventStore
		endpoints registry.EndpointStore
		attempts  recorder.AttemptStore
	)
	switch cfg.StoreBackend {
	case "memory":
		events = store.NewMemEventStore(cfg.Dispatcher.LeaseDuration)
		endpoints = registry.NewMemEndpointStore()
		attempts = recorder.NewMemAttemptStore()
	default:
		pool, err := db.Connect(ctx, cfg.DSN(), cfg.DB.MaxConns)
		if err != nil {
			log.Fatalf("db connect: %v", err)
		}
		defer pool.Close()
		for _, schema := range cfg.Schemas {
			if err := db.EnsureSchema(ctx, pool, schema); err != nil {
				log.Fatalf("ensure schema %s: %v", schema, err)
			}
		}
		events = store.NewPGEventStore(pool, cfg.Dispatcher.LeaseDuration)
		endpoints = registry.NewPGEndpointStore(pool)
		attempts = recorder.NewPGAttemptStore(pool)
		checker.Add("postgres", pool.Ping)
	}

	var (
		slog  stream.Log
		queue scheduler.RetryQueue
	)
	switch cfg.Stream.Backend {
	case "memory":
		slog = stream.NewMemLog(cfg.Stream.Partitions)
		queue = scheduler.NewMemRetryQueue()
	default:
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer func() { _ = rdb.Close() }()
		slog = stream.NewRedisLog(rdb, cfg.Stream.Partitions)
		queue = scheduler.NewRedisRetryQueue(rdb)
		checker.Add("redis", func(ctx context.Context) error { return rdb.Ping(ctx).Err() })
	}

	adapter := httpdeliver.New(httpdeliver.Config{
		MaxIdleConns:        cfg.Delivery.MaxIdleConns,
		MaxIdleConnsPerHost: cfg.Delivery.MaxIdleConnsPerHost,
		IdleConnTimeout:     cfg.Delivery.IdleConnTimeout,
		KeepAlive:           cfg.Delivery.KeepAlive,
		MaxConcurrent:       cfg.Dispatcher.MaxInFlight,
	})
	defer adapter.Close()

	rec := recorder.New(attempts, events, endpoints, logger)
	disp := dispatcher.New(cfg.Dispatcher, cfg.Stream, cfg.Schemas,
		events, endpoints, rec, adapter, queue, slog, logger)
	sweeper := scheduler.NewSweeper(queue, slog, cfg.Schemas,
		cfg.Retry.SweepInterval, cfg.Retry.SweepBatch, logger)

	reg := prometheus.NewRegistry()
	metrics.MustRegister(reg)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", checker.Handler())
	metricsSrv := &http.Server{Addr: cfg.MetricsAddr, Handler: mux}
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("metrics serve: %v", err)
		}
	}()

	go sweeper.Run(ctx)

	done := make(chan error, 1)
	go func() { done <- disp.Run(ctx) }()
	logger.Plain().WithField("schemas", cfg.Schemas).Info("dispatcher started")

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGTERM, syscall.SIGINT)
	<-stop
	logger.Plain().Info("draining")
	cancel()

	// The dispatcher drains in-flight attempts itself for up to
	// DrainTimeout after cancel; the extra second is the process backstop.
	select {
	case err := <-done:
		if err != nil {
			logger.Plain().WithError(err).Error("dispatcher exited")
		}
	case <-time.After(cfg.Dispatcher.DrainTimeout + time.Second):
		logger.Plain().Warn("drain timeout exceeded, exiting with in-flight work")
	}
	_ = metricsSrv.Shutdown(context.Background())
	logger.Plain().Info("dispatcher stopped")
}
