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

	"github.com/austindbirch/tidehook/internal/api"
	"github.com/austindbirch/tidehook/internal/config"
	"github.com/austindbirch/tidehook/internal/db"
	"github.com/austindbirch/tidehook/internal/health"
	"github.com/austindbirch/tidehook/internal/httpdeliver"
	"github.com/austindbirch/tidehook/internal/logging"
	"github.com/austindbirch/tidehook/internal/metrics"
	"github.com/austindbirch/tidehook/internal/publisher"
	"github.com/austindbirch/tidehook/internal/recorder"
	"github.com/austindbirch/tidehook/internal/registry"
	"github.com/austindbirch/tidehook/internal/store"
	"github.com/austindbirch/tidehook/internal/stream"
	"github.com/austindbirch/tidehook/internal/tracing"
)

func main() {
	cfg := config.Load()
	ctx := context.Background()
	logger := logging.New("api")

	shutdownTracing, err := tracing.InitTracing(ctx, "tidehook-api")
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

	var slog stream.Log
	switch cfg.Stream.Backend {
	case "memory":
		slog = stream.NewMemLog(cfg.Stream.Partitions)
	default:
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer func() { _ = rdb.Close() }()
		slog = stream.NewRedisLog(rdb, cfg.Stream.Partitions)
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

	pub := publisher.New(events, slog, logger)

	reg := prometheus.NewRegistry()
	metrics.MustRegister(reg)

	srv := api.NewServer(endpoints, events, attempts, pub, adapter, checker, reg, logger, cfg.Delivery.StrictURLs)
	httpSrv := srv.NewHTTPServer(cfg.API)

	go func() {
		logger.Plain().WithField("addr", cfg.API.Addr).Info("api listening")
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http serve: %v", err)
		}
	}()

	// Separate metrics listener so scrapes survive API saturation.
	metricsSrv := &http.Server{Addr: cfg.MetricsAddr, Handler: metricsMux(reg, checker)}
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("metrics serve: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGTERM, syscall.SIGINT)
	<-stop

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = httpSrv.Shutdown(shutdownCtx)
	_ = metricsSrv.Shutdown(shutdownCtx)
	logger.Plain().Info("api stopped")
}

func metricsMux(reg *prometheus.Registry, checker *health.Checker) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", checker.Handler())
	return mux
}
