package main

import (
	"context"
	"database/sql"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/bizlink/messaging/internal/application"
	"github.com/bizlink/messaging/internal/cache"
	"github.com/bizlink/messaging/internal/config"
	"github.com/bizlink/messaging/internal/kafka"
	"github.com/bizlink/messaging/internal/notifier"
	"github.com/bizlink/messaging/internal/observability"
	"github.com/bizlink/messaging/internal/outbox"
	"github.com/bizlink/messaging/internal/repository/postgres"
	"github.com/bizlink/messaging/internal/transport/httpapi"
	"github.com/bizlink/messaging/internal/tx"
)

func main() {
	cfg := config.Load()

	// Observability
	observability.InitLogger(cfg.ServiceName)
	log := observability.Log

	if cfg.TracingEnabled {
		tp, err := observability.InitTracer(cfg.ServiceName, cfg.JaegerURL)
		if err != nil {
			log.Fatal("failed to initialize tracer", zap.Error(err))
		}
		defer func() {
			if err := tp.Shutdown(context.Background()); err != nil {
				log.Error("failed to shutdown tracer provider", zap.Error(err))
			}
		}()
	}

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		log.Fatal("db open failed", zap.Error(err))
	}
	defer db.Close()

	// HTTP server for observability (metrics & health)
	obsMux := chi.NewRouter()
	obsMux.Handle("/metrics", promhttp.Handler())
	obsMux.Get("/health/live", observability.HealthLiveHandler)
	obsMux.Get("/health/ready", observability.HealthReadyHandler(db))

	go func() {
		log.Info("HTTP observability server started", zap.String("addr", cfg.ObsHTTPAddr))
		if err := http.ListenAndServe(cfg.ObsHTTPAddr, obsMux); err != nil {
			log.Error("HTTP observability server failed", zap.Error(err))
		}
	}()

	// Redis: conversation cache and cross-instance delta routing
	cacheClient := cache.New(cfg.RedisAddr)
	defer cacheClient.Client.Close()

	repo := &postgres.Repository{
		DB:    db,
		Cache: cacheClient,
	}
	txMgr := &tx.Manager{DB: db}
	app := application.New(repo, txMgr, log)

	// Kafka producer feeding the outbox topics
	producer, err := kafka.NewProducer(cfg.KafkaBrokers)
	if err != nil {
		log.Fatal("kafka producer failed", zap.Error(err))
	}

	worker := &outbox.Worker{
		DB:                 db,
		Producer:           producer,
		DeltasTopic:        cfg.DeltasTopic,
		NotificationsTopic: cfg.NotificationsTopic,
		ServiceName:        cfg.ServiceName,
		BatchSize:          100,
		PollDelay:          2 * time.Second,
	}

	// Cancellable context for background workers
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go worker.Start(ctx)

	// Delta fan-out: consume the deltas topic, deliver to local sessions,
	// relay to peer instances over redis.
	registry := notifier.NewRegistry()
	router := notifier.NewRouter(cacheClient.Client, cfg.InstanceID)
	dispatcher := notifier.NewDispatcher(registry, router)
	router.Subscribe(ctx, dispatcher.DeliverRemote)

	// One shared group: each delta is consumed by exactly one instance,
	// which delivers locally and relays to peers over redis.
	consumer, err := kafka.NewConsumer(
		[]string{cfg.KafkaBrokers},
		[]string{cfg.DeltasTopic},
		cfg.ServiceName+".deltas",
		dispatcher,
	)
	if err != nil {
		log.Fatal("kafka consumer failed", zap.Error(err))
	}
	consumer.Start(ctx)

	// API server
	wsHandler := notifier.NewHandler(registry, app)
	apiRouter := httpapi.NewRouter(cfg.ServiceName, httpapi.NewHandler(app), wsHandler)

	srv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: apiRouter,
	}
	go func() {
		log.Info("HTTP API server started", zap.String("addr", cfg.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("HTTP API server failed", zap.Error(err))
		}
	}()

	// Shutdown
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	log.Info("shutting down...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP API server shutdown failed", zap.Error(err))
	}

	registry.CloseAll()
	consumer.Close()
	producer.Flush(5000)

	log.Info("shutdown complete")
}
