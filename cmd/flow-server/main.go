// Command flow-server runs the broker-side HTTP API: the Event Log, Work
// Queue, Catalog Client, Loop Coordinator, Retry Controller, and Broker
// wired behind the Worker Protocol surface in internal/httpapi.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	_ "github.com/gorax/flow/docs"
	"github.com/gorax/flow/internal/aggregator"
	"github.com/gorax/flow/internal/broker"
	"github.com/gorax/flow/internal/catalog"
	"github.com/gorax/flow/internal/config"
	"github.com/gorax/flow/internal/dispatcher"
	"github.com/gorax/flow/internal/eventlog"
	"github.com/gorax/flow/internal/httpapi"
	"github.com/gorax/flow/internal/loopcoord"
	"github.com/gorax/flow/internal/obs"
	"github.com/gorax/flow/internal/queue"
	"github.com/gorax/flow/internal/render"
	"github.com/gorax/flow/internal/retry"
	"github.com/gorax/flow/internal/scheduler"
	"github.com/gorax/flow/internal/workflowindex"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	cfg, err := config.Load()
	if err != nil {
		logger.Error("flow-server: load config failed", "error", err)
		os.Exit(1)
	}
	if cfg.Server.Env == "production" {
		if err := config.ValidateForProduction(cfg); err != nil {
			logger.Error("flow-server: production config validation failed", "error", err)
			os.Exit(1)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := sqlx.ConnectContext(ctx, "postgres", cfg.Database.ConnectionString())
	if err != nil {
		logger.Error("flow-server: connect database failed", "error", err)
		os.Exit(1)
	}
	defer db.Close()
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	tracer, err := obs.InitTracing(ctx, cfg.Observability)
	if err != nil {
		logger.Error("flow-server: init tracing failed", "error", err)
		os.Exit(1)
	}
	defer tracer.Shutdown(context.Background())

	errTracker, err := obs.InitErrorTracking(cfg.Observability)
	if err != nil {
		logger.Error("flow-server: init error tracking failed", "error", err)
		os.Exit(1)
	}
	defer errTracker.Flush(2 * time.Second)

	metrics := obs.NewMetrics()
	registry := prometheus.NewRegistry()
	if err := metrics.Register(registry); err != nil {
		logger.Error("flow-server: register metrics failed", "error", err)
		os.Exit(1)
	}

	log := eventlog.New(db, logger)
	q := queue.New(db, logger)
	cat, err := catalog.New(db, logger, cfg.Catalog.CacheSize)
	if err != nil {
		logger.Error("flow-server: init catalog failed", "error", err)
		os.Exit(1)
	}
	renderer := render.New()
	loops := loopcoord.New(log, q, renderer)
	retryCtl := retry.New(renderer)
	index := workflowindex.New(db)

	settleDelay := time.Duration(cfg.Queue.BrokerSettleDelay) * time.Millisecond
	brk := broker.New(log, q, cat, renderer, loops, index, logger, settleDelay)
	disp := dispatcher.New(brk, logger)
	log.Subscribe(disp)

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Address,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer redisClient.Close()

	server := httpapi.New(log, q, cat, renderer, retryCtl, metrics, registry, tracer, errTracker, logger, httpapi.Config{
		PoolMax: cfg.Server.PoolMax,
		Redis:   redisClient,
		CORS:    cfg.CORS,
	})

	go httpapi.RunQueueGauge(ctx, q, metrics, time.Duration(cfg.Queue.ReapInterval)*time.Second, logger)
	go runReaper(ctx, q, metrics, time.Duration(cfg.Queue.ReapInterval)*time.Second, logger)

	catalogRefresh := scheduler.New("catalog_latest_refresh", "*/1 * * * *", func(jobCtx context.Context) {
		cat.RefreshLatestVersions(jobCtx)
	}, logger)
	if err := catalogRefresh.Start(ctx); err != nil {
		logger.Error("flow-server: start catalog refresh job failed", "error", err)
		os.Exit(1)
	}
	defer catalogRefresh.Stop()

	aggPoller := newAggregationPoller(log, q, buildAggregator(ctx, cfg, log, logger), logger)
	go aggPoller.run(ctx)

	httpServer := &http.Server{
		Addr:         cfg.Server.Address,
		Handler:      server.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	go func() {
		logger.Info("flow-server: listening", "address", cfg.Server.Address)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("flow-server: listen failed", "error", err)
		}
	}()

	<-ctx.Done()
	logger.Info("flow-server: shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("flow-server: graceful shutdown failed", "error", err)
	}
}

// buildAggregator wires the Aggregator Job executor, attaching the optional
// S3 archival sink when an archive bucket is configured.
func buildAggregator(ctx context.Context, cfg *config.Config, log *eventlog.Log, logger *slog.Logger) *aggregator.Executor {
	if cfg.AWS.ArchiveBucket == "" {
		return aggregator.New(log)
	}

	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.AWS.Region)}
	if cfg.AWS.AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AWS.AccessKeyID, cfg.AWS.SecretAccessKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		logger.Warn("flow-server: load aws config failed, archive sink disabled", "error", err)
		return aggregator.New(log)
	}

	store := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.AWS.Endpoint != "" {
			o.BaseEndpoint = &cfg.AWS.Endpoint
			o.UsePathStyle = true
		}
	})
	logger.Info("flow-server: aggregate archive sink enabled", "bucket", cfg.AWS.ArchiveBucket)
	return aggregator.NewWithArchive(log, store, cfg.AWS.ArchiveBucket, logger)
}

// runReaper sweeps expired leases back onto the queue on an interval,
// feeding the resulting reap count into the evaluation chain by relying on
// the next lease/ack/fail cycle to pick the job back up.
func runReaper(ctx context.Context, q *queue.Queue, metrics *obs.Metrics, interval time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := q.ReapExpired(ctx)
			if err != nil {
				logger.Warn("flow-server: reap expired failed", "error", err)
				continue
			}
			if n > 0 {
				metrics.RecordQueueReaped(n)
				logger.Info("flow-server: reaped expired leases", "count", n)
			}
		}
	}
}
