// Command worker runs the C18 role: consumer-group processing of the
// primary log store stream, with idempotency, backoff, DLQ routing,
// and periodic orphan recovery. Wiring follows the same
// signal.NotifyContext + errgroup.WithContext + shutdown.Coordinator
// pattern as cmd/producer, grounded on the teacher's cmd/server/main.go
// idiom and original_source/worker.py's EmailWorker.__init__ for the
// set of components instantiated. CLI flags mirror worker.py's argparse
// surface, bound with spf13/pflag onto the same *config.Config fields
// env vars populate (spec.md §2 CLI surface).
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mailpipe/ingestion/internal/breaker"
	"github.com/mailpipe/ingestion/internal/config"
	"github.com/mailpipe/ingestion/internal/errs"
	"github.com/mailpipe/ingestion/internal/health"
	"github.com/mailpipe/ingestion/internal/logging"
	"github.com/mailpipe/ingestion/internal/logstore"
	"github.com/mailpipe/ingestion/internal/metrics"
	"github.com/mailpipe/ingestion/internal/redisconn"
	"github.com/mailpipe/ingestion/internal/shutdown"
	"github.com/mailpipe/ingestion/internal/statestore"
	"github.com/mailpipe/ingestion/internal/worker"
	"github.com/mailpipe/ingestion/internal/worker/backoff"
	"github.com/mailpipe/ingestion/internal/worker/dlq"
	"github.com/mailpipe/ingestion/internal/worker/idempotency"
	"github.com/mailpipe/ingestion/internal/worker/processor"
	"github.com/mailpipe/ingestion/internal/worker/recovery"
)

// cliFlags holds the worker's command-line surface (spec.md §2),
// overlaid onto the env-var config after config.Load() returns.
type cliFlags struct {
	stream       string
	group        string
	consumer     string
	batchSize    int
	blockTimeout time.Duration
}

func parseFlags() cliFlags {
	var f cliFlags
	pflag.StringVar(&f.stream, "stream", "", "log store stream name (overrides EMAILPIPE_REDIS_STREAM_NAME)")
	pflag.StringVar(&f.group, "group", "", "consumer group name (overrides EMAILPIPE_WORKER_CONSUMER_GROUP)")
	pflag.StringVar(&f.consumer, "consumer", "", "consumer name within the group (overrides EMAILPIPE_WORKER_CONSUMER_NAME)")
	pflag.IntVar(&f.batchSize, "batch-size", 0, "max entries read per XREADGROUP call (overrides EMAILPIPE_WORKER_BATCH_SIZE)")
	pflag.DurationVar(&f.blockTimeout, "block-timeout", 0, "XREADGROUP block duration (overrides EMAILPIPE_WORKER_BLOCK_TIMEOUT)")
	pflag.Parse()
	return f
}

// applyFlags overlays any explicitly-set flags onto cfg, leaving
// env-var/default values in place for flags left at their zero value.
func applyFlags(cfg *config.Config, f cliFlags) {
	if f.stream != "" {
		cfg.Redis.StreamName = f.stream
	}
	if f.group != "" {
		cfg.Worker.ConsumerGroup = f.group
	}
	if f.consumer != "" {
		cfg.Worker.ConsumerName = f.consumer
	}
	if f.batchSize > 0 {
		cfg.Worker.BatchSize = f.batchSize
	}
	if f.blockTimeout > 0 {
		cfg.Worker.BlockTimeout = f.blockTimeout
	}
}

func main() {
	flags := parseFlags()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	applyFlags(cfg, flags)

	log, err := logging.New(logging.Config{Level: cfg.Log.Level, Development: cfg.Log.Development, LogFile: cfg.Log.LogFile})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logging.Sync(log, cfg.Shutdown.Timeout)

	log.Info("starting worker",
		zap.String("stream", cfg.Redis.StreamName),
		zap.String("group", cfg.Worker.ConsumerGroup),
		zap.String("consumer", cfg.Worker.ConsumerName),
	)

	rdb, err := redisconn.Connect(redisconn.Config{Address: cfg.Redis.Address, Password: cfg.Redis.Password, DB: cfg.Redis.DB}, log)
	if err != nil {
		log.Fatal("failed to connect to redis", zap.Error(err))
	}
	store := logstore.New(rdb, log)
	stateStore := statestore.New(rdb, log)

	breakers := breaker.NewRegistry(log)
	redisCB := breakers.Get("redis", breaker.Config{
		FailureThreshold: cfg.CircuitBreaker.FailureThreshold,
		RecoveryTimeout:  cfg.CircuitBreaker.RecoveryTimeout,
		SuccessThreshold: cfg.CircuitBreaker.SuccessThreshold,
	})

	idemFilter := idempotency.New(stateStore, cfg.Idempotency.TTL, log)
	backoffCtl := backoff.New(backoff.Config{
		InitialDelay: cfg.DLQ.InitialBackoff,
		MaxDelay:     cfg.DLQ.MaxBackoff,
		Multiplier:   cfg.DLQ.BackoffMultiplier,
		MaxRetries:   cfg.DLQ.MaxRetryAttempts,
	}, log)
	dlqRouter := dlq.New(store, cfg.DLQ.StreamName, cfg.Redis.MaxStreamLength, log)
	proc := processor.New(nil, log)

	sweeper := recovery.New(store, cfg.Redis.StreamName, cfg.Worker.ConsumerGroup, cfg.Worker.ConsumerName, recovery.Config{
		MinIdle:          cfg.Recovery.MinIdle,
		MaxClaimCount:    int64(cfg.Recovery.MaxClaimCount),
		MaxDeliveryCount: int64(cfg.Recovery.MaxDeliveryCount),
	}, log)

	m := metrics.New()
	loop := worker.New(worker.Config{
		StreamName:     cfg.Redis.StreamName,
		GroupName:      cfg.Worker.ConsumerGroup,
		ConsumerName:   cfg.Worker.ConsumerName,
		BatchSize:      int64(cfg.Worker.BatchSize),
		BlockTimeout:   cfg.Worker.BlockTimeout,
		MaxConcurrency: cfg.Worker.BatchSize,
	}, store, idemFilter, backoffCtl, dlqRouter, proc, redisCB, m, log)

	checker := health.New(breakers, log)
	checker.AddReadinessCheck("redis", func() error {
		return rdb.Ping(context.Background()).Err()
	})
	checker.RegisterStatsProvider("idempotency", idemFilter)
	checker.RegisterStatsProvider("backoff", backoffCtl)
	checker.RegisterStatsProvider("dlq", dlqRouter)
	checker.RegisterStatsProvider("recovery", sweeper)
	checker.RegisterStatsProvider("worker_loop", loop)
	checker.RegisterStatsProvider("worker_pool", loop.Pool())

	shutdownCoord := shutdown.New(cfg.Shutdown.Timeout, log)
	shutdownCoord.InstallSignalHandlers()

	healthAddr := fmt.Sprintf(":%d", cfg.Monitoring.HealthPort+1)
	healthServer := &http.Server{Addr: healthAddr, Handler: checker.Handler()}
	metricsAddr := fmt.Sprintf(":%d", cfg.Monitoring.MetricsPort+1)
	metricsServer := &http.Server{Addr: metricsAddr, Handler: m.HTTPHandler()}

	shutdownCoord.Register(shutdown.PriorityCloseConns, "health_server", func(ctx context.Context) error {
		return healthServer.Shutdown(ctx)
	})
	shutdownCoord.Register(shutdown.PriorityCloseConns, "metrics_server", func(ctx context.Context) error {
		return metricsServer.Shutdown(ctx)
	})
	shutdownCoord.Register(shutdown.PriorityFinalCleanup, "redis_client", func(ctx context.Context) error {
		return rdb.Close()
	})

	runCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m.StartBackgroundUpdater(runCtx, 15*time.Second, breakers,
		func(ctx context.Context) (int64, error) { return store.Len(ctx, cfg.Redis.StreamName) },
		func(ctx context.Context) (int64, error) { return dlqRouter.Depth(ctx) },
		log,
	)

	group, groupCtx := errgroup.WithContext(runCtx)

	group.Go(func() error {
		log.Info("starting health server", zap.String("address", healthAddr))
		if err := healthServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})

	group.Go(func() error {
		log.Info("starting metrics server", zap.String("address", metricsAddr))
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})

	group.Go(func() error {
		return sweeper.Run(groupCtx, cfg.Recovery.CheckInterval, func(claimed []logstore.Entry, expired []logstore.PendingEntry) {
			m.OrphansClaimed.Add(float64(len(claimed)))
			for _, p := range expired {
				if _, err := dlqRouter.Send(groupCtx, p.ID, nil, errs.ExcessiveRedelivery.Error(), "exceeded max delivery count", int(p.DeliveryCount)); err != nil {
					log.Error("failed to route expired orphan to dlq", zap.String("entry_id", p.ID), zap.Error(err))
					continue
				}
				if err := store.Ack(groupCtx, cfg.Redis.StreamName, cfg.Worker.ConsumerGroup, p.ID); err != nil {
					log.Error("failed to ack expired orphan after dlq routing", zap.String("entry_id", p.ID), zap.Error(err))
				}
				m.DLQMessages.Inc()
			}
		})
	})

	group.Go(func() error {
		return loop.Run(groupCtx)
	})

	go func() {
		<-shutdownCoord.Done()
		stop()
	}()

	if err := group.Wait(); err != nil && err != context.Canceled {
		log.Error("worker stopped with error", zap.Error(err))
	}

	shutdownCoord.Initiate()
	log.Info("worker stopped")
}
