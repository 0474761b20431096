// Command producer runs the C17 role: IMAP polling into the primary
// log store stream. Wiring follows the teacher's cmd/server/main.go
// idiom (signal.NotifyContext + errgroup.WithContext orchestrating
// the primary loop alongside daemon tasks), grounded on
// original_source/producer.py's EmailProducer.run for the set of daemon
// tasks registered: health server, metrics background updater, and the
// shutdown-ordered teardown sequence. CLI flags mirror
// original_source/producer.py's argparse surface and
// oauth2_gmail.py's __main__ token-lifecycle sub-commands, bound with
// spf13/pflag onto the same *config.Config fields env vars populate
// (spec.md §2 CLI surface).
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mailpipe/ingestion/internal/auth"
	"github.com/mailpipe/ingestion/internal/auth/gmail"
	"github.com/mailpipe/ingestion/internal/auth/outlook"
	"github.com/mailpipe/ingestion/internal/breaker"
	"github.com/mailpipe/ingestion/internal/config"
	"github.com/mailpipe/ingestion/internal/health"
	"github.com/mailpipe/ingestion/internal/imapsession"
	"github.com/mailpipe/ingestion/internal/logging"
	"github.com/mailpipe/ingestion/internal/logstore"
	"github.com/mailpipe/ingestion/internal/metrics"
	"github.com/mailpipe/ingestion/internal/producer"
	"github.com/mailpipe/ingestion/internal/redisconn"
	"github.com/mailpipe/ingestion/internal/shutdown"
	"github.com/mailpipe/ingestion/internal/statestore"
)

// cliFlags holds the producer's command-line surface (spec.md §2),
// overlaid onto the env-var config after config.Load() returns.
type cliFlags struct {
	username     string
	mailbox      string
	batchSize    int
	pollInterval time.Duration
	dryRun       bool
	provider     string
	authSetup    bool
	info         bool
	revoke       bool
	refresh      bool
}

func parseFlags() cliFlags {
	var f cliFlags
	pflag.StringVar(&f.username, "username", "", "mailbox owner account identity (overrides EMAILPIPE_OAUTH_ACCOUNT)")
	pflag.StringVar(&f.mailbox, "mailbox", "", "IMAP mailbox to poll (overrides EMAILPIPE_IMAP_MAILBOX)")
	pflag.IntVar(&f.batchSize, "batch-size", 0, "max messages fetched per poll cycle (overrides EMAILPIPE_WORKER_BATCH_SIZE)")
	pflag.DurationVar(&f.pollInterval, "poll-interval", 0, "delay between poll cycles (overrides EMAILPIPE_IMAP_POLL_INTERVAL)")
	pflag.BoolVar(&f.dryRun, "dry-run", false, "search and fetch but skip log store append and cursor advance")
	pflag.StringVar(&f.provider, "provider", "", "oauth provider: gmail or outlook (overrides EMAILPIPE_OAUTH_PROVIDER)")
	pflag.BoolVar(&f.authSetup, "auth-setup", false, "run interactive OAuth2 authorization and exit")
	pflag.BoolVar(&f.info, "info", false, "print current token status and exit")
	pflag.BoolVar(&f.revoke, "revoke", false, "revoke the stored token and exit")
	pflag.BoolVar(&f.refresh, "refresh", false, "refresh the access token if it is within the expiry window and exit")
	pflag.Parse()
	return f
}

// applyFlags overlays any explicitly-set flags onto cfg, leaving
// env-var/default values in place for flags left at their zero value.
func applyFlags(cfg *config.Config, f cliFlags) {
	if f.username != "" {
		cfg.OAuth.Account = f.username
	}
	if f.mailbox != "" {
		cfg.IMAP.Mailbox = f.mailbox
	}
	if f.batchSize > 0 {
		cfg.Worker.BatchSize = f.batchSize
	}
	if f.pollInterval > 0 {
		cfg.IMAP.PollInterval = f.pollInterval
	}
	if f.provider != "" {
		cfg.OAuth.Provider = f.provider
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

	provider, err := buildProvider(cfg, log)
	if err != nil {
		log.Fatal("failed to build auth provider", zap.Error(err))
	}

	if runAuthLifecycleFlags(flags, provider, log) {
		return
	}

	log.Info("starting producer",
		zap.String("mailbox", cfg.IMAP.Mailbox),
		zap.String("provider", cfg.OAuth.Provider),
		zap.Duration("poll_interval", cfg.IMAP.PollInterval),
		zap.Bool("dry_run", flags.dryRun),
	)

	if _, _, err := auth.LoadToken(cfg.OAuth.TokenFile); err != nil {
		log.Fatal("failed to inspect token file", zap.Error(err))
	}
	ctx := context.Background()
	if _, err := provider.AccessToken(ctx); err != nil {
		log.Warn("no usable token on disk, starting interactive setup", zap.Error(err))
		if err := provider.InteractiveSetup(ctx); err != nil {
			log.Error("interactive auth setup failed", zap.Error(err))
			os.Exit(2)
		}
	}

	rdb, err := redisconn.Connect(redisconn.Config{Address: cfg.Redis.Address, Password: cfg.Redis.Password, DB: cfg.Redis.DB}, log)
	if err != nil {
		log.Fatal("failed to connect to redis", zap.Error(err))
	}
	store := logstore.New(rdb, log)
	stateStore := statestore.New(rdb, log)
	cursors := producer.NewCursorStore(stateStore, log)

	breakers := breaker.NewRegistry(log)
	breakers.Get("redis", breaker.Config{
		FailureThreshold: cfg.CircuitBreaker.FailureThreshold,
		RecoveryTimeout:  cfg.CircuitBreaker.RecoveryTimeout,
		SuccessThreshold: cfg.CircuitBreaker.SuccessThreshold,
	})
	imapCB := breakers.Get("imap", breaker.Config{
		FailureThreshold: cfg.CircuitBreaker.FailureThreshold,
		RecoveryTimeout:  cfg.CircuitBreaker.RecoveryTimeout,
		SuccessThreshold: cfg.CircuitBreaker.SuccessThreshold,
	})

	engine := producer.New(
		producer.Config{
			Account:         cfg.OAuth.Account,
			Mailbox:         cfg.IMAP.Mailbox,
			BatchSize:       cfg.Worker.BatchSize,
			StreamName:      cfg.Redis.StreamName,
			MaxStreamLength: cfg.Redis.MaxStreamLength,
			DryRun:          flags.dryRun,
		},
		imapsession.Config{Host: cfg.IMAP.Host, Port: cfg.IMAP.Port, Mailbox: cfg.IMAP.Mailbox, Account: cfg.OAuth.Account},
		provider, store, cursors, imapCB, log,
	)

	m := metrics.New()
	checker := health.New(breakers, log)
	checker.AddReadinessCheck("redis", func() error {
		return rdb.Ping(context.Background()).Err()
	})

	shutdownCoord := shutdown.New(cfg.Shutdown.Timeout, log)
	shutdownCoord.InstallSignalHandlers()

	healthAddr := fmt.Sprintf(":%d", cfg.Monitoring.HealthPort)
	healthServer := &http.Server{Addr: healthAddr, Handler: checker.Handler()}
	metricsAddr := fmt.Sprintf(":%d", cfg.Monitoring.MetricsPort)
	metricsServer := &http.Server{Addr: metricsAddr, Handler: m.HTTPHandler()}

	shutdownCoord.Register(shutdown.PriorityCloseConns, "health_server", func(ctx context.Context) error {
		return healthServer.Shutdown(ctx)
	})
	shutdownCoord.Register(shutdown.PriorityCloseConns, "metrics_server", func(ctx context.Context) error {
		return metricsServer.Shutdown(ctx)
	})
	shutdownCoord.Register(shutdown.PriorityFinalCleanup, "imap_session", func(ctx context.Context) error {
		engine.Close()
		return nil
	})
	shutdownCoord.Register(shutdown.PriorityFinalCleanup, "redis_client", func(ctx context.Context) error {
		return rdb.Close()
	})

	runCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m.StartBackgroundUpdater(runCtx, 15*time.Second, breakers,
		func(ctx context.Context) (int64, error) { return store.Len(ctx, cfg.Redis.StreamName) },
		nil, log,
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
		return engine.Run(groupCtx, cfg.IMAP.PollInterval, func(pushed int, err error) {
			m.IMAPPolls.Inc()
			if err != nil {
				log.Error("poll cycle failed", zap.Error(err))
				return
			}
			if pushed > 0 {
				m.EmailsProduced.Add(float64(pushed))
			}
		})
	})

	go func() {
		<-shutdownCoord.Done()
		stop()
	}()

	if err := group.Wait(); err != nil && err != context.Canceled {
		log.Error("producer stopped with error", zap.Error(err))
	}

	shutdownCoord.Initiate()
	log.Info("producer stopped")
}

// runAuthLifecycleFlags handles the --auth-setup/--info/--revoke/--refresh
// sub-commands, grounded on oauth2_gmail.py's __main__ block (spec.md §2,
// SPEC_FULL.md §12's operator CLI for the OAuth2 token lifecycle). It
// returns true if one of these flags was set and handled, meaning main
// should exit without starting the poll loop.
func runAuthLifecycleFlags(flags cliFlags, provider auth.Provider, log *zap.Logger) bool {
	ctx := context.Background()
	switch {
	case flags.authSetup:
		if err := provider.InteractiveSetup(ctx); err != nil {
			log.Error("interactive auth setup failed", zap.Error(err))
			os.Exit(2)
		}
		fmt.Println("auth setup complete")
		return true
	case flags.info:
		info := provider.Info()
		out, err := json.MarshalIndent(info, "", "  ")
		if err != nil {
			log.Error("failed to render token info", zap.Error(err))
			os.Exit(1)
		}
		fmt.Println(string(out))
		return true
	case flags.revoke:
		if err := provider.Revoke(ctx); err != nil {
			log.Error("failed to revoke token", zap.Error(err))
			os.Exit(1)
		}
		fmt.Println("token revoked")
		return true
	case flags.refresh:
		if _, err := provider.AccessToken(ctx); err != nil {
			log.Error("failed to refresh access token", zap.Error(err))
			os.Exit(2)
		}
		fmt.Println("token refreshed")
		return true
	}
	return false
}

func buildProvider(cfg *config.Config, log *zap.Logger) (auth.Provider, error) {
	switch cfg.OAuth.Provider {
	case "gmail":
		return gmail.New(cfg.OAuth.ClientID, cfg.OAuth.ClientSecret, cfg.OAuth.RedirectURI, cfg.OAuth.TokenFile, cfg.OAuth.Account, log), nil
	case "outlook":
		return outlook.New(cfg.OAuth.ClientID, cfg.OAuth.ClientSecret, cfg.OAuth.TenantID, cfg.OAuth.TokenFile, log), nil
	default:
		return nil, fmt.Errorf("unknown oauth provider %q", cfg.OAuth.Provider)
	}
}
