// Package main is the entry point for the unistatus-server binary.
// It wires the full monitoring control plane and starts serving:
//  1. Parse CLI flags / environment variables
//  2. Build logger, validate configuration
//  3. Open the database, run migrations, arm column encryption
//  4. Construct repositories and the service graph
//  5. Bind queue handlers and start the scheduler
//  6. Serve HTTP (REST API, WebSocket, probe lease API, /metrics)
//  7. Block until SIGINT/SIGTERM, then graceful shutdown
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Unified-Projects/uni-status-sub002/internal/alerting"
	"github.com/Unified-Projects/uni-status-sub002/internal/api"
	"github.com/Unified-Projects/uni-status-sub002/internal/checks"
	"github.com/Unified-Projects/uni-status-sub002/internal/cleanup"
	"github.com/Unified-Projects/uni-status-sub002/internal/config"
	"github.com/Unified-Projects/uni-status-sub002/internal/db"
	"github.com/Unified-Projects/uni-status-sub002/internal/dispatch"
	"github.com/Unified-Projects/uni-status-sub002/internal/events"
	"github.com/Unified-Projects/uni-status-sub002/internal/ingest"
	"github.com/Unified-Projects/uni-status-sub002/internal/maintenance"
	"github.com/Unified-Projects/uni-status-sub002/internal/metrics"
	"github.com/Unified-Projects/uni-status-sub002/internal/notification"
	"github.com/Unified-Projects/uni-status-sub002/internal/probes"
	"github.com/Unified-Projects/uni-status-sub002/internal/queue"
	"github.com/Unified-Projects/uni-status-sub002/internal/repositories"
	"github.com/Unified-Projects/uni-status-sub002/internal/rollup"
	"github.com/Unified-Projects/uni-status-sub002/internal/scheduler"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg, cfgErr := config.ServerFromEnv()

	root := &cobra.Command{
		Use:   "unistatus-server",
		Short: "Uni Status server: uptime monitoring, alerting, and status pages",
		Long: `Uni Status server runs the whole monitoring control plane: the check
scheduler and queue workers, result ingest and alert evaluation, the job
lease API for remote probes, and the REST and WebSocket API.

Each flag defaults to its UNISTATUS_ environment variable, so a flag
always wins over the environment.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if cfgErr != nil {
				return cfgErr
			}
			return run(cmd.Context(), &cfg)
		},
	}

	root.AddCommand(newVersionCmd())

	root.PersistentFlags().StringVar(&cfg.ListenAddr, "listen-addr", cfg.ListenAddr, "HTTP listen address for the API, WebSocket, and probe endpoints")
	root.PersistentFlags().StringVar(&cfg.DBDriver, "db-driver", cfg.DBDriver, "Database driver (sqlite or postgres)")
	root.PersistentFlags().StringVar(&cfg.DBDSN, "db-dsn", cfg.DBDSN, "Database DSN or file path for SQLite")
	root.PersistentFlags().StringVar(&cfg.SecretKey, "secret-key", cfg.SecretKey, "32-byte key encrypting channel and probe secrets at rest (required)")
	root.PersistentFlags().StringVar(&cfg.DefaultRegion, "region", cfg.DefaultRegion, "Region stamped on checks the server runs itself")
	root.PersistentFlags().IntVar(&cfg.RetentionDays, "retention-days", cfg.RetentionDays, "Days of raw check results to keep (0 uses the default)")
	root.PersistentFlags().StringVar(&cfg.StatusBaseURL, "status-base-url", cfg.StatusBaseURL, "Public base URL used in notification links (empty omits them)")
	root.PersistentFlags().StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level (debug, info, warn, error)")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("unistatus-server %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

func run(ctx context.Context, cfg *config.Server) error {
	logger, err := buildLogger(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	if err := cfg.Validate(); err != nil {
		return err
	}

	logger.Info("starting unistatus server",
		zap.String("version", version),
		zap.String("listen_addr", cfg.ListenAddr),
		zap.String("db_driver", cfg.DBDriver),
		zap.String("region", cfg.DefaultRegion),
		zap.String("log_level", cfg.LogLevel),
	)

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// --- Storage ---
	// Encryption must be armed before the first query; migrations and
	// every EncryptedString column read depend on it.
	if err := db.InitEncryption([]byte(cfg.SecretKey)); err != nil {
		return err
	}
	database, err := db.New(db.Config{
		Driver: cfg.DBDriver,
		DSN:    cfg.DBDSN,
		Logger: logger,
	})
	if err != nil {
		return err
	}
	defer db.Close(database) //nolint:errcheck

	monitors := repositories.NewMonitorRepository(database)
	results := repositories.NewResultRepository(database)
	rollups := repositories.NewRollupRepository(database)
	alerts := repositories.NewAlertRepository(database)
	channels := repositories.NewChannelRepository(database)
	windows := repositories.NewMaintenanceRepository(database)
	incidents := repositories.NewIncidentRepository(database)
	probeRepo := repositories.NewProbeRepository(database)
	orgs := repositories.NewOrgRepository(database)
	audit := repositories.NewAuditRepository(database)
	reports := repositories.NewReportRepository(database)

	// --- Metrics, events, queue ---
	promReg := prometheus.NewRegistry()
	set := metrics.New(promReg)

	hub := events.NewHub()
	set.ObserveWSClients(promReg, hub.ConnectedCount)

	store := queue.NewGormQueue(database, logger, workerID())
	registry := queue.NewRegistry(store, logger)
	registry.OnJobDone(func(queueName string, jobErr error, elapsed time.Duration) {
		outcome := "ok"
		if jobErr != nil {
			outcome = "failed"
		}
		set.IncQueueJob(queueName, outcome)
		set.ObserveQueueJobDuration(queueName, elapsed.Seconds())
	})

	// --- Service graph ---
	// Construction order follows the data flow: deliveries depend on
	// nothing, alerting feeds them, ingest feeds alerting, the check
	// runner feeds ingest.
	mailer := notification.NewDispatcher(notification.DispatcherConfig{
		Channels:         channels,
		Queue:            store,
		DashboardBaseURL: cfg.StatusBaseURL,
		Logger:           logger,
	})
	deliveries := notification.NewWorker(notification.WorkerConfig{
		Channels: channels,
		Orgs:     orgs,
		Platform: cfg.PlatformCredentials(),
		Metrics:  set,
		Logger:   logger,
	})

	evaluator := alerting.New(alerting.Deps{
		Monitors:    monitors,
		Results:     results,
		Alerts:      alerts,
		Maintenance: windows,
		Audit:       audit,
		Dispatcher:  mailer,
		Hub:         hub,
		Metrics:     set,
	}, logger)

	sink := ingest.New(ingest.Deps{
		Monitors:  monitors,
		Results:   results,
		Incidents: incidents,
		Audit:     audit,
		Evaluator: evaluator,
		Hub:       hub,
		Metrics:   set,
	}, logger)

	// The server executes every check type; heartbeat and aggregate
	// monitors read server-side state, so only the server registers them.
	executors := checks.NewRegistry(logger)
	checks.RegisterNetworkExecutors(executors)
	executors.Register(checks.NewHeartbeatExecutor(ingest.NewPingStore(results)))
	executors.Register(checks.NewAggregateExecutor(ingest.NewMemberSource(monitors, logger)))

	runner := dispatch.NewRunner(executors, sink, logger)

	retention := cleanup.New(cleanup.Config{
		Results:       results,
		Audit:         audit,
		Orgs:          orgs,
		Probes:        probeRepo,
		Queue:         store,
		RetentionDays: cfg.RetentionDays,
		Logger:        logger,
	})
	reporter := cleanup.NewReporter(cleanup.ReporterConfig{
		Reports:  reports,
		Channels: channels,
		Monitors: monitors,
		Rollups:  rollups,
		Mailer:   mailer,
		Logger:   logger,
	})
	aggregator := rollup.New(rollup.Deps{
		Monitors: monitors,
		Results:  results,
		Rollups:  rollups,
	}, logger)

	maint := maintenance.New(maintenance.Config{
		Windows:           windows,
		Monitors:          monitors,
		Orgs:              orgs,
		Audit:             audit,
		Mailer:            mailer,
		Hub:               hub,
		UnsubscribeSecret: cfg.TokenSecret(),
		StatusBaseURL:     cfg.StatusBaseURL,
		Logger:            logger,
	})

	probeSvc := probes.New(probes.Config{
		Probes:  probeRepo,
		Orgs:    orgs,
		Audit:   audit,
		Sink:    sink,
		Hub:     hub,
		Metrics: set,
		Logger:  logger,
	})

	sched, err := scheduler.New(scheduler.Deps{
		Monitors:    monitors,
		Results:     results,
		Maintenance: windows,
		Probes:      probeRepo,
		Reports:     reports,
		Queue:       store,
		Notifier:    maint,
		Sweeper:     probeSvc,
	}, scheduler.Config{Region: cfg.DefaultRegion}, logger)
	if err != nil {
		return err
	}

	// --- Queue bindings ---
	for _, name := range dispatch.Queues() {
		var h queue.Handler
		switch {
		case name == dispatch.QueueAggregation:
			h = aggregator.Handle
		case name == dispatch.QueueReports:
			h = reporter.Handle
		case name == dispatch.QueueCleanup:
			h = retention.Handle
		case name == dispatch.QueueNotifications || strings.HasPrefix(name, dispatch.QueueNotifications+":"):
			h = deliveries.Handle
		default:
			h = runner.Handle
		}
		registry.Bind(name, dispatch.Concurrency(name), h)
	}

	// --- HTTP ---
	router := api.NewRouter(api.RouterConfig{
		Probes:            probeSvc,
		Hub:               hub,
		Logger:            logger,
		Monitors:          monitors,
		Results:           results,
		Orgs:              orgs,
		Metrics:           promReg,
		UnsubscribeSecret: cfg.TokenSecret(),
	})
	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// --- Supervision ---
	// The hub, queue workers, and HTTP server run under one group; the
	// first failure or the shutdown signal cancels the rest. gocron runs
	// its own goroutines, so the scheduler only brackets the group.
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		hub.Run(gctx)
		return nil
	})
	g.Go(func() error {
		return registry.Run(gctx)
	})
	g.Go(func() error {
		logger.Info("http server listening", zap.String("addr", cfg.ListenAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		drainCtx, drainCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer drainCancel()
		return srv.Shutdown(drainCtx)
	})

	if err := sched.Start(); err != nil {
		return err
	}

	err = g.Wait()
	if stopErr := sched.Stop(); stopErr != nil {
		logger.Warn("scheduler did not stop cleanly", zap.Error(stopErr))
	}
	logger.Info("unistatus server stopped")
	return err
}

// workerID names this process as a queue lock owner, so a replacement
// server can tell its own stale locks from a live peer's.
func workerID() string {
	host, err := os.Hostname()
	if err != nil {
		host = "unistatus"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}

func buildLogger(level string) (*zap.Logger, error) {
	var cfg zap.Config

	switch level {
	case "debug":
		cfg = zap.NewDevelopmentConfig()
	default:
		cfg = zap.NewProductionConfig()
	}

	switch level {
	case "debug":
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "info":
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	case "warn":
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	return cfg.Build()
}
