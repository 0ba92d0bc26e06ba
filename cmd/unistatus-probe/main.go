// Package main is the entry point for the unistatus-probe binary.
// A probe is a remote check runner. It enrolls once with an organization's
// enrollment secret (the register subcommand), then keeps a heartbeat loop
// and a job claim loop against the server's probe API, executing leased
// checks through the shared executor registry and posting results back.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Unified-Projects/uni-status-sub002/internal/agent"
	"github.com/Unified-Projects/uni-status-sub002/internal/checks"
	"github.com/Unified-Projects/uni-status-sub002/internal/config"
	"github.com/Unified-Projects/uni-status-sub002/internal/probes"
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
	cfg, cfgErr := config.ProbeFromEnv()

	root := &cobra.Command{
		Use:   "unistatus-probe",
		Short: "Uni Status probe: remote check runner",
		Long: `Uni Status probe executes checks from another network location.
It long-polls the server for leased jobs, runs them locally, and posts
the results back under its own region label.

Each flag defaults to its PROBE_ environment variable, so a flag always
wins over the environment.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if cfgErr != nil {
				return cfgErr
			}
			return run(cmd.Context(), &cfg)
		},
	}

	root.AddCommand(newVersionCmd())
	root.AddCommand(newRegisterCmd(&cfg))

	root.PersistentFlags().StringVar(&cfg.ServerURL, "server-url", cfg.ServerURL, "Base URL of the Uni Status server (required)")
	root.PersistentFlags().StringVar(&cfg.Token, "token", cfg.Token, "Probe bearer token issued by the register subcommand (required)")
	root.PersistentFlags().StringVar(&cfg.Region, "region", cfg.Region, "Region label stamped on this probe's results")
	root.PersistentFlags().IntVar(&cfg.HeartbeatMS, "heartbeat-ms", cfg.HeartbeatMS, "Heartbeat interval in milliseconds")
	root.PersistentFlags().IntVar(&cfg.PollTimeoutMS, "poll-timeout-ms", cfg.PollTimeoutMS, "Job long-poll hold time in milliseconds")
	root.PersistentFlags().IntVar(&cfg.JobBatch, "job-batch", cfg.JobBatch, "Maximum jobs claimed, and run concurrently, per poll")
	root.PersistentFlags().StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level (debug, info, warn, error)")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("unistatus-probe %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

// newRegisterCmd enrolls the probe. It reuses the root --server-url and
// --region flags and needs no token; the enrollment secret is the
// credential here.
func newRegisterCmd(cfg *config.Probe) *cobra.Command {
	var (
		orgID        string
		enrollSecret string
		name         string
	)

	register := &cobra.Command{
		Use:   "register",
		Short: "Enroll this probe and print its one-time token",
		Long: `Register enrolls a new probe with the server using the organization's
enrollment secret and prints the issued bearer token. The server keeps
only a hash of the token and cannot show it again.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if cfg.ServerURL == "" {
				return fmt.Errorf("server url is required: set --server-url or PROBE_SERVER_URL")
			}
			if enrollSecret == "" {
				return fmt.Errorf("enrollment secret is required: set --enroll-secret")
			}
			if name == "" {
				return fmt.Errorf("probe name is required: set --name")
			}
			id, err := uuid.Parse(orgID)
			if err != nil {
				return fmt.Errorf("invalid --org-id: %w", err)
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), 15*time.Second)
			defer cancel()

			client := agent.NewClient(cfg.ServerURL, "")
			resp, err := client.Register(ctx, &probes.RegisterRequest{
				OrgID:        id,
				EnrollSecret: enrollSecret,
				Name:         name,
				Region:       cfg.Region,
				Version:      version,
			})
			if err != nil {
				return fmt.Errorf("registration failed: %w", err)
			}

			fmt.Printf("Probe registered.\n\n")
			fmt.Printf("  probe id: %s\n", resp.ProbeID)
			fmt.Printf("  token:    %s\n\n", resp.Token)
			fmt.Printf("Save the token now; it cannot be shown again. Start the probe with:\n\n")
			fmt.Printf("  unistatus-probe --server-url %s --token <token>\n", cfg.ServerURL)
			return nil
		},
	}

	register.Flags().StringVar(&orgID, "org-id", "", "Organization ID the probe belongs to (required)")
	register.Flags().StringVar(&enrollSecret, "enroll-secret", "", "Organization enrollment secret (required)")
	register.Flags().StringVar(&name, "name", "", "Display name for this probe (required)")

	return register
}

func run(ctx context.Context, cfg *config.Probe) error {
	logger, err := buildLogger(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	if err := cfg.Validate(); err != nil {
		return err
	}

	logger.Info("starting unistatus probe",
		zap.String("version", version),
		zap.String("server", cfg.ServerURL),
		zap.String("region", cfg.Region),
		zap.Int("job_batch", cfg.JobBatch),
	)

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Probes run only the network executors. Heartbeat and aggregate
	// checks read server-side state and never lease out to a probe.
	registry := checks.NewRegistry(logger)
	checks.RegisterNetworkExecutors(registry)

	client := agent.NewClient(cfg.ServerURL, cfg.Token)
	a := agent.New(agent.Config{
		Region:         cfg.Region,
		Version:        version,
		HeartbeatEvery: cfg.HeartbeatEvery(),
		PollTimeout:    cfg.PollTimeout(),
		JobBatch:       cfg.JobBatch,
	}, client, registry, logger)

	if err := a.Run(ctx); err != nil {
		return err
	}

	logger.Info("unistatus probe stopped")
	return nil
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
