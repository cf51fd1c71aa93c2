// Package cmd defines and implements the CLI commands for the mediagen executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/mediagen/internal/config"
	"github.com/JakeFAU/mediagen/internal/logging"
	"github.com/JakeFAU/mediagen/internal/server"
	"github.com/JakeFAU/mediagen/internal/storage/postgres"
)

// runtimeKeyType is the key for storing the loaded runtime in the context.
type runtimeKeyType string

const runtimeKey runtimeKeyType = "runtime"

// runtime carries what every subcommand needs once flags are parsed.
type runtime struct {
	cfg    config.Config
	logger *zap.Logger
}

// Service is the long-running scheduler started by serve.
type Service interface {
	Run(ctx context.Context) error
	Close(ctx context.Context)
}

// Migrator applies and inspects the Postgres schema.
type Migrator interface {
	Up(ctx context.Context) error
	Down(ctx context.Context) error
	Version(ctx context.Context) (int64, error)
	Close() error
}

// newService and newMigrator are factories so tests can substitute fakes.
var (
	newService = func(ctx context.Context, cfg config.Config, logger *zap.Logger, version string) (Service, error) {
		return server.Build(ctx, cfg, logger, version)
	}
	newMigrator = func(dsn string, logger *zap.Logger) (Migrator, error) {
		return postgres.NewMigrator(dsn, logger)
	}
)

// newRootCmd creates and configures the root command.
func newRootCmd(version string) *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:     "mediagen",
		Short:   "A scheduler for asynchronous media generation jobs.",
		Version: version,
		Long: `mediagen accepts image, video and audio generation requests, deduplicates
them through a content-addressed result cache, and spreads the work across
provider accounts with per-account concurrency limits.`,
		SilenceUsage: true,

		// Load configuration and the logger before any subcommand runs.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			logger, err := logging.New(logging.Options{
				Development: cfg.Logging.Development,
				Level:       cfg.Logging.Level,
				Service:     cfg.Telemetry.ServiceName,
				Version:     version,
			})
			if err != nil {
				return fmt.Errorf("init logger: %w", err)
			}
			zap.ReplaceGlobals(logger)
			cmd.SetContext(context.WithValue(cmd.Context(), runtimeKey, &runtime{cfg: cfg, logger: logger}))
			return nil
		},

		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			if rt, ok := cmd.Context().Value(runtimeKey).(*runtime); ok && rt != nil {
				_ = rt.logger.Sync() //nolint:errcheck // stderr sync fails on some platforms
			}
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (yaml, json or toml); env vars use the MEDIAGEN_ prefix")

	cmd.AddCommand(newServeCmd(version))
	cmd.AddCommand(newMigrateCmd())
	cmd.AddCommand(newProvidersCmd())
	return cmd
}

func resolveRuntime(ctx context.Context) (*runtime, error) {
	rt, ok := ctx.Value(runtimeKey).(*runtime)
	if !ok || rt == nil {
		return nil, errors.New("runtime not initialized")
	}
	return rt, nil
}

// Execute is the main entry point.
func Execute(version string) {
	if err := newRootCmd(version).ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "mediagen: %v\n", err)
		os.Exit(1)
	}
}
