package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// newServeCmd creates the 'serve' subcommand, which runs the HTTP API, the
// dispatcher and the poller until SIGINT or SIGTERM.
func newServeCmd(version string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Runs the scheduler and its HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := resolveRuntime(cmd.Context())
			if err != nil {
				return err
			}
			svc, err := newService(cmd.Context(), rt.cfg, rt.logger, version)
			if err != nil {
				return fmt.Errorf("build service: %w", err)
			}
			rt.logger.Info("mediagen starting",
				zap.String("version", version),
				zap.Int("providers", len(rt.cfg.Providers)),
			)
			if err := svc.Run(cmd.Context()); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("run service: %w", err)
			}
			return nil
		},
	}
}
