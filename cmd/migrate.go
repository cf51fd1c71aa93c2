package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// newMigrateCmd creates the 'migrate' command group for the Postgres job store.
func newMigrateCmd() *cobra.Command {
	var dsn string
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manages the Postgres job store schema",
	}
	cmd.PersistentFlags().StringVar(&dsn, "dsn", "", "Postgres DSN (defaults to db.dsn)")

	run := func(action func(cmd *cobra.Command, m Migrator, logger *zap.Logger) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, _ []string) error {
			rt, err := resolveRuntime(cmd.Context())
			if err != nil {
				return err
			}
			target := dsn
			if target == "" {
				target = rt.cfg.DB.DSN
			}
			if target == "" {
				return errors.New("a Postgres DSN is required (--dsn or MEDIAGEN_DB_DSN)")
			}
			m, err := newMigrator(target, rt.logger)
			if err != nil {
				return fmt.Errorf("init migrator: %w", err)
			}
			defer func() {
				if cerr := m.Close(); cerr != nil {
					rt.logger.Warn("migrator close failed", zap.Error(cerr))
				}
			}()
			return action(cmd, m, rt.logger)
		}
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Applies all pending migrations",
		RunE: run(func(cmd *cobra.Command, m Migrator, logger *zap.Logger) error {
			if err := m.Up(cmd.Context()); err != nil {
				return fmt.Errorf("migrate up: %w", err)
			}
			logger.Info("migrations applied")
			return nil
		}),
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "down",
		Short: "Rolls back the most recent migration",
		RunE: run(func(cmd *cobra.Command, m Migrator, logger *zap.Logger) error {
			if err := m.Down(cmd.Context()); err != nil {
				return fmt.Errorf("migrate down: %w", err)
			}
			logger.Info("migration rolled back")
			return nil
		}),
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Prints the current schema version",
		RunE: run(func(cmd *cobra.Command, m Migrator, _ *zap.Logger) error {
			v, err := m.Version(cmd.Context())
			if err != nil {
				return fmt.Errorf("migrate version: %w", err)
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), v)
			return err
		}),
	})
	return cmd
}
