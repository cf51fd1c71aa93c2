package postgres

import (
	"context"
	"database/sql"
	"embed"
	"fmt"

	// Registers the "pgx" database/sql driver goose runs on.
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"go.uber.org/zap"
)

// Migrations holds the embedded goose migrations for the job store schema.
//
//go:embed migrations/*.sql
var Migrations embed.FS

const migrationsDir = "migrations"

// Migrator applies schema migrations with goose.
type Migrator struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewMigrator opens a database/sql handle for dsn.
func NewMigrator(dsn string, logger *zap.Logger) (*Migrator, error) {
	if dsn == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Migrator{db: db, logger: logger.Named("migrator")}, nil
}

func (m *Migrator) prepare() error {
	goose.SetBaseFS(Migrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("failed to set dialect: %w", err)
	}
	return nil
}

// Up runs all pending migrations.
func (m *Migrator) Up(ctx context.Context) error {
	if err := m.prepare(); err != nil {
		return err
	}
	m.logger.Info("running database migrations")
	if err := goose.UpContext(ctx, m.db, migrationsDir); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	m.logger.Info("migrations completed")
	return nil
}

// Down rolls back the last migration.
func (m *Migrator) Down(ctx context.Context) error {
	if err := m.prepare(); err != nil {
		return err
	}
	m.logger.Info("rolling back last migration")
	if err := goose.DownContext(ctx, m.db, migrationsDir); err != nil {
		return fmt.Errorf("failed to rollback migration: %w", err)
	}
	return nil
}

// Version returns the applied schema version.
func (m *Migrator) Version(ctx context.Context) (int64, error) {
	if err := m.prepare(); err != nil {
		return 0, err
	}
	v, err := goose.GetDBVersionContext(ctx, m.db)
	if err != nil {
		return 0, fmt.Errorf("failed to get version: %w", err)
	}
	return v, nil
}

// Close releases the database handle.
func (m *Migrator) Close() error {
	return m.db.Close()
}
