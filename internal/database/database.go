// Package database owns the Postgres connection pool (pgx) and the
// golang-migrate wiring cmd/migrate drives.
package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/pgx/v5"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Service is the pool lifecycle surface the orchestrator and health
// endpoints depend on.
type Service interface {
	Pool() *pgxpool.Pool
	Health() map[string]string
	Close() error
}

type service struct {
	pool *pgxpool.Pool
}

// New opens a pgx connection pool against dbURL and verifies connectivity
// with a ping. It does not run migrations; call RunMigrations separately so
// callers can decide ordering relative to invariant checks at startup.
func New(ctx context.Context, dbURL string) (Service, error) {
	cfg, err := pgxpool.ParseConfig(dbURL)
	if err != nil {
		return nil, fmt.Errorf("database: parse dsn: %w", err)
	}
	cfg.MaxConns = 20
	cfg.MinConns = 2
	cfg.MaxConnLifetime = time.Hour
	cfg.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("database: open pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("database: ping: %w", err)
	}

	return &service{pool: pool}, nil
}

func (s *service) Pool() *pgxpool.Pool { return s.pool }

func (s *service) Health() map[string]string {
	stats := make(map[string]string)

	ctx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
	defer cancel()

	if err := s.pool.Ping(ctx); err != nil {
		stats["status"] = "down"
		stats["error"] = fmt.Sprintf("db down: %v", err)
		return stats
	}

	st := s.pool.Stat()
	stats["status"] = "up"
	stats["message"] = "it's healthy"
	stats["open_connections"] = fmt.Sprintf("%d", st.TotalConns())
	stats["idle"] = fmt.Sprintf("%d", st.IdleConns())
	stats["in_use"] = fmt.Sprintf("%d", st.AcquiredConns())
	return stats
}

func (s *service) Close() error {
	s.pool.Close()
	return nil
}

// migrateInstance builds a *migrate.Migrate from an already-open *sql.DB
// (the pgx stdlib driver, as cmd/migrate dials it) and a filesystem path to
// migration files.
func migrateInstance(db *sql.DB, migrationsPath string) (*migrate.Migrate, error) {
	driver, err := pgx.WithInstance(db, &pgx.Config{})
	if err != nil {
		return nil, fmt.Errorf("database: migrate driver: %w", err)
	}
	m, err := migrate.NewWithDatabaseInstance("file://"+migrationsPath, "pgx", driver)
	if err != nil {
		return nil, fmt.Errorf("database: migrate instance: %w", err)
	}
	return m, nil
}

// RunMigrations applies all pending up migrations.
func RunMigrations(db *sql.DB, migrationsPath string) error {
	m, err := migrateInstance(db, migrationsPath)
	if err != nil {
		return err
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("database: migrate up: %w", err)
	}
	return nil
}

// RollbackMigration rolls back exactly one migration step.
func RollbackMigration(db *sql.DB, migrationsPath string) error {
	m, err := migrateInstance(db, migrationsPath)
	if err != nil {
		return err
	}
	if err := m.Steps(-1); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("database: migrate down: %w", err)
	}
	return nil
}

// GetMigrationVersion reports the current schema version and whether the
// last migration left the database in a dirty state.
func GetMigrationVersion(db *sql.DB, migrationsPath string) (uint, bool, error) {
	m, err := migrateInstance(db, migrationsPath)
	if err != nil {
		return 0, false, err
	}
	version, dirty, err := m.Version()
	if err != nil && err != migrate.ErrNilVersion {
		return 0, false, fmt.Errorf("database: migrate version: %w", err)
	}
	return version, dirty, nil
}
