package db

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"path"
	"sort"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/rs/zerolog"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const (
	migrationsDir = "migrations"
	versionTable  = "schema_migrations"
	gooseDialect  = "postgres"
)

// MigrationStatus represents the status of a migration (applied or pending).
type MigrationStatus struct {
	Version int64  `json:"version"`
	Name    string `json:"name"`
	Applied bool   `json:"applied"`
}

// Migrator applies the embedded SQL migrations with goose. It borrows the
// application pool through database/sql, so the pool's search_path decides
// the target schema.
type Migrator struct {
	pool   *pgxpool.Pool
	db     *sql.DB
	schema string
}

// NewMigrator prepares goose for the embedded migration set. The returned
// Migrator must be closed; closing it does not close the pool.
func NewMigrator(pool *pgxpool.Pool, schema string, logger zerolog.Logger) (*Migrator, error) {
	goose.SetBaseFS(migrationsFS)
	goose.SetTableName(versionTable)
	goose.SetLogger(gooseLogger{logger: logger})
	if err := goose.SetDialect(gooseDialect); err != nil {
		return nil, fmt.Errorf("set goose dialect: %w", err)
	}
	return &Migrator{
		pool:   pool,
		db:     stdlib.OpenDBFromPool(pool),
		schema: schema,
	}, nil
}

// EnsureSchema creates the target schema if it does not already exist.
func (m *Migrator) EnsureSchema(ctx context.Context) error {
	if m.schema == "" {
		return nil
	}
	ident := pgx.Identifier{m.schema}.Sanitize()
	if _, err := m.pool.Exec(ctx, "CREATE SCHEMA IF NOT EXISTS "+ident); err != nil {
		return fmt.Errorf("create schema %s: %w", m.schema, err)
	}
	return nil
}

// Up applies all pending migrations and returns the resulting version.
func (m *Migrator) Up(ctx context.Context) (int64, error) {
	if err := m.EnsureSchema(ctx); err != nil {
		return 0, err
	}
	if err := goose.UpContext(ctx, m.db, migrationsDir); err != nil {
		return 0, fmt.Errorf("apply migrations: %w", err)
	}
	return m.Version(ctx)
}

// Version returns the highest applied migration version.
func (m *Migrator) Version(ctx context.Context) (int64, error) {
	v, err := goose.GetDBVersionContext(ctx, m.db)
	if err != nil {
		return 0, fmt.Errorf("get migration version: %w", err)
	}
	return v, nil
}

// Status lists every embedded migration and whether it has been applied.
func (m *Migrator) Status(ctx context.Context) ([]MigrationStatus, error) {
	if err := m.EnsureSchema(ctx); err != nil {
		return nil, err
	}
	current, err := m.Version(ctx)
	if err != nil {
		return nil, err
	}
	known, err := Migrations()
	if err != nil {
		return nil, err
	}
	for i := range known {
		known[i].Applied = known[i].Version <= current
	}
	return known, nil
}

func (m *Migrator) Close() error {
	if m.db != nil {
		return m.db.Close()
	}
	return nil
}

// Migrations lists the embedded migration files in version order, all
// marked pending.
func Migrations() ([]MigrationStatus, error) {
	goose.SetBaseFS(migrationsFS)
	collected, err := goose.CollectMigrations(migrationsDir, 0, goose.MaxVersion)
	if err != nil {
		return nil, fmt.Errorf("collect migrations: %w", err)
	}
	out := make([]MigrationStatus, 0, len(collected))
	for _, mig := range collected {
		out = append(out, MigrationStatus{Version: mig.Version, Name: path.Base(mig.Source)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}

// gooseLogger routes goose output through zerolog.
type gooseLogger struct {
	logger zerolog.Logger
}

func (l gooseLogger) Printf(format string, v ...interface{}) {
	l.logger.Info().Str("component", "migrate").Msgf(format, v...)
}

func (l gooseLogger) Fatalf(format string, v ...interface{}) {
	l.logger.Fatal().Str("component", "migrate").Msgf(format, v...)
}
