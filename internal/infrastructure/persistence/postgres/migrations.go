package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// ══════════════════════════════════════════════════════════════════════════════
// MIGRATIONS
// ══════════════════════════════════════════════════════════════════════════════

// Migration is one schema version. Statements run in order inside one
// transaction.
type Migration struct {
	Version    int
	Name       string
	Statements []string
}

// Migrations returns the schema in version order.
func Migrations() []Migration {
	return []Migration{
		{
			Version: 1,
			Name:    "create_portal_credentials",
			Statements: []string{`
				CREATE TABLE IF NOT EXISTS portal_credentials (
					child_slug        TEXT PRIMARY KEY,
					url               TEXT NOT NULL,
					username          TEXT NOT NULL,
					sealed_secret     BYTEA NOT NULL,
					uuid              TEXT NOT NULL,
					client_identifier TEXT NOT NULL,
					rotated_at        TIMESTAMPTZ NOT NULL DEFAULT now()
				)`,
			},
		},
		{
			Version: 2,
			Name:    "create_sync_runs",
			Statements: []string{`
				CREATE TABLE IF NOT EXISTS sync_runs (
					id          BIGSERIAL PRIMARY KEY,
					child_slug  TEXT NOT NULL,
					started_at  TIMESTAMPTZ NOT NULL,
					duration_ms BIGINT NOT NULL,
					success     BOOLEAN NOT NULL,
					stage       TEXT NOT NULL DEFAULT '',
					error       TEXT NOT NULL DEFAULT '',
					new_items   INT NOT NULL DEFAULT 0
				)`, `
				CREATE INDEX IF NOT EXISTS idx_sync_runs_child_started
					ON sync_runs (child_slug, started_at DESC)`,
			},
		},
	}
}

// Migrator applies schema migrations in order.
type Migrator struct {
	conn *Connection
}

// NewMigrator creates a Migrator.
func NewMigrator(conn *Connection) *Migrator {
	return &Migrator{conn: conn}
}

// Migrate applies all pending migrations.
func (m *Migrator) Migrate(ctx context.Context) error {
	if err := m.ensureMigrationTable(ctx); err != nil {
		return err
	}

	applied, err := m.appliedVersions(ctx)
	if err != nil {
		return err
	}

	for _, migration := range Migrations() {
		if _, ok := applied[migration.Version]; ok {
			continue
		}
		if err := m.apply(ctx, migration); err != nil {
			return fmt.Errorf("postgres: migration %d (%s): %w",
				migration.Version, migration.Name, err)
		}
	}
	return nil
}

func (m *Migrator) ensureMigrationTable(ctx context.Context) error {
	_, err := m.conn.Pool().Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version    INT PRIMARY KEY,
			name       TEXT NOT NULL,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`)
	if err != nil {
		return fmt.Errorf("postgres: create migration table: %w", err)
	}
	return nil
}

func (m *Migrator) appliedVersions(ctx context.Context) (map[int]time.Time, error) {
	rows, err := m.conn.Pool().Query(ctx,
		`SELECT version, applied_at FROM schema_migrations`)
	if err != nil {
		return nil, fmt.Errorf("postgres: read applied migrations: %w", err)
	}
	defer rows.Close()

	applied := make(map[int]time.Time)
	for rows.Next() {
		var version int
		var appliedAt time.Time
		if err := rows.Scan(&version, &appliedAt); err != nil {
			return nil, err
		}
		applied[version] = appliedAt
	}
	return applied, rows.Err()
}

func (m *Migrator) apply(ctx context.Context, migration Migration) error {
	return m.conn.WithTx(ctx, func(tx pgx.Tx) error {
		for _, stmt := range migration.Statements {
			if _, err := tx.Exec(ctx, stmt); err != nil {
				return err
			}
		}
		_, err := tx.Exec(ctx,
			`INSERT INTO schema_migrations (version, name) VALUES ($1, $2)`,
			migration.Version, migration.Name)
		return err
	})
}
