// Package migrations applies the embedded per-driver schema. Both telemetry
// stores call Apply on startup, so a fresh database file or a fresh postgres
// schema is usable without an external migration tool.
package migrations

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"
)

// Supported migration drivers, matching the storage.driver config values.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

//go:embed sqlite/*.sql postgres/*.sql
var schemaFS embed.FS

// Apply runs every embedded migration for the driver in filename order. Each
// file is claimed in schema_migrations inside its own transaction, so two
// stores racing on the same database apply each migration exactly once.
func Apply(ctx context.Context, db *sql.DB, driver string) error {
	if db == nil {
		return fmt.Errorf("database is required")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	driver = strings.ToLower(strings.TrimSpace(driver))
	if driver != DriverSQLite && driver != DriverPostgres {
		return fmt.Errorf("unsupported migration driver %q", driver)
	}

	if err := ensureMigrationsTable(ctx, db, driver); err != nil {
		return err
	}

	names, err := migrationNames(driver)
	if err != nil {
		return err
	}
	for _, name := range names {
		body, err := schemaFS.ReadFile(name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}
		if err := applyMigration(ctx, db, driver, name, string(body)); err != nil {
			return fmt.Errorf("apply migration %s: %w", name, err)
		}
	}

	return nil
}

func migrationNames(driver string) ([]string, error) {
	entries, err := fs.ReadDir(schemaFS, driver)
	if err != nil {
		return nil, fmt.Errorf("read embedded %s migrations: %w", driver, err)
	}

	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(strings.ToLower(entry.Name()), ".sql") {
			continue
		}
		names = append(names, path.Join(driver, entry.Name()))
	}
	sort.Strings(names)
	return names, nil
}

func ensureMigrationsTable(ctx context.Context, db *sql.DB, driver string) error {
	var ddl string
	switch driver {
	case DriverSQLite:
		ddl = `
CREATE TABLE IF NOT EXISTS schema_migrations (
    name TEXT PRIMARY KEY,
    applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
`
	case DriverPostgres:
		ddl = `
CREATE TABLE IF NOT EXISTS schema_migrations (
    name TEXT PRIMARY KEY,
    applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
`
	default:
		return fmt.Errorf("unsupported migration driver %q", driver)
	}
	if _, err := db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("ensure schema_migrations table: %w", err)
	}
	return nil
}

func applyMigration(ctx context.Context, db *sql.DB, driver, name, statement string) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	claimed, err := claimMigration(ctx, tx, driver, name)
	if err != nil {
		_ = tx.Rollback()
		return err
	}
	if !claimed {
		// Already applied, possibly by a concurrent store startup.
		if err := tx.Rollback(); err != nil {
			return fmt.Errorf("rollback transaction: %w", err)
		}
		return nil
	}

	if _, err := tx.ExecContext(ctx, statement); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("execute migration sql: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// claimMigration inserts the migration's row and reports whether this
// transaction won the claim.
func claimMigration(ctx context.Context, tx *sql.Tx, driver, name string) (bool, error) {
	var insert string
	switch driver {
	case DriverSQLite:
		insert = `INSERT OR IGNORE INTO schema_migrations (name) VALUES (?)`
	case DriverPostgres:
		insert = `INSERT INTO schema_migrations (name) VALUES ($1) ON CONFLICT (name) DO NOTHING`
	default:
		return false, fmt.Errorf("unsupported migration driver %q", driver)
	}

	res, err := tx.ExecContext(ctx, insert, name)
	if err != nil {
		return false, fmt.Errorf("insert schema_migrations row: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("read insert row count: %w", err)
	}
	return affected > 0, nil
}
