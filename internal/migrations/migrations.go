// Package migrations applies the embedded schema migrations in filename order.
// Each migration runs in its own transaction and is recorded in
// schema_migrations so reruns are no-ops.
package migrations

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"
	"sort"

	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed sql/*.sql
var embeddedMigrations embed.FS

// Runner applies embedded migrations against a pool.
type Runner struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewRunner creates a migration Runner.
func NewRunner(pool *pgxpool.Pool, logger *slog.Logger) *Runner {
	return &Runner{pool: pool, logger: logger}
}

// Bootstrap creates the schema_migrations bookkeeping table.
func (r *Runner) Bootstrap(ctx context.Context) error {
	_, err := r.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			name TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`)
	if err != nil {
		return fmt.Errorf("creating schema_migrations: %w", err)
	}
	return nil
}

// Run applies all pending migrations and returns the names applied.
func (r *Runner) Run(ctx context.Context) ([]string, error) {
	names, err := fs.Glob(embeddedMigrations, "sql/*.sql")
	if err != nil {
		return nil, fmt.Errorf("listing migrations: %w", err)
	}
	sort.Strings(names)

	applied := map[string]bool{}
	rows, err := r.pool.Query(ctx, `SELECT name FROM schema_migrations`)
	if err != nil {
		return nil, fmt.Errorf("reading schema_migrations: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		applied[name] = true
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	rows.Close()

	var ran []string
	for _, name := range names {
		if applied[name] {
			continue
		}
		sql, err := fs.ReadFile(embeddedMigrations, name)
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", name, err)
		}

		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return nil, fmt.Errorf("begin tx for %s: %w", name, err)
		}
		if _, err := tx.Exec(ctx, string(sql)); err != nil {
			_ = tx.Rollback(ctx)
			return ran, fmt.Errorf("applying %s: %w", name, err)
		}
		if _, err := tx.Exec(ctx, `INSERT INTO schema_migrations (name) VALUES ($1)`, name); err != nil {
			_ = tx.Rollback(ctx)
			return ran, fmt.Errorf("recording %s: %w", name, err)
		}
		if err := tx.Commit(ctx); err != nil {
			return ran, fmt.Errorf("commit %s: %w", name, err)
		}

		r.logger.Info("applied migration", "name", name)
		ran = append(ran, name)
	}
	return ran, nil
}
