package db

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"slices"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"

	"notifypipe/internal/types"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// migrationLockKey serializes concurrent migrators (gateway and workers
// starting together) through a transaction-scoped advisory lock.
const migrationLockKey = 7_214_031

// TxBeginner is satisfied by *pgxpool.Pool.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	DBTX
}

type migrationFile struct {
	version int
	name    string
	path    string
}

// Migrate applies every embedded migration that is not yet recorded in
// schema_migrations, in version order, each in its own transaction.
// File names follow 000001_description.up.sql.
func Migrate(ctx context.Context, pool TxBeginner, logger types.Logger) error {
	if logger == nil {
		logger = types.NopLogger{}
	}
	if _, err := pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version    INTEGER PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	migrations, err := collectMigrations(migrationFS, "migrations")
	if err != nil {
		return fmt.Errorf("collect migrations: %w", err)
	}

	for _, m := range migrations {
		applied, err := applyMigration(ctx, pool, migrationFS, m)
		if err != nil {
			return fmt.Errorf("apply migration %06d: %w", m.version, err)
		}
		if applied {
			logger.Info("applied migration", "version", m.version, "name", m.name)
		}
	}
	return nil
}

func collectMigrations(fsys fs.FS, dir string) ([]migrationFile, error) {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return nil, err
	}

	var out []migrationFile
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".up.sql") {
			continue
		}
		prefix, rest, ok := strings.Cut(entry.Name(), "_")
		if !ok {
			continue
		}
		version, err := strconv.Atoi(prefix)
		if err != nil {
			continue
		}
		out = append(out, migrationFile{
			version: version,
			name:    strings.TrimSuffix(rest, ".up.sql"),
			path:    dir + "/" + entry.Name(),
		})
	}

	slices.SortFunc(out, func(a, b migrationFile) int { return a.version - b.version })
	return out, nil
}

// applyMigration reports false when another process already applied m.
func applyMigration(ctx context.Context, pool TxBeginner, fsys fs.FS, m migrationFile) (bool, error) {
	content, err := fs.ReadFile(fsys, m.path)
	if err != nil {
		return false, fmt.Errorf("read file: %w", err)
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, migrationLockKey); err != nil {
		return false, fmt.Errorf("lock: %w", err)
	}

	var exists bool
	if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM schema_migrations WHERE version = $1)`, m.version).Scan(&exists); err != nil {
		return false, fmt.Errorf("check version: %w", err)
	}
	if exists {
		return false, nil
	}

	if _, err := tx.Exec(ctx, string(content)); err != nil {
		return false, fmt.Errorf("exec: %w", err)
	}
	if _, err := tx.Exec(ctx, `INSERT INTO schema_migrations (version) VALUES ($1)`, m.version); err != nil {
		return false, fmt.Errorf("record version: %w", err)
	}
	return true, tx.Commit(ctx)
}
