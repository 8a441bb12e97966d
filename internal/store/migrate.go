package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5"
)

const (
	upSuffix   = ".up.sql"
	downSuffix = ".down.sql"
)

// migration is one numbered schema change. Applied migrations are recorded
// in schema_migrations under the up file's base name.
type migration struct {
	version string
	up      string
	down    string
}

// ApplyMigrations runs every up migration not yet recorded, in file order,
// each in its own transaction.
func ApplyMigrations(ctx context.Context, db DBPool, migrationsDir string) error {
	if err := ensureMigrationsTable(ctx, db); err != nil {
		return err
	}
	migrations, err := loadMigrations(migrationsDir)
	if err != nil {
		return err
	}

	for _, m := range migrations {
		applied, err := isMigrated(ctx, db, m.version)
		if err != nil {
			return err
		}
		if applied {
			continue
		}
		err = runMigration(ctx, db, m.up, func(tx pgx.Tx) error {
			_, err := tx.Exec(ctx, `INSERT INTO schema_migrations(version) VALUES($1)`, m.version)
			return err
		})
		if err != nil {
			return fmt.Errorf("apply migration %s: %w", m.version, err)
		}
	}
	return nil
}

// RollbackMigrations reverts the most recently applied migrations, newest
// first. steps <= 0 reverts all of them.
func RollbackMigrations(ctx context.Context, db DBPool, migrationsDir string, steps int) error {
	if err := ensureMigrationsTable(ctx, db); err != nil {
		return err
	}
	migrations, err := loadMigrations(migrationsDir)
	if err != nil {
		return err
	}
	byVersion := make(map[string]migration, len(migrations))
	for _, m := range migrations {
		byVersion[m.version] = m
	}

	applied, err := appliedVersions(ctx, db)
	if err != nil {
		return err
	}
	if steps > 0 && steps < len(applied) {
		applied = applied[:steps]
	}

	for _, version := range applied {
		m, ok := byVersion[version]
		if !ok || m.down == "" {
			return fmt.Errorf("rollback migration %s: no down file", version)
		}
		err := runMigration(ctx, db, m.down, func(tx pgx.Tx) error {
			_, err := tx.Exec(ctx, `DELETE FROM schema_migrations WHERE version=$1`, version)
			return err
		})
		if err != nil {
			return fmt.Errorf("rollback migration %s: %w", version, err)
		}
	}
	return nil
}

// runMigration executes the SQL file and then record inside one transaction.
func runMigration(ctx context.Context, db DBPool, path string, record func(pgx.Tx) error) error {
	contents, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", filepath.Base(path), err)
	}

	tx, err := db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	if _, err := tx.Exec(ctx, string(contents)); err != nil {
		return errors.Join(fmt.Errorf("execute: %w", err), tx.Rollback(ctx))
	}
	if err := record(tx); err != nil {
		return errors.Join(fmt.Errorf("record: %w", err), tx.Rollback(ctx))
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// loadMigrations pairs up and down files by their shared stem, ordered by
// name. A down file without an up file is an error.
func loadMigrations(migrationsDir string) ([]migration, error) {
	ups, err := migrationFiles(migrationsDir, upSuffix)
	if err != nil {
		return nil, err
	}
	downs, err := migrationFiles(migrationsDir, downSuffix)
	if err != nil {
		return nil, err
	}

	stems := make(map[string]int, len(ups))
	migrations := make([]migration, 0, len(ups))
	for _, up := range ups {
		stems[strings.TrimSuffix(up, upSuffix)] = len(migrations)
		migrations = append(migrations, migration{version: filepath.Base(up), up: up})
	}
	for _, down := range downs {
		i, ok := stems[strings.TrimSuffix(down, downSuffix)]
		if !ok {
			return nil, fmt.Errorf("down migration %s has no up migration", filepath.Base(down))
		}
		migrations[i].down = down
	}
	return migrations, nil
}

func migrationFiles(migrationsDir, suffix string) ([]string, error) {
	entries, err := os.ReadDir(migrationsDir)
	if err != nil {
		return nil, fmt.Errorf("read migrations dir: %w", err)
	}
	var files []string
	for _, entry := range entries {
		if name := entry.Name(); !entry.IsDir() && strings.HasSuffix(name, suffix) {
			files = append(files, filepath.Join(migrationsDir, name))
		}
	}
	sort.Strings(files)
	return files, nil
}

func ensureMigrationsTable(ctx context.Context, db DBPool) error {
	_, err := db.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
	if err != nil {
		return fmt.Errorf("ensure schema_migrations: %w", err)
	}
	return nil
}

func isMigrated(ctx context.Context, db DBPool, version string) (bool, error) {
	var exists bool
	err := db.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE version=$1)`, version).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check migration %s: %w", version, err)
	}
	return exists, nil
}

// appliedVersions lists recorded migrations, newest first.
func appliedVersions(ctx context.Context, db DBPool) ([]string, error) {
	rows, err := db.Query(ctx, `SELECT version FROM schema_migrations ORDER BY version DESC`)
	if err != nil {
		return nil, fmt.Errorf("list applied migrations: %w", err)
	}
	versions, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("list applied migrations: %w", err)
	}
	return versions, nil
}
