// Package migrate applies numbered SQL migrations from an fs.FS.
package migrate

import (
	"cmp"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"slices"
	"strconv"
	"strings"
	"time"
)

// ErrNothingToRollBack is returned by Down on an empty schema.
var ErrNothingToRollBack = errors.New("no migrations to roll back")

// Migration represents a single database migration.
type Migration struct {
	Version int
	Name    string
	Up      string
	Down    string
}

// Migrator handles database migrations.
type Migrator struct {
	db         *sql.DB
	migrations []Migration
	tableName  string
}

// New creates a new migrator instance.
// tableName is the name of the table used to track migrations (e.g., "schema_migrations").
func New(db *sql.DB, tableName string) *Migrator {
	return &Migrator{
		db:        db,
		tableName: tableName,
	}
}

// LoadFromFS loads migrations from dir. Files are named
// 000001_name.up.sql and 000001_name.down.sql; anything else is ignored.
func (m *Migrator) LoadFromFS(fsys fs.FS, dir string) error {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return fmt.Errorf("failed to read migration directory: %w", err)
	}

	byVersion := make(map[int]*Migration)
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".sql") {
			continue
		}

		prefix, remainder, ok := strings.Cut(name, "_")
		if !ok {
			continue
		}
		version, err := strconv.Atoi(prefix)
		if err != nil {
			continue
		}

		content, err := fs.ReadFile(fsys, path.Join(dir, name))
		if err != nil {
			return fmt.Errorf("failed to read migration file %s: %w", name, err)
		}

		migration, exists := byVersion[version]
		if !exists {
			migration = &Migration{Version: version}
			byVersion[version] = migration
		}

		switch {
		case strings.HasSuffix(remainder, ".up.sql"):
			migration.Name = strings.TrimSuffix(remainder, ".up.sql")
			migration.Up = string(content)
		case strings.HasSuffix(remainder, ".down.sql"):
			migration.Down = string(content)
		}
	}

	for _, migration := range byVersion {
		if migration.Up == "" {
			return fmt.Errorf("migration %d has no up script", migration.Version)
		}
		m.migrations = append(m.migrations, *migration)
	}
	slices.SortFunc(m.migrations, func(a, b Migration) int {
		return cmp.Compare(a.Version, b.Version)
	})
	return nil
}

func (m *Migrator) ensureMigrationTable(ctx context.Context) error {
	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			version INTEGER PRIMARY KEY,
			name TEXT NOT NULL,
			applied_at INTEGER NOT NULL
		)
	`, m.tableName)
	if _, err := m.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("failed to create table %s: %w", m.tableName, err)
	}
	return nil
}

// currentVersion returns 0 if no migrations have been applied.
func (m *Migrator) currentVersion(ctx context.Context) (int, error) {
	var version int
	err := m.db.QueryRowContext(ctx, fmt.Sprintf(
		"SELECT COALESCE(MAX(version), 0) FROM %s", m.tableName,
	)).Scan(&version)
	return version, err
}

// Up runs all pending migrations, each in its own transaction, and returns
// how many were applied.
func (m *Migrator) Up(ctx context.Context) (int, error) {
	if err := m.ensureMigrationTable(ctx); err != nil {
		return 0, err
	}

	current, err := m.currentVersion(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to get current version: %w", err)
	}

	applied := 0
	for _, migration := range m.migrations {
		if migration.Version <= current {
			continue
		}
		if err := m.apply(ctx, migration); err != nil {
			return applied, fmt.Errorf("failed to apply migration %d: %w", migration.Version, err)
		}
		applied++
	}
	return applied, nil
}

func (m *Migrator) apply(ctx context.Context, migration Migration) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, migration.Up); err != nil {
		return fmt.Errorf("failed to execute migration SQL: %w", err)
	}

	_, err = tx.ExecContext(ctx, fmt.Sprintf(
		"INSERT INTO %s (version, name, applied_at) VALUES (?, ?, ?)", m.tableName,
	), migration.Version, migration.Name, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to record migration: %w", err)
	}

	return tx.Commit()
}

// Down rolls back the last migration.
func (m *Migrator) Down(ctx context.Context) error {
	if err := m.ensureMigrationTable(ctx); err != nil {
		return err
	}

	current, err := m.currentVersion(ctx)
	if err != nil {
		return fmt.Errorf("failed to get current version: %w", err)
	}
	if current == 0 {
		return ErrNothingToRollBack
	}

	idx := slices.IndexFunc(m.migrations, func(mg Migration) bool { return mg.Version == current })
	if idx < 0 {
		return fmt.Errorf("migration %d not found", current)
	}
	migration := m.migrations[idx]
	if migration.Down == "" {
		return fmt.Errorf("migration %d has no down script", current)
	}

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, migration.Down); err != nil {
		return fmt.Errorf("failed to execute rollback SQL: %w", err)
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE version = ?", m.tableName), current); err != nil {
		return fmt.Errorf("failed to remove migration record: %w", err)
	}
	return tx.Commit()
}

// Version returns the current migration version.
func (m *Migrator) Version(ctx context.Context) (int, error) {
	if err := m.ensureMigrationTable(ctx); err != nil {
		return 0, err
	}
	return m.currentVersion(ctx)
}
