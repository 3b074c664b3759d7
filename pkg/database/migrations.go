package database

import (
	"embed"
	"io/fs"
	"path"
	"sort"
	"strings"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
)

//go:embed migrations
var migrationFiles embed.FS

// Migration is one versioned schema change.
type Migration struct {
	Version     string
	Description string
	SQL         string
}

// MigrationManager applies the embedded migrations for one dialect.
type MigrationManager struct {
	db      *sqlx.DB
	dialect string
}

// NewMigrationManager creates a migration manager for db.
func NewMigrationManager(db *sqlx.DB, dialect string) *MigrationManager {
	return &MigrationManager{db: db, dialect: dialect}
}

// ApplyMigrations applies every pending migration in version order.
func (m *MigrationManager) ApplyMigrations() error {
	if err := m.createMigrationTable(); err != nil {
		return errors.Wrap(err, "failed to create migration table")
	}

	migrations, err := m.LoadMigrations()
	if err != nil {
		return errors.Wrap(err, "failed to load migrations")
	}

	applied, err := m.AppliedMigrations()
	if err != nil {
		return errors.Wrap(err, "failed to get applied migrations")
	}

	for _, migration := range migrations {
		if applied[migration.Version] {
			continue
		}
		if err := m.applyMigration(migration); err != nil {
			return errors.Wrapf(err, "failed to apply migration %s", migration.Version)
		}
	}
	return nil
}

// ValidateSchema checks that the tables and indexes the store relies on exist.
func (m *MigrationManager) ValidateSchema() error {
	v := NewSchemaValidator(m.db, m.dialect)
	if err := v.ValidateTablesExist(); err != nil {
		return err
	}
	return v.ValidateIndexes()
}

func (m *MigrationManager) createMigrationTable() error {
	ddl := `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version TEXT PRIMARY KEY,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)
	`
	if m.dialect == DialectPostgres {
		ddl = strings.Replace(ddl, "DATETIME", "TIMESTAMP", 1)
	}
	_, err := m.db.Exec(ddl)
	return err
}

// LoadMigrations reads the migration files for the manager's dialect.
// File names follow "001_initial_schema.sql".
func (m *MigrationManager) LoadMigrations() ([]Migration, error) {
	dir := path.Join("migrations", m.dialect)
	entries, err := fs.ReadDir(migrationFiles, dir)
	if err != nil {
		return nil, err
	}

	var migrations []Migration
	for _, entry := range entries {
		if entry.IsDir() || path.Ext(entry.Name()) != ".sql" {
			continue
		}
		content, err := fs.ReadFile(migrationFiles, path.Join(dir, entry.Name()))
		if err != nil {
			return nil, err
		}

		parts := strings.SplitN(strings.TrimSuffix(entry.Name(), ".sql"), "_", 2)
		migration := Migration{Version: parts[0], SQL: string(content)}
		if len(parts) == 2 {
			migration.Description = parts[1]
		}
		migrations = append(migrations, migration)
	}

	sort.Slice(migrations, func(i, j int) bool {
		return migrations[i].Version < migrations[j].Version
	})
	return migrations, nil
}

// AppliedMigrations returns the set of versions already recorded.
func (m *MigrationManager) AppliedMigrations() (map[string]bool, error) {
	var versions []string
	if err := m.db.Select(&versions, "SELECT version FROM schema_migrations ORDER BY version"); err != nil {
		return nil, err
	}
	applied := make(map[string]bool, len(versions))
	for _, v := range versions {
		applied[v] = true
	}
	return applied, nil
}

func (m *MigrationManager) applyMigration(migration Migration) error {
	tx, err := m.db.Beginx()
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if _, err := tx.Exec(migration.SQL); err != nil {
		return err
	}
	if _, err := tx.Exec(tx.Rebind("INSERT INTO schema_migrations (version) VALUES (?)"), migration.Version); err != nil {
		return err
	}
	return tx.Commit()
}
