package database

import (
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"
)

func openTestDB(t *testing.T) *sqlx.DB {
	t.Helper()
	cfg := &Config{
		Driver:          DriverSQLite,
		DSN:             filepath.Join(t.TempDir(), "test.db"),
		MaxConnections:  1,
		ConnMaxLifetime: time.Hour,
		ConnMaxIdleTime: time.Minute,
		WriteTimeout:    time.Second,
	}
	db, err := sqlx.Open(cfg.Driver, cfg.DataSourceName())
	require.NoError(t, err)
	db.SetMaxOpenConns(cfg.MaxConnections)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestConfig_Validate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())

	cfg := DefaultConfig()
	cfg.Driver = "mysql"
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.DSN = ""
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.MaxConnections = 0
	assert.Error(t, cfg.Validate())
}

func TestConfig_DataSourceName(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, "./data/formbar.db?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on", cfg.DataSourceName())

	cfg.Driver = DriverSQLite
	assert.Contains(t, cfg.DataSourceName(), "_pragma=busy_timeout(5000)")

	cfg.DSN = "file:mem?mode=memory"
	assert.Equal(t, "file:mem?mode=memory", cfg.DataSourceName())

	cfg.Driver = DriverPostgres
	cfg.DSN = "postgres://localhost/formbar"
	assert.Equal(t, "postgres://localhost/formbar", cfg.DataSourceName())
	assert.Equal(t, DialectPostgres, cfg.Dialect())
	assert.Empty(t, cfg.Pragmas())
}

func TestMigrationManager_LoadMigrations(t *testing.T) {
	for _, dialect := range []string{DialectSQLite, DialectPostgres} {
		m := NewMigrationManager(nil, dialect)
		migrations, err := m.LoadMigrations()
		require.NoError(t, err, dialect)
		require.NotEmpty(t, migrations, dialect)
		assert.Equal(t, "001", migrations[0].Version)
		assert.Equal(t, "initial_schema", migrations[0].Description)
		for table := range RequiredTables {
			if table == "schema_migrations" {
				continue
			}
			assert.Contains(t, migrations[0].SQL, fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (", table), dialect)
		}
	}
}

func TestMigrationManager_ApplyMigrations(t *testing.T) {
	db := openTestDB(t)
	m := NewMigrationManager(db, DialectSQLite)

	assert.Error(t, m.ValidateSchema(), "empty database should not validate")

	require.NoError(t, m.ApplyMigrations())
	require.NoError(t, m.ValidateSchema())

	applied, err := m.AppliedMigrations()
	require.NoError(t, err)
	assert.True(t, applied["001"])

	// Second run is a no-op.
	require.NoError(t, m.ApplyMigrations())
	var count int
	require.NoError(t, db.Get(&count, "SELECT COUNT(*) FROM schema_migrations"))
	assert.Equal(t, 1, count)
}

func TestSchemaValidator_ValidateColumns(t *testing.T) {
	db := openTestDB(t)
	require.NoError(t, NewMigrationManager(db, DialectSQLite).ApplyMigrations())

	v := NewSchemaValidator(db, DialectSQLite)
	assert.NoError(t, v.ValidateColumns("poll_history",
		[]string{"id", "class", "prompt", "responses", "allowMultipleResponses", "blind", "allowTextResponses", "data", "createdAt"}))
	assert.NoError(t, v.ValidateColumns("classusers", []string{"classId", "studentId", "permissions", "tags"}))
	assert.Error(t, v.ValidateColumns("classusers", []string{"missing"}))
}
