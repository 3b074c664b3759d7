package database

import (
	"strings"
	"time"

	"github.com/pkg/errors"
)

// Supported drivers. sqlite3 is cgo (mattn), sqlite is pure Go (modernc).
const (
	DriverSQLite3  = "sqlite3"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Dialects select the migration set and catalog queries.
const (
	DialectSQLite   = "sqlite"
	DialectPostgres = "postgres"
)

// Config holds database configuration
type Config struct {
	Driver          string        `json:"driver"`
	DSN             string        `json:"dsn"`
	MaxConnections  int           `json:"max_connections"`
	ConnMaxLifetime time.Duration `json:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `json:"conn_max_idle_time"`
	// WriteTimeout bounds how long a write waits for the single writer.
	WriteTimeout time.Duration `json:"write_timeout"`
	// WriteRetryDelay is the pause before the one retry of a failed write.
	WriteRetryDelay time.Duration `json:"write_retry_delay"`
}

// DefaultConfig returns a local SQLite configuration sized for one school.
func DefaultConfig() *Config {
	return &Config{
		Driver:          DriverSQLite3,
		DSN:             "./data/formbar.db",
		MaxConnections:  10,
		ConnMaxLifetime: time.Hour,
		ConnMaxIdleTime: time.Minute * 10,
		WriteTimeout:    30 * time.Second,
		WriteRetryDelay: 5 * time.Second,
	}
}

// Validate ensures the configuration is valid
func (c *Config) Validate() error {
	switch c.Driver {
	case DriverSQLite3, DriverSQLite, DriverPostgres:
	default:
		return errors.New("driver must be one of sqlite3, sqlite, postgres")
	}
	if c.DSN == "" {
		return errors.New("dsn cannot be empty")
	}
	if c.MaxConnections <= 0 {
		return errors.New("max connections must be greater than 0")
	}
	if c.ConnMaxLifetime <= 0 {
		return errors.New("connection max lifetime must be greater than 0")
	}
	if c.ConnMaxIdleTime <= 0 {
		return errors.New("connection max idle time must be greater than 0")
	}
	if c.WriteTimeout <= 0 {
		return errors.New("write timeout must be greater than 0")
	}
	if c.WriteRetryDelay < 0 {
		return errors.New("write retry delay cannot be negative")
	}
	return nil
}

// Dialect returns the SQL dialect of the configured driver.
func (c *Config) Dialect() string {
	if c.Driver == DriverPostgres {
		return DialectPostgres
	}
	return DialectSQLite
}

// DataSourceName returns the DSN with per-driver connection options appended.
func (c *Config) DataSourceName() string {
	if strings.Contains(c.DSN, "?") {
		return c.DSN
	}
	switch c.Driver {
	case DriverSQLite3:
		return c.DSN + "?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on"
	case DriverSQLite:
		return c.DSN + "?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	default:
		return c.DSN
	}
}

// SQLite optimization pragmas. Postgres needs none.
var sqlitePragmas = []string{
	"PRAGMA journal_mode = WAL",
	"PRAGMA synchronous = NORMAL",
	"PRAGMA cache_size = -64000",
	"PRAGMA temp_store = MEMORY",
	"PRAGMA foreign_keys = ON",
	"PRAGMA busy_timeout = 5000",
}

// Pragmas returns the statements to run on a fresh connection pool.
func (c *Config) Pragmas() []string {
	if c.Dialect() != DialectSQLite {
		return nil
	}
	return sqlitePragmas
}
