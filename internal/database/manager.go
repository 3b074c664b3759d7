package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/jmoiron/sqlx/reflectx"
	"github.com/labstack/gommon/log"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
	_ "modernc.org/sqlite"

	dbconfig "formbar/pkg/database"
	"formbar/pkg/interfaces"
)

// Manager implements interfaces.Store over sqlx. Reads run concurrently on
// the pool; every write goes through a single writer goroutine.
type Manager struct {
	db           *sqlx.DB
	config       *dbconfig.Config
	writeChannel chan writeOperation
	shutdown     chan struct{}
	wg           sync.WaitGroup
	closed       bool
	mu           sync.RWMutex
}

type writeOperation struct {
	operation func(*sqlx.DB) error
	result    chan error
}

// NewManager opens the configured database and starts the writer.
func NewManager(config *dbconfig.Config) (*Manager, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid database config")
	}

	db, err := sqlx.Open(config.Driver, config.DataSourceName())
	if err != nil {
		return nil, errors.Wrap(err, "failed to open database")
	}

	db.SetMaxOpenConns(config.MaxConnections)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	// postgres folds unquoted identifiers, so camelCase tags must match lowercased columns
	if config.Dialect() == dbconfig.DialectPostgres {
		db.Mapper = reflectx.NewMapperTagFunc("db", strings.ToLower, strings.ToLower)
	}

	for _, pragma := range config.Pragmas() {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, errors.Wrapf(err, "failed to execute pragma %s", pragma)
		}
	}

	manager := &Manager{
		db:           db,
		config:       config,
		writeChannel: make(chan writeOperation, 100),
		shutdown:     make(chan struct{}),
	}

	manager.wg.Add(1)
	go manager.writeLoop()

	return manager, nil
}

// Migrate applies pending migrations and validates the resulting schema.
func (m *Manager) Migrate() error {
	mm := dbconfig.NewMigrationManager(m.db, m.config.Dialect())
	if err := mm.ApplyMigrations(); err != nil {
		return err
	}
	return mm.ValidateSchema()
}

func (m *Manager) writeLoop() {
	defer m.wg.Done()

	for {
		select {
		case op := <-m.writeChannel:
			err := op.operation(m.db)
			if err != nil && !isConstraintError(err) {
				log.Warnf("database write failed, retrying in %s: %v", m.config.WriteRetryDelay, err)
				time.Sleep(m.config.WriteRetryDelay)
				err = op.operation(m.db)
				if err != nil {
					log.Errorf("database write failed after retry: %v", err)
				}
			}
			op.result <- err

		case <-m.shutdown:
			log.Info("database write loop shutting down")
			return
		}
	}
}

// executeWrite queues a write operation and waits for completion
func (m *Manager) executeWrite(ctx context.Context, operation func(*sqlx.DB) error) error {
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return ErrManagerClosed
	}
	m.mu.RUnlock()

	result := make(chan error, 1)
	timeout := time.NewTimer(m.config.WriteTimeout)
	defer timeout.Stop()

	select {
	case m.writeChannel <- writeOperation{operation: operation, result: result}:
	case <-timeout.C:
		return ErrWriteTimeout
	case <-ctx.Done():
		return ctx.Err()
	case <-m.shutdown:
		return ErrManagerShuttingDown
	}
	return <-result
}

// inTx runs fn inside a transaction on the writer.
func (m *Manager) inTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	return m.executeWrite(ctx, func(db *sqlx.DB) error {
		tx, err := db.BeginTxx(ctx, nil)
		if err != nil {
			return errors.Wrap(err, "failed to begin transaction")
		}
		defer func() { _ = tx.Rollback() }()

		if err := fn(tx); err != nil {
			return err
		}
		return errors.Wrap(tx.Commit(), "failed to commit")
	})
}

// GetRow scans a single row into dest.
func (m *Manager) GetRow(ctx context.Context, dest interface{}, query string, args ...interface{}) error {
	err := m.db.GetContext(ctx, dest, m.db.Rebind(query), args...)
	if errors.Is(err, sql.ErrNoRows) {
		return interfaces.ErrNotFound
	}
	return err
}

// GetRows scans every row into dest.
func (m *Manager) GetRows(ctx context.Context, dest interface{}, query string, args ...interface{}) error {
	return m.db.SelectContext(ctx, dest, m.db.Rebind(query), args...)
}

// Run executes a write statement through the single writer.
func (m *Manager) Run(ctx context.Context, query string, args ...interface{}) (interfaces.RunResult, error) {
	var res interfaces.RunResult
	err := m.executeWrite(ctx, func(db *sqlx.DB) error {
		r, err := db.ExecContext(ctx, db.Rebind(query), args...)
		if err != nil {
			return err
		}
		res.Changes, _ = r.RowsAffected()
		// lib/pq does not support LastInsertId; callers needing ids use RETURNING
		res.LastInsertID, _ = r.LastInsertId()
		return nil
	})
	return res, err
}

// HealthCheck validates database connectivity
func (m *Manager) HealthCheck(ctx context.Context) error {
	if err := m.db.PingContext(ctx); err != nil {
		return errors.Wrap(err, "database ping failed")
	}
	var n int
	if err := m.db.GetContext(ctx, &n, "SELECT COUNT(*) FROM classroom"); err != nil {
		return errors.Wrap(err, "database read test failed")
	}
	return nil
}

// GetDB returns the underlying handle for migrations and tests.
func (m *Manager) GetDB() *sqlx.DB {
	return m.db
}

// Close stops the writer and closes the pool.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	close(m.shutdown)
	m.wg.Wait()

	return errors.Wrap(m.db.Close(), "failed to close database")
}

// isConstraintError reports unique/primary key violations, which a retry cannot fix.
func isConstraintError(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique") || strings.Contains(msg, "constraint") || strings.Contains(msg, "duplicate key")
}

func encodeJSON(v interface{}) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", errors.Wrap(err, "failed to encode json column")
	}
	return string(b), nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func millis(t time.Time) int64 {
	if t.IsZero() {
		t = time.Now()
	}
	return t.UnixMilli()
}
