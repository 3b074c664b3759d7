package database

import (
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
)

// RequiredTables maps each table the store reads or writes to its purpose.
var RequiredTables = map[string]string{
	"users":             "Accounts and digipog balances",
	"classroom":         "Persisted classrooms",
	"classusers":        "Class memberships",
	"poll_history":      "Archived polls",
	"poll_answers":      "Per-student archived answers",
	"custom_polls":      "Saved poll templates",
	"class_polls":       "Template shares",
	"digipog_awards":    "Reward audit trail",
	"schema_migrations": "Migration tracking",
}

// RequiredIndexes maps each index to the query it serves.
var RequiredIndexes = map[string]string{
	"idx_classusers_student":  "Classes of a student",
	"idx_poll_history_class":  "Poll history by class",
	"idx_poll_answers_class":  "Answers by class",
	"idx_digipog_awards_user": "Awards by user",
}

// SchemaValidator inspects the live schema against what the store expects.
type SchemaValidator struct {
	db      *sqlx.DB
	dialect string
}

// NewSchemaValidator creates a new schema validator
func NewSchemaValidator(db *sqlx.DB, dialect string) *SchemaValidator {
	return &SchemaValidator{db: db, dialect: dialect}
}

// ValidateTablesExist verifies that all required tables exist
func (v *SchemaValidator) ValidateTablesExist() error {
	for table, description := range RequiredTables {
		exists, err := v.tableExists(table)
		if err != nil {
			return fmt.Errorf("error checking table %s (%s): %w", table, description, err)
		}
		if !exists {
			return fmt.Errorf("required table %s (%s) does not exist", table, description)
		}
	}
	return nil
}

// ValidateIndexes verifies that all lookup indexes exist
func (v *SchemaValidator) ValidateIndexes() error {
	for index, purpose := range RequiredIndexes {
		exists, err := v.indexExists(index)
		if err != nil {
			return fmt.Errorf("error checking index %s (%s): %w", index, purpose, err)
		}
		if !exists {
			return fmt.Errorf("required index %s (%s) does not exist", index, purpose)
		}
	}
	return nil
}

// ValidateColumns checks that table has at least the expected columns.
// Column names compare case-insensitively since postgres folds them.
func (v *SchemaValidator) ValidateColumns(table string, expected []string) error {
	found, err := v.columns(table)
	if err != nil {
		return err
	}
	for _, col := range expected {
		if !found[strings.ToLower(col)] {
			return fmt.Errorf("column %s.%s not found", table, col)
		}
	}
	return nil
}

func (v *SchemaValidator) tableExists(name string) (bool, error) {
	query := "SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?"
	if v.dialect == DialectPostgres {
		query = "SELECT COUNT(*) FROM information_schema.tables WHERE table_schema = current_schema() AND table_name = ?"
	}
	return v.count(query, name)
}

func (v *SchemaValidator) indexExists(name string) (bool, error) {
	query := "SELECT COUNT(*) FROM sqlite_master WHERE type='index' AND name=?"
	if v.dialect == DialectPostgres {
		query = "SELECT COUNT(*) FROM pg_indexes WHERE schemaname = current_schema() AND indexname = ?"
	}
	return v.count(query, name)
}

func (v *SchemaValidator) count(query, arg string) (bool, error) {
	var n int
	if err := v.db.Get(&n, v.db.Rebind(query), arg); err != nil {
		return false, err
	}
	return n > 0, nil
}

func (v *SchemaValidator) columns(table string) (map[string]bool, error) {
	var names []string
	var err error
	if v.dialect == DialectPostgres {
		err = v.db.Select(&names, v.db.Rebind(
			"SELECT column_name FROM information_schema.columns WHERE table_schema = current_schema() AND table_name = ?"), table)
	} else {
		err = v.db.Select(&names, "SELECT name FROM pragma_table_info(?)", table)
	}
	if err != nil {
		return nil, err
	}
	found := make(map[string]bool, len(names))
	for _, n := range names {
		found[strings.ToLower(n)] = true
	}
	return found, nil
}
