// Package core provides the SQL engine adapter and error taxonomy shared
// by every other component of the engine.
package core

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"modernc.org/sqlite"
)

// Category is the normalized error category every engine error maps to.
type Category string

const (
	CategoryConstraintViolation Category = "constraint_violation"
	CategoryNotFound            Category = "not_found"
	CategoryInvalidData         Category = "invalid_data"
	CategoryAccessDenied        Category = "access_denied"
	CategoryDatabaseLocked      Category = "database_locked"
	CategoryConnectionError     Category = "connection_error"
	CategoryCorruption          Category = "corruption"
	CategorySchemaMismatch      Category = "schema_mismatch"
	CategoryConcurrencyConflict Category = "concurrency_conflict"
	CategoryUnknown             Category = "unknown"
)

// OpKind tags the kind of operation that produced an EngineError.
type OpKind string

const (
	OpCreate     OpKind = "create"
	OpRead       OpKind = "read"
	OpUpdate     OpKind = "update"
	OpDelete     OpKind = "delete"
	OpTransaction OpKind = "transaction"
	OpConnection OpKind = "connection"
	OpMigration  OpKind = "migration"
)

// EngineError is the sum-type error value every public operation returns.
// It wraps the underlying driver error and is safe to inspect with
// errors.As; the original cause is never swallowed.
type EngineError struct {
	Category Category
	Op       OpKind
	Table    string
	Column   string
	Context  string
	Cause    error
}

func (e *EngineError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %s", e.Op, e.Category)
	if e.Table != "" {
		fmt.Fprintf(&b, " table=%s", e.Table)
	}
	if e.Column != "" {
		fmt.Fprintf(&b, " column=%s", e.Column)
	}
	if e.Context != "" {
		fmt.Fprintf(&b, " (%s)", e.Context)
	}
	if e.Cause != nil {
		fmt.Fprintf(&b, ": %v", e.Cause)
	}
	return b.String()
}

func (e *EngineError) Unwrap() error { return e.Cause }

// InvalidSchema is returned by the schema builder; it never escapes with a
// partially-built schema attached.
type InvalidSchema struct {
	Reason   string
	Location string
}

func (e *InvalidSchema) Error() string {
	if e.Location != "" {
		return fmt.Sprintf("invalid schema: %s (at %s)", e.Reason, e.Location)
	}
	return fmt.Sprintf("invalid schema: %s", e.Reason)
}

// InvalidData is raised by LWW/fileset constraint checks and by malformed
// inbound merge payloads.
type InvalidData struct {
	Reason string
}

func (e *InvalidData) Error() string { return fmt.Sprintf("invalid data: %s", e.Reason) }

// sqlite error codes we care about (see sqlite3.h); modernc.org/sqlite
// exposes them via sqlite.Error.Code().
const (
	sqliteBusy       = 5
	sqliteLocked     = 6
	sqliteReadonly   = 8
	sqliteIOErr      = 10
	sqliteCorrupt    = 11
	sqliteNotFound   = 12
	sqlitePerm       = 3
	sqliteConstraint = 19
)

// Classify normalizes a raw driver/engine error into an EngineError tagged
// with op. A nil input returns nil so callers can write
// `return core.Classify(err, core.OpUpdate, table, "")`.
func Classify(err error, op OpKind, table, column string) error {
	if err == nil {
		return nil
	}

	if ee := new(EngineError); errors.As(err, &ee) {
		return err
	}

	category := CategoryUnknown
	context := ""

	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() {
		case sqliteBusy, sqliteLocked:
			category = CategoryDatabaseLocked
		case sqliteConstraint:
			category = CategoryConstraintViolation
		case sqliteCorrupt:
			category = CategoryCorruption
		case sqlitePerm, sqliteReadonly:
			category = CategoryAccessDenied
		case sqliteIOErr:
			category = CategoryConnectionError
		case sqliteNotFound:
			category = CategoryNotFound
		}
	} else if errors.Is(err, sql.ErrNoRows) {
		category = CategoryNotFound
	} else {
		msg := strings.ToLower(err.Error())
		switch {
		case strings.Contains(msg, "database is locked") || strings.Contains(msg, "busy"):
			category = CategoryDatabaseLocked
		case strings.Contains(msg, "unique constraint") || strings.Contains(msg, "constraint failed"):
			category = CategoryConstraintViolation
		case strings.Contains(msg, "no such table") || strings.Contains(msg, "no such column"):
			category = CategorySchemaMismatch
			context = "schema drift between declarative and live database"
		case strings.Contains(msg, "malformed") || strings.Contains(msg, "corrupt"):
			category = CategoryCorruption
		case strings.Contains(msg, "readonly") || strings.Contains(msg, "permission"):
			category = CategoryAccessDenied
		case strings.Contains(msg, "connection") || strings.Contains(msg, "closed"):
			category = CategoryConnectionError
		}
	}

	return &EngineError{
		Category: category,
		Op:       op,
		Table:    table,
		Column:   column,
		Context:  context,
		Cause:    err,
	}
}

// IsCategory reports whether err (or something it wraps) is an EngineError
// of the given category.
func IsCategory(err error, c Category) bool {
	var ee *EngineError
	if errors.As(err, &ee) {
		return ee.Category == c
	}
	return false
}
