package migrate

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/latticedb/lattice/internal/core"
	"github.com/latticedb/lattice/internal/introspect"
	"github.com/latticedb/lattice/internal/schema"
)

// systemTableDDL creates the three engine-managed tables (spec §6) if they
// don't already exist. They are never part of the declarative Schema and
// are never touched by the Differ — only the Executor creates them.
var systemTableDDL = []string{
	`CREATE TABLE IF NOT EXISTS __settings (
		key TEXT PRIMARY KEY,
		value TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS __files (
		id TEXT PRIMARY KEY,
		fileset TEXT NOT NULL,
		name TEXT NOT NULL,
		size INTEGER NOT NULL,
		mime TEXT,
		created_at TEXT NOT NULL,
		modified_at TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_files_fileset ON __files(fileset)`,
	`CREATE TABLE IF NOT EXISTS __dirty_rows (
		table_name TEXT NOT NULL,
		row_id TEXT NOT NULL,
		hlc TEXT NOT NULL,
		is_full_row INTEGER NOT NULL,
		PRIMARY KEY (table_name, row_id)
	)`,
}

// Executor runs a Plan against an Engine inside a single transaction
// (component C6).
type Executor struct {
	engine *core.Engine
}

func NewExecutor(engine *core.Engine) *Executor {
	return &Executor{engine: engine}
}

// PlanMigration computes and returns the Plan for declared without
// executing it, for preview (spec §4.4).
func (x *Executor) PlanMigration(ctx context.Context, declared schema.Schema) (Plan, error) {
	live, err := introspect.Read(ctx, x.engine)
	if err != nil {
		return Plan{}, err
	}
	return Build(Compute(declared, live)), nil
}

// Migrate plans and applies declared against the current database, all
// inside one transaction. On success the schema fingerprint is written to
// __settings; on any failure the transaction rolls back and the database
// is left in its prior state (spec §4.4/§7).
func (x *Executor) Migrate(ctx context.Context, declared schema.Schema) (Plan, error) {
	plan, err := x.PlanMigration(ctx, declared)
	if err != nil {
		return Plan{}, err
	}

	err = x.engine.Transaction(ctx, func(tx *sql.Tx) error {
		for _, stmt := range systemTableDDL {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return err
			}
		}

		for _, step := range plan.Steps {
			if err := applyStep(ctx, tx, step); err != nil {
				return fmt.Errorf("step %s(%s%s): %w", step.Kind, step.Table, step.View, err)
			}
		}

		_, err := tx.ExecContext(ctx, `
			INSERT INTO __settings (key, value) VALUES ('schema_hash', ?)
			ON CONFLICT(key) DO UPDATE SET value = excluded.value
		`, declared.Hash())
		return err
	})
	if err != nil {
		return plan, core.Classify(err, core.OpMigration, "", "")
	}
	return plan, nil
}

func applyStep(ctx context.Context, tx *sql.Tx, step Step) error {
	switch step.Kind {
	case StepRecreateTable:
		return recreateTable(ctx, tx, step)
	default:
		for _, stmt := range step.SQL {
			if strings.HasPrefix(strings.TrimSpace(stmt), "--") {
				continue
			}
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return err
			}
		}
		return nil
	}
}

// recreateTable performs the canonical safe-recreate sequence (spec
// §4.4): create table_new, copy preserved columns row-by-row (resolving
// generator defaults for added columns per row), drop the old table,
// rename table_new to table, and recreate its indexes.
func recreateTable(ctx context.Context, tx *sql.Tx, step Step) error {
	t := *step.NewTable
	change := *step.Change
	newName := t.Name + "_new"

	if _, err := tx.ExecContext(ctx, createTableSQL(newName, t)); err != nil {
		return err
	}

	added := map[string]struct{}{}
	for _, op := range change.ColumnOps {
		if op.Kind == ColAdd {
			added[op.Name] = struct{}{}
		}
	}

	var preserved []schema.Column
	for _, c := range t.Columns {
		if _, isAdded := added[c.Name]; !isAdded {
			preserved = append(preserved, c)
		}
	}

	if err := copyRows(ctx, tx, t, newName, preserved); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, fmt.Sprintf("DROP TABLE %s", quoteIdent(t.Name))); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf("ALTER TABLE %s RENAME TO %s", quoteIdent(newName), quoteIdent(t.Name))); err != nil {
		return err
	}

	for _, k := range t.Keys {
		if k.Kind == schema.KeyPrimary {
			continue
		}
		if _, err := tx.ExecContext(ctx, createIndexSQL(t.Name, k)); err != nil {
			return err
		}
	}

	return nil
}

func copyRows(ctx context.Context, tx *sql.Tx, t schema.Table, newName string, preserved []schema.Column) error {
	preservedNames := make([]string, len(preserved))
	for i, c := range preserved {
		preservedNames[i] = quoteIdent(c.Name)
	}

	rows, err := tx.QueryContext(ctx, fmt.Sprintf(
		"SELECT %s FROM %s", strings.Join(preservedNames, ", "), quoteIdent(t.Name),
	))
	if err != nil {
		return err
	}
	defer rows.Close()

	insertCols := make([]string, len(t.Columns))
	placeholders := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		insertCols[i] = quoteIdent(c.Name)
		placeholders[i] = "?"
	}
	insertSQL := fmt.Sprintf(
		"INSERT INTO %s (%s) VALUES (%s)",
		quoteIdent(newName), strings.Join(insertCols, ", "), strings.Join(placeholders, ", "),
	)

	preservedIdx := map[string]int{}
	for i, c := range preserved {
		preservedIdx[c.Name] = i
	}

	for rows.Next() {
		scanned := make([]interface{}, len(preserved))
		scanPtrs := make([]interface{}, len(preserved))
		for i := range scanned {
			scanPtrs[i] = &scanned[i]
		}
		if err := rows.Scan(scanPtrs...); err != nil {
			return err
		}

		values := make([]interface{}, len(t.Columns))
		for i, c := range t.Columns {
			if idx, ok := preservedIdx[c.Name]; ok {
				values[i] = scanned[idx]
			} else {
				values[i] = c.Default.Resolve()
			}
		}

		if _, err := tx.ExecContext(ctx, insertSQL, values...); err != nil {
			return err
		}
	}
	return rows.Err()
}

// EnsureSystemTables creates the engine-managed tables outside of a full
// Migrate call, for callers (tests, the fileset/outbox packages in
// isolation) that need __dirty_rows/__files/__settings to exist already.
func EnsureSystemTables(ctx context.Context, e *core.Engine) error {
	return e.Transaction(ctx, func(tx *sql.Tx) error {
		for _, stmt := range systemTableDDL {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return err
			}
		}
		return nil
	})
}

// LiveSchemaFingerprint reads the schema_hash recorded by the last
// successful Migrate call, if any.
func LiveSchemaFingerprint(ctx context.Context, e *core.Engine) (string, error) {
	var hash sql.NullString
	err := e.QueryRow(ctx, "SELECT value FROM __settings WHERE key = 'schema_hash'").Scan(&hash)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", core.Classify(err, core.OpRead, "__settings", "")
	}
	return hash.String, nil
}
