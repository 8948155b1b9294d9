package migrate

import (
	"fmt"
	"strings"

	"github.com/latticedb/lattice/internal/schema"
)

// StepKind tags one physical operation in a Plan.
type StepKind string

const (
	StepDropTable     StepKind = "drop_table"
	StepCreateTable   StepKind = "create_table"
	StepAddColumn     StepKind = "add_column"
	StepDropIndex     StepKind = "drop_index"
	StepCreateIndex   StepKind = "create_index"
	StepRecreateTable StepKind = "recreate_table"
	StepCreateView    StepKind = "create_view"
	StepDropView      StepKind = "drop_view"
	StepAlterView     StepKind = "alter_view"
)

// Step is one operation in an ordered migration Plan. SQL holds the
// statement(s) a preview would show; for StepRecreateTable the row-copy
// itself is data-dependent and is not representable as static SQL — see
// Executor.recreateTable — so SQL only carries the DDL bookends.
type Step struct {
	Kind  StepKind
	Table string
	View  string
	SQL   []string

	// NewTable / NewView carry the full declarative definition so the
	// executor doesn't need to re-derive it from SQL text.
	NewTable *schema.Table
	NewView  *schema.View
	Change   *TableChange
}

// Plan is the ordered list of operations the migration planner emits from
// a Diff. PlanMigration (§4.4) returns a Plan without executing it so
// callers can preview pending changes.
type Plan struct {
	Steps []Step
}

func (p Plan) Empty() bool { return len(p.Steps) == 0 }

// Build turns a Diff into an ordered Plan: drops first, then alterations
// (simple or recreate), then creates, with view changes last (spec §4.4).
func Build(d Diff) Plan {
	var p Plan

	for _, name := range d.DropTables {
		p.Steps = append(p.Steps, Step{
			Kind:  StepDropTable,
			Table: name,
			SQL:   []string{fmt.Sprintf("DROP TABLE %s", quoteIdent(name))},
		})
	}

	for i := range d.AlterTables {
		change := d.AlterTables[i]
		if change.Recreate {
			p.Steps = append(p.Steps, recreateSteps(change)...)
			continue
		}
		p.Steps = append(p.Steps, simpleAlterSteps(change)...)
	}

	for i := range d.CreateTables {
		t := d.CreateTables[i]
		p.Steps = append(p.Steps, createTableSteps(t)...)
	}

	for _, name := range d.DropViews {
		p.Steps = append(p.Steps, Step{
			Kind: StepDropView,
			View: name,
			SQL:  []string{fmt.Sprintf("DROP VIEW %s", quoteIdent(name))},
		})
	}
	for i := range d.AlterViews {
		v := d.AlterViews[i]
		p.Steps = append(p.Steps, Step{
			Kind: StepAlterView,
			View: v.Name,
			SQL: []string{
				fmt.Sprintf("DROP VIEW %s", quoteIdent(v.Name)),
				fmt.Sprintf("CREATE VIEW %s AS %s", quoteIdent(v.Name), v.SQL()),
			},
			NewView: &v,
		})
	}
	for i := range d.CreateViews {
		v := d.CreateViews[i]
		p.Steps = append(p.Steps, Step{
			Kind:    StepCreateView,
			View:    v.Name,
			SQL:     []string{fmt.Sprintf("CREATE VIEW %s AS %s", quoteIdent(v.Name), v.SQL())},
			NewView: &v,
		})
	}

	return p
}

func simpleAlterSteps(change TableChange) []Step {
	var steps []Step
	for _, op := range change.ColumnOps {
		if op.Kind != ColAdd {
			continue // only reachable for non-recreate alterations
		}
		steps = append(steps, Step{
			Kind:  StepAddColumn,
			Table: change.Table.Name,
			SQL:   []string{fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s", quoteIdent(change.Table.Name), columnDDL(op.New))},
		})
	}
	for _, op := range change.KeyOps {
		if op.Kind != KeyDrop {
			continue
		}
		steps = append(steps, Step{
			Kind:  StepDropIndex,
			Table: change.Table.Name,
			SQL:   []string{fmt.Sprintf("DROP INDEX %s", quoteIdent(op.Key.Name))},
		})
	}
	for _, op := range change.KeyOps {
		if op.Kind != KeyAdd {
			continue
		}
		steps = append(steps, Step{
			Kind:  StepCreateIndex,
			Table: change.Table.Name,
			SQL:   []string{createIndexSQL(change.Table.Name, op.Key)},
		})
	}
	return steps
}

func recreateSteps(change TableChange) []Step {
	t := change.Table
	newName := t.Name + "_new"

	createSQL := createTableSQL(newName, t)
	dropSQL := fmt.Sprintf("DROP TABLE %s", quoteIdent(t.Name))
	renameSQL := fmt.Sprintf("ALTER TABLE %s RENAME TO %s", quoteIdent(newName), quoteIdent(t.Name))

	sqlLines := []string{createSQL, "-- row copy happens row-by-row, resolving generator defaults per row", dropSQL, renameSQL}
	for _, k := range t.Keys {
		if k.Kind == schema.KeyPrimary {
			continue
		}
		sqlLines = append(sqlLines, createIndexSQL(t.Name, k))
	}

	c := change
	return []Step{{
		Kind:     StepRecreateTable,
		Table:    t.Name,
		SQL:      sqlLines,
		NewTable: &t,
		Change:   &c,
	}}
}

func createTableSteps(t schema.Table) []Step {
	steps := []Step{{
		Kind:     StepCreateTable,
		Table:    t.Name,
		SQL:      []string{createTableSQL(t.Name, t)},
		NewTable: &t,
	}}
	for _, k := range t.Keys {
		if k.Kind == schema.KeyPrimary {
			continue
		}
		steps = append(steps, Step{
			Kind:  StepCreateIndex,
			Table: t.Name,
			SQL:   []string{createIndexSQL(t.Name, k)},
		})
	}
	return steps
}

func createTableSQL(name string, t schema.Table) string {
	var cols []string
	for _, c := range t.Columns {
		cols = append(cols, columnDDL(c))
	}
	if pk, ok := t.PrimaryKey(); ok {
		quoted := make([]string, len(pk.Columns))
		for i, c := range pk.Columns {
			quoted[i] = quoteIdent(c)
		}
		cols = append(cols, fmt.Sprintf("PRIMARY KEY (%s)", strings.Join(quoted, ", ")))
	}
	return fmt.Sprintf("CREATE TABLE %s (\n\t%s\n)", quoteIdent(name), strings.Join(cols, ",\n\t"))
}

func createIndexSQL(table string, k schema.Key) string {
	unique := ""
	if k.Kind == schema.KeyUnique {
		unique = "UNIQUE "
	}
	quoted := make([]string, len(k.Columns))
	for i, c := range k.Columns {
		quoted[i] = quoteIdent(c)
	}
	return fmt.Sprintf("CREATE %sINDEX %s ON %s(%s)", unique, quoteIdent(k.Name), quoteIdent(table), strings.Join(quoted, ", "))
}

func columnDDL(c schema.Column) string {
	parts := []string{quoteIdent(c.Name), string(c.PhysicalType)}
	if c.NotNull {
		parts = append(parts, "NOT NULL")
	}
	if c.Default.Generator == nil && c.Default.Scalar != nil {
		parts = append(parts, "DEFAULT "+literalSQL(c.Default.Scalar))
	}
	return strings.Join(parts, " ")
}

func literalSQL(v interface{}) string {
	switch val := v.(type) {
	case string:
		return "'" + strings.ReplaceAll(val, "'", "''") + "'"
	case bool:
		if val {
			return "1"
		}
		return "0"
	default:
		return fmt.Sprintf("%v", val)
	}
}

func quoteIdent(ident string) string {
	return `"` + strings.ReplaceAll(ident, `"`, `""`) + `"`
}
