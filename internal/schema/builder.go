package schema

import (
	"fmt"
	"strings"

	"github.com/latticedb/lattice/internal/core"
)

// Builder constructs a Schema through a fluent API, adding implicit system
// and LWW-companion columns and validating every invariant in spec §3 on
// Build. No partially-built Schema escapes a failed Build call.
type Builder struct {
	tables []*TableBuilder
	views  []View
}

// NewBuilder starts a fresh schema description.
func NewBuilder() *Builder {
	return &Builder{}
}

// Table starts describing a new table.
func (b *Builder) Table(name string) *TableBuilder {
	tb := &TableBuilder{parent: b, table: Table{Name: name}}
	b.tables = append(b.tables, tb)
	return tb
}

// View registers a view definition.
func (b *Builder) View(v View) *Builder {
	b.views = append(b.views, v)
	return b
}

// TableBuilder accumulates one table's columns and keys.
type TableBuilder struct {
	parent *Builder
	table  Table
}

// Column appends a column in declaration order.
func (tb *TableBuilder) Column(c Column) *TableBuilder {
	tb.table.Columns = append(tb.table.Columns, c)
	return tb
}

// PrimaryKey declares the table's (possibly composite) primary key.
func (tb *TableBuilder) PrimaryKey(columns ...string) *TableBuilder {
	tb.table.Keys = append(tb.table.Keys, Key{
		Name:    "pk_" + tb.table.Name,
		Kind:    KeyPrimary,
		Columns: columns,
	})
	return tb
}

// UniqueKey declares a named unique constraint.
func (tb *TableBuilder) UniqueKey(name string, columns ...string) *TableBuilder {
	tb.table.Keys = append(tb.table.Keys, Key{Name: name, Kind: KeyUnique, Columns: columns})
	return tb
}

// Index declares a named non-unique index.
func (tb *TableBuilder) Index(name string, columns ...string) *TableBuilder {
	tb.table.Keys = append(tb.table.Keys, Key{Name: name, Kind: KeyIndex, Columns: columns})
	return tb
}

// Done returns to the parent Builder to continue describing more tables.
func (tb *TableBuilder) Done() *Builder {
	return tb.parent
}

// Build validates every invariant in spec §3, adds implicit system columns
// and LWW `__hlc` companions, and returns the immutable Schema. On any
// violation it returns a *core.InvalidSchema describing the reason and
// location; no partial schema is ever returned alongside an error.
func (b *Builder) Build() (*Schema, error) {
	seenTables := map[string]struct{}{}
	var tables []Table

	for _, tb := range b.tables {
		t := tb.table

		if _, dup := seenTables[t.Name]; dup {
			return nil, &core.InvalidSchema{Reason: "duplicate table name", Location: t.Name}
		}
		seenTables[t.Name] = struct{}{}

		if strings.HasPrefix(t.Name, "__") {
			return nil, &core.InvalidSchema{Reason: "table names beginning with __ are reserved for the engine", Location: t.Name}
		}

		built, err := buildTable(t)
		if err != nil {
			return nil, err
		}
		tables = append(tables, built)
	}

	seenViews := map[string]struct{}{}
	for _, v := range b.views {
		if _, dup := seenViews[v.Name]; dup {
			return nil, &core.InvalidSchema{Reason: "duplicate view name", Location: v.Name}
		}
		seenViews[v.Name] = struct{}{}
		if v.From == "" || len(v.Select) == 0 {
			return nil, &core.InvalidSchema{Reason: "view must declare a FROM table and at least one select expression", Location: v.Name}
		}
	}

	return &Schema{Tables: tables, Views: b.views}, nil
}

func buildTable(t Table) (Table, error) {
	seenCols := map[string]struct{}{}
	var pkCols map[string]struct{}

	var pkCount int
	for _, k := range t.Keys {
		if k.Kind == KeyPrimary {
			pkCount++
		}
	}
	if pkCount != 1 {
		return Table{}, &core.InvalidSchema{Reason: fmt.Sprintf("table must declare exactly one primary key, found %d", pkCount), Location: t.Name}
	}
	for _, k := range t.Keys {
		if k.Kind == KeyPrimary {
			pkCols = map[string]struct{}{}
			for _, c := range k.Columns {
				pkCols[c] = struct{}{}
			}
		}
	}

	seenKeys := map[string]struct{}{}
	for _, k := range t.Keys {
		if _, dup := seenKeys[k.Name]; dup {
			return Table{}, &core.InvalidSchema{Reason: "duplicate key name", Location: t.Name + "." + k.Name}
		}
		seenKeys[k.Name] = struct{}{}
	}

	var resolved []Column
	for _, c := range t.Columns {
		if strings.HasPrefix(c.Name, "__") {
			return Table{}, &core.InvalidSchema{Reason: "user columns may not begin with __", Location: t.Name + "." + c.Name}
		}
		if strings.HasSuffix(c.Name, "__hlc") {
			return Table{}, &core.InvalidSchema{Reason: "__hlc companion columns are added implicitly and must not be declared manually", Location: t.Name + "." + c.Name}
		}
		for _, sysName := range SystemColumnNames {
			if c.Name == sysName {
				return Table{}, &core.InvalidSchema{Reason: "system columns are added implicitly and must not be declared manually", Location: t.Name + "." + c.Name}
			}
		}
		if _, dup := seenCols[c.Name]; dup {
			return Table{}, &core.InvalidSchema{Reason: "duplicate column name", Location: t.Name + "." + c.Name}
		}
		seenCols[c.Name] = struct{}{}

		if _, isPK := pkCols[c.Name]; isPK {
			c.NotNull = true
		}

		c.PhysicalType = physicalFor(c.LogicalType)

		if c.LogicalType == LogicalFileset {
			if c.MaxCount == nil || c.MaxFileSizeBytes == nil {
				return Table{}, &core.InvalidSchema{Reason: "fileset columns must declare max_count and max_file_size_bytes", Location: t.Name + "." + c.Name}
			}
		}

		if c.NotNull && c.Default.IsZero() {
			return Table{}, &core.InvalidSchema{Reason: "not_null column requires a default_value", Location: t.Name + "." + c.Name}
		}

		resolved = append(resolved, c)
	}

	// Validate that every PK column was actually declared (or is a system
	// column).
	for colName := range pkCols {
		if _, ok := seenCols[colName]; !ok {
			if _, isSys := indexOfSystem(colName); !isSys {
				return Table{}, &core.InvalidSchema{Reason: "primary key references undeclared column " + colName, Location: t.Name}
			}
		}
	}

	// Validate every key's columns exist.
	for _, k := range t.Keys {
		for _, colName := range k.Columns {
			if _, ok := seenCols[colName]; !ok {
				if _, isSys := indexOfSystem(colName); !isSys {
					return Table{}, &core.InvalidSchema{Reason: "key references undeclared column " + colName, Location: t.Name + "." + k.Name}
				}
			}
		}
	}

	// Add implicit __hlc companions right after their LWW column.
	var withCompanions []Column
	for _, c := range resolved {
		withCompanions = append(withCompanions, c)
		if c.IsLWW {
			withCompanions = append(withCompanions, hlcCompanion(c))
		}
	}

	// Prepend implicit system columns.
	final := append(systemColumns(), withCompanions...)

	t.Columns = final
	return t, nil
}

func indexOfSystem(name string) (int, bool) {
	for i, s := range SystemColumnNames {
		if s == name {
			return i, true
		}
	}
	return -1, false
}
