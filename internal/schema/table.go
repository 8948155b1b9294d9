package schema

import "strings"

// KeyKind distinguishes a table's primary key from its unique and
// non-unique indexes.
type KeyKind string

const (
	KeyPrimary KeyKind = "primary"
	KeyUnique  KeyKind = "unique"
	KeyIndex   KeyKind = "index"
)

// Key is a primary key, unique key, or plain index over one or more
// columns, in declared order.
type Key struct {
	Name    string
	Kind    KeyKind
	Columns []string
}

// SystemColumnNames are implicitly present on every user table.
var SystemColumnNames = []string{"system_id", "system_version", "system_created_at"}

func systemColumns() []Column {
	return []Column{
		{Name: "system_id", LogicalType: LogicalGUID, PhysicalType: PhysicalText, NotNull: true, Default: ScalarDefault("")},
		{Name: "system_version", LogicalType: LogicalText, PhysicalType: PhysicalText, NotNull: true, Default: ScalarDefault("")},
		{Name: "system_created_at", LogicalType: LogicalText, PhysicalType: PhysicalText, NotNull: true, Default: ScalarDefault("")},
	}
}

// Table is an ordered set of columns plus its keys. Names beginning `__`
// are system tables, managed only by the migration executor.
type Table struct {
	Name    string
	Columns []Column
	Keys    []Key
}

// IsSystem reports whether t is an engine-managed system table.
func (t Table) IsSystem() bool { return strings.HasPrefix(t.Name, "__") }

// Column looks up a column by name.
func (t Table) Column(name string) (Column, bool) {
	for _, c := range t.Columns {
		if c.Name == name {
			return c, true
		}
	}
	return Column{}, false
}

// PrimaryKey returns the table's single primary key.
func (t Table) PrimaryKey() (Key, bool) {
	for _, k := range t.Keys {
		if k.Kind == KeyPrimary {
			return k, true
		}
	}
	return Key{}, false
}

// ColumnNames returns the ordered list of column names.
func (t Table) ColumnNames() []string {
	names := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		names[i] = c.Name
	}
	return names
}
