// Package migrate implements the schema differ and the migration
// planner/executor (components C5 and C6).
package migrate

import (
	"strconv"
	"strings"

	"github.com/latticedb/lattice/internal/introspect"
	"github.com/latticedb/lattice/internal/schema"
)

// ColumnOpKind tags one element of a table alteration's column_ops set.
type ColumnOpKind string

const (
	ColAdd    ColumnOpKind = "add"
	ColDrop   ColumnOpKind = "drop"
	ColModify ColumnOpKind = "modify"
)

// ColumnOp is one Add/Drop/Modify entry in an AlterTable's column_ops.
type ColumnOp struct {
	Kind ColumnOpKind
	Name string
	New  schema.Column // valid for Add, Modify
	Old  schema.Column // valid for Drop, Modify
}

// KeyOpKind tags one element of a table alteration's key_ops set.
type KeyOpKind string

const (
	KeyAdd  KeyOpKind = "add"
	KeyDrop KeyOpKind = "drop"
)

// KeyOp is one AddKey/DropKey entry in an AlterTable's key_ops.
type KeyOp struct {
	Kind KeyOpKind
	Key  schema.Key
}

// TableChange is the AlterTable(t, column_ops, key_ops) diff node. When
// Recreate is true the column_ops/key_ops are still populated (they
// describe what changed) but the executor ignores them in favor of the
// canonical safe-recreate sequence.
type TableChange struct {
	Table     schema.Table
	ColumnOps []ColumnOp
	KeyOps    []KeyOp
	Recreate  bool
}

// Diff is the tagged output of comparing a declarative Schema against a
// LiveSchema.
type Diff struct {
	CreateTables []schema.Table
	DropTables   []string
	AlterTables  []TableChange

	CreateViews []schema.View
	DropViews   []string
	AlterViews  []schema.View
}

// Empty reports whether applying d would be a no-op — the basis for the
// migration idempotence property (spec §8 property 2).
func (d Diff) Empty() bool {
	return len(d.CreateTables) == 0 && len(d.DropTables) == 0 && len(d.AlterTables) == 0 &&
		len(d.CreateViews) == 0 && len(d.DropViews) == 0 && len(d.AlterViews) == 0
}

// Compute builds the diff algebra between a declarative Schema and the
// database's current LiveSchema (spec §4.3). System tables (`__`-prefixed)
// are never part of the declarative Schema and are never touched by the
// differ — they are created/altered only by the migration executor.
func Compute(declared schema.Schema, live introspect.LiveSchema) Diff {
	var d Diff

	liveTables := map[string]introspect.LiveTable{}
	for _, lt := range live.Tables {
		if strings.HasPrefix(lt.Name, "__") {
			continue
		}
		liveTables[lt.Name] = lt
	}

	declaredTables := map[string]struct{}{}
	for _, t := range declared.Tables {
		declaredTables[t.Name] = struct{}{}
		lt, ok := liveTables[t.Name]
		if !ok {
			d.CreateTables = append(d.CreateTables, t)
			continue
		}
		if change, changed := diffTable(t, lt); changed {
			d.AlterTables = append(d.AlterTables, change)
		}
	}

	for name := range liveTables {
		if _, ok := declaredTables[name]; !ok {
			d.DropTables = append(d.DropTables, name)
		}
	}

	liveViews := map[string]introspect.LiveView{}
	for _, lv := range live.Views {
		liveViews[lv.Name] = lv
	}
	declaredViews := map[string]struct{}{}
	for _, v := range declared.Views {
		declaredViews[v.Name] = struct{}{}
		lv, ok := liveViews[v.Name]
		if !ok {
			d.CreateViews = append(d.CreateViews, v)
			continue
		}
		if schema.CanonicalSQL(lv.Definition) != schema.CanonicalSQL("CREATE VIEW "+quoteIdent(v.Name)+" AS "+v.SQL()) {
			d.AlterViews = append(d.AlterViews, v)
		}
	}
	for name := range liveViews {
		if _, ok := declaredViews[name]; !ok {
			d.DropViews = append(d.DropViews, name)
		}
	}

	return d
}

func diffTable(t schema.Table, lt introspect.LiveTable) (TableChange, bool) {
	change := TableChange{Table: t}

	liveCols := map[string]introspect.LiveColumn{}
	for _, c := range lt.Columns {
		liveCols[c.Name] = c
	}
	declaredCols := map[string]struct{}{}

	var pkChanged bool
	declaredPK, _ := t.PrimaryKey()
	if !stringsEqual(declaredPK.Columns, lt.PrimaryKey) {
		pkChanged = true
	}

	for _, c := range t.Columns {
		declaredCols[c.Name] = struct{}{}
		lc, ok := liveCols[c.Name]
		if !ok {
			change.ColumnOps = append(change.ColumnOps, ColumnOp{Kind: ColAdd, Name: c.Name, New: c})
			continue
		}
		asSchemaCol := liveColumnAsSchemaColumn(lc)
		if !c.Equal(asSchemaCol) {
			change.ColumnOps = append(change.ColumnOps, ColumnOp{Kind: ColModify, Name: c.Name, New: c, Old: asSchemaCol})
		}
	}
	for _, lc := range lt.Columns {
		if _, ok := declaredCols[lc.Name]; !ok {
			change.ColumnOps = append(change.ColumnOps, ColumnOp{Kind: ColDrop, Name: lc.Name, Old: liveColumnAsSchemaColumn(lc)})
		}
	}

	liveKeys := map[string]introspect.LiveIndex{}
	for _, k := range lt.Indexes {
		liveKeys[keySignature(k.Unique, k.Columns)] = k
	}
	declaredKeySigs := map[string]struct{}{}
	for _, k := range t.Keys {
		if k.Kind == schema.KeyPrimary {
			continue
		}
		sig := keySignature(k.Kind == schema.KeyUnique, k.Columns)
		declaredKeySigs[sig] = struct{}{}
		if _, ok := liveKeys[sig]; !ok {
			change.KeyOps = append(change.KeyOps, KeyOp{Kind: KeyAdd, Key: k})
		}
	}
	for sig, lk := range liveKeys {
		if _, ok := declaredKeySigs[sig]; !ok {
			kind := schema.KeyIndex
			if lk.Unique {
				kind = schema.KeyUnique
			}
			change.KeyOps = append(change.KeyOps, KeyOp{Kind: KeyDrop, Key: schema.Key{Name: lk.Name, Kind: kind, Columns: lk.Columns}})
		}
	}

	needsRecreate := pkChanged
	for _, op := range change.ColumnOps {
		if op.Kind == ColDrop || op.Kind == ColModify {
			needsRecreate = true
		}
	}
	change.Recreate = needsRecreate

	changed := needsRecreate || len(change.ColumnOps) > 0 || len(change.KeyOps) > 0
	return change, changed
}

func keySignature(unique bool, columns []string) string {
	prefix := "idx:"
	if unique {
		prefix = "uniq:"
	}
	return prefix + strings.Join(columns, ",")
}

func liveColumnAsSchemaColumn(lc introspect.LiveColumn) schema.Column {
	c := schema.Column{
		Name:    lc.Name,
		NotNull: lc.NotNull,
		IsLWW:   lc.IsLWW,
	}
	switch strings.ToUpper(lc.DeclaredType) {
	case "INTEGER":
		c.LogicalType = schema.LogicalInteger
		c.PhysicalType = schema.PhysicalInteger
	case "REAL":
		c.LogicalType = schema.LogicalReal
		c.PhysicalType = schema.PhysicalReal
	default:
		// GUID, TEXT and DATE all fold to TEXT on disk (spec §4.3).
		c.LogicalType = schema.LogicalText
		c.PhysicalType = schema.PhysicalText
	}
	if lc.Default.Valid {
		c.Default = schema.ScalarDefault(parseLiveDefault(c.PhysicalType, lc.Default.String))
	}
	return c
}

// parseLiveDefault inverts literalSQL (plan.go): PRAGMA table_info reports a
// column's default as the raw DDL literal text, not the value it denotes, so
// a declared Go value and its round-tripped live counterpart only compare
// equal once both sides are parsed back to the same representation.
func parseLiveDefault(physical schema.PhysicalType, raw string) interface{} {
	switch physical {
	case schema.PhysicalInteger:
		if v, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64); err == nil {
			return v
		}
		return raw
	case schema.PhysicalReal:
		if v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64); err == nil {
			return v
		}
		return raw
	default:
		return unquoteSQLLiteral(raw)
	}
}

// unquoteSQLLiteral strips the single-quote DDL syntax SQLite wraps TEXT
// defaults in and un-escapes doubled quotes, e.g. `'it''s'` -> `it's`.
func unquoteSQLLiteral(raw string) string {
	s := strings.TrimSpace(raw)
	if len(s) >= 2 && strings.HasPrefix(s, "'") && strings.HasSuffix(s, "'") {
		return strings.ReplaceAll(s[1:len(s)-1], "''", "'")
	}
	return s
}

func stringsEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
