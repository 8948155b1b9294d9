// Package introspect reads the physical database's current structure
// through SQLite metadata pragmas (component C4, the Live Introspector).
package introspect

import (
	"context"
	"database/sql"
	"sort"
	"strings"

	"github.com/latticedb/lattice/internal/core"
)

// LiveColumn is one column as currently stored, independent of any
// declarative Schema.
type LiveColumn struct {
	Name         string
	DeclaredType string
	NotNull      bool
	Default      sql.NullString
	PKOrdinal    int // 0 means "not part of the primary key"
	IsLWW        bool
}

// LiveIndex is a key currently defined on a table (primary keys are
// reported via LiveTable.PrimaryKey, not as a LiveIndex).
type LiveIndex struct {
	Name    string
	Unique  bool
	Columns []string
}

// LiveTable is a table as currently stored.
type LiveTable struct {
	Name       string
	Columns    []LiveColumn
	PrimaryKey []string // column names, in key order
	Indexes    []LiveIndex
}

// LiveView is a view as currently stored, along with its raw stored SQL.
type LiveView struct {
	Name       string
	Definition string
}

// LiveSchema is everything the Differ needs to know about the physical
// database.
type LiveSchema struct {
	Tables []LiveTable
	Views  []LiveView
}

func (ls LiveSchema) Table(name string) (LiveTable, bool) {
	for _, t := range ls.Tables {
		if t.Name == name {
			return t, true
		}
	}
	return LiveTable{}, false
}

func (ls LiveSchema) View(name string) (LiveView, bool) {
	for _, v := range ls.Views {
		if v.Name == name {
			return v, true
		}
	}
	return LiveView{}, false
}

// Read builds a LiveSchema by querying sqlite_master and the table_info /
// index_list / index_info pragmas.
func Read(ctx context.Context, e *core.Engine) (LiveSchema, error) {
	var ls LiveSchema

	tableRows, err := e.Query(ctx, `
		SELECT name FROM sqlite_master
		WHERE type='table' AND name NOT LIKE 'sqlite_%'
		ORDER BY name
	`)
	if err != nil {
		return ls, core.Classify(err, core.OpRead, "", "")
	}
	var tableNames []string
	for tableRows.Next() {
		var name string
		if err := tableRows.Scan(&name); err != nil {
			tableRows.Close()
			return ls, core.Classify(err, core.OpRead, "", "")
		}
		tableNames = append(tableNames, name)
	}
	tableRows.Close()

	for _, name := range tableNames {
		lt, err := readTable(ctx, e, name)
		if err != nil {
			return ls, err
		}
		ls.Tables = append(ls.Tables, lt)
	}

	viewRows, err := e.Query(ctx, `
		SELECT name, sql FROM sqlite_master WHERE type='view' ORDER BY name
	`)
	if err != nil {
		return ls, core.Classify(err, core.OpRead, "", "")
	}
	defer viewRows.Close()
	for viewRows.Next() {
		var name string
		var def sql.NullString
		if err := viewRows.Scan(&name, &def); err != nil {
			return ls, core.Classify(err, core.OpRead, "", "")
		}
		ls.Views = append(ls.Views, LiveView{Name: name, Definition: def.String})
	}

	return ls, nil
}

func readTable(ctx context.Context, e *core.Engine, name string) (LiveTable, error) {
	lt := LiveTable{Name: name}

	colRows, err := e.Query(ctx, "PRAGMA table_info("+quoteIdent(name)+")")
	if err != nil {
		return lt, core.Classify(err, core.OpRead, name, "")
	}

	pkOrder := map[string]int{}
	for colRows.Next() {
		var cid int
		var colName, colType string
		var notNull int
		var dflt sql.NullString
		var pk int
		if err := colRows.Scan(&cid, &colName, &colType, &notNull, &dflt, &pk); err != nil {
			colRows.Close()
			return lt, core.Classify(err, core.OpRead, name, "")
		}
		lt.Columns = append(lt.Columns, LiveColumn{
			Name:         colName,
			DeclaredType: colType,
			NotNull:      notNull != 0,
			Default:      dflt,
			PKOrdinal:    pk,
		})
		if pk > 0 {
			pkOrder[colName] = pk
		}
	}
	colRows.Close()

	// Order PK columns by their pk ordinal (1-based) for composite keys.
	type pkEntry struct {
		name    string
		ordinal int
	}
	var pkEntries []pkEntry
	for n, o := range pkOrder {
		pkEntries = append(pkEntries, pkEntry{n, o})
	}
	sort.Slice(pkEntries, func(i, j int) bool { return pkEntries[i].ordinal < pkEntries[j].ordinal })
	for _, pe := range pkEntries {
		lt.PrimaryKey = append(lt.PrimaryKey, pe.name)
	}

	// Detect LWW columns by the presence of a companion `X__hlc` column.
	names := map[string]struct{}{}
	for _, c := range lt.Columns {
		names[c.Name] = struct{}{}
	}
	for i, c := range lt.Columns {
		if strings.HasSuffix(c.Name, "__hlc") {
			continue
		}
		if _, ok := names[c.Name+"__hlc"]; ok {
			lt.Columns[i].IsLWW = true
		}
	}

	idxRows, err := e.Query(ctx, "PRAGMA index_list("+quoteIdent(name)+")")
	if err != nil {
		return lt, core.Classify(err, core.OpRead, name, "")
	}
	type idxMeta struct {
		name   string
		unique bool
		origin string
	}
	var metas []idxMeta
	for idxRows.Next() {
		var seq int
		var idxName, origin string
		var unique, partial int
		if err := idxRows.Scan(&seq, &idxName, &unique, &origin, &partial); err != nil {
			idxRows.Close()
			return lt, core.Classify(err, core.OpRead, name, "")
		}
		metas = append(metas, idxMeta{idxName, unique != 0, origin})
	}
	idxRows.Close()

	for _, m := range metas {
		// Ignore engine-internal auto-indexes backing the primary key.
		if m.origin == "pk" {
			continue
		}
		infoRows, err := e.Query(ctx, "PRAGMA index_info("+quoteIdent(m.name)+")")
		if err != nil {
			return lt, core.Classify(err, core.OpRead, name, "")
		}
		var cols []string
		for infoRows.Next() {
			var seqno, cid int
			var colName sql.NullString
			if err := infoRows.Scan(&seqno, &cid, &colName); err != nil {
				infoRows.Close()
				return lt, core.Classify(err, core.OpRead, name, "")
			}
			cols = append(cols, colName.String)
		}
		infoRows.Close()

		lt.Indexes = append(lt.Indexes, LiveIndex{Name: m.name, Unique: m.unique, Columns: cols})
	}

	return lt, nil
}

// quoteIdent is the minimal quoting PRAGMA statements need for table/index
// identifiers; these always come from sqlite_master/index_list, never
// from untrusted input, so a doubled-quote escape is sufficient.
func quoteIdent(ident string) string {
	return `"` + strings.ReplaceAll(ident, `"`, `""`) + `"`
}
