package schema

import (
	"fmt"
	"strings"
)

// SelectExpr is one column expression in a view's SELECT list.
type SelectExpr struct {
	Expr  string
	Alias string
}

// JoinKind enumerates the join forms a view's FROM clause can use.
type JoinKind string

const (
	JoinInner JoinKind = "JOIN"
	JoinLeft  JoinKind = "LEFT JOIN"
)

// Join is one joined table in a view's FROM clause.
type Join struct {
	Kind  JoinKind
	Table string
	On    string
}

// View is a structured, deterministic SQL view definition. Views answer
// column-membership queries used by the reactive engine to infer which
// underlying tables a query depends on.
type View struct {
	Name    string
	Select  []SelectExpr
	From    string
	Joins   []Join
	Where   string
	GroupBy []string
	Having  string
	OrderBy []string
}

// SQL renders the view's canonical CREATE VIEW body (the SELECT, not the
// CREATE VIEW wrapper — the migration executor adds that).
func (v View) SQL() string {
	var b strings.Builder
	b.WriteString("SELECT ")
	for i, sel := range v.Select {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(sel.Expr)
		if sel.Alias != "" {
			fmt.Fprintf(&b, " AS %s", sel.Alias)
		}
	}
	fmt.Fprintf(&b, " FROM %s", v.From)
	for _, j := range v.Joins {
		fmt.Fprintf(&b, " %s %s ON %s", j.Kind, j.Table, j.On)
	}
	if v.Where != "" {
		fmt.Fprintf(&b, " WHERE %s", v.Where)
	}
	if len(v.GroupBy) > 0 {
		fmt.Fprintf(&b, " GROUP BY %s", strings.Join(v.GroupBy, ", "))
	}
	if v.Having != "" {
		fmt.Fprintf(&b, " HAVING %s", v.Having)
	}
	if len(v.OrderBy) > 0 {
		fmt.Fprintf(&b, " ORDER BY %s", strings.Join(v.OrderBy, ", "))
	}
	return b.String()
}

// Tables returns the set of underlying table names this view reads from —
// its FROM table plus every joined table, with any alias after the table
// name dropped. Used by the reactive engine to expand a view dependency
// into its concrete table dependencies.
func (v View) Tables() []string {
	name := func(s string) string {
		if f := strings.Fields(s); len(f) > 0 {
			return f[0]
		}
		return s
	}
	from := name(v.From)
	seen := map[string]struct{}{from: {}}
	tables := []string{from}
	for _, j := range v.Joins {
		t := name(j.Table)
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		tables = append(tables, t)
	}
	return tables
}

// CanonicalSQL normalizes whitespace (collapsing runs, trimming ends,
// dropping a trailing semicolon) and letter case (the whole text is
// upper-cased, identifiers and literals included) for change-detection
// comparisons between a stored and a declarative view definition. This
// resolves the spec's open question about whitespace-insensitive view
// equality (§9).
func CanonicalSQL(sql string) string {
	sql = strings.TrimSpace(sql)
	sql = strings.TrimSuffix(sql, ";")
	fields := strings.Fields(sql)
	return strings.ToUpper(strings.Join(fields, " "))
}
